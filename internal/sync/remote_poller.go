package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"github.com/openmined/rcsync/internal/rclone"
)

const (
	DefaultPollInterval = 30 * time.Second
)

// RemotePoller periodically lists the remote tree and marks the remote side
// dirty when the listing differs from the previous one.
type RemotePoller struct {
	engine   rclone.Engine
	remote   string
	interval time.Duration
	retry    RetryPolicy
	clock    clockwork.Clock
	signal   *ChangeSignal

	// nil until primed or polled; a nil baseline always compares as changed
	baseline rclone.Listing
}

type RemotePollerConfig struct {
	Remote       string
	PollInterval time.Duration
	Retry        RetryPolicy
	Clock        clockwork.Clock
}

func NewRemotePoller(engine rclone.Engine, signal *ChangeSignal, cfg RemotePollerConfig) *RemotePoller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &RemotePoller{
		engine:   engine,
		remote:   cfg.Remote,
		interval: cfg.PollInterval,
		retry:    cfg.Retry,
		clock:    cfg.Clock,
		signal:   signal,
	}
}

// Prime seeds the baseline with the current listing without marking the
// remote side dirty. It must not run concurrently with Run.
func (p *RemotePoller) Prime(ctx context.Context) error {
	listing, err := p.fetch(ctx)
	if err != nil {
		return err
	}
	p.baseline = listing
	slog.Info("remote baseline primed", "entries", len(listing), "size", humanize.IBytes(listing.TotalSize()))
	return nil
}

// Run polls until ctx is done or a listing cannot be fetched within the
// retry policy. The first poll runs immediately.
func (p *RemotePoller) Run(ctx context.Context) error {
	slog.Info("remote poller start", "remote", p.remote, "interval", p.interval, "primed", p.baseline != nil)

	for {
		if err := p.Poll(ctx); err != nil {
			return err
		}
		if err := p.sleep(ctx); err != nil {
			return err
		}
	}
}

// Poll fetches one listing and compares it with the baseline
func (p *RemotePoller) Poll(ctx context.Context) error {
	listing, err := p.fetch(ctx)
	if err != nil {
		return err
	}

	if p.baseline != nil && p.baseline.Equal(listing) {
		slog.Debug("remote unchanged", "entries", len(listing))
		return nil
	}

	slog.Info("remote changes detected",
		"entries", len(listing),
		"previous", len(p.baseline),
		"size", humanize.IBytes(listing.TotalSize()),
	)
	p.signal.MarkRemote()
	p.baseline = listing
	return nil
}

func (p *RemotePoller) fetch(ctx context.Context) (rclone.Listing, error) {
	var listing rclone.Listing
	err := p.retry.Do(ctx, "list", isRetryableListing, func() error {
		var err error
		listing, err = p.engine.List(ctx, p.remote)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrRemoteListing, p.remote, err)
	}

	listing.Sort()
	if listing == nil {
		listing = rclone.Listing{}
	}
	return listing, nil
}

func (p *RemotePoller) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.clock.After(p.interval):
		return nil
	}
}

func isRetryableListing(err error) bool {
	return rclone.IsRetryable(err) || errors.Is(err, rclone.ErrInvalidListing)
}
