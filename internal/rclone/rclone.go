package rclone

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultBinary        = "rclone"
	DefaultModifyWindow  = time.Second
	DefaultShutdownGrace = 10 * time.Second

	dedupeModeNewest = "newest"
)

// Engine is the set of transfer operations the sync loop drives.
// Every call runs to completion and reports the captured output.
type Engine interface {
	List(ctx context.Context, path string) (Listing, error)
	Copy(ctx context.Context, src, dst string) (*Result, error)
	Sync(ctx context.Context, src, dst string) (*Result, error)
	Dedupe(ctx context.Context, path string) (*Result, error)
}

// options holds internal configuration for the rclone engine
type options struct {
	binary        string
	configPath    string
	extraArgs     []string
	modifyWindow  time.Duration
	shutdownGrace time.Duration
	runner        runner
}

// Option configures the rclone engine
type Option func(*options)

// WithBinary sets the rclone executable, looked up in PATH when not absolute
func WithBinary(path string) Option {
	return func(o *options) {
		o.binary = path
	}
}

// WithConfigPath passes --config to every invocation
func WithConfigPath(path string) Option {
	return func(o *options) {
		o.configPath = path
	}
}

// WithExtraArgs appends user supplied flags to every invocation
func WithExtraArgs(args ...string) Option {
	return func(o *options) {
		o.extraArgs = append(o.extraArgs, args...)
	}
}

// WithModifyWindow sets the tolerance within which two modification times are equal
func WithModifyWindow(d time.Duration) Option {
	return func(o *options) {
		o.modifyWindow = d
	}
}

// WithShutdownGrace sets how long an interrupted rclone process may take to exit
// before it is killed.
func WithShutdownGrace(d time.Duration) Option {
	return func(o *options) {
		o.shutdownGrace = d
	}
}

func withRunner(r runner) Option {
	return func(o *options) {
		o.runner = r
	}
}

// Rclone implements Engine by running the rclone binary.
type Rclone struct {
	opts *options
}

var _ Engine = (*Rclone)(nil)

func New(opts ...Option) *Rclone {
	o := &options{
		binary:        DefaultBinary,
		modifyWindow:  DefaultModifyWindow,
		shutdownGrace: DefaultShutdownGrace,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.runner == nil {
		o.runner = &execRunner{grace: o.shutdownGrace}
	}
	return &Rclone{opts: o}
}

// List returns the recursive listing of path, sorted by entry path.
func (r *Rclone) List(ctx context.Context, path string) (Listing, error) {
	res, err := r.run(ctx, "lsjson", "--recursive", path)
	if err != nil {
		return nil, err
	}

	listing, err := ParseListing([]byte(res.Stdout))
	if err != nil {
		return nil, fmt.Errorf("lsjson %s: %w", path, err)
	}
	listing.Sort()
	return listing, nil
}

// Copy copies src into dst, skipping files that are newer on dst.
func (r *Rclone) Copy(ctx context.Context, src, dst string) (*Result, error) {
	return r.transfer(ctx, "copy", src, dst)
}

// Sync makes dst an exact mirror of src, skipping files that are newer on dst.
// Files on dst that are absent from src are deleted.
func (r *Rclone) Sync(ctx context.Context, src, dst string) (*Result, error) {
	return r.transfer(ctx, "sync", src, dst)
}

// Dedupe resolves duplicate entries under path, keeping the newest one.
func (r *Rclone) Dedupe(ctx context.Context, path string) (*Result, error) {
	return r.run(ctx, "dedupe", "--dedupe-mode", dedupeModeNewest, path)
}

func (r *Rclone) transfer(ctx context.Context, command, src, dst string) (*Result, error) {
	return r.run(ctx, command, "--update", "--modify-window="+r.opts.modifyWindow.String(), src, dst)
}

func (r *Rclone) run(ctx context.Context, command string, args ...string) (*Result, error) {
	argv := r.args(command, args...)

	tStart := time.Now()
	res, err := r.opts.runner.Run(ctx, r.opts.binary, argv...)
	elapsed := time.Since(tStart)
	if err != nil {
		slog.Debug("rclone failed", "command", command, "took", elapsed, "error", err)
		return res, newExitError(command, res, err)
	}

	slog.Debug("rclone", "command", command, "took", elapsed)
	return res, nil
}

func (r *Rclone) args(command string, args ...string) []string {
	argv := make([]string, 0, len(args)+len(r.opts.extraArgs)+4)
	argv = append(argv, command, "-vv")
	if r.opts.configPath != "" {
		argv = append(argv, "--config", r.opts.configPath)
	}
	argv = append(argv, r.opts.extraArgs...)
	return append(argv, args...)
}
