package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/openmined/rcsync/internal/config"
	"github.com/openmined/rcsync/internal/controlplane"
	"github.com/openmined/rcsync/internal/sync"
	"golang.org/x/sync/errgroup"
)

// Daemon runs the sync manager and, when an address is configured, the
// control plane next to it.
type Daemon struct {
	mgr *sync.SyncManager
	cps *controlplane.Server
}

func New(cfg *config.Config, opts ...sync.ManagerOption) (*Daemon, error) {
	mgr, err := sync.NewManager(cfg, opts...)
	if err != nil {
		return nil, err
	}

	d := &Daemon{mgr: mgr}
	if cfg.ControlAddr == "" {
		return d, nil
	}

	// a configured token is never logged
	token := cfg.ControlToken
	if token == "" {
		token = uuid.NewString()
		slog.Info("control plane token generated", "token", token)
	}

	d.cps, err = controlplane.New(&controlplane.Config{
		Addr:  cfg.ControlAddr,
		Token: token,
	}, mgr.Status(), controlplane.NewJournalReader(mgr.Workspace().JournalPath))
	if err != nil {
		return nil, err
	}

	return d, nil
}

func (d *Daemon) Manager() *sync.SyncManager {
	return d.mgr
}

// ControlPlane is nil when the control plane is disabled
func (d *Daemon) ControlPlane() *controlplane.Server {
	return d.cps
}

// Start blocks until ctx is cancelled or either component fails
func (d *Daemon) Start(ctx context.Context) error {
	slog.Info("daemon start")

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if err := d.mgr.Start(egCtx); err != nil {
			return fmt.Errorf("sync manager: %w", err)
		}
		return nil
	})

	if d.cps != nil {
		eg.Go(func() error {
			if err := d.cps.Run(egCtx); err != nil {
				return fmt.Errorf("control plane: %w", err)
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("daemon failure", "error", err)
		return err
	}

	slog.Info("daemon stopped")
	return nil
}
