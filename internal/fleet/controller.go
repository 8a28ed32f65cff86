package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ShutdownMode selects what MaybeShutdown does with an idle instance. Stop
// keeps the instance resumable (faster scale-up, some residual cost);
// Destroy releases it entirely.
type ShutdownMode string

const (
	ModeStop    ShutdownMode = "stop"
	ModeDestroy ShutdownMode = "destroy"
)

// Controller owns the active-instance record and drives the provider. Both
// of its operations are idempotent and safe to invoke redundantly from
// timers and submission triggers across any number of replicas.
type Controller struct {
	Store        Store
	Provider     Provider
	Logger       *slog.Logger
	IdleTimeout  time.Duration
	Mode         ShutdownMode
	provisionTTL time.Duration
}

func NewController(store Store, provider Provider, logger *slog.Logger,
	idleTimeout time.Duration, mode ShutdownMode) *Controller {
	if mode == "" {
		mode = ModeStop
	}
	return &Controller{
		Store:        store,
		Provider:     provider,
		Logger:       logger,
		IdleTimeout:  idleTimeout,
		Mode:         mode,
		provisionTTL: 2 * time.Minute,
	}
}

// EnsureCapacity makes sure exactly one instance is running. If the recorded
// instance is healthy it is a no-op; if none is recorded, or the recorded
// one is no longer running, a new instance is provisioned and recorded. A
// short-TTL lock in the Store keeps two replicas from both concluding "no
// instance" and double-provisioning. Provider errors leave the recorded
// state untouched.
func (c *Controller) EnsureCapacity(ctx context.Context) (string, error) {
	existing, err := c.Store.ActiveInstance(ctx)
	if err != nil {
		return "", err
	}
	if existing != "" {
		running, err := c.Provider.Running(ctx, existing)
		if err != nil {
			// Remote state is uncertain; do not re-provision on top of a
			// possibly-live instance.
			return "", fmt.Errorf("check instance %s: %w", existing, err)
		}
		if running {
			return existing, nil
		}
		c.Logger.Warn("recorded instance is not running", "instance_id", existing)
	}

	ok, err := c.Store.AcquireProvisionLock(ctx, c.provisionTTL)
	if err != nil {
		return "", err
	}
	if !ok {
		// Another replica is provisioning right now; report what is
		// recorded and let the next trigger settle things.
		return existing, nil
	}
	defer func() {
		if err := c.Store.ReleaseProvisionLock(ctx); err != nil {
			c.Logger.Warn("release provision lock failed", "err", err)
		}
	}()

	// Re-read under the lock: the other replica may have just finished.
	current, err := c.Store.ActiveInstance(ctx)
	if err != nil {
		return "", err
	}
	if current != "" && current != existing {
		return current, nil
	}

	id, err := c.Provider.Start(ctx)
	if err != nil {
		return "", fmt.Errorf("provision instance: %w", err)
	}
	if err := c.Store.SetActiveInstance(ctx, id); err != nil {
		return "", err
	}
	c.Logger.Info("provisioned gpu instance", "instance_id", id)
	return id, nil
}

// MaybeShutdown stops or destroys the active instance once idle has exceeded
// the configured timeout. Below the threshold, or with no active instance,
// it is a no-op. The recorded state is cleared only after the provider call
// succeeds. Returns true when an instance was shut down.
func (c *Controller) MaybeShutdown(ctx context.Context, idle time.Duration) (bool, error) {
	id, err := c.Store.ActiveInstance(ctx)
	if err != nil {
		return false, err
	}
	if id == "" {
		return false, nil
	}
	if idle < c.IdleTimeout {
		return false, nil
	}

	switch c.Mode {
	case ModeDestroy:
		err = c.Provider.Destroy(ctx, id)
	default:
		err = c.Provider.Stop(ctx, id)
	}
	if err != nil {
		// Instance state is now uncertain; keep the record so the next
		// trigger retries instead of leaking a running instance.
		return false, err
	}

	if err := c.Store.ClearActiveInstance(ctx); err != nil {
		return false, err
	}
	c.Logger.Info("shut down idle gpu instance",
		"instance_id", id, "idle", idle, "mode", string(c.Mode))
	return true, nil
}

// RunIdleLoop periodically computes idle time from the activity record and
// invokes MaybeShutdown. Backlog presence refreshes the activity record so a
// busy fleet is never considered idle.
func (c *Controller) RunIdleLoop(ctx context.Context, interval time.Duration,
	backlog func(context.Context) (int64, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := backlog(ctx)
			if err != nil {
				c.Logger.Error("idle loop: backlog check failed", "err", err)
				continue
			}
			if depth > 0 {
				if err := c.Store.TouchActivity(ctx); err != nil {
					c.Logger.Error("idle loop: touch activity failed", "err", err)
				}
				continue
			}

			last, err := c.Store.LastActivity(ctx)
			if err != nil {
				c.Logger.Error("idle loop: read activity failed", "err", err)
				continue
			}
			if last.IsZero() {
				continue
			}
			if _, err := c.MaybeShutdown(ctx, time.Since(last)); err != nil {
				c.Logger.Error("idle loop: shutdown failed", "err", err)
			}
		}
	}
}
