package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Refresher rotates a session ahead of expiry.
type Refresher interface {
	RefreshIfExpiring(ctx context.Context, lead time.Duration) (bool, error)
}

// SessionKeeper refreshes the session before the token lapses so request
// paths rarely pay for an exchange.
type SessionKeeper struct {
	logger   *zap.Logger
	session  Refresher
	interval time.Duration
	lead     time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewSessionKeeper(logger *zap.Logger, session Refresher, interval, lead time.Duration) *SessionKeeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionKeeper{
		logger:   logger,
		session:  session,
		interval: interval,
		lead:     lead,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the keep-alive loop until Stop or ctx is done.
func (k *SessionKeeper) Start(ctx context.Context) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	k.logger.Info("session_keeper.started",
		zap.Duration("interval", k.interval),
		zap.Duration("lead", k.lead))

	for {
		select {
		case <-ticker.C:
			k.runOnce(ctx)
		case <-k.stopCh:
			k.logger.Info("session_keeper.stopped (manual stop)")
			return
		case <-ctx.Done():
			k.logger.Info("session_keeper.stopped (context canceled)")
			return
		}
	}
}

func (k *SessionKeeper) Stop() {
	k.stopOnce.Do(func() { close(k.stopCh) })
}

func (k *SessionKeeper) runOnce(ctx context.Context) {
	refreshed, err := k.session.RefreshIfExpiring(ctx, k.lead)
	if err != nil {
		k.logger.Error("session_keeper.refresh_failed", zap.Error(err))
		return
	}
	if refreshed {
		k.logger.Info("session_keeper.refreshed")
	}
}
