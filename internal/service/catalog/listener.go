package catalog

import (
	"context"
	"time"

	"github.com/ashita-ai/kage/internal/storage"
)

// Notifier is the LISTEN/NOTIFY surface of the Postgres store.
type Notifier interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Listen refreshes the catalog whenever another instance publishes,
// activates or changes an experiment. It blocks, so call it in a goroutine.
// Returns when ctx is cancelled.
func (c *Catalog) Listen(ctx context.Context, n Notifier) {
	if err := n.Listen(ctx, storage.ChannelRules); err != nil {
		c.logger.Error("catalog: listen rules", "error", err)
		return
	}
	c.logger.Info("catalog: listening for rule changes", "channel", storage.ChannelRules)

	for {
		_, tool, err := n.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("catalog: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if err := c.Refresh(ctx); err != nil {
			c.logger.Warn("catalog: refresh after notification failed", "tool", tool, "error", err)
		}
	}
}

// RefreshLoop refreshes the snapshot every interval until ctx is cancelled.
// It backs up Listen and is the only refresh source for backends without
// notifications.
func (c *Catalog) RefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn("catalog: periodic refresh failed", "error", err)
			}
		}
	}
}
