package watch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dfarias/inspectflow/internal/drive"
	"github.com/dfarias/inspectflow/internal/store"
)

// renewMargin is how much validity a channel must have left before renewal
// becomes a no-op. Drive grants channels about a week; renewing daily with
// this margin means a missed cron never leaves a dead channel.
const renewMargin = 24 * time.Hour

// EnsureChannel registers or renews the push channel on the changes feed.
// Returns the active channel and whether a new one was registered.
func (w *Watcher) EnsureChannel(ctx context.Context) (*drive.Channel, bool, error) {
	if w.hook.PublicURL == "" {
		return nil, false, fmt.Errorf("no public url configured for webhook channel")
	}

	if ch := w.storedChannel(ctx); ch != nil {
		if time.UnixMilli(ch.Expiration).After(w.now().Add(renewMargin)) {
			return ch, false, nil
		}
		// Expiring soon: tear it down before registering a replacement so
		// Drive does not deliver on two channels at once.
		if err := w.drive.StopWatch(ctx, *ch); err != nil {
			w.log.Warn("failed to stop expiring channel", "channel_id", ch.ID, "error", err)
		}
	}

	token, err := w.store.GetConfigValue(ctx, ConfigKeyPageToken)
	if errors.Is(err, store.ErrNotFound) {
		if token, err = w.drive.StartPageToken(ctx); err != nil {
			return nil, false, fmt.Errorf("bootstrap page token: %w", err)
		}
		if err := w.store.SetConfigValue(ctx, ConfigKeyPageToken, token); err != nil {
			return nil, false, fmt.Errorf("persist page token: %w", err)
		}
	} else if err != nil {
		return nil, false, fmt.Errorf("load page token: %w", err)
	}

	address := w.hook.PublicURL + "/api/webhook/drive"
	ch, err := w.drive.Watch(ctx, token, drive.Channel{ID: uuid.NewString()}, address, w.hook.ChannelToken)
	if err != nil {
		return nil, false, fmt.Errorf("register watch channel: %w", err)
	}

	if err := w.persistChannel(ctx, ch); err != nil {
		return nil, false, err
	}
	w.log.Info("watch channel registered",
		"channel_id", ch.ID, "expires", time.UnixMilli(ch.Expiration).UTC())
	return ch, true, nil
}

// storedChannel loads the persisted channel descriptor, or nil when absent
// or unreadable.
func (w *Watcher) storedChannel(ctx context.Context) *drive.Channel {
	id, err := w.store.GetConfigValue(ctx, ConfigKeyChannelID)
	if err != nil {
		return nil
	}
	resource, err := w.store.GetConfigValue(ctx, ConfigKeyResourceID)
	if err != nil {
		return nil
	}
	expRaw, err := w.store.GetConfigValue(ctx, ConfigKeyChannelExpiration)
	if err != nil {
		return nil
	}
	exp, err := strconv.ParseInt(expRaw, 10, 64)
	if err != nil {
		return nil
	}
	return &drive.Channel{ID: id, ResourceID: resource, Expiration: exp}
}

func (w *Watcher) persistChannel(ctx context.Context, ch *drive.Channel) error {
	pairs := [][2]string{
		{ConfigKeyChannelID, ch.ID},
		{ConfigKeyResourceID, ch.ResourceID},
		{ConfigKeyChannelExpiration, strconv.FormatInt(ch.Expiration, 10)},
	}
	for _, kv := range pairs {
		if err := w.store.SetConfigValue(ctx, kv[0], kv[1]); err != nil {
			return fmt.Errorf("persist channel %s: %w", kv[0], err)
		}
	}
	return nil
}
