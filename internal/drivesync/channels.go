package drivesync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskRenewChannel is the recurring task that re-runs EnsureChannel before
// the provider expires the registration.
const TaskRenewChannel = "RENEW_CHANNEL"

// LookupChannel resolves an inbound notification's channel id against the
// persisted registrations. ErrNoChannel means nothing is registered at all;
// ErrNotFound means registrations exist but none match.
func LookupChannel(ctx context.Context, store ChannelStore, id string) (WatchChannel, error) {
	channels, err := store.ListChannels(ctx)
	if err != nil {
		return WatchChannel{}, err
	}
	if len(channels) == 0 {
		return WatchChannel{}, ErrNoChannel
	}
	for _, channel := range channels {
		if channel.ID == id {
			return channel, nil
		}
	}
	return WatchChannel{}, ErrNotFound
}

// ChannelManager keeps exactly one live push-notification channel registered
// with the provider. It is driven from startup and from a recurring renewal
// task.
type ChannelManager struct {
	provider Provider
	store    ChannelStore
	scope    Scope
	callback string
	ttl      time.Duration
	logger   Logger

	now   func() time.Time
	newID func() string
}

func NewChannelManager(provider Provider, store ChannelStore, scope Scope, callback string, ttl time.Duration, logger Logger) *ChannelManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ChannelManager{
		provider: provider,
		store:    store,
		scope:    scope,
		callback: callback,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// EnsureChannel converges the persisted channel set to a single live channel.
// The newest live row is kept; every other row (expired, or a duplicate left
// behind by a crash mid-renewal) is stopped best-effort and deleted. Only when
// no live row survives is a fresh channel registered. Stop failures are logged
// and do not block the reap; a failure to register the replacement is
// returned.
func (m *ChannelManager) EnsureChannel(ctx context.Context) error {
	channels, err := m.store.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	now := m.now()
	keep := -1
	for i, channel := range channels {
		if channel.Expired(now) {
			continue
		}
		if keep < 0 || channel.Expiration.After(channels[keep].Expiration) {
			keep = i
		}
	}
	if keep >= 0 && len(channels) == 1 {
		return nil
	}

	for i, channel := range channels {
		if i == keep {
			continue
		}
		if err := m.provider.StopWatch(ctx, channel.ID, channel.ResourceID); err != nil {
			m.logger.Printf("channel %s: stop failed: %v", channel.ID, err)
		}
		if err := m.store.DeleteChannel(ctx, channel.ID); err != nil {
			return fmt.Errorf("delete channel %s: %w", channel.ID, err)
		}
	}
	if keep >= 0 {
		return nil
	}

	req := m.scope.WatchParams()
	req.ChannelID = m.newID()
	req.Address = m.callback
	req.Expiration = now.Add(m.ttl)
	created, err := m.provider.Watch(ctx, req)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	record := WatchChannel{
		ID:          created.ID,
		ResourceID:  created.ResourceID,
		ResourceURI: created.ResourceURI,
		Expiration:  created.Expiration,
	}
	if record.Expiration.IsZero() {
		record.Expiration = req.Expiration
	}
	if err := m.store.SaveChannel(ctx, record); err != nil {
		return fmt.Errorf("save channel: %w", err)
	}
	m.logger.Printf("channel %s registered, expires %s", record.ID, record.Expiration.Format(time.RFC3339))
	return nil
}
