package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tidybot/publisher/internal/storage"
)

// Broker fans out Postgres LISTEN/NOTIFY messages to SSE subscribers.
// It runs a background goroutine that calls db.WaitForNotification in
// a loop and sends each payload to the subscribers of that channel.
type Broker struct {
	db     *storage.DB
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]map[chan []byte]struct{}
}

// sseEventName maps a notification channel to the SSE event type
// exposed to clients.
func sseEventName(channel string) string {
	switch channel {
	case storage.ChannelPublish:
		return "publish"
	case storage.ChannelMergeProposal:
		return "merge-proposal"
	}
	return channel
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(db *storage.DB, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[string]map[chan []byte]struct{}),
	}
}

// Start begins listening on the publish and merge-proposal channels.
// It blocks, so call it in a goroutine. Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	channels := []string{storage.ChannelPublish, storage.ChannelMergeProposal}
	for _, channel := range channels {
		if err := b.db.Listen(ctx, channel); err != nil {
			b.logger.Error("broker: listen failed", "channel", channel, "error", err)
			return
		}
	}

	b.logger.Info("broker: listening for notifications", "channels", channels)

	for {
		channel, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}

		b.broadcast(channel, formatSSE(sseEventName(channel), payload))
	}
}

// Subscribe returns a channel receiving SSE-formatted events for one
// notification channel. The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(channel string) chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	subs := b.subscribers[channel]
	if subs == nil {
		subs = make(map[chan []byte]struct{})
		b.subscribers[channel] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(channel string, ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers[channel], ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to the channel's subscribers. Slow
// subscribers with a full buffer are skipped so one slow client cannot
// block all others.
func (b *Broker) broadcast(channel string, event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[channel] {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full, drop this event for them.
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
