package publish

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/tidybot/publisher/internal/model"
	"github.com/tidybot/publisher/internal/storage"
)

// notifier is the slice of the storage layer the topics need.
type notifier interface {
	Notify(ctx context.Context, channel, payload string) error
	HasNotifyConn() bool
}

// Topics fans publish and merge-proposal events out over Postgres
// NOTIFY. The HTTP layer relays them to SSE subscribers; external
// consumers can LISTEN directly. Delivery is best effort: a failed
// notify is logged, never propagated, so event plumbing cannot break
// a publish.
type Topics struct {
	db     notifier
	logger *slog.Logger
}

func NewTopics(db notifier, logger *slog.Logger) *Topics {
	return &Topics{db: db, logger: logger}
}

// Publish emits one publish-attempt outcome on the publish topic.
func (t *Topics) Publish(ctx context.Context, ev model.PublishEvent) {
	t.emit(ctx, storage.ChannelPublish, ev)
}

// MergeProposal emits one proposal creation or status transition on
// the merge-proposal topic.
func (t *Topics) MergeProposal(ctx context.Context, ev model.ProposalEvent) {
	t.emit(ctx, storage.ChannelMergeProposal, ev)
}

func (t *Topics) emit(ctx context.Context, channel string, payload any) {
	if t == nil || !t.db.HasNotifyConn() {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.logger.Error("encode topic event", "channel", channel, "error", err)
		return
	}
	if err := t.db.Notify(ctx, channel, string(data)); err != nil {
		t.logger.Warn("notify topic event", "channel", channel, "error", err)
	}
}
