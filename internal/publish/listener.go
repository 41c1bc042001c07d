package publish

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/tidybot/publisher/internal/model"
	"github.com/tidybot/publisher/internal/storage"
)

// resultMessage is one run result announced on the runner's websocket.
type resultMessage struct {
	LogID string `json:"log_id"`
	Code  string `json:"code"`
}

// Listener subscribes to the runner's result stream and publishes
// fresh successful runs immediately instead of waiting for the next
// scanner pass. A latency optimization only: the periodic loop remains
// the source of truth for anything the stream misses.
type Listener struct {
	exec      *Executor
	store     Store
	runnerURL string
	logger    *slog.Logger
}

func NewListener(exec *Executor, runnerURL string, logger *slog.Logger) *Listener {
	return &Listener{
		exec:      exec,
		store:     exec.store,
		runnerURL: runnerURL,
		logger:    logger,
	}
}

// Run connects to the runner and consumes results until the context is
// cancelled, reconnecting with exponential backoff on any failure.
func (l *Listener) Run(ctx context.Context) error {
	wsURL, err := resultStreamURL(l.runnerURL)
	if err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	bo.MaxInterval = time.Minute

	for {
		err := l.consume(ctx, wsURL, bo.Reset)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := bo.NextBackOff()
		l.logger.Warn("runner stream disconnected, reconnecting",
			"error", err, "wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// resultStreamURL turns the runner's base URL into its websocket
// result stream endpoint.
func resultStreamURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/result"
	return u.String(), nil
}

func (l *Listener) consume(ctx context.Context, wsURL string, onConnect func()) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	onConnect()
	l.logger.Info("subscribed to runner result stream", "url", wsURL)

	// Unblock ReadJSON on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var msg resultMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Code != model.ResultSuccess || msg.LogID == "" {
			continue
		}
		if err := l.handleResult(ctx, msg.LogID); err != nil {
			l.logger.Error("publishing fresh run failed", "run", msg.LogID, "error", err)
		}
	}
}

// handleResult publishes one freshly completed run. A completed
// control ("unchanged") run instead unblocks the runs that were
// waiting on it for their binary diff.
func (l *Listener) handleResult(ctx context.Context, logID string) error {
	run, err := l.store.GetRun(ctx, logID)
	if err != nil {
		return err
	}

	if run.Suite == "unchanged" {
		if run.Revision == nil {
			return nil
		}
		dependents, err := l.store.IterRunsByMainBranchRevision(ctx, *run.Revision)
		if err != nil {
			return err
		}
		for _, dep := range dependents {
			if dep.Suite == "unchanged" || dep.ResultCode != model.ResultSuccess {
				continue
			}
			if err := l.publishRun(ctx, dep, false); err != nil {
				l.logger.Error("publishing dependent run failed",
					"run", dep.ID, "error", err)
			}
		}
		return nil
	}

	return l.publishRun(ctx, run, true)
}

func (l *Listener) publishRun(ctx context.Context, run model.Run, force bool) error {
	pkg, err := l.store.GetPackage(ctx, run.Package)
	if err != nil {
		return err
	}
	policy, err := l.store.GetPublishPolicy(ctx, run.Package, run.Suite)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	_, err = l.exec.PublishFromPolicy(ctx, PolicyPublishOptions{
		Run:         run,
		Package:     pkg,
		Policy:      policy,
		Force:       force,
		PushAllowed: true,
		Requestor:   "runner",
	})
	return err
}
