package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidybot/publisher/internal/forge"
	"github.com/tidybot/publisher/internal/model"
	"github.com/tidybot/publisher/internal/publish"
	"github.com/tidybot/publisher/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db         *storage.DB
	exec       *publish.Executor
	reconciler *publish.Reconciler
	scanner    *publish.Scanner
	forge      forge.Client
	broker     *Broker
	logger     *slog.Logger
	startedAt  time.Time
	version    string
	sshKeys    []string
	pgpKeys    []string
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, Forge, SSHKeys, PGPKeys.
type HandlersDeps struct {
	DB         *storage.DB
	Executor   *publish.Executor
	Reconciler *publish.Reconciler
	Scanner    *publish.Scanner
	Forge      forge.Client
	Broker     *Broker
	Logger     *slog.Logger
	Version    string
	SSHKeys    []string
	PGPKeys    []string
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:         d.DB,
		exec:       d.Executor,
		reconciler: d.Reconciler,
		scanner:    d.Scanner,
		forge:      d.Forge,
		broker:     d.Broker,
		logger:     d.Logger,
		startedAt:  time.Now(),
		version:    d.Version,
		sshKeys:    d.SSHKeys,
		pgpKeys:    d.PGPKeys,
	}
}

// HandlePublish handles POST /{suite}/{package}/publish: publish the
// latest effective run of one package/suite pair, detached. The
// response carries the pre-assigned per-role publish ids.
func (h *Handlers) HandlePublish(w http.ResponseWriter, r *http.Request) {
	suite := r.PathValue("suite")
	pkg := r.PathValue("package")

	req := publish.OneOffRequest{
		Package:   pkg,
		Suite:     suite,
		Role:      r.URL.Query().Get("role"),
		Requestor: r.FormValue("requestor"),
	}
	if ms := r.FormValue("mode"); ms != "" {
		mode, err := model.ParseMode(ms)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"reason": fmt.Sprintf("invalid mode %q", ms)})
			return
		}
		req.Mode = &mode
	}

	prepared, err := h.exec.PreparePublish(r.Context(), req)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusBadRequest, map[string]string{})
			return
		}
		h.logger.Error("prepare publish failed",
			"package", pkg, "suite", suite, "error", err)
		writeText(w, http.StatusInternalServerError, "publish preparation failed")
		return
	}

	h.logger.Info("handling publish request",
		"package", pkg, "suite", suite, "requestor", req.Requestor)

	if len(prepared.PublishIDs) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{
			"run_id":      prepared.RunID,
			"code":        "done",
			"description": "Nothing to do",
		})
		return
	}

	go prepared.Run(context.WithoutCancel(r.Context()))

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":      prepared.RunID,
		"publish_ids": prepared.PublishIDs,
	})
}

// HandleCheckProposal handles POST /check-proposal: synchronously
// reconcile a single merge proposal by URL.
func (h *Handlers) HandleCheckProposal(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		writeText(w, http.StatusServiceUnavailable, "no forge gateway configured")
		return
	}
	url := r.FormValue("url")
	if url == "" {
		writeText(w, http.StatusBadRequest, "missing url parameter")
		return
	}

	modified, err := h.reconciler.CheckProposalByURL(r.Context(), url)
	switch {
	case errors.Is(err, forge.ErrUnsupportedForge):
		writeText(w, http.StatusNotFound,
			fmt.Sprintf("unsupported hosting service for %s", url))
		return
	case errors.Is(err, publish.ErrNoRunForProposal):
		writeText(w, http.StatusInternalServerError,
			fmt.Sprintf("unable to find local metadata for %s, skipping", url))
		return
	case err != nil:
		h.logger.Error("check proposal failed", "url", url, "error", err)
		writeText(w, http.StatusInternalServerError, "proposal check failed")
		return
	}

	if modified {
		writeText(w, http.StatusOK, "Merge proposal updated.")
	} else {
		writeText(w, http.StatusOK, "Merge proposal not updated.")
	}
}

// HandleRefreshStatus handles POST /refresh-status: reconcile a single
// proposal by URL, detached.
func (h *Handlers) HandleRefreshStatus(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		writeText(w, http.StatusServiceUnavailable, "no forge gateway configured")
		return
	}
	url := r.FormValue("url")
	if url == "" {
		writeText(w, http.StatusBadRequest, "missing url parameter")
		return
	}
	h.logger.Info("refreshing proposal status", "url", url)

	ctx := context.WithoutCancel(r.Context())
	go func() {
		if _, err := h.reconciler.CheckProposalByURL(ctx, url); err != nil {
			h.logger.Warn("proposal refresh failed", "url", url, "error", err)
		}
	}()
	writeText(w, http.StatusAccepted, "Refresh of proposal started.")
}

// HandleScan handles POST /scan: run a full reconciliation pass over
// all open proposals, detached.
func (h *Handlers) HandleScan(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		writeText(w, http.StatusServiceUnavailable, "no forge gateway configured")
		return
	}
	ctx := context.WithoutCancel(r.Context())
	go func() {
		if err := h.reconciler.CheckExisting(ctx); err != nil {
			h.logger.Error("requested scan failed", "error", err)
		}
	}()
	writeText(w, http.StatusAccepted, "Scan started.")
}

// HandleAutopublish handles POST /autopublish: run one pending-publish
// pass, detached. Reviewed-only unless the unreviewed query flag is
// present.
func (h *Handlers) HandleAutopublish(w http.ResponseWriter, r *http.Request) {
	reviewedOnly := !r.URL.Query().Has("unreviewed")

	ctx := context.WithoutCancel(r.Context())
	go func() {
		if err := h.scanner.PublishPendingWith(ctx, reviewedOnly); err != nil {
			h.logger.Error("requested autopublish failed", "error", err)
		}
	}()
	writeText(w, http.StatusAccepted, "Autopublish started.")
}

// HandleCredentials handles GET /credentials: the bot's hosting
// identities plus its configured public key material.
func (h *Handlers) HandleCredentials(w http.ResponseWriter, r *http.Request) {
	hosting := []forge.Identity{}
	if h.forge != nil {
		ids, err := h.forge.Identities(r.Context())
		if err != nil {
			h.logger.Error("listing forge identities failed", "error", err)
			writeText(w, http.StatusInternalServerError, "identity lookup failed")
			return
		}
		hosting = ids
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ssh_keys": h.sshKeys,
		"pgp_keys": h.pgpKeys,
		"hosting":  hosting,
	})
}

// HandleSubscribePublish handles GET /ws/publish.
func (h *Handlers) HandleSubscribePublish(w http.ResponseWriter, r *http.Request) {
	h.subscribe(w, r, storage.ChannelPublish)
}

// HandleSubscribeMergeProposal handles GET /ws/merge-proposal.
func (h *Handlers) HandleSubscribeMergeProposal(w http.ResponseWriter, r *http.Request) {
	h.subscribe(w, r, storage.ChannelMergeProposal)
}

// subscribe streams one notification channel as SSE until the client
// disconnects.
func (h *Handlers) subscribe(w http.ResponseWriter, r *http.Request, channel string) {
	if h.broker == nil {
		writeText(w, http.StatusServiceUnavailable,
			"event streaming not available (LISTEN/NOTIFY not configured)")
		return
	}

	// ResponseController reaches through the logging/tracing wrappers
	// via Unwrap, unlike a plain http.Flusher assertion.
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("streaming not supported", "error", err)
		return
	}

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(channel)
	defer h.broker.Unsubscribe(channel, ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":         status,
		"postgres":       pgStatus,
		"version":        h.version,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	})
}
