// Package worker is the HTTP client for the publish worker: the
// separate service that holds VCS credentials and performs the actual
// push or merge-proposal creation. The publisher decides what to
// publish; the worker touches branches.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidybot/publisher/internal/model"
)

// Request is one publish job for the worker. Field names follow the
// worker's wire contract.
type Request struct {
	DryRun              bool           `json:"dry-run"`
	Suite               string         `json:"suite"`
	Package             string         `json:"package"`
	Command             string         `json:"command"`
	SubworkerResult     map[string]any `json:"subworker_result"`
	MainBranchURL       string         `json:"main_branch_url"`
	LocalBranchURL      string         `json:"local_branch_url"`
	DerivedBranchName   string         `json:"derived_branch_name"`
	DerivedOwner        string         `json:"derived-owner,omitempty"`
	Mode                model.Mode     `json:"mode"`
	Role                string         `json:"role"`
	LogID               string         `json:"log_id"`
	UnchangedLogID      string         `json:"unchanged_log_id,omitempty"`
	Revision            string         `json:"revision"`
	ExistingProposalURL string         `json:"existing_mp_url,omitempty"`
	AllowCreateProposal bool           `json:"allow_create_proposal"`
	RequireBinaryDiff   bool           `json:"require-binary-diff"`
	ExternalURL         string         `json:"external_url"`
	DifferURL           string         `json:"differ_url"`
	Tags                []model.ResultTag `json:"tags,omitempty"`
}

// Result is a successful worker response. Mode is the mode that
// actually executed, which for attempt-push may differ from the
// requested one.
type Result struct {
	Mode           model.Mode `json:"mode"`
	BranchName     string     `json:"branch_name,omitempty"`
	ProposalURL    string     `json:"proposal_url,omitempty"`
	ProposalWebURL string     `json:"proposal_web_url,omitempty"`
	IsNew          bool       `json:"is_new,omitempty"`
}

// Error is a failed worker response: a classification code from the
// publish failure taxonomy plus a human-readable description.
type Error struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("worker: %s: %s", e.Code, e.Description)
}

// Client talks to the publish worker over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a worker client. The http.Client controls outbound
// timeouts; pass nil for a 10 minute default (publishing a large
// repository can be slow).
func New(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Client{baseURL: baseURL, client: client}
}

// Publish submits one publish job and waits for the outcome. A non-2xx
// response with a decodable body comes back as *Error; anything else is
// reported as publisher-invalid-response.
func (c *Client) Publish(ctx context.Context, req Request) (Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("worker: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+"/publish", bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("worker: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("worker: read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var werr Error
		if json.Unmarshal(body, &werr) == nil && werr.Code != "" {
			return Result{}, &werr
		}
		return Result{}, &Error{
			Code:        "publisher-invalid-response",
			Description: fmt.Sprintf("worker returned %d: %.200s", resp.StatusCode, body),
		}
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return Result{}, &Error{
			Code:        "publisher-invalid-response",
			Description: fmt.Sprintf("undecodable worker response: %v", err),
		}
	}
	return result, nil
}
