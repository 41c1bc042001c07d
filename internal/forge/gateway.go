package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidybot/publisher/internal/model"
)

// Gateway implements Client against a forge gateway service: a
// separate process that holds the hosting credentials and exposes a
// small JSON API over HTTP. One gateway fronts all configured hosting
// accounts.
type Gateway struct {
	baseURL string
	client  *http.Client
}

// NewGateway creates a gateway client. The http.Client controls
// outbound timeouts; pass nil for a 30s default.
func NewGateway(baseURL string, client *http.Client) *Gateway {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Gateway{baseURL: baseURL, client: client}
}

// proposalDoc is the gateway's JSON representation of one proposal.
type proposalDoc struct {
	URL             string     `json:"url"`
	Status          string     `json:"status"`
	SourceBranchURL string     `json:"source_branch_url"`
	TargetBranchURL string     `json:"target_branch_url"`
	SourceRevision  string     `json:"source_revision"`
	CanBeMerged     *bool      `json:"can_be_merged"`
	MergedBy        string     `json:"merged_by"`
	MergedAt        *time.Time `json:"merged_at"`
}

func (g *Gateway) ListProposals(ctx context.Context) ([]ProposalEntry, error) {
	var docs []proposalDoc
	if err := g.get(ctx, "/proposals", nil, &docs); err != nil {
		return nil, fmt.Errorf("forge: list proposals: %w", err)
	}
	entries := make([]ProposalEntry, 0, len(docs))
	for _, d := range docs {
		entries = append(entries, ProposalEntry{
			Proposal: &gatewayProposal{g: g, doc: d},
			Status:   model.ProposalStatus(d.Status),
		})
	}
	return entries, nil
}

func (g *Gateway) GetProposal(ctx context.Context, mpURL string) (MergeProposal, error) {
	var doc proposalDoc
	err := g.get(ctx, "/proposal", url.Values{"url": {mpURL}}, &doc)
	if err != nil {
		return nil, err
	}
	return &gatewayProposal{g: g, doc: doc}, nil
}

func (g *Gateway) Identities(ctx context.Context) ([]Identity, error) {
	var ids []Identity
	if err := g.get(ctx, "/identities", nil, &ids); err != nil {
		return nil, fmt.Errorf("forge: list identities: %w", err)
	}
	return ids, nil
}

func (g *Gateway) get(ctx context.Context, path string, q url.Values, out any) error {
	u := g.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := gatewayError(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (g *Gateway) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return gatewayError(resp)
}

func gatewayError(resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusForbidden:
		return ErrPermissionDenied
	case resp.StatusCode == http.StatusNotFound:
		return ErrUnsupportedForge
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("forge: gateway returned %d: %s", resp.StatusCode, body)
	}
}

// gatewayProposal is a MergeProposal backed by a gateway document.
// Read accessors serve from the fetched document; mutations go back
// through the gateway.
type gatewayProposal struct {
	g   *Gateway
	doc proposalDoc
}

func (p *gatewayProposal) URL() string { return p.doc.URL }

func (p *gatewayProposal) Status(context.Context) (model.ProposalStatus, error) {
	return model.ProposalStatus(p.doc.Status), nil
}

func (p *gatewayProposal) SourceBranchURL(context.Context) (string, error) {
	return p.doc.SourceBranchURL, nil
}

func (p *gatewayProposal) TargetBranchURL(context.Context) (string, error) {
	return p.doc.TargetBranchURL, nil
}

func (p *gatewayProposal) SourceRevision(context.Context) (string, error) {
	return p.doc.SourceRevision, nil
}

func (p *gatewayProposal) CanBeMerged(context.Context) (bool, error) {
	if p.doc.CanBeMerged == nil {
		return false, ErrMergeabilityUnknown
	}
	return *p.doc.CanBeMerged, nil
}

func (p *gatewayProposal) PostComment(ctx context.Context, body string) error {
	return p.g.post(ctx, "/proposal/comment", map[string]string{
		"url": p.doc.URL, "body": body,
	})
}

func (p *gatewayProposal) Close(ctx context.Context) error {
	return p.g.post(ctx, "/proposal/close", map[string]string{"url": p.doc.URL})
}

func (p *gatewayProposal) MergedBy(context.Context) (string, error) {
	return p.doc.MergedBy, nil
}

func (p *gatewayProposal) MergedAt(context.Context) (time.Time, error) {
	if p.doc.MergedAt == nil {
		return time.Time{}, nil
	}
	return *p.doc.MergedAt, nil
}
