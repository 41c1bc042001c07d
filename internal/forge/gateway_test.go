package forge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidybot/publisher/internal/model"
)

func TestGatewayListProposals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/proposals", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"url": "https://salsa.debian.org/a/b/-/merge_requests/1", "status": "open"},
			{"url": "https://salsa.debian.org/c/d/-/merge_requests/2", "status": "merged"},
		})
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, nil)
	entries, err := g.ListProposals(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.ProposalOpen, entries[0].Status)
	assert.Equal(t, "https://salsa.debian.org/c/d/-/merge_requests/2", entries[1].Proposal.URL())
}

func TestGatewayErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("url") {
		case "https://unknown.example.com/mr/1":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, nil)

	_, err := g.GetProposal(context.Background(), "https://unknown.example.com/mr/1")
	assert.ErrorIs(t, err, ErrUnsupportedForge)

	_, err = g.GetProposal(context.Background(), "https://forbidden.example.com/mr/2")
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestGatewayProposalMutations(t *testing.T) {
	var gotComment, gotClose bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/proposal":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"url": "https://example.com/mr/1", "status": "open",
			})
		case "/proposal/comment":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "hello", body["body"])
			gotComment = true
		case "/proposal/close":
			gotClose = true
		}
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, nil)
	mp, err := g.GetProposal(context.Background(), "https://example.com/mr/1")
	require.NoError(t, err)
	require.NoError(t, mp.PostComment(context.Background(), "hello"))
	require.NoError(t, mp.Close(context.Background()))
	assert.True(t, gotComment)
	assert.True(t, gotClose)

	// Mergeability unknown when the gateway omits the flag.
	_, err = mp.CanBeMerged(context.Background())
	assert.ErrorIs(t, err, ErrMergeabilityUnknown)
}
