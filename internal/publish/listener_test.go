package publish

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidybot/publisher/internal/model"
)

func TestResultStreamURL(t *testing.T) {
	url, err := resultStreamURL("http://runner:9911")
	require.NoError(t, err)
	assert.Equal(t, "ws://runner:9911/ws/result", url)

	url, err = resultStreamURL("https://runner.example.com/api/")
	require.NoError(t, err)
	assert.Equal(t, "wss://runner.example.com/api/ws/result", url)
}

func TestListenerPublishesFreshRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	pkg := testPackage("foo")
	f.store.packages["foo"] = pkg
	f.store.policies["foo/lintian-fixes"] = model.PublishPolicy{
		Roles: map[string]model.Mode{"main": model.ModePropose},
	}
	run := testRun("run-1", "foo", "lintian-fixes", "R2")
	f.store.runs["run-1"] = run

	l := NewListener(f.exec, "http://runner:9911", testLogger())
	require.NoError(t, l.handleResult(ctx, "run-1"))
	require.Len(t, f.worker.requests, 1)
	assert.Equal(t, "R2", f.worker.requests[0].Revision)
}

func TestListenerControlRunFansOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	pkg := testPackage("foo")
	f.store.packages["foo"] = pkg
	f.store.policies["foo/lintian-fixes"] = model.PublishPolicy{
		Roles: map[string]model.Mode{"main": model.ModePropose},
	}

	control := testRun("ctrl-1", "foo", "unchanged", "base-R2")
	f.store.runs["ctrl-1"] = control

	dependent := testRun("run-1", "foo", "lintian-fixes", "R2")
	dependent.MainBranchRevision = strp("base-R2")
	f.store.byMainRev["base-R2"] = []model.Run{dependent, control}

	require.NoError(t, NewListener(f.exec, "http://runner:9911", testLogger()).
		handleResult(ctx, "ctrl-1"))

	// Only the dependent run is published, not the control run itself.
	require.Len(t, f.worker.requests, 1)
	assert.Equal(t, "lintian-fixes", f.worker.requests[0].Suite)
}
