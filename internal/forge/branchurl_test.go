package forge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithBranch(t *testing.T) {
	assert.Equal(t,
		"https://salsa.debian.org/jelmer/example,branch=debian%2Fsid",
		WithBranch("https://salsa.debian.org/jelmer/example/", "debian/sid"))

	// Empty name leaves the URL untouched apart from the trailing slash.
	assert.Equal(t,
		"https://salsa.debian.org/jelmer/example",
		WithBranch("https://salsa.debian.org/jelmer/example/", ""))

	// Re-applying replaces an existing branch parameter.
	assert.Equal(t,
		"https://example.com/repo,branch=other",
		WithBranch("https://example.com/repo,branch=main", "other"))
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "debian/sid",
		BranchName("https://example.com/repo,branch=debian%2Fsid"))
	assert.Equal(t, "", BranchName("https://example.com/repo"))
}

func TestSplitBranchParams(t *testing.T) {
	bare, params := SplitBranchParams("https://example.com/repo,branch=main,ref=x")
	assert.Equal(t, "https://example.com/repo", bare)
	assert.Equal(t, map[string]string{"branch": "main", "ref": "x"}, params)
}
