package protocol

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()

	entries := []Entry{
		{
			Name:       "rest-api-design",
			OwningRole: "architect",
			Class:      "api-design",
			Keywords:   []string{"rest", "endpoint", "request/response", "http", "crud"},
			ContentRef: "protocols/rest-api-design.md",
		},
		{
			Name:       "realtime-event-design",
			OwningRole: "architect",
			Class:      "api-design",
			Keywords:   []string{"websocket", "event stream", "realtime", "pubsub"},
			ContentRef: "protocols/realtime-event-design.md",
		},
		{
			Name:         "auth-security-review",
			OwningRole:   "reviewer",
			Class:        "security",
			Keywords:     []string{"auth", "login", "credential", "token"},
			PathPatterns: []string{"**/auth/**", "**/middleware/auth*.go"},
			ContentRef:   "protocols/auth-security-review.md",
		},
		{
			Name:       "table-driven-tests",
			OwningRole: "implementer",
			Class:      "testing",
			Keywords:   []string{"test", "coverage", "regression"},
			ContentRef: "protocols/table-driven-tests.md",
		},
	}
	for _, e := range entries {
		require.NoError(t, r.AddEntry(e))
	}
	return r
}

func TestSelectMatchesApplicablePredicate(t *testing.T) {
	r := testRegistry(t)

	selected := r.Select("architect", "design a request/response endpoint for orders", 3)

	require.Len(t, selected, 1)
	assert.Equal(t, "rest-api-design", selected[0].Name, "only the REST entry's predicate matches")
}

func TestSelectFiltersByRole(t *testing.T) {
	r := testRegistry(t)

	selected := r.Select("implementer", "add auth token endpoint tests", 3)

	require.NotEmpty(t, selected)
	for _, entry := range selected {
		assert.Equal(t, "implementer", entry.OwningRole)
	}
}

func TestSelectBoundsResults(t *testing.T) {
	r := NewRegistry()
	names := []string{"a-guide", "b-guide", "c-guide", "d-guide", "e-guide"}
	for _, name := range names {
		require.NoError(t, r.AddEntry(Entry{
			Name:       name,
			OwningRole: "implementer",
			Class:      "general",
			Keywords:   []string{"refactor"},
		}))
	}

	selected := r.Select("implementer", "refactor the payment service", 3)

	assert.Len(t, selected, 3)
}

func TestSelectIsDeterministic(t *testing.T) {
	r := testRegistry(t)

	first := r.Select("architect", "rest endpoint with http crud", 3)
	second := r.Select("architect", "rest endpoint with http crud", 3)

	assert.Equal(t, first, second)
}

func TestSelectNoMatchReturnsEmpty(t *testing.T) {
	r := testRegistry(t)

	selected := r.Select("architect", "tune database indexes", 3)

	assert.Empty(t, selected)
}

func TestLoadRegistry(t *testing.T) {
	catalog := `version: "1"
entries:
  - name: rest-api-design
    owning_role: architect
    class: api-design
    keywords: ["rest", "endpoint"]
    content_ref: protocols/rest-api-design.md
  - name: auth-security-review
    owning_role: reviewer
    class: security
    keywords: ["auth"]
    path_patterns: ["**/auth/**"]
    content_ref: protocols/auth-security-review.md
`
	path := filepath.Join(t.TempDir(), "protocols.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalog), 0o644))

	r, err := LoadRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	entry, ok := r.Get("auth-security-review")
	require.True(t, ok)
	assert.Equal(t, "security", entry.Class)
	assert.Equal(t, []string{"**/auth/**"}, entry.PathPatterns)
}

func TestLoadRegistryRejectsDuplicates(t *testing.T) {
	catalog := `entries:
  - name: same
    owning_role: architect
    keywords: ["a"]
  - name: same
    owning_role: architect
    keywords: ["b"]
`
	path := filepath.Join(t.TempDir(), "protocols.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalog), 0o644))

	_, err := LoadRegistry(path)
	assert.ErrorContains(t, err, "duplicate protocol entry")
}

func TestEntryValidate(t *testing.T) {
	cases := []struct {
		name    string
		entry   Entry
		wantErr bool
	}{
		{"valid", Entry{Name: "x", OwningRole: "architect", Keywords: []string{"k"}}, false},
		{"missing name", Entry{OwningRole: "architect", Keywords: []string{"k"}}, true},
		{"missing role", Entry{Name: "x", Keywords: []string{"k"}}, true},
		{"no keywords", Entry{Name: "x", OwningRole: "architect"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.entry.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
