// Package protocol provides the registry of procedure modules and the
// deterministic selector that maps a task description to a bounded set of
// applicable entries.
//
// Entries are loaded once at startup from a YAML catalog and are read-only
// afterward. Selection is a scoring function over each entry's applicability
// keywords, never open-ended interpretation, so the same description always
// yields the same entries.
package protocol

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Entry is one procedure module in the registry.
type Entry struct {
	// Name uniquely identifies the entry (e.g., "rest-api-design").
	Name string `yaml:"name" json:"name"`

	// OwningRole scopes the entry to the worker role that may use it
	// (e.g., "architect", "implementer", "reviewer").
	OwningRole string `yaml:"owning_role" json:"owning_role"`

	// Class groups entries by concern (e.g., "api-design", "security",
	// "testing"). The gap catch checks coverage at class granularity.
	Class string `yaml:"class" json:"class"`

	// Description states when the entry applies, for humans.
	Description string `yaml:"description" json:"description"`

	// Keywords are the applicability predicate: an entry matches a task
	// description when at least one keyword appears in it.
	Keywords []string `yaml:"keywords" json:"keywords"`

	// PathPatterns are glob patterns over touched files. A change touching
	// a matching path is expected to have used an entry of this class.
	PathPatterns []string `yaml:"path_patterns,omitempty" json:"path_patterns,omitempty"`

	// ContentRef points at the module content (file path or URL).
	ContentRef string `yaml:"content_ref" json:"content_ref"`
}

// Validate checks an entry for required fields.
func (e Entry) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("entry name is required")
	}
	if e.OwningRole == "" {
		return fmt.Errorf("entry %q: owning_role is required", e.Name)
	}
	if len(e.Keywords) == 0 {
		return fmt.Errorf("entry %q: at least one keyword is required", e.Name)
	}
	return nil
}

// Catalog is the YAML file structure.
type Catalog struct {
	Version string  `yaml:"version"`
	Entries []Entry `yaml:"entries"`
}

// Selection records one selector decision for the audit trail.
type Selection struct {
	Role        string   `json:"role"`
	Description string   `json:"description"`
	MaxK        int      `json:"max_k"`
	Selected    []string `json:"selected"`
}

// Registry holds the loaded catalog. Immutable after load.
type Registry struct {
	mu      sync.RWMutex
	entries []Entry
	byName  map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]int)}
}

// LoadRegistry loads a registry from a YAML catalog file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read protocol catalog: %w", err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse protocol catalog: %w", err)
	}

	r := NewRegistry()
	for _, entry := range catalog.Entries {
		if err := r.add(entry); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// LoadRegistryFromDir searches for protocols.yaml in common locations.
// Returns an empty registry if no catalog is found.
func LoadRegistryFromDir(baseDir string) (*Registry, error) {
	paths := []string{
		filepath.Join(baseDir, "configs", "protocols.yaml"),
		filepath.Join(baseDir, "protocols.yaml"),
		"configs/protocols.yaml",
		"protocols.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return LoadRegistry(path)
		}
	}
	return NewRegistry(), nil
}

func (r *Registry) add(entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[entry.Name]; exists {
		return fmt.Errorf("duplicate protocol entry %q", entry.Name)
	}
	r.byName[entry.Name] = len(r.entries)
	r.entries = append(r.entries, entry)
	return nil
}

// AddEntry registers an entry. Intended for tests and programmatic setup;
// production catalogs load from YAML before the workflow starts.
func (r *Registry) AddEntry(entry Entry) error {
	return r.add(entry)
}

// Get returns the entry with the given name.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.byName[name]
	if !ok {
		return Entry{}, false
	}
	return r.entries[i], true
}

// Entries returns a copy of all entries.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, len(r.entries))
	copy(entries, r.entries)
	return entries
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Select returns at most maxK entries whose owning role matches role and
// whose keywords match the task description. Results are ordered by match
// score descending, ties broken by name, so selection is deterministic.
func (r *Registry) Select(role, taskDescription string, maxK int) []Entry {
	if maxK <= 0 {
		maxK = 3
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	desc := normalize(taskDescription)

	type scored struct {
		entry Entry
		score int
	}
	var matches []scored
	for _, entry := range r.entries {
		if entry.OwningRole != role {
			continue
		}
		score := matchScore(entry.Keywords, desc)
		if score > 0 {
			matches = append(matches, scored{entry: entry, score: score})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].entry.Name < matches[j].entry.Name
	})

	if len(matches) > maxK {
		matches = matches[:maxK]
	}
	out := make([]Entry, len(matches))
	for i, m := range matches {
		out[i] = m.entry
	}
	return out
}

// matchScore counts how many keywords appear in the normalized description.
func matchScore(keywords []string, desc string) int {
	score := 0
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(desc, normalize(kw)) {
			score++
		}
	}
	return score
}

// normalize lowercases and collapses punctuation to spaces so that
// "request/response" and "request response" match the same keyword.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
