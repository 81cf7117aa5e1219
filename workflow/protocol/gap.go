package protocol

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// FindingType classifies a downstream catch result.
type FindingType string

const (
	// FindingProtocolGap reports that an expected protocol class was not
	// used upstream. Non-fatal: surfaced for the next retry cycle, never
	// escalated automatically.
	FindingProtocolGap FindingType = "PROTOCOL_GAP"
)

// Finding is one gap detected by the downstream catch.
type Finding struct {
	// Type is the finding classification.
	Type FindingType `json:"type"`

	// Class is the protocol class that should have been used.
	Class string `json:"class"`

	// Expected names the entries of that class that were eligible.
	Expected []string `json:"expected"`

	// Evidence explains why the class was expected (keyword or path hit).
	Evidence string `json:"evidence"`
}

// String renders a finding for feedback text.
func (f Finding) String() string {
	return fmt.Sprintf("%s: class %q expected (%s) but no protocol of that class was used", f.Type, f.Class, f.Evidence)
}

// Catch performs the downstream check for protocol-selection gaps.
// A later step reviewing a worker's output uses it to verify that every
// expected protocol class was consulted upstream.
type Catch struct {
	registry *Registry
}

// NewCatch creates a catch over a loaded registry.
func NewCatch(registry *Registry) *Catch {
	return &Catch{registry: registry}
}

// Inspect checks whether the protocols used upstream cover every class the
// registry expects for this task. A class is expected when the task
// description matches an entry's keywords for the given role, or when a
// touched file matches an entry's path patterns for any role. Matching is
// approximate on purpose; findings are advisory, not fatal.
func (c *Catch) Inspect(role, taskDescription string, filesTouched, protocolsUsed []string) []Finding {
	usedClasses := make(map[string]bool)
	for _, name := range protocolsUsed {
		if entry, ok := c.registry.Get(name); ok {
			usedClasses[entry.Class] = true
		}
	}

	desc := normalize(taskDescription)

	type expectation struct {
		entries  []string
		evidence string
	}
	expected := make(map[string]*expectation)
	note := func(class, name, evidence string) {
		exp, ok := expected[class]
		if !ok {
			exp = &expectation{evidence: evidence}
			expected[class] = exp
		}
		exp.entries = append(exp.entries, name)
	}

	for _, entry := range c.registry.Entries() {
		if entry.Class == "" {
			continue
		}
		if entry.OwningRole == role && matchScore(entry.Keywords, desc) > 0 {
			note(entry.Class, entry.Name, fmt.Sprintf("task description matched %q", entry.Name))
			continue
		}
		if path, ok := matchesPaths(entry.PathPatterns, filesTouched); ok {
			note(entry.Class, entry.Name, fmt.Sprintf("touched file %s matched %q", path, entry.Name))
		}
	}

	var findings []Finding
	for class, exp := range expected {
		if usedClasses[class] {
			continue
		}
		sort.Strings(exp.entries)
		findings = append(findings, Finding{
			Type:     FindingProtocolGap,
			Class:    class,
			Expected: exp.entries,
			Evidence: exp.evidence,
		})
	}

	sort.Slice(findings, func(i, j int) bool { return findings[i].Class < findings[j].Class })
	return findings
}

// matchesPaths reports the first touched file matching any pattern.
func matchesPaths(patterns, files []string) (string, bool) {
	for _, pattern := range patterns {
		for _, file := range files {
			matched, err := doublestar.Match(pattern, filepath.ToSlash(file))
			if err != nil {
				continue
			}
			if matched {
				return file, true
			}
		}
	}
	return "", false
}
