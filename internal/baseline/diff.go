package baseline

import (
	"fmt"
	"strings"

	"github.com/fleetpress/fleetpress/internal/core"
)

// Diff is the symmetric difference between two baselines. An empty diff is
// what makes Propose idempotent: no new version, no audit entry.
type Diff struct {
	Added          []core.Extension
	Removed        []core.Extension
	OriginChanged  []core.Extension
	ThemeChanged   bool
	NewTheme       string
	OptionsChanged bool
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 &&
		len(d.Removed) == 0 &&
		len(d.OriginChanged) == 0 &&
		!d.ThemeChanged &&
		!d.OptionsChanged
}

// Describe renders the diff as the audit entry text, naming exactly which
// extensions were added or removed and which fields changed.
func (d Diff) Describe() string {
	parts := []string{}
	for _, ext := range d.Added {
		parts = append(parts, fmt.Sprintf("added extension %s", ext.ID))
	}
	for _, ext := range d.Removed {
		parts = append(parts, fmt.Sprintf("removed extension %s", ext.ID))
	}
	for _, ext := range d.OriginChanged {
		parts = append(parts, fmt.Sprintf("changed origin of extension %s", ext.ID))
	}
	if d.ThemeChanged {
		parts = append(parts, fmt.Sprintf("set theme to %s", d.NewTheme))
	}
	if d.OptionsChanged {
		parts = append(parts, "updated default options")
	}
	if len(parts) == 0 {
		return "no changes"
	}
	return strings.Join(parts, "; ")
}

// Compare computes the difference from one baseline to another. Provenance
// refresh times are ignored; two baselines differing only in when their
// extensions were last fetched are considered identical.
func Compare(from, to *core.Baseline) Diff {
	diff := Diff{}

	fromIDs := map[string]core.Extension{}
	for _, ext := range from.Extensions {
		fromIDs[ext.ID] = ext
	}
	toIDs := map[string]core.Extension{}
	for _, ext := range to.Extensions {
		toIDs[ext.ID] = ext
	}

	for _, ext := range to.Extensions {
		prior, ok := fromIDs[ext.ID]
		if !ok {
			diff.Added = append(diff.Added, ext)
			continue
		}
		if prior.Provenance.Kind != ext.Provenance.Kind ||
			prior.Provenance.Locator != ext.Provenance.Locator {
			diff.OriginChanged = append(diff.OriginChanged, ext)
		}
	}
	for _, ext := range from.Extensions {
		if _, ok := toIDs[ext.ID]; !ok {
			diff.Removed = append(diff.Removed, ext)
		}
	}

	if from.Theme != to.Theme {
		diff.ThemeChanged = true
		diff.NewTheme = to.Theme
	}
	if !equalOptions(from.Options, to.Options) {
		diff.OptionsChanged = true
	}
	return diff
}

func equalOptions(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for key, val := range a {
		if b[key] != val {
			return false
		}
	}
	return true
}
