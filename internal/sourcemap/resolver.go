// Package sourcemap resolves sourceMapPathOverrides tables against a workspace root.
package sourcemap

import (
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"

	"github.com/ctagard/addin-debug/pkg/types"
)

// Placeholder stands for the workspace root in override values.
const Placeholder = "${workspaceFolder}"

// WarningKind classifies why an entry was left unresolved.
type WarningKind string

const (
	// WarningMissingWebRoot: the entry starts with the placeholder but no webRoot was given.
	WarningMissingWebRoot WarningKind = "missing_web_root"
	// WarningPlaceholderNotLeading: the placeholder appears after the start of the entry.
	WarningPlaceholderNotLeading WarningKind = "placeholder_not_leading"
)

// Warning is an advisory note about one override entry.
type Warning struct {
	Kind    WarningKind
	Pattern string
	Value   string
}

func (w Warning) String() string {
	switch w.Kind {
	case WarningMissingWebRoot:
		return "sourceMapPathOverrides entry contains " + Placeholder + ", but webRoot is not set"
	case WarningPlaceholderNotLeading:
		return "in a sourceMapPathOverrides entry, " + Placeholder + " is only valid at the beginning of the path"
	default:
		return string(w.Kind)
	}
}

// DefaultOverrides returns a fresh copy of the built-in table covering the
// common webpack and meteor source URL layouts.
func DefaultOverrides() *types.SourceMapOverrides {
	return types.NewSourceMapOverrides(
		"webpack:///./~/*", Placeholder+"/node_modules/*",
		"webpack:///./*", Placeholder+"/*",
		"webpack:///*", Placeholder+"/*",
		"webpack:///src/*", Placeholder+"/*",
		"meteor://💻app/*", Placeholder+"/*",
	)
}

// Resolver substitutes the workspace root into override tables.
type Resolver struct {
	log logr.Logger
	// abs canonicalizes a substituted path; filepath.Abs unless replaced in tests.
	abs func(string) (string, error)
}

// NewResolver creates a resolver that logs its warnings to log.
func NewResolver(log logr.Logger) *Resolver {
	return &Resolver{
		log: log.WithName("sourcemap"),
		abs: filepath.Abs,
	}
}

// Resolve returns a new table with the same keys in the same order. A nil
// overrides table selects DefaultOverrides; missing-webRoot warnings are only
// raised for caller-supplied tables. The input table is never modified.
func (r *Resolver) Resolve(webRoot string, overrides *types.SourceMapOverrides) (*types.SourceMapOverrides, []Warning) {
	warnOnMissing := true
	if overrides == nil {
		overrides = DefaultOverrides()
		warnOnMissing = false
	}

	resolved := types.NewSourceMapOverrides()
	var warnings []Warning

	for pair := overrides.Oldest(); pair != nil; pair = pair.Next() {
		value, warning := replaceWebRoot(webRoot, pair.Value, warnOnMissing)
		if warning != nil {
			warning.Pattern = pair.Key
			warnings = append(warnings, *warning)
			r.log.Info("Warning: "+warning.String(), "pattern", pair.Key, "value", pair.Value)
		}

		if value != pair.Value {
			abs, err := r.abs(value)
			if err != nil {
				r.log.Error(err, "failed to canonicalize override path", "pattern", pair.Key, "value", value)
			} else {
				value = abs
			}
		}
		resolved.Set(pair.Key, value)
	}

	return resolved, warnings
}

// replaceWebRoot substitutes webRoot for a leading placeholder. Entries that
// cannot be substituted are returned unchanged, possibly with a warning.
func replaceWebRoot(webRoot, entry string, warnOnMissing bool) (string, *Warning) {
	idx := strings.Index(entry, Placeholder)
	switch {
	case idx == 0 && webRoot != "":
		return strings.Replace(entry, Placeholder, webRoot, 1), nil
	case idx == 0 && warnOnMissing:
		return entry, &Warning{Kind: WarningMissingWebRoot, Value: entry}
	case idx > 0:
		return entry, &Warning{Kind: WarningPlaceholderNotLeading, Value: entry}
	default:
		return entry, nil
	}
}
