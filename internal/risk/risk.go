// Package risk maps command strings to danger categories. The taxonomy is a
// fixed ordered set of categories, each with case-insensitive patterns; a
// category is reported only when the operator has enabled it and at least
// one of its patterns matches.
package risk

import (
	"regexp"
	"strings"
)

// Category is one entry in the danger taxonomy.
type Category struct {
	ID       string
	Patterns []*regexp.Regexp
}

// Classifier holds an ordered taxonomy. The zero value is unusable; build
// one with NewClassifier or LoadTaxonomy.
type Classifier struct {
	categories []Category
}

// Built-in taxonomy. Order here is report order.
var defaultTaxonomy = []Category{
	{
		ID: "exploit_execution",
		Patterns: compilePatterns([]string{
			`\bmsfconsole\b`,
			`\bexploit\b`,
			`\bpsexec\b`,
			`\bxp-cmdshell\b`,
		}),
	},
	{
		ID: "credential_bruteforce",
		Patterns: compilePatterns([]string{
			`\bhydra\b`,
			`\bmedusa\b`,
			`\bbrute\b`,
			`\bpassword\b`,
		}),
	},
	{
		ID: "network_flooding",
		Patterns: compilePatterns([]string{
			`\bflood\b`,
			`--min-rate`,
			`\b-T5\b`,
			`\bslowloris\b`,
		}),
	},
	{
		ID: "destructive_write_actions",
		Patterns: compilePatterns([]string{
			`\brm\s+-rf\b`,
			`\bdel\s+/f\b`,
			`\btruncate\b`,
			`\bmkfs\b`,
		}),
	},
}

// NewClassifier returns a classifier over the built-in taxonomy.
func NewClassifier() *Classifier {
	return &Classifier{categories: defaultTaxonomy}
}

// Classify returns the danger categories matching command, in taxonomy
// declaration order. A category is included only if it appears in enabled.
// The first matching pattern per category short-circuits. Pure function.
func (c *Classifier) Classify(command string, enabled []string) []string {
	enabledSet := make(map[string]struct{}, len(enabled))
	for _, name := range enabled {
		name = strings.TrimSpace(name)
		if name != "" {
			enabledSet[name] = struct{}{}
		}
	}

	categories := []string{}
	for _, cat := range c.categories {
		if _, ok := enabledSet[cat.ID]; !ok {
			continue
		}
		for _, p := range cat.Patterns {
			if p.MatchString(command) {
				categories = append(categories, cat.ID)
				break
			}
		}
	}
	return categories
}

// CategoryIDs returns the taxonomy's category ids in declaration order.
func (c *Classifier) CategoryIDs() []string {
	ids := make([]string, 0, len(c.categories))
	for _, cat := range c.categories {
		ids = append(ids, cat.ID)
	}
	return ids
}

// Classify runs the built-in taxonomy. Convenience wrapper for callers that
// never load a custom taxonomy file.
func Classify(command string, enabled []string) []string {
	return NewClassifier().Classify(command, enabled)
}

func compilePatterns(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		compiled[i] = regexp.MustCompile(`(?i)` + p)
	}
	return compiled
}
