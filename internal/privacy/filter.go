package privacy

import (
	"regexp"
	"strings"

	"github.com/guthubrx/rekall-sub000/internal/models"
)

// privateBlock matches <private>...</private>, case-insensitive, across lines.
var privateBlock = regexp.MustCompile(`(?is)<private>.*?</private>`)

// blankRuns collapses the blank lines left behind by removed blocks.
var blankRuns = regexp.MustCompile(`\n{3,}`)

// StripPrivateTags removes every private block from text.
func StripPrivateTags(text string) string {
	if !strings.Contains(strings.ToLower(text), "<private>") {
		return strings.TrimSpace(text)
	}
	out := privateBlock.ReplaceAllString(text, "")
	return strings.TrimSpace(blankRuns.ReplaceAllString(out, "\n\n"))
}

// HasOnlyPrivateContent reports whether text had something to say and all of
// it was private.
func HasOnlyPrivateContent(text string) bool {
	return strings.TrimSpace(text) != "" && StripPrivateTags(text) == ""
}

// StripEntry removes private blocks from the indexed text of an entry.
func StripEntry(e *models.Entry) {
	e.Title = StripPrivateTags(e.Title)
	e.Content = StripPrivateTags(e.Content)
}

// StripContext removes private blocks from the free-text fields of a
// structured context. Keywords, files and errors are kept as given.
func StripContext(c *models.StructuredContext) {
	if c == nil {
		return
	}
	c.Situation = StripPrivateTags(c.Situation)
	c.Solution = StripPrivateTags(c.Solution)
	c.WhatFailed = StripPrivateTags(c.WhatFailed)
	c.Excerpt = StripPrivateTags(c.Excerpt)
}
