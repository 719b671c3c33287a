package models

import (
	"sort"
	"strings"
)

// Entry is the core knowledge record: a bug, pattern, decision and so on.
type Entry struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Type               EntryType  `json:"type"`
	Content            string     `json:"content"`
	Project            string     `json:"project,omitempty"`
	Tags               []string   `json:"tags"`
	Confidence         int        `json:"confidence"`
	Status             Status     `json:"status"`
	SupersededBy       *string    `json:"supersededBy,omitempty"`
	MemoryType         MemoryType `json:"memoryType"`
	AccessCount        int        `json:"accessCount"`
	LastAccessed       *int64     `json:"lastAccessed,omitempty"`
	ConsolidationScore float64    `json:"consolidationScore"`
	CreatedAt          int64      `json:"createdAt"`
	UpdatedAt          int64      `json:"updatedAt"`
}

// DefaultConfidence is applied when an entry is created without one.
const DefaultConfidence = 2

// ApplyDefaults fills zero-valued enum fields. Confidence is left alone
// because zero is a legal value.
func (e *Entry) ApplyDefaults() {
	if e.Status == "" {
		e.Status = StatusActive
	}
	if e.MemoryType == "" {
		e.MemoryType = MemoryTypeEpisodic
	}
	e.Tags = NormalizeTags(e.Tags)
}

// Validate checks the invariants that must hold before an entry is written.
func (e *Entry) Validate() error {
	if strings.TrimSpace(e.Title) == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if !e.Type.IsValid() {
		return &ValidationError{Field: "type", Reason: "unknown entry type " + string(e.Type)}
	}
	if e.Confidence < 0 || e.Confidence > 5 {
		return &ValidationError{Field: "confidence", Reason: "must be between 0 and 5"}
	}
	if !e.Status.IsValid() {
		return &ValidationError{Field: "status", Reason: "unknown status " + string(e.Status)}
	}
	if !e.MemoryType.IsValid() {
		return &ValidationError{Field: "memoryType", Reason: "unknown memory type " + string(e.MemoryType)}
	}
	if e.SupersededBy != nil && *e.SupersededBy == e.ID && e.ID != "" {
		return &ValidationError{Field: "supersededBy", Reason: "entry cannot supersede itself"}
	}
	return nil
}

// IsObsolete reports whether the entry is hidden from default searches.
func (e *Entry) IsObsolete() bool {
	return e.Status == StatusObsolete
}

// NormalizeTags trims, lower-cases, de-duplicates and sorts a tag set.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// StructuredContext is the situation/solution record attached 1:1 to an entry.
type StructuredContext struct {
	Situation        string           `json:"situation"`
	Solution         string           `json:"solution"`
	TriggerKeywords  []string         `json:"triggerKeywords"`
	WhatFailed       string           `json:"whatFailed,omitempty"`
	Excerpt          string           `json:"excerpt,omitempty"`
	Files            []string         `json:"files,omitempty"`
	Errors           []string         `json:"errors,omitempty"`
	ExtractionMethod ExtractionMethod `json:"extractionMethod"`
}

// Validate checks required fields. Trigger keywords may be empty here when the
// caller intends to fill them automatically; see RequireKeywords.
func (c *StructuredContext) Validate() error {
	if strings.TrimSpace(c.Situation) == "" {
		return &ValidationError{Field: "situation", Reason: "must not be empty"}
	}
	if strings.TrimSpace(c.Solution) == "" {
		return &ValidationError{Field: "solution", Reason: "must not be empty"}
	}
	if c.ExtractionMethod != "" && !c.ExtractionMethod.IsValid() {
		return &ValidationError{Field: "extractionMethod", Reason: "must be manual or auto"}
	}
	return nil
}

// RequireKeywords is the write-time check: a stored context always has keywords.
func (c *StructuredContext) RequireKeywords() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.TriggerKeywords) == 0 {
		return &ValidationError{Field: "triggerKeywords", Reason: "must not be empty"}
	}
	return nil
}

// Embedding is a stored, L2-normalized vector for one entry and embedding type.
type Embedding struct {
	EntryID    string        `json:"entryId"`
	Type       EmbeddingType `json:"type"`
	Vector     []float32     `json:"-"`
	Dimensions int           `json:"dimensions"`
	Model      string        `json:"model"`
	CreatedAt  int64         `json:"createdAt"`
}

// Link is a directed relation between two entries.
type Link struct {
	ID           int64        `json:"id"`
	SourceID     string       `json:"sourceId"`
	TargetID     string       `json:"targetId"`
	RelationType RelationType `json:"relationType"`
	Reason       string       `json:"reason,omitempty"`
	CreatedAt    int64        `json:"createdAt"`
}
