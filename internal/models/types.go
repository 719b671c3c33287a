package models

// EntryType classifies what kind of knowledge an entry represents.
type EntryType string

const (
	EntryTypeBug       EntryType = "bug"
	EntryTypePattern   EntryType = "pattern"
	EntryTypeDecision  EntryType = "decision"
	EntryTypePitfall   EntryType = "pitfall"
	EntryTypeConfig    EntryType = "config"
	EntryTypeReference EntryType = "reference"
)

var ValidEntryTypes = map[EntryType]bool{
	EntryTypeBug:       true,
	EntryTypePattern:   true,
	EntryTypeDecision:  true,
	EntryTypePitfall:   true,
	EntryTypeConfig:    true,
	EntryTypeReference: true,
}

func (t EntryType) IsValid() bool {
	return ValidEntryTypes[t]
}

// Status is the visibility state of an entry.
type Status string

const (
	StatusActive   Status = "active"
	StatusObsolete Status = "obsolete"
)

func (s Status) IsValid() bool {
	return s == StatusActive || s == StatusObsolete
}

// MemoryType distinguishes one-off episodes from consolidated knowledge.
type MemoryType string

const (
	MemoryTypeEpisodic MemoryType = "episodic"
	MemoryTypeSemantic MemoryType = "semantic"
)

func (t MemoryType) IsValid() bool {
	return t == MemoryTypeEpisodic || t == MemoryTypeSemantic
}

// ExtractionMethod records how a structured context was produced.
type ExtractionMethod string

const (
	ExtractionManual ExtractionMethod = "manual"
	ExtractionAuto   ExtractionMethod = "auto"
)

func (m ExtractionMethod) IsValid() bool {
	return m == ExtractionManual || m == ExtractionAuto
}

// EmbeddingType selects which text an embedding was computed from.
type EmbeddingType string

const (
	EmbeddingSummary EmbeddingType = "summary"
	EmbeddingContext EmbeddingType = "context"
)

func (t EmbeddingType) IsValid() bool {
	return t == EmbeddingSummary || t == EmbeddingContext
}

// RelationType is the kind of a directed link between entries.
type RelationType string

const (
	RelationRelated     RelationType = "related"
	RelationSupersedes  RelationType = "supersedes"
	RelationDerivedFrom RelationType = "derived_from"
	RelationContradicts RelationType = "contradicts"
)

func (r RelationType) IsValid() bool {
	switch r {
	case RelationRelated, RelationSupersedes, RelationDerivedFrom, RelationContradicts:
		return true
	}
	return false
}

// AddEntryRequest is the payload for creating an entry.
type AddEntryRequest struct {
	Title               string             `json:"title"`
	Type                EntryType          `json:"type"`
	Content             string             `json:"content"`
	Project             string             `json:"project"`
	Tags                []string           `json:"tags"`
	Confidence          *int               `json:"confidence,omitempty"`
	MemoryType          MemoryType         `json:"memoryType"`
	Context             *StructuredContext `json:"context,omitempty"`
	ConversationContext string             `json:"conversationContext,omitempty"`
}

// AddEntryResponse is returned after an entry is created.
type AddEntryResponse struct {
	Entry     *Entry   `json:"entry"`
	Embedded  bool     `json:"embedded"`
	Keywords  []string `json:"keywords,omitempty"`
	SimilarTo []string `json:"similarTo,omitempty"`
}

// UpdateEntryRequest applies partial changes to an entry.
type UpdateEntryRequest struct {
	Title      *string     `json:"title,omitempty"`
	Type       *EntryType  `json:"type,omitempty"`
	Content    *string     `json:"content,omitempty"`
	Project    *string     `json:"project,omitempty"`
	Tags       *[]string   `json:"tags,omitempty"`
	Confidence *int        `json:"confidence,omitempty"`
	Status     *Status     `json:"status,omitempty"`
	MemoryType *MemoryType `json:"memoryType,omitempty"`
}

// Apply mutates e with the non-nil fields of the request.
func (r *UpdateEntryRequest) Apply(e *Entry) {
	if r.Title != nil {
		e.Title = *r.Title
	}
	if r.Type != nil {
		e.Type = *r.Type
	}
	if r.Content != nil {
		e.Content = *r.Content
	}
	if r.Project != nil {
		e.Project = *r.Project
	}
	if r.Tags != nil {
		e.Tags = NormalizeTags(*r.Tags)
	}
	if r.Confidence != nil {
		e.Confidence = *r.Confidence
	}
	if r.Status != nil {
		e.Status = *r.Status
	}
	if r.MemoryType != nil {
		e.MemoryType = *r.MemoryType
	}
}

// SearchRequest is the payload for full-text, semantic and hybrid search.
type SearchRequest struct {
	Query               string     `json:"query"`
	ConversationContext string     `json:"conversationContext,omitempty"`
	Type                EntryType  `json:"type,omitempty"`
	Project             string     `json:"project,omitempty"`
	MemoryType          MemoryType `json:"memoryType,omitempty"`
	IncludeObsolete     bool       `json:"includeObsolete,omitempty"`
	Limit               int        `json:"limit"`
	MinSimilarity       float64    `json:"minSimilarity,omitempty"`
}

// ServiceCheck is the status of one dependency in a health report.
type ServiceCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	Status      string       `json:"status"`
	DB          ServiceCheck `json:"db"`
	Embeddings  ServiceCheck `json:"embeddings"`
	VectorIndex string       `json:"vectorIndex"`
	EntryCount  int          `json:"entryCount"`
}
