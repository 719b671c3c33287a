package models

// InboxEntry is a raw URL capture (bronze tier). Invalid captures are kept
// with ValidationError set so the history of what was seen is preserved.
type InboxEntry struct {
	ID              string `json:"id"`
	URL             string `json:"url"`
	Domain          string `json:"domain"`
	CLISource       string `json:"cliSource"`
	Project         string `json:"project,omitempty"`
	ConversationID  string `json:"conversationId,omitempty"`
	UserQuery       string `json:"userQuery,omitempty"`
	IsValid         bool   `json:"isValid"`
	ValidationError string `json:"validationError,omitempty"`
	CapturedAt      int64  `json:"capturedAt"`
}

// StagingEntry is the deduplicated-by-URL enrichment record (silver tier).
type StagingEntry struct {
	ID             string   `json:"id"`
	URL            string   `json:"url"`
	Domain         string   `json:"domain"`
	Title          string   `json:"title,omitempty"`
	Description    string   `json:"description,omitempty"`
	SiteName       string   `json:"siteName,omitempty"`
	ContentType    string   `json:"contentType,omitempty"`
	IsAccessible   bool     `json:"isAccessible"`
	HTTPStatus     int      `json:"httpStatus,omitempty"`
	EnrichedAt     *int64   `json:"enrichedAt,omitempty"`
	CitationCount  int      `json:"citationCount"`
	Projects       []string `json:"projects"`
	ProjectCount   int      `json:"projectCount"`
	FirstSeen      int64    `json:"firstSeen"`
	LastSeen       *int64   `json:"lastSeen,omitempty"`
	PromotionScore float64  `json:"promotionScore"`
	PromotedAt     *int64   `json:"promotedAt,omitempty"`
	PromotedTo     *string  `json:"promotedTo,omitempty"`
}

// IsPromoted reports whether a source was created from this record.
func (s *StagingEntry) IsPromoted() bool {
	return s.PromotedTo != nil && *s.PromotedTo != ""
}

// DecayRate controls how quickly a source's personal score fades when unused.
type DecayRate string

const (
	DecayFast   DecayRate = "fast"
	DecayMedium DecayRate = "medium"
	DecaySlow   DecayRate = "slow"
)

// HalfLifeDays returns the half-life for the rate; unknown rates decay at
// the medium rate.
func (r DecayRate) HalfLifeDays() float64 {
	switch r {
	case DecayFast:
		return 90
	case DecaySlow:
		return 365
	default:
		return 180
	}
}

func (r DecayRate) IsValid() bool {
	return r == DecayFast || r == DecayMedium || r == DecaySlow
}

// SourceOrigin records how a source came to exist.
type SourceOrigin string

const (
	OriginManual   SourceOrigin = "manual"
	OriginPromoted SourceOrigin = "promoted"
	OriginImported SourceOrigin = "imported"
)

// Source is a promoted, scored, curated URL (gold tier).
type Source struct {
	ID            string       `json:"id"`
	URL           string       `json:"url"`
	Domain        string       `json:"domain"`
	Title         string       `json:"title,omitempty"`
	Description   string       `json:"description,omitempty"`
	Role          string       `json:"role,omitempty"`
	PersonalScore float64      `json:"personalScore"`
	UsageCount    int          `json:"usageCount"`
	LastUsed      *int64       `json:"lastUsed,omitempty"`
	Reliability   string       `json:"reliability,omitempty"`
	DecayRate     DecayRate    `json:"decayRate"`
	IsAccessible  bool         `json:"isAccessible"`
	LastVerified  *int64       `json:"lastVerified,omitempty"`
	Origin        SourceOrigin `json:"origin"`
	PromotedFrom  *string      `json:"promotedFrom,omitempty"`
	CreatedAt     int64        `json:"createdAt"`
}

// SuggestionType distinguishes link proposals from consolidation proposals.
type SuggestionType string

const (
	SuggestionLink        SuggestionType = "link"
	SuggestionConsolidate SuggestionType = "consolidate"
)

// SuggestionStatus tracks accept/reject of a suggestion.
type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionAccepted SuggestionStatus = "accepted"
	SuggestionRejected SuggestionStatus = "rejected"
)

// Suggestion is a derived proposal over a set of entries.
type Suggestion struct {
	ID         string           `json:"id"`
	Type       SuggestionType   `json:"type"`
	EntryIDs   []string         `json:"entryIds"`
	Reason     string           `json:"reason"`
	Score      float64          `json:"score"`
	Status     SuggestionStatus `json:"status"`
	CreatedAt  int64            `json:"createdAt"`
	ResolvedAt *int64           `json:"resolvedAt,omitempty"`
}
