package search

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// DefaultKeywordCount is how many keywords ExtractKeywords keeps by default.
const DefaultKeywordCount = 10

var (
	rawToken  = regexp.MustCompile(`[\p{L}\p{N}_.\-]+`)
	versionRe = regexp.MustCompile(`^v?\d+(\.\d+)+$`)
)

// Tokenize splits text into lower-cased terms. Dotted paths and camelCase
// words are broken apart; version numbers like 1.2.3 and identifiers with
// underscores or hyphens are kept whole.
func Tokenize(text string) []string {
	var out []string
	for _, raw := range rawToken.FindAllString(text, -1) {
		raw = strings.Trim(raw, ".-_")
		if raw == "" {
			continue
		}
		if versionRe.MatchString(strings.ToLower(raw)) {
			out = append(out, strings.ToLower(raw))
			continue
		}
		for _, part := range strings.Split(raw, ".") {
			part = strings.Trim(part, "-_")
			if part == "" {
				continue
			}
			if strings.ContainsAny(part, "_-") {
				out = append(out, strings.ToLower(part))
				continue
			}
			for _, w := range splitCamel(part) {
				out = append(out, strings.ToLower(w))
			}
		}
	}
	return out
}

// splitCamel breaks "parseHTTPResponse" into parse, HTTP, Response.
func splitCamel(s string) []string {
	runes := []rune(s)
	var words []string
	start := 0
	for i := 1; i < len(runes); i++ {
		prev, cur := runes[i-1], runes[i]
		boundary := unicode.IsLower(prev) && unicode.IsUpper(cur)
		if !boundary && unicode.IsUpper(prev) && unicode.IsUpper(cur) && i+1 < len(runes) && unicode.IsLower(runes[i+1]) {
			boundary = true
		}
		if boundary {
			words = append(words, string(runes[start:i]))
			start = i
		}
	}
	return append(words, string(runes[start:]))
}

func keep(tok string) bool {
	if len([]rune(tok)) < 2 {
		return false
	}
	return !stopwords[tok]
}

// ExtractKeywords returns the n highest scoring terms of title and content.
// A term scores its frequency, doubled when it contains a digit, times 1.5
// when it contains an underscore, and doubled again when it occurs in the
// title. Ties are broken alphabetically.
func ExtractKeywords(title, content string, n int) []string {
	if n <= 0 {
		n = DefaultKeywordCount
	}
	titleTerms := make(map[string]bool)
	for _, tok := range Tokenize(title) {
		titleTerms[tok] = true
	}

	freq := make(map[string]int)
	for _, tok := range Tokenize(title + "\n" + content) {
		if keep(tok) {
			freq[tok]++
		}
	}

	type scored struct {
		term  string
		score float64
	}
	terms := make([]scored, 0, len(freq))
	for term, count := range freq {
		s := float64(count)
		if strings.IndexFunc(term, unicode.IsDigit) >= 0 {
			s *= 2
		}
		if strings.Contains(term, "_") {
			s *= 1.5
		}
		if titleTerms[term] {
			s *= 2
		}
		terms = append(terms, scored{term, s})
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].score != terms[j].score {
			return terms[i].score > terms[j].score
		}
		return terms[i].term < terms[j].term
	})

	if len(terms) > n {
		terms = terms[:n]
	}
	out := make([]string, len(terms))
	for i, t := range terms {
		out[i] = t.term
	}
	return out
}

// KeywordScore measures how well query keywords cover an entry's keywords.
// Exact case-insensitive matches count 1, substring matches either way 0.5;
// the result is 0.7 × total over len(query) plus 0.3 × exact matches over
// len(entry). Both lengths count repeated keywords.
func KeywordScore(query, entry []string) float64 {
	if len(query) == 0 || len(entry) == 0 {
		return 0
	}
	entryLower := make([]string, len(entry))
	entrySet := make(map[string]bool, len(entry))
	for i, k := range entry {
		entryLower[i] = strings.ToLower(k)
		entrySet[entryLower[i]] = true
	}

	var total float64
	exact := 0
	for _, q := range query {
		q = strings.ToLower(q)
		if entrySet[q] {
			total++
			exact++
			continue
		}
		if q == "" {
			continue
		}
		for _, k := range entryLower {
			if k != "" && (strings.Contains(k, q) || strings.Contains(q, k)) {
				total += 0.5
				break
			}
		}
	}
	return 0.7*(total/float64(len(query))) + 0.3*(float64(exact)/float64(len(entry)))
}
