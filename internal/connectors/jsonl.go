package connectors

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/guthubrx/rekall-sub000/internal/curation"
	"github.com/guthubrx/rekall-sub000/internal/models"
)

const maxLineBytes = 8 << 20

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>\x60\\]+`)

// JSONL reads transcripts stored as one JSON object per line, the layout
// used by most agent CLIs. Every string value in a record is searched for
// URLs; the record's cwd, sessionId and timestamp fields, when present,
// become the capture's project, conversation and time.
type JSONL struct {
	name    string
	dirs    []string
	pattern string
}

func NewJSONL(name string, opts Options) *JSONL {
	pattern := opts.Pattern
	if pattern == "" {
		pattern = "*.jsonl"
	}
	return &JSONL{name: name, dirs: opts.Dirs, pattern: pattern}
}

func (c *JSONL) Name() string { return c.name }

func (c *JSONL) IsAvailable() bool {
	for _, dir := range c.dirs {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return true
		}
	}
	return false
}

// HistoryPaths walks every configured directory for files matching the
// pattern. Missing directories are skipped.
func (c *JSONL) HistoryPaths() ([]string, error) {
	var paths []string
	for _, dir := range c.dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) && path == dir {
					return filepath.SkipDir
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			if ok, _ := filepath.Match(c.pattern, d.Name()); ok {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk history dir %s: %w", dir, err)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

type transcriptLine struct {
	Type      string `json:"type"`
	Cwd       string `json:"cwd"`
	SessionID string `json:"sessionId"`
	Timestamp string `json:"timestamp"`
}

func (c *JSONL) ExtractURLs(ctx context.Context, path string, since time.Time) ([]models.InboxEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open history file: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat history file: %w", err)
	}
	fallback := fi.ModTime()

	var out []models.InboxEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for lineNo := 1; sc.Scan(); lineNo++ {
		if lineNo%500 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		raw := sc.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}

		var meta transcriptLine
		var record any
		if json.Unmarshal(raw, &meta) != nil || json.Unmarshal(raw, &record) != nil {
			// partial writes leave a truncated last line
			continue
		}

		at := fallback
		if ts, err := time.Parse(time.RFC3339Nano, meta.Timestamp); err == nil {
			at = ts
		}
		if !since.IsZero() && at.Before(since) {
			continue
		}

		var query string
		if meta.Type == "user" {
			query = firstText(record)
		}
		project := ""
		if meta.Cwd != "" {
			project = filepath.Base(meta.Cwd)
		}

		seen := make(map[string]bool)
		for _, u := range findURLs(record) {
			if seen[u] {
				continue
			}
			seen[u] = true
			out = append(out, models.InboxEntry{
				URL:            u,
				CLISource:      c.name,
				Project:        project,
				ConversationID: meta.SessionID,
				UserQuery:      query,
				CapturedAt:     at.Unix(),
			})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read history file: %w", err)
	}
	return out, nil
}

// ValidateURL drops URLs that point at the local machine.
func (c *JSONL) ValidateURL(raw string) bool {
	host, err := curation.ValidateURL(raw)
	if err != nil {
		return false
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return false
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsUnspecified()) {
		return false
	}
	return true
}

func findURLs(v any) []string {
	var out []string
	var walk func(any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			for _, m := range urlPattern.FindAllString(t, -1) {
				out = append(out, strings.TrimRight(m, ".,;:!?)]}*"))
			}
		case []any:
			for _, x := range t {
				walk(x)
			}
		case map[string]any:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(t[k])
			}
		}
	}
	walk(v)
	return out
}

// firstText returns the first text content of a user record, capped at
// 200 runes.
func firstText(record any) string {
	m, ok := record.(map[string]any)
	if !ok {
		return ""
	}
	msg, ok := m["message"].(map[string]any)
	if !ok {
		return ""
	}
	var text string
	switch content := msg["content"].(type) {
	case string:
		text = content
	case []any:
		for _, part := range content {
			p, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if s, ok := p["text"].(string); ok && p["type"] == "text" {
				text = s
				break
			}
		}
	}
	text = strings.TrimSpace(text)
	if r := []rune(text); len(r) > 200 {
		text = string(r[:200])
	}
	return text
}
