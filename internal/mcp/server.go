package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/guthubrx/rekall-sub000/internal/embedding"
	"github.com/guthubrx/rekall-sub000/internal/memory"
	"github.com/guthubrx/rekall-sub000/internal/models"
	"github.com/guthubrx/rekall-sub000/internal/search"
	"github.com/guthubrx/rekall-sub000/internal/store"
)

const (
	serverName    = "rekall"
	serverVersion = "1.0.0"
)

// Server exposes the knowledge base as MCP tools over stdio.
type Server struct {
	svc    *memory.Service
	mcp    *server.MCPServer
	logger *slog.Logger
}

// NewServer registers the tools against svc.
func NewServer(svc *memory.Service, logger *slog.Logger) *Server {
	s := &Server{
		svc:    svc,
		logger: logger,
		mcp: server.NewMCPServer(
			serverName,
			serverVersion,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
	}
	s.mcp.AddTool(searchTool(), s.handleSearch)
	s.mcp.AddTool(addTool(), s.handleAdd)
	s.mcp.AddTool(getTool(), s.handleGet)
	s.mcp.AddTool(similarTool(), s.handleSimilar)
	return s
}

// Run serves requests read from in until ctx ends or in is closed.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(log.New(io.Discard, "", 0))
	s.logger.Info("mcp server listening on stdio")
	err := stdio.Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	query := getString(args, "query")
	if query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}

	results, err := s.svc.Search(ctx, search.Params{
		Query:               query,
		ConversationContext: getString(args, "conversation_context"),
		Filters: store.Filters{
			Type:    models.EntryType(getString(args, "type")),
			Project: getString(args, "project"),
		},
		Limit: int(getFloat(args, "limit", 10)),
	})
	if err != nil {
		return s.toolError("search", err), nil
	}
	if results == nil {
		results = []search.Result{}
	}
	return jsonResult(map[string]any{"results": results})
}

func (s *Server) handleAdd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)

	add := &models.AddEntryRequest{
		Title:               getString(args, "title"),
		Type:                models.EntryType(getString(args, "type")),
		Content:             getString(args, "content"),
		Project:             getString(args, "project"),
		Tags:                getStrings(args, "tags"),
		ConversationContext: getString(args, "conversation_context"),
	}
	if c, ok := args["confidence"].(float64); ok {
		conf := int(c)
		add.Confidence = &conf
	}
	situation, solution := getString(args, "situation"), getString(args, "solution")
	if situation != "" || solution != "" {
		add.Context = &models.StructuredContext{
			Situation:       situation,
			Solution:        solution,
			WhatFailed:      getString(args, "what_failed"),
			TriggerKeywords: getStrings(args, "trigger_keywords"),
		}
		if len(add.Context.TriggerKeywords) > 0 {
			add.Context.ExtractionMethod = models.ExtractionManual
		}
	}

	resp, err := s.svc.Add(ctx, add)
	if err != nil {
		return s.toolError("add", err), nil
	}
	return jsonResult(resp)
}

type entryDetail struct {
	Entry    *models.Entry             `json:"entry"`
	Context  *models.StructuredContext `json:"context,omitempty"`
	Outgoing []models.Link             `json:"outgoing,omitempty"`
	Incoming []models.Link             `json:"incoming,omitempty"`
}

func (s *Server) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	id := getString(args, "id")
	if id == "" {
		return mcp.NewToolResultError("id is required"), nil
	}

	e, err := s.svc.Get(ctx, id, true)
	if err != nil {
		return s.toolError("get", err), nil
	}
	if e == nil {
		return mcp.NewToolResultError(fmt.Sprintf("entry %s not found", id)), nil
	}
	detail := entryDetail{Entry: e}
	if detail.Context, err = s.svc.Context(ctx, id); err != nil {
		return s.toolError("get", err), nil
	}
	if detail.Outgoing, detail.Incoming, err = s.svc.Links(ctx, id); err != nil {
		return s.toolError("get", err), nil
	}
	return jsonResult(detail)
}

func (s *Server) handleSimilar(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	id := getString(args, "id")
	if id == "" {
		return mcp.NewToolResultError("id is required"), nil
	}

	defaults := embedding.DefaultSimilarOptions()
	opts := embedding.SimilarOptions{
		Threshold: getFloat(args, "threshold", defaults.Threshold),
		Limit:     int(getFloat(args, "limit", float64(defaults.Limit))),
	}
	similar, err := s.svc.Similar(ctx, id, opts, store.Filters{})
	if err != nil {
		return s.toolError("similar", err), nil
	}
	if similar == nil {
		similar = []memory.SimilarEntry{}
	}
	return jsonResult(map[string]any{"results": similar})
}

// toolError reports validation and lookup failures to the caller as tool
// errors and logs anything else.
func (s *Server) toolError(tool string, err error) *mcp.CallToolResult {
	if !models.IsValidation(err) && !errors.Is(err, models.ErrNotFound) {
		s.logger.Error("mcp tool failed", "tool", tool, "error", err)
	}
	return mcp.NewToolResultError(err.Error())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func getString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func getFloat(args map[string]any, key string, fallback float64) float64 {
	if v, ok := args[key].(float64); ok {
		return v
	}
	return fallback
}

func getStrings(args map[string]any, key string) []string {
	raw, _ := args[key].([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
