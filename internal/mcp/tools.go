package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

func searchTool() mcp.Tool {
	return mcp.NewTool("rekall_search",
		mcp.WithDescription("Search the knowledge base with hybrid full-text, semantic and keyword scoring. "+
			"Use this before solving a problem to find bugs, patterns and decisions recorded earlier. "+
			"Follow up with rekall_get for the full entry and its structured context."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural language search query"),
		),
		mcp.WithString("conversation_context",
			mcp.Description("Recent conversation text used to refine semantic matching"),
		),
		mcp.WithString("type",
			mcp.Description("Restrict to one entry type"),
			mcp.Enum("bug", "pattern", "decision", "pitfall", "config", "reference"),
		),
		mcp.WithString("project",
			mcp.Description("Restrict to one project"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum results to return (default 10)"),
		),
	)
}

func addTool() mcp.Tool {
	return mcp.NewTool("rekall_add",
		mcp.WithDescription("Record a new knowledge entry. Write the content as a standalone explanation "+
			"with the why, not just the what. Provide situation and solution to attach a structured context; "+
			"trigger keywords are extracted automatically when omitted."),
		mcp.WithString("title",
			mcp.Required(),
			mcp.Description("Short, searchable title"),
		),
		mcp.WithString("type",
			mcp.Required(),
			mcp.Description("Entry type"),
			mcp.Enum("bug", "pattern", "decision", "pitfall", "config", "reference"),
		),
		mcp.WithString("content",
			mcp.Description("Full explanation. Text inside <private>...</private> is never stored"),
		),
		mcp.WithString("project",
			mcp.Description("Project the entry belongs to"),
		),
		mcp.WithArray("tags",
			mcp.Description("Descriptive tags"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithNumber("confidence",
			mcp.Description("Confidence from 0 to 5 (default 2)"),
		),
		mcp.WithString("situation",
			mcp.Description("What was happening when this came up"),
		),
		mcp.WithString("solution",
			mcp.Description("What resolved it"),
		),
		mcp.WithString("what_failed",
			mcp.Description("Approaches that did not work"),
		),
		mcp.WithArray("trigger_keywords",
			mcp.Description("Keywords that should surface this entry"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithString("conversation_context",
			mcp.Description("Conversation excerpt embedded alongside the entry"),
		),
	)
}

func getTool() mcp.Tool {
	return mcp.NewTool("rekall_get",
		mcp.WithDescription("Retrieve a full entry by id with its structured context and links. "+
			"Counts as an access for lifecycle scoring."),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Entry id"),
		),
	)
}

func similarTool() mcp.Tool {
	return mcp.NewTool("rekall_similar",
		mcp.WithDescription("Find entries semantically similar to an existing entry. "+
			"Useful before adding a new entry to avoid duplicates, or to discover related knowledge."),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Entry id to compare against"),
		),
		mcp.WithNumber("threshold",
			mcp.Description("Minimum cosine similarity (default 0.75)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum results to return (default 5)"),
		),
	)
}
