package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/triage/internal/issues"
	"github.com/joescharf/triage/internal/models"
	"github.com/joescharf/triage/internal/similarity"
	"github.com/joescharf/triage/internal/store"
)

// Server wraps the issue repository and exposes it as MCP tools.
type Server struct {
	repo         *issues.Repository
	userID       string
	userEmail    string
	similarLimit int
	version      string
}

// NewServer creates the MCP server wrapper. New issues are attributed to
// userID/userEmail.
func NewServer(repo *issues.Repository, userID, userEmail string, similarLimit int, version string) *Server {
	return &Server{
		repo:         repo,
		userID:       userID,
		userEmail:    userEmail,
		similarLimit: similarLimit,
		version:      version,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("triage", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listIssuesTool())
	srv.AddTool(s.createIssueTool())
	srv.AddTool(s.updateStatusTool())
	srv.AddTool(s.updatePriorityTool())
	srv.AddTool(s.deleteIssueTool())
	srv.AddTool(s.findSimilarTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// triage_list_issues
func (s *Server) listIssuesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("triage_list_issues",
		mcp.WithDescription("List issues newest first, optionally filtered by status and/or priority. Returns a JSON array of issues with id, title, description, priority, status, assignedTo, createdAt, createdBy and createdByEmail."),
		mcp.WithString("status", mcp.Description("Status filter: open, in_progress, done")),
		mcp.WithString("priority", mcp.Description("Priority filter: low, medium, high")),
	)
	return tool, s.handleListIssues
}

func (s *Server) handleListIssues(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var filter issues.ListFilter

	if v := request.GetString("status", ""); v != "" {
		st, err := models.ParseStatus(v)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		filter.Status = &st
	}
	if v := request.GetString("priority", ""); v != "" {
		p, err := models.ParsePriority(v)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		filter.Priority = &p
	}

	list, err := s.repo.List(ctx, filter)
	if err != nil {
		return toolError("failed to list issues", err), nil
	}
	if list == nil {
		list = []*models.Issue{}
	}
	return jsonResult(list)
}

// triage_create_issue
func (s *Server) createIssueTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("triage_create_issue",
		mcp.WithDescription("Create a new issue. Returns the created issue plus any existing issues that look like duplicates."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Issue title")),
		mcp.WithString("description", mcp.Description("Issue description")),
		mcp.WithString("priority", mcp.Description("Issue priority: low, medium, high (default: medium)")),
		mcp.WithString("status", mcp.Description("Initial status: open, in_progress, done (default: open)")),
		mcp.WithString("assigned_to", mcp.Description("Assignee")),
	)
	return tool, s.handleCreateIssue
}

func (s *Server) handleCreateIssue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := request.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: title"), nil
	}

	form := models.IssueFormData{
		Title:       title,
		Description: request.GetString("description", ""),
		AssignedTo:  request.GetString("assigned_to", ""),
	}
	if v := request.GetString("priority", ""); v != "" {
		if form.Priority, err = models.ParsePriority(v); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}
	if v := request.GetString("status", ""); v != "" {
		if form.Status, err = models.ParseStatus(v); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}

	issue, similar, err := s.repo.Create(ctx, form.WithDefaults(), s.userID, s.userEmail)
	if err != nil {
		return toolError("failed to create issue", err), nil
	}

	similar = similarity.Truncate(similar, s.similarLimit)
	if similar == nil {
		similar = []*models.Issue{}
	}
	return jsonResult(map[string]any{
		"issue":   issue,
		"similar": similar,
	})
}

// triage_update_status
func (s *Server) updateStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("triage_update_status",
		mcp.WithDescription("Move an issue to a new status. An open issue must be moved to in_progress before it can be done. Returns the updated issue as JSON."),
		mcp.WithString("issue_id", mcp.Required(), mcp.Description("Issue ID (full ULID or unique prefix)")),
		mcp.WithString("status", mcp.Required(), mcp.Description("New status: open, in_progress, done")),
	)
	return tool, s.handleUpdateStatus
}

func (s *Server) handleUpdateStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	issueID, err := request.RequireString("issue_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: issue_id"), nil
	}
	raw, err := request.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: status"), nil
	}
	next, err := models.ParseStatus(raw)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	issue, err := s.repo.Resolve(ctx, issueID)
	if err != nil {
		return toolError("issue lookup failed", err), nil
	}
	updated, err := s.repo.UpdateStatus(ctx, issue.ID, next)
	if err != nil {
		return toolError("failed to update status", err), nil
	}
	return jsonResult(updated)
}

// triage_update_priority
func (s *Server) updatePriorityTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("triage_update_priority",
		mcp.WithDescription("Change an issue's priority. Returns the updated issue as JSON."),
		mcp.WithString("issue_id", mcp.Required(), mcp.Description("Issue ID (full ULID or unique prefix)")),
		mcp.WithString("priority", mcp.Required(), mcp.Description("New priority: low, medium, high")),
	)
	return tool, s.handleUpdatePriority
}

func (s *Server) handleUpdatePriority(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	issueID, err := request.RequireString("issue_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: issue_id"), nil
	}
	raw, err := request.RequireString("priority")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: priority"), nil
	}
	next, err := models.ParsePriority(raw)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	issue, err := s.repo.Resolve(ctx, issueID)
	if err != nil {
		return toolError("issue lookup failed", err), nil
	}
	updated, err := s.repo.UpdatePriority(ctx, issue.ID, next)
	if err != nil {
		return toolError("failed to update priority", err), nil
	}
	return jsonResult(updated)
}

// triage_delete_issue
func (s *Server) deleteIssueTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("triage_delete_issue",
		mcp.WithDescription("Delete an issue permanently."),
		mcp.WithString("issue_id", mcp.Required(), mcp.Description("Issue ID (full ULID or unique prefix)")),
	)
	return tool, s.handleDeleteIssue
}

func (s *Server) handleDeleteIssue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	issueID, err := request.RequireString("issue_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: issue_id"), nil
	}

	issue, err := s.repo.Resolve(ctx, issueID)
	if err != nil {
		return toolError("issue lookup failed", err), nil
	}
	if err := s.repo.Delete(ctx, issue.ID); err != nil {
		return toolError("failed to delete issue", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Deleted issue %s: %s", issue.ID, issue.Title)), nil
}

// triage_find_similar
func (s *Server) findSimilarTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("triage_find_similar",
		mcp.WithDescription("Find existing issues whose title or description share at least half of the words in the given title. Use before creating an issue to spot duplicates."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Candidate issue title")),
	)
	return tool, s.handleFindSimilar
}

func (s *Server) handleFindSimilar(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := request.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: title"), nil
	}

	similar, err := s.repo.FindSimilar(ctx, title)
	if err != nil {
		return toolError("failed to find similar issues", err), nil
	}
	similar = similarity.Truncate(similar, s.similarLimit)
	if similar == nil {
		similar = []*models.Issue{}
	}
	return jsonResult(similar)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// toolError renders err for the calling agent. Caller mistakes are reported
// as-is; backend failures keep the action prefix.
func toolError(action string, err error) *mcp.CallToolResult {
	switch {
	case issues.IsValidation(err):
		return mcp.NewToolResultError(err.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, issues.ErrAmbiguous):
		return mcp.NewToolResultError(err.Error())
	default:
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", action, err))
	}
}
