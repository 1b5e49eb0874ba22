package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/triage/internal/issues"
	"github.com/joescharf/triage/internal/models"
	"github.com/joescharf/triage/internal/query"
	"github.com/joescharf/triage/internal/store"
)

// ---------------------------------------------------------------------------
// Mock implementations
// ---------------------------------------------------------------------------

// mockStore wraps a MemoryStore with error injection.
type mockStore struct {
	*store.MemoryStore

	queryErr  error
	insertErr error
}

func (m *mockStore) Query(ctx context.Context, spec query.FilterSpec) ([]*models.Issue, error) {
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return m.MemoryStore.Query(ctx, spec)
}

func (m *mockStore) Insert(ctx context.Context, issue *models.Issue) (string, error) {
	if m.insertErr != nil {
		return "", m.insertErr
	}
	return m.MemoryStore.Insert(ctx, issue)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestServer(t *testing.T) (*Server, *mockStore, *issues.Repository) {
	t.Helper()
	ms := &mockStore{MemoryStore: store.NewMemoryStore()}
	repo := issues.NewRepository(ms)
	return NewServer(repo, "agent-1", "agent@example.com", 3, "test"), ms, repo
}

// callToolReq builds a CallToolRequest with the given tool name and arguments.
func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		tc, ok := c.(mcpgo.TextContent)
		if ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// resultJSON parses the text result as JSON into the provided target.
func resultJSON(t *testing.T, result *mcpgo.CallToolResult, target any) {
	t.Helper()
	text := resultText(t, result)
	err := json.Unmarshal([]byte(text), target)
	require.NoError(t, err, "failed to parse result JSON: %s", text)
}

// seedIssue creates an issue through the repository.
func seedIssue(t *testing.T, repo *issues.Repository, title string, status models.Status) *models.Issue {
	t.Helper()
	issue, _, err := repo.Create(context.Background(), models.IssueFormData{
		Title:    title,
		Priority: models.PriorityMedium,
		Status:   status,
	}, "seed", "seed@example.com")
	require.NoError(t, err)
	return issue
}

// ---------------------------------------------------------------------------
// Tests: triage_list_issues
// ---------------------------------------------------------------------------

func TestHandleListIssues_Empty(t *testing.T) {
	srv, _, _ := newTestServer(t)

	result, err := srv.handleListIssues(context.Background(), callToolReq("triage_list_issues", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "[]", resultText(t, result))
}

func TestHandleListIssues_WithFilter(t *testing.T) {
	srv, _, repo := newTestServer(t)
	seedIssue(t, repo, "open one", models.StatusOpen)
	seedIssue(t, repo, "done one", models.StatusDone)

	result, err := srv.handleListIssues(context.Background(), callToolReq("triage_list_issues", map[string]any{
		"status": "done",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var list []models.Issue
	resultJSON(t, result, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "done one", list[0].Title)
}

func TestHandleListIssues_InvalidFilter(t *testing.T) {
	srv, _, _ := newTestServer(t)

	result, err := srv.handleListIssues(context.Background(), callToolReq("triage_list_issues", map[string]any{
		"priority": "urgent",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "invalid priority")
}

func TestHandleListIssues_StoreError(t *testing.T) {
	srv, ms, _ := newTestServer(t)
	ms.queryErr = fmt.Errorf("%w: db locked", store.ErrUnavailable)

	result, err := srv.handleListIssues(context.Background(), callToolReq("triage_list_issues", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "failed to list issues")
}

// ---------------------------------------------------------------------------
// Tests: triage_create_issue
// ---------------------------------------------------------------------------

func TestHandleCreateIssue_Defaults(t *testing.T) {
	srv, _, _ := newTestServer(t)

	result, err := srv.handleCreateIssue(context.Background(), callToolReq("triage_create_issue", map[string]any{
		"title": "Search returns stale results",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		Issue   models.Issue    `json:"issue"`
		Similar []*models.Issue `json:"similar"`
	}
	resultJSON(t, result, &out)
	assert.NotEmpty(t, out.Issue.ID)
	assert.Equal(t, models.PriorityMedium, out.Issue.Priority)
	assert.Equal(t, models.StatusOpen, out.Issue.Status)
	assert.Equal(t, "agent-1", out.Issue.CreatedBy)
	assert.Equal(t, "agent@example.com", out.Issue.CreatedByEmail)
	assert.Empty(t, out.Similar)
}

func TestHandleCreateIssue_ReportsSimilar(t *testing.T) {
	srv, _, repo := newTestServer(t)
	existing := seedIssue(t, repo, "Search returns stale results", models.StatusOpen)

	result, err := srv.handleCreateIssue(context.Background(), callToolReq("triage_create_issue", map[string]any{
		"title":    "stale search",
		"priority": "high",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		Similar []*models.Issue `json:"similar"`
	}
	resultJSON(t, result, &out)
	require.Len(t, out.Similar, 1)
	assert.Equal(t, existing.ID, out.Similar[0].ID)
}

func TestHandleCreateIssue_Errors(t *testing.T) {
	srv, ms, _ := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleCreateIssue(ctx, callToolReq("triage_create_issue", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "missing required parameter: title")

	result, err = srv.handleCreateIssue(ctx, callToolReq("triage_create_issue", map[string]any{
		"title":  "x",
		"status": "closed",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	ms.insertErr = fmt.Errorf("%w: disk full", store.ErrUnavailable)
	result, err = srv.handleCreateIssue(ctx, callToolReq("triage_create_issue", map[string]any{"title": "x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "failed to create issue")
}

// ---------------------------------------------------------------------------
// Tests: triage_update_status
// ---------------------------------------------------------------------------

func TestHandleUpdateStatus_OpenToDoneRejected(t *testing.T) {
	srv, _, repo := newTestServer(t)
	issue := seedIssue(t, repo, "x", models.StatusOpen)

	result, err := srv.handleUpdateStatus(context.Background(), callToolReq("triage_update_status", map[string]any{
		"issue_id": issue.ID,
		"status":   "done",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "in_progress first")

	got, err := repo.Get(context.Background(), issue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, got.Status)
}

func TestHandleUpdateStatus_ByPrefix(t *testing.T) {
	srv, _, repo := newTestServer(t)
	issue := seedIssue(t, repo, "x", models.StatusOpen)

	result, err := srv.handleUpdateStatus(context.Background(), callToolReq("triage_update_status", map[string]any{
		"issue_id": strings.ToLower(issue.ID[:20]),
		"status":   "in_progress",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var updated models.Issue
	resultJSON(t, result, &updated)
	assert.Equal(t, models.StatusInProgress, updated.Status)
}

func TestHandleUpdateStatus_NotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	result, err := srv.handleUpdateStatus(context.Background(), callToolReq("triage_update_status", map[string]any{
		"issue_id": "NOPE",
		"status":   "open",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "issue not found")
}

// ---------------------------------------------------------------------------
// Tests: triage_update_priority
// ---------------------------------------------------------------------------

func TestHandleUpdatePriority(t *testing.T) {
	srv, _, repo := newTestServer(t)
	issue := seedIssue(t, repo, "x", models.StatusDone)

	result, err := srv.handleUpdatePriority(context.Background(), callToolReq("triage_update_priority", map[string]any{
		"issue_id": issue.ID,
		"priority": "high",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var updated models.Issue
	resultJSON(t, result, &updated)
	assert.Equal(t, models.PriorityHigh, updated.Priority)

	result, err = srv.handleUpdatePriority(context.Background(), callToolReq("triage_update_priority", map[string]any{
		"issue_id": issue.ID,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// ---------------------------------------------------------------------------
// Tests: triage_delete_issue
// ---------------------------------------------------------------------------

func TestHandleDeleteIssue(t *testing.T) {
	srv, _, repo := newTestServer(t)
	issue := seedIssue(t, repo, "remove me", models.StatusOpen)

	result, err := srv.handleDeleteIssue(context.Background(), callToolReq("triage_delete_issue", map[string]any{
		"issue_id": issue.ID,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "remove me")

	_, err = repo.Get(context.Background(), issue.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// ---------------------------------------------------------------------------
// Tests: triage_find_similar
// ---------------------------------------------------------------------------

func TestHandleFindSimilar(t *testing.T) {
	srv, _, repo := newTestServer(t)
	for _, title := range []string{"Upload fails", "Upload slow", "Upload stuck", "Upload retries", "Dark mode"} {
		seedIssue(t, repo, title, models.StatusOpen)
	}

	result, err := srv.handleFindSimilar(context.Background(), callToolReq("triage_find_similar", map[string]any{
		"title": "upload broken",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var list []models.Issue
	resultJSON(t, result, &list)
	assert.Len(t, list, 3)
}

// ---------------------------------------------------------------------------
// Tests: Integration -- verify all tools are registered via HandleMessage
// ---------------------------------------------------------------------------

func TestMCPIntegration_ListTools(t *testing.T) {
	srv, _, _ := newTestServer(t)

	mcpSrv := srv.MCPServer()
	require.NotNil(t, mcpSrv)

	// Call tools/list via HandleMessage to verify registration.
	ctx := context.Background()
	reqJSON := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`)
	respMsg := mcpSrv.HandleMessage(ctx, reqJSON)
	require.NotNil(t, respMsg)

	respBytes, err := json.Marshal(respMsg)
	require.NoError(t, err)

	var rpcResp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	err = json.Unmarshal(respBytes, &rpcResp)
	require.NoError(t, err)

	toolNames := make(map[string]bool)
	for _, tool := range rpcResp.Result.Tools {
		toolNames[tool.Name] = true
	}

	expectedTools := []string{
		"triage_list_issues",
		"triage_create_issue",
		"triage_update_status",
		"triage_update_priority",
		"triage_delete_issue",
		"triage_find_similar",
	}
	for _, name := range expectedTools {
		assert.True(t, toolNames[name], "expected tool %q to be registered", name)
	}
}

// Compile-time interface check for the mock.
var _ store.Store = (*mockStore)(nil)
