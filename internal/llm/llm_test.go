package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/triage/internal/models"
)

func TestBuildPrompt(t *testing.T) {
	t.Run("with assignees", func(t *testing.T) {
		system, user := buildPrompt("# Bugs\n1. Fix crash", []string{"amy", "bo"})

		assert.Contains(t, system, "JSON array")
		assert.Contains(t, system, `"title"`)
		assert.Contains(t, system, `"priority"`)
		assert.Contains(t, system, `"status"`)
		assert.Contains(t, system, `"assignedTo"`)

		assert.Contains(t, user, "Known people: amy, bo")
		assert.Contains(t, user, "Fix crash")
	})

	t.Run("without assignees", func(t *testing.T) {
		system, user := buildPrompt("some content", nil)

		assert.Contains(t, system, "JSON array")
		assert.NotContains(t, user, "Known people")
		assert.Contains(t, user, "some content")
	})

	t.Run("system prompt specifies valid statuses and priorities", func(t *testing.T) {
		system, _ := buildPrompt("content", nil)

		assert.Contains(t, system, `"open"`)
		assert.Contains(t, system, `"in_progress"`)
		assert.Contains(t, system, `"done"`)
		assert.Contains(t, system, `"low"`)
		assert.Contains(t, system, `"medium"`)
		assert.Contains(t, system, `"high"`)
	})
}

func TestBuildPromptContent(t *testing.T) {
	content := strings.Repeat("x", 10000)
	_, user := buildPrompt(content, []string{"a"})
	assert.Contains(t, user, content)
}

func TestParseIssues(t *testing.T) {
	t.Run("plain JSON", func(t *testing.T) {
		got, err := parseIssues(`[{"title":"Crash on save","priority":"high","status":"open"}]`)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "Crash on save", got[0].Title)
	})

	t.Run("fenced JSON", func(t *testing.T) {
		got, err := parseIssues("```json\n[{\"title\":\"a\"},{\"title\":\"  \"}]\n```")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "a", got[0].Title)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := parseIssues("  ")
		assert.ErrorContains(t, err, "no text content")
	})

	t.Run("not JSON", func(t *testing.T) {
		_, err := parseIssues("sorry, I can't")
		assert.ErrorContains(t, err, "parse LLM response")
	})
}

func TestExtractedIssue_Form(t *testing.T) {
	f := ExtractedIssue{Title: " Crash ", Priority: "HIGH", Status: "in-progress", AssignedTo: "amy"}.Form()
	assert.Equal(t, "Crash", f.Title)
	assert.Equal(t, models.PriorityHigh, f.Priority)
	assert.Equal(t, models.StatusInProgress, f.Status)
	assert.Equal(t, "amy", f.AssignedTo)
	assert.NoError(t, f.Validate())

	f = ExtractedIssue{Title: "x", Priority: "urgent", Status: "closed"}.Form()
	assert.Equal(t, models.PriorityMedium, f.Priority)
	assert.Equal(t, models.StatusOpen, f.Status)
}
