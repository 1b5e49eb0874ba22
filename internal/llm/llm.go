package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/triage/internal/models"
)

// ExtractedIssue holds a single issue extracted from markdown content.
type ExtractedIssue struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	Status      string `json:"status"`
	AssignedTo  string `json:"assignedTo"`
}

// Form converts the extracted issue into a create payload. Values the model
// got wrong fall back to the form defaults.
func (e ExtractedIssue) Form() models.IssueFormData {
	form := models.IssueFormData{
		Title:       strings.TrimSpace(e.Title),
		Description: strings.TrimSpace(e.Description),
		AssignedTo:  strings.TrimSpace(e.AssignedTo),
	}
	if p, err := models.ParsePriority(e.Priority); err == nil {
		form.Priority = p
	}
	if s, err := models.ParseStatus(e.Status); err == nil {
		form.Status = s
	}
	return form.WithDefaults()
}

// Client wraps the Anthropic API for issue extraction.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildPrompt constructs the system and user prompts for issue extraction.
func buildPrompt(content string, assignees []string) (system string, user string) {
	system = `You extract structured issues for a bug and task tracker from markdown notes. Return ONLY a JSON array of objects with these fields:
- "title": concise issue title
- "description": brief description of the issue (can be empty string if the title is self-explanatory)
- "priority": one of "low", "medium", "high"
- "status": one of "open", "in_progress", "done"
- "assignedTo": the person the issue is assigned to, or empty string

Rules:
- Each numbered/bulleted item is one issue
- Default priority to "medium" unless context suggests otherwise (crashes, data loss and outages are "high"; cosmetic problems are "low")
- Default status to "open"; use "done" only for items explicitly marked complete (e.g. "[x]") and "in_progress" for items marked as being worked on
- Match assignees to the known people list when possible
- Never create placeholder issues like "no issues specified" or "N/A"
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	if len(assignees) > 0 {
		sb.WriteString("Known people: ")
		sb.WriteString(strings.Join(assignees, ", "))
		sb.WriteString("\n\n")
	}
	sb.WriteString("Extract issues from this markdown:\n\n")
	sb.WriteString(content)
	user = sb.String()
	return
}

// ExtractIssues sends markdown content to the LLM and returns structured issues.
func (c *Client) ExtractIssues(ctx context.Context, content string, assignees []string) ([]ExtractedIssue, error) {
	systemPrompt, userPrompt := buildPrompt(content, assignees)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	// Extract text from response
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	return parseIssues(text)
}

// parseIssues decodes the model's reply, tolerating markdown fencing.
func parseIssues(text string) ([]ExtractedIssue, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("no text content in API response")
	}

	text = stripFence(text)

	var issues []ExtractedIssue
	if err := json.Unmarshal([]byte(text), &issues); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}

	// Drop entries without a title
	out := issues[:0]
	for _, ei := range issues {
		if strings.TrimSpace(ei.Title) != "" {
			out = append(out, ei)
		}
	}
	return out, nil
}

func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}
