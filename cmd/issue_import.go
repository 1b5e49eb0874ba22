package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/triage/internal/issues"
	"github.com/joescharf/triage/internal/models"
	"github.com/joescharf/triage/internal/output"
)

// importCheckLimit bounds concurrent duplicate checks during import.
const importCheckLimit = 4

var (
	importSimple bool
	importDryRun bool
)

var issueImportCmd = &cobra.Command{
	Use:   "import <file.md>",
	Short: "Import issues from a markdown file",
	Long: `Import issues from a markdown file.

By default the file is sent to the Anthropic API, which extracts a title,
description, priority, status and assignee for each item. With --simple
every numbered or bulleted line becomes one open, medium priority issue
and no API key is needed.

Each imported issue is checked against existing issues and possible
duplicates are shown. Duplicates never block the import.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueImportRun(cmd.Context(), args[0])
	},
}

func init() {
	issueImportCmd.Flags().BoolVar(&importSimple, "simple", false, "Parse list items directly instead of using the LLM")
	issueImportCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Preview extracted issues without creating them")
	issueCmd.AddCommand(issueImportCmd)
}

func issueImportRun(ctx context.Context, file string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	content := string(data)

	r, err := getRepository()
	if err != nil {
		return err
	}

	var forms []models.IssueFormData
	if importSimple {
		forms = parseMarkdownIssues(content)
	} else {
		forms, err = extractWithLLM(ctx, r, content)
		if err != nil {
			return err
		}
	}

	if len(forms) == 0 {
		ui.Info("No issues found in file.")
		return nil
	}

	similar, err := checkDuplicates(ctx, r, forms)
	if err != nil {
		ui.Warning("Duplicate check failed: %v", err)
	}

	table := ui.Table([]string{"#", "Title", "Priority", "Status", "Assigned", "Similar"})
	for i, f := range forms {
		dupes := ""
		if n := len(similar[i]); n > 0 {
			dupes = output.Yellow(fmt.Sprintf("%d", n))
		}
		_ = table.Append([]string{
			fmt.Sprintf("%d", i+1),
			f.Title,
			output.PriorityColor(f.Priority),
			output.StatusColor(f.Status),
			f.AssignedTo,
			dupes,
		})
	}
	_ = table.Render()

	if importDryRun || dryRun {
		ui.DryRun = true
		ui.DryRunMsg("Would create %d issues", len(forms))
		return nil
	}

	return createImportedIssues(ctx, r, forms)
}

// extractWithLLM asks the model for structured issues, passing the
// assignees already known to the tracker.
func extractWithLLM(ctx context.Context, r *issues.Repository, content string) ([]models.IssueFormData, error) {
	client := newLLMClient()
	if client == nil {
		return nil, fmt.Errorf("no Anthropic API key configured (set anthropic.api_key or ANTHROPIC_API_KEY, or use --simple)")
	}

	existing, err := r.List(ctx, issues.ListFilter{})
	if err != nil {
		return nil, err
	}

	ui.Info("Extracting issues with %s...", viper.GetString("anthropic.model"))
	extracted, err := client.ExtractIssues(ctx, content, knownAssignees(existing))
	if err != nil {
		return nil, fmt.Errorf("extract issues: %w", err)
	}

	forms := make([]models.IssueFormData, 0, len(extracted))
	for _, e := range extracted {
		forms = append(forms, e.Form())
	}
	return forms, nil
}

func knownAssignees(existing []*models.Issue) []string {
	seen := make(map[string]bool)
	var names []string
	for _, i := range existing {
		if i.AssignedTo == "" || seen[i.AssignedTo] {
			continue
		}
		seen[i.AssignedTo] = true
		names = append(names, i.AssignedTo)
	}
	sort.Strings(names)
	return names
}

// checkDuplicates runs the similarity check for every form concurrently.
// Results are indexed like forms.
func checkDuplicates(ctx context.Context, r *issues.Repository, forms []models.IssueFormData) ([][]*models.Issue, error) {
	results := make([][]*models.Issue, len(forms))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(importCheckLimit)
	for i, f := range forms {
		g.Go(func() error {
			similar, err := r.FindSimilar(gctx, f.Title)
			if err != nil {
				return fmt.Errorf("check %q: %w", f.Title, err)
			}
			results[i] = similar
			return nil
		})
	}
	return results, g.Wait()
}

// createImportedIssues creates forms in file order. A failed issue is
// reported and skipped.
func createImportedIssues(ctx context.Context, r *issues.Repository, forms []models.IssueFormData) error {
	userID, userEmail := currentUser()
	limit := viper.GetInt("similar.limit")
	created, skipped := 0, 0

	for _, f := range forms {
		issue, similar, err := r.Create(ctx, f, userID, userEmail)
		if err != nil {
			ui.Warning("Skipping issue %q: %v", f.Title, err)
			skipped++
			continue
		}
		created++
		ui.VerboseLog("Created %s: %s", output.ShortID(issue.ID), issue.Title)
		if len(similar) > 0 {
			fmt.Fprintf(ui.Out, "%s %s\n", output.Cyan(output.ShortID(issue.ID)), issue.Title)
			ui.SimilarIssues(similar, limit)
		}
	}

	ui.Success("Created %d issues", created)
	if skipped > 0 {
		ui.Warning("Skipped %d issues", skipped)
	}
	return nil
}

// parseSubIssueNumber checks if a line starts with a sub-item number like "1.1" or "2.3."
// Returns the title text and true if it is one.
func parseSubIssueNumber(line string) (title string, ok bool) {
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(line) || line[i] != '.' {
		return "", false
	}
	i++
	start := i
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i == start {
		return "", false // plain "1. text"
	}
	if i < len(line) && line[i] == '.' {
		i++
	}
	if i >= len(line) || line[i] != ' ' {
		return "", false
	}
	title = strings.TrimSpace(line[i:])
	return title, title != ""
}

// parseMarkdownIssues does a simple parse of markdown list items. Checked
// task items ("- [x] ...") import as done. The surrounding numbered parent
// line becomes the description of a sub-item.
func parseMarkdownIssues(content string) []models.IssueFormData {
	var forms []models.IssueFormData
	lastParent := ""

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)

		if strings.HasPrefix(line, "#") {
			lastParent = ""
			continue
		}

		if sub, ok := parseSubIssueNumber(line); ok {
			forms = append(forms, models.IssueFormData{Title: sub, Description: lastParent}.WithDefaults())
			continue
		}

		title := ""
		numbered := false
		if len(line) > 2 {
			for i, c := range line {
				if c == '.' && i > 0 && i < 4 {
					title = strings.TrimSpace(line[i+1:])
					numbered = true
					break
				}
				if c < '0' || c > '9' {
					break
				}
			}
			if title == "" && (strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ")) {
				title = strings.TrimSpace(line[2:])
			}
		}
		if title == "" {
			continue
		}
		if numbered {
			lastParent = line
		}

		form := models.IssueFormData{}
		switch {
		case strings.HasPrefix(title, "[x]"), strings.HasPrefix(title, "[X]"):
			form.Status = models.StatusDone
			title = strings.TrimSpace(title[3:])
		case strings.HasPrefix(title, "[ ]"):
			title = strings.TrimSpace(title[3:])
		}
		if title == "" {
			continue
		}
		form.Title = title
		forms = append(forms, form.WithDefaults())
	}

	return forms
}
