package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/triage/internal/clock"
	"github.com/joescharf/triage/internal/issues"
	"github.com/joescharf/triage/internal/lifecycle"
	"github.com/joescharf/triage/internal/models"
	"github.com/joescharf/triage/internal/output"
	"github.com/joescharf/triage/internal/similarity"
)

var (
	issueTitle    string
	issueDesc     string
	issuePriority string
	issueStatus   string
	issueAssign   string
	issueWatch    bool

	// add has its own defaults; sharing vars with list would reset them.
	issueAddPriority string
	issueAddStatus   string
)

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Manage issues",
	Long:  "File, list and move issues through open, in_progress and done.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueListRun()
	},
}

var issueAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new issue",
	Long:  "Add a new issue. Existing issues with a similar title are listed as possible duplicates.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueAddRun()
	},
}

var issueListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List issues, newest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueListRun()
	},
}

var issueShowCmd = &cobra.Command{
	Use:   "show <issue-id>",
	Short: "Show issue details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueShowRun(args[0])
	},
}

var issueStatusCmd = &cobra.Command{
	Use:   "status <issue-id> <open|in_progress|done>",
	Short: "Move an issue to a new status",
	Long:  "Move an issue to a new status. An open issue must be started (in_progress) before it can be done.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueStatusRun(args[0], args[1])
	},
}

var issuePriorityCmd = &cobra.Command{
	Use:   "priority <issue-id> <low|medium|high>",
	Short: "Change an issue's priority",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issuePriorityRun(args[0], args[1])
	},
}

var issueUpdateCmd = &cobra.Command{
	Use:   "update <issue-id>",
	Short: "Update an issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueUpdateRun(cmd, args[0])
	},
}

var issueDeleteCmd = &cobra.Command{
	Use:     "delete <issue-id>",
	Aliases: []string{"rm"},
	Short:   "Delete an issue",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueDeleteRun(args[0])
	},
}

var issueSimilarCmd = &cobra.Command{
	Use:   "similar [title]",
	Short: "Find issues similar to a title",
	Long: `Find existing issues whose title or description share at least half of
the words in the given title.

With --watch, titles are read line by line from stdin and checked after the
configured quiet period (similar.debounce); only the latest line is reported.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if issueWatch {
			return issueSimilarWatchRun(cmd.Context(), os.Stdin)
		}
		if len(args) == 0 {
			return fmt.Errorf("a title is required (or use --watch)")
		}
		return issueSimilarRun(args[0])
	},
}

func init() {
	issueAddCmd.Flags().StringVar(&issueTitle, "title", "", "Issue title (required)")
	issueAddCmd.Flags().StringVar(&issueDesc, "desc", "", "Issue description")
	issueAddCmd.Flags().StringVar(&issueAddPriority, "priority", string(models.DefaultPriority), "Priority: low, medium, high")
	issueAddCmd.Flags().StringVar(&issueAddStatus, "status", string(models.DefaultStatus), "Initial status: open, in_progress, done")
	issueAddCmd.Flags().StringVar(&issueAssign, "assign", "", "Assignee")
	_ = issueAddCmd.MarkFlagRequired("title")

	issueListCmd.Flags().StringVar(&issueStatus, "status", "", "Filter by status: open, in_progress, done")
	issueListCmd.Flags().StringVar(&issuePriority, "priority", "", "Filter by priority: low, medium, high")

	issueUpdateCmd.Flags().StringVar(&issueStatus, "status", "", "New status")
	issueUpdateCmd.Flags().StringVar(&issuePriority, "priority", "", "New priority")
	issueUpdateCmd.Flags().StringVar(&issueTitle, "title", "", "New title")
	issueUpdateCmd.Flags().StringVar(&issueDesc, "desc", "", "New description")
	issueUpdateCmd.Flags().StringVar(&issueAssign, "assign", "", "New assignee (empty string unassigns)")

	issueSimilarCmd.Flags().BoolVarP(&issueWatch, "watch", "w", false, "Read titles from stdin and check each after a quiet period")

	issueCmd.AddCommand(issueAddCmd)
	issueCmd.AddCommand(issueListCmd)
	issueCmd.AddCommand(issueShowCmd)
	issueCmd.AddCommand(issueStatusCmd)
	issueCmd.AddCommand(issuePriorityCmd)
	issueCmd.AddCommand(issueUpdateCmd)
	issueCmd.AddCommand(issueDeleteCmd)
	issueCmd.AddCommand(issueSimilarCmd)
	rootCmd.AddCommand(issueCmd)
}

func issueAddRun() error {
	r, err := getRepository()
	if err != nil {
		return err
	}
	ctx := context.Background()

	priority, err := models.ParsePriority(issueAddPriority)
	if err != nil {
		return err
	}
	status, err := models.ParseStatus(issueAddStatus)
	if err != nil {
		return err
	}
	form := models.IssueFormData{
		Title:       issueTitle,
		Description: issueDesc,
		Priority:    priority,
		Status:      status,
		AssignedTo:  issueAssign,
	}

	if dryRun {
		if err := form.Validate(); err != nil {
			return err
		}
		similar, err := r.FindSimilar(ctx, form.Title)
		if err == nil {
			ui.SimilarIssues(similar, viper.GetInt("similar.limit"))
		}
		ui.DryRunMsg("Would add issue: %s [%s/%s]", form.Title, form.Priority, form.Status)
		return nil
	}

	userID, userEmail := currentUser()
	issue, similar, err := r.Create(ctx, form, userID, userEmail)
	if err != nil {
		return err
	}

	ui.SimilarIssues(similar, viper.GetInt("similar.limit"))
	ui.Success("Created issue %s: %s", output.Cyan(output.ShortID(issue.ID)), issue.Title)
	return nil
}

func issueListRun() error {
	r, err := getRepository()
	if err != nil {
		return err
	}
	ctx := context.Background()

	var filter issues.ListFilter
	if issueStatus != "" {
		s, err := models.ParseStatus(issueStatus)
		if err != nil {
			return err
		}
		filter.Status = &s
	}
	if issuePriority != "" {
		p, err := models.ParsePriority(issuePriority)
		if err != nil {
			return err
		}
		filter.Priority = &p
	}

	list, err := r.List(ctx, filter)
	if err != nil {
		return err
	}

	if len(list) == 0 {
		ui.Info("No issues found.")
		return nil
	}

	table := ui.Table([]string{"ID", "Title", "Status", "Priority", "Assignee", "Created"})
	for _, issue := range list {
		_ = table.Append([]string{
			output.ShortID(issue.ID),
			issue.Title,
			output.StatusColor(issue.Status),
			output.PriorityColor(issue.Priority),
			issue.AssignedTo,
			issue.CreatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	_ = table.Render()
	return nil
}

func issueShowRun(id string) error {
	r, err := getRepository()
	if err != nil {
		return err
	}
	ctx := context.Background()

	issue, err := r.Resolve(ctx, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(output.ShortID(issue.ID)), issue.Title)
	fmt.Fprintf(ui.Out, "  Status:     %s\n", output.StatusColor(issue.Status))
	fmt.Fprintf(ui.Out, "  Priority:   %s\n", output.PriorityColor(issue.Priority))
	if issue.Description != "" {
		fmt.Fprintf(ui.Out, "  Desc:       %s\n", issue.Description)
	}
	if issue.AssignedTo != "" {
		fmt.Fprintf(ui.Out, "  Assignee:   %s\n", issue.AssignedTo)
	}
	fmt.Fprintf(ui.Out, "  Created:    %s\n", issue.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(ui.Out, "  Created by: %s\n", issue.CreatedByEmail)
	fmt.Fprintf(ui.Out, "  Next:       %s\n", allowedTargetsString(issue.Status))
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", issue.ID)

	return nil
}

// allowedTargetsString lists the statuses an issue can move to.
func allowedTargetsString(current models.Status) string {
	var names []string
	for _, s := range lifecycle.AllowedTargets(current) {
		if s != current {
			names = append(names, string(s))
		}
	}
	return strings.Join(names, ", ")
}

func issueStatusRun(id, raw string) error {
	r, err := getRepository()
	if err != nil {
		return err
	}
	ctx := context.Background()

	next, err := models.ParseStatus(raw)
	if err != nil {
		return err
	}
	issue, err := r.Resolve(ctx, id)
	if err != nil {
		return err
	}

	if dryRun {
		if err := lifecycle.ValidateTransition(issue.Status, next); err != nil {
			return err
		}
		ui.DryRunMsg("Would move issue %s from %s to %s", output.ShortID(issue.ID), issue.Status, next)
		return nil
	}

	updated, err := r.UpdateStatus(ctx, issue.ID, next)
	if err != nil {
		return err
	}

	ui.Success("Issue %s is now %s", output.Cyan(output.ShortID(updated.ID)), output.StatusColor(updated.Status))
	return nil
}

func issuePriorityRun(id, raw string) error {
	r, err := getRepository()
	if err != nil {
		return err
	}
	ctx := context.Background()

	next, err := models.ParsePriority(raw)
	if err != nil {
		return err
	}
	issue, err := r.Resolve(ctx, id)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would set priority of issue %s to %s", output.ShortID(issue.ID), next)
		return nil
	}

	updated, err := r.UpdatePriority(ctx, issue.ID, next)
	if err != nil {
		return err
	}

	ui.Success("Issue %s priority is now %s", output.Cyan(output.ShortID(updated.ID)), output.PriorityColor(updated.Priority))
	return nil
}

func issueUpdateRun(cmd *cobra.Command, id string) error {
	r, err := getRepository()
	if err != nil {
		return err
	}
	ctx := context.Background()

	var patch models.IssuePatch
	if cmd.Flags().Changed("status") {
		s, err := models.ParseStatus(issueStatus)
		if err != nil {
			return err
		}
		patch.Status = &s
	}
	if cmd.Flags().Changed("priority") {
		p, err := models.ParsePriority(issuePriority)
		if err != nil {
			return err
		}
		patch.Priority = &p
	}
	if cmd.Flags().Changed("title") {
		patch.Title = &issueTitle
	}
	if cmd.Flags().Changed("desc") {
		patch.Description = &issueDesc
	}
	if cmd.Flags().Changed("assign") {
		patch.AssignedTo = &issueAssign
	}

	if patch.IsEmpty() {
		return fmt.Errorf("no updates specified (use --status, --priority, --title, --desc, or --assign)")
	}

	issue, err := r.Resolve(ctx, id)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would update issue %s", output.ShortID(issue.ID))
		return nil
	}

	if _, err := r.Update(ctx, issue.ID, patch); err != nil {
		return err
	}

	ui.Success("Updated issue %s", output.Cyan(output.ShortID(issue.ID)))
	return nil
}

func issueDeleteRun(id string) error {
	r, err := getRepository()
	if err != nil {
		return err
	}
	ctx := context.Background()

	issue, err := r.Resolve(ctx, id)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would delete issue %s: %s", output.ShortID(issue.ID), issue.Title)
		return nil
	}

	if err := r.Delete(ctx, issue.ID); err != nil {
		return err
	}

	ui.Success("Deleted issue %s: %s", output.Cyan(output.ShortID(issue.ID)), issue.Title)
	return nil
}

func issueSimilarRun(title string) error {
	r, err := getRepository()
	if err != nil {
		return err
	}

	similar, err := r.FindSimilar(context.Background(), title)
	if err != nil {
		return err
	}
	if len(similar) == 0 {
		ui.Info("No similar issues found.")
		return nil
	}
	printSimilarTable(similar, viper.GetInt("similar.limit"))
	return nil
}

func printSimilarTable(similar []*models.Issue, limit int) {
	table := ui.Table([]string{"ID", "Title", "Status", "Priority"})
	for _, issue := range similarity.Truncate(similar, limit) {
		_ = table.Append([]string{
			output.ShortID(issue.ID),
			issue.Title,
			output.StatusColor(issue.Status),
			output.PriorityColor(issue.Priority),
		})
	}
	_ = table.Render()
	if rest := len(similar) - limit; limit >= 0 && rest > 0 {
		ui.Info("... and %d more", rest)
	}
}

// issueSimilarWatchRun checks each line read from in as a draft title. A
// line that arrives within the debounce window replaces the previous one.
func issueSimilarWatchRun(ctx context.Context, in io.Reader) error {
	r, err := getRepository()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		mu            sync.Mutex
		lastTriggered string
		lastDelivered string
		delivered     = make(chan struct{}, 1)
	)
	limit := viper.GetInt("similar.limit")

	deb := similarity.NewDebouncer(clock.Real(), viper.GetDuration("similar.debounce"), r.FindSimilar,
		func(title string, similar []*models.Issue, err error) {
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				ui.Warning("Similar check failed for %q: %v", title, err)
			case len(similar) == 0:
				ui.Info("%s: no similar issues", title)
			default:
				ui.Info("%s:", title)
				printSimilarTable(similar, limit)
			}
			lastDelivered = title
			select {
			case delivered <- struct{}{}:
			default:
			}
		})
	defer deb.Stop()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		title := strings.TrimSpace(scanner.Text())
		if title == "" {
			continue
		}
		mu.Lock()
		lastTriggered = title
		mu.Unlock()
		deb.Trigger(ctx, title)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read titles: %w", err)
	}

	// Wait for the final check before exiting.
	wait := viper.GetDuration("similar.debounce") + 10*time.Second
	for {
		mu.Lock()
		done := lastTriggered == "" || lastTriggered == lastDelivered
		mu.Unlock()
		if done {
			return nil
		}
		select {
		case <-delivered:
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			return fmt.Errorf("timed out waiting for similar issue check")
		}
	}
}
