package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/leiMizzou/cc-wf-studio/internal/api"
	"github.com/leiMizzou/cc-wf-studio/internal/config"
	"github.com/leiMizzou/cc-wf-studio/internal/conversation"
	"github.com/leiMizzou/cc-wf-studio/internal/refine"
	"github.com/leiMizzou/cc-wf-studio/internal/session"
	"github.com/leiMizzou/cc-wf-studio/internal/storage"
	"github.com/leiMizzou/cc-wf-studio/internal/workflow"
)

// --- refine ---

var refineCmd = &cobra.Command{
	Use:   "refine <request...>",
	Short: "Refine a workflow once and print the result",
	Long: `Refine a workflow once. By default the refinement runs in this process
against the local data directory; with --remote it goes through the running
server so open conversations stay consistent.

Examples:
  wfstudio refine --workflow review.json --out review.json "add a lint step before review"
  wfstudio refine -c review "make the lint step optional"
  wfstudio refine --remote -c review "rename the workflow to Nightly Review"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, _ := cmd.Flags().GetString("conversation")
		wfPath, _ := cmd.Flags().GetString("workflow")
		outPath, _ := cmd.Flags().GetString("out")
		remote, _ := cmd.Flags().GetBool("remote")
		text := strings.Join(args, " ")

		var wf *workflow.Workflow
		if wfPath != "" {
			data, err := os.ReadFile(wfPath)
			if err != nil {
				return fmt.Errorf("reading workflow: %w", err)
			}
			parsed, err := workflow.Parse(data)
			if err != nil {
				return fmt.Errorf("parsing workflow %s: %w", wfPath, err)
			}
			wf = &parsed
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var (
			report refineReport
			err    error
		)
		if remote {
			report, err = refineRemote(ctx, convID, text, wf)
		} else {
			report, err = refineLocal(ctx, convID, text, wf)
		}
		if err != nil {
			return err
		}
		return writeReport(os.Stdout, report, convID, outPath)
	},
}

func init() {
	refineCmd.Flags().StringP("conversation", "c", "cli", "conversation id")
	refineCmd.Flags().String("workflow", "", "workflow JSON file to refine (replaces the conversation's workflow)")
	refineCmd.Flags().String("out", "", "write the refined workflow to this file instead of stdout")
	refineCmd.Flags().Bool("remote", false, "refine through the running server")
}

// refineReport is the settled state of one refinement.
type refineReport struct {
	RequestID        string
	Reply            *conversation.Message
	CurrentIteration int
	MaxIterations    int
	// Workflow is set only when the refinement produced a new workflow.
	Workflow *workflow.Workflow
}

// refiner is the part of session.Manager that refineOnce drives.
type refiner interface {
	Open(conversationID string, wf *workflow.Workflow) (session.Snapshot, error)
	Submit(conversationID, text string) (session.Ticket, error)
	Cancel(requestID string) bool
	View(conversationID string) (session.Snapshot, error)
}

func refineLocal(ctx context.Context, convID, text string, wf *workflow.Workflow) (refineReport, error) {
	cfg, err := config.Load()
	if err != nil {
		return refineReport{}, err
	}
	st, err := newStack(cfg, newLogger(cfg.Log.Level))
	if err != nil {
		return refineReport{}, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second+cfg.Agent.GracePeriod)
		defer cancel()
		if err := st.close(closeCtx); err != nil {
			printWarning("%v", err)
		}
	}()
	return refineOnce(ctx, st.sessions, st.store, convID, text, wf)
}

// refineOnce submits text and waits for its outcome. Interrupting ctx cancels
// the request and still waits for it to settle, so nothing is left running.
func refineOnce(ctx context.Context, r refiner, runs api.Records, convID, text string, wf *workflow.Workflow) (refineReport, error) {
	if _, err := r.Open(convID, wf); err != nil {
		return refineReport{}, err
	}

	ticket, err := r.Submit(convID, text)
	if errors.Is(err, conversation.ErrIterationLimit) {
		return refineReport{}, fmt.Errorf("%w; run \"wfstudio history clear %s\" to start over", err, convID)
	}
	if err != nil {
		return refineReport{}, err
	}

	select {
	case <-ticket.Done:
	case <-ctx.Done():
		r.Cancel(ticket.RequestID)
		<-ticket.Done
		return refineReport{}, errors.New("refinement cancelled")
	}

	snap, err := r.View(convID)
	if err != nil {
		return refineReport{}, err
	}
	report := refineReport{
		RequestID:        ticket.RequestID,
		CurrentIteration: snap.History.CurrentIteration,
		MaxIterations:    snap.History.MaxIterations,
	}
	if msg, ok := snap.History.Find(ticket.MessageID); ok {
		report.Reply = &msg
	}
	run, err := runs.GetRun(ticket.RequestID)
	if err != nil {
		return refineReport{}, fmt.Errorf("loading run %s: %w", ticket.RequestID, err)
	}
	if run.Outcome == string(refine.OutcomeSuccess) {
		report.Workflow = snap.Workflow
	}
	return report, nil
}

func refineRemote(ctx context.Context, convID, text string, wf *workflow.Workflow) (refineReport, error) {
	client, err := newAPIClient()
	if err != nil {
		return refineReport{}, err
	}
	return refineVia(ctx, client, convID, text, wf)
}

func refineVia(ctx context.Context, client *apiClient, convID, text string, wf *workflow.Workflow) (refineReport, error) {
	path := "/conversations/" + url.PathEscape(convID)
	if wf != nil {
		resp, err := client.do(ctx, "PUT", path, map[string]any{"workflow": wf})
		if err != nil {
			return refineReport{}, err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return refineReport{}, err
		}
	}

	resp, err := client.post(ctx, path+"/messages?wait=true", api.SubmitRequest{Text: text})
	if err != nil {
		return refineReport{}, err
	}
	var tr api.TicketResponse
	if err := decodeJSON(resp, &tr); err != nil {
		return refineReport{}, err
	}
	if tr.Conversation == nil {
		return refineReport{}, errors.New("server did not wait for the outcome")
	}

	report := refineReport{
		RequestID:        tr.RequestID,
		CurrentIteration: tr.Conversation.History.CurrentIteration,
		MaxIterations:    tr.Conversation.History.MaxIterations,
	}
	if msg, ok := tr.Conversation.History.Find(tr.MessageID); ok {
		report.Reply = &msg
	}

	resp, err = client.get(ctx, "/runs/"+url.PathEscape(tr.RequestID))
	if err != nil {
		return refineReport{}, err
	}
	var run storage.Run
	if err := decodeJSON(resp, &run); err != nil {
		return refineReport{}, err
	}
	if run.Outcome == string(refine.OutcomeSuccess) {
		report.Workflow = tr.Conversation.Workflow
	}
	return report, nil
}

// writeReport prints the agent's reply to stderr and the refined workflow to
// w or outPath. A failed refinement is returned as an error.
func writeReport(w io.Writer, r refineReport, convID, outPath string) error {
	if r.Reply == nil {
		return errors.New("refinement was cancelled")
	}
	printMessage(os.Stderr, *r.Reply)
	printStatus("Iteration", "%d/%d", r.CurrentIteration, r.MaxIterations)

	if r.Reply.IsError {
		if r.Reply.ErrorKind.Retryable() {
			return fmt.Errorf("refinement failed (%s); run \"wfstudio retry %s %s\" with the server running, or refine again", r.Reply.ErrorKind, convID, r.Reply.ID)
		}
		return fmt.Errorf("refinement failed (%s)", r.Reply.ErrorKind)
	}
	if r.Workflow == nil {
		// A clarifying question; the reply is the whole answer.
		return nil
	}

	data, err := json.MarshalIndent(r.Workflow, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding workflow: %w", err)
	}
	data = append(data, '\n')
	if outPath == "" {
		_, err := w.Write(data)
		return err
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("writing workflow: %w", err)
	}
	printSuccess("Wrote refined workflow to %s", outPath)
	return nil
}

// --- retry / cancel ---

var retryCmd = &cobra.Command{
	Use:   "retry <conversation-id> <message-id>",
	Short: "Retry a failed agent reply on the running server",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/conversations/%s/messages/%s/retry?wait=true", url.PathEscape(args[0]), url.PathEscape(args[1]))
		resp, err := client.post(cmd.Context(), path, nil)
		if err != nil {
			return err
		}
		var tr api.TicketResponse
		if err := decodeJSON(resp, &tr); err != nil {
			return err
		}
		if tr.Conversation != nil {
			if msg, ok := tr.Conversation.History.Find(tr.MessageID); ok {
				printMessage(os.Stdout, msg)
			}
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <request-id>",
	Short: "Cancel an in-flight refinement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/requests/"+url.PathEscape(args[0])+"/cancel", nil)
		if err != nil {
			return err
		}
		var result struct {
			Cancelled bool `json:"cancelled"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if !result.Cancelled {
			printWarning("Request %s is not running", args[0])
			return nil
		}
		printSuccess("Cancelled request %s", args[0])
		return nil
	},
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show, clear or delete conversations",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/conversations?limit=%d", limit))
		if err != nil {
			return err
		}
		var convs []api.ConversationSummary
		if err := decodeJSON(resp, &convs); err != nil {
			return err
		}

		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range convs {
			fmt.Printf("%s  %s  %d messages  iteration %d/%d\n",
				colorize(colorCyan, c.ID),
				c.UpdatedAt.Local().Format(time.DateTime),
				c.Messages,
				c.CurrentIteration,
				c.MaxIterations,
			)
		}
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Show a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/conversations/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var snap session.Snapshot
		if err := decodeJSON(resp, &snap); err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		printConversation(os.Stdout, snap)
		return nil
	},
}

func printConversation(w io.Writer, snap session.Snapshot) {
	if len(snap.History.Messages) == 0 {
		fmt.Fprintln(w, "No messages.")
	}
	for _, m := range snap.History.Messages {
		printMessage(w, m)
	}
	fmt.Fprintf(w, "\niteration %d/%d", snap.History.CurrentIteration, snap.History.MaxIterations)
	if snap.Processing {
		fmt.Fprintf(w, ", refining (request %s)", snap.RequestID)
	}
	fmt.Fprintln(w)
}

var historyClearCmd = &cobra.Command{
	Use:   "clear <conversation-id>",
	Short: "Delete every message and reset the iteration budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/conversations/"+url.PathEscape(args[0])+"/messages")
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Cleared conversation %s", args[0])
		return nil
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a conversation and its workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/conversations/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted conversation %s", args[0])
		return nil
	},
}

func init() {
	historyListCmd.Flags().Int("limit", 20, "maximum number of conversations to list")
	historyShowCmd.Flags().Bool("json", false, "print the raw conversation JSON")
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyClearCmd)
	historyCmd.AddCommand(historyDeleteCmd)
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the refinement audit log",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent refinements",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		convID, _ := cmd.Flags().GetString("conversation")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("limit", fmt.Sprint(limit))
		if convID != "" {
			q.Set("conversation_id", convID)
		}
		resp, err := client.get(cmd.Context(), "/runs?"+q.Encode())
		if err != nil {
			return err
		}
		var runs []storage.Run
		if err := decodeJSON(resp, &runs); err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No runs found.")
			return nil
		}
		for _, r := range runs {
			fmt.Println(formatRun(r))
		}
		return nil
	},
}

func formatRun(r storage.Run) string {
	outcome := r.Outcome
	switch r.Outcome {
	case string(refine.OutcomeSuccess):
		outcome = colorize(colorGreen, outcome)
	case string(refine.OutcomeFailed):
		outcome = colorize(colorRed, outcome+" "+r.ErrorKind)
	default:
		outcome = colorize(colorYellow, outcome)
	}
	id := r.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s  %s  %-10s %6dms  %s  %s",
		colorize(colorCyan, id),
		r.CreatedAt.Local().Format(time.DateTime),
		r.ConversationID,
		r.DurationMs,
		outcome,
		truncate(r.UserText, 60),
	)
}

var runsShowCmd = &cobra.Command{
	Use:   "show <request-id>",
	Short: "Show one refinement with its state trace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/runs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var run any
		if err := decodeJSON(resp, &run); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

func init() {
	runsListCmd.Flags().Int("limit", 20, "maximum number of runs to list")
	runsListCmd.Flags().String("conversation", "", "only runs of this conversation")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
