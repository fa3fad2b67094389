package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"teamsawake/internal/llm"
	"teamsawake/internal/store"
)

var (
	sessionsLimit      int
	sessionsJSON       bool
	notificationsLimit int
	notificationsJSON  bool
	markRead           bool
	summaryRaw         bool
	summaryWidth       int
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List monitoring sessions, newest first",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications [session-id]",
	Short: "List the notifications captured in a session (default: the latest)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runNotifications,
}

var summarizeCmd = &cobra.Command{
	Use:   "summarize [session-id]",
	Short: "Summarize a session's notifications with the configured LLM",
	Long: `Sends the session's notification text to the configured completion
service and stores the summary with the session.

The API key comes from llm.api_key, the provider's environment variable, or
the keyring (see 'teamsawake key set').`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSummarize,
}

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Maximum sessions to list (0 for all)")
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Print JSON")

	notificationsCmd.Flags().IntVarP(&notificationsLimit, "limit", "n", 0, "Maximum notifications to list (0 for all)")
	notificationsCmd.Flags().BoolVar(&notificationsJSON, "json", false, "Print JSON")
	notificationsCmd.Flags().BoolVar(&markRead, "mark-read", false, "Mark the listed notifications as read")

	summarizeCmd.Flags().BoolVar(&summaryRaw, "raw", false, "Print the summary without markdown rendering")
	summarizeCmd.Flags().IntVar(&summaryWidth, "width", 100, "Wrap width for rendered output")
}

func openStore() (*store.Store, error) {
	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}

// sessionArg returns args[0], or the newest session when none is given.
func sessionArg(ctx context.Context, st *store.Store, args []string) (store.SessionRow, error) {
	if len(args) == 1 {
		s, err := st.GetSession(ctx, args[0])
		if errors.Is(err, store.ErrNotFound) {
			return s, fmt.Errorf("no session %q", args[0])
		}
		return s, err
	}
	sessions, err := st.ListSessions(ctx, 1)
	if err != nil {
		return store.SessionRow{}, err
	}
	if len(sessions) == 0 {
		return store.SessionRow{}, errors.New("no sessions recorded yet")
	}
	return sessions[0], nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.ListSessions(ctx, sessionsLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if sessionsJSON {
		if sessions == nil {
			sessions = []store.SessionRow{}
		}
		return writeJSON(out, sessions)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions recorded yet.")
		return nil
	}

	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		ended := "running"
		if s.EndedAt != nil {
			ended = formatTime(*s.EndedAt)
		}
		summary := "-"
		if s.Summary != "" {
			summary = truncate(s.Summary, 40)
		}
		rows = append(rows, []string{
			s.ID,
			formatTime(s.StartedAt),
			ended,
			strconv.Itoa(s.NotificationCount),
			strconv.Itoa(s.UnreadCount),
			summary,
		})
	}
	fmt.Fprintln(out, renderTable([]string{"ID", "STARTED", "ENDED", "NOTIFICATIONS", "UNREAD", "SUMMARY"}, rows))
	return nil
}

func runNotifications(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	sess, err := sessionArg(ctx, st, args)
	if err != nil {
		return err
	}
	records, err := st.ListNotifications(ctx, sess.ID, notificationsLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch {
	case notificationsJSON:
		if err := writeJSON(out, records); err != nil {
			return err
		}
	case len(records) == 0:
		fmt.Fprintf(out, "No notifications in session %s.\n", sess.ID)
	default:
		rows := make([][]string, 0, len(records))
		for _, r := range records {
			read := ""
			if r.IsRead {
				read = "✓"
			}
			rows = append(rows, []string{
				formatTime(r.Timestamp),
				truncate(r.ConversationName, 30),
				truncate(r.From, 24),
				truncate(r.Content, 60),
				read,
			})
		}
		fmt.Fprintln(out, renderTable([]string{"TIME", "CONVERSATION", "FROM", "MESSAGE", "READ"}, rows))
	}

	if markRead {
		for _, r := range records {
			if r.IsRead {
				continue
			}
			if err := st.MarkRead(ctx, r.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
	}
	return nil
}

func runSummarize(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	sess, err := sessionArg(ctx, st, args)
	if err != nil {
		return err
	}
	records, err := st.ListNotifications(ctx, sess.ID, 0)
	if err != nil {
		return err
	}

	completer, err := newCompleter(ctx, cfg)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.LLM.GetTimeout())
	defer cancel()
	summary, err := llm.Summarize(callCtx, completer, records)
	if errors.Is(err, llm.ErrNothingToSummarize) {
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s has no notification text to summarize.\n", sess.ID)
		return nil
	}
	if err != nil {
		return err
	}
	if err := st.SetSummary(ctx, sess.ID, summary); err != nil {
		return err
	}

	return printMarkdown(cmd, summary)
}

func printMarkdown(cmd *cobra.Command, md string) error {
	out := cmd.OutOrStdout()
	if summaryRaw {
		_, err := fmt.Fprintln(out, md)
		return err
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(summaryWidth),
	)
	if err != nil {
		_, err = fmt.Fprintln(out, md)
		return err
	}
	rendered, err := r.Render(md)
	if err != nil {
		_, err = fmt.Fprintln(out, md)
		return err
	}
	_, err = fmt.Fprint(out, rendered)
	return err
}
