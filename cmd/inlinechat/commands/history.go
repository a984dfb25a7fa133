package commands

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/inlinechat/internal/config"
	"github.com/opencode-ai/inlinechat/internal/session"
	"github.com/opencode-ai/inlinechat/internal/storage"
	"github.com/opencode-ai/inlinechat/pkg/types"
)

var (
	historyLimit int
	historyClear bool
)

var historyCmd = &cobra.Command{
	Use:   "history [session-id]",
	Short: "List past inline chat sessions of the project",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of sessions to show")
	historyCmd.Flags().BoolVar(&historyClear, "clear", false, "Delete the recorded sessions of the project")
}

func runHistory(cmd *cobra.Command, args []string) error {
	dir, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	color.NoColor = color.NoColor || noColor

	store := storage.New(config.GetPaths().StoragePath())
	sessions := session.NewService(nil, cfg.InlineChat, session.WithStorage(store, dir))
	out := cmd.OutOrStdout()

	switch {
	case historyClear:
		n, err := sessions.ClearHistory(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to clear history: %w", err)
		}
		fmt.Fprintf(out, "removed %d sessions\n", n)
		return nil
	case len(args) == 1:
		rec, err := sessions.Record(cmd.Context(), args[0])
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("no session %s", args[0])
		}
		if err != nil {
			return fmt.Errorf("failed to read session: %w", err)
		}
		printRecord(out, rec)
		return nil
	}

	records, err := sessions.History(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "no sessions yet")
		return nil
	}
	if historyLimit > 0 && len(records) > historyLimit {
		records = records[:historyLimit]
	}
	for _, rec := range records {
		printRecord(out, &rec)
	}
	return nil
}

func printRecord(out io.Writer, rec *types.SessionRecord) {
	released := time.UnixMilli(rec.Time.Released).Format("2006-01-02 15:04")
	fmt.Fprintf(out, "%s %s %s %s\n",
		color.New(color.FgHiBlack).Sprint(released),
		outcomeColor(rec.Outcome).Sprintf("%-8s", rec.Outcome),
		rec.URI,
		color.New(color.FgHiBlack).Sprint(rec.ID),
	)
	for _, req := range rec.Requests {
		line := fmt.Sprintf("  › %s (%d edits)", req.Message, req.Edits)
		if req.Error != "" {
			line += color.New(color.FgRed).Sprintf(" error: %s", req.Error)
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(out, "  hunks: %d accepted, %d discarded, %d pending\n",
		rec.Hunks.Accepted, rec.Hunks.Discarded, rec.Hunks.Pending)
}

func outcomeColor(o types.SessionOutcome) *color.Color {
	switch o {
	case types.OutcomeAccepted:
		return color.New(color.FgGreen)
	case types.OutcomeCanceled:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgYellow)
	}
}
