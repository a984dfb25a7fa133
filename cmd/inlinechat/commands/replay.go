package commands

import (
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/inlinechat/internal/agent"
)

var (
	replayMessage string
	replayRange   string
	replayAccept  bool
	replayOpen    []string
	replayEvents  string
)

var replayCmd = &cobra.Command{
	Use:   "replay <file> <script.yaml> [message...]",
	Short: "Replay a scripted response against a file",
	Long: `Run an inline chat session whose responses come from a YAML script
instead of a model. Useful to reproduce sessions and for demos.

Examples:
  inlinechat replay main.go rename.yaml -m "rename foo"
  inlinechat replay --accept main.go rename.yaml`,
	Args: cobra.MinimumNArgs(2),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVarP(&replayMessage, "message", "m", "", "Instruction matched against the script")
	replayCmd.Flags().StringVarP(&replayRange, "range", "r", "", "Lines to edit (start:end)")
	replayCmd.Flags().BoolVar(&replayAccept, "accept", false, "Accept the edits without asking")
	replayCmd.Flags().StringArrayVar(&replayOpen, "open", nil, "Additional file(s) the script may move to")
	replayCmd.Flags().StringVar(&replayEvents, "events", "", "Write session events as JSON lines to a file (- for stdout)")
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	dir, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	script, err := agent.LoadScript(args[1])
	if err != nil {
		return err
	}

	message := replayMessage
	if message == "" {
		message = strings.Join(args[2:], " ")
	}
	if message == "" {
		message = "replay"
	}
	if err := edit(ctx, cmd, script, dir, cfg, editArgs{
		File:    args[0],
		Others:  replayOpen,
		Message: message,
		Range:   replayRange,
		Accept:  replayAccept,
		Events:  replayEvents,
	}); err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}
	return nil
}
