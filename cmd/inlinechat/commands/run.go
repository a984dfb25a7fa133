package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/inlinechat/internal/agent"
	"github.com/opencode-ai/inlinechat/internal/controller"
	"github.com/opencode-ai/inlinechat/internal/provider"
	"github.com/opencode-ai/inlinechat/pkg/types"
)

var (
	runModel   string
	runMessage string
	runRange   string
	runAccept  bool
	runOpen    []string
	runEvents  string
)

var runCmd = &cobra.Command{
	Use:   "run <file> [message...]",
	Short: "Edit a file with a language model",
	Long: `Start an inline chat session on a file. The model's edits are streamed
into the file's buffer and shown as a diff for review.

Examples:
  inlinechat run main.go -m "rename foo to bar"
  inlinechat run main.go --range 10:24 "add error handling"
  inlinechat run --model openai/gpt-4o --accept main.go "add doc comments"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInteractive,
}

func init() {
	runCmd.Flags().StringVar(&runModel, "model", "", "Model to use (provider/model format)")
	runCmd.Flags().StringVarP(&runMessage, "message", "m", "", "Instruction for the model")
	runCmd.Flags().StringVarP(&runRange, "range", "r", "", "Lines to edit (start:end)")
	runCmd.Flags().BoolVar(&runAccept, "accept", false, "Accept the edits without asking")
	runCmd.Flags().StringArrayVar(&runOpen, "open", nil, "Additional file(s) the model may move to")
	runCmd.Flags().StringVar(&runEvents, "events", "", "Write session events as JSON lines to a file (- for stdout)")
}

func runInteractive(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	dir, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runModel != "" {
		cfg.Model = runModel
	}

	p, err := provider.FromConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}

	message := runMessage
	if message == "" {
		message = strings.Join(args[1:], " ")
	}
	return edit(ctx, cmd, agent.NewLLMAgent(p.ID(), p.ChatModel()), dir, cfg, editArgs{
		File:    args[0],
		Others:  runOpen,
		Message: message,
		Range:   runRange,
		Accept:  runAccept,
		Events:  runEvents,
	})
}

type editArgs struct {
	File    string
	Others  []string
	Message string
	Range   string
	Accept  bool
	Events  string
}

// edit opens the files, drives one session and writes accepted or paused
// changes back to disk.
func edit(ctx context.Context, cmd *cobra.Command, a agent.Agent, dir string, cfg *types.Config, args editArgs) error {
	e, err := newEditor(cmd.OutOrStdout(), a, dir, cfg)
	if err != nil {
		return err
	}
	defer e.close()

	if args.Events != "" {
		if err := e.logEvents(ctx, args.Events); err != nil {
			return err
		}
	}

	doc, err := e.open(append([]string{args.File}, args.Others...)...)
	if err != nil {
		return err
	}
	selection, err := parseLineRange(doc, args.Range)
	if err != nil {
		return err
	}

	final, err := e.drive(ctx, doc, driveOptions{
		Message:   args.Message,
		Selection: selection,
		Accept:    args.Accept,
		In:        cmd.InOrStdin(),
		Out:       cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	switch final {
	case controller.StateAccept:
		if err := e.saveAll(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "changes accepted")
	case controller.StatePause:
		if err := e.saveAll(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "session paused, changes kept")
	default:
		fmt.Fprintln(cmd.OutOrStdout(), "changes discarded")
	}
	return nil
}
