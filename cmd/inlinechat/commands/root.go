// Package commands provides the CLI commands for inline chat.
package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/inlinechat/internal/config"
	"github.com/opencode-ai/inlinechat/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
	workDir   string
	noColor   bool
	quiet     bool
)

var logCloser io.Closer

var rootCmd = &cobra.Command{
	Use:   "inlinechat",
	Short: "Inline chat - AI edits applied straight into your files",
	Long: `Inline chat asks a language model to change a region of a file and
streams the edits into it. Changes can be reviewed, accepted or discarded.

Run 'inlinechat run <file> -m "<instruction>"' to start a session, or
'inlinechat replay <file> <script.yaml>' to replay a scripted response.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// provider keys may live in a .env file next to the project
		_ = godotenv.Load()
		return initLogging()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
			logCloser = nil
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVar(&workDir, "directory", "", "Project directory (defaults to the current directory)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Only print errors and prompts")

	rootCmd.SetVersionTemplate(fmt.Sprintf("inlinechat %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(historyCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

func initLogging() error {
	level := logLevel
	if level == "" {
		level = os.Getenv("INLINECHAT_LOG_LEVEL")
	}
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(level)
	if printLogs {
		cfg.Pretty = true
	} else {
		cfg.File = config.GetPaths().LogPath()
	}
	closer, err := logging.Init(cfg)
	if err != nil {
		return err
	}
	logCloser = closer
	return nil
}
