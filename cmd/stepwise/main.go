package main

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "stepwise",
	Short: "stepwise runs multi-step tool calling generations and streams their events",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetString("log-level")
		format, _ := cmd.Flags().GetString("log-format")
		return initLogger(level, format, os.Stderr)
	},
	SilenceUsage: true,
}

// initLogger configures the global zerolog logger. The auto format picks
// console output when w is a terminal and JSON otherwise.
func initLogger(level string, format string, w io.Writer) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)

	switch format {
	case "text":
		w = zerolog.ConsoleWriter{Out: w}
	case "json":
	case "", "auto":
		if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			w = zerolog.ConsoleWriter{Out: w}
		}
	default:
		return errors.Errorf("unknown log format %q", format)
	}
	log.Logger = log.Output(w)
	return nil
}

func main() {
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "auto", "Log format (auto, text, json)")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")

	runCmd, err := NewRunCommand()
	cobra.CheckErr(err)
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
