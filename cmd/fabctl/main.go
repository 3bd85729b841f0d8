// fabctl drives financial-analyst agent evaluations from the
// terminal: a self-contained demo run, CSV batch evaluations against
// a live candidate, and the full HTTP service.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// version is stamped by the build; dev builds report "dev".
var version = "dev"

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fabctl",
		Short: "Evaluate financial-analyst agents from the command line",
		Long: `fabctl runs the evaluation engine without a deployment: score the
bundled demo task against a scripted candidate, run a CSV dataset
against a live agent endpoint, or start the HTTP service.

Configuration follows the service: config/fabench.yaml (or
CONFIG_PATH), FABENCH_* environment variables, and a local .env file.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().BoolP("verbose", "v", false, "Log engine internals to stderr")

	root.AddCommand(newDemoCmd())
	root.AddCommand(newBatchCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fabctl %s\n", version)
		},
	}
}

// commandLogger returns a console logger when --verbose is set and a
// no-op logger otherwise, so rendered output stays clean by default.
func commandLogger(cmd *cobra.Command) *zap.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	if !verbose {
		return zap.NewNop()
	}
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
