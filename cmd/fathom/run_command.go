package main

import (
	"strings"

	"github.com/spf13/cobra"

	"fathom/internal/daemonrun"
)

// newRunCommand runs the daemon in the foreground. `fathom start` launches
// this command as a detached process; it is hidden because operators normally
// interact with start/stop/restart instead.
func newRunCommand(ctx *commandContext) *cobra.Command {
	var development bool
	var logLevel string

	cmd := &cobra.Command{
		Use:          "run",
		Short:        "Run the fathom daemon in the foreground",
		Hidden:       true,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			level := strings.TrimSpace(logLevel)
			if level == "" {
				level = cfg.Logging.Level
			}
			var socket string
			if ctx.socketFlag != nil {
				socket = strings.TrimSpace(*ctx.socketFlag)
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:    level,
				Development: development,
				SocketPath:  socket,
			})
		},
	}
	cmd.Flags().BoolVar(&development, "development", false, "Use human-readable console logs")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	return cmd
}
