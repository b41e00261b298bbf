// Package commands defines the vgdb command line. The root command runs the
// adapter; serving flags and subcommands hang off it.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/khng300/vgdb/pkg/logger"
)

func NewRootCmd(log *logger.Logger) (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		SilenceErrors: true,
		Use:           "vgdb",
		Short:         "Debug Adapter Protocol bridge for GDB-compatible debuggers",
		Long: `vgdb connects a Debug Adapter Protocol client, such as an editor debugging
UI, to a debugger engine that speaks the GDB machine interface.

By default (no command specified), this executable serves one debug session
over stdin/stdout. With --listen it serves sessions over TCP instead.
`,
		PersistentPreRun: LogVersion(log.Logger, "Starting vgdb"),
		RunE:             runServe(log),
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	var err error
	var cmd *cobra.Command

	if cmd, err = NewVersionCommand(log.Logger); err != nil {
		return nil, fmt.Errorf("could not set up 'version' command: %w", err)
	} else {
		rootCmd.AddCommand(cmd)
	}

	AddServeFlags(rootCmd.Flags())
	log.AddLevelFlag(rootCmd.PersistentFlags())

	return rootCmd, nil
}
