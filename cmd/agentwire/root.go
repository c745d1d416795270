package main

import (
	"os"
	"sync"

	"github.com/danmuck/agentwire/internal/logging"
	"github.com/danmuck/agentwire/internal/observability"
	"github.com/spf13/cobra"
)

var (
	// Version is injected during build.
	Version = "dev"

	loggerOnce sync.Once
)

func newRootCmd() *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:   "agentwire",
		Short: "agentwire runs the controller and remote-client ends of a framed TCP control session",
		Long: `agentwire connects a local controller to a remote client over a plain TCP stream.
Messages are UTF-8 text terminated by a case-insensitive end-of-message marker,
and every stream starts with a PROTOCOLVERSION handshake.

Run "agentwire listen" on the machine being driven and "agentwire dial" on the
controlling side. Both accept a TOML or YAML config file.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			loggerOnce.Do(func() {
				if logLevel != "" {
					_ = os.Setenv(logging.EnvLogLevel, logLevel)
				}
				observability.InitLogger("agentwire")
			})
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace|debug|info|warn|error|off)")

	root.AddCommand(newListenCmd())
	root.AddCommand(newDialCmd())
	root.AddCommand(newPortsCmd())
	root.AddCommand(newConfigCmd())
	return root
}
