// infuse-gateway — host-side gateway for Infuse-IoT devices
//
// The gateway bridges a local transport (USB serial or Segger RTT) to the
// IPC bus other Infuse tools subscribe to, decrypting and routing ePackets
// in both directions and holding Bluetooth connections open on behalf of
// clients.
//
// Usage:
//
//	infuse-gateway run                       # start the gateway service
//	infuse-gateway run --serial /dev/ttyACM0
//	infuse-gateway config show               # print the active configuration
//	infuse-gateway provision                 # store the cloud API credential
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/infuse-iot/gateway/pkg/config"
	"github.com/infuse-iot/gateway/pkg/util"
	"github.com/infuse-iot/gateway/pkg/version"
)

var (
	configPath string
	verbose    bool
	jsonLogs   bool

	cfg *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "infuse-gateway",
	Short:             "Host-side gateway for Infuse-IoT devices",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			util.SetLogLevel("debug")
		}
		if jsonLogs {
			util.SetJSONFormat()
		}

		path := configPath
		if path == "" {
			path = config.DefaultConfigPath()
		}
		var err error
		cfg, err = config.LoadFrom(path)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file (default ~/.infuse/gateway.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "log in JSON format")

	rootCmd.AddCommand(
		newRunCmd(),
		newConfigCmd(),
		newProvisionCmd(),
		newVersionCmd(),
	)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("infuse-gateway", version.Info())
		},
	}
}
