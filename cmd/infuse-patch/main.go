// infuse-patch — binary delta tooling for firmware images
//
// Generates, applies, and inspects the self-validating patch format used to
// ship firmware deltas to Infuse-IoT devices.
//
// Usage:
//
//	infuse-patch generate old.bin new.bin out.patch
//	infuse-patch apply old.bin in.patch out.bin
//	infuse-patch inspect in.patch
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/infuse-iot/gateway/pkg/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "infuse-patch",
	Short:             "Binary delta tooling for firmware images",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
}

func init() {
	rootCmd.AddCommand(
		newGenerateCmd(),
		newApplyCmd(),
		newInspectCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println("infuse-patch", version.Info())
			},
		},
	)
}
