package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/infuse-iot/gateway/pkg/cli"
	"github.com/infuse-iot/gateway/pkg/patch"
)

func newGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate <original> <new> <output>",
		Short: "Generate a patch between two images",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			original, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			updated, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}

			out, err := patch.Generate(original, updated)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[2], out, 0644); err != nil {
				return err
			}

			ratio := 100.0 * float64(len(out)) / float64(len(updated))
			fmt.Printf("Wrote %d byte patch to %s (%.1f%% of new image)\n", len(out), args[2], ratio)
			return nil
		},
	}
}

func newApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply <original> <patch> <output>",
		Short: "Apply a patch to an image",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			original, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			patchBytes, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}

			out, err := patch.Apply(original, patchBytes)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[2], out, 0644); err != nil {
				return err
			}
			fmt.Printf("Wrote %d byte image to %s\n", len(out), args[2])
			return nil
		},
	}
}

func newInspectCmd() *cobra.Command {
	var showInstructions bool

	cmd := &cobra.Command{
		Use:   "inspect <patch>",
		Short: "Show a patch's metadata and instruction stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patchBytes, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			meta, instrs, err := patch.Inspect(patchBytes)
			if err != nil {
				return err
			}

			fmt.Printf("Original:    %d bytes, crc32 %08x\n", meta.OriginalLength, meta.OriginalCRC)
			fmt.Printf("Constructed: %d bytes, crc32 %08x\n", meta.ConstructedLength, meta.ConstructedCRC)
			fmt.Printf("Patch body:  %d bytes, crc32 %08x, %d instructions\n", meta.PatchLength, meta.PatchCRC, len(instrs))

			if len(meta.WriteCache) > 0 {
				fmt.Println()
				table := cli.NewTable("IDX", "LEN", "BYTES").AlignRight(0, 1)
				for i, entry := range meta.WriteCache {
					table.Row(fmt.Sprintf("%d", i), fmt.Sprintf("%d", len(entry)), fmt.Sprintf("%x", entry))
				}
				table.Flush()
			}

			if showInstructions {
				fmt.Println()
				counts := map[string]int{}
				for _, instr := range instrs {
					counts[instr.Kind]++
					fmt.Println(strings.ReplaceAll(instr.Text, "\n", "\n  "))
				}
				fmt.Println()
				table := cli.NewTable("OPCODE", "COUNT").AlignRight(1)
				for _, kind := range []string{"COPY", "WRITE", "WRITE_CACHED", "ADDR", "PATCH"} {
					if counts[kind] > 0 {
						table.Row(kind, fmt.Sprintf("%d", counts[kind]))
					}
				}
				table.Flush()
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&showInstructions, "instructions", "i", false, "list every instruction")
	return cmd
}
