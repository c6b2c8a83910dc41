package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/birdstakes/quatch/pkg/qvm"
)

func main() {
	log := logrus.New()

	rootCmd := &cobra.Command{
		Use:   "quatch",
		Short: "quatch — patch Quake 3 .qvm files",
	}

	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(logrus.DebugLevel)
		}
	}

	infoCmd := &cobra.Command{
		Use:   "info FILE",
		Short: "Show a qvm's header summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := qvm.Load(args[0], nil)
			if err != nil {
				return err
			}
			fmt.Printf("vm_magic:     0x%08X\n", q.VMMagic)
			fmt.Printf("instructions: %d\n", len(q.Instructions))
			fmt.Printf("memory:       %d bytes\n", q.Memory.Len())
			fmt.Printf("crc32:        0x%08X\n", q.OriginalCRC())
			return nil
		},
	}

	disasmCmd := &cobra.Command{
		Use:   "disasm FILE",
		Short: "Disassemble a qvm's code section",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := qvm.Load(args[0], nil)
			if err != nil {
				return err
			}
			for i, instruction := range q.Instructions {
				fmt.Printf("%8x  %s\n", i, instruction)
			}
			return nil
		},
	}

	// patch command
	var output string
	var symbolFile string
	var cFiles []string
	var includeDirs []string
	var replacements []string
	var forgeCRC bool
	var lcc string

	patchCmd := &cobra.Command{
		Use:   "patch FILE",
		Short: "Add compiled C code to a qvm and reroute calls",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			symbols, err := readSymbolFile(symbolFile)
			if err != nil {
				return err
			}

			q, err := qvm.Load(args[0], symbols)
			if err != nil {
				return err
			}
			if lcc != "" {
				q.SetCompiler(lcc)
			}
			log.WithFields(logrus.Fields{
				"instructions": len(q.Instructions),
				"memory":       q.Memory.Len(),
				"symbols":      len(symbols),
			}).Debug("loaded qvm")

			for _, path := range cFiles {
				out, err := q.AddCFile(path, includeDirs)
				if err != nil {
					return err
				}
				if out != "" {
					log.Debug(strings.TrimSpace(out))
				}
				log.WithField("file", path).Info("compiled")
			}

			for _, replacement := range replacements {
				old, new, ok := strings.Cut(replacement, "=")
				if !ok {
					return fmt.Errorf("bad replacement %q, want OLD=NEW", replacement)
				}
				count, err := q.ReplaceCallsNamed(old, new)
				if err != nil {
					return err
				}
				log.WithFields(logrus.Fields{
					"old": old, "new": new, "calls": count,
				}).Info("replaced calls")
			}

			if err := q.Write(output, forgeCRC); err != nil {
				return err
			}
			log.WithFields(logrus.Fields{
				"file":      output,
				"forge_crc": forgeCRC,
			}).Info("wrote qvm")
			return nil
		},
	}
	patchCmd.Flags().StringVarP(&output, "output", "o", "", "Output .qvm path (required)")
	patchCmd.Flags().StringVar(&symbolFile, "symbols", "", "JSON file mapping symbol names to addresses")
	patchCmd.Flags().StringArrayVar(&cFiles, "c-file", nil, "C file to compile and add (repeatable)")
	patchCmd.Flags().StringArrayVarP(&includeDirs, "include", "I", nil, "Include search directory (repeatable)")
	patchCmd.Flags().StringArrayVar(&replacements, "replace", nil, "Replace calls, as OLD=NEW (repeatable)")
	patchCmd.Flags().BoolVar(&forgeCRC, "forge-crc", false, "Give the output the original file's CRC-32")
	patchCmd.Flags().StringVar(&lcc, "lcc", "", "Path to the lcc executable")
	patchCmd.MarkFlagRequired("output")

	rootCmd.AddCommand(infoCmd, disasmCmd, patchCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

// readSymbolFile decodes a JSON object mapping names to addresses. Addresses
// may be numbers or hex strings like "0x2b7".
func readSymbolFile(path string) (map[string]int64, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	symbols := make(map[string]int64, len(raw))
	for name, value := range raw {
		var n int64
		var s string
		switch {
		case json.Unmarshal(value, &n) == nil:
		case json.Unmarshal(value, &s) == nil:
			n, err = strconv.ParseInt(s, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: symbol %s: bad address %q", path, name, s)
			}
		default:
			return nil, fmt.Errorf("%s: symbol %s: bad address %s", path, name, value)
		}
		symbols[name] = n
	}
	return symbols, nil
}
