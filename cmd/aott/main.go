// Command aott is the binary host for the AOTT engine: load a bytecode
// Module, invoke one of its functions, hot-swap it, inspect engine
// stats, or disassemble a function's bytecode (§6.5).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aott-dev/aott"
)

func main() {
	os.Exit(run())
}

// run is separated from main for unit testing, mirroring the teacher
// CLI's doMain/doCompile/doRun split.
func run() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		return exitCodeFor(err)
	}
	return 0
}

// exitCodeFor maps an error to §6.5's exit codes, falling back to 1 for
// anything that isn't a structured *aott.EngineError.
func exitCodeFor(err error) int {
	var ee *aott.EngineError
	if asEngineError(err, &ee) {
		return ee.Kind.ExitCode()
	}
	return 1
}

func asEngineError(err error, target **aott.EngineError) bool {
	for err != nil {
		if ee, ok := err.(*aott.EngineError); ok {
			*target = ee
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "aott",
		Short:         "Ahead-of-Time Tiered execution engine host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML engine configuration file (§6.4)")

	root.AddCommand(
		newLoadCmd(&configPath),
		newInvokeCmd(&configPath),
		newHotSwapCmd(&configPath),
		newStatsCmd(&configPath),
		newDisassembleCmd(),
	)
	return root
}

func loadConfig(path string) ([]aott.ConfigOption, error) {
	if path == "" {
		return nil, nil
	}
	cfg, err := aott.LoadEngineConfigFile(path)
	if err != nil {
		return nil, err
	}
	return []aott.ConfigOption{
		aott.WithPromotionThresholds(cfg.PromotionThresholds),
		aott.WithProfileSampleRate(cfg.ProfileSampleRate),
		aott.WithCacheCapacity(cfg.CacheCapacity),
		aott.WithCacheEvictionPolicy(cfg.CacheEvictionPolicy),
		aott.WithPersistentCachePath(cfg.PersistentCachePath),
		aott.WithPolicy(cfg.Policy),
		aott.WithTargetTriple(cfg.TargetTriple),
		aott.WithSelfCheck(cfg.SelfCheck),
	}, nil
}

func newLoadCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "load <module.bin>",
		Short: "Parse and validate a bytecode module without invoking it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return aott.NewLoadError(err)
			}
			defer f.Close()
			if _, err := aott.LoadModule(f, opts...); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "module loaded ok")
			return nil
		},
	}
}

func newInvokeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "invoke <module.bin> <function> [args-as-json...]",
		Short: "Load a module and synchronously invoke one of its functions",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return aott.NewLoadError(err)
			}
			defer f.Close()

			handle, err := aott.LoadModule(f, opts...)
			if err != nil {
				return err
			}

			values, err := parseArgValues(args[2:])
			if err != nil {
				return err
			}

			v, err := handle.Invoke(context.Background(), args[1], values)
			if err != nil {
				return err
			}
			// Value carries a func field (Native) encoding/json cannot
			// marshal, so print its textual form rather than JSON.
			fmt.Fprintln(cmd.OutOrStdout(), v.String())
			return nil
		},
	}
}

func newHotSwapCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "hot-swap <module.bin> <replacement.bin>",
		Short: "Load a module, then hot-swap it with a replacement and report invalidated functions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return aott.NewLoadError(err)
			}
			defer f.Close()
			handle, err := aott.LoadModule(f, opts...)
			if err != nil {
				return err
			}

			rf, err := os.Open(args[1])
			if err != nil {
				return aott.NewLoadError(err)
			}
			defer rf.Close()
			report, err := handle.HotSwap(rf)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			return enc.Encode(report)
		},
	}
}

func newStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <module.bin>",
		Short: "Load a module and print its engine stats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return aott.NewLoadError(err)
			}
			defer f.Close()
			handle, err := aott.LoadModule(f, opts...)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			return enc.Encode(handle.Stats())
		},
	}
}

func newDisassembleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disassemble <module.bin> <function>",
		Short: "Print a human-readable disassembly of one function's bytecode",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return aott.NewLoadError(err)
			}
			defer f.Close()
			text, err := aott.Disassemble(f, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
}

// parseArgValues decodes each positional argument as a JSON-encoded
// bytecode Value (e.g. `5`, `"hi"`, `true`), matching the wire format's
// TaggedValue variants closely enough for a CLI smoke test.
func parseArgValues(raw []string) ([]aott.Value, error) {
	values := make([]aott.Value, 0, len(raw))
	for _, s := range raw {
		v, err := aott.ParseJSONValue(s)
		if err != nil {
			return nil, aott.NewConfigurationError(err)
		}
		values = append(values, v)
	}
	return values, nil
}
