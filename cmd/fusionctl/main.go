// Package main provides fusionctl, an offline tool for fusion config and recorded results
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/agile-defense/fieldnode/pkg/config"
	"github.com/agile-defense/fieldnode/pkg/fusion"
	"github.com/agile-defense/fieldnode/pkg/messages"
	"github.com/agile-defense/fieldnode/pkg/replay"
)

var rootCmd = &cobra.Command{
	Use:   "fusionctl",
	Short: "Inspect fusion configs and replay recorded sensor results",
	Long: `fusionctl validates fusion config documents before they are pushed to a node,
and replays recorded modality results through the trigger policy to preview
which detection events a config would produce.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var validateCmd = &cobra.Command{
	Use:   "validate <config.json>",
	Short: "Validate a fusion config document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadFusion(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (rule %s, window %s)\n", args[0], cfg.Rule, cfg.ConfirmationWindow)
		return nil
	},
}

var defaultsCmd = &cobra.Command{
	Use:   "defaults",
	Short: "Print the default fusion config",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(fusion.DefaultConfig())
	},
}

var replayOpts struct {
	configPath string
	phase      string
	light      float64
	tempC      float64
	power      string
	noCamera   bool
	quiet      bool
}

var replayCmd = &cobra.Command{
	Use:   "replay [results.jsonl]",
	Short: "Replay recorded modality results and print closed windows",
	Long: `Reads one JSON modality result per line (stdin when no file is given) and
prints one JSON record per closed window, followed by a summary on stderr.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReplay,
}

func init() {
	f := replayCmd.Flags()
	f.StringVarP(&replayOpts.configPath, "config", "c", "", "Fusion config document (default: built-in defaults)")
	f.StringVar(&replayOpts.phase, "phase", "day", "Diurnal phase: day, dusk or night")
	f.Float64Var(&replayOpts.light, "light", 100, "Ambient light level in percent")
	f.Float64Var(&replayOpts.tempC, "temperature", 15, "Ambient temperature in Celsius")
	f.StringVar(&replayOpts.power, "power", "normal", "Power tier: normal, low or critical")
	f.BoolVar(&replayOpts.noCamera, "no-camera", false, "Fail every visual escalation")
	f.BoolVarP(&replayOpts.quiet, "quiet", "q", false, "Print only the summary")

	rootCmd.AddCommand(validateCmd, defaultsCmd, replayCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("fusionctl version %s\n", rootCmd.Version))
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFusion(replayOpts.configPath)
	if err != nil {
		return err
	}
	phase, err := messages.ParsePhase(replayOpts.phase)
	if err != nil {
		return err
	}
	power, err := messages.ParsePowerTier(replayOpts.power)
	if err != nil {
		return err
	}

	in := cmd.InOrStdin()
	if len(args) == 1 {
		file, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open results: %w", err)
		}
		defer file.Close()
		in = file
	}

	var out io.Writer = cmd.OutOrStdout()
	if replayOpts.quiet {
		out = io.Discard
	}

	env := messages.DefaultEnvironment()
	env.Phase = phase
	env.LightLevel = replayOpts.light
	env.TemperatureC = replayOpts.tempC

	summary, err := replay.Run(in, out, replay.Options{
		Config:      cfg,
		Environment: env,
		Power:       power,
		NoCamera:    replayOpts.noCamera,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.ErrOrStderr())
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
