package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pedro-hdias/mudbroker/internal/sound"
)

func init() {
	rootCmd.AddCommand(validateRulesCmd)
}

var validateRulesCmd = &cobra.Command{
	Use:   "validate-rules <path>",
	Short: "Validate a sound rule document without starting the daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := slog.New(slog.NewTextHandler(io.Discard, nil))
		rules, err := sound.LoadFile(args[0], log)
		if err != nil {
			return fmt.Errorf("invalid rule document: %w", err)
		}
		fmt.Fprintf(os.Stdout, "%s: %d rule(s) parsed successfully\n", args[0], len(rules))
		return nil
	},
}
