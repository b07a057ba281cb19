package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pedro-hdias/mudbroker/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("mudbroker setup wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.Listen = prompt(scanner, "Listen address", cfg.Listen)
		cfg.MUD.Host = prompt(scanner, "MUD host", cfg.MUD.Host)

		portStr := prompt(scanner, "MUD port", strconv.Itoa(cfg.MUD.Port))
		if n, err := strconv.Atoi(portStr); err == nil {
			cfg.MUD.Port = n
		}

		cfg.Sound.RulesPath = prompt(scanner, "Sound rule document path", cfg.Sound.RulesPath)
		cfg.Debug.Secret = prompt(scanner, "Debug API secret (optional)", cfg.Debug.Secret)

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
