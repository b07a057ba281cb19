package main

import (
	"fmt"
	"net"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/pedro-hdias/mudbroker/internal/config"
	"github.com/pedro-hdias/mudbroker/internal/sound"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd, configValidateCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		values, err := config.ListValues(cfg, true)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}

		// Sort keys for stable output
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			fmt.Fprintf(os.Stdout, "%s = %v\n", k, values[k])
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := config.GetValue(cfgPath, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetValue(cfgPath, args[0], args[1]); err != nil {
			return err
		}
		display := args[1]
		if config.IsSecretKey(args[0]) {
			display = "***"
		}
		fmt.Fprintf(os.Stdout, "Set %s = %s\n", args[0], display)
		return nil
	},
}

// configValidateCmd checks the resolved configuration against the
// constraints that would otherwise only surface once the daemon is
// already running: the upstream MUD host:port actually accepts a TCP
// connection, and the sound rule document parses. An unreachable MUD
// host does not stop `serve`, and serve logs and keeps going on a bad
// rule reload (internal/sound/watch.go), but a rule document that fails
// to load at startup makes serve exit; this catches both mistakes
// before the daemon is started.
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the resolved config's MUD connectivity and sound rule document",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		var problems []string

		addr := net.JoinHostPort(cfg.MUD.Host, fmt.Sprint(cfg.MUD.Port))
		conn, err := net.DialTimeout("tcp", addr, cfg.Limits.DialTimeout)
		if err != nil {
			problems = append(problems, fmt.Sprintf("mud.host/mud.port: cannot reach %s: %v", addr, err))
		} else {
			conn.Close()
		}

		log := setupLogging(cfg)
		rules, err := sound.LoadFile(cfg.Sound.RulesPath, log)
		if err != nil {
			problems = append(problems, fmt.Sprintf("sound.rules_path: %v", err))
		}

		if len(problems) == 0 {
			fmt.Fprintf(os.Stdout, "config OK: %s reachable, %d sound rule(s) loaded from %s\n",
				addr, len(rules), cfg.Sound.RulesPath)
			return nil
		}
		for _, p := range problems {
			fmt.Fprintln(os.Stdout, "problem:", p)
		}
		return fmt.Errorf("%d config problem(s) found", len(problems))
	},
}
