package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/benaskins/mcadmin/internal/config"
	"github.com/benaskins/mcadmin/internal/daemon"
)

var (
	configPath string
	socketPath string
	jsonOut    bool
)

var rootCmd = &cobra.Command{
	Use:          "mcadmin",
	Short:        "Minecraft server supervisor",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "config file")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", daemon.SocketPath(), "daemon control socket")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print JSON output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
