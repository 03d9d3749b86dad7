package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/benaskins/mcadmin/internal/config"
)

type checkResult struct {
	Path      string `json:"path"`
	ServerDir string `json:"server_dir,omitempty"`
	Valid     bool   `json:"valid"`
	Error     string `json:"error,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check [file]",
	Short: "Validate the config file",
	Long:  "Parse and validate the YAML config. Checks the given file or the --config path (~/.mcadmin/config.yaml).",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	target := configPath
	if len(args) > 0 {
		target = args[0]
	}

	result := checkResult{Path: target}
	if _, err := os.Stat(target); err != nil {
		result.Error = err.Error()
	} else if cfg, err := config.Load(target); err != nil {
		result.Error = err.Error()
	} else if err := cfg.Validate(); err != nil {
		result.Error = err.Error()
	} else {
		result.Valid = true
		result.ServerDir = cfg.ServerDir
	}

	if jsonOut {
		if err := printJSON(result); err != nil {
			return err
		}
	} else if result.Valid {
		fmt.Printf("OK    %s (server_dir %s)\n", result.Path, result.ServerDir)
	} else {
		fmt.Fprintf(os.Stderr, "FAIL  %s\n      %v\n", result.Path, result.Error)
	}

	if !result.Valid {
		return fmt.Errorf("config %s failed validation", target)
	}
	return nil
}
