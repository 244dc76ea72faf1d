package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// set with -ldflags "-X main.version=..."
var version string

const defaultAPI = "http://127.0.0.1:8099"

var (
	flagAPI     string
	flagConfig  string
	flagVerbose bool
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagAPI, "api", apiBase(), "fgd API base URL (default $FG_API)")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file for in-process commands (default $FG_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(addCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(clearCmd())
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		if _, ok := err.(exitError); !ok {
			slog.Error("fg failed", "err", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "fg",
	Short:        "Fetch, verify and expand remote archives",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(versionString())
		if info, ok := debug.ReadBuildInfo(); ok {
			fmt.Printf("go:     %s\n", info.GoVersion)
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					fmt.Printf("commit: %s\n", s.Value)
				}
			}
		}
	},
}

// exitError carries a failed job outcome that has already been printed.
type exitError struct {
	state string
}

func (e exitError) Error() string {
	return "job finished in state " + e.state
}

func versionString() string {
	if version == "" {
		return "fg (dev)"
	}
	return "fg " + version
}

func apiBase() string {
	if v := os.Getenv("FG_API"); v != "" {
		return v
	}
	return defaultAPI
}
