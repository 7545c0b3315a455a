package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stackforge/deploycp/internal/cp"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "deploycp",
	Short:   "Deployment control plane",
	Long:    `deploycp coordinates payment-gated provisioning of single-tenant servers: billing orders, webhook settlement, and the deployment job scheduler.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cp.Run(context.Background(), Version)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("deploycp %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

// hashTokenCmd prints the SHA-256 of a bearer token for CP_AUTH_TOKENS entries.
var hashTokenCmd = &cobra.Command{
	Use:   "hash-token <token>",
	Short: "Hash a bearer token for CP_AUTH_TOKENS",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sum := sha256.Sum256([]byte(args[0]))
		fmt.Println(hex.EncodeToString(sum[:]))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(hashTokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
