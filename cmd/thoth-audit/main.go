// Package main is the CLI entry point for thoth-audit, a tamper-evident,
// multi-tenant audit log service.
//
// Every entry carries a checksum over its security-relevant fields, so
// edits made directly in storage are detected by `thoth-audit verify` or
// the integrity endpoint.
//
// CLI commands (cobra):
//
//	thoth-audit serve        - Start the HTTP API and live feed
//	thoth-audit record       - Append one entry
//	thoth-audit logs         - Query a tenant's entries with filters
//	thoth-audit stats        - Show a tenant's activity summary
//	thoth-audit anomalies    - Run anomaly detection for a tenant
//	thoth-audit verify       - Verify every checksum of a tenant
//	thoth-audit export       - Export a tenant's entries
//	thoth-audit config       - Show or initialize the configuration
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-03-10"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configPath is the global --config flag.
var configPath string

// tenantID is shared by every tenant-scoped command.
var tenantID string

var rootCmd = &cobra.Command{
	Use:   "thoth-audit",
	Short: "thoth-audit: tamper-evident audit log service",
	Long: `thoth-audit records security-relevant actions per tenant, answers
filtered queries and statistics, flags suspicious behavior, verifies
checksums to detect tampering, and exports logs for compliance review.

Run 'thoth-audit serve' to start the HTTP API, or use the subcommands to
work with the configured store directly.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "thoth-audit.yaml", "Path to the thoth-audit config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(anomaliesCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(configCmd)

	for _, c := range []*cobra.Command{recordCmd, logsCmd, statsCmd, anomaliesCmd, verifyCmd, exportCmd} {
		c.Flags().StringVarP(&tenantID, "tenant", "t", "", "Tenant ID (required)")
		c.MarkFlagRequired("tenant")
	}
}
