package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/horuscamacho/thoth-audit/internal/audit"
	"github.com/horuscamacho/thoth-audit/internal/config"
)

// ============================================================================
// thoth-audit record - Append one entry
// ============================================================================

var recordFlags struct {
	user, action, entityType, entityID string
	oldValues, newValues, metadata     string
	ip, userAgent, level               string
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Append one audit entry",
	Long: `Append one entry to the tenant's audit log and print it as JSON.
Value maps are given as JSON objects.

Example:
  thoth-audit record -t acme --user alice --action ROLE_CHANGED --entity-type USER \
    --entity-id bob --old '{"role":"viewer"}' --new '{"role":"admin"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := audit.CreateParams{
			TenantID:   audit.String(tenantID),
			UserID:     audit.String(recordFlags.user),
			Action:     audit.Action(recordFlags.action),
			EntityType: audit.EntityType(recordFlags.entityType),
			EntityID:   audit.String(recordFlags.entityID),
			IPAddress:  audit.String(recordFlags.ip),
			UserAgent:  audit.String(recordFlags.userAgent),
		}
		var err error
		if p.OldValues, err = parseObject("old", recordFlags.oldValues); err != nil {
			return err
		}
		if p.NewValues, err = parseObject("new", recordFlags.newValues); err != nil {
			return err
		}
		if p.Metadata, err = parseObject("metadata", recordFlags.metadata); err != nil {
			return err
		}
		if recordFlags.level != "" {
			level, err := audit.ParseSecurityLevel(recordFlags.level)
			if err != nil {
				return err
			}
			p.SecurityLevel = &level
		}

		return withService(func(ctx context.Context, svc *audit.Service) error {
			e, err := svc.CreateAuditLog(ctx, p)
			if err != nil {
				return fmt.Errorf("failed to record entry: %w", err)
			}
			return printJSON(e)
		})
	},
}

func init() {
	f := recordCmd.Flags()
	f.StringVar(&recordFlags.user, "user", "", "Acting user ID")
	f.StringVar(&recordFlags.action, "action", "", "Action (e.g. LOGIN, ROLE_CHANGED)")
	f.StringVar(&recordFlags.entityType, "entity-type", "", "Entity type (e.g. USER, SETTINGS)")
	f.StringVar(&recordFlags.entityID, "entity-id", "", "Affected entity ID")
	f.StringVar(&recordFlags.oldValues, "old", "", "Previous values as a JSON object")
	f.StringVar(&recordFlags.newValues, "new", "", "New values as a JSON object")
	f.StringVar(&recordFlags.metadata, "metadata", "", "Extra context as a JSON object")
	f.StringVar(&recordFlags.ip, "ip", "", "Client IP address")
	f.StringVar(&recordFlags.userAgent, "user-agent", "", "Client user agent")
	f.StringVar(&recordFlags.level, "level", "", "Security level: PUBLIC, INTERNAL, CONFIDENTIAL, RESTRICTED")
	recordCmd.MarkFlagRequired("action")
	recordCmd.MarkFlagRequired("entity-type")
}

// parseObject decodes an optional JSON object flag.
func parseObject(name, s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", name, err)
	}
	return m, nil
}

// ============================================================================
// thoth-audit logs - Query entries
// ============================================================================

// filterFlags are shared by logs and export.
var filterFlags audit.FilterParams

func addFilterFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&filterFlags.UserID, "user", "", "Filter by user ID")
	f.StringVar(&filterFlags.Action, "action", "", "Filter by action")
	f.StringVar(&filterFlags.EntityType, "entity-type", "", "Filter by entity type")
	f.StringVar(&filterFlags.EntityID, "entity-id", "", "Filter by entity ID")
	f.StringVar(&filterFlags.IPAddress, "ip", "", "Filter by client IP")
	f.StringVar(&filterFlags.SecurityLevel, "level", "", "Filter by security level")
	f.StringVar(&filterFlags.StartDate, "since", "", "Start date (YYYY-MM-DD or RFC 3339)")
	f.StringVar(&filterFlags.EndDate, "until", "", "End date (YYYY-MM-DD covers the whole day)")
	f.StringVar(&filterFlags.Search, "search", "", "Substring of metadata, old or new values")
	f.StringVar(&filterFlags.Limit, "limit", "", "Maximum number of entries")
	f.StringVar(&filterFlags.Offset, "offset", "", "Entries to skip")
}

var logsJSON bool

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Query a tenant's audit entries",
	Long: `Query the tenant's audit log, newest first.

Examples:
  thoth-audit logs -t acme --action LOGIN_FAILED --since 2026-03-01
  thoth-audit logs -t acme --user alice --limit 100 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flt, err := filterFlags.Filter()
		if err != nil {
			return err
		}
		return withService(func(ctx context.Context, svc *audit.Service) error {
			page, err := svc.GetLogs(ctx, tenantID, flt)
			if err != nil {
				return fmt.Errorf("audit query failed: %w", err)
			}
			if logsJSON {
				return printJSON(page)
			}
			if len(page.Logs) == 0 {
				fmt.Println("No matching audit entries found.")
				return nil
			}
			for _, e := range page.Logs {
				printEntry(e)
			}
			fmt.Printf("\n%d of %d entries shown.\n", len(page.Logs), page.Total)
			return nil
		})
	},
}

func init() {
	addFilterFlags(logsCmd)
	logsCmd.Flags().BoolVar(&logsJSON, "json", false, "Print the page as JSON")
}

// printEntry formats a single entry on one line.
func printEntry(e audit.Entry) {
	fmt.Printf("[%s] %-20s %-12s entity=%-12s user=%-12s ip=%s\n",
		audit.FormatTimestamp(e.PerformedAt), e.Action, e.EntityType,
		orDash(e.EntityID), orDash(e.UserID), orDash(e.IPAddress))
}

func orDash(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

// ============================================================================
// thoth-audit stats / anomalies
// ============================================================================

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show a tenant's activity summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *audit.Service) error {
			st, err := svc.GetAuditStats(ctx, tenantID)
			if err != nil {
				return fmt.Errorf("failed to compute stats: %w", err)
			}
			fmt.Printf("Total logs:    %d\n", st.TotalLogs)
			fmt.Printf("Today:         %d\n", st.TodayLogs)
			fmt.Printf("Unique users:  %d\n", st.UniqueUsers)
			fmt.Printf("Failed logins (24h): %d  Unusual hours (24h): %d  Multiple IPs (24h): %d\n",
				st.SuspiciousActivity.FailedLogins, st.SuspiciousActivity.UnusualHours, st.SuspiciousActivity.MultipleIPs)

			fmt.Println("\nTop actions:")
			for _, a := range st.TopActions {
				fmt.Printf("  %-24s %d\n", a.Action, a.Count)
			}
			fmt.Println("\nActivity by hour:")
			for _, h := range st.ActivityByHour {
				if h.Count > 0 {
					fmt.Printf("  %02d:00  %d\n", h.Hour, h.Count)
				}
			}
			return nil
		})
	},
}

var anomaliesCmd = &cobra.Command{
	Use:   "anomalies",
	Short: "Run anomaly detection for a tenant",
	Long: `Scan the tenant's recent activity for failed login bursts, off-hours
activity and rapid action bursts. Thresholds come from the anomaly section
of the config file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *audit.Service) error {
			anomalies, err := svc.DetectAnomalies(ctx, tenantID)
			if err != nil {
				return fmt.Errorf("anomaly detection failed: %w", err)
			}
			if len(anomalies) == 0 {
				fmt.Println("No anomalies detected.")
				return nil
			}
			for _, a := range anomalies {
				fmt.Printf("%-8s %-20s %s\n", a.Severity, a.Type, a.Description)
			}
			return nil
		})
	},
}

// ============================================================================
// thoth-audit verify - Checksum verification
// ============================================================================

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify every checksum of a tenant",
	Long: `Recompute the checksum of every tenant entry and compare it with the
stored value. Any mismatch means the entry was modified after it was
recorded. Exits non-zero when violations are found.

When the service signs checksums, set the variable named by
audit.checksumKeyEnv before running this command.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *audit.Service) error {
			r, err := svc.VerifyIntegrity(ctx, tenantID)
			if err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}
			if r.InvalidLogs == 0 {
				fmt.Printf("[thoth-audit] Integrity VALID (%d entries verified)\n", r.TotalLogs)
				return nil
			}
			fmt.Printf("[thoth-audit] Integrity BROKEN: %d of %d entries modified\n", r.InvalidLogs, r.TotalLogs)
			for _, c := range r.CorruptedLogs {
				fmt.Printf("  %s (%s)\n    expected: %s\n    actual:   %s\n",
					c.ID, audit.FormatTimestamp(c.PerformedAt), c.ExpectedChecksum, c.ActualChecksum)
			}
			return errors.New("audit integrity violation detected")
		})
	},
}

// ============================================================================
// thoth-audit export
// ============================================================================

var (
	exportFormat string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a tenant's audit entries",
	Long: `Export the tenant's entries, newest first, to stdout or a file.
Supported formats: csv, json, jsonl, pdf (a plain-text report).

Example:
  thoth-audit export -t acme --format csv --since 2026-03-01 -o audit.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := audit.ParseFormat(exportFormat)
		if err != nil {
			return err
		}
		flt, err := filterFlags.Filter()
		if err != nil {
			return err
		}
		return withService(func(ctx context.Context, svc *audit.Service) error {
			data, err := svc.ExportLogs(ctx, tenantID, flt, format)
			if err != nil {
				return fmt.Errorf("export failed: %w", err)
			}
			if exportOutput == "" || exportOutput == "-" {
				_, err = os.Stdout.Write(data)
				return err
			}
			if err := os.WriteFile(exportOutput, data, 0o600); err != nil {
				return fmt.Errorf("failed to write %s: %w", exportOutput, err)
			}
			fmt.Fprintf(os.Stderr, "[thoth-audit] Wrote %d bytes to %s\n", len(data), exportOutput)
			return nil
		})
	},
}

func init() {
	addFilterFlags(exportCmd)
	exportCmd.Flags().StringVar(&exportFormat, "format", "csv", "Export format: csv, json, jsonl, pdf")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default stdout)")
}

// ============================================================================
// thoth-audit config
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or initialize the configuration",
}

var configForce bool

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
		}
		if err := config.WriteDefault(configPath); err != nil {
			return err
		}
		fmt.Printf("[thoth-audit] Wrote default config to %s\n", configPath)
		return nil
	},
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
