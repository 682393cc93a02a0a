package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/foilnotes/pkg/audit"
	"github.com/forest6511/foilnotes/pkg/store"
)

// Audit flags
var (
	auditLimit int
	auditSince string
	auditJSON  bool
)

// Audit export flags
var (
	auditExportFormat string
	auditExportSince  string
	auditExportUntil  string
	auditExportOutput string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditExportCmd)

	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to show")
	auditListCmd.Flags().StringVar(&auditSince, "since", "", "Show events since duration (e.g., 24h)")

	auditVerifyCmd.Flags().BoolVar(&auditJSON, "json", false, "Also print the result as JSON")

	auditExportCmd.Flags().StringVar(&auditExportFormat, "format", audit.FormatJSON, "Output format: json, csv")
	auditExportCmd.Flags().StringVar(&auditExportSince, "since", "", "Export events since duration (e.g., 30d)")
	auditExportCmd.Flags().StringVar(&auditExportUntil, "until", "", "Export events until date (RFC 3339)")
	auditExportCmd.Flags().StringVarP(&auditExportOutput, "output", "o", "", "Output file path (default: stdout)")
}

// auditCmd is the parent command for audit operations
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long: `The audit log is HMAC-chained under a key derived from the note key, so
reading or verifying it needs the password. Each key has its own chain;
after a rotation the old chain can only be verified with the old key.`,
}

// auditLogger unlocks and returns the audit log of the current key.
func auditLogger(cmd *cobra.Command) (*audit.Logger, error) {
	l := svc.Audit()
	if l == nil {
		return nil, errors.New("audit logging is disabled in config")
	}
	if err := ensureUnlocked(cmd.Context()); err != nil {
		return nil, err
	}
	return l, nil
}

// auditListCmd lists audit log entries
var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit log entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		var since time.Time
		if auditSince != "" {
			duration, err := parseDuration(auditSince)
			if err != nil {
				return fmt.Errorf("invalid since format: %w", err)
			}
			since = time.Now().Add(-duration)
		}

		l, err := auditLogger(cmd)
		if err != nil {
			return err
		}
		defer svc.Lock()

		events, err := l.ListEvents(auditLimit, since)
		if err != nil {
			return fmt.Errorf("failed to list audit events: %w", err)
		}
		if len(events) == 0 {
			fmt.Fprintln(out, "No audit events found")
			return nil
		}

		for _, event := range events {
			// Format: TIMESTAMP SOURCE OPERATION RESULT [NOTE]
			line := fmt.Sprintf("%s %s %s %s", event.Timestamp, event.Source, event.Operation, event.Result)
			if event.Note != "" {
				noteDisplay := event.Note
				if len(noteDisplay) > 16 {
					noteDisplay = noteDisplay[:16] + "..."
				}
				line += " note:" + noteDisplay
			}
			if event.Error != nil {
				line += " error:" + event.Error.Code
			}
			fmt.Fprintln(out, line)
		}

		fmt.Fprintf(out, "\nTotal: %d events\n", len(events))
		return nil
	},
}

// auditVerifyCmd verifies audit log integrity
var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit log HMAC chain integrity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		l, err := auditLogger(cmd)
		if err != nil {
			return err
		}
		defer svc.Lock()

		result, err := l.Verify()
		if err != nil {
			return fmt.Errorf("failed to verify audit log: %w", err)
		}

		if result.Valid {
			fmt.Fprintf(out, "%s Audit log verified: %d records, chain intact\n", uiSuccess.Sprint("✓"), result.RecordsTotal)
		} else {
			fmt.Fprintf(out, "%s Audit log verification FAILED\n", uiError.Sprint("✗"))
			fmt.Fprintf(out, "  Records total: %d\n", result.RecordsTotal)
			fmt.Fprintf(out, "  Records verified: %d\n", result.RecordsVerified)
			fmt.Fprintln(out, "  Errors:")
			for _, e := range result.Errors {
				fmt.Fprintf(out, "    - %s\n", e)
			}
		}

		if auditJSON {
			b, _ := json.Marshal(result)
			fmt.Fprintf(out, "\nJSON: %s\n", b)
		}
		if !result.Valid {
			return errors.New("audit log integrity check failed")
		}
		return nil
	},
}

// auditExportCmd exports audit logs
var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit logs to JSON or CSV format",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if auditExportFormat != audit.FormatJSON && auditExportFormat != audit.FormatCSV {
			return fmt.Errorf("invalid format: %s (use 'json' or 'csv')", auditExportFormat)
		}

		var since, until time.Time
		if auditExportSince != "" {
			duration, err := parseDuration(auditExportSince)
			if err != nil {
				return fmt.Errorf("invalid since format: %w", err)
			}
			since = time.Now().Add(-duration)
		}
		if auditExportUntil != "" {
			var err error
			until, err = time.Parse(time.RFC3339, auditExportUntil)
			if err != nil {
				return fmt.Errorf("invalid until format (use RFC 3339): %w", err)
			}
		}

		l, err := auditLogger(cmd)
		if err != nil {
			return err
		}
		defer svc.Lock()

		data, err := l.Export(auditExportFormat, since, until)
		if err != nil {
			return fmt.Errorf("failed to export audit logs: %w", err)
		}

		if auditExportOutput == "" {
			_, err := cmd.OutOrStdout().Write(data)
			return err
		}

		path, err := exportPath(auditExportOutput)
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, store.FileMode); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
		fmt.Fprintln(cmd.ErrOrStderr(), uiWarning.Sprint("Warning: exported audit logs contain note hashes and operation metadata."))
		fmt.Fprintf(cmd.ErrOrStderr(), "Audit logs exported to %s\n", path)
		return nil
	},
}

// exportPath resolves p and requires it to be inside the working
// directory, the home directory or the temp directory.
func exportPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("invalid output path: %w", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	home, _ := os.UserHomeDir()

	for _, prefix := range []string{cwd, home, os.TempDir()} {
		if prefix == "" {
			continue
		}
		rel, err := filepath.Rel(prefix, abs)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", errors.New("output path must be within current directory, home directory, or the temp directory")
}
