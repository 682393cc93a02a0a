// Package main provides the foilnotes CLI application.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/forest6511/foilnotes/internal/config"
	"github.com/forest6511/foilnotes/internal/logging"
	"github.com/forest6511/foilnotes/internal/metrics"
	"github.com/forest6511/foilnotes/pkg/audit"
	"github.com/forest6511/foilnotes/pkg/crypto"
	"github.com/forest6511/foilnotes/pkg/keystore"
	"github.com/forest6511/foilnotes/pkg/lock"
	"github.com/forest6511/foilnotes/pkg/notes"
)

// envNewPassword supplies the new password to passwd when stdin is not a
// terminal.
const envNewPassword = "FOILNOTES_NEW_PASSWORD"

var (
	dataDir  string
	cfg      *config.Config
	logger   *slog.Logger
	svc      *notes.Service
	registry *prometheus.Registry
)

// Global flags
var (
	flagLogLevel    string
	flagLogFormat   string
	flagMetricsFile string
)

var rootCmd = &cobra.Command{
	Use:   "foilnotes",
	Short: "foilnotes keeps notes, some of them encrypted",
	Long: `Notes are stored locally. Any note can be encrypted under a key that is
itself wrapped by your password; encrypted notes are listed by ID only
until you unlock and decrypt them.`,
	SilenceUsage: true,
	// PersistentPreRunE runs before every subcommand and opens the
	// data directory.
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "dir", "", "Data directory (default $"+config.EnvDir+" or ~/.foilnotes)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "Log format: text, json")
	rootCmd.PersistentFlags().StringVar(&flagMetricsFile, "metrics-textfile", "", "Write Prometheus metrics to this file on exit")
}

// Execute runs the root command and releases the service afterwards.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if cerr := teardown(); err == nil {
		err = cerr
	}
	return err
}

func setup(cmd *cobra.Command, _ []string) error {
	// Shell completion scripts need no data directory.
	if cmd.Name() == "completion" || cmd.Name() == "help" {
		return nil
	}

	dir := dataDir
	if dir == "" {
		var err error
		if dir, err = config.Dir(); err != nil {
			return err
		}
	}
	dataDir = dir

	var err error
	if cfg, err = config.Load(dir); err != nil {
		return err
	}

	format, level := cfg.Log.Format, cfg.Log.Level
	if flagLogFormat != "" {
		format = flagLogFormat
	}
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	if logger, err = logging.New(cmd.ErrOrStderr(), format, level); err != nil {
		return err
	}

	// mcp opens the directory itself.
	if cmd.Name() == mcpServerCmd.Name() {
		return nil
	}

	var m *metrics.Metrics
	if flagMetricsFile != "" {
		registry = prometheus.NewRegistry()
		if m, err = metrics.New(registry); err != nil {
			return err
		}
	}
	svc, err = notes.Open(cmd.Context(), dir, cfg, audit.SourceCLI, logger, m)
	return err
}

func teardown() error {
	var errs []error
	if svc != nil {
		errs = append(errs, svc.Close())
		svc = nil
	}
	if registry != nil {
		errs = append(errs, prometheus.WriteToTextfile(flagMetricsFile, registry))
		registry = nil
	}
	return errors.Join(errs...)
}

// ensureUnlocked prompts for the password unless the key is already open.
func ensureUnlocked(ctx context.Context) error {
	if svc.State() == lock.Unlocked {
		return nil
	}
	password, err := readPassword("Enter password: ")
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(password)
	return unlockWith(ctx, password)
}

func unlockWith(ctx context.Context, password []byte) error {
	stop := startSpinner("Unlocking...")
	err := svc.Unlock(ctx, password)
	stop()
	if err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	return nil
}

var stdinIsTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// readPassword reads a password from the terminal without echo. When stdin
// is not a terminal it falls back to FOILNOTES_PASSWORD.
func readPassword(prompt string) ([]byte, error) {
	if !stdinIsTerminal() {
		return config.PasswordFromEnv()
	}
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return password, nil
}

// readNewPassword reads and confirms a new password. Non-interactive callers
// set envName instead.
func readNewPassword(envName string) ([]byte, error) {
	if !stdinIsTerminal() {
		v := os.Getenv(envName)
		os.Unsetenv(envName)
		if v == "" {
			return nil, fmt.Errorf("no new password provided: set %s", envName)
		}
		return []byte(v), nil
	}

	first, err := readPassword("Enter new password: ")
	if err != nil {
		return nil, err
	}
	second, err := readPassword("Confirm new password: ")
	defer crypto.SecureWipe(second)
	if err != nil {
		crypto.SecureWipe(first)
		return nil, err
	}
	if string(first) != string(second) {
		crypto.SecureWipe(first)
		return nil, errors.New("passwords do not match")
	}
	reportStrength(os.Stderr, first)
	return first, nil
}

// reportStrength prints the strength of a new password and any suggestions.
// The minimum length itself is enforced by the keystore.
func reportStrength(w io.Writer, password []byte) {
	v := keystore.ValidatePassword(string(password), cfg.Keys.MinPasswordLength)
	if !v.Valid {
		return
	}
	strength := v.Strength.String()
	switch v.Strength {
	case keystore.PasswordWeak, keystore.PasswordFair:
		strength = uiWarning.Sprint(strength)
	default:
		strength = uiSuccess.Sprint(strength)
	}
	fmt.Fprintf(w, "Password strength: %s\n", strength)
	for _, warning := range v.Warnings {
		fmt.Fprintf(w, "  %s\n", uiMuted.Sprint(warning))
	}
}

// confirm asks a yes/no question on the terminal. Anything but y is no.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	answer := strings.TrimSpace(line)
	return answer == "y" || answer == "Y"
}

// startSpinner shows progress on stderr while a key derivation runs. It is a
// no-op when stderr is not a terminal.
func startSpinner(message string) func() {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return func() {}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + message
	// Ignore color errors - continue without colored spinner if it fails.
	_ = s.Color("cyan")
	s.Start()
	return s.Stop
}

// parseDuration parses a duration string like "30d", "1y", "24h"
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("duration too short: %s", s)
	}

	unit := s[len(s)-1]
	valueStr := s[:len(s)-1]

	var value int
	switch unit {
	case 'd', 'w', 'm', 'y':
		if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil || value < 0 {
			return 0, fmt.Errorf("invalid duration value: %s", valueStr)
		}
	}

	switch unit {
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	case 'm':
		return time.Duration(value) * 30 * 24 * time.Hour, nil
	case 'y':
		return time.Duration(value) * 365 * 24 * time.Hour, nil
	default:
		return time.ParseDuration(s)
	}
}
