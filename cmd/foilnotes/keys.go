package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/foilnotes/internal/config"
	"github.com/forest6511/foilnotes/pkg/crypto"
	"github.com/forest6511/foilnotes/pkg/lock"
	"github.com/forest6511/foilnotes/pkg/notes"
)

var (
	initBits   int
	rotateBits int
	rotateYes  bool
)

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(passwdCmd)
	rootCmd.AddCommand(rotateCmd)

	initCmd.Flags().IntVar(&initBits, "bits", 0, "Key size in bits: 128 or 256 (default from config)")
	rotateCmd.Flags().IntVar(&rotateBits, "bits", 0, "Key size in bits for the new key (default from config)")
	rotateCmd.Flags().BoolVarP(&rotateYes, "yes", "y", false, "Skip confirmation prompt")
}

// initCmd generates the note key and wraps it with a new password.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the encryption key and set the password",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		initialized, err := svc.Initialized(ctx)
		if err != nil {
			return err
		}
		if initialized {
			return notes.ErrAlreadyInitialized
		}

		bits := initBits
		if bits == 0 {
			bits = cfg.Keys.DefaultSize
		}

		password, err := readNewPassword(config.EnvPassword)
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(password)

		stop := startSpinner("Generating key...")
		err = svc.Init(ctx, bits, password)
		stop()
		if err != nil {
			return fmt.Errorf("failed to initialize: %w", err)
		}
		defer svc.Lock()

		fmt.Fprintf(out, "%s Initialized %d-bit key in %s\n", uiSuccess.Sprint("✓"), bits, uiHighlight.Sprint(dataDir))
		return nil
	},
}

// unlockCmd checks the password. The key is locked again when the
// process exits.
var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Verify the password",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(cmd.Context()); err != nil {
			return err
		}
		defer svc.Lock()

		fmt.Fprintf(cmd.OutOrStdout(), "%s Password accepted, state %s\n", uiSuccess.Sprint("✓"), svc.State())
		return nil
	},
}

// statusCmd reports what is stored without asking for the password.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show key and note counts and check the database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		initialized, err := svc.Initialized(ctx)
		if err != nil {
			return err
		}
		plain, err := svc.IDs(ctx, false)
		if err != nil {
			return err
		}
		encrypted, err := svc.IDs(ctx, true)
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "Directory:   %s\n", dataDir)
		fmt.Fprintf(out, "Initialized: %t\n", initialized)
		fmt.Fprintf(out, "State:       %s\n", svc.State())
		fmt.Fprintf(out, "Notes:       %d plaintext, %d encrypted\n", len(plain), len(encrypted))

		if err := svc.CheckIntegrity(ctx); err != nil {
			fmt.Fprintf(out, "Database:    %s\n", uiError.Sprint(err))
			return err
		}
		fmt.Fprintf(out, "Database:    %s\n", uiSuccess.Sprint("ok"))
		return nil
	},
}

// passwdCmd re-wraps the key under a new password. Notes are untouched.
var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the password",
	Long: `Change the password by re-wrapping the note key.

Encrypted notes stay readable; only the key record is rewritten.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		current, err := readPassword("Enter current password: ")
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(current)
		if err := unlockWith(ctx, current); err != nil {
			return err
		}
		defer svc.Lock()

		next, err := readNewPassword(envNewPassword)
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(next)

		stop := startSpinner("Re-wrapping key...")
		err = svc.ChangePassword(ctx, current, next)
		stop()
		if err != nil {
			return fmt.Errorf("failed to change password: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s Password changed\n", uiSuccess.Sprint("✓"))
		return nil
	},
}

// rotateCmd replaces the key. Notes encrypted under the old key can no
// longer be decrypted.
var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Replace the encryption key",
	Long: `Generate a new encryption key and wrap it with the current password.

WARNING: notes encrypted under the old key become permanently unreadable.
Decrypt anything you want to keep before rotating.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		bits := rotateBits
		if bits == 0 {
			bits = cfg.Keys.DefaultSize
		}

		encrypted, err := svc.IDs(ctx, true)
		if err != nil {
			return err
		}
		if len(encrypted) > 0 {
			fmt.Fprintln(out, uiWarning.Sprintf("Warning: %d encrypted notes will become permanently unreadable.", len(encrypted)))
		}
		if !rotateYes && !confirm(cmd.InOrStdin(), out, "Rotate the key?") {
			fmt.Fprintln(out, "Aborted")
			return nil
		}

		password, err := readPassword("Enter password: ")
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(password)
		if err := unlockWith(ctx, password); err != nil {
			return err
		}
		defer svc.Lock()

		stop := startSpinner("Generating key...")
		err = svc.RotateKey(ctx, bits, password, lock.ConfirmRotation)
		stop()
		if err != nil {
			return fmt.Errorf("failed to rotate key: %w", err)
		}

		fmt.Fprintf(out, "%s Rotated to a new %d-bit key\n", uiSuccess.Sprint("✓"), bits)
		return nil
	},
}
