package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/forest6511/foilnotes/pkg/keystore"
	"github.com/forest6511/foilnotes/pkg/note"
	"github.com/forest6511/foilnotes/pkg/notes"
	"github.com/forest6511/foilnotes/pkg/notevault"
	"github.com/forest6511/foilnotes/pkg/store"
)

// previewLength is the preview width in list output.
const previewLength = 40

var (
	addTitle      string
	addColor      string
	listEncrypted bool
	listSearch    string
	encryptAll    bool
	decryptAll    bool
	receiveTitle  string
)

func init() {
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(decryptCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(reorderCmd)
	rootCmd.AddCommand(shareCmd)
	rootCmd.AddCommand(receiveCmd)

	addCmd.Flags().StringVar(&addTitle, "title", "", "Note title")
	addCmd.Flags().StringVar(&addColor, "color", note.DefaultColor.String(), "Note color (#rrggbb)")
	listCmd.Flags().BoolVar(&listEncrypted, "encrypted", false, "List only encrypted note IDs")
	listCmd.Flags().StringVar(&listSearch, "search", "", "Show only plaintext notes containing this text")
	listCmd.MarkFlagsMutuallyExclusive("encrypted", "search")
	encryptCmd.Flags().BoolVar(&encryptAll, "all", false, "Encrypt every plaintext note")
	decryptCmd.Flags().BoolVar(&decryptAll, "all", false, "Decrypt every encrypted note")
	receiveCmd.Flags().StringVar(&receiveTitle, "title", "", "Title for the received note")
}

// addCmd stores a new plaintext note read from standard input.
var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a note from standard input",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		color, err := note.ParseColor(addColor)
		if err != nil {
			return err
		}
		body, err := readBody(cmd.InOrStdin())
		if err != nil {
			return err
		}

		n, err := svc.Add(cmd.Context(), addTitle, body, color)
		if err != nil {
			return fmt.Errorf("failed to add note: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), n.ID)
		return nil
	},
}

// readBody reads a note body, trimming one trailing newline.
func readBody(r io.Reader) (string, error) {
	b, err := io.ReadAll(io.LimitReader(r, note.MaxFieldLength+1))
	if err != nil {
		return "", fmt.Errorf("failed to read note body: %w", err)
	}
	body := strings.TrimSuffix(string(b), "\n")
	return strings.TrimSuffix(body, "\r"), nil
}

// listCmd lists notes without needing the password.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List notes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		var listing *notes.Listing
		var err error
		if listSearch != "" {
			listing, err = svc.Search(cmd.Context(), listSearch)
		} else {
			listing, err = svc.List(cmd.Context())
		}
		if err != nil {
			return fmt.Errorf("failed to list notes: %w", err)
		}

		if !listEncrypted {
			for _, n := range listing.Notes {
				title := n.Title
				if title == "" {
					title = uiMuted.Sprint("untitled")
				}
				fmt.Fprintf(out, "%s  %s  %s  %s  %s\n",
					n.ID, n.Color, title, n.Preview(previewLength), uiMuted.Sprint(humanize.Time(n.ModifiedAt)))
			}
		}
		for _, id := range listing.Encrypted {
			fmt.Fprintf(out, "%s  %s\n", id, uiMuted.Sprint("encrypted"))
		}

		if len(listing.Notes) == 0 && len(listing.Encrypted) == 0 {
			if listSearch != "" {
				fmt.Fprintln(out, "No matching notes")
			} else {
				fmt.Fprintln(out, "No notes stored")
			}
		}
		return nil
	},
}

// showCmd prints one note. Encrypted notes are decrypted in memory only.
var showCmd = &cobra.Command{
	Use:               "show [id]",
	Short:             "Show a note",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeNoteIDs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		n, err := svc.Get(ctx, args[0])
		if errors.Is(err, keystore.ErrLocked) {
			if err = ensureUnlocked(ctx); err != nil {
				return err
			}
			defer svc.Lock()
			n, err = svc.Get(ctx, args[0])
		}
		if err != nil {
			return fmt.Errorf("failed to get note: %w", err)
		}

		if n.Title != "" {
			fmt.Fprintf(out, "# %s\n", n.Title)
		}
		state := ""
		if n.Encrypted {
			state = ", " + uiWarning.Sprint("encrypted")
		}
		fmt.Fprintln(out, uiMuted.Sprintf("%s, modified %s%s", n.Color, humanize.Time(n.ModifiedAt), state))
		fmt.Fprintln(out)
		fmt.Fprintln(out, n.Body)
		return nil
	},
}

// encryptCmd encrypts notes in place.
var encryptCmd = &cobra.Command{
	Use:               "encrypt [id...]",
	Short:             "Encrypt notes",
	ValidArgsFunction: completeNoteIDs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		ids, err := selectIDs(cmd, args, encryptAll, false)
		if err != nil || len(ids) == 0 {
			return err
		}
		if err := ensureUnlocked(ctx); err != nil {
			return err
		}
		defer svc.Lock()

		results, err := svc.Encrypt(ctx, ids)
		if err != nil {
			return fmt.Errorf("failed to encrypt notes: %w", err)
		}
		return reportResults(cmd.OutOrStdout(), results)
	},
}

// decryptCmd stores encrypted notes as plaintext again.
var decryptCmd = &cobra.Command{
	Use:               "decrypt [id...]",
	Short:             "Decrypt notes",
	ValidArgsFunction: completeNoteIDs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		ids, err := selectIDs(cmd, args, decryptAll, true)
		if err != nil || len(ids) == 0 {
			return err
		}
		if err := ensureUnlocked(ctx); err != nil {
			return err
		}
		defer svc.Lock()

		results, err := svc.Decrypt(ctx, ids)
		if err != nil {
			return fmt.Errorf("failed to decrypt notes: %w", err)
		}
		return reportResults(cmd.OutOrStdout(), results)
	},
}

// selectIDs returns args, or every note with the encrypted flag when all is set.
func selectIDs(cmd *cobra.Command, args []string, all, encrypted bool) ([]string, error) {
	switch {
	case all && len(args) > 0:
		return nil, errors.New("give note IDs or --all, not both")
	case all:
		ids, err := svc.IDs(cmd.Context(), encrypted)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing to do")
		}
		return ids, nil
	case len(args) == 0:
		return nil, errors.New("no note IDs given (use --all for every note)")
	default:
		return args, nil
	}
}

// reportResults prints one line per note and fails if any note failed.
func reportResults[T any](out io.Writer, results []notevault.Result[T]) error {
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(out, "%s %s: %v\n", uiError.Sprint("✗"), r.ID, r.Err)
		} else {
			fmt.Fprintf(out, "%s %s\n", uiSuccess.Sprint("✓"), r.ID)
		}
	}
	summary := notevault.Summarize(results)
	if summary.Failed > 0 {
		return errors.New(summary.String())
	}
	fmt.Fprintln(out, summary)
	return nil
}

// deleteCmd deletes a note. Encrypted notes can be deleted while locked.
var deleteCmd = &cobra.Command{
	Use:               "delete [id]",
	Short:             "Delete a note",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeNoteIDs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := svc.Delete(cmd.Context(), args[0]); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("note %q not found", args[0])
			}
			return fmt.Errorf("failed to delete note: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Note %s deleted\n", args[0])
		return nil
	},
}

// reorderCmd sets the display order. Unlisted notes follow in their
// previous order.
var reorderCmd = &cobra.Command{
	Use:               "reorder id...",
	Short:             "Set the display order of notes",
	Args:              cobra.MinimumNArgs(1),
	ValidArgsFunction: completeNoteIDs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := svc.Reorder(cmd.Context(), args); err != nil {
			return fmt.Errorf("failed to reorder notes: %w", err)
		}
		return nil
	},
}

// shareCmd prints a plaintext note as share text.
var shareCmd = &cobra.Command{
	Use:               "share [id]",
	Short:             "Print a plaintext note as share text",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeNoteIDs,
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := svc.Share(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to share note: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), note.ShareText(payload))
		return nil
	},
}

// receiveCmd stores share text as a new plaintext note.
var receiveCmd = &cobra.Command{
	Use:   "receive [text]",
	Short: "Add a note from share text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := note.ParseShareText(args[0])
		if err != nil {
			return err
		}
		n, err := svc.Receive(cmd.Context(), payload, receiveTitle)
		if err != nil {
			return fmt.Errorf("failed to receive note: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), n.ID)
		return nil
	},
}
