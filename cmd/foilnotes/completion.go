package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forest6511/foilnotes/internal/config"
	"github.com/forest6511/foilnotes/pkg/audit"
	"github.com/forest6511/foilnotes/pkg/notes"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script for your shell",
	Long: `To load completions:

Bash:
  $ source <(foilnotes completion bash)

  # To load for each session (Linux):
  $ foilnotes completion bash > ~/.local/share/bash-completion/completions/foilnotes

Zsh:
  $ foilnotes completion zsh > ~/.zsh/completions/_foilnotes
  # (create ~/.zsh/completions if needed, add to fpath in .zshrc)

Fish:
  $ foilnotes completion fish > ~/.config/fish/completions/foilnotes.fish

PowerShell:
  PS> foilnotes completion powershell >> $PROFILE

Note IDs are completed without asking for the password; they are never
secret.
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletion(os.Stdout)
		case "zsh":
			return cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			return cmd.Root().GenFishCompletion(os.Stdout, true)
		case "powershell":
			return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}

// completeNoteIDs completes note IDs. It reads the store directly and
// never prompts.
func completeNoteIDs(cmd *cobra.Command, _ []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	s := svc
	if s == nil {
		dir := dataDir
		if dir == "" {
			var err error
			if dir, err = config.Dir(); err != nil {
				return nil, cobra.ShellCompDirectiveError
			}
		}
		c, err := config.Load(dir)
		if err != nil {
			return nil, cobra.ShellCompDirectiveError
		}
		c.Audit.Disabled = true
		if s, err = notes.Open(cmd.Context(), dir, c, audit.SourceCLI, nil, nil); err != nil {
			return nil, cobra.ShellCompDirectiveError
		}
		defer s.Close()
	}

	var ids []string
	for _, encrypted := range []bool{false, true} {
		all, err := s.IDs(cmd.Context(), encrypted)
		if err != nil {
			return nil, cobra.ShellCompDirectiveError
		}
		for _, id := range all {
			if strings.HasPrefix(id, toComplete) {
				ids = append(ids, id)
			}
		}
	}
	return ids, cobra.ShellCompDirectiveNoFileComp
}
