//go:build unix

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newShellCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Run fileq commands interactively",
		Long: `Read fileq commands from standard input, one per line, and run them with
the flags the shell was started with. Arguments follow shell quoting rules.
Type 'exit' to quit.`,
		Example: `  fileq shell -d /var/lib/fileq
  > push orders "first order"
  > pull orders
  > stats orders`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			inherited := inheritedFlags(cmd.Flags(), cmd.Root().PersistentFlags())

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Using %s\n", a.cfg.Dir)
			_, _ = fmt.Fprintln(out, "Type commands. 'help' for information or 'exit' to quit.")

			reader := bufio.NewReader(cmd.InOrStdin())
			for {
				_, _ = fmt.Fprint(out, "> ")

				line, err := reader.ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("input error: %w", err)
				}
				eof := err != nil

				line = strings.TrimSpace(line)
				switch {
				case line == "exit" || line == "quit":
					return nil
				case line != "":
					runLine(cmd, line, inherited)
				}

				if eof {
					_, _ = fmt.Fprintln(out)
					return nil
				}
			}
		},
	}
}

// runLine runs one shell line as a fresh command tree. Failures are printed
// and never end the shell.
func runLine(cmd *cobra.Command, line string, inherited []string) {
	args, err := shellquote.Split(line)
	if err != nil {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "parse error:", err)
		return
	}
	if args[0] == "shell" {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "already in a shell")
		return
	}

	sub := newRootCommand()
	sub.SetArgs(append(args, inherited...))
	sub.SetOut(cmd.OutOrStdout())
	sub.SetErr(cmd.ErrOrStderr())
	sub.SetIn(strings.NewReader(""))
	_ = sub.ExecuteContext(cmd.Context())
}

// inheritedFlags renders the persistent flags set on the command line, so
// each shell line sees the same settings.
func inheritedFlags(fs, persistent *pflag.FlagSet) []string {
	var out []string
	fs.Visit(func(f *pflag.Flag) {
		if persistent.Lookup(f.Name) != nil {
			out = append(out, fmt.Sprintf("--%s=%s", f.Name, f.Value.String()))
		}
	})
	return out
}
