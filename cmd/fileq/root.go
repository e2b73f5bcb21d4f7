//go:build unix

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vnykmshr/fileq/internal/config"
	"github.com/vnykmshr/fileq/internal/logging"
	"github.com/vnykmshr/fileq/internal/queue"
	"github.com/vnykmshr/fileq/internal/registry"
	"github.com/vnykmshr/fileq/pkg/fileq"
)

// app carries the resolved configuration into every subcommand.
type app struct {
	cfg     *config.Config
	cfgFile string
	noColor bool
	logger  logging.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{cfg: config.Default(), logger: logging.NoopLogger{}}

	root := &cobra.Command{
		Use:   "fileq",
		Short: "File-backed message queue tool",
		Long: `fileq manages message queue topics stored in memory-mapped files.

A topic is a set of files in one directory that any number of processes can
push to and pull from at the same time:

  <topic>.queue             header with pull and push cursors, then messages
  <topic>-pushStatus.queue  producer completion flag
  <topic>-dlq.queue         dead-letter queue
  <topic>-retry.json        delivery attempts of failed messages

Settings come from --config (YAML), FILEQ_* environment variables and flags,
in increasing precedence.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if a.noColor {
				color.NoColor = true
			}
			if err := a.cfg.Resolve(cmd.Flags(), a.cfgFile); err != nil {
				return err
			}
			logger, err := a.cfg.NewLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a.logger = logger
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "YAML config file")
	root.PersistentFlags().BoolVar(&a.noColor, "no-color", false, "disable colored output")
	a.cfg.BindFlags(root.PersistentFlags())

	root.AddCommand(
		newProduceCommand(a),
		newConsumeCommand(a),
		newPushCommand(a),
		newPullCommand(a),
		newDeleteCommand(a),
		newDoneCommand(a),
		newStatsCommand(a),
		newInspectCommand(a),
		newDLQCommand(a),
		newWatchdogCommand(a),
		newShellCommand(a),
		newCleanCommand(a),
		newVersionCommand(),
	)

	return root
}

// queueOptions converts the configuration into topic options.
func (a *app) queueOptions() *queue.Options {
	opts := queue.DefaultOptions()
	opts.Capacity = a.cfg.Queue.Capacity
	opts.ProcessingTimeout = a.cfg.Queue.ProcessingTimeout
	opts.MaxRetries = a.cfg.Queue.MaxRetries
	opts.DisableDeadLetter = a.cfg.Queue.DisableDeadLetter
	opts.MaxMessageSize = a.cfg.Queue.MaxMessageSize
	opts.MinFreeDiskSpace = a.cfg.Queue.MinFreeDiskSpace
	opts.Register = a.cfg.Queue.Register
	opts.Logger = a.logger
	return opts
}

// withTopic opens topic for the duration of fn.
func (a *app) withTopic(topic string, opts *queue.Options, fn func(s *queue.Service) error) error {
	if opts == nil {
		opts = a.queueOptions()
	}

	s, err := queue.Open(a.cfg.Dir, topic, opts)
	if err != nil {
		return fmt.Errorf("failed to open topic %s: %w", topic, err)
	}

	err = fn(s)
	if serr := s.Shutdown(); serr != nil && err == nil {
		err = serr
	}
	return err
}

func newCleanCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Delete every topic file in the directory",
		Long: `Delete every *.queue file and topic retry state in the directory,
including the watchdog registry. Running processes keep their mappings, so
stop them first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var removed int
			for _, pattern := range []string{"*.queue", "*-retry.json", registry.GuardFileName} {
				matches, err := filepath.Glob(filepath.Join(a.cfg.Dir, pattern))
				if err != nil {
					return err
				}
				for _, path := range matches {
					if err := os.Remove(path); err != nil {
						return err
					}
					removed++
					a.logger.Debug("removed file", logging.F("path", path))
				}
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d files from %s\n", removed, a.cfg.Dir)
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "fileq version %s\n", fileq.Version)
			return nil
		},
	}
}

// parseID parses a message id given on the command line.
func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid message id %q", s)
	}
	return id, nil
}
