//go:build unix

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vnykmshr/fileq/internal/format"
	"github.com/vnykmshr/fileq/internal/queue"
	"github.com/vnykmshr/fileq/internal/registry"
)

func newPushCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "push <topic> [message...]",
		Short: "Push messages to a topic",
		Long: `Push each argument as one message. Without message arguments, every
line read from standard input is pushed. The id of each message is printed.`,
		Example: `  fileq push orders "order 1" "order 2"
  seq 10 | fileq push numbers`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withTopic(args[0], nil, func(s *queue.Service) error {
				out := cmd.OutOrStdout()
				push := func(payload string) error {
					id, err := s.Push([]byte(payload))
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintln(out, id)
					return nil
				}

				if len(args) > 1 {
					for _, payload := range args[1:] {
						if err := push(payload); err != nil {
							return err
						}
					}
					return nil
				}

				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					if err := push(scanner.Text()); err != nil {
						return err
					}
				}
				return scanner.Err()
			})
		},
	}
}

func newPullCommand(a *app) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "pull <topic>",
		Short: "Pull and acknowledge messages",
		Long: `Pull up to --count messages, marking each one processed, and print its id,
attempt and payload. Stops early once nothing is waiting.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be >= 1")
			}
			return a.withTopic(args[0], nil, func(s *queue.Service) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				defer func() { _ = w.Flush() }()

				for pulled := 0; pulled < count; {
					msg, err := s.Pull(cmd.Context())
					if err != nil {
						return err
					}
					if msg == nil {
						waiting, err := pending(s)
						if err != nil {
							return err
						}
						if !waiting {
							return nil
						}
						continue
					}
					pulled++
					_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", msg.ID, outcomeString(msg.Outcome), msg.Attempt, msg.Payload)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "maximum number of messages to pull")
	return cmd
}

// pending reports whether the pull cursor has undeleted records ahead of it.
func pending(s *queue.Service) (bool, error) {
	stats, err := s.Stats()
	if err != nil {
		return false, err
	}
	return stats.PendingMessages > 0, nil
}

func newDeleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <topic> <id>",
		Short: "Delete a message that was not delivered yet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			return a.withTopic(args[0], nil, func(s *queue.Service) error {
				if err := s.Delete(id); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted message %d\n", id)
				return nil
			})
		},
	}
}

func newDoneCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "done <topic>",
		Short: "Mark a topic's producers as done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withTopic(args[0], nil, func(s *queue.Service) error {
				if err := s.MarkProducerDone(); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Topic %s marked producer-done\n", args[0])
				return nil
			})
		},
	}
}

func newStatsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [topic...]",
		Short: "Show topic statistics",
		Long:  `Show statistics for the given topics, or for every registered topic.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			topics := args
			if len(topics) == 0 {
				var err error
				if topics, err = registry.Topics(a.cfg.Dir); err != nil {
					return err
				}
				if len(topics) == 0 {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "No registered topics in %s\n", a.cfg.Dir)
					return nil
				}
			}

			for i, topic := range topics {
				if i > 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout())
				}
				err := a.withTopic(topic, nil, func(s *queue.Service) error {
					stats, err := s.Stats()
					if err != nil {
						return err
					}
					return printStats(cmd.OutOrStdout(), stats)
				})
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func printStats(out io.Writer, stats *queue.Stats) error {
	title := color.New(color.Bold).SprintFunc()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, title("Topic "+stats.Topic))
	_, _ = fmt.Fprintf(w, "Capacity:\t%d\n", stats.Capacity)
	_, _ = fmt.Fprintf(w, "Free Bytes:\t%d\n", stats.FreeBytes)
	_, _ = fmt.Fprintf(w, "Pull Cursor:\t%d\n", stats.PullCursor)
	_, _ = fmt.Fprintf(w, "Push Cursor:\t%d\n", stats.PushCursor)
	_, _ = fmt.Fprintf(w, "Total Messages:\t%d\n", stats.TotalMessages)
	_, _ = fmt.Fprintf(w, "Pending Messages:\t%d\n", stats.PendingMessages)
	_, _ = fmt.Fprintf(w, "Unprocessed:\t%d\n", stats.Unprocessed)
	_, _ = fmt.Fprintf(w, "In Process:\t%s\n", colorCount(stats.InProcess, color.FgYellow))
	_, _ = fmt.Fprintf(w, "Processed:\t%s\n", colorCount(stats.Processed, color.FgGreen))
	_, _ = fmt.Fprintf(w, "Deleted:\t%d\n", stats.Deleted)
	_, _ = fmt.Fprintf(w, "Dead Letters:\t%s\n", colorCount(stats.DLQMessages, color.FgRed))
	_, _ = fmt.Fprintf(w, "Dead Letters Pending:\t%d\n", stats.DLQPendingMessages)
	_, _ = fmt.Fprintf(w, "Retry Tracked:\t%d\n", stats.RetryTrackedMessages)
	_, _ = fmt.Fprintf(w, "Producer Done:\t%t\n", stats.ProducerDone)

	if stats.TotalMessages > 0 {
		consumedPct := float64(stats.TotalMessages-stats.PendingMessages) / float64(stats.TotalMessages) * 100
		_, _ = fmt.Fprintf(w, "Consumed:\t%.1f%%\n", consumedPct)
	}

	return w.Flush()
}

func colorCount(n uint64, attr color.Attribute) string {
	if n == 0 {
		return "0"
	}
	return color.New(attr).Sprint(n)
}

func outcomeString(o queue.Outcome) string {
	switch o {
	case queue.OutcomeProcessed, queue.OutcomeRequeued:
		return color.GreenString(o.String())
	case queue.OutcomeRetried:
		return color.YellowString(o.String())
	case queue.OutcomeDeadLettered, queue.OutcomeDropped:
		return color.RedString(o.String())
	default:
		return o.String()
	}
}

// inspection is the JSON document printed by inspect.
type inspection struct {
	Topic     string          `json:"topic"`
	Directory string          `json:"directory"`
	Stats     *queue.Stats    `json:"stats"`
	Records   []inspectRecord `json:"records,omitempty"`
	Timestamp string          `json:"timestamp"`
}

type inspectRecord struct {
	ID      uint64 `json:"id"`
	Status  string `json:"status"`
	Size    int    `json:"size"`
	Payload string `json:"payload"`
}

func newInspectCommand(a *app) *cobra.Command {
	var records bool

	cmd := &cobra.Command{
		Use:   "inspect <topic>",
		Short: "Print topic state as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withTopic(args[0], nil, func(s *queue.Service) error {
				stats, err := s.Stats()
				if err != nil {
					return err
				}

				doc := inspection{
					Topic:     s.Topic(),
					Directory: s.Dir(),
					Stats:     stats,
					Timestamp: time.Now().UTC().Format(time.RFC3339),
				}

				if records {
					err := s.Scan(func(rec *format.Record) error {
						doc.Records = append(doc.Records, inspectRecord{
							ID:      rec.Offset,
							Status:  rec.Status.String(),
							Size:    len(rec.Payload),
							Payload: preview(rec.Payload),
						})
						return nil
					})
					if err != nil {
						return err
					}
				}

				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(doc)
			})
		},
	}

	cmd.Flags().BoolVar(&records, "records", false, "include every record")
	return cmd
}

// preview shortens payloads to their first 100 bytes.
func preview(payload []byte) string {
	if len(payload) > 100 {
		return string(payload[:100]) + "..."
	}
	return string(payload)
}

