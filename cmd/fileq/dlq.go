//go:build unix

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vnykmshr/fileq/internal/queue"
)

func newDLQCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and drain a topic's dead-letter queue",
	}

	cmd.AddCommand(
		newDLQListCommand(a),
		newDLQPullCommand(a),
		newDLQRequeueCommand(a),
	)
	return cmd
}

func newDLQListCommand(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list <topic>",
		Short: "List waiting dead letters without consuming them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withTopic(args[0], nil, func(s *queue.Service) error {
				letters, err := s.DeadLetters(limit)
				if err != nil {
					return err
				}
				if len(letters) == 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No dead letters")
					return nil
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "ID\tSIZE\tPAYLOAD")
				for _, rec := range letters {
					_, _ = fmt.Fprintf(w, "%d\t%d\t%q\n", rec.Offset, len(rec.Payload), preview(rec.Payload))
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of dead letters to list (0 = all)")
	return cmd
}

func newDLQPullCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pull <topic>",
		Short: "Consume the next dead letter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withTopic(args[0], nil, func(s *queue.Service) error {
				msg, err := s.PullDeadLetter()
				if err != nil {
					return err
				}
				if msg == nil {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No dead letters")
					return nil
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", msg.ID, msg.Payload)
				return nil
			})
		},
	}
}

func newDLQRequeueCommand(a *app) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "requeue <topic>",
		Short: "Move dead letters back onto the topic",
		Long: `Move the next dead letter, or every one with --all, back onto the topic
with a fresh attempt budget. Prints the old and new id of each message.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withTopic(args[0], nil, func(s *queue.Service) error {
				var moved int
				for {
					msg, err := s.RequeueDeadLetter()
					if err != nil {
						return err
					}
					if msg == nil {
						break
					}
					moved++
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d -> %d\n", msg.ID, msg.NextID)
					if !all {
						break
					}
				}
				if moved == 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No dead letters")
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "requeue every waiting dead letter")
	return cmd
}
