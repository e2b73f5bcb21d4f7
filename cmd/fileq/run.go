//go:build unix

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vnykmshr/fileq/internal/executor"
	"github.com/vnykmshr/fileq/internal/logging"
	"github.com/vnykmshr/fileq/internal/metrics"
	"github.com/vnykmshr/fileq/internal/queue"
	"github.com/vnykmshr/fileq/internal/watchdog"
)

func newProduceCommand(a *app) *cobra.Command {
	var producers, messages int

	cmd := &cobra.Command{
		Use:   "produce <topic>",
		Short: "Run concurrent producers against a topic",
		Long: `Run --producers producers, each pushing --messages messages named
"producer<i>-<n>", then mark the topic producer-done.`,
		Example: `  fileq produce orders --producers 4 --messages 1000`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result, err := executor.Produce(ctx, a.cfg.Dir, args[0], executor.ProducerOptions{
				Producers: producers,
				Messages:  messages,
				Queue:     a.queueOptions(),
				Logger:    a.logger,
			})
			if result != nil {
				printCounts(cmd.OutOrStdout(), "Run "+result.RunID, "Pushed", result.Pushed, result.Total)
				if result.Full {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Topic is full")
				}
			}
			return err
		},
	}

	cmd.Flags().IntVarP(&producers, "producers", "p", 1, "number of concurrent producers")
	cmd.Flags().IntVarP(&messages, "messages", "m", 100, "messages pushed by each producer")
	return cmd
}

func newConsumeCommand(a *app) *cobra.Command {
	var (
		consumers int
		printAll  bool
		work      time.Duration
		failOn    string
	)

	cmd := &cobra.Command{
		Use:   "consume <topic>",
		Short: "Run concurrent consumers until a topic is drained",
		Long: `Run --consumers consumers until every message was consumed and the topic's
producers are done. --fail-on makes the handler reject payloads containing
the given text, which exercises retries and the dead-letter queue.`,
		Example: `  fileq consume orders --consumers 4 --print
  fileq consume orders --fail-on poison --max-retries 2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic := args[0]
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			qopts := a.queueOptions()
			qopts.Handler = simulatedHandler(work, failOn)

			if a.cfg.Metrics.Addr != "" {
				set := metrics.NewSet()
				qopts.MetricsCollector = set.Get(topic)

				reg := newRegistry()
				if err := reg.Register(set); err != nil {
					return err
				}
				shutdown := serveMetrics(a.cfg.Metrics.Addr, reg, a.logger)
				defer shutdown()
			}

			copts := executor.ConsumerOptions{
				Consumers: consumers,
				Queue:     qopts,
				Logger:    a.logger,
			}
			if printAll {
				copts.Output = cmd.OutOrStdout()
			}

			result, err := executor.Consume(ctx, a.cfg.Dir, topic, copts)
			if result != nil {
				printCounts(cmd.ErrOrStderr(), "Run "+result.RunID, "Consumed", result.Consumed, result.Total)
				printOutcomes(cmd.ErrOrStderr(), result.Outcomes)
			}
			return err
		},
	}

	cmd.Flags().IntVarP(&consumers, "consumers", "n", 1, "number of concurrent consumers")
	cmd.Flags().BoolVar(&printAll, "print", false, "print each processed payload")
	cmd.Flags().DurationVar(&work, "work", 0, "simulated processing time per message")
	cmd.Flags().StringVar(&failOn, "fail-on", "", "reject payloads containing this text")
	return cmd
}

// simulatedHandler waits work, then rejects payloads containing failOn.
func simulatedHandler(work time.Duration, failOn string) queue.Handler {
	return func(ctx context.Context, msg *queue.Message) error {
		if work > 0 {
			timer := time.NewTimer(work)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
		if failOn != "" && strings.Contains(string(msg.Payload), failOn) {
			return fmt.Errorf("payload contains %q", failOn)
		}
		return nil
	}
}

func newWatchdogCommand(a *app) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "watchdog",
		Short: "Report and redeliver messages stuck in process",
		Long: `Scan every registered topic in the directory each --watchdog-interval.
A message seen IN_PROCESS on two consecutive scans is reported stuck, and
redelivered with --requeue. Only one watchdog runs per directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := watchdog.DefaultOptions()
			opts.Interval = a.cfg.Watchdog.Interval
			opts.Requeue = a.cfg.Watchdog.Requeue
			opts.MaxRetries = a.cfg.Queue.MaxRetries
			opts.Logger = a.logger

			var reg *prometheus.Registry
			if a.cfg.Metrics.Addr != "" {
				reg = newRegistry()
				opts.Registerer = reg
			}

			w, err := watchdog.New(a.cfg.Dir, opts)
			if err != nil {
				return err
			}

			if once {
				return scanOnce(cmd.OutOrStdout(), w)
			}

			if reg != nil {
				shutdown := serveMetrics(a.cfg.Metrics.Addr, reg, a.logger)
				defer shutdown()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return w.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single scan and print its findings")
	return cmd
}

// scanOnce runs one scan. Without a previous scan nothing can be stuck yet,
// so it records the in-flight set first and reports on the second pass.
func scanOnce(out io.Writer, w *watchdog.Watchdog) error {
	if _, err := w.Scan(); err != nil {
		return err
	}
	stuck, err := w.Scan()
	if err != nil {
		return err
	}

	if len(stuck) == 0 {
		_, _ = fmt.Fprintln(out, "No stuck messages")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TOPIC\tID\tOUTCOME\tNEXT ID")
	for _, s := range stuck {
		outcome, next := "reported", "-"
		if s.Outcome != queue.OutcomePending {
			outcome, next = outcomeString(s.Outcome), fmt.Sprint(s.NextID)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", s.Topic, s.ID, outcome, next)
	}
	return tw.Flush()
}

// newRegistry returns a registry carrying the Go runtime and process
// collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// serveMetrics serves reg on addr until the returned function is called.
func serveMetrics(addr string, reg *prometheus.Registry, logger logging.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("serving metrics", logging.F("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", logging.F("addr", addr), logging.Err(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("metrics server shutdown failed", logging.Err(err))
		}
	}
}

func printCounts(out io.Writer, title, label string, counts map[string]int, total int) {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, title)
	for _, name := range names {
		_, _ = fmt.Fprintf(w, "%s:\t%d\n", name, counts[name])
	}
	_, _ = fmt.Fprintf(w, "%s Total:\t%d\n", label, total)
	_ = w.Flush()
}

func printOutcomes(out io.Writer, outcomes map[queue.Outcome]int) {
	keys := make([]queue.Outcome, 0, len(outcomes))
	for o := range outcomes {
		keys = append(keys, o)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, o := range keys {
		_, _ = fmt.Fprintf(w, "%s:\t%d\n", outcomeString(o), outcomes[o])
	}
	_ = w.Flush()
}
