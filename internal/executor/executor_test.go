//go:build unix

package executor_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/vnykmshr/fileq/internal/executor"
	"github.com/vnykmshr/fileq/internal/queue"
)

func topicOptions() *queue.Options {
	opts := queue.DefaultOptions()
	opts.Capacity = 256 * 1024
	opts.ProcessingTimeout = 500 * time.Millisecond
	return opts
}

func expectedMessages(producers, messages int) []string {
	var out []string
	for p := 0; p < producers; p++ {
		for i := 0; i < messages; i++ {
			out = append(out, fmt.Sprintf("producer%d-%d", p, i))
		}
	}
	return out
}

var _ = Describe("Producer and consumer pools", func() {
	var (
		dir   string
		topic string
		ctx   context.Context
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		topic = "executor"

		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		DeferCleanup(cancel)
	})

	Context("When producers run before consumers", func() {
		It("should deliver every message exactly once when handlers succeed", func() {
			produced, err := executor.Produce(ctx, dir, topic, executor.ProducerOptions{
				Producers: 3,
				Messages:  50,
				Queue:     topicOptions(),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(produced.Total).To(Equal(150))
			Expect(produced.Full).To(BeFalse())
			Expect(produced.RunID).NotTo(BeEmpty())

			consumed, err := executor.Consume(ctx, dir, topic, executor.ConsumerOptions{
				Consumers: 3,
				Queue:     topicOptions(),
				Collect:   true,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(consumed.Total).To(Equal(150))
			Expect(consumed.Messages).To(ConsistOf(expectedMessages(3, 50)))
			Expect(consumed.RunID).NotTo(Equal(produced.RunID))
		})

		It("should keep each producer's messages in push order for a single consumer", func() {
			_, err := executor.Produce(ctx, dir, topic, executor.ProducerOptions{
				Producers: 2,
				Messages:  20,
				Queue:     topicOptions(),
			})
			Expect(err).NotTo(HaveOccurred())

			consumed, err := executor.Consume(ctx, dir, topic, executor.ConsumerOptions{
				Consumers: 1,
				Queue:     topicOptions(),
				Collect:   true,
			})
			Expect(err).NotTo(HaveOccurred())

			next := map[string]int{}
			for _, m := range consumed.Messages {
				i := strings.LastIndex(m, "-")
				producer := m[:i]
				Expect(m[i+1:]).To(Equal(fmt.Sprint(next[producer])), "out of order: %s", m)
				next[producer]++
			}
		})

		It("should print processed payloads one per line", func() {
			_, err := executor.Produce(ctx, dir, topic, executor.ProducerOptions{
				Producers: 1,
				Messages:  3,
				Queue:     topicOptions(),
			})
			Expect(err).NotTo(HaveOccurred())

			var out bytes.Buffer
			_, err = executor.Consume(ctx, dir, topic, executor.ConsumerOptions{
				Consumers: 1,
				Queue:     topicOptions(),
				Output:    &out,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(out.String()).To(Equal("producer0-0\nproducer0-1\nproducer0-2\n"))
		})
	})

	Context("When producers and consumers run together", func() {
		It("should consume everything and stop once producers are done", func() {
			done := make(chan *executor.ConsumeResult, 1)
			go func() {
				defer GinkgoRecover()
				res, err := executor.Consume(ctx, dir, topic, executor.ConsumerOptions{
					Consumers: 2,
					Queue:     topicOptions(),
					Collect:   true,
				})
				Expect(err).NotTo(HaveOccurred())
				done <- res
			}()

			_, err := executor.Produce(ctx, dir, topic, executor.ProducerOptions{
				Producers: 2,
				Messages:  40,
				Queue:     topicOptions(),
			})
			Expect(err).NotTo(HaveOccurred())

			var res *executor.ConsumeResult
			Eventually(done, 20*time.Second).Should(Receive(&res))
			Expect(res.Messages).To(ConsistOf(expectedMessages(2, 40)))
		})
	})

	Context("When the topic fills up", func() {
		It("should stop producing and still mark the producers done", func() {
			opts := topicOptions()
			opts.Capacity = 1024

			produced, err := executor.Produce(ctx, dir, topic, executor.ProducerOptions{
				Producers: 2,
				Messages:  1000,
				Queue:     opts,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(produced.Full).To(BeTrue())
			Expect(produced.Total).To(BeNumerically(">", 0))
			Expect(produced.Total).To(BeNumerically("<", 2000))

			consumed, err := executor.Consume(ctx, dir, topic, executor.ConsumerOptions{
				Consumers: 1,
				Queue:     opts,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(consumed.Total).To(Equal(produced.Total))
		})
	})

	Context("When handlers fail", func() {
		It("should retry and finally dead-letter messages", func() {
			_, err := executor.Produce(ctx, dir, topic, executor.ProducerOptions{
				Producers: 1,
				Messages:  4,
				Queue:     topicOptions(),
			})
			Expect(err).NotTo(HaveOccurred())

			opts := topicOptions()
			opts.MaxRetries = 2
			opts.Handler = func(ctx context.Context, msg *queue.Message) error {
				if strings.HasSuffix(string(msg.Payload), "-1") {
					return errors.New("poison")
				}
				return nil
			}

			consumed, err := executor.Consume(ctx, dir, topic, executor.ConsumerOptions{
				Consumers: 2,
				Queue:     opts,
				Collect:   true,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(consumed.Messages).To(ConsistOf("producer0-0", "producer0-2", "producer0-3"))
			Expect(consumed.Outcomes[queue.OutcomeRetried]).To(Equal(1))
			Expect(consumed.Outcomes[queue.OutcomeDeadLettered]).To(Equal(1))

			s, err := queue.Open(dir, topic, opts)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(s.Shutdown)

			letters, err := s.DeadLetters(0)
			Expect(err).NotTo(HaveOccurred())
			Expect(letters).To(HaveLen(1))
			Expect(string(letters[0].Payload)).To(Equal("producer0-1"))
		})
	})

	Context("When options are invalid", func() {
		It("should reject empty pools", func() {
			_, err := executor.Produce(ctx, dir, topic, executor.ProducerOptions{Producers: 0})
			Expect(err).To(HaveOccurred())

			_, err = executor.Consume(ctx, dir, topic, executor.ConsumerOptions{Consumers: 0})
			Expect(err).To(HaveOccurred())
		})
	})

	Context("When the context is cancelled", func() {
		It("should stop consumers that wait for unfinished producers", func() {
			cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
			defer cancel()

			_, err := executor.Consume(cctx, dir, topic, executor.ConsumerOptions{
				Consumers: 2,
				Queue:     topicOptions(),
			})
			Expect(err).To(MatchError(context.DeadlineExceeded))
		})
	})
})
