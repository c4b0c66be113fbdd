package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/triage/common/clock"
	"basegraph.app/triage/internal/broker"
	"basegraph.app/triage/internal/deadletter"
	"basegraph.app/triage/internal/domain"
	"basegraph.app/triage/internal/gateway"
)

type fakeBroker struct {
	mu           sync.Mutex
	subscribeErr error
	batches      [][]broker.Record
	panicOnPoll  int
	polls        int
	acked        []broker.Record
	published    []publishedRecord
}

type publishedRecord struct {
	topic string
	key   string
	value any
}

func (b *fakeBroker) Subscribe(_ context.Context, group, instance string, topics []string) (broker.Session, error) {
	if b.subscribeErr != nil {
		return broker.Session{}, b.subscribeErr
	}
	return broker.Session{Group: group, Instance: instance, Topics: topics}, nil
}

func (b *fakeBroker) Poll(context.Context, broker.Session, time.Duration) []broker.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.polls++
	if b.panicOnPoll == b.polls {
		panic("connection reset")
	}
	if len(b.batches) == 0 {
		return nil
	}
	batch := b.batches[0]
	b.batches = b.batches[1:]
	return batch
}

func (b *fakeBroker) Ack(_ context.Context, _ broker.Session, rec broker.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, rec)
	return nil
}

func (b *fakeBroker) Publish(_ context.Context, topic, key string, value any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishedRecord{topic: topic, key: key, value: value})
	return nil
}

func (b *fakeBroker) Close() error { return nil }

type mockForwarder struct {
	forwardFn func(ctx context.Context, event domain.Event) error
	forwarded []string
}

func (m *mockForwarder) Forward(ctx context.Context, event domain.Event) error {
	m.forwarded = append(m.forwarded, event.EventID)
	if m.forwardFn != nil {
		return m.forwardFn(ctx, event)
	}
	return nil
}

func eventRecord(eventID, projectID string) broker.Record {
	value, err := json.Marshal(map[string]any{
		"event_id":   eventID,
		"project_id": projectID,
		"source":     "github",
		"type":       "issue.opened",
	})
	Expect(err).NotTo(HaveOccurred())
	return broker.Record{Topic: "issues", Key: projectID, Value: value}
}

func testConfig() gateway.Config {
	return gateway.Config{
		Group:        "agent-gw",
		Instance:     "gw-1",
		Topics:       []string{"issues", "builds", "vendors"},
		PollTimeout:  500 * time.Millisecond,
		IdleDelay:    100 * time.Millisecond,
		ErrorBackoff: 5 * time.Second,
	}
}

var _ = Describe("Consumer", func() {
	var (
		ctx       context.Context
		cancel    context.CancelFunc
		fb        *fakeBroker
		fwd       *mockForwarder
		clk       *clock.Fake
		consumer  *gateway.Consumer
		cancelled bool
	)

	// cancelAfterWaits stops the loop on the n-th sleep.
	cancelAfterWaits := func(n int) {
		count := 0
		clk.OnWait(func(time.Duration) {
			count++
			if count >= n {
				cancelled = true
				cancel()
			}
		})
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		fb = &fakeBroker{}
		fwd = &mockForwarder{}
		clk = clock.NewFake(time.Unix(1700000000, 0))
		cancelled = false
		router := deadletter.NewRouter(fb, "dlq", clk)
		consumer = gateway.NewConsumer(fb, fwd, router, clk, testConfig(), gateway.Hooks{})
	})

	AfterEach(func() {
		cancel()
	})

	Describe("Start", func() {
		It("subscribes the configured group and instance", func() {
			Expect(consumer.State()).To(Equal(gateway.StateStarting))

			Expect(consumer.Start(ctx)).To(Succeed())

			Expect(consumer.State()).To(Equal(gateway.StateSubscribed))
		})

		It("returns subscribe failures to the caller", func() {
			fb.subscribeErr = errors.New("connection refused")

			err := consumer.Start(ctx)

			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("connection refused"))
			Expect(consumer.State()).To(Equal(gateway.StateStarting))
		})
	})

	Describe("Run", func() {
		BeforeEach(func() {
			Expect(consumer.Start(ctx)).To(Succeed())
		})

		It("sleeps the idle delay after an empty poll without erroring", func() {
			cancelAfterWaits(1)

			err := consumer.Run(ctx)

			Expect(err).To(MatchError(context.Canceled))
			Expect(cancelled).To(BeTrue())
			Expect(clk.Waits()).To(Equal([]time.Duration{100 * time.Millisecond}))
			Expect(fb.polls).To(Equal(1))
			Expect(fwd.forwarded).To(BeEmpty())
			Expect(consumer.State()).To(Equal(gateway.StateStopped))
		})

		It("dead-letters a timed-out event and keeps processing the batch", func() {
			fb.batches = [][]broker.Record{{
				eventRecord("e1", "alpha"),
				eventRecord("e2", "beta"),
				eventRecord("e3", "alpha"),
			}}
			fwd.forwardFn = func(_ context.Context, event domain.Event) error {
				if event.EventID == "e2" {
					return context.DeadlineExceeded
				}
				return nil
			}
			cancelAfterWaits(1)

			Expect(consumer.Run(ctx)).To(MatchError(context.Canceled))

			Expect(fwd.forwarded).To(Equal([]string{"e1", "e2", "e3"}))
			Expect(fb.published).To(HaveLen(1))
			dlq := fb.published[0]
			Expect(dlq.topic).To(Equal("dlq"))
			Expect(dlq.key).To(Equal("beta"))
			record, ok := dlq.value.(domain.DLQRecord)
			Expect(ok).To(BeTrue())
			Expect(record.OriginalEvent.EventID).To(Equal("e2"))
			Expect(record.OriginalEvent.ProjectID).To(Equal("beta"))
			Expect(record.Error).NotTo(BeEmpty())
			Expect(record.Timestamp).To(BeNumerically(">", 0))
			Expect(fb.acked).To(HaveLen(3))
		})

		It("finishes the polled batch when cancelled mid-batch", func() {
			fb.batches = [][]broker.Record{{
				eventRecord("e1", "alpha"),
				eventRecord("e2", "beta"),
				eventRecord("e3", "alpha"),
			}}
			fwd.forwardFn = func(_ context.Context, event domain.Event) error {
				switch event.EventID {
				case "e1":
					cancel()
				case "e2":
					return errors.New("agent unavailable")
				}
				return nil
			}

			Expect(consumer.Run(ctx)).To(MatchError(context.Canceled))

			Expect(fwd.forwarded).To(Equal([]string{"e1", "e2", "e3"}))
			Expect(fb.published).To(HaveLen(1))
			Expect(fb.published[0].value.(domain.DLQRecord).OriginalEvent.EventID).To(Equal("e2"))
			Expect(fb.acked).To(HaveLen(3))
			Expect(fb.polls).To(Equal(1))
		})

		It("drops malformed records without forwarding or dead-lettering them", func() {
			fb.batches = [][]broker.Record{{
				{Topic: "issues"},
				{Topic: "issues", Value: json.RawMessage(`{"event_id":`)},
				{Topic: "builds", Value: json.RawMessage(`{"event_id":"e1"}`)},
				eventRecord("e2", "alpha"),
			}}
			cancelAfterWaits(1)

			Expect(consumer.Run(ctx)).To(MatchError(context.Canceled))

			Expect(fwd.forwarded).To(Equal([]string{"e2"}))
			Expect(fb.published).To(BeEmpty())
			Expect(fb.acked).To(HaveLen(4))
		})

		It("treats a forwarder panic as a forwarding failure", func() {
			fb.batches = [][]broker.Record{{eventRecord("e1", "alpha"), eventRecord("e2", "alpha")}}
			fwd.forwardFn = func(_ context.Context, event domain.Event) error {
				if event.EventID == "e1" {
					panic("nil map")
				}
				return nil
			}
			cancelAfterWaits(1)

			Expect(consumer.Run(ctx)).To(MatchError(context.Canceled))

			Expect(fwd.forwarded).To(Equal([]string{"e1", "e2"}))
			Expect(fb.published).To(HaveLen(1))
			record := fb.published[0].value.(domain.DLQRecord)
			Expect(record.Error).To(ContainSubstring("panic"))
		})

		It("backs off after a failed iteration and then polls again", func() {
			fb.panicOnPoll = 1
			cancelAfterWaits(2)

			Expect(consumer.Run(ctx)).To(MatchError(context.Canceled))

			Expect(clk.Waits()).To(Equal([]time.Duration{5 * time.Second, 100 * time.Millisecond}))
			Expect(fb.polls).To(Equal(2))
		})

		It("reports forwarding through hooks", func() {
			var (
				polls    []int
				forwards []error
				dlqs     int
			)
			consumer = gateway.NewConsumer(fb, fwd, deadletter.NewRouter(fb, "dlq", clk), clk, testConfig(), gateway.Hooks{
				OnPoll:       func(n int) { polls = append(polls, n) },
				OnForward:    func(_ string, err error, _ float64) { forwards = append(forwards, err) },
				OnDeadLetter: func(error) { dlqs++ },
			})
			Expect(consumer.Start(ctx)).To(Succeed())
			fb.batches = [][]broker.Record{{eventRecord("e1", "alpha")}}
			fwd.forwardFn = func(context.Context, domain.Event) error { return errors.New("502") }
			cancelAfterWaits(1)

			Expect(consumer.Run(ctx)).To(MatchError(context.Canceled))

			Expect(polls).To(Equal([]int{1, 0}))
			Expect(forwards).To(HaveLen(1))
			Expect(forwards[0]).To(MatchError(gateway.ErrForward))
			Expect(dlqs).To(Equal(1))
		})
	})

	Describe("Stop", func() {
		It("ends the loop and returns once it has exited", func() {
			consumer = gateway.NewConsumer(fb, fwd, deadletter.NewRouter(fb, "dlq", clock.Real()), clock.Real(), gateway.Config{
				Group:     "agent-gw",
				Instance:  "gw-1",
				Topics:    []string{"issues"},
				IdleDelay: 5 * time.Millisecond,
			}, gateway.Hooks{})
			Expect(consumer.Start(ctx)).To(Succeed())

			done := make(chan error, 1)
			go func() { done <- consumer.Run(ctx) }()

			Eventually(func() int {
				fb.mu.Lock()
				defer fb.mu.Unlock()
				return fb.polls
			}).Should(BeNumerically(">", 1))

			consumer.Stop()

			Eventually(done).Should(Receive(BeNil()))
			Expect(consumer.State()).To(Equal(gateway.StateStopped))
		})
	})
})
