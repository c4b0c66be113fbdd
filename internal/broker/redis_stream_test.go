package broker_test

import (
	"context"
	"encoding/json"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"basegraph.app/triage/internal/broker"
)

var _ = Describe("Redis", func() {
	const claimMinIdle = 200 * time.Millisecond

	var (
		ctx    context.Context
		server *miniredis.Miniredis
		client *broker.Redis
		topics = []string{"issues", "builds"}
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		server, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(server.Close)

		client = broker.NewRedis(
			redis.NewClient(&redis.Options{Addr: server.Addr()}),
			broker.RedisConfig{StreamPrefix: "triage:", BatchSize: 10, ClaimMinIdle: claimMinIdle},
		)
		DeferCleanup(client.Close)
	})

	Describe("Subscribe", func() {
		It("creates a consumer group per stream and reuses it on resubscribe", func() {
			first, err := client.Subscribe(ctx, "agent-gw", "i1", topics)
			Expect(err).NotTo(HaveOccurred())

			second, err := client.Subscribe(ctx, "agent-gw", "i1", topics)
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(Equal(first))

			Expect(server.Keys()).To(ConsistOf("triage:issues", "triage:builds"))
		})
	})

	Describe("Poll", func() {
		var session broker.Session

		BeforeEach(func() {
			var err error
			session, err = client.Subscribe(ctx, "agent-gw", "i1", topics)
			Expect(err).NotTo(HaveOccurred())
		})

		It("returns published records once per group", func() {
			Expect(client.Publish(ctx, "issues", "e1", map[string]string{"event_id": "e1"})).To(Succeed())
			Expect(client.Publish(ctx, "builds", "e2", map[string]string{"event_id": "e2"})).To(Succeed())

			records := client.Poll(ctx, session, 10*time.Millisecond)
			Expect(records).To(HaveLen(2))

			byTopic := map[string]broker.Record{}
			for _, rec := range records {
				byTopic[rec.Topic] = rec
			}
			Expect(byTopic).To(HaveKey("issues"))
			Expect(byTopic["issues"].Key).To(Equal("e1"))
			Expect(byTopic["issues"].ID).NotTo(BeEmpty())

			var value map[string]string
			Expect(json.Unmarshal(byTopic["builds"].Value, &value)).To(Succeed())
			Expect(value).To(Equal(map[string]string{"event_id": "e2"}))

			Expect(client.Poll(ctx, session, 10*time.Millisecond)).To(BeEmpty())
		})

		It("returns on an empty stream when the timeout is zero", func() {
			done := make(chan []broker.Record, 1)
			go func() { done <- client.Poll(ctx, session, 0) }()

			Eventually(done).WithTimeout(2 * time.Second).Should(Receive(BeEmpty()))
		})

		It("lets another instance reclaim records left unacked", func() {
			Expect(client.Publish(ctx, "issues", "e1", map[string]string{"event_id": "e1"})).To(Succeed())
			Expect(client.Publish(ctx, "builds", "e2", map[string]string{"event_id": "e2"})).To(Succeed())

			records := client.Poll(ctx, session, 10*time.Millisecond)
			Expect(records).To(HaveLen(2))
			for _, rec := range records {
				if rec.Topic == "issues" {
					Expect(client.Ack(ctx, session, rec)).To(Succeed())
				}
			}

			time.Sleep(claimMinIdle + 100*time.Millisecond)

			other, err := client.Subscribe(ctx, "agent-gw", "i2", topics)
			Expect(err).NotTo(HaveOccurred())

			reclaimed := client.Poll(ctx, other, 10*time.Millisecond)
			Expect(reclaimed).To(HaveLen(1))
			Expect(reclaimed[0].Topic).To(Equal("builds"))
			Expect(reclaimed[0].Key).To(Equal("e2"))

			Expect(client.Ack(ctx, other, reclaimed[0])).To(Succeed())
			time.Sleep(claimMinIdle + 100*time.Millisecond)
			Expect(client.Poll(ctx, other, 10*time.Millisecond)).To(BeEmpty())
		})

		It("treats a record without an id as already acked", func() {
			Expect(client.Ack(ctx, session, broker.Record{Topic: "issues"})).To(Succeed())
		})
	})
})
