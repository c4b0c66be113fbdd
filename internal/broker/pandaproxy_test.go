package broker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/triage/internal/broker"
)

type capturedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

type fakeProxy struct {
	mu       sync.Mutex
	requests []capturedRequest
	handle   func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, capturedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: r.Header.Clone(),
		Body:   body,
	})
	handle := f.handle
	f.mu.Unlock()
	handle(w, r)
}

func (f *fakeProxy) Requests() []capturedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]capturedRequest(nil), f.requests...)
}

var _ = Describe("Pandaproxy", func() {
	var (
		proxy  *fakeProxy
		server *httptest.Server
		client *broker.Pandaproxy
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		proxy = &fakeProxy{}
		server = httptest.NewServer(proxy)
		client = broker.NewPandaproxy(server.URL)
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("Subscribe", func() {
		It("creates the instance then subscribes at the returned base uri", func() {
			proxy.handle = func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/consumers/agent-gw":
					_, _ = w.Write([]byte(`{"instance_id":"gw-1","base_uri":"` + server.URL + `/consumers/agent-gw/instances/gw-1"}`))
				default:
					w.WriteHeader(http.StatusNoContent)
				}
			}

			session, err := client.Subscribe(ctx, "agent-gw", "gw-1", []string{"issues", "builds", "vendors"})

			Expect(err).NotTo(HaveOccurred())
			Expect(session.BaseURI).To(Equal(server.URL + "/consumers/agent-gw/instances/gw-1"))

			reqs := proxy.Requests()
			Expect(reqs).To(HaveLen(2))
			Expect(reqs[0].Header.Get("Content-Type")).To(Equal("application/vnd.kafka.v2+json"))

			var create map[string]string
			Expect(json.Unmarshal(reqs[0].Body, &create)).To(Succeed())
			Expect(create).To(Equal(map[string]string{"name": "gw-1", "format": "json"}))

			Expect(reqs[1].Path).To(Equal("/consumers/agent-gw/instances/gw-1/subscription"))
			var sub map[string][]string
			Expect(json.Unmarshal(reqs[1].Body, &sub)).To(Succeed())
			Expect(sub["topics"]).To(Equal([]string{"issues", "builds", "vendors"}))
		})

		It("reuses the deterministic instance uri on 409", func() {
			proxy.handle = func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/consumers/agent-gw" {
					w.WriteHeader(http.StatusConflict)
					return
				}
				w.WriteHeader(http.StatusNoContent)
			}

			session, err := client.Subscribe(ctx, "agent-gw", "gw-1", []string{"issues"})

			Expect(err).NotTo(HaveOccurred())
			Expect(session.BaseURI).To(Equal(client.InstanceURI("agent-gw", "gw-1")))
			Expect(proxy.Requests()[1].Path).To(Equal("/consumers/agent-gw/instances/gw-1/subscription"))
		})

		It("fails on any other create error", func() {
			proxy.handle = func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			}

			_, err := client.Subscribe(ctx, "agent-gw", "gw-1", []string{"issues"})

			Expect(err).To(HaveOccurred())
			Expect(proxy.Requests()).To(HaveLen(1))
		})

		It("fails when the proxy is unreachable", func() {
			unreachable := broker.NewPandaproxy("http://127.0.0.1:1")

			_, err := unreachable.Subscribe(ctx, "agent-gw", "gw-1", []string{"issues"})

			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Poll", func() {
		var session broker.Session

		BeforeEach(func() {
			session = broker.Session{Group: "agent-gw", Instance: "gw-1", BaseURI: server.URL + "/consumers/agent-gw/instances/gw-1"}
		})

		It("decodes records in order", func() {
			proxy.handle = func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`[
					{"topic":"issues","key":"alpha","value":{"event_id":"e1","project_id":"alpha"},"partition":0,"offset":7},
					{"topic":"issues","key":null,"value":{"event_id":"e2","project_id":"alpha"},"partition":0,"offset":8}
				]`))
			}

			records := client.Poll(ctx, session, 500*time.Millisecond)

			Expect(records).To(HaveLen(2))
			Expect(records[0].Key).To(Equal("alpha"))
			Expect(records[0].Offset).To(Equal(int64(7)))
			Expect(string(records[0].Value)).To(ContainSubstring(`"e1"`))
			Expect(records[1].Key).To(BeEmpty())

			req := proxy.Requests()[0]
			Expect(req.Method).To(Equal(http.MethodGet))
			Expect(req.Path).To(Equal("/consumers/agent-gw/instances/gw-1/records"))
			Expect(req.Query).To(Equal("timeout=500"))
			Expect(req.Header.Get("Accept")).To(Equal("application/vnd.kafka.json.v2+json"))
		})

		It("returns empty on 204", func() {
			proxy.handle = func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			}

			Expect(client.Poll(ctx, session, 100*time.Millisecond)).To(BeEmpty())
		})

		It("returns empty on server errors and garbage bodies", func() {
			proxy.handle = func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			}
			Expect(client.Poll(ctx, session, 100*time.Millisecond)).To(BeEmpty())

			proxy.handle = func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`not json`))
			}
			Expect(client.Poll(ctx, session, 100*time.Millisecond)).To(BeEmpty())
		})

		It("returns empty when the proxy is unreachable", func() {
			unreachable := broker.NewPandaproxy("http://127.0.0.1:1")

			Expect(unreachable.Poll(ctx, broker.Session{Group: "g", Instance: "i"}, 100*time.Millisecond)).To(BeEmpty())
		})

		It("stays quiet when the poll is cancelled", func() {
			var logs bytes.Buffer
			previous := slog.Default()
			slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
			DeferCleanup(func() { slog.SetDefault(previous) })

			pollCtx, cancel := context.WithCancel(ctx)
			proxy.handle = func(w http.ResponseWriter, r *http.Request) {
				cancel()
				<-r.Context().Done()
			}

			Expect(client.Poll(pollCtx, session, 100*time.Millisecond)).To(BeEmpty())
			Expect(logs.String()).NotTo(ContainSubstring("poll failed"))

			unreachable := broker.NewPandaproxy("http://127.0.0.1:1")
			Expect(unreachable.Poll(ctx, broker.Session{Group: "g", Instance: "i"}, 100*time.Millisecond)).To(BeEmpty())
			Expect(logs.String()).To(ContainSubstring("poll failed"))
		})
	})

	Describe("Publish", func() {
		It("posts a keyed record to the topic", func() {
			proxy.handle = func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"offsets":[{"partition":0,"offset":1}]}`))
			}

			err := client.Publish(ctx, "outcomes", "alpha", map[string]any{"ack": true})

			Expect(err).NotTo(HaveOccurred())
			req := proxy.Requests()[0]
			Expect(req.Path).To(Equal("/topics/outcomes"))
			Expect(req.Header.Get("Content-Type")).To(Equal("application/vnd.kafka.json.v2+json"))
			Expect(string(req.Body)).To(MatchJSON(`{"records":[{"key":"alpha","value":{"ack":true}}]}`))
		})

		It("returns an error on non-2xx", func() {
			proxy.handle = func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			}

			Expect(client.Publish(ctx, "missing", "alpha", map[string]any{})).To(HaveOccurred())
		})
	})
})
