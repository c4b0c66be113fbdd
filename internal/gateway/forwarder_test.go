package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/triage/internal/domain"
	"basegraph.app/triage/internal/gateway"
)

type mockRunner struct {
	runFn func(ctx context.Context, event domain.Event) (domain.RunResult, error)
}

func (m *mockRunner) Run(ctx context.Context, event domain.Event) (domain.RunResult, error) {
	return m.runFn(ctx, event)
}

var _ = Describe("RemoteForwarder", func() {
	var (
		server   *httptest.Server
		received []domain.Event
		status   int
		delay    time.Duration
		event    domain.Event
	)

	BeforeEach(func() {
		received = nil
		status = http.StatusOK
		delay = 0
		event = domain.Event{EventID: "gh-42", ProjectID: "alpha", Labels: []string{"bug"}}
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer GinkgoRecover()
			Expect(r.Method).To(Equal(http.MethodPost))
			Expect(r.Header.Get("Content-Type")).To(Equal("application/json"))
			var e domain.Event
			Expect(json.NewDecoder(r.Body).Decode(&e)).To(Succeed())
			received = append(received, e)
			if delay > 0 {
				time.Sleep(delay)
			}
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"status":"processed"}`))
		}))
	})

	AfterEach(func() {
		server.Close()
	})

	It("posts the event as JSON", func() {
		fwd := gateway.NewRemoteForwarder(server.URL+"/run", time.Second)

		Expect(fwd.Forward(context.Background(), event)).To(Succeed())

		Expect(received).To(HaveLen(1))
		Expect(received[0].EventID).To(Equal("gh-42"))
		Expect(received[0].Labels).To(Equal([]string{"bug"}))
	})

	It("treats a non-2xx response as a forwarding failure", func() {
		status = http.StatusBadGateway
		fwd := gateway.NewRemoteForwarder(server.URL+"/run", time.Second)

		err := fwd.Forward(context.Background(), event)

		Expect(err).To(MatchError(gateway.ErrForward))
		Expect(err.Error()).To(ContainSubstring("502"))
	})

	It("fails when the decision service does not answer in time", func() {
		delay = 200 * time.Millisecond
		fwd := gateway.NewRemoteForwarder(server.URL+"/run", 20*time.Millisecond)

		err := fwd.Forward(context.Background(), event)

		Expect(err).To(MatchError(gateway.ErrForward))
	})

	It("fails when the decision service is unreachable", func() {
		url := server.URL
		server.Close()
		fwd := gateway.NewRemoteForwarder(url+"/run", time.Second)

		Expect(fwd.Forward(context.Background(), event)).To(MatchError(gateway.ErrForward))
	})
})

var _ = Describe("InlineForwarder", func() {
	It("runs the event in process", func() {
		var got string
		fwd := gateway.NewInlineForwarder(&mockRunner{runFn: func(_ context.Context, e domain.Event) (domain.RunResult, error) {
			got = e.EventID
			return domain.RunResult{Status: domain.RunStatusProcessed}, nil
		}})

		Expect(fwd.Forward(context.Background(), domain.Event{EventID: "e1", ProjectID: "p"})).To(Succeed())
		Expect(got).To(Equal("e1"))
	})

	It("wraps run errors as forwarding failures", func() {
		fwd := gateway.NewInlineForwarder(&mockRunner{runFn: func(context.Context, domain.Event) (domain.RunResult, error) {
			return domain.RunResult{}, errors.New("boom")
		}})

		err := fwd.Forward(context.Background(), domain.Event{EventID: "e1", ProjectID: "p"})

		Expect(err).To(MatchError(gateway.ErrForward))
		Expect(err.Error()).To(ContainSubstring("boom"))
	})
})
