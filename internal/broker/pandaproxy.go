package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"basegraph.app/triage/common/logger"
)

const (
	contentTypeV2     = "application/vnd.kafka.v2+json"
	contentTypeJSONV2 = "application/vnd.kafka.json.v2+json"

	subscribeTimeout = 10 * time.Second
	pollSlack        = 10 * time.Second
	publishTimeout   = 5 * time.Second
)

// Pandaproxy talks to a Kafka REST v2 proxy (Redpanda Pandaproxy).
type Pandaproxy struct {
	baseURL string
	http    *http.Client
}

func NewPandaproxy(baseURL string) *Pandaproxy {
	return &Pandaproxy{
		baseURL: baseURL,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// InstanceURI is the deterministic session base for group/instance.
func (p *Pandaproxy) InstanceURI(group, instance string) string {
	return fmt.Sprintf("%s/consumers/%s/instances/%s", p.baseURL, url.PathEscape(group), url.PathEscape(instance))
}

func (p *Pandaproxy) Subscribe(ctx context.Context, group, instance string, topics []string) (Session, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "triage.broker.pandaproxy"})

	slog.InfoContext(ctx, "creating consumer instance", "group", group, "instance", instance)

	base, err := p.createInstance(ctx, group, instance)
	if errors.Is(err, ErrConflict) {
		slog.InfoContext(ctx, "consumer instance already exists, reusing", "group", group, "instance", instance)
		base = p.InstanceURI(group, instance)
	} else if err != nil {
		return Session{}, err
	}

	body := map[string]any{"topics": topics}
	status, _, err := p.do(ctx, http.MethodPost, base+"/subscription", contentTypeV2, "", body, subscribeTimeout)
	if err != nil {
		return Session{}, fmt.Errorf("subscribing %v: %w", topics, err)
	}
	if !is2xx(status) {
		return Session{}, fmt.Errorf("subscribing %v: proxy returned %d", topics, status)
	}

	slog.InfoContext(ctx, "subscribed", "topics", topics)
	return Session{Group: group, Instance: instance, Topics: topics, BaseURI: base}, nil
}

type createInstanceResponse struct {
	InstanceID string `json:"instance_id"`
	BaseURI    string `json:"base_uri"`
}

func (p *Pandaproxy) createInstance(ctx context.Context, group, instance string) (string, error) {
	body := map[string]string{"name": instance, "format": "json"}
	status, respBody, err := p.do(ctx, http.MethodPost, p.baseURL+"/consumers/"+url.PathEscape(group), contentTypeV2, "", body, subscribeTimeout)
	if err != nil {
		return "", fmt.Errorf("creating consumer: %w", err)
	}
	if status == http.StatusConflict {
		return "", ErrConflict
	}
	if !is2xx(status) {
		return "", fmt.Errorf("creating consumer: proxy returned %d: %s", status, logger.Truncate(string(respBody), 256))
	}

	var resp createInstanceResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("decoding consumer response: %w", err)
	}
	if resp.BaseURI == "" {
		return p.InstanceURI(group, instance), nil
	}
	return resp.BaseURI, nil
}

type proxyRecord struct {
	Topic     string          `json:"topic"`
	Key       json.RawMessage `json:"key"`
	Value     json.RawMessage `json:"value"`
	Partition int32           `json:"partition"`
	Offset    int64           `json:"offset"`
}

func (p *Pandaproxy) Poll(ctx context.Context, s Session, timeout time.Duration) []Record {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "triage.broker.pandaproxy"})

	base := s.BaseURI
	if base == "" {
		base = p.InstanceURI(s.Group, s.Instance)
	}
	endpoint := base + "/records?timeout=" + strconv.FormatInt(timeout.Milliseconds(), 10)

	status, body, err := p.do(ctx, http.MethodGet, endpoint, "", contentTypeJSONV2, nil, timeout+pollSlack)
	if err != nil {
		// Cancellation during shutdown is not a poll failure.
		if ctx.Err() == nil {
			slog.WarnContext(ctx, "poll failed", "error", err)
		}
		return nil
	}
	if status == http.StatusNoContent {
		return nil
	}
	if !is2xx(status) {
		slog.WarnContext(ctx, "poll failed", "status", status, "body", logger.Truncate(string(body), 256))
		return nil
	}

	var raw []proxyRecord
	if err := json.Unmarshal(body, &raw); err != nil {
		slog.WarnContext(ctx, "poll returned undecodable body", "error", err)
		return nil
	}

	records := make([]Record, 0, len(raw))
	for _, r := range raw {
		records = append(records, Record{
			Topic:     r.Topic,
			Key:       decodeKey(r.Key),
			Value:     r.Value,
			Partition: r.Partition,
			Offset:    r.Offset,
		})
	}
	return records
}

// Ack is a no-op: the proxy's consumer commits offsets itself.
func (p *Pandaproxy) Ack(context.Context, Session, Record) error {
	return nil
}

type produceRequest struct {
	Records []produceRecord `json:"records"`
}

type produceRecord struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func (p *Pandaproxy) Publish(ctx context.Context, topic, key string, value any) error {
	body := produceRequest{Records: []produceRecord{{Key: key, Value: value}}}
	status, respBody, err := p.do(ctx, http.MethodPost, p.baseURL+"/topics/"+url.PathEscape(topic), contentTypeJSONV2, "", body, publishTimeout)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	if !is2xx(status) {
		return fmt.Errorf("publish to %s: proxy returned %d: %s", topic, status, logger.Truncate(string(respBody), 256))
	}
	return nil
}

func (p *Pandaproxy) Close() error {
	p.http.CloseIdleConnections()
	return nil
}

func (p *Pandaproxy) do(ctx context.Context, method, endpoint, contentType, accept string, payload any, timeout time.Duration) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func decodeKey(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func is2xx(status int) bool {
	return status >= 200 && status < 300
}
