// publish writes a sample event to an inbound topic, for exercising the
// gateway by hand.
//
//	publish --topic issues --file samples/frontend.json
//	publish --topic builds --inline '{"event_id":"b-1","project_id":"alpha"}'
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"basegraph.app/triage/common/logger"
	"basegraph.app/triage/core/config"
	"basegraph.app/triage/internal/broker"
)

const defaultKey = "alpha"

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "✗ %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var topic, file, inline, key string

	flagSet := pflag.NewFlagSet("publish", pflag.ContinueOnError)
	flagSet.StringVar(&topic, "topic", "", "topic to publish to (issues, builds, vendors)")
	flagSet.StringVar(&file, "file", "", "JSON file containing the event")
	flagSet.StringVar(&inline, "inline", "", "inline JSON event")
	flagSet.StringVar(&key, "key", "", "partition key (defaults to the event's project_id)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if topic == "" {
		return errors.New("--topic is required")
	}

	raw, err := loadEvent(file, inline)
	if err != nil {
		return err
	}
	if key == "" {
		key = partitionKey(raw)
	}

	cfg, err := config.Load(config.ServiceTypePublish)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := broker.New(ctx, cfg.Broker)
	if err != nil {
		return fmt.Errorf("creating broker client: %w", err)
	}
	defer client.Close()

	fmt.Printf("Publishing to %s:\n  Topic: %s\n  Key: %s\n  Event: %s\n\n",
		cfg.Broker.Driver, topic, key, logger.Truncate(string(raw), 200))

	if err := client.Publish(ctx, topic, key, raw); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}

	fmt.Printf("✓ Published to '%s' with key '%s'\n", topic, key)
	return nil
}

// loadEvent returns the event JSON from --file or, failing that, --inline.
func loadEvent(file, inline string) (json.RawMessage, error) {
	var data []byte
	switch {
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", file, err)
		}
		data = b
	case inline != "":
		data = []byte(inline)
	default:
		return nil, errors.New("must provide --file or --inline")
	}

	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("event is not a JSON object: %w", err)
	}
	return json.RawMessage(data), nil
}

func partitionKey(raw json.RawMessage) string {
	var e struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(raw, &e); err != nil || e.ProjectID == "" {
		return defaultKey
	}
	return e.ProjectID
}
