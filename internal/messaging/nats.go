package messaging

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const jobSubject = "delve.jobs"

// NewServer starts an embedded NATS server with JetStream enabled. Used when
// no external NATS URL is configured, and by tests.
func NewServer(storeDir string) (*server.Server, error) {
	opts := &server.Options{
		JetStream: true,
		StoreDir:  storeDir,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}
	ns.ConfigureLogger()

	go ns.Start()

	if !ns.ReadyForConnections(20 * time.Second) {
		return nil, fmt.Errorf("NATS server not ready for connections")
	}

	return ns, nil
}

// NewJetStreamContext connects to the NATS server at url and returns a
// JetStream context.
func NewJetStreamContext(url string) (nats.JetStreamContext, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS server: %w", err)
	}

	js, err := nc.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return js, nil
}

func AddStream(js nats.JetStreamContext, storage nats.StorageType) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name: "DELVE",
		// WorkQueuePolicy removes each message once it is processed.
		Retention: nats.WorkQueuePolicy,
		Subjects:  []string{jobSubject},
		Storage:   storage,
	})
	if err != nil {
		return fmt.Errorf("failed to add JetStream stream: %w", err)
	}

	return nil
}

func NewSubscription(url, durable string) (*nats.Subscription, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS server: %w", err)
	}

	js, err := nc.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	sub, err := js.PullSubscribe(jobSubject, durable, nats.InactiveThreshold(24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to JetStream stream: %w", err)
	}

	return sub, nil
}
