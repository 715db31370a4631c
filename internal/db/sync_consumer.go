package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/opensandbox/proclist/internal/publisher"
	"github.com/opensandbox/proclist/pkg/types"
)

// ResultArchive is where consumed results are written.
type ResultArchive interface {
	InsertResult(ctx context.Context, r types.FlowResult) error
}

// SyncConsumer reads flow results from NATS JetStream and writes them to PostgreSQL.
type SyncConsumer struct {
	archive ResultArchive
	nc      *nats.Conn
	js      nats.JetStreamContext
	sub     *nats.Subscription
}

// NewSyncConsumer creates a new NATS-to-PG sync consumer.
func NewSyncConsumer(archive ResultArchive, natsURL string) (*SyncConsumer, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	_ = publisher.EnsureStream(js)

	return &SyncConsumer{
		archive: archive,
		nc:      nc,
		js:      js,
	}, nil
}

// Start begins consuming results with a durable consumer.
func (c *SyncConsumer) Start() error {
	sub, err := c.js.Subscribe(publisher.AllSubjects, c.handleMessage,
		nats.Durable("pg-results-consumer"),
		nats.AckExplicit(),
		nats.MaxAckPending(256),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	c.sub = sub
	log.Printf("sync_consumer: subscribed to %s", publisher.AllSubjects)
	return nil
}

// Stop stops the consumer.
func (c *SyncConsumer) Stop() {
	if c.sub != nil {
		c.sub.Unsubscribe()
	}
	c.nc.Close()
}

func (c *SyncConsumer) handleMessage(msg *nats.Msg) {
	if c.handle(msg.Data) {
		msg.Ack()
		return
	}
	// Let JetStream redeliver after a short delay.
	msg.NakWithDelay(5 * time.Second)
}

// handle archives one message and reports whether it should be acked.
// Malformed messages are acked so they are not redelivered forever.
func (c *SyncConsumer) handle(data []byte) bool {
	var r types.FlowResult
	if err := json.Unmarshal(data, &r); err != nil {
		log.Printf("sync_consumer: failed to unmarshal result: %v", err)
		return true
	}
	if r.FlowID == "" || r.Kind == "" {
		log.Printf("sync_consumer: dropping result without flow or kind")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.archive.InsertResult(ctx, r); err != nil {
		log.Printf("sync_consumer: failed to archive result %d of flow %s: %v", r.ID, r.FlowID, err)
		return false
	}
	return true
}
