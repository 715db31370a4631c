// Package publisher streams flow results from the local SQLite outbox to
// NATS JetStream.
package publisher

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/opensandbox/proclist/internal/metrics"
	"github.com/opensandbox/proclist/pkg/types"
)

// JetStream stream carrying flow results.
const (
	StreamName    = "FLOW_RESULTS"
	SubjectPrefix = "flows.results"
	AllSubjects   = SubjectPrefix + ".>"
)

const batchSize = 100

// Outbox is the local store of results awaiting publication.
type Outbox interface {
	UnsyncedResults(limit int) ([]types.FlowResult, error)
	MarkResultsSynced(ids []int64) error
}

type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher drains the outbox into JetStream every 2 seconds.
type Publisher struct {
	nc     *nats.Conn
	js     jetStream
	outbox Outbox
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New connects to NATS and ensures the results stream exists.
func New(natsURL string, outbox Outbox) (*Publisher, error) {
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

	if err := EnsureStream(js); err != nil {
		// Stream may already exist with a different config, that's OK
		log.Printf("publisher: stream setup: %v", err)
	}

	return &Publisher{
		nc:     nc,
		js:     js,
		outbox: outbox,
		stop:   make(chan struct{}),
	}, nil
}

// EnsureStream creates the results stream, retaining messages for 7 days.
func EnsureStream(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{AllSubjects},
		MaxAge:   7 * 24 * time.Hour,
	})
	return err
}

// Subject returns the subject a result is published on:
// flows.results.<clientID>.<flowID>.
func Subject(r types.FlowResult) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, subjectToken(r.ClientID), subjectToken(r.FlowID))
}

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// Start begins the sync loop.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.drain()
			case <-p.stop:
				// Final flush
				p.drain()
				return
			}
		}
	}()
}

// Stop stops the sync loop and closes the NATS connection.
func (p *Publisher) Stop() {
	close(p.stop)
	p.wg.Wait()
	if p.nc != nil {
		p.nc.Close()
	}
}

// drain publishes batches until the outbox is empty or a batch comes up
// short, and returns the total published.
func (p *Publisher) drain() int {
	total := 0
	for {
		n := p.sync()
		total += n
		if n < batchSize {
			return total
		}
	}
}

// sync publishes one batch. Results are marked synced only after JetStream
// acknowledged them; a failed publish stops the batch so order is kept.
func (p *Publisher) sync() int {
	results, err := p.outbox.UnsyncedResults(batchSize)
	if err != nil {
		log.Printf("publisher: read outbox: %v", err)
		return 0
	}
	if len(results) == 0 {
		return 0
	}

	synced := make([]int64, 0, len(results))
	for _, r := range results {
		data, err := json.Marshal(r)
		if err != nil {
			log.Printf("publisher: marshal result %d: %v", r.ID, err)
			continue
		}
		if _, err := p.js.Publish(Subject(r), data, nats.MsgId(fmt.Sprintf("result-%d", r.ID))); err != nil {
			log.Printf("publisher: publish error for flow %s: %v", r.FlowID, err)
			break
		}
		synced = append(synced, r.ID)
	}

	if len(synced) == 0 {
		return 0
	}
	if err := p.outbox.MarkResultsSynced(synced); err != nil {
		log.Printf("publisher: mark synced: %v", err)
		return 0
	}
	metrics.ResultsPublished.Add(float64(len(synced)))
	log.Printf("publisher: synced %d results to NATS", len(synced))
	return len(synced)
}
