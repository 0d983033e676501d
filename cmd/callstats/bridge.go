package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sweeney/callstats/internal/aggregator"
	"github.com/sweeney/callstats/internal/publisher"
	"github.com/sweeney/callstats/internal/record"
)

const publishTimeout = 10 * time.Second

// completedPayload is the JSON published when a call is dropped.
type completedPayload struct {
	Event          string `json:"event"`
	Description    string `json:"description"`
	CallID         int64  `json:"call_id"`
	CallingParty   string `json:"calling_party"`
	ReceivingParty string `json:"receiving_party"`
	DurationMs     int64  `json:"duration_ms"`
	LastPhase      string `json:"last_phase"`
	Instance       string `json:"instance"`
	Timestamp      string `json:"timestamp"`
}

// statsPayload is the retained JSON snapshot of the running statistics.
// Party totals are left out; they are served over HTTP instead.
type statsPayload struct {
	ActiveCalls    int                    `json:"active_calls"`
	CompletedCalls int                    `json:"completed_calls"`
	PhaseMs        map[record.Phase]int64 `json:"phase_ms"`
	Rejected       aggregator.Diagnostics `json:"rejected"`
	Dropped        int64                  `json:"dropped_completions"`
	Instance       string                 `json:"instance"`
	Timestamp      string                 `json:"timestamp"`
}

func completionMessage(prefix, instance string, c aggregator.Completion, now time.Time) (publisher.Message, error) {
	payload := completedPayload{
		Event:          "completed",
		Description:    "The call has been dropped and its time credited to both parties",
		CallID:         c.CallID,
		CallingParty:   c.CallingParty,
		ReceivingParty: c.ReceivingParty,
		DurationMs:     c.DurationMs,
		LastPhase:      c.LastPhase.String(),
		Instance:       instance,
		Timestamp:      now.UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return publisher.Message{}, fmt.Errorf("marshaling completion: %w", err)
	}
	return publisher.Message{
		Topic:   fmt.Sprintf("%s/call/%d/completed", prefix, c.CallID),
		Payload: data,
	}, nil
}

func snapshotMessage(prefix, instance string, s aggregator.Snapshot, dropped int64, now time.Time) (publisher.Message, error) {
	payload := statsPayload{
		ActiveCalls:    s.ActiveCalls,
		CompletedCalls: s.CompletedCalls,
		PhaseMs:        s.PhaseMs,
		Rejected:       s.Rejected,
		Dropped:        dropped,
		Instance:       instance,
		Timestamp:      now.UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return publisher.Message{}, fmt.Errorf("marshaling snapshot: %w", err)
	}
	return publisher.Message{
		Topic:    prefix + "/stats",
		Payload:  data,
		Retained: true,
	}, nil
}

// snapshotter is the part of the aggregator the bridge reads.
type snapshotter interface {
	Snapshot() aggregator.Snapshot
}

// bridge moves completions off the ingest path and publishes them, together
// with periodic snapshots, to MQTT.
type bridge struct {
	pub         publisher.Publisher
	prefix      string
	instance    string
	completions chan aggregator.Completion
	dropped     atomic.Int64
	log         *slog.Logger
	now         func() time.Time
}

func newBridge(pub publisher.Publisher, prefix, instance string, buffer int, log *slog.Logger) *bridge {
	return &bridge{
		pub:         pub,
		prefix:      prefix,
		instance:    instance,
		completions: make(chan aggregator.Completion, buffer),
		log:         log,
		now:         time.Now,
	}
}

// enqueue is installed as the aggregator's completion hook. It never blocks;
// completions arriving while the buffer is full are counted and dropped.
func (b *bridge) enqueue(c aggregator.Completion) {
	select {
	case b.completions <- c:
	default:
		if n := b.dropped.Add(1); n == 1 || n%1000 == 0 {
			b.log.Warn("completion buffer full, dropping", "call_id", c.CallID, "dropped", n)
		}
	}
}

// close must be called once no more completions can be enqueued.
func (b *bridge) close() {
	close(b.completions)
}

// run publishes until close is called, then drains the buffer and publishes
// a final snapshot.
func (b *bridge) run(stats snapshotter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case c, ok := <-b.completions:
			if !ok {
				b.publishSnapshot(stats)
				return
			}
			b.publishCompletion(c)
		case <-ticker.C:
			b.publishSnapshot(stats)
		}
	}
}

func (b *bridge) publishCompletion(c aggregator.Completion) {
	msg, err := completionMessage(b.prefix, b.instance, c, b.now())
	if err != nil {
		b.log.Error("building completion message", "err", err)
		return
	}
	b.publish(msg)
}

func (b *bridge) publishSnapshot(stats snapshotter) {
	msg, err := snapshotMessage(b.prefix, b.instance, stats.Snapshot(), b.dropped.Load(), b.now())
	if err != nil {
		b.log.Error("building snapshot message", "err", err)
		return
	}
	b.publish(msg)
}

func (b *bridge) publish(msg publisher.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	b.log.Debug("publishing", "topic", msg.Topic)
	if err := b.pub.Publish(ctx, msg); err != nil {
		b.log.Warn("publish error", "topic", msg.Topic, "err", err)
	}
}
