// Package telemetry publishes link-health summaries to Redis pub/sub so an
// operator dashboard can watch PDR and latency without parsing the CSV
// event log live (SPEC_FULL.md §4.6). It is adapted from the teacher
// repo's pkg/redis/client.go, trimmed to the Publish/Subscribe surface this
// link actually needs and pointed at a telemetry channel instead of the
// teacher's vehicle-state hash keys.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chirpchirp/lora-link/pkg/link"
)

// Sample is one row on the telemetry channel (SPEC_FULL.md §6 schema).
type Sample struct {
	Role            string  `json:"role"`
	TsUTC           string  `json:"ts_utc"`
	WindowAttempted int     `json:"window_attempted"`
	WindowDelivered int     `json:"window_delivered"`
	PDRPercent      float64 `json:"pdr_pct"`
	LatencyMsP50    float64 `json:"latency_ms_p50"`
	LatencyMsP95    float64 `json:"latency_ms_p95"`
	RSSIDbm         *int    `json:"rssi_dbm,omitempty"`
	Phase           string  `json:"phase"`
}

// Publisher is a best-effort, non-blocking observer of one role's session.
// A Redis outage degrades it silently: publish errors are swallowed after
// being handed to onError, never propagated to the link state machine
// (SPEC_FULL.md §4.6: telemetry is observability, not a link dependency).
type Publisher struct {
	client  *redis.Client
	ctx     context.Context
	channel string
	role    string
	onError func(error)

	mu         sync.Mutex
	attempted  int
	delivered  int
	attemptAt  time.Time
	latencies  []time.Duration
	lastRSSI   *int
	phase      string
}

// Config bundles the parameters needed to open a telemetry publisher.
type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	Role     string
}

// NewPublisher dials Redis and pings it, matching the teacher's own
// connect-then-ping pattern in pkg/redis/client.New.
func NewPublisher(cfg Config) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("telemetry: connect to redis: %w", err)
	}
	return &Publisher{
		client:  client,
		ctx:     ctx,
		channel: cfg.Channel,
		role:    cfg.Role,
		onError: func(error) {},
	}, nil
}

// OnError installs a callback invoked when a publish fails, for logging.
func (p *Publisher) OnError(f func(error)) { p.onError = f }

// Close releases the underlying Redis client.
func (p *Publisher) Close() error { return p.client.Close() }

// ObserveOutcome implements link.TelemetryHook.
func (p *Publisher) ObserveOutcome(outcome link.Outcome, attempts int, rssiDbm *int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempted++
	if outcome == link.Delivered {
		p.delivered++
	}
	if !p.attemptAt.IsZero() {
		p.latencies = append(p.latencies, time.Since(p.attemptAt))
	}
	p.attemptAt = time.Time{}
	if rssiDbm != nil {
		p.lastRSSI = rssiDbm
	}
}

// ObservePhase implements link.TelemetryHook.
func (p *Publisher) ObservePhase(phase string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phase = phase
	if p.attemptAt.IsZero() {
		p.attemptAt = time.Now()
	}
}

// Flush publishes the current window to the telemetry channel and resets
// the counters, leaving RSSI and phase sticky across windows.
func (p *Publisher) Flush() error {
	p.mu.Lock()
	sample := Sample{
		Role:            p.role,
		TsUTC:           time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		WindowAttempted: p.attempted,
		WindowDelivered: p.delivered,
		LatencyMsP50:    percentileMs(p.latencies, 0.50),
		LatencyMsP95:    percentileMs(p.latencies, 0.95),
		RSSIDbm:         p.lastRSSI,
		Phase:           p.phase,
	}
	if p.attempted > 0 {
		sample.PDRPercent = 100 * float64(p.delivered) / float64(p.attempted)
	}
	p.attempted, p.delivered, p.latencies = 0, 0, nil
	p.mu.Unlock()

	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("telemetry: marshal: %w", err)
	}
	if err := p.client.Publish(p.ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("telemetry: publish: %w", err)
	}
	return nil
}

// Run flushes on a fixed interval until stop is closed. Flush errors are
// handed to the installed OnError callback and otherwise ignored.
func (p *Publisher) Run(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := p.Flush(); err != nil {
				p.onError(err)
			}
		}
	}
}

// Subscribe subscribes to the telemetry channel, returning decoded samples
// (for cmd/lora-monitor) and an unsubscribe func.
func Subscribe(cfg Config) (<-chan Sample, func(), error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("telemetry: connect to redis: %w", err)
	}
	pubsub := client.Subscribe(ctx, cfg.Channel)
	raw := pubsub.Channel()
	out := make(chan Sample, 16)
	go func() {
		defer close(out)
		for msg := range raw {
			var s Sample
			if err := json.Unmarshal([]byte(msg.Payload), &s); err != nil {
				continue
			}
			out <- s
		}
	}()
	return out, func() { _ = pubsub.Close(); _ = client.Close() }, nil
}

func percentileMs(ds []time.Duration, p float64) float64 {
	if len(ds) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p * float64(len(sorted)-1))
	return float64(sorted[idx]) / float64(time.Millisecond)
}
