// Package events fans committed auction events out to subscribers outside
// the process.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	StreamName    = "AUCTION_EVENTS"
	SubjectPrefix = "auction.events"
)

// PublishFunc matches ws.Hub.Publish.
type PublishFunc func(auctionID, msgType string, data any)

// Fanout calls every non-nil fn in order.
func Fanout(fns ...PublishFunc) PublishFunc {
	var live []PublishFunc
	for _, fn := range fns {
		if fn != nil {
			live = append(live, fn)
		}
	}
	return func(auctionID, msgType string, data any) {
		for _, fn := range live {
			fn(auctionID, msgType, data)
		}
	}
}

// Envelope is the JSON body published for each event.
type Envelope struct {
	AuctionID string    `json:"auction_id"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Subject is auction.events.<type>.<auctionID>.
func Subject(auctionID, msgType string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, msgType, auctionID)
}

// NATSPublisher buffers events and publishes them to JetStream from its own
// goroutine so the auction engines never wait on the broker.
type NATSPublisher struct {
	js      jetstream.JetStream
	input   chan Envelope
	log     zerolog.Logger
	onDrop  func()
	timeout time.Duration
}

func NewNATSPublisher(js jetstream.JetStream, buffer int, log zerolog.Logger, onDrop func()) *NATSPublisher {
	if onDrop == nil {
		onDrop = func() {}
	}
	return &NATSPublisher{
		js:      js,
		input:   make(chan Envelope, buffer),
		log:     log,
		onDrop:  onDrop,
		timeout: 5 * time.Second,
	}
}

// Publish enqueues an event; it drops the event when the buffer is full.
func (p *NATSPublisher) Publish(auctionID, msgType string, data any) {
	env := Envelope{AuctionID: auctionID, Type: msgType, Payload: data, Timestamp: time.Now().UTC()}
	select {
	case p.input <- env:
	default:
		p.onDrop()
		p.log.Warn().Str("auction_id", auctionID).Str("type", msgType).Msg("publish buffer full, event dropped")
	}
}

// Run publishes until ctx is done.
func (p *NATSPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-p.input:
			if err := p.publish(ctx, env); err != nil {
				// Non-fatal: the event log in the store stays authoritative.
				p.log.Warn().Err(err).Str("auction_id", env.AuctionID).Str("type", env.Type).Msg("outbound publish failed")
			}
		}
	}
}

func (p *NATSPublisher) publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	_, err = p.js.Publish(ctx, Subject(env.AuctionID, env.Type), data)
	return err
}

// EnsureStream creates or updates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}

// Connect dials NATS with unlimited reconnects and opens a JetStream context.
func Connect(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
