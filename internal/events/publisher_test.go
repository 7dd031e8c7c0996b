package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeJS implements only Publish; any other call panics on the nil embed.
type fakeJS struct {
	jetstream.JetStream

	mu   sync.Mutex
	msgs map[string][]byte
}

func (f *fakeJS) Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs[subject] = payload
	return &jetstream.PubAck{Stream: StreamName}, nil
}

func (f *fakeJS) get(subject string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.msgs[subject]
	return b, ok
}

func TestFanoutSkipsNil(t *testing.T) {
	var got []string
	fn := Fanout(
		func(id, typ string, _ any) { got = append(got, "first:"+id+":"+typ) },
		nil,
		func(id, typ string, _ any) { got = append(got, "second:"+id+":"+typ) },
	)
	fn("a1", "NewBid", nil)
	assert.Equal(t, []string{"first:a1:NewBid", "second:a1:NewBid"}, got)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "auction.events.AuctionClosed.a1", Subject("a1", "AuctionClosed"))
}

func TestNATSPublisherDeliversEnvelope(t *testing.T) {
	js := &fakeJS{msgs: map[string][]byte{}}
	p := NewNATSPublisher(js, 4, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Publish("a1", "NewBid", map[string]any{"amount_cents": 1200})

	subject := Subject("a1", "NewBid")
	require.Eventually(t, func() bool {
		_, ok := js.get(subject)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	raw, _ := js.get(subject)
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, "a1", env.AuctionID)
	assert.Equal(t, "NewBid", env.Type)
}

func TestNATSPublisherDropsWhenFull(t *testing.T) {
	drops := 0
	p := NewNATSPublisher(&fakeJS{msgs: map[string][]byte{}}, 1, zerolog.Nop(), func() { drops++ })

	// Run is not started, so the second event has nowhere to go.
	p.Publish("a1", "NewBid", nil)
	p.Publish("a1", "NewBid", nil)
	assert.Equal(t, 1, drops)
}
