package dispatch

import (
	"github.com/nerrad567/device-hub-core/internal/entity"
	"github.com/nerrad567/device-hub-core/internal/subscription"
)

// Delivery pairs a matched entity with the subscription it matched, so
// the connection layer can tag the outgoing frame with the
// subscription ID the client knows.
type Delivery struct {
	Subscription *subscription.Subscription
	Entity       *entity.Entity
}

// Sink is one live push connection. Deliver must not block: it returns
// false when the connection's queue is full, and the dispatcher applies
// the backpressure policy for the entity's kind. Close is invoked at
// most once by the dispatcher when it abandons the sink.
type Sink interface {
	Deliver(d Delivery) bool
	Close(reason string)
}

// ChannelSink adapts a buffered channel to the Sink interface. The
// connection's write pump drains C; Closed fires when the dispatcher
// gives up on the connection.
type ChannelSink struct {
	C      chan Delivery
	Closed chan string
}

// NewChannelSink creates a sink with the given queue capacity.
func NewChannelSink(capacity int) *ChannelSink {
	return &ChannelSink{
		C:      make(chan Delivery, capacity),
		Closed: make(chan string, 1),
	}
}

func (s *ChannelSink) Deliver(d Delivery) bool {
	select {
	case s.C <- d:
		return true
	default:
		return false
	}
}

func (s *ChannelSink) Close(reason string) {
	select {
	case s.Closed <- reason:
	default:
	}
}
