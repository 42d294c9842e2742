package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/lootcore/internal/retry"
	"github.com/nats-io/nats.go"
)

// SubjectPrefix is prepended to the event type to form the NATS subject.
const SubjectPrefix = "lootcore.audit."

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NATSSink publishes events as JSON on lootcore.audit.<type>. Events are
// queued and published by a background worker; when the queue is full the
// event is dropped and counted.
type NATSSink struct {
	pub    Publisher
	source string
	logger *slog.Logger
	queue  chan Event
	done   chan struct{}
	once   sync.Once

	attempts  int
	baseDelay time.Duration
}

// NewNATSSink starts a sink with a queue of the given size.
func NewNATSSink(pub Publisher, source string, queueSize int, logger *slog.Logger) *NATSSink {
	if queueSize <= 0 {
		queueSize = 1024
	}
	s := &NATSSink{
		pub:       pub,
		source:    source,
		logger:    logger,
		queue:     make(chan Event, queueSize),
		done:      make(chan struct{}),
		attempts:  3,
		baseDelay: 50 * time.Millisecond,
	}
	go s.run()
	return s
}

// Record implements Logger.
func (s *NATSSink) Record(_ context.Context, e Event) {
	if e.Source == "" {
		e.Source = s.source
	}
	select {
	case s.queue <- e:
	default:
		droppedTotal.WithLabelValues("nats").Inc()
		s.logger.Warn("audit queue full, dropping event", "type", e.Type, "event_id", e.ID)
	}
}

func (s *NATSSink) run() {
	defer close(s.done)
	for e := range s.queue {
		s.publish(e)
	}
}

func (s *NATSSink) publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		droppedTotal.WithLabelValues("nats").Inc()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = retry.Do(ctx, s.attempts, s.baseDelay, func() error {
		err := s.pub.Publish(SubjectPrefix+string(e.Type), data)
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubject) || errors.Is(err, nats.ErrMaxPayload) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		droppedTotal.WithLabelValues("nats").Inc()
		s.logger.Warn("audit publish failed", "type", e.Type, "event_id", e.ID, "error", err)
		return
	}
	recordedTotal.WithLabelValues(string(e.Type), "nats").Inc()
}

// Close stops accepting events and waits for queued ones to be published.
func (s *NATSSink) Close() {
	s.once.Do(func() { close(s.queue) })
	<-s.done
}
