package observability

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// Pipeline fans telemetry events out to its sinks. Emission is best
// effort: a failing or slow sink drops events for that sink only and the
// emitting path never observes an error.
type Pipeline struct {
	logger Logger

	mu    sync.RWMutex
	sinks []EventSink
	queue chan Event
	done  chan struct{}
	once  sync.Once
}

// NewPipeline creates an event pipeline with a bounded queue.
func NewPipeline(logger Logger, sinks ...EventSink) *Pipeline {
	p := &Pipeline{
		logger: logger.WithPrefix("telemetry"),
		sinks:  sinks,
		queue:  make(chan Event, 1024),
		done:   make(chan struct{}),
	}
	go p.drain()
	return p
}

// AddSink attaches a sink at runtime.
func (p *Pipeline) AddSink(sink EventSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks = append(p.sinks, sink)
}

// Emit records an event, stamping the timestamp and any active trace
// correlation from ctx. Never blocks: the event is dropped if the queue
// is full.
func (p *Pipeline) Emit(ctx context.Context, eventType EventType, fields map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}
	event.TraceID, event.SpanID = SpanIDs(ctx)
	if fields != nil {
		if v, ok := fields["request_id"].(string); ok {
			event.RequestID = v
		}
		if v, ok := fields["session_id"].(string); ok {
			event.SessionID = v
		}
	}

	select {
	case p.queue <- event:
	default:
		p.logger.Warn("Telemetry queue full, dropping event", map[string]interface{}{
			"event_type": string(eventType),
		})
	}
}

func (p *Pipeline) drain() {
	for {
		select {
		case event := <-p.queue:
			p.dispatch(event)
		case <-p.done:
			// Flush whatever is left.
			for {
				select {
				case event := <-p.queue:
					p.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (p *Pipeline) dispatch(event Event) {
	p.mu.RLock()
	sinks := p.sinks
	p.mu.RUnlock()
	for _, sink := range sinks {
		if err := sink.Write(event); err != nil {
			p.logger.Warn("Event sink write failed", map[string]interface{}{
				"event_type": string(event.Type),
				"error":      err.Error(),
			})
		}
	}
}

// Close flushes and closes all sinks.
func (p *Pipeline) Close() error {
	p.once.Do(func() { close(p.done) })
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sink := range p.sinks {
		_ = sink.Close()
	}
	return nil
}

// WriterSink writes events as JSON lines to an io.Writer.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewStdoutSink writes events to stdout.
func NewStdoutSink() *WriterSink { return &WriterSink{w: os.Stdout} }

// NewWriterSink writes events to the given writer.
func NewWriterSink(w io.Writer) *WriterSink { return &WriterSink{w: w} }

func (s *WriterSink) Write(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(data, '\n'))
	return err
}

func (s *WriterSink) Close() error { return nil }

// MemorySink buffers events in memory, used by tests and the admin
// diagnostics endpoint.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewMemorySink keeps at most limit events, oldest dropped first.
func NewMemorySink(limit int) *MemorySink {
	if limit <= 0 {
		limit = 1000
	}
	return &MemorySink{limit: limit}
}

func (s *MemorySink) Write(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	if len(s.events) > s.limit {
		s.events = s.events[len(s.events)-s.limit:]
	}
	return nil
}

func (s *MemorySink) Close() error { return nil }

// Events returns a copy of the buffered events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// EventsOfType filters the buffer by type.
func (s *MemorySink) EventsOfType(t EventType) []Event {
	var out []Event
	for _, e := range s.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
