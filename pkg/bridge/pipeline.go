// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Pipeline routes inbound events through the echo guard and relay router.
// Each room gets its own bounded channel and worker goroutine, so events
// within a room relay strictly in arrival order while rooms proceed
// concurrently. Channel capacity provides backpressure to the feeds;
// closing the channels cancels the workers.
type Pipeline struct {
	guard     *EchoGuard
	router    *Router
	queueSize int
	log       zerolog.Logger

	mu     sync.Mutex
	rooms  map[string]chan *InboundEvent
	closed bool
	// intake tracks Submit calls that have passed the closed check, so
	// Close only closes the room channels once no send is in flight.
	intake sync.WaitGroup
	wg     sync.WaitGroup
}

// NewPipeline creates a pipeline with the given per-room queue capacity.
func NewPipeline(guard *EchoGuard, router *Router, queueSize int, log zerolog.Logger) *Pipeline {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Pipeline{
		guard:     guard,
		router:    router,
		queueSize: queueSize,
		log:       log.With().Str("component", "pipeline").Logger(),
		rooms:     make(map[string]chan *InboundEvent),
	}
}

// Submit hands an event to its room worker, starting one on first use.
// Blocks when the room queue is full (backpressure) and fails with
// ErrPipelineClosed once shutdown has begun.
func (p *Pipeline) Submit(ctx context.Context, ev *InboundEvent) error {
	if ev.TraceID == "" {
		ev.TraceID = uuid.NewString()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPipelineClosed
	}
	key := string(ev.Origin) + "/" + ev.RoomID
	ch, ok := p.rooms[key]
	if !ok {
		ch = make(chan *InboundEvent, p.queueSize)
		p.rooms[key] = ch
		p.wg.Add(1)
		go p.roomWorker(key, ch)
	}
	p.intake.Add(1)
	p.mu.Unlock()
	defer p.intake.Done()

	select {
	case ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// roomWorker drains one room's queue sequentially. A failed relay is
// logged and reported, never fatal: the next event in the room proceeds.
func (p *Pipeline) roomWorker(key string, ch <-chan *InboundEvent) {
	defer p.wg.Done()
	log := p.log.With().Str("room", key).Logger()
	for ev := range ch {
		if p.guard.IsEcho(ev) {
			continue
		}
		if _, err := p.router.Relay(context.Background(), ev); err != nil {
			log.Error().Err(err).
				Str("event_id", ev.EventID).
				Str("trace_id", ev.TraceID).
				Str("sender", ev.Sender).
				Msg("Relay failed")
		}
	}
}

// Close stops intake and waits for in-flight relays to drain. Shutdown is
// two-phase: once closed is set no new Submit gets past the gate, then the
// room channels close only after every in-flight Submit has handed off its
// event, so a blocked sender never races the close.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.intake.Wait()

	p.mu.Lock()
	for _, ch := range p.rooms {
		close(ch)
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.log.Info().Msg("Pipeline drained")
}

// RoomCount returns the number of active room workers.
func (p *Pipeline) RoomCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rooms)
}
