package adapter

import (
	"context"
	"sync"

	"github.com/notewell/attend/pkg/models"
)

// Loopback is a scripted in-memory adapter used in tests and local
// development: it replays a fixed event sequence instead of joining a
// real meeting.
type Loopback struct {
	ScriptedEvents []Event

	mu    sync.Mutex
	conns []*LoopbackConn
}

// Platform reports zoom_web so loopback bots pass platform resolution.
func (l *Loopback) Platform() models.Platform { return models.PlatformZoomWeb }

// Open replays the scripted events on a fresh connection.
func (l *Loopback) Open(ctx context.Context, opts OpenOptions) (Conn, error) {
	conn := &LoopbackConn{
		events: make(chan Event, len(l.ScriptedEvents)+1),
		done:   make(chan struct{}),
	}
	l.mu.Lock()
	l.conns = append(l.conns, conn)
	l.mu.Unlock()

	go func() {
		defer close(conn.events)
		for _, ev := range l.ScriptedEvents {
			select {
			case conn.events <- ev:
			case <-conn.done:
				return
			}
			if IsTerminal(ev) {
				return
			}
		}
		// No scripted terminal event: hold the stream open until Leave
		// or Close.
		<-conn.done
	}()
	return conn, nil
}

// LoopbackConn is one loopback connection.
type LoopbackConn struct {
	events chan Event
	done   chan struct{}

	mu        sync.Mutex
	leaveSeen bool
	closed    bool
}

// Events returns the replayed stream.
func (c *LoopbackConn) Events() <-chan Event { return c.events }

// Leave records the request and ends the stream.
func (c *LoopbackConn) Leave(ctx context.Context) error {
	c.mu.Lock()
	c.leaveSeen = true
	c.mu.Unlock()
	c.stop()
	return nil
}

// Close ends the stream.
func (c *LoopbackConn) Close() error {
	c.stop()
	return nil
}

// LeaveSeen reports whether Leave was called.
func (c *LoopbackConn) LeaveSeen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaveSeen
}

func (c *LoopbackConn) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}
