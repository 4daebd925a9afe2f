// SPDX-License-Identifier: MIT

package bridge

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshforge/dispatch/internal/jobmodel"
	"github.com/meshforge/dispatch/internal/metrics"
	"github.com/meshforge/dispatch/internal/queue"
	"github.com/meshforge/dispatch/internal/subscribers"
)

// listenerBufferSize bounds the per-listener fan-out queue; once full, the
// incoming event is dropped and the listener is unsubscribed rather than
// blocking the fan-out caller (§4.2 "a slow listener must not stall other
// listeners or the worker pump").
const listenerBufferSize = 16

// idleTimeout closes a listener session that hasn't received any client
// input in this long (§5, "Cancellation & timeouts").
const idleTimeout = 60 * time.Second

// wsListener adapts a gorilla websocket connection to subscribers.Listener,
// decoupling delivery (buffered channel + dedicated writer goroutine) from
// the fan-out call so one slow client never blocks the bridge.
type wsListener struct {
	conn   *websocket.Conn
	events chan any
}

func newWSListener(conn *websocket.Conn) *wsListener {
	return &wsListener{conn: conn, events: make(chan any, listenerBufferSize)}
}

// Send implements subscribers.Listener. It never blocks: if the buffer is
// full, the event is dropped and an error is returned so the registry
// unsubscribes this listener (it is presumed wedged).
func (l *wsListener) Send(event any) error {
	select {
	case l.events <- event:
		return nil
	default:
		metrics.FanOutDropsTotal.Inc()
		return errDropped
	}
}

var errDropped = errDroppedErr{}

type errDroppedErr struct{}

func (errDroppedErr) Error() string { return "listener buffer full, dropped" }

// writeLoop drains the listener's event buffer to the websocket connection
// until the context is canceled, a write fails, or a terminal (complete or
// failed) event has been written, after which it closes the connection.
func (l *wsListener) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-l.events:
			if err := l.conn.WriteJSON(ev); err != nil {
				return
			}
			switch ev.(type) {
			case CompleteEvent, FailedEvent:
				// Closing the connection ends ServeListener's read loop.
				l.conn.Close()
				return
			}
		}
	}
}

// ServeListener implements the full listener protocol for one client
// connection subscribed to jobID (§4.3, §6): read the current job, emit a
// terminal event and close if already terminal, otherwise emit a status
// snapshot and then stream live fan-out until the job reaches a terminal
// state, the client goes idle past idleTimeout, or the connection drops.
func ServeListener(ctx context.Context, conn *websocket.Conn, subs *subscribers.Registry, q *queue.Service, jobID string) error {
	defer conn.Close()

	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		_ = conn.WriteJSON(ErrorEvent{Type: "error", Error: "unknown job id"})
		return nil
	}

	if job.Status.Terminal() {
		return writeTerminalSnapshot(conn, job)
	}

	if err := conn.WriteJSON(StatusEvent{
		Type: "status", JobID: job.ID, Status: string(job.Status),
		Step: job.Progress.Step, Pct: job.Progress.Pct,
	}); err != nil {
		return err
	}

	l := newWSListener(conn)
	subs.Subscribe(jobID, l)
	defer subs.Unsubscribe(jobID, l)

	writeCtx, cancelWrite := context.WithCancel(ctx)
	defer cancelWrite()
	go l.writeLoop(writeCtx)

	conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
	}
}

func writeTerminalSnapshot(conn *websocket.Conn, job *jobmodel.Job) error {
	switch job.Status {
	case jobmodel.StatusComplete:
		r := job.Result
		if r == nil {
			r = &jobmodel.Result{}
		}
		return conn.WriteJSON(CompleteEvent{
			Type: "complete", JobID: job.ID, VertexCount: r.VertexCount, FaceCount: r.FaceCount,
			IsWatertight: r.IsWatertight, GenerationTimeS: r.DurationS,
		})
	default: // failed or expired
		e := job.Err
		if e == nil {
			e = &jobmodel.Error{}
		}
		return conn.WriteJSON(FailedEvent{Type: "failed", JobID: job.ID, Error: e.Message, Step: e.Step})
	}
}
