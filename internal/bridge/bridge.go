// SPDX-License-Identifier: MIT

// Package bridge implements the Worker Bridge: it owns the single live
// worker session, runs the dispatch loop, routes inbound worker messages,
// and fans out progress to subscribers.
//
// The single-session enforcement generalizes the teacher's Tracker
// (components/tracker.go), which tracked a *set* of live coordinators and
// workers under a mutex; here the set is capped at exactly one slot, so
// TryJoin collapses to a compare-and-swap against a single pointer.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gorilla/websocket"

	"github.com/meshforge/dispatch/clog"
	"github.com/meshforge/dispatch/internal/audit"
	"github.com/meshforge/dispatch/internal/jobmodel"
	"github.com/meshforge/dispatch/internal/metrics"
	"github.com/meshforge/dispatch/internal/queue"
	"github.com/meshforge/dispatch/internal/storage"
	"github.com/meshforge/dispatch/internal/subscribers"
)

var log = clog.New("bridge")

// ErrDuplicateWorker is returned by HandleWorkerConn when a worker session is
// already live; by then HandleWorkerConn has already sent the new connection
// a CloseCodeDuplicate close frame and closed it (§6, B3).
var ErrDuplicateWorker = errors.New("a worker is already connected")

// CloseCodeDuplicate is sent to a rejected second worker connection.
const CloseCodeDuplicate = 4000

// DispatchInterval is the dispatch loop's poll cadence (§4.2 step 1).
var DispatchInterval = 2 * time.Second

// session holds the state of the single live worker connection.
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex // gorilla connections are not safe for concurrent writers

	mu        sync.RWMutex
	info      WorkerInfo
	gpuStatus GPUStatus
	haveGPU   bool
}

func (s *session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Bridge is the Worker Bridge.
type Bridge struct {
	queue   *queue.Service
	storage storage.Interface
	subs    *subscribers.Registry
	audit   *audit.Log // optional; nil disables audit writes

	mu      sync.Mutex
	sess    *session
	paused  bool
}

// New constructs a Bridge. audit may be nil.
func New(q *queue.Service, st storage.Interface, subs *subscribers.Registry, a *audit.Log) *Bridge {
	return &Bridge{queue: q, storage: st, subs: subs, audit: a}
}

// WorkerConnected reports whether a worker session is currently live.
func (b *Bridge) WorkerConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sess != nil
}

// Paused reports whether dispatch is currently administratively paused.
func (b *Bridge) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// HandleWorkerConn runs the worker session's full lifecycle: admission,
// welcome, dispatch loop, and inbound message routing. It blocks until the
// connection closes or ctx is canceled, then tears down. Returns
// ErrDuplicateWorker without touching conn's lifecycle decisions beyond
// sending a duplicate close frame and closing it.
func (b *Bridge) HandleWorkerConn(ctx context.Context, conn *websocket.Conn) error {
	sess := &session{conn: conn}

	b.mu.Lock()
	if b.sess != nil {
		b.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseCodeDuplicate, "duplicate worker connection"),
			time.Now().Add(time.Second))
		conn.Close()
		return ErrDuplicateWorker
	}
	b.sess = sess
	b.mu.Unlock()
	metrics.WorkerConnected.Set(1)

	log.Printf("worker connected")

	defer func() {
		b.mu.Lock()
		b.sess = nil
		b.mu.Unlock()
		metrics.WorkerConnected.Set(0)
		conn.Close()
		log.Printf("worker disconnected, cleaned up")
	}()

	if err := sess.writeJSON(outbound{Type: TypeWelcome, Message: "Connected to server"}); err != nil {
		return errors.Wrap(err, "send welcome")
	}

	dispatchCtx, cancelDispatch := context.WithCancel(ctx)
	defer cancelDispatch()
	go b.dispatchLoop(dispatchCtx, sess)

	return b.readLoop(ctx, sess)
}

func (b *Bridge) readLoop(ctx context.Context, sess *session) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var msg inbound
		if err := sess.conn.ReadJSON(&msg); err != nil {
			return errors.Wrap(err, "worker disconnected")
		}
		b.handleInbound(ctx, sess, msg)
	}
}

func (b *Bridge) handleInbound(ctx context.Context, sess *session, msg inbound) {
	switch msg.Type {
	case TypeWorkerHello:
		sess.mu.Lock()
		sess.info = WorkerInfo{GPUName: msg.GPUName, VRAMTotalGB: msg.VRAMTotalGB, WorkerVersion: msg.WorkerVersion}
		sess.mu.Unlock()
		log.Printf("worker hello: %+v", sess.info)

	case TypeGPUStatus:
		sess.mu.Lock()
		sess.gpuStatus = GPUStatus{
			VRAMFreeGB: msg.VRAMFreeGB, VRAMUsedGB: msg.VRAMUsedGB, VRAMTotalGB: msg.VRAMTotalGB,
			UtilizationPct: msg.UtilizationPct, TempC: msg.TempC, Available: msg.Available, ModelLoaded: msg.ModelLoaded,
		}
		sess.haveGPU = true
		sess.mu.Unlock()

	case TypeJobProgress:
		b.handleProgress(ctx, msg)

	case TypeJobComplete:
		b.handleComplete(ctx, msg)

	case TypeJobFailed:
		b.handleFailed(ctx, msg)

	case TypePong, TypeWorkerBye:
		log.Printf("worker %s: %s", msg.Type, msg.Reason)

	default:
		log.Errorf("dropping unknown worker message type %q", msg.Type)
	}
}

func (b *Bridge) handleProgress(ctx context.Context, msg inbound) {
	if msg.JobID == "" {
		return
	}
	if err := b.queue.UpdateProgress(ctx, msg.JobID, msg.Step, msg.ProgressPct, msg.Message); err != nil {
		log.Errorf("update progress for %s: %v", msg.JobID, err)
		return
	}
	b.subs.FanOut(msg.JobID, ProgressEvent{
		Type: "progress", JobID: msg.JobID, Step: msg.Step, Pct: msg.ProgressPct, Message: msg.Message,
	})
}

func (b *Bridge) handleComplete(ctx context.Context, msg inbound) {
	if msg.JobID == "" {
		return
	}

	result := jobmodel.Result{
		VertexCount:  msg.VertexCount,
		FaceCount:    msg.FaceCount,
		IsWatertight: msg.IsWatertight,
		DurationS:    msg.GenerationTimeS,
		GPUMetrics:   msg.GPUMetrics,
	}

	if msg.STLBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(msg.STLBase64)
		if err != nil {
			log.Errorf("decode stl for %s: %v", msg.JobID, err)
		} else {
			key := msg.JobID + "/model.stl"
			if err := b.storage.SaveOutput(data, key); err != nil {
				log.Errorf("save stl for %s: %v", msg.JobID, err)
			} else {
				result.OutputRef = key
			}
		}
	}
	if msg.GLBBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(msg.GLBBase64)
		if err != nil {
			log.Errorf("decode glb for %s: %v", msg.JobID, err)
		} else {
			key := msg.JobID + "/model.glb"
			if err := b.storage.SaveOutput(data, key); err != nil {
				log.Errorf("save glb for %s: %v", msg.JobID, err)
			} else {
				result.SecondaryRef = key
			}
		}
	}

	if err := b.queue.MarkComplete(ctx, msg.JobID, result); err != nil {
		log.Errorf("mark complete for %s: %v", msg.JobID, err)
		return
	}
	metrics.CompletedTotal.Inc()
	if b.audit != nil {
		detail, _ := json.Marshal(map[string]any{"vertex_count": msg.VertexCount})
		_ = b.audit.Record(ctx, "job_complete", msg.JobID, string(detail))
	}

	b.subs.FanOut(msg.JobID, CompleteEvent{
		Type: "complete", JobID: msg.JobID, VertexCount: msg.VertexCount, FaceCount: msg.FaceCount,
		IsWatertight: msg.IsWatertight, GenerationTimeS: msg.GenerationTimeS,
	})
	log.Printf("job %s complete (%d vertices)", msg.JobID, msg.VertexCount)
}

func (b *Bridge) handleFailed(ctx context.Context, msg inbound) {
	if msg.JobID == "" {
		return
	}
	if err := b.queue.MarkFailed(ctx, msg.JobID, jobmodel.Error{Message: msg.Error, Step: msg.Step}); err != nil {
		log.Errorf("mark failed for %s: %v", msg.JobID, err)
		return
	}
	metrics.FailedTotal.Inc()
	if b.audit != nil {
		_ = b.audit.Record(ctx, "job_failed", msg.JobID, msg.Error)
	}
	b.subs.FanOut(msg.JobID, FailedEvent{Type: "failed", JobID: msg.JobID, Error: msg.Error, Step: msg.Step})
	log.Printf("job %s failed at %s: %s", msg.JobID, msg.Step, msg.Error)
}

// dispatchLoop implements §4.2's dispatch loop. It runs for the lifetime of
// one worker session; dispatchCtx is canceled on disconnect.
func (b *Bridge) dispatchLoop(dispatchCtx context.Context, sess *session) {
	ticker := time.NewTicker(DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-dispatchCtx.Done():
			return
		case <-ticker.C:
		}

		if b.Paused() {
			continue
		}

		sess.mu.RLock()
		gpuUnavailable := sess.haveGPU && !sess.gpuStatus.Available
		sess.mu.RUnlock()
		if gpuUnavailable {
			continue
		}

		job, err := b.queue.ClaimNextPending(dispatchCtx)
		if err != nil {
			log.Errorf("claim next pending: %v", err)
			continue
		}
		if job == nil {
			continue
		}

		data, err := b.storage.ReadInput(job.InputRef)
		if err != nil {
			log.Errorf("input missing for job %s: %v", job.ID, err)
			if err := b.queue.MarkFailed(dispatchCtx, job.ID, jobmodel.Error{Message: "input missing", Step: "queued"}); err != nil {
				log.Errorf("mark failed (input missing) for %s: %v", job.ID, err)
			}
			continue
		}

		err = sess.writeJSON(outbound{
			Type:          TypeJobAssign,
			JobID:         job.ID,
			ImageFilename: job.InputRef,
			ImageBase64:   base64.StdEncoding.EncodeToString(data),
			Settings:      map[string]any(job.Settings),
		})
		if err != nil {
			log.Errorf("dispatch job %s: %v", job.ID, err)
			continue
		}
		metrics.DispatchedTotal.Inc()
		log.Printf("dispatched job %s to worker", job.ID)
	}
}

// SendCommand forwards an admin command verbatim to the worker. pause and
// cancel also set, and resume clears, the bridge's own paused flag so the
// dispatch loop halts even before the worker confirms. Returns false if no
// worker is connected.
func (b *Bridge) SendCommand(action, jobID string) bool {
	b.mu.Lock()
	sess := b.sess
	switch action {
	case ActionPause, ActionCancel:
		b.paused = true
	case ActionResume:
		b.paused = false
	}
	b.mu.Unlock()

	if sess == nil {
		return false
	}
	msg := outbound{Type: TypeCommand, Action: action}
	if jobID != "" {
		msg.JobID = jobID
	}
	if err := sess.writeJSON(msg); err != nil {
		log.Errorf("send command %s: %v", action, err)
		return false
	}
	return true
}

// SendPing sends a liveness ping to the worker. Returns false if no worker
// is connected.
func (b *Bridge) SendPing() bool {
	b.mu.Lock()
	sess := b.sess
	b.mu.Unlock()
	if sess == nil {
		return false
	}
	return sess.writeJSON(outbound{Type: TypePing}) == nil
}

// WorkerInfoSnapshot returns the last-known worker_hello payload.
func (b *Bridge) WorkerInfoSnapshot() (WorkerInfo, bool) {
	b.mu.Lock()
	sess := b.sess
	b.mu.Unlock()
	if sess == nil {
		return WorkerInfo{}, false
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.info, true
}

// GPUStatusSnapshot returns the last-known gpu_status payload.
func (b *Bridge) GPUStatusSnapshot() (GPUStatus, bool) {
	b.mu.Lock()
	sess := b.sess
	b.mu.Unlock()
	if sess == nil {
		return GPUStatus{}, false
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.gpuStatus, sess.haveGPU
}
