package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/rokasgie/ai-data-collector/internal/call"
	"github.com/rokasgie/ai-data-collector/internal/dispatch"
	"github.com/rokasgie/ai-data-collector/internal/turn"
	"github.com/rokasgie/ai-data-collector/pkg/provider/llm"
	"github.com/rokasgie/ai-data-collector/pkg/provider/stt"
)

const (
	// outboundBuffer is the writer queue depth. Sinks block (preserving
	// delivery order) when the client cannot keep up.
	outboundBuffer = 64

	// writeTimeout bounds a single WebSocket write.
	writeTimeout = 5 * time.Second

	// persistTimeout bounds the end-of-call snapshot write.
	persistTimeout = 3 * time.Second
)

// conn is one client session: the WebSocket, the STT session feeding the
// turn engine, and the dispatcher answering finalized turns. Everything runs
// under one errgroup and tears down together.
type conn struct {
	id  string
	srv *Server
	ws  *websocket.Conn
	out chan serverMessage

	ctx context.Context // set by run; used by sinks to abort blocked sends

	norm *turn.Normalizer
	rec  *turn.Reconciler
	fin  *turn.Finalizer
	disp *dispatch.Dispatcher

	sessMu  sync.Mutex
	session stt.SessionHandle
	reopens chan stt.SessionHandle
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	c := &conn{
		id:      uuid.NewString(),
		srv:     s,
		ws:      ws,
		out:     make(chan serverMessage, outboundBuffer),
		reopens: make(chan stt.SessionHandle, 1),
	}

	c.norm = turn.NewNormalizer(s.opts.Turn.StaleWindow, s.opts.Metrics, nil)
	c.rec = turn.NewReconciler(s.opts.Turn, s.opts.Metrics, c.onCorrection, nil)
	c.fin = turn.NewFinalizer(c.rec, s.opts.Turn.Tick, c.onUserTurn)
	c.disp = dispatch.New(s.opts.LLM, call.NewPrompter(s.opts.Patient), c.onAgentTurn, s.opts.Metrics, s.opts.Dispatch)

	return c
}

// run drives the connection until the client disconnects or any pipeline
// stage fails. The call snapshot is persisted on the way out.
func (c *conn) run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	c.ctx = ctx

	slog.Info("client connected", "conn_id", c.id)

	sess, err := c.srv.opts.STT.StartStream(ctx, c.srv.opts.Stream)
	if err != nil {
		return fmt.Errorf("server: start stt session: %w", err)
	}
	c.setSession(sess)
	defer func() {
		if s := c.swapSession(nil); s != nil {
			s.Close()
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.writeLoop(ctx) })
	g.Go(func() error { return c.readLoop(ctx) })
	g.Go(func() error { return c.transcriptLoop(ctx, sess) })
	g.Go(func() error { return c.fin.Run(ctx) })
	g.Go(func() error { return c.disp.Run(ctx) })

	err = g.Wait()
	c.persist()
	slog.Info("client disconnected", "conn_id", c.id)
	return err
}

// ── Turn sinks ───────────────────────────────────────────────────────────────

// onUserTurn delivers a finalized user turn to the client and hands it to the
// dispatcher.
func (c *conn) onUserTurn(t turn.Turn) {
	c.send(serverMessage{Type: "turn", Data: turnPayload{Role: string(t.Role), Content: t.Content}})
	c.disp.Enqueue(c.ctx, t)
}

// onAgentTurn delivers assistant sentence chunks and error notices.
func (c *conn) onAgentTurn(t turn.Turn) {
	c.send(serverMessage{Type: "turn", Data: turnPayload{Role: string(t.Role), Content: t.Content}})
}

func (c *conn) onCorrection(corr turn.Correction) {
	c.send(serverMessage{Type: "correction", Data: correctionPayload{TurnID: corr.TurnID, Content: corr.NewText}})
}

// send queues msg for the writer. Blocks when the queue is full so delivery
// order is preserved; gives up when the connection is tearing down.
func (c *conn) send(msg serverMessage) {
	select {
	case c.out <- msg:
	case <-c.ctx.Done():
	}
}

// ── Writer ───────────────────────────────────────────────────────────────────

// writeLoop is the single goroutine that touches the socket's write side.
// A write failure is fatal to the connection.
func (c *conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-c.out:
			data, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("server: marshal outbound message: %w", err)
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return fmt.Errorf("server: write to client: %w", err)
			}
		}
	}
}

// ── Reader ───────────────────────────────────────────────────────────────────

// readLoop consumes client frames. Unknown message types and undecodable
// payloads are dropped with a counted diagnostic, never fatal.
func (c *conn) readLoop(ctx context.Context) error {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return fmt.Errorf("server: read from client: %w", err)
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.dropFrame(ctx, "undecodable frame")
			continue
		}

		switch msg.Type {
		case "audio":
			c.handleAudio(ctx, msg)
		case "control":
			c.handleControl(ctx, msg)
		default:
			c.dropFrame(ctx, "unknown message type "+msg.Type)
		}
	}
}

func (c *conn) dropFrame(ctx context.Context, detail string) {
	c.srv.opts.Metrics.EventsDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", "protocol")))
	slog.Debug("dropped client frame", "conn_id", c.id, "detail", detail)
}

// handleAudio decodes and forwards one audio frame. When the STT session is
// down, one reopen is attempted per frame; the frame is dropped if the
// session stays down.
func (c *conn) handleAudio(ctx context.Context, msg clientMessage) {
	b64, err := msg.audioData()
	if err != nil {
		c.dropFrame(ctx, "malformed audio payload")
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		c.dropFrame(ctx, "bad base64 audio")
		return
	}
	c.norm.ObserveAudio(msg.StartTime)

	sess := c.currentSession()
	if sess == nil {
		if sess = c.reopen(ctx); sess == nil {
			return
		}
	}
	if err := sess.SendAudio(pcm); err != nil {
		// The transcript loop notices the closed channels and surfaces the
		// outage; the next frame triggers a reopen.
		c.swapSessionIf(sess, nil)
		slog.Warn("audio forward failed", "conn_id", c.id, "err", err)
	}
}

func (c *conn) handleControl(ctx context.Context, msg clientMessage) {
	ctl, err := msg.controlData()
	if err != nil {
		c.dropFrame(ctx, "malformed control payload")
		return
	}
	sess := c.currentSession()
	if sess == nil {
		return
	}
	if err := sess.SendControl(ctl); err != nil {
		slog.Warn("control forward failed", "conn_id", c.id, "err", err)
	}
}

// ── STT session management ───────────────────────────────────────────────────

// transcriptLoop consumes the current session's transcript channels and feeds
// the turn engine. When a session ends while the client is still connected,
// the outage is surfaced as an error turn and the loop waits for a reopened
// session.
func (c *conn) transcriptLoop(ctx context.Context, sess stt.SessionHandle) error {
	for {
		c.consume(ctx, sess)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.swapSessionIf(sess, nil)
		c.send(serverMessage{Type: "turn", Data: turnPayload{
			Role:    string(turn.RoleError),
			Content: "transcription temporarily unavailable, reconnecting",
		}})
		slog.Warn("stt session ended, awaiting reopen", "conn_id", c.id)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case sess = <-c.reopens:
		}
	}
}

// consume drains one session's partial and final channels until both close.
func (c *conn) consume(ctx context.Context, sess stt.SessionHandle) {
	partials, finals := sess.Partials(), sess.Finals()
	for partials != nil || finals != nil {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			c.ingest(ctx, t)
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			c.ingest(ctx, t)
		}
	}
}

func (c *conn) ingest(ctx context.Context, t stt.Transcript) {
	ev, err := c.norm.Normalize(ctx, t)
	if err != nil {
		return // counted by the normalizer
	}
	c.rec.Ingest(ctx, ev)
}

// reopen attempts to start a replacement STT session.
func (c *conn) reopen(ctx context.Context) stt.SessionHandle {
	sess, err := c.srv.opts.STT.StartStream(ctx, c.srv.opts.Stream)
	if err != nil {
		slog.Warn("stt session reopen failed", "conn_id", c.id, "err", err)
		return nil
	}
	c.setSession(sess)
	select {
	case c.reopens <- sess:
	default:
	}
	slog.Info("stt session reopened", "conn_id", c.id)
	return sess
}

func (c *conn) currentSession() stt.SessionHandle {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	return c.session
}

func (c *conn) setSession(sess stt.SessionHandle) {
	c.sessMu.Lock()
	c.session = sess
	c.sessMu.Unlock()
}

// swapSession replaces the session and returns the previous one.
func (c *conn) swapSession(sess stt.SessionHandle) stt.SessionHandle {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	prev := c.session
	c.session = sess
	return prev
}

// swapSessionIf clears the session only when it is still old, so a racing
// reopen is not clobbered.
func (c *conn) swapSessionIf(old, sess stt.SessionHandle) {
	c.sessMu.Lock()
	if c.session == old {
		c.session = sess
	}
	c.sessMu.Unlock()
}

// ── End-of-call snapshot ─────────────────────────────────────────────────────

// callSnapshot is the persisted record of a finished connection.
type callSnapshot struct {
	State   call.State    `json:"state"`
	History []llm.Message `json:"history"`
	EndedAt time.Time     `json:"ended_at"`
}

func (c *conn) persist() {
	snap := callSnapshot{
		State:   c.disp.Snapshot(),
		History: c.disp.History(),
		EndedAt: time.Now(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		slog.Warn("marshal call snapshot failed", "conn_id", c.id, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.srv.opts.Store.Put(ctx, "call/"+c.id, data); err != nil {
		slog.Warn("persist call snapshot failed", "conn_id", c.id, "err", err)
	}
}
