package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"treasuredig/prober/internal/detector"
	"treasuredig/prober/internal/geometry"
	httpapi "treasuredig/prober/internal/http"
	"treasuredig/prober/internal/logging"
)

const (
	sessionSendBuffer = 64
	sessionWriteWait  = 10 * time.Second
)

// Frame operations understood by live sessions.
const (
	opWelcome  = "welcome"
	opProbe    = "probe"
	opFurthest = "furthest"
	opScan     = "scan"
)

type frameEnvelope struct {
	ID string `json:"id"`
	Op string `json:"op"`
}

type probeFrame struct {
	frameEnvelope
	detector.ProbeWire
}

type furthestFrame struct {
	frameEnvelope
	detector.FurthestWire
}

type scanFrame struct {
	frameEnvelope
	detector.ScanWire
}

// sessionReply answers one inbound frame; Status follows HTTP semantics.
type sessionReply struct {
	ID     string `json:"id,omitempty"`
	Op     string `json:"op"`
	Status int    `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type welcome struct {
	SessionID string `json:"session_id"`
	Subject   string `json:"subject,omitempty"`
	Scene     string `json:"scene"`
	Surfaces  int    `json:"surfaces"`
}

type session struct {
	id      string
	subject string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

func (sess *session) close() {
	sess.once.Do(func() { close(sess.done) })
}

// enqueue hands msg to the writer; a full buffer means the client stopped reading.
func (sess *session) enqueue(msg []byte) bool {
	select {
	case <-sess.done:
		return false
	default:
	}
	select {
	case sess.send <- msg:
		return true
	default:
		return false
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	logger := logging.LoggerFromContext(r.Context())
	subject, err := s.auth.Authenticate(r)
	if err != nil {
		logger.Warn("session rejected", logging.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}

	sess := &session{
		id:      uuid.NewString(),
		subject: subject,
		conn:    conn,
		send:    make(chan []byte, sessionSendBuffer),
		done:    make(chan struct{}),
	}
	logger = logger.With(logging.String("session_id", sess.id))
	s.register(sess)
	logger.Info("session opened", logging.String("subject", subject))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(sess, logger)
	}()

	name, surfaces := s.SceneInfo()
	s.reply(sess, sessionReply{Op: opWelcome, Status: http.StatusOK, Result: welcome{
		SessionID: sess.id,
		Subject:   subject,
		Scene:     name,
		Surfaces:  surfaces,
	}}, logger)

	ctx, cancel := context.WithCancel(logging.ContextWithLogger(r.Context(), logger))
	s.readLoop(ctx, sess, logger)
	cancel()

	//1.- Reader is gone: stop the writer, then release the session.
	sess.close()
	<-writerDone
	_ = conn.Close()
	s.unregister(sess)
	logger.Info("session closed")
}

func (s *Server) readLoop(ctx context.Context, sess *session, logger *logging.Logger) {
	pongWait := 2 * s.pingInterval()
	sess.conn.SetReadLimit(s.cfg.MaxPayloadBytes)
	_ = sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("session read failed", logging.Error(err))
			}
			return
		}
		_ = sess.conn.SetReadDeadline(time.Now().Add(pongWait))
		var reply sessionReply
		if kind != websocket.TextMessage {
			reply = sessionReply{Status: http.StatusBadRequest, Error: "text frames only"}
		} else {
			reply = s.handleFrame(ctx, sess, data)
		}
		if !s.reply(sess, reply, logger) {
			return
		}
	}
}

func (s *Server) writeLoop(sess *session, logger *logging.Logger) {
	ticker := time.NewTicker(s.pingInterval())
	defer func() {
		ticker.Stop()
		_ = sess.conn.Close()
	}()
	for {
		select {
		case msg := <-sess.send:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
			if err := sess.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug("session write failed", logging.Error(err))
				sess.close()
				return
			}
		case <-ticker.C:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sess.close()
				return
			}
		case <-sess.done:
			//1.- Replies queued before the reader stopped still go out ahead of the close frame.
			if !s.drain(sess, logger) {
				return
			}
			deadline := time.Now().Add(sessionWriteWait)
			_ = sess.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

// drain writes every message still buffered for sess and reports whether the connection survived.
func (s *Server) drain(sess *session, logger *logging.Logger) bool {
	for {
		select {
		case msg := <-sess.send:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
			if err := sess.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug("session write failed", logging.Error(err))
				return false
			}
		default:
			return true
		}
	}
}

func (s *Server) reply(sess *session, reply sessionReply, logger *logging.Logger) bool {
	payload, err := json.Marshal(reply)
	if err != nil {
		logger.Error("session reply encode failed", logging.Error(err))
		payload, _ = json.Marshal(sessionReply{ID: reply.ID, Op: reply.Op, Status: http.StatusInternalServerError, Error: "internal error"})
	}
	if !sess.enqueue(payload) {
		logger.Warn("session send buffer full; closing")
		sess.close()
		return false
	}
	return true
}

// handleFrame decodes one request frame, applies the session rate limit and runs the query.
func (s *Server) handleFrame(ctx context.Context, sess *session, data []byte) sessionReply {
	var envelope frameEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return sessionReply{Status: http.StatusBadRequest, Error: "malformed frame: " + err.Error()}
	}
	reply := sessionReply{ID: envelope.ID, Op: envelope.Op}
	if !s.limiter.Allow(sess.id) {
		reply.Status = http.StatusTooManyRequests
		reply.Error = "rate limit exceeded"
		return reply
	}

	result, err := s.dispatch(ctx, envelope.Op, data)
	if err != nil {
		reply.Status = httpapi.StatusFor(err)
		reply.Error = err.Error()
		if reply.Status == http.StatusInternalServerError {
			logging.LoggerFromContext(ctx).Error("session query failed", logging.String("op", envelope.Op), logging.Error(err))
			reply.Error = "internal error"
		}
		return reply
	}
	s.metrics.ObserveSession(sess.id)
	reply.Status = http.StatusOK
	reply.Result = result
	return reply
}

func (s *Server) dispatch(ctx context.Context, op string, data []byte) (any, error) {
	switch op {
	case opProbe:
		var frame probeFrame
		if err := detector.DecodeJSON(bytes.NewReader(data), &frame); err != nil {
			return nil, err
		}
		req, err := frame.ProbeWire.Request()
		if err != nil {
			return nil, err
		}
		return s.detector.Probe(ctx, req)
	case opFurthest:
		var frame furthestFrame
		if err := detector.DecodeJSON(bytes.NewReader(data), &frame); err != nil {
			return nil, err
		}
		req, err := frame.FurthestWire.Request()
		if err != nil {
			return nil, err
		}
		return s.detector.Furthest(ctx, req)
	case opScan:
		var frame scanFrame
		if err := detector.DecodeJSON(bytes.NewReader(data), &frame); err != nil {
			return nil, err
		}
		req, err := frame.ScanWire.Request()
		if err != nil {
			return nil, err
		}
		return s.detector.Scan(ctx, req)
	case "":
		return nil, geometry.Invalidf("op is required")
	default:
		return nil, geometry.Invalidf("unknown op %q", op)
	}
}

func (s *Server) register(sess *session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	s.limiter.Forget(sess.id)
	s.metrics.ForgetSession(sess.id)
}
