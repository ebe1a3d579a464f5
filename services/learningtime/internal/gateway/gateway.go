// Package gateway is the websocket edge of the presence service. It
// authenticates the socket, assigns a connection id and feeds frames to the
// accumulator.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/learning-platform/internal/platform/api"
	"github.com/example/learning-platform/internal/platform/auth"
	"github.com/example/learning-platform/internal/platform/httpserver"
	"github.com/example/learning-platform/services/learningtime/internal/accumulator"
	"github.com/example/learning-platform/services/learningtime/internal/session"
)

// Presence is the accumulator surface the gateway drives.
type Presence interface {
	OnJoin(ctx context.Context, connectionID, userID, lessonID, courseID string) error
	OnHeartbeat(ctx context.Context, hb accumulator.Heartbeat) error
	OnLeave(ctx context.Context, connectionID, userID, lessonID string) error
	OnDisconnect(ctx context.Context, connectionID, userID string)
}

const (
	FrameJoin      = "join"
	FrameHeartbeat = "heartbeat"
	FrameLeave     = "leave"
	frameReady     = "ready"
	frameError     = "error"
)

// Frame is a client message.
type Frame struct {
	Type      string    `json:"type"`
	LessonID  string    `json:"lesson_id"`
	CourseID  string    `json:"course_id,omitempty"`
	IsActive  bool      `json:"is_active,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

type serverFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id,omitempty"`
	Code         string `json:"code,omitempty"`
	Message      string `json:"message,omitempty"`
}

type Handler struct {
	presence    Presence
	verifier    auth.JWTVerifier
	log         *zap.Logger
	readTimeout time.Duration
	upgrader    websocket.Upgrader
	newID       func() string

	mu     sync.Mutex
	closed bool
	conns  map[*websocket.Conn]struct{}
	wg     sync.WaitGroup
}

// New builds the gateway. A socket silent for three heartbeat intervals is
// treated as gone.
func New(p Presence, verifier auth.JWTVerifier, log *zap.Logger, heartbeatInterval time.Duration) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	origins := httpserver.CORSOrigins()
	return &Handler{
		presence:    p,
		verifier:    verifier,
		log:         log,
		readTimeout: 3 * heartbeatInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers send Origin; other clients rely on the bearer token alone.
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || httpserver.OriginAllowed(origins, origin)
			},
		},
		newID: uuid.NewString,
		conns: make(map[*websocket.Conn]struct{}),
	}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/v1/presence/ws", h.ServeWS)
}

func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	claims, err := h.verifier.Authenticate(r, true)
	if err != nil {
		api.Unauthorized(w, "UNAUTHORIZED", "Missing or invalid token", httpserver.RequestIDFromContext(r.Context()))
		return
	}
	userID := claims.Subject
	if _, err := uuid.Parse(userID); err != nil {
		api.Unauthorized(w, "UNAUTHORIZED", "Token subject is not a user id", httpserver.RequestIDFromContext(r.Context()))
		return
	}

	if h.shuttingDown() {
		api.Unavailable(w, "SHUTTING_DOWN", "Presence gateway is shutting down", httpserver.RequestIDFromContext(r.Context()))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	if !h.register(conn) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}
	defer h.wg.Done()
	connID := h.newID()
	log := h.log.With(zap.String("connection_id", connID), zap.String("user_id", userID))
	log.Debug("presence connection opened")

	// Detached: the request context ends with the handler.
	ctx := context.WithoutCancel(r.Context())
	defer func() {
		h.presence.OnDisconnect(ctx, connID, userID)
		h.unregister(conn)
		_ = conn.Close()
		log.Debug("presence connection closed")
	}()

	if err := conn.WriteJSON(serverFrame{Type: frameReady, ConnectionID: connID}); err != nil {
		return
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(h.readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("presence read ended", zap.Error(err))
			}
			return
		}
		if err := h.dispatch(ctx, connID, userID, data); err != nil {
			if werr := conn.WriteJSON(errorFrame(err)); werr != nil {
				return
			}
		}
	}
}

func (h *Handler) shuttingDown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handler) register(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}

// Shutdown closes every open socket and waits until their sessions have
// been flushed. http.Server.Shutdown does not track hijacked connections.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	for c := range h.conns {
		_ = c.Close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type badFrame struct {
	code string
	msg  string
}

func (e *badFrame) Error() string { return e.msg }

func (h *Handler) dispatch(ctx context.Context, connID, userID string, data []byte) error {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return &badFrame{code: "BAD_FRAME", msg: "frame is not valid JSON"}
	}

	var err error
	switch f.Type {
	case FrameJoin, FrameHeartbeat, FrameLeave:
		if !uuidOrEmpty(f.LessonID) || !uuidOrEmpty(f.CourseID) {
			return &badFrame{code: "INVALID_FRAME", msg: "lesson_id and course_id must be UUIDs"}
		}
	}
	switch f.Type {
	case FrameJoin:
		err = h.presence.OnJoin(ctx, connID, userID, f.LessonID, f.CourseID)
	case FrameHeartbeat:
		err = h.presence.OnHeartbeat(ctx, accumulator.Heartbeat{
			ConnectionID: connID,
			UserID:       userID,
			LessonID:     f.LessonID,
			CourseID:     f.CourseID,
			IsActive:     f.IsActive,
			Timestamp:    f.Timestamp,
		})
	case FrameLeave:
		err = h.presence.OnLeave(ctx, connID, userID, f.LessonID)
	default:
		return &badFrame{code: "UNKNOWN_TYPE", msg: "unknown frame type " + f.Type}
	}
	if errors.Is(err, session.ErrInvalidKey) {
		return &badFrame{code: "INVALID_FRAME", msg: "lesson_id and course_id are required"}
	}
	return err
}

// uuidOrEmpty leaves blank ids to the accumulator's own validation.
func uuidOrEmpty(id string) bool {
	if id == "" {
		return true
	}
	_, err := uuid.Parse(id)
	return err == nil
}

func errorFrame(err error) serverFrame {
	var fe *badFrame
	if errors.As(err, &fe) {
		return serverFrame{Type: frameError, Code: fe.code, Message: fe.msg}
	}
	return serverFrame{Type: frameError, Code: "INTERNAL", Message: "internal error"}
}
