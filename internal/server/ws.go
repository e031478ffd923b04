// Package server exposes the play loop over a websocket so external front
// ends can drive turns without linking the engine.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/fabulist/fabulist/internal/engine"
	"github.com/fabulist/fabulist/internal/fallback"
	"github.com/fabulist/fabulist/internal/shared/llmutils"
	"github.com/fabulist/fabulist/internal/state"
)

// ClientMessage is one inbound websocket frame.
type ClientMessage struct {
	Type   string `json:"type"` // say | save | load | advance-scene
	Entity string `json:"entity,omitempty"`
	Text   string `json:"text,omitempty"`
	Slot   string `json:"slot,omitempty"`
}

// ServerMessage is one outbound websocket frame.
type ServerMessage struct {
	Type     string `json:"type"` // narration | ok | error
	Entity   string `json:"entity,omitempty"`
	Text     string `json:"text,omitempty"`
	Model    string `json:"model,omitempty"`
	Scene    int    `json:"scene,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
}

// Server serves the websocket play endpoint at /play.
type Server struct {
	addr     string
	pipeline *engine.Pipeline
	state    *state.Manager
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// New creates a server bound to addr.
func New(addr string, pipeline *engine.Pipeline, st *state.Manager) *Server {
	return &Server{
		addr:     addr,
		pipeline: pipeline,
		state:    st,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		log:      slog.With("component", "server"),
	}
}

// Run serves until ctx is cancelled, then drains with a short shutdown
// grace period.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/play", s.handlePlay)

	srv := &http.Server{Addr: s.addr, Handler: mux}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("listening", "addr", s.addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return g.Wait()
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	s.log.Info("client connected", "remote", conn.RemoteAddr())

	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("read failed", "err", err)
			}
			return
		}
		reply := s.dispatch(r.Context(), msg)
		if err := conn.WriteJSON(reply); err != nil {
			s.log.Warn("write failed", "err", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, msg ClientMessage) ServerMessage {
	switch msg.Type {
	case "say":
		entity := llmutils.StringOrDefault(msg.Entity, "narrator")
		turn, err := s.pipeline.Run(ctx, entity, msg.Text)
		if err != nil {
			if errors.Is(err, fallback.ErrExhausted) {
				return ServerMessage{Type: "narration", Entity: entity, Text: turn.Text, Degraded: true}
			}
			if errors.Is(err, engine.ErrTurnActive) {
				return ServerMessage{Type: "ok", Text: "a turn is in progress; input queued"}
			}
			return ServerMessage{Type: "error", Text: err.Error()}
		}
		return ServerMessage{
			Type: "narration", Entity: turn.Entity, Text: turn.Text,
			Model: turn.Model, Scene: s.state.Scene(), Degraded: turn.Degraded,
		}
	case "save":
		if err := s.state.Save(msg.Slot); err != nil {
			return ServerMessage{Type: "error", Text: err.Error()}
		}
		return ServerMessage{Type: "ok", Text: "saved " + msg.Slot}
	case "load":
		if err := s.state.Load(msg.Slot); err != nil {
			return ServerMessage{Type: "error", Text: err.Error()}
		}
		return ServerMessage{Type: "ok", Text: "loaded " + msg.Slot, Scene: s.state.Scene()}
	case "advance-scene":
		if err := s.state.AdvanceScene(); err != nil {
			return ServerMessage{Type: "error", Text: err.Error()}
		}
		return ServerMessage{Type: "ok", Scene: s.state.Scene()}
	default:
		return ServerMessage{Type: "error", Text: "unknown message type " + msg.Type}
	}
}
