// Package ws is the websocket endpoint the game-server plugin talks to.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"mss.voxelcraft.ai/internal/agents"
	"mss.voxelcraft.ai/internal/engine"
	"mss.voxelcraft.ai/internal/filter"
	"mss.voxelcraft.ai/internal/guard"
	"mss.voxelcraft.ai/internal/protocol"
)

// MaxInflight bounds concurrently processed requests per connection.
const MaxInflight = 16

type Config struct {
	Engine     *engine.Engine
	Registry   *agents.Registry
	Containers *agents.MemContainers
	Cooldowns  *guard.Cooldowns
	Filter     *filter.DenyList
	Markers    *guard.MarkerCache
	// Token, when set, must match HELLO auth.token.
	Token  string
	Logger *log.Logger
}

type Server struct {
	eng     *engine.Engine
	reg     *agents.Registry
	boxes   *agents.MemContainers
	cool    *guard.Cooldowns
	deny    *filter.DenyList
	markers *guard.MarkerCache
	schemas *protocol.Validator
	token   string
	log     *log.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	client string
	conn   *websocket.Conn
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("ws: engine required")
	}
	v, err := protocol.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("ws: schemas: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Server{
		eng:     cfg.Engine,
		reg:     cfg.Registry,
		boxes:   cfg.Containers,
		cool:    cfg.Cooldowns,
		deny:    cfg.Filter,
		markers: cfg.Markers,
		schemas: v,
		token:   cfg.Token,
		log:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // plugins are not browsers
		},
		sessions: map[string]*session{},
	}
	if s.reg == nil {
		s.reg = agents.NewRegistry(nil, cfg.Engine.Resolver())
	}
	if s.boxes == nil {
		s.boxes = agents.NewMemContainers(27 * 64)
	}
	if s.cool == nil {
		s.cool = guard.NewCooldowns(0)
	}
	if s.deny == nil {
		s.deny = filter.NewDenyList(nil)
	}
	if s.markers == nil {
		s.markers = guard.NewMarkerCache(cfg.Engine.Resolver(), 0)
	}
	return s, nil
}

// Sessions returns session id -> client name for connected clients.
func (s *Server) Sessions() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.sessions))
	for k, v := range s.sessions {
		out[k] = v.client
	}
	return out
}

// Close disconnects every session. The http.Server does not track
// hijacked connections, so shutdown has to call this.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		_ = sess.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(time.Second))
		_ = sess.conn.Close()
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		id, client := s.handshake(conn)
		if id == "" {
			return
		}
		s.mu.Lock()
		s.sessions[id] = &session{client: client, conn: conn}
		s.mu.Unlock()
		s.log.Printf("session %s: %s connected from %s", id, client, r.RemoteAddr)
		defer func() {
			s.mu.Lock()
			delete(s.sessions, id)
			s.mu.Unlock()
			s.log.Printf("session %s: closed", id)
		}()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		out := make(chan []byte, MaxInflight)

		// Writer goroutine.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						_ = conn.Close() // unblocks the reader
						return
					}
				}
			}
		}()

		// Reader loop.
		sem := make(chan struct{}, MaxInflight)
		var wg sync.WaitGroup
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
			wg.Add(1)
			go func(msg []byte) {
				defer func() { <-sem; wg.Done() }()
				res := s.Dispatch(ctx, client, msg)
				b, err := json.Marshal(res)
				if err != nil {
					s.log.Printf("session %s: encode result: %v", id, err)
					return
				}
				select {
				case out <- b:
				case <-ctx.Done():
				}
			}(msg)
		}
		wg.Wait()
		cancel()
		<-done
	}
}

func (s *Server) handshake(conn *websocket.Conn) (id, client string) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", ""
	}

	reject := func(reason string) (string, string) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
		return "", ""
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		return reject("expected HELLO")
	}
	if err := s.schemas.Validate(protocol.TypeHello, msg); err != nil {
		return reject("bad HELLO")
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return reject("bad HELLO")
	}
	if hello.ProtocolVersion != protocol.Version {
		return reject("bad protocol_version")
	}
	if s.token != "" {
		if hello.Auth == nil || strings.TrimSpace(hello.Auth.Token) != s.token {
			return reject("bad token")
		}
	}

	cfg := s.eng.Config()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       uuid.NewString(),
		Limits: protocol.Limits{
			MaxNetworkBlocks:    s.eng.Resolver().MaxBlocks(),
			OperationCooldownMs: int(s.cool.Cooldown() / time.Millisecond),
			DriveBaySlots:       cfg.BaySlots,
			MaxAgentFilters:     agents.MaxFilters,
		},
	}
	if err := writeJSON(conn, welcome); err != nil {
		return "", ""
	}
	return welcome.SessionID, hello.ClientName
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
