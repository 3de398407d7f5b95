// Package gateway is the client-facing WebSocket endpoint: it authenticates
// connections, dispatches request/response actions to the session registry and
// broadcasts session events to every authenticated client.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dhruvalgolakiya/taskdex-sub000/internal/crypto"
	"github.com/dhruvalgolakiya/taskdex-sub000/shared/logger"
	"github.com/dhruvalgolakiya/taskdex-sub000/shared/wire"
)

const (
	defaultAuthTimeout    = 10 * time.Second
	defaultRequestTimeout = 90 * time.Second
	defaultPingInterval   = 30 * time.Second
	maxFrameSize          = 4 * 1024 * 1024
)

// Service is the session registry as seen by the gateway.
type Service interface {
	Create(ctx context.Context, p wire.CreateAgentParams) (wire.AgentSummary, error)
	Stop(ctx context.Context, id string) error
	List() []wire.AgentSummary
	Get(id string) (wire.AgentSummary, error)
	SendMessage(ctx context.Context, id string, text string) (string, error)
	Interrupt(id string) error
	UpdateModel(ctx context.Context, id string, model string) error
}

// Config controls the gateway.
type Config struct {
	// SharedKey is the secret every client must present.
	SharedKey string
	// AuthTimeout bounds the wait for the auth message.
	AuthTimeout time.Duration
	// RequestTimeout bounds a single action.
	RequestTimeout time.Duration
	// PingInterval is how often idle connections are pinged.
	PingInterval time.Duration
	// AllowedOrigins restricts browser origins. Empty allows any.
	AllowedOrigins []string
}

// Server serves the gateway endpoint.
type Server struct {
	cfg      Config
	svc      Service
	hub      *Hub
	tokens   *crypto.TokenManager
	push     *PushRegistry
	upgrader websocket.Upgrader
	handlers map[string]actionHandler
}

// NewServer wires a gateway. tokens may be nil, which disables resume tokens.
func NewServer(cfg Config, svc Service, hub *Hub, tokens *crypto.TokenManager, push *PushRegistry) *Server {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if hub == nil {
		hub = NewHub(nil)
	}
	if push == nil {
		push = NewPushRegistry()
	}
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		hub:    hub,
		tokens: tokens,
		push:   push,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.handlers = s.actionHandlers()
	return s
}

// Hub returns the broadcast hub.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Native clients do not send an Origin.
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades the request and serves the connection until it
// closes.
func (s *Server) HandleWebSocket(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[gateway] upgrade from %s failed: %v", c.ClientIP(), err)
		return
	}
	ws.SetReadLimit(maxFrameSize)
	conn := newClientConn(ws)
	defer conn.close()

	if !s.authenticate(conn) {
		return
	}

	s.hub.Add(conn)
	defer func() {
		s.hub.Remove(conn)
		s.push.UnregisterAll(conn.clientID, conn.id)
		logger.Infof("[gateway] client %s disconnected (conn=%s, up %s)",
			conn.clientID, conn.id, time.Since(conn.connectedAt).Round(time.Second))
	}()
	logger.Infof("[gateway] client %s connected from %s (conn=%s)", conn.clientID, c.ClientIP(), conn.id)
	if logger.Enabled(logger.LevelDebug) {
		logger.Debugf("[gateway] connected clients: %s", strings.Join(s.hub.ClientIDs(), ", "))
	}

	pongWait := 2 * s.cfg.PingInterval
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go conn.writePump(s.cfg.PingInterval)

	s.readLoop(conn, pongWait)
}

// authenticate runs the auth handshake. The first frame must be an auth
// action carrying the shared key or a resume token, within AuthTimeout.
func (s *Server) authenticate(conn *clientConn) bool {
	_ = conn.ws.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	_, data, err := conn.ws.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			conn.rejectAuth("", "authentication timeout")
		}
		return false
	}

	var req wire.Request
	if err := json.Unmarshal(data, &req); err != nil || req.Action != wire.ActionAuth {
		conn.rejectAuth(req.RequestID, "authentication required")
		return false
	}
	var params wire.AuthParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			conn.rejectAuth(req.RequestID, "invalid auth params")
			return false
		}
	}

	clientID := strings.TrimSpace(params.ClientID)
	switch {
	case params.Token != "" && s.tokens != nil:
		claims, err := s.tokens.Verify(params.Token)
		if err != nil {
			conn.rejectAuth(req.RequestID, "invalid token")
			return false
		}
		clientID = claims.ClientID
	case crypto.KeyMatches(params.Key, s.cfg.SharedKey):
	default:
		conn.rejectAuth(req.RequestID, "invalid key")
		return false
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}
	conn.clientID = clientID

	result := wire.AuthResult{ClientID: clientID}
	if s.tokens != nil {
		token, err := s.tokens.Issue(clientID)
		if err != nil {
			logger.Warnf("[gateway] issue resume token: %v", err)
		} else {
			result.Token = token
		}
	}
	_ = conn.ws.SetReadDeadline(time.Time{})

	raw, _ := json.Marshal(result)
	if err := conn.writeDirect(wire.Response{
		Type:      wire.TypeResponse,
		Action:    wire.ActionAuth,
		RequestID: req.RequestID,
		Data:      raw,
	}); err != nil {
		return false
	}
	return true
}

func (s *Server) readLoop(conn *clientConn, pongWait time.Duration) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Debugf("[gateway] client %s read: %v", conn.clientID, err)
			}
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))

		var req wire.Request
		if err := json.Unmarshal(data, &req); err != nil || req.Action == "" {
			conn.sendJSON(wire.Response{Type: wire.TypeError, Error: "invalid request"})
			continue
		}
		go s.handleRequest(conn, req)
	}
}

func (s *Server) handleRequest(conn *clientConn, req wire.Request) {
	handler, ok := s.handlers[req.Action]
	if !ok {
		conn.sendJSON(wire.Response{
			Type:      wire.TypeError,
			Action:    req.Action,
			RequestID: req.RequestID,
			Error:     "unknown action: " + req.Action,
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()

	data, err := handler(ctx, conn, req.Params)
	if err != nil {
		logger.Debugf("[gateway] %s from %s failed: %v", req.Action, conn.clientID, err)
		conn.sendJSON(wire.Response{
			Type:      wire.TypeError,
			Action:    req.Action,
			RequestID: req.RequestID,
			Error:     err.Error(),
		})
		return
	}
	raw, err := marshalData(data)
	if err != nil {
		conn.sendJSON(wire.Response{Type: wire.TypeError, Action: req.Action, RequestID: req.RequestID, Error: err.Error()})
		return
	}
	conn.sendJSON(wire.Response{
		Type:      wire.TypeResponse,
		Action:    req.Action,
		RequestID: req.RequestID,
		Data:      raw,
	})
}
