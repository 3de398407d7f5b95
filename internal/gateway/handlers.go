package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dhruvalgolakiya/taskdex-sub000/shared/wire"
)

// actionHandler serves one request action. The returned value becomes the
// response data.
type actionHandler func(ctx context.Context, conn *clientConn, params json.RawMessage) (any, error)

var errMissingAgentID = errors.New("agentId is required")

func (s *Server) actionHandlers() map[string]actionHandler {
	return map[string]actionHandler{
		wire.ActionPing:           s.handlePing,
		wire.ActionListAgents:     s.handleListAgents,
		wire.ActionGetAgent:       s.handleGetAgent,
		wire.ActionCreateAgent:    s.handleCreateAgent,
		wire.ActionStopAgent:      s.handleStopAgent,
		wire.ActionSendMessage:    s.handleSendMessage,
		wire.ActionInterrupt:      s.handleInterrupt,
		wire.ActionUpdateModel:    s.handleUpdateModel,
		wire.ActionRegisterPush:   s.handleRegisterPush,
		wire.ActionUnregisterPush: s.handleUnregisterPush,
		wire.ActionAuth: func(context.Context, *clientConn, json.RawMessage) (any, error) {
			return nil, errors.New("already authenticated")
		},
	}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func decodeAgentRef(raw json.RawMessage) (string, error) {
	var ref wire.AgentRef
	if err := decodeParams(raw, &ref); err != nil {
		return "", err
	}
	if strings.TrimSpace(ref.AgentID) == "" {
		return "", errMissingAgentID
	}
	return ref.AgentID, nil
}

func (s *Server) handlePing(context.Context, *clientConn, json.RawMessage) (any, error) {
	return map[string]int64{"time": time.Now().UnixMilli()}, nil
}

func (s *Server) handleListAgents(context.Context, *clientConn, json.RawMessage) (any, error) {
	return s.svc.List(), nil
}

func (s *Server) handleGetAgent(_ context.Context, _ *clientConn, raw json.RawMessage) (any, error) {
	id, err := decodeAgentRef(raw)
	if err != nil {
		return nil, err
	}
	return s.svc.Get(id)
}

func (s *Server) handleCreateAgent(ctx context.Context, _ *clientConn, raw json.RawMessage) (any, error) {
	var p wire.CreateAgentParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return s.svc.Create(ctx, p)
}

func (s *Server) handleStopAgent(ctx context.Context, _ *clientConn, raw json.RawMessage) (any, error) {
	id, err := decodeAgentRef(raw)
	if err != nil {
		return nil, err
	}
	if err := s.svc.Stop(ctx, id); err != nil {
		return nil, err
	}
	return wire.AgentRef{AgentID: id}, nil
}

func (s *Server) handleSendMessage(ctx context.Context, _ *clientConn, raw json.RawMessage) (any, error) {
	var p wire.SendMessageParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.AgentID) == "" {
		return nil, errMissingAgentID
	}
	turnID, err := s.svc.SendMessage(ctx, p.AgentID, p.Text)
	if err != nil {
		return nil, err
	}
	return wire.SendMessageResult{TurnID: turnID}, nil
}

func (s *Server) handleInterrupt(_ context.Context, _ *clientConn, raw json.RawMessage) (any, error) {
	id, err := decodeAgentRef(raw)
	if err != nil {
		return nil, err
	}
	if err := s.svc.Interrupt(id); err != nil {
		return nil, err
	}
	return wire.AgentRef{AgentID: id}, nil
}

func (s *Server) handleUpdateModel(ctx context.Context, _ *clientConn, raw json.RawMessage) (any, error) {
	var p wire.UpdateModelParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.AgentID) == "" {
		return nil, errMissingAgentID
	}
	if err := s.svc.UpdateModel(ctx, p.AgentID, p.Model); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Server) handleRegisterPush(_ context.Context, conn *clientConn, raw json.RawMessage) (any, error) {
	var p wire.PushRegistration
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Token) == "" {
		return nil, errors.New("token is required")
	}
	s.push.Register(conn.clientID, p.Token, conn.id)
	return map[string]bool{"registered": true}, nil
}

func (s *Server) handleUnregisterPush(_ context.Context, conn *clientConn, raw json.RawMessage) (any, error) {
	var p wire.PushRegistration
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Token == "" {
		s.push.UnregisterAll(conn.clientID, conn.id)
	} else {
		s.push.Unregister(conn.clientID, p.Token, conn.id)
	}
	return map[string]bool{"registered": false}, nil
}
