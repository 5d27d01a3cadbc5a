package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/toolmesh/internal/observability"
	"github.com/harun/toolmesh/internal/tracing"
	"github.com/harun/toolmesh/pkg/agent"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/tidwall/gjson"
)

// handleWebSocket accepts a client. Clients that present the shared secret
// in the upgrade request skip the challenge.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiterWithLimits(s.requestsPerMin, s.maxConcurrent),
		State:        StateConnecting,
	}

	s.clients.Add(client)
	s.metrics.GatewayConnectionOpened()

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if s.authHandler.AuthorizeRequest(r) {
		client.Authenticated = true
		client.State = StateAuthenticated
		err = s.sendConnected(client)
	} else {
		err = s.sendAuthChallenge(client)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to greet client")
		conn.Close()
		s.clients.Remove(clientID)
		s.metrics.GatewayConnectionClosed()
		return
	}

	ctx, cancel := context.WithCancel(tracing.WithConnectionID(s.baseCtx, clientID))
	go s.handleClient(ctx, cancel, client)
}

func (s *Server) sendConnected(client *Client) error {
	return client.WriteJSON(EventMessage{
		Type:      FrameConnected,
		Payload:   map[string]string{"connection_id": client.ID},
		Timestamp: time.Now().UnixMilli(),
	})
}

// sendAuthChallenge sends an authentication challenge to a client
func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		return err
	}

	client.Challenge = challenge
	client.State = StateAuthenticating

	return client.WriteJSON(AuthChallenge{
		Type:      FrameEvent,
		Event:     "auth.challenge",
		Challenge: challenge,
	})
}

// handleClient reads frames until the connection drops, then cancels the
// client's invocations. Besides invoke frames a client may send
// {"method":"cancel","id":...} to abort one of its invocations.
func (s *Server) handleClient(ctx context.Context, cancel context.CancelFunc, client *Client) {
	defer func() {
		cancel()
		client.Conn.Close()
		client.State = StateDisconnected
		s.clients.Remove(client.ID)
		s.metrics.GatewayConnectionClosed()
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.Touch(client.ID)

		if !s.handleMessage(ctx, client, message) {
			return
		}
	}
}

// handleMessage handles one frame. It returns false when the connection
// must be closed.
func (s *Server) handleMessage(ctx context.Context, client *Client, message []byte) bool {
	if gjson.GetBytes(message, "method").String() == "auth.response" {
		var authResp AuthResponse
		if err := json.Unmarshal(message, &authResp); err != nil {
			s.sendError(client, "", "invalid auth response")
			return true
		}
		return s.handleAuthMessage(client, authResp)
	}

	if !client.Authenticated {
		s.sendError(client, "", "authentication required")
		return true
	}

	if gjson.GetBytes(message, "method").String() == "cancel" {
		id := gjson.GetBytes(message, "id").String()
		if !s.clients.CancelInvocation(client.ID, id) {
			s.sendError(client, id, "no invocation in flight with this id")
		}
		return true
	}

	var req InvokeRequest
	if err := json.Unmarshal(message, &req); err != nil {
		s.sendError(client, "", "invalid frame: "+err.Error())
		return true
	}
	if strings.TrimSpace(req.Input) == "" {
		s.sendError(client, req.ID, "input is required")
		return true
	}
	if s.shuttingDown() {
		s.sendError(client, req.ID, "server is shutting down")
		return true
	}

	allowed, reason := client.RateLimiter.Acquire()
	if !allowed {
		s.sendError(client, req.ID, reason)
		return true
	}

	traceID := tracing.NewTraceID()
	invCtx, cancel := context.WithCancel(tracing.WithTraceID(ctx, traceID))
	if err := s.clients.BeginInvocation(client.ID, req.ID, traceID, cancel); err != nil {
		cancel()
		client.RateLimiter.Release()
		s.sendError(client, req.ID, err.Error())
		return true
	}

	s.inFlightReqs.Add(1)
	go func() {
		defer client.RateLimiter.Release()
		defer s.inFlightReqs.Done()
		defer cancel()
		outcome := s.streamToClient(invCtx, client, req)
		s.clients.EndInvocation(client.ID, traceID, outcome)
	}()
	return true
}

// streamToClient runs one invocation and relays its frames. ctx carries
// the invocation's trace id and is cancelled by a cancel frame.
func (s *Server) streamToClient(ctx context.Context, client *Client, req InvokeRequest) Outcome {
	traceID := tracing.GetTraceID(ctx)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Str("clientId", client.ID).Str("id", req.ID).Msg("Gateway received invocation")

	stream := s.invoker.Stream(ctx, agent.Input{Input: req.Input, BypassCache: req.BypassCache})
	defer stream.Close()

	var seq int64
	broken := false
	write := func(frame EventMessage) {
		if broken {
			return
		}
		seq++
		frame.Seq = seq
		if err := client.WriteJSON(frame); err != nil {
			logger.Warn().Err(err).Str("clientId", client.ID).Msg("Failed to send frame")
			broken = true
			stream.Close()
		}
	}

	for chunk := range stream.Chunks() {
		write(chunkFrame(chunk, req.ID, traceID))
	}
	result, err := stream.Wait()
	write(doneFrame(result, err, req.ID, traceID))
	s.auditInvocation(ctx, client.ID, "ws", result, err)

	switch {
	case err == nil && result != nil && result.State == agent.StateFinished:
		return OutcomeFinished
	case ctx.Err() != nil:
		logger.Info().Str("clientId", client.ID).Str("id", req.ID).Msg("Invocation cancelled")
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}

// handleAuthMessage handles authentication messages
func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) bool {
	result := s.authHandler.HandleAuthResponse(client, authResp.Signature)

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return false
	}

	status := observability.StatusSuccess
	if !result.Success {
		status = observability.StatusFailure
	}
	s.audit.RecordSecurity(s.baseCtx, "ws.auth", client.ID, status, map[string]interface{}{"ip": client.IPAddress})

	if !result.Success {
		s.logger.Warn().
			Str("clientId", client.ID).
			Str("reason", result.Message).
			Msg("Authentication failed")
		return client.AuthAttempts < MaxAuthAttempts
	}

	s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
	return s.sendConnected(client) == nil
}

// sendError sends an error frame to a client
func (s *Server) sendError(client *Client, id, message string) {
	frame := EventMessage{
		Type:      FrameError,
		ID:        id,
		Payload:   message,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := client.WriteJSON(frame); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error frame")
	}
}
