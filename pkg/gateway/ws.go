package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/lintd/internal/observability"
)

// handleWebSocket upgrades the connection, sends the auth challenge and
// starts the read loop.
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

	id, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate client id")
		_ = conn.Close()
		return
	}
	now := time.Now()
	client := &Client{
		ID:           id,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  s.newRateLimiter(),
	}
	s.clients.Add(client)
	s.metrics.ClientConnected()
	s.logger.Info().Str("clientId", id).Str("ip", r.RemoteAddr).Msg("Client connected")

	if err := s.sendAuthChallenge(client); err != nil {
		s.logger.Error().Err(err).Str("clientId", id).Msg("Failed to send auth challenge")
		s.disconnect(client)
		return
	}
	time.AfterFunc(s.cfg.AuthTimeout, func() { s.expireUnauthenticated(client) })

	go s.readLoop(client)
}

func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		return err
	}
	client.Challenge = challenge
	client.setState(StateAuthenticating)
	return client.WriteJSON(AuthChallenge{Event: authEventChallenge, Challenge: challenge})
}

// expireUnauthenticated drops a connection that never answered its challenge
func (s *Server) expireUnauthenticated(client *Client) {
	if client.IsAuthenticated() {
		return
	}
	if _, ok := s.clients.Get(client.ID); !ok {
		return
	}
	s.logger.Warn().
		Str("clientId", client.ID).
		Dur("timeout", s.cfg.AuthTimeout).
		Msg("Client did not authenticate in time")
	observability.RecordSecurityAudit(context.Background(), "ws_auth", client.ID, "timeout", nil)
	s.disconnect(client)
}

// readLoop handles frames until the connection closes. Analyses the client
// started are canceled when it goes away.
func (s *Server) readLoop(client *Client) {
	connCtx, cancelConn := context.WithCancel(context.Background())
	defer func() {
		cancelConn()
		s.disconnect(client)
	}()

	for {
		_, frame, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}
		s.clients.Touch(client.ID, time.Now())
		s.handleFrame(connCtx, client, frame)
	}
}

func (s *Server) disconnect(client *Client) {
	_ = client.Conn.Close()
	client.setState(StateDisconnected)
	if !s.clients.Remove(client.ID) {
		return
	}
	s.metrics.ClientDisconnected()

	canceled := s.analyses.cancelClient(client.ID)
	s.logger.Info().
		Str("clientId", client.ID).
		Int("canceledAnalyses", canceled).
		Msg("Client disconnected")
}

// handleFrame answers an auth response inline and runs RPC calls on their own
// goroutine, so one slow analysis does not block the connection. Responses
// may therefore arrive out of order.
func (s *Server) handleFrame(connCtx context.Context, client *Client, frame []byte) {
	var auth AuthResponse
	if err := json.Unmarshal(frame, &auth); err == nil && auth.Method == authMethodResponse {
		s.handleAuth(client, auth)
		return
	}

	if !client.IsAuthenticated() {
		s.sendError(client, "", NewRPCError(AuthenticationRequired, "Authentication required"))
		return
	}

	req, err := s.router.ParseRequest(frame)
	if err != nil {
		s.sendError(client, "", asRPCError(err))
		return
	}

	if err := client.RateLimiter.Acquire(); err != nil {
		s.metrics.RecordRateLimited()
		s.sendError(client, req.ID, NewRPCError(rateLimitCode(err), err.Error()))
		return
	}
	s.inFlight.Add(1)

	go func() {
		defer client.RateLimiter.Release()
		defer s.inFlight.Done()

		ctx := requestContext(connCtx, TransportWebSocket, client.ID, "")
		if err := client.WriteJSON(s.dispatch(ctx, req)); err != nil {
			s.logger.Error().
				Err(err).
				Str("clientId", client.ID).
				Str("requestId", req.ID).
				Msg("Failed to send response")
		}
	}()
}

func (s *Server) handleAuth(client *Client, auth AuthResponse) {
	result := s.authHandler.HandleAuthResponse(client, auth.Signature)
	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return
	}

	if result.Success {
		observability.RecordSecurityAudit(context.Background(), "ws_auth", client.ID, "success", nil)
		s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
		return
	}

	s.metrics.RecordAuthFailure()
	observability.RecordSecurityAudit(context.Background(), "ws_auth", client.ID, "failure", map[string]interface{}{
		"attempts": client.AuthAttempts,
	})
	s.logger.Warn().
		Str("clientId", client.ID).
		Str("reason", result.Message).
		Msg("Authentication failed")

	if client.AuthAttempts >= maxAuthAttempts {
		_ = client.Conn.Close()
	}
}

func (s *Server) sendError(client *Client, requestID string, rpcErr *RPCError) {
	if err := client.WriteJSON(errorResponse(requestID, rpcErr)); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send error response")
	}
}
