package manager

import (
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/fleetwire/fleetwire/types"
)

var upgrader = websocket.Upgrader{}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("encoding response")
	}
}

func apiError(w http.ResponseWriter, status int, reason, message string, retryAfter int) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	writeJSON(w, status, types.ErrorResponse{
		Error:             message,
		Reason:            reason,
		RetryAfterSeconds: retryAfter,
	})
}

// respondError maps core errors onto status codes and stable reason codes
// so callers can tell rate_limited from invalid_code from hostname_mismatch.
func respondError(w http.ResponseWriter, err error) {
	var limited *RateLimitedError
	switch {
	case errors.As(err, &limited):
		retry := int(math.Ceil(limited.RetryAfter.Seconds()))
		if retry < 1 {
			retry = 1
		}
		apiError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts", retry)
	case errors.Is(err, ErrNotFound):
		apiError(w, http.StatusNotFound, "not_found", "record not found", 0)
	case errors.Is(err, ErrInvalidCode):
		apiError(w, http.StatusUnauthorized, "invalid_code", "enrollment code is invalid", 0)
	case errors.Is(err, ErrExpiredCode):
		apiError(w, http.StatusUnauthorized, "expired_code", "enrollment code is expired", 0)
	case errors.Is(err, ErrInvalidCredential):
		apiError(w, http.StatusUnauthorized, "invalid_credential", "device credential rejected", 0)
	case errors.Is(err, ErrClientDisabled):
		apiError(w, http.StatusUnauthorized, "client_disabled", "client is disabled", 0)
	case errors.Is(err, ErrHardwareMismatch):
		apiError(w, http.StatusConflict, "hardware_mismatch", "device hardware id does not match", 0)
	case errors.Is(err, ErrHostnameMismatch):
		apiError(w, http.StatusForbidden, "hostname_mismatch", "hostname is locked to a different value", 0)
	case errors.Is(err, ErrNoAvailableIPs):
		apiError(w, http.StatusConflict, "address_exhausted", "no addresses available in subnet", 0)
	case errors.Is(err, ErrUnknownHeartbeatEvent):
		apiError(w, http.StatusBadRequest, "invalid_request", err.Error(), 0)
	default:
		log.WithError(err).Error("request failed")
		apiError(w, http.StatusInternalServerError, "internal_error", "internal server error", 0)
	}
}

func sourceAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authenticateDevice resolves the bearer device credential to its client
// and, when the route names a client id, checks they agree.
func (s *Server) authenticateDevice(r *http.Request) (*Client, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, ErrInvalidCredential
	}
	client, err := s.m.AuthenticateDevice(token)
	if err != nil {
		return nil, err
	}
	if id := r.PathValue("id"); id != "" && id != client.ID {
		return nil, ErrInvalidCredential
	}
	return client, nil
}

func (s *Server) CreateClientHandler(w http.ResponseWriter, r *http.Request) {
	req := types.CreateClientRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiError(w, http.StatusBadRequest, "invalid_request", "malformed request body", 0)
		return
	}
	if req.Name == "" {
		apiError(w, http.StatusBadRequest, "invalid_request", "name is required", 0)
		return
	}

	client, err := s.m.CreateClient(req.Name, req.Description)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, client.ToResponse())
}

func (s *Server) ListClientsHandler(w http.ResponseWriter, r *http.Request) {
	clients, err := s.m.GetClients()
	if err != nil {
		respondError(w, err)
		return
	}
	resp := make([]types.ClientResponse, 0, len(clients))
	for _, c := range clients {
		resp = append(resp, c.ToResponse())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) GetClientHandler(w http.ResponseWriter, r *http.Request) {
	client, err := s.m.GetClient(r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, client.ToResponse())
}

func (s *Server) DeleteClientHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.m.DeleteClient(r.Context(), r.PathValue("id")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) GenerateCodeHandler(w http.ResponseWriter, r *http.Request) {
	code, err := s.m.GenerateCode(r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, code)
}

func (s *Server) EnrollmentMessageHandler(w http.ResponseWriter, r *http.Request) {
	msg, err := s.m.EnrollmentMessage(r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) RegenerateKeysHandler(w http.ResponseWriter, r *http.Request) {
	client, err := s.m.RegenerateKeys(r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, client.ToResponse())
}

func (s *Server) EnrollHandler(w http.ResponseWriter, r *http.Request) {
	req := types.RedeemRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiError(w, http.StatusBadRequest, "invalid_request", "malformed request body", 0)
		return
	}
	if req.Code == "" || req.HardwareID == "" {
		apiError(w, http.StatusBadRequest, "invalid_request", "code and hardware_id are required", 0)
		return
	}

	resp, err := s.m.Redeem(r.Context(), req, sourceAddr(r))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) ConfigHandler(w http.ResponseWriter, r *http.Request) {
	client, err := s.authenticateDevice(r)
	if err != nil {
		respondError(w, err)
		return
	}

	text, err := s.m.DownloadConfig(client)
	if err != nil {
		respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(text)); err != nil {
		log.WithError(err).Error("writing config response")
	}
}

func (s *Server) ConfigQRHandler(w http.ResponseWriter, r *http.Request) {
	client, err := s.authenticateDevice(r)
	if err != nil {
		respondError(w, err)
		return
	}

	png, err := s.m.QRCodePayload(client)
	if err != nil {
		respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(png); err != nil {
		log.WithError(err).Error("writing qr response")
	}
}

func (s *Server) HeartbeatHandler(w http.ResponseWriter, r *http.Request) {
	client, err := s.authenticateDevice(r)
	if err != nil {
		respondError(w, err)
		return
	}

	req := types.HeartbeatRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiError(w, http.StatusBadRequest, "invalid_request", "malformed request body", 0)
		return
	}

	if err := s.m.Heartbeat(r.Context(), client, req, sourceAddr(r)); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) OnlineCountHandler(w http.ResponseWriter, r *http.Request) {
	online, available := s.m.OnlineCount(r.Context())
	writeJSON(w, http.StatusOK, types.OnlineCountResponse{
		Online:    online,
		Available: available,
	})
}

func (s *Server) ActiveClientsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			apiError(w, http.StatusBadRequest, "invalid_request", "invalid limit", 0)
			return
		}
		limit = n
	}

	entries, available := s.m.ActiveClients(r.Context(), limit)
	if !available {
		writeJSON(w, http.StatusOK, []types.PresenceEntry{})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// EventsHandler streams events and periodic snapshots to an observer over
// a websocket. A dead observer only tears down its own connection.
func (s *Server) EventsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Error("upgrading observer websocket")
		return
	}

	observer := s.m.hub.Subscribe(32)
	done := make(chan struct{})

	defer func() {
		observer.Close()
		conn.Close()
	}()

	go func() {
		defer close(done)
		for {
			// Observers only listen; reads just surface disconnects.
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-observer.C:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.WithError(err).Debug("observer write failed")
				}
				return
			}
		}
	}
}
