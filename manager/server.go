package manager

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Server is the HTTP boundary. Admin routes are gated by a static bearer
// token standing in for the external admin-auth collaborator; device routes
// authenticate with the device credential.
type Server struct {
	m          *Manager
	adminToken string
	mux        *http.ServeMux
}

func NewServer(m *Manager, adminToken string) *Server {
	s := &Server{
		m:          m,
		adminToken: adminToken,
		mux:        http.NewServeMux(),
	}

	s.configureMux()

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) configureMux() {
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Not found", http.StatusNotFound)
	})

	// admin surface
	s.mux.HandleFunc("POST /clients", s.requireAdmin(s.CreateClientHandler))
	s.mux.HandleFunc("GET /clients", s.requireAdmin(s.ListClientsHandler))
	s.mux.HandleFunc("GET /clients/{id}", s.requireAdmin(s.GetClientHandler))
	s.mux.HandleFunc("DELETE /clients/{id}", s.requireAdmin(s.DeleteClientHandler))
	s.mux.HandleFunc("POST /clients/{id}/enrollment-code", s.requireAdmin(s.GenerateCodeHandler))
	s.mux.HandleFunc("GET /clients/{id}/enrollment-message", s.requireAdmin(s.EnrollmentMessageHandler))
	s.mux.HandleFunc("POST /clients/{id}/regenerate-keys", s.requireAdmin(s.RegenerateKeysHandler))
	s.mux.HandleFunc("GET /events", s.requireAdmin(s.EventsHandler))

	// device surface
	s.mux.HandleFunc("POST /enroll", s.EnrollHandler)
	s.mux.HandleFunc("GET /clients/{id}/config", s.ConfigHandler)
	s.mux.HandleFunc("GET /clients/{id}/config.png", s.ConfigQRHandler)
	s.mux.HandleFunc("POST /heartbeat", s.HeartbeatHandler)

	// presence reads
	s.mux.HandleFunc("GET /presence/online", s.requireAdmin(s.OnlineCountHandler))
	s.mux.HandleFunc("GET /presence/active", s.requireAdmin(s.ActiveClientsHandler))
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(authz, "Bearer ")
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			apiError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token", 0)
			return
		}
		next(w, r)
	}
}
