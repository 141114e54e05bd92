// Package server wires the HTTP surface: the WebSocket endpoint, the
// producer ingest API and the health probe.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/opsdeck/pushgate/internal/authn"
	"github.com/opsdeck/pushgate/internal/notify"
	"github.com/opsdeck/pushgate/internal/server/ws"
	"github.com/opsdeck/pushgate/pkg/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server hosts the delivery process's HTTP listener.
type Server struct {
	log    *zap.Logger
	auth   *authn.Handler
	router *notify.Router
	http   *http.Server
}

func New(log *zap.Logger, addr string, auth *authn.Handler, router *notify.Router, wsHandler *ws.Handler) *Server {
	s := &Server{
		log:    log,
		auth:   auth,
		router: router,
	}

	mux := http.NewServeMux()
	wsHandler.Register(mux)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/notify", s.handleNotify)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.http.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// ingestRequest is the producer-facing payload for out-of-process senders.
// An absent user_id means an admin broadcast.
type ingestRequest struct {
	UserID   *int64                 `json:"user_id"`
	Type     string                 `json:"type"`
	Category string                 `json:"category"`
	Priority string                 `json:"priority"`
	Title    string                 `json:"title"`
	Message  string                 `json:"message"`
	Data     map[string]interface{} `json:"data"`
}

// handleNotify accepts notifications from trusted out-of-process producers.
// The caller authenticates like a connection and must hold admin access;
// producers are back-end services, never browsers.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := logger.WithContext(r.Context(), "ingest")
	log := logger.FromContext(ctx, s.log)
	sourceAddr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		sourceAddr = host
	}
	token := r.Header.Get("Authorization")
	if len(token) > 7 && token[:7] == "Bearer " {
		token = token[7:]
	}
	authCtx, err := s.auth.AuthenticateConnection(ctx, token, sourceAddr)
	if err != nil {
		http.Error(w, authn.GenericReason(err), http.StatusUnauthorized)
		return
	}
	if !s.auth.AuthorizeAdminAccess(ctx, authCtx, authn.PermAdminNotifications) {
		http.Error(w, "unauthorized", http.StatusForbidden)
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	msg, err := notify.NewMessage(
		notify.Type(req.Type),
		notify.Category(req.Category),
		notify.Priority(req.Priority),
		req.Title,
		req.Message,
	)
	if err != nil {
		http.Error(w, "title and message are required", http.StatusBadRequest)
		return
	}
	if len(req.Data) > 0 {
		msg = msg.WithData(req.Data)
	}

	var accepted bool
	if req.UserID != nil {
		accepted = s.router.SendUserNotification(ctx, *req.UserID, msg)
	} else {
		accepted = s.router.SendAdminNotification(ctx, msg)
	}
	log.Info("notification ingested",
		zap.String("message_id", msg.ID),
		zap.String("category", req.Category),
		zap.Int64("producer_id", authCtx.UserID),
		zap.Bool("accepted", accepted),
	)

	w.Header().Set("Content-Type", "application/json")
	if !accepted {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	s.writeJSON(w, map[string]interface{}{"accepted": accepted, "id": msg.ID})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", zap.Error(err))
	}
}
