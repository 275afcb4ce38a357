// Package gateway is the persistent-connection server: it authenticates
// each client, assigns personal and role rooms, honors join/leave
// requests for case rooms, and relays fan-out events to subscribed
// sockets. It also exposes the HTTP producer API for enqueueing jobs.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"caseflow/internal/config"
	"caseflow/internal/fanout"
	"caseflow/internal/jobstore"
	"caseflow/internal/metrics"
	"caseflow/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

type Server struct {
	cfg       config.GatewayConfig
	store     *jobstore.Store
	bus       *fanout.Bus
	hub       *Hub
	validator TokenValidator
	limiter   *rateLimiter
	server    *http.Server
	logger    zerolog.Logger

	syncWindow time.Duration
	metricsOn  bool
}

func NewServer(cfg config.GatewayConfig, store *jobstore.Store, bus *fanout.Bus, validator TokenValidator, mailboxSyncWindow time.Duration, metricsOn bool, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		store:      store,
		bus:        bus,
		hub:        NewHub(logger),
		validator:  validator,
		limiter:    newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		logger:     logger.With().Str("component", "gateway").Logger(),
		syncWindow: mailboxSyncWindow,
		metricsOn:  metricsOn,
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", s.handleWS)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs/{id}", s.handleJobStatus)
		r.Post("/jobs/{id}/retry", s.handleJobRetry)
	})
	if metricsOn {
		r.Handle("/metrics", promhttp.Handler())
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves until Shutdown; Relay must run alongside for realtime
// delivery.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("gateway listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Relay pumps fan-out envelopes into this instance's hub.
func (s *Server) Relay(ctx context.Context) error {
	return s.hub.Relay(ctx, s.bus)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// clientFrame is what clients send over the socket.
type clientFrame struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	principal, err := s.validator.Validate(r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}

	sess := &session{
		principal: principal,
		send:      make(chan []byte, 32),
		rooms:     make(map[string]struct{}),
	}

	// Personal and role rooms are server-assigned; clients cannot leave
	// them.
	s.hub.join(sess, models.UserRoom(principal.UserID))
	if principal.Role != "" {
		s.hub.join(sess, models.RoleRoom(principal.Role))
	}
	metrics.SocketOpened()
	s.logger.Info().Str("user", principal.UserID).Msg("client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		s.hub.drop(sess)
		metrics.SocketClosed()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Info().Str("user", principal.UserID).Msg("client disconnected")
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case data := <-sess.send:
				writeCtx, writeCancel := context.WithTimeout(ctx, 10*time.Second)
				err := conn.Write(writeCtx, websocket.MessageText, data)
				writeCancel()
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Action {
		case "join":
			if models.ClientJoinable(frame.Room) {
				s.hub.join(sess, frame.Room)
			}
		case "leave":
			if models.ClientJoinable(frame.Room) {
				s.hub.leave(sess, frame.Room)
			}
		}
	}
}

// principalKey carries the authenticated identity through the request
// context.
type principalKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Api-Token")
		if token == "" {
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				token = strings.TrimPrefix(h, "Bearer ")
			}
		}
		principal, err := s.validator.Validate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if !s.limiter.allow(principal.UserID) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, principal)))
	})
}

type enqueueRequest struct {
	Kind           models.JobKind  `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	DelayMS        int64           `json:"delay_ms,omitempty"`
}

// handleEnqueue is fire-and-forget: it returns the job id immediately.
// Callers poll job status or subscribe to the matching realtime event.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !models.ValidKind(req.Kind) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown job kind: %s", req.Kind))
		return
	}
	decoded, err := models.DecodePayload(req.Kind, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := jobstore.EnqueueOptions{
		IdempotencyKey: req.IdempotencyKey,
		Delay:          time.Duration(req.DelayMS) * time.Millisecond,
	}
	// Manual mailbox syncs coalesce within the configured window so
	// repeated clicks cannot stack unbounded work.
	if req.Kind == models.KindMailboxSync {
		payload := decoded.(models.MailboxSyncPayload)
		if payload.AccountID == "" {
			writeError(w, http.StatusBadRequest, "account_id is required")
			return
		}
		if opts.IdempotencyKey == "" {
			opts.IdempotencyKey = models.MailboxSyncKey(payload.AccountID, time.Now(), s.syncWindow)
		}
	}

	id, err := s.store.Enqueue(r.Context(), req.Kind, json.RawMessage(req.Payload), opts)
	if err != nil {
		// Queue backend down: fail loudly, never drop a user request.
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		s.logger.Error().Err(err).Str("kind", string(req.Kind)).Msg("enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Retry(r.Context(), id); err != nil {
		if errors.Is(err, jobstore.ErrNotRetryable) {
			writeError(w, http.StatusConflict, "job is not in a terminal failed state")
			return
		}
		writeError(w, http.StatusInternalServerError, "retry failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": "requeued"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
