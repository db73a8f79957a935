// Package channel holds the transports that carry UI messages to the bridge
// bus: an HTTP JSON API, a WebSocket endpoint and chat bots for Telegram,
// Discord and Slack.
package channel

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"wabridge/internal/bus"
	"wabridge/internal/domain"
)

const (
	maxBodySize     = 1 << 20 // 1MB
	maxHistoryLimit = 500
)

// EventSource replays recent bridge events for GET /api/events.
type EventSource interface {
	Replay(eventType string, since time.Time) []bus.Event
}

// StatusFunc reports daemon state for GET /status.
type StatusFunc func(ctx context.Context) map[string]any

// HTTP implements domain.Channel for the local JSON API.
type HTTP struct {
	host    string
	port    int
	bus     domain.MessageBus
	journal domain.Journal
	events  EventSource
	metrics http.Handler
	status  StatusFunc
	version string
	logger  *slog.Logger
	server  *http.Server

	authEnabled  bool
	authUser     string
	authPassHash string
}

type HTTPConfig struct {
	Host    string
	Port    int
	Logger  *slog.Logger
	Version string

	AuthEnabled  bool
	AuthUser     string
	AuthPassHash string // SHA-256 hex of the password

	Journal domain.Journal // optional, serves /api/history
	Events  EventSource    // optional, serves /api/events
	Metrics http.Handler   // optional, serves /metrics
	Status  StatusFunc     // optional, extra fields for /status
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8765
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &HTTP{
		host:         cfg.Host,
		port:         cfg.Port,
		journal:      cfg.Journal,
		events:       cfg.Events,
		metrics:      cfg.Metrics,
		status:       cfg.Status,
		version:      cfg.Version,
		logger:       cfg.Logger,
		authEnabled:  cfg.AuthEnabled,
		authUser:     cfg.AuthUser,
		authPassHash: cfg.AuthPassHash,
	}
}

func (h *HTTP) Name() string { return "http" }

// SetBus wires the bus without starting the server. Used by tests.
func (h *HTTP) SetBus(bus domain.MessageBus) { h.bus = bus }

// Handler returns the routed handler.
func (h *HTTP) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/message", h.requireAuth(h.handleMessage))
	mux.HandleFunc("GET /api/history", h.requireAuth(h.handleHistory))
	mux.HandleFunc("GET /api/events", h.requireAuth(h.handleEvents))
	mux.HandleFunc("GET /status", h.handleStatus) // public
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
	return mux
}

// Start serves until ctx is cancelled.
func (h *HTTP) Start(ctx context.Context, bus domain.MessageBus) error {
	h.bus = bus

	addr := net.JoinHostPort(h.host, strconv.Itoa(h.port))
	h.server = &http.Server{
		Addr:              addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	h.logger.Info("http api started", "addr", "http://"+addr, "auth", h.authEnabled)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.server.Shutdown(shutdownCtx)
	}()

	if err := h.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (h *HTTP) Stop() error {
	if h.server != nil {
		return h.server.Close()
	}
	return nil
}

// requireAuth wraps a handler with HTTP Basic Auth when auth is enabled.
func (h *HTTP) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !h.authEnabled {
			next(rw, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || !checkCredentials(user, pass, h.authUser, h.authPassHash) {
			rw.Header().Set("WWW-Authenticate", `Basic realm="wabridge"`)
			http.Error(rw, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(rw, r)
	}
}

// checkCredentials compares user and the SHA-256 hex of pass in constant time.
func checkCredentials(user, pass, wantUser, wantHash string) bool {
	if subtle.ConstantTimeCompare([]byte(user), []byte(wantUser)) != 1 {
		return false
	}
	sum := sha256.Sum256([]byte(pass))
	got := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(got), []byte(wantHash)) == 1
}

// HashPassword returns the value expected in channels.http.auth.passwordHash.
func HashPassword(pass string) string {
	sum := sha256.Sum256([]byte(pass))
	return hex.EncodeToString(sum[:])
}

func (h *HTTP) handleMessage(rw http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(rw, r.Body, maxBodySize)

	var msg domain.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(rw, http.StatusBadRequest, domain.Response{Error: "invalid message: " + err.Error()})
		return
	}
	if msg.Type == "" {
		writeJSON(rw, http.StatusBadRequest, domain.Response{Error: "missing message type"})
		return
	}
	msg.ID = uuid.NewString()
	msg.Channel = h.Name()
	rw.Header().Set("X-Request-ID", msg.ID)

	h.logger.Info("http message received", "id", msg.ID, "type", msg.Type, "text_len", len(msg.Text))

	resp, err := h.bus.Send(r.Context(), msg)
	if err != nil {
		h.logger.Warn("http message not handled", "id", msg.ID, "err", err)
		writeJSON(rw, statusForSendError(r.Context(), err), domain.ErrorResponse(err))
		return
	}
	writeJSON(rw, http.StatusOK, resp)
}

// statusForSendError maps a bus failure to an HTTP status. A failed
// insertion is still 200 with ok=false; only transport level failures land
// here.
func statusForSendError(ctx context.Context, err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case ctx.Err() != nil:
		return 499
	default:
		return http.StatusServiceUnavailable
	}
}

func (h *HTTP) handleHistory(rw http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeJSON(rw, http.StatusNotFound, map[string]string{"error": "journal disabled"})
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	deliveries, err := h.journal.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("history query failed", "err", err)
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": "history unavailable"})
		return
	}
	if deliveries == nil {
		deliveries = []domain.Delivery{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"deliveries": deliveries})
}

// eventView is the wire form of a buffered event. It never carries text.
type eventView struct {
	Type       string    `json:"type"`
	Source     string    `json:"source,omitempty"`
	ID         string    `json:"id,omitempty"`
	Message    string    `json:"message,omitempty"`
	Channel    string    `json:"channel,omitempty"`
	TabID      string    `json:"tabId,omitempty"`
	TextLen    int       `json:"textLen"`
	AutoSend   bool      `json:"autoSend,omitempty"`
	PasteImage bool      `json:"pasteImage,omitempty"`
	Composer   string    `json:"composer,omitempty"`
	Attach     string    `json:"attach,omitempty"`
	Sent       bool      `json:"sent,omitempty"`
	Warning    string    `json:"warning,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs"`
	Time       time.Time `json:"time"`
}

func viewEvent(e bus.Event) eventView {
	return eventView{
		Type:       e.Type,
		Source:     e.Source,
		ID:         e.Message.ID,
		Message:    e.Message.Type,
		Channel:    e.Message.Channel,
		TabID:      e.TabID,
		TextLen:    e.TextLen,
		AutoSend:   e.Message.AutoSend,
		PasteImage: e.Message.PasteImage,
		Composer:   string(e.Report.Composer),
		Attach:     string(e.Report.Attach.Source),
		Sent:       e.Report.Sent,
		Warning:    e.Report.SendWarning,
		Error:      e.Err,
		DurationMs: e.Duration.Milliseconds(),
		Time:       e.Timestamp,
	}
}

// handleEvents serves GET /api/events?type=&since=&limit=. since is RFC 3339;
// the newest limit events are returned, oldest first.
func (h *HTTP) handleEvents(rw http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeJSON(rw, http.StatusNotFound, map[string]string{"error": "events disabled"})
		return
	}
	q := r.URL.Query()
	eventType := q.Get("type")
	if eventType == "" {
		eventType = "*"
	}
	var since time.Time
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid since, want RFC 3339"})
			return
		}
		since = t
	}
	limit := maxHistoryLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	events := h.events.Replay(eventType, since)
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	views := make([]eventView, 0, len(events))
	for _, e := range events {
		views = append(views, viewEvent(e))
	}
	writeJSON(rw, http.StatusOK, map[string]any{"events": views})
}

func (h *HTTP) handleStatus(rw http.ResponseWriter, r *http.Request) {
	body := map[string]any{}
	if h.status != nil {
		for k, v := range h.status(r.Context()) {
			body[k] = v
		}
	}
	body["status"] = "ok"
	body["version"] = h.version
	body["time"] = time.Now().Format(time.RFC3339)
	writeJSON(rw, http.StatusOK, body)
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(code)
	json.NewEncoder(rw).Encode(v)
}
