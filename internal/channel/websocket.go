package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"wabridge/internal/domain"
)

const wsWriteTimeout = 10 * time.Second

// WSConfig configures the WebSocket channel.
type WSConfig struct {
	Host           string
	Port           int
	Path           string   // default: /ws
	AllowedOrigins []string // empty = same origin only, "*" = any
	Logger         *slog.Logger
}

// WebSocket carries envelopes over a persistent connection. Every inbound
// frame is answered by exactly one outbound frame with the same id; frames
// are handled concurrently so a slow insertion does not block a ping.
type WebSocket struct {
	host     string
	port     int
	path     string
	bus      domain.MessageBus
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// wsFrame is one client request.
type wsFrame struct {
	ID      string          `json:"id"`
	Message *domain.Message `json:"message"`
}

// wsReply answers the frame with the same ID.
type wsReply struct {
	ID       string          `json:"id"`
	Response domain.Response `json:"response"`
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWebSocket(cfg WSConfig) *WebSocket {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8766
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	ws := &WebSocket{
		host:    cfg.Host,
		port:    cfg.Port,
		path:    cfg.Path,
		logger:  cfg.Logger,
		clients: make(map[*wsClient]struct{}),
	}
	ws.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return ws
}

// originChecker returns nil for an empty list so gorilla applies its
// same-origin default.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
	}
}

func (ws *WebSocket) Name() string { return "websocket" }

// SetBus wires the bus without starting the server. Used by tests.
func (ws *WebSocket) SetBus(bus domain.MessageBus) { ws.bus = bus }

// Handler returns the upgrade handler mounted at the configured path.
func (ws *WebSocket) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+ws.path, ws.handleUpgrade)
	return mux
}

// Start serves until ctx is cancelled.
func (ws *WebSocket) Start(ctx context.Context, bus domain.MessageBus) error {
	ws.bus = bus

	addr := net.JoinHostPort(ws.host, strconv.Itoa(ws.port))
	ws.server = &http.Server{
		Addr:              addr,
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ws.logger.Info("websocket server starting", "addr", addr, "path", ws.path)

	errCh := make(chan error, 1)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		ws.closeAllClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ws.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (ws *WebSocket) Stop() error {
	ws.closeAllClients()
	if ws.server != nil {
		return ws.server.Close()
	}
	return nil
}

func (ws *WebSocket) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Warn("websocket upgrade failed", "err", err, "origin", r.Header.Get("Origin"))
		return
	}

	client := &wsClient{conn: conn}
	ws.mu.Lock()
	ws.clients[client] = struct{}{}
	ws.mu.Unlock()
	ws.logger.Info("websocket client connected", "remote", r.RemoteAddr)

	// Cancelled when the connection closes.
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		ws.mu.Lock()
		delete(ws.clients, client)
		ws.mu.Unlock()
		conn.Close()
		ws.logger.Info("websocket client disconnected", "remote", r.RemoteAddr)
	}()

	conn.SetReadLimit(maxBodySize)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Warn("websocket read error", "err", err)
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			client.send(ws.logger, wsReply{Response: domain.Response{Error: "invalid frame: " + err.Error()}})
			continue
		}
		if frame.Message == nil || frame.Message.Type == "" {
			client.send(ws.logger, wsReply{ID: frame.ID, Response: domain.Response{Error: "missing message type"}})
			continue
		}

		go ws.handleFrame(ctx, client, frame)
	}
}

func (ws *WebSocket) handleFrame(ctx context.Context, client *wsClient, frame wsFrame) {
	msg := *frame.Message
	msg.ID = uuid.NewString()
	msg.Channel = ws.Name()

	ws.logger.Info("websocket message received", "id", msg.ID, "frame", frame.ID, "type", msg.Type)

	resp, err := ws.bus.Send(ctx, msg)
	if err != nil {
		ws.logger.Warn("websocket message not handled", "id", msg.ID, "err", err)
		resp = domain.ErrorResponse(err)
	}
	client.send(ws.logger, wsReply{ID: frame.ID, Response: resp})
}

func (c *wsClient) send(logger *slog.Logger, reply wsReply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.conn.WriteJSON(reply); err != nil {
		logger.Debug("websocket write failed", "id", reply.ID, "err", err)
	}
}

func (ws *WebSocket) closeAllClients() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for client := range ws.clients {
		client.conn.Close()
		delete(ws.clients, client)
	}
}
