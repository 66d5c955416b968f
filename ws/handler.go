package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// authGraceDeadline bounds how long an unauthenticated connection may hold
// a socket before presenting a credential in its first frame.
const authGraceDeadline = 10 * time.Second

var (
	errAuthDeadline = errors.New("no credential presented before deadline")
	errAuthRequired = errors.New("auth message with token required")
)

// Authenticator verifies a bearer credential and yields the owner identity
// and the credential's expiry.
type Authenticator interface {
	Verify(token string) (string, time.Time, error)
}

// Handler upgrades inbound connections, authenticates them out-of-band from
// login and runs their read loop until disconnect.
type Handler struct {
	registry *Registry
	auth     Authenticator
	logger   *log.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a connection handler over the given registry.
func NewHandler(registry *Registry, auth Authenticator, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Handler{
		registry: registry,
		auth:     auth,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Serve handles GET /ws. The credential arrives either as a `token` query
// parameter or as the first `auth` frame; exactly one is consumed. A
// connection that fails to authenticate within the grace deadline gets one
// best-effort error frame and is closed without ever being registered.
func (h *Handler) Serve(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		return nil
	}

	userID, expiry, authErr := h.authenticate(conn, c.QueryParam("token"))
	if authErr != nil {
		h.logger.WithError(authErr).Warn("websocket connection rejected")
		h.reject(conn, authErr.Error())
		return nil
	}

	client := NewClient(conn)
	id := h.registry.Register(client, userID)
	h.logger.WithFields(log.Fields{
		"user":       userID,
		"connection": id,
		"devices":    h.registry.CountFor(userID),
		"expiry":     expiry.UTC().Format(time.RFC3339),
	}).Info("websocket client connected")

	if ack, err := marshalEnvelope(Envelope{T: msgConnected, D: map[string]string{"userId": userID}}); err == nil {
		client.TrySend(ack)
	}

	go client.writePump()
	h.readLoop(client)

	h.registry.Deregister(id)
	client.Close()
	h.logger.WithFields(log.Fields{
		"user":       userID,
		"connection": id,
		"devices":    h.registry.CountFor(userID),
	}).Info("websocket client disconnected")
	return nil
}

func (h *Handler) authenticate(conn *websocket.Conn, queryToken string) (string, time.Time, error) {
	token := queryToken
	if token == "" {
		if err := conn.SetReadDeadline(time.Now().Add(authGraceDeadline)); err != nil {
			return "", time.Time{}, err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", time.Time{}, errAuthDeadline
		}
		var env inboundEnvelope
		if err := sonic.Unmarshal(data, &env); err != nil || env.T != msgAuth {
			return "", time.Time{}, errAuthRequired
		}
		var payload authPayload
		if err := sonic.Unmarshal(env.D, &payload); err != nil || payload.Token == "" {
			return "", time.Time{}, errAuthRequired
		}
		token = payload.Token
	}
	return h.auth.Verify(token)
}

// reject sends one best-effort error frame and closes the socket.
func (h *Handler) reject(conn *websocket.Conn, message string) {
	if frame := errorEnvelope(message); frame != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
	_ = conn.Close()
}

// readLoop consumes inbound frames until the connection drops. Only control
// messages are expected from clients; mutations travel over the HTTP API.
func (h *Handler) readLoop(c *Client) {
	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.WithError(err).Debug("unexpected websocket close")
			}
			return
		}
		var env inboundEnvelope
		if err := sonic.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.T == msgPing {
			if pong, err := marshalEnvelope(Envelope{T: msgPong, D: map[string]int64{"timestamp": time.Now().UnixMilli()}}); err == nil {
				c.TrySend(pong)
			}
		}
	}
}
