package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type ClaimsProvider interface {
	FromRequest(r *http.Request) (tenantID, userID, role string, err error)
}

type wsConn struct {
	tenantID string
	userID   string
	conn     *websocket.Conn

	// gorilla allows one concurrent writer
	wmu sync.Mutex
}

func (c *wsConn) SendJSON(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) Close() error     { return c.conn.Close() }
func (c *wsConn) TenantID() string { return c.tenantID }
func (c *wsConn) UserID() string   { return c.userID }

// Serve upgrades the request, registers the connection for the caller's
// tenant and blocks until the client goes away.
func Serve(hub *Hub, claims ClaimsProvider, w http.ResponseWriter, r *http.Request) {
	tenantID, userID, role, err := claims.FromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wc := &wsConn{tenantID: tenantID, userID: userID, conn: conn}
	hub.Add(wc)
	zap.L().Debug("ws connected", zap.String("tenant", tenantID), zap.String("user", userID))

	done := make(chan struct{})
	defer func() {
		close(done)
		hub.Remove(wc)
		_ = conn.Close()
	}()

	_ = wc.SendJSON(map[string]any{
		"type":     "ws.ready",
		"tenantId": tenantID,
		"userId":   userID,
		"role":     role,
		"ts":       time.Now().UTC(),
	})

	go func() {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if wc.ping() != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// clients never send anything meaningful; reading drives pong handling
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
