package socket

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"clausebase/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMessage = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Client struct {
	Hub    *Hub
	Conn   *websocket.Conn
	DocID  string
	UserID string
	Send   chan []byte
	Role   string // document_members.role
	Title  string
}

// ServeWs attaches a member of the document named by ?docId to its room.
// Non-members are refused before the upgrade.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, userID string) {
	docID := r.URL.Query().Get("docId")
	if docID == "" {
		http.Error(w, "docId required", http.StatusBadRequest)
		return
	}

	var title, role string
	err := hub.db.QueryRowContext(r.Context(), `
		SELECT d.title, m.role
		FROM documents d
		JOIN document_members m ON m.document_id = d.id
		WHERE d.id = $1 AND m.user_id = $2`, docID, userID).Scan(&title, &role)
	if errors.Is(err, sql.ErrNoRows) {
		logger.Sugar.Warnf("Connection rejected: user %s is not a member of %s", userID, docID)
		http.Error(w, "not a member of this document", http.StatusForbidden)
		return
	}
	if err != nil {
		logger.Sugar.Errorf("Database error checking membership: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Sugar.Error(err)
		return
	}

	client := &Client{
		Hub:    hub,
		Conn:   conn,
		DocID:  docID,
		UserID: userID,
		Role:   role,
		Title:  title,
		Send:   make(chan []byte, 256),
	}
	if !hub.join(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.Hub.leave(c)
		c.Conn.Close()
	}()
	c.Conn.SetReadLimit(maxMessage)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Sugar.Errorf("error: %v", err)
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Sugar.Errorf("Error unmarshalling message: %v", err)
			continue
		}
		// Clients only relay cursors; every other event is server-authored.
		if msg.Type != CursorType {
			logger.Sugar.Warnf("Ignored %s from user %s on doc %s", msg.Type, c.UserID, c.DocID)
			continue
		}
		msg.DocID = c.DocID
		msg.UserID = c.UserID
		msg.relay = true
		c.Hub.relay(msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
