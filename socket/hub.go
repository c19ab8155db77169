package socket

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"clausebase/pkg/logger"
	"clausebase/pkg/metrics"
)

const (
	CursorType         = "CURSOR"          // Reader moved their cursor
	PresenceUpdateType = "PRESENCE_UPDATE" // A member joined or left
	MetadataType       = "METADATA"        // Document title and the caller's role

	VersionCreatedType    = "VERSION_CREATED"
	VoteCastType          = "VOTE_CAST"
	VersionMergedType     = "VERSION_MERGED"
	ProofAnchoredType     = "PROOF_ANCHORED"
	MilestoneUpdatedType  = "MILESTONE_UPDATED"
	ContractCancelledType = "CONTRACT_CANCELLED"
	CommentAddedType      = "COMMENT_ADDED"
	CommentUpdatedType    = "COMMENT_UPDATED"
	CommentDeletedType    = "COMMENT_DELETED"
	DocumentDeletedType   = "DOCUMENT_DELETED"
)

// publishBuffer bounds events queued while the hub is busy; beyond it
// events are dropped rather than stalling the request that produced them.
const publishBuffer = 256

type WSMessage struct {
	Type    string          `json:"type"`
	DocID   string          `json:"document_id"`
	UserID  string          `json:"user_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// relay marks messages from a connected client; those skip the sender.
	relay bool
}

type UserStatus struct {
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	CursorPos int       `json:"cursor_pos"`
	LastSeen  time.Time `json:"last_seen"`
}

// Hub fans document events out to the members watching each document.
type Hub struct {
	Rooms      map[string]map[*Client]bool
	Broadcast  chan WSMessage
	Register   chan *Client
	Unregister chan *Client
	db         *sql.DB
	mu         sync.Mutex
	Presence   map[string]map[string]UserStatus // docID -> userID -> status

	// done is closed once Run returns; sends to the loop give up after that.
	done chan struct{}
}

func NewHub(db *sql.DB) *Hub {
	return &Hub{
		Rooms:      make(map[string]map[*Client]bool),
		Broadcast:  make(chan WSMessage, publishBuffer),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		db:         db,
		Presence:   make(map[string]map[string]UserStatus),
		done:       make(chan struct{}),
	}
}

// join hands client to the run loop. It reports false once the hub has stopped.
func (h *Hub) join(client *Client) bool {
	select {
	case h.Register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(client *Client) {
	select {
	case h.Unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) relay(msg WSMessage) {
	select {
	case h.Broadcast <- msg:
	case <-h.done:
	}
}

// Publish queues a server event for everyone in the document's room.
func (h *Hub) Publish(docID, userID, msgType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling %s event for %s: %v", msgType, docID, err)
		return
	}
	select {
	case h.Broadcast <- WSMessage{Type: msgType, DocID: docID, UserID: userID, Payload: raw}:
	default:
		logger.Sugar.Warnf("Event queue full, dropped %s for document %s", msgType, docID)
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			close(h.done)
			return

		case client := <-h.Register:
			h.mu.Lock()
			if h.Rooms[client.DocID] == nil {
				h.Rooms[client.DocID] = make(map[*Client]bool)
				h.Presence[client.DocID] = make(map[string]UserStatus)
			}
			h.Rooms[client.DocID][client] = true
			h.Presence[client.DocID][client.UserID] = UserStatus{UserID: client.UserID, Role: client.Role, LastSeen: time.Now()}
			h.mu.Unlock()
			metrics.SocketClients.Inc()

			meta, _ := json.Marshal(map[string]string{"title": client.Title, "role": client.Role})
			msg, _ := json.Marshal(WSMessage{Type: MetadataType, DocID: client.DocID, UserID: client.UserID, Payload: meta})
			client.Send <- msg
			h.broadcastPresenceUpdate(client.DocID)

		case client := <-h.Unregister:
			if h.removeClient(client) {
				h.broadcastPresenceUpdate(client.DocID)
			}

		case msg := <-h.Broadcast:
			if msg.Type == CursorType {
				h.touch(msg)
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				logger.Sugar.Errorf("Error marshalling broadcast message: %v", err)
				continue
			}

			h.mu.Lock()
			recipients := make([]*Client, 0, len(h.Rooms[msg.DocID]))
			for client := range h.Rooms[msg.DocID] {
				if msg.relay && client.UserID == msg.UserID {
					continue
				}
				recipients = append(recipients, client)
			}
			h.mu.Unlock()

			for _, client := range recipients {
				select {
				case client.Send <- payload:
				default:
					logger.Sugar.Warnf("Client %s's send buffer is full. Unregistering.", client.UserID)
					if h.removeClient(client) {
						h.broadcastPresenceUpdate(client.DocID)
					}
				}
			}
			if msg.Type == DocumentDeletedType {
				h.closeRoom(msg.DocID)
			}
		}
	}
}

// closeRoom disconnects everyone watching a deleted document.
func (h *Hub) closeRoom(docID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.Rooms[docID] {
		close(client.Send)
		metrics.SocketClients.Dec()
	}
	delete(h.Rooms, docID)
	delete(h.Presence, docID)
}

// removeClient drops client from its room and reports whether it was there.
func (h *Hub) removeClient(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.Rooms[client.DocID][client]; !ok {
		return false
	}
	delete(h.Rooms[client.DocID], client)
	close(client.Send)
	metrics.SocketClients.Dec()

	// Another tab of the same user may still be open.
	stillHere := false
	for other := range h.Rooms[client.DocID] {
		if other.UserID == client.UserID {
			stillHere = true
			break
		}
	}
	if !stillHere {
		delete(h.Presence[client.DocID], client.UserID)
	}
	if len(h.Rooms[client.DocID]) == 0 {
		delete(h.Rooms, client.DocID)
		delete(h.Presence, client.DocID)
		logger.Sugar.Infof("Closed empty room: %s", client.DocID)
	}
	return true
}

func (h *Hub) touch(msg WSMessage) {
	var pos struct {
		CursorPos int `json:"cursor_pos"`
	}
	_ = json.Unmarshal(msg.Payload, &pos)

	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.Presence[msg.DocID][msg.UserID]; ok {
		st.CursorPos = pos.CursorPos
		st.LastSeen = time.Now()
		h.Presence[msg.DocID][msg.UserID] = st
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	docs := make([]string, 0, len(h.Rooms))
	for docID := range h.Rooms {
		docs = append(docs, docID)
	}
	h.mu.Unlock()
	for _, docID := range docs {
		h.closeRoom(docID)
	}
}

func (h *Hub) broadcastPresenceUpdate(docID string) {
	var statuses []UserStatus
	var recipients []*Client

	h.mu.Lock()
	if presence, ok := h.Presence[docID]; ok {
		statuses = make([]UserStatus, 0, len(presence))
		for _, st := range presence {
			statuses = append(statuses, st)
		}
		recipients = make([]*Client, 0, len(h.Rooms[docID]))
		for client := range h.Rooms[docID] {
			recipients = append(recipients, client)
		}
	}
	h.mu.Unlock()

	if len(recipients) == 0 {
		return
	}
	payload, err := json.Marshal(statuses)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling presence broadcast: %v", err)
		return
	}
	msg, _ := json.Marshal(WSMessage{Type: PresenceUpdateType, DocID: docID, Payload: payload})
	for _, client := range recipients {
		select {
		case client.Send <- msg:
		default:
			logger.Sugar.Warnf("Client %s's send buffer was full during presence update.", client.UserID)
		}
	}
}
