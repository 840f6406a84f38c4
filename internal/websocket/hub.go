package websocket

import (
	"encoding/json"
	"sync"
)

type BalanceUpdate struct {
	AccountNumber string `json:"account_number"`
	Balance       string `json:"balance"`
	Currency      string `json:"currency"`
	Reference     string `json:"reference_number"`
}

type TransactionUpdate struct {
	Reference     string `json:"reference_number"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	FailureReason string `json:"failure_reason,omitempty"`
}

type event struct {
	Kind string `json:"event"`
	Data any    `json:"data"`
}

// Hub fans events out to the sockets a user has open. Slow clients drop
// messages rather than block the sender.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Register(userID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*Client]struct{})
	}
	h.clients[userID][client] = struct{}{}
}

func (h *Hub) Unregister(userID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		return
	}
	delete(h.clients[userID], client)
	if len(h.clients[userID]) == 0 {
		delete(h.clients, userID)
	}
}

func (h *Hub) BroadcastBalance(userID string, update BalanceUpdate) {
	h.broadcast(userID, event{Kind: "balance", Data: update})
}

func (h *Hub) BroadcastTransaction(userID string, update TransactionUpdate) {
	h.broadcast(userID, event{Kind: "transaction", Data: update})
}

func (h *Hub) broadcast(userID string, ev event) {
	if userID == "" {
		return
	}
	payload, _ := json.Marshal(ev)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[userID] {
		select {
		case client.send <- payload:
		default:
		}
	}
}
