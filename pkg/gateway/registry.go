package gateway

import (
	"sort"
	"sync"
	"time"
)

// idleAfter marks a client idle in ClientInfo
const idleAfter = 5 * time.Minute

// ClientRegistry tracks the WebSocket connections of one gateway
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*Client)}
}

func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	r.clients[client.ID] = client
	r.mu.Unlock()
}

// Remove reports whether the client was still registered. Only the first of
// several concurrent removals sees true.
func (r *ClientRegistry) Remove(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[clientID]; !ok {
		return false
	}
	delete(r.clients, clientID)
	return true
}

func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.clients[clientID]
	return client, ok
}

// Snapshot returns the clients accepted by match, or all clients when match is nil
func (r *ClientRegistry) Snapshot(match func(*Client) bool) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if match == nil || match(c) {
			out = append(out, c)
		}
	}
	return out
}

// Authenticated returns the clients that passed the challenge
func (r *ClientRegistry) Authenticated() []*Client {
	return r.Snapshot((*Client).IsAuthenticated)
}

func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Touch records activity for a client
func (r *ClientRegistry) Touch(clientID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[clientID]; ok {
		c.LastActivity = at
	}
}

// Infos describes every client, oldest connection first
func (r *ClientRegistry) Infos(now time.Time) []ClientInfo {
	r.mu.RLock()
	infos := make([]ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		infos = append(infos, ClientInfo{
			ID:            c.ID,
			State:         c.State().String(),
			Authenticated: c.IsAuthenticated(),
			ConnectedAt:   c.ConnectedAt,
			LastActivity:  c.LastActivity,
			IPAddress:     c.IPAddress,
			Idle:          now.Sub(c.LastActivity) > idleAfter,
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}
