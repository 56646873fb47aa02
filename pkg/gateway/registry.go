package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tenantd/pkg/connection"
)

// Client is one websocket peer. Auth fields are only touched by the socket's
// own goroutine.
type Client struct {
	ID           string
	Conn         *websocket.Conn
	UserID       string
	Challenge    string
	AuthAttempts int
	State        ClientState
	ConnectedAt  time.Time
	IPAddress    string
	RateLimiter  *ClientRateLimiter

	mu           sync.Mutex
	conn         *connection.Connection
	lastActivity time.Time
}

func (c *Client) bind(conn *connection.Connection) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// Connection returns the managed connection once the client is authenticated.
func (c *Client) Connection() *connection.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Info returns a snapshot for listing.
func (c *Client) Info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := ClientInfo{
		ID:           c.ID,
		UserID:       c.UserID,
		ConnectedAt:  c.ConnectedAt,
		LastActivity: c.lastActivity,
		IPAddress:    c.IPAddress,
	}
	if c.conn != nil {
		info.ConnectionID = c.conn.ID()
	}
	return info
}

// ClientRegistry manages connected clients
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry creates a new client registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
	}
}

// Add adds a client to the registry
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.ID] = client
}

// Remove removes a client from the registry
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, clientID)
}

// Get retrieves a client by ID
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	return c, ok
}

// GetAll returns every client.
func (r *ClientRegistry) GetAll() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// Count returns the number of connected clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// ForUser returns the clients authenticated as userID, oldest first.
func (r *ClientRegistry) ForUser(userID string) []ClientInfo {
	var out []ClientInfo
	for _, c := range r.GetAll() {
		info := c.Info()
		if info.UserID == userID {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}
