package userws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"clodds/pkg/types"
)

const connectTimeout = 30 * time.Second

// connectCall is one in-flight connection attempt. Concurrent GetOrCreate
// callers for the same user all wait on the same call.
type connectCall struct {
	done chan struct{}
	sock *Socket
	err  error
}

// Manager owns at most one user socket per user ID and deduplicates
// concurrent connection attempts. Fills and order events from every socket
// fan out to the registered handlers together with the owning user ID.
type Manager struct {
	url    string
	logger *slog.Logger

	mu       sync.Mutex
	sockets  map[string]*Socket
	inflight map[string]*connectCall

	handlerMu sync.RWMutex
	fillFns   []func(userID string, f types.Fill)
	orderFns  []func(userID string, e types.OrderEvent)
}

// NewManager builds a manager dialing the given user-channel URL.
func NewManager(url string, logger *slog.Logger) *Manager {
	return &Manager{
		url:      url,
		logger:   logger.With("component", "userws_manager"),
		sockets:  make(map[string]*Socket),
		inflight: make(map[string]*connectCall),
	}
}

// OnFill registers a handler for fills from any user socket.
func (m *Manager) OnFill(fn func(userID string, f types.Fill)) {
	m.handlerMu.Lock()
	m.fillFns = append(m.fillFns, fn)
	m.handlerMu.Unlock()
}

// OnOrder registers a handler for order events from any user socket.
func (m *Manager) OnOrder(fn func(userID string, e types.OrderEvent)) {
	m.handlerMu.Lock()
	m.orderFns = append(m.orderFns, fn)
	m.handlerMu.Unlock()
}

// GetOrCreate returns the user's connected socket, joins an in-flight
// attempt when one exists, and otherwise replaces any dead socket with a
// fresh connection. ctx bounds only this caller's wait; the connection
// itself runs on the manager's own timeout so one caller's cancellation
// cannot abort another's.
func (m *Manager) GetOrCreate(ctx context.Context, userID string, creds types.VenueCredentials) (*Socket, error) {
	m.mu.Lock()

	if s := m.sockets[userID]; s != nil && s.Connected() {
		m.mu.Unlock()
		return s, nil
	}

	if call := m.inflight[userID]; call != nil {
		m.mu.Unlock()
		return m.await(ctx, call)
	}

	if old := m.sockets[userID]; old != nil {
		delete(m.sockets, userID)
		m.mu.Unlock()
		old.Disconnect()
		m.mu.Lock()
	}

	call := &connectCall{done: make(chan struct{})}
	m.inflight[userID] = call

	sock := NewSocket(m.url, userID, creds, m.logger)
	sock.OnFill(func(f types.Fill) { m.publishFill(userID, f) })
	sock.OnOrder(func(e types.OrderEvent) { m.publishOrder(userID, e) })
	sock.OnTerminal(func(err error) { m.removeIfCurrent(userID, sock) })
	m.sockets[userID] = sock
	m.mu.Unlock()

	go func() {
		connectCtx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()

		err := sock.Connect(connectCtx)

		// Clear the in-flight entry whatever the outcome.
		m.mu.Lock()
		delete(m.inflight, userID)
		if err != nil && m.sockets[userID] == sock {
			delete(m.sockets, userID)
		}
		m.mu.Unlock()
		if err != nil {
			sock.Disconnect()
		}

		call.sock = sock
		call.err = err
		close(call.done)
	}()

	return m.await(ctx, call)
}

func (m *Manager) await(ctx context.Context, call *connectCall) (*Socket, error) {
	select {
	case <-call.done:
		if call.err != nil {
			return nil, call.err
		}
		return call.sock, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect tears down the user's socket if one exists.
func (m *Manager) Disconnect(userID string) {
	m.mu.Lock()
	sock := m.sockets[userID]
	delete(m.sockets, userID)
	m.mu.Unlock()

	if sock != nil {
		sock.Disconnect()
	}
}

// DisconnectAll tears down every socket; used at shutdown.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	socks := make([]*Socket, 0, len(m.sockets))
	for _, s := range m.sockets {
		socks = append(socks, s)
	}
	m.sockets = make(map[string]*Socket)
	m.mu.Unlock()

	for _, s := range socks {
		s.Disconnect()
	}
}

// States reports each user's socket state; used by the status endpoint.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]State, len(m.sockets))
	for id, s := range m.sockets {
		out[id] = s.State()
	}
	return out
}

func (m *Manager) removeIfCurrent(userID string, sock *Socket) {
	m.mu.Lock()
	if m.sockets[userID] == sock {
		delete(m.sockets, userID)
	}
	m.mu.Unlock()
	m.logger.Warn("user socket removed after terminal failure", "user", userID)
}

func (m *Manager) publishFill(userID string, f types.Fill) {
	m.handlerMu.RLock()
	fns := append(([]func(string, types.Fill))(nil), m.fillFns...)
	m.handlerMu.RUnlock()
	for _, fn := range fns {
		fn(userID, f)
	}
}

func (m *Manager) publishOrder(userID string, e types.OrderEvent) {
	m.handlerMu.RLock()
	fns := append(([]func(string, types.OrderEvent))(nil), m.orderFns...)
	m.handlerMu.RUnlock()
	for _, fn := range fns {
		fn(userID, e)
	}
}
