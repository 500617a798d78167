package admin

import (
	"sort"
	"sync"

	"github.com/danmuck/slowbreak/internal/protocol/session"
)

// Registry stores the sessions exposed by the admin surface. Acceptor
// servers are registered whole; their sessions come and go with peers.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	servers  []*session.Server
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*session.Session),
	}
}

// Register adds a session by name.
func (r *Registry) Register(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.Name()] = s
}

func (r *Registry) RegisterServer(srv *session.Server) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers = append(r.servers, srv)
}

// Get returns a session by name, including live acceptor sessions.
func (r *Registry) Get(name string) (*session.Session, bool) {
	for _, s := range r.All() {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// All returns a snapshot of every session ordered by name.
func (r *Registry) All() []*session.Session {
	r.mu.RLock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	servers := append([]*session.Server(nil), r.servers...)
	r.mu.RUnlock()

	for _, srv := range servers {
		out = append(out, srv.Sessions()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
