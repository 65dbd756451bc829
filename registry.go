package burrow

import (
	"sort"
	"sync"

	"github.com/samber/oops"
)

// Registry indexes live server sessions by session id and by the client id
// they registered with.
type Registry struct {
	mutex    sync.RWMutex
	sessions map[string]*Session
	clients  map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		clients:  make(map[string]string),
	}
}

// Insert fails with ErrAlreadyRegistered while another live session holds
// the same client id. A dead holder is replaced.
func (r *Registry) Insert(sess *Session) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.sessions[sess.SessionID()]; ok {
		return oops.Errorf("session %s already present", sess.SessionID())
	}
	if id, ok := r.clients[sess.ClientID()]; ok {
		if prev, ok := r.sessions[id]; ok && prev.IsAlive() {
			return oops.Wrapf(ErrAlreadyRegistered, "client %s holds session %s", sess.ClientID(), id)
		}
		delete(r.sessions, id)
	}
	r.sessions[sess.SessionID()] = sess
	r.clients[sess.ClientID()] = sess.SessionID()
	return nil
}

// Remove deletes the session if it is still the one registered under id.
func (r *Registry) Remove(sess *Session) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if cur, ok := r.sessions[sess.SessionID()]; ok && cur == sess {
		delete(r.sessions, sess.SessionID())
	}
	if id, ok := r.clients[sess.ClientID()]; ok && id == sess.SessionID() {
		delete(r.clients, sess.ClientID())
	}
}

func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

func (r *Registry) LookupClient(clientID string) (*Session, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if id, ok := r.clients[clientID]; ok {
		sess, ok := r.sessions[id]
		return sess, ok
	}
	return nil, false
}

func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the registered sessions ordered by creation time.
func (r *Registry) Snapshot() []*Session {
	r.mutex.RLock()
	ss := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		ss = append(ss, sess)
	}
	r.mutex.RUnlock()
	sort.Slice(ss, func(i, j int) bool {
		if ss[i].createdAt.Equal(ss[j].createdAt) {
			return ss[i].id < ss[j].id
		}
		return ss[i].createdAt.Before(ss[j].createdAt)
	})
	return ss
}

func (r *Registry) CloseAll() {
	for _, sess := range r.Snapshot() {
		_ = sess.Close()
	}
}
