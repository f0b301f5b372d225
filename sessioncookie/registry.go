package sessioncookie

import (
	"net/http"
	"sort"
	"time"
)

// Registry provides the session-list operations handlers need on top of
// the codec. It holds no state of its own; every call loads the list from
// the request cookies and, for mutations, writes the updated list back.
//
// The list holds at most one session per (login name, organization) pair.
// Expired sessions are treated as absent on read and pruned on write.
type Registry struct {
	codec   *Codec
	nowTime func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryNow overrides the registry clock.
func WithRegistryNow(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.nowTime = now
	}
}

func NewRegistry(codec *Codec, options ...RegistryOption) *Registry {
	r := &Registry{
		codec:   codec,
		nowTime: time.Now,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

func (r *Registry) live(req *http.Request) []Session {
	now := r.nowTime()
	all := r.codec.Decode(req)
	kept := all[:0]
	for _, s := range all {
		if !s.Expired(now) {
			kept = append(kept, s)
		}
	}
	return kept
}

// All returns every live session, most recently changed first. Equal
// change dates are broken by latest expiration so the order stays
// deterministic.
func (r *Registry) All(req *http.Request) []Session {
	sessions := r.live(req)
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].ChangeDate.Equal(sessions[j].ChangeDate) {
			return sessions[i].ChangeDate.After(sessions[j].ChangeDate)
		}
		return sessions[i].ExpirationDate.After(sessions[j].ExpirationDate)
	})
	return sessions
}

// MostRecent returns the live session with the latest change date, or nil
// when none exist.
func (r *Registry) MostRecent(req *http.Request) *Session {
	sessions := r.All(req)
	if len(sessions) == 0 {
		return nil
	}
	return &sessions[0]
}

// ByID returns the live session with the given id, or nil.
func (r *Registry) ByID(req *http.Request, id string) *Session {
	for _, s := range r.live(req) {
		if s.ID == id {
			session := s
			return &session
		}
	}
	return nil
}

// ByLoginName returns the live session for the (loginName, organization)
// pair, or nil. An empty organization matches only sessions without one.
func (r *Registry) ByLoginName(req *http.Request, loginName, organization string) *Session {
	for _, s := range r.live(req) {
		if s.LoginName == loginName && s.Organization == organization {
			session := s
			return &session
		}
	}
	return nil
}

// Set upserts the session, replacing any existing entry for the same
// (loginName, organization) pair, and writes the cookie set back.
func (r *Registry) Set(w http.ResponseWriter, req *http.Request, session Session) error {
	sessions := r.live(req)
	replaced := false
	for i, s := range sessions {
		if s.LoginName == session.LoginName && s.Organization == session.Organization {
			sessions[i] = session
			replaced = true
			break
		}
	}
	if !replaced {
		sessions = append(sessions, session)
	}
	return r.codec.Write(w, req, sessions)
}

// Remove drops the session with the given id and writes the cookie set
// back. Removing an unknown id still rewrites the cookies, which prunes
// expired entries.
func (r *Registry) Remove(w http.ResponseWriter, req *http.Request, id string) error {
	sessions := r.live(req)
	kept := sessions[:0]
	for _, s := range sessions {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		r.codec.Clear(w, req)
		return nil
	}
	return r.codec.Write(w, req, kept)
}

// Clear expires every session cookie.
func (r *Registry) Clear(w http.ResponseWriter, req *http.Request) {
	r.codec.Clear(w, req)
}
