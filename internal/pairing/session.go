package pairing

import "time"

// session is one in-progress pairing attempt. The initiator owns the
// session it advertised; the responder tracks the session it answered so
// it can correlate the confirmation.
type session struct {
	id          string
	ownerID     string
	ownerName   string
	code        string
	createdAt   time.Time
	isInitiator bool

	// done is closed when the session is consumed or expires.
	done chan struct{}
}

func newSession(id, ownerID, ownerName, code string, createdAt time.Time, initiator bool) *session {
	return &session{
		id:          id,
		ownerID:     ownerID,
		ownerName:   ownerName,
		code:        code,
		createdAt:   createdAt,
		isInitiator: initiator,
		done:        make(chan struct{}),
	}
}

// sessionTable holds open sessions keyed by session id. Removing a session
// closes its done channel, so each session is consumed exactly once.
type sessionTable struct {
	sessions map[string]*session
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*session)}
}

func (t *sessionTable) insert(s *session) {
	if old, ok := t.sessions[s.id]; ok {
		close(old.done)
	}
	t.sessions[s.id] = s
}

func (t *sessionTable) get(id string) (*session, bool) {
	s, ok := t.sessions[id]
	return s, ok
}

// remove consumes the session. It reports false if it was already gone.
func (t *sessionTable) remove(id string) bool {
	s, ok := t.sessions[id]
	if !ok {
		return false
	}
	delete(t.sessions, id)
	close(s.done)
	return true
}

func (t *sessionTable) len() int {
	return len(t.sessions)
}

func (t *sessionTable) clear() {
	for id := range t.sessions {
		t.remove(id)
	}
}
