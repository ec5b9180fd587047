// Package sshsession owns interactive remote shell channels opened over
// pooled SSH transports and routes bytes between each channel and its
// owning client.
package sshsession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/avelis/termgate/internal/protocol"
	"github.com/avelis/termgate/internal/sshpool"
	"github.com/avelis/termgate/internal/store"
)

// DefaultTerm is the terminal type requested when none is given.
const DefaultTerm = "xterm-256color"

const (
	defaultCols uint16 = 80
	defaultRows uint16 = 30
)

var (
	// ErrRemoteOpen wraps any failure while opening a shell channel.
	ErrRemoteOpen = errors.New("remote open failed")
	// ErrUnknownSession indicates no live or remembered session for an ID.
	ErrUnknownSession = errors.New("unknown session")
)

// Session is one interactive shell channel on a pooled transport.
type Session struct {
	ID        string
	Title     string
	Params    sshpool.Params
	CreatedAt time.Time

	owner protocol.Sink
	sess  *ssh.Session
	stdin io.WriteCloser

	mu           sync.Mutex
	cols, rows   uint16
	lastActivity time.Time

	closeOnce sync.Once
}

// Safe returns the credential-stripped parameter echo for this session.
func (s *Session) Safe() protocol.SafeParams {
	return safeParams(s.Params)
}

// LastActivity returns the time of the last input or output.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func safeParams(p sshpool.Params) protocol.SafeParams {
	port := p.Port
	if port == 0 {
		port = sshpool.DefaultPort
	}
	return protocol.SafeParams{
		Host:     p.Host,
		Port:     port,
		Username: p.Username,
		Term:     p.Term,
	}
}

// Registry tracks all live remote sessions.
type Registry struct {
	pool  *sshpool.Pool
	store *store.Store

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates a registry backed by the given transport pool and
// remembered-params store.
func NewRegistry(pool *sshpool.Pool, st *store.Store) *Registry {
	return &Registry{
		pool:     pool,
		store:    st,
		sessions: make(map[string]*Session),
	}
}

// Create acquires a pooled transport, opens a shell channel with the
// requested terminal type and geometry, and registers the session. The
// connection parameters are remembered for later reconnect.
func (r *Registry) Create(ctx context.Context, owner protocol.Sink, params sshpool.Params, cols, rows uint16) (*Session, error) {
	return r.create(ctx, owner, uuid.NewString(), params, cols, rows)
}

// Duplicate opens a second independent shell channel using the saved
// parameters of an existing live session. The pool key matches, so the
// underlying transport is shared.
func (r *Registry) Duplicate(ctx context.Context, owner protocol.Sink, sessionID string) (*Session, error) {
	r.mu.RLock()
	orig, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	orig.mu.Lock()
	cols, rows := orig.cols, orig.rows
	orig.mu.Unlock()

	return r.create(ctx, owner, uuid.NewString(), orig.Params, cols, rows)
}

// Reconnect recreates a session from remembered parameters, retaining the
// original identifier.
func (r *Registry) Reconnect(ctx context.Context, owner protocol.Sink, sessionID string) (*Session, error) {
	saved, ok := r.store.SSHParams(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: no remembered parameters for %s", ErrUnknownSession, sessionID)
	}

	// A stale live entry under the same ID would break ID uniqueness.
	r.Close(sessionID)

	params := sshpool.Params{
		Host:       saved.Host,
		Port:       saved.Port,
		Username:   saved.Username,
		Password:   saved.Password,
		PrivateKey: saved.PrivateKey,
		Passphrase: saved.Passphrase,
		Term:       saved.Term,
	}
	return r.create(ctx, owner, sessionID, params, 0, 0)
}

func (r *Registry) create(ctx context.Context, owner protocol.Sink, id string, params sshpool.Params, cols, rows uint16) (*Session, error) {
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}
	term := params.Term
	if term == "" {
		term = DefaultTerm
	}

	client, err := r.pool.Acquire(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteOpen, err)
	}

	sess, err := client.NewSession()
	if err != nil {
		r.pool.Release(params)
		return nil, fmt.Errorf("%w: open channel: %v", ErrRemoteOpen, err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(term, int(rows), int(cols), modes); err != nil {
		sess.Close()
		r.pool.Release(params)
		return nil, fmt.Errorf("%w: request pty: %v", ErrRemoteOpen, err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		r.pool.Release(params)
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrRemoteOpen, err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		r.pool.Release(params)
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrRemoteOpen, err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		r.pool.Release(params)
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrRemoteOpen, err)
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		r.pool.Release(params)
		return nil, fmt.Errorf("%w: start shell: %v", ErrRemoteOpen, err)
	}

	s := &Session{
		ID:           id,
		Title:        fmt.Sprintf("%s@%s", params.Username, params.Host),
		Params:       params,
		CreatedAt:    time.Now(),
		owner:        owner,
		sess:         sess,
		stdin:        stdin,
		cols:         cols,
		rows:         rows,
		lastActivity: time.Now(),
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	r.store.SaveSSHParams(id, store.SavedParams{
		Host:       params.Host,
		Port:       params.Key().Port,
		Username:   params.Username,
		Password:   params.Password,
		PrivateKey: params.PrivateKey,
		Passphrase: params.Passphrase,
		Term:       params.Term,
	})

	go r.relay(s, stdout)
	go r.relay(s, stderr)
	go func() {
		// Channel close from any cause ends Wait and drives cleanup.
		sess.Wait()
		r.Close(s.ID)
	}()

	log.Printf("ssh session %s created (%s)", s.ID, s.Title)
	return s, nil
}

// relay forwards one output stream as ssh_data frames, preserving arrival
// order per stream.
func (r *Registry) relay(s *Session, src io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			s.touch()
			s.owner.Send(protocol.SSHData{
				Type:      "ssh_data",
				SessionID: s.ID,
				Data:      string(buf[:n]),
			})
		}
		if err != nil {
			return
		}
	}
}

// Input writes opaque bytes to the channel. Unknown IDs are dropped
// silently; the client may hold a stale identifier.
func (r *Registry) Input(sessionID string, data []byte) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.touch()
	if _, err := s.stdin.Write(data); err != nil {
		log.Printf("ssh session %s stdin write: %v", sessionID, err)
	}
}

// Resize sends a window-change to the channel and records the geometry.
func (r *Registry) Resize(sessionID string, cols, rows uint16) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
	if err := s.sess.WindowChange(int(rows), int(cols)); err != nil {
		log.Printf("ssh session %s resize: %v", sessionID, err)
	}
}

// Close ends the channel, releases the pooled transport, removes the entry
// and notifies the owning client. Returns false for unknown IDs. Exactly
// one ssh_closed frame is produced per session.
func (r *Registry) Close(sessionID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	s.closeOnce.Do(func() {
		s.sess.Close()
		r.pool.Release(s.Params)
		s.owner.Send(protocol.SSHClosed{Type: "ssh_closed", SessionID: s.ID})
		log.Printf("ssh session %s closed (%s)", s.ID, s.Title)
	})
	return true
}

// CloseAllForClient closes every session owned by the given sink. Ownership
// is by sink identity, so a dropped connection cannot resurrect writes.
func (r *Registry) CloseAllForClient(owner protocol.Sink) {
	r.mu.RLock()
	var ids []string
	for id, s := range r.sessions {
		if s.owner == owner {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Close(id)
	}
}

// Get returns the live session for an ID.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// List returns all live sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
