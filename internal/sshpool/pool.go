// Package sshpool maintains a keyed cache of live SSH transports with
// reference counting and idle expiry.
//
// Transports are keyed by (host, port, username); credentials are not part
// of the key. Each remote session using a transport holds one reference.
// When the last reference is released an idle timer is armed, and expiry
// closes the transport. A transport-level close from either side removes
// the pool entry immediately regardless of reference count; dependent
// sessions observe their channels closing and clean up on their own.
package sshpool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	// DefaultPort is used when connection parameters omit the port.
	DefaultPort = 22

	defaultIdleTimeout  = 5 * time.Minute
	defaultKeepalive    = 10 * time.Second
	defaultReadyTimeout = 20 * time.Second
)

var (
	// ErrUnreachable indicates the remote host could not be dialed.
	ErrUnreachable = errors.New("host unreachable")
	// ErrAuthFailed indicates the SSH handshake rejected the credentials.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrTransport indicates a transport-level failure after dialing.
	ErrTransport = errors.New("transport error")
)

// Params carries the full connection parameters for one remote endpoint.
type Params struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey string
	Passphrase string
	Term       string
}

// Key returns the pool key tuple for these parameters.
func (p Params) Key() Key {
	port := p.Port
	if port == 0 {
		port = DefaultPort
	}
	return Key{Host: p.Host, Port: port, Username: p.Username}
}

// Addr returns the host:port dial address.
func (p Params) Addr() string {
	port := p.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(p.Host, fmt.Sprintf("%d", port))
}

// Key identifies a shareable transport: two sessions whose parameters
// produce the same Key may share one SSH connection.
type Key struct {
	Host     string
	Port     int
	Username string
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s:%d", k.Username, k.Host, k.Port)
}

// Options tunes pool behavior. Zero values take defaults.
type Options struct {
	IdleTimeout  time.Duration // how long an unreferenced transport lives
	Keepalive    time.Duration // interval between keepalive requests
	ReadyTimeout time.Duration // bound on dial plus handshake
}

type entry struct {
	ready chan struct{} // closed once dialing finished
	err   error         // set before ready closes on failure

	client     *ssh.Client
	refs       int
	idleTimer  *time.Timer
	keepCancel context.CancelFunc
}

// Pool is safe for concurrent use.
type Pool struct {
	opts Options

	mu      sync.Mutex
	entries map[Key]*entry
	closed  bool
}

// New creates an empty pool.
func New(opts Options) *Pool {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = defaultKeepalive
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	return &Pool{
		opts:    opts,
		entries: make(map[Key]*entry),
	}
}

// Acquire returns a live transport for params, establishing one if needed.
// Concurrent first acquires of the same key coalesce onto a single dial.
// On failure nothing is inserted and the typed cause is wrapped.
func (p *Pool) Acquire(ctx context.Context, params Params) (*ssh.Client, error) {
	k := params.Key()
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: pool is shut down", ErrTransport)
		}
		e, ok := p.entries[k]
		if !ok {
			e = &entry{ready: make(chan struct{})}
			p.entries[k] = e
			p.mu.Unlock()
			return p.establish(ctx, k, e, params)
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.ready:
		}

		p.mu.Lock()
		if e.err != nil {
			p.mu.Unlock()
			return nil, e.err
		}
		if p.entries[k] != e {
			// Entry was removed (transport closed) after dialing; retry.
			p.mu.Unlock()
			continue
		}
		if e.idleTimer != nil {
			e.idleTimer.Stop()
			e.idleTimer = nil
		}
		e.refs++
		p.mu.Unlock()
		return e.client, nil
	}
}

// Release drops one reference. At zero references the idle timer is armed;
// a subsequent Acquire before expiry disarms it.
func (p *Pool) Release(params Params) {
	k := params.Key()

	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[k]
	if !ok || e.client == nil {
		return
	}
	if e.refs > 0 {
		e.refs--
	}
	if e.refs == 0 && e.idleTimer == nil {
		e.idleTimer = time.AfterFunc(p.opts.IdleTimeout, func() { p.expire(k, e) })
	}
}

// Refs reports the current reference count for the key of params. Used by
// tests and the catalog surface.
func (p *Pool) Refs(params Params) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[params.Key()]; ok {
		return e.refs
	}
	return 0
}

// Shutdown cancels all timers and closes every transport.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = make(map[Key]*entry)
	p.mu.Unlock()

	for _, e := range entries {
		if e.idleTimer != nil {
			e.idleTimer.Stop()
		}
		if e.keepCancel != nil {
			e.keepCancel()
		}
		if e.client != nil {
			e.client.Close()
		}
	}
}

// establish dials and authenticates a new transport for e, which is already
// inserted as the pending entry for k.
func (p *Pool) establish(ctx context.Context, k Key, e *entry, params Params) (*ssh.Client, error) {
	client, err := p.dial(ctx, params)

	p.mu.Lock()
	if err != nil {
		if p.entries[k] == e {
			delete(p.entries, k)
		}
		e.err = err
		close(e.ready)
		p.mu.Unlock()
		return nil, err
	}
	if p.closed {
		delete(p.entries, k)
		p.mu.Unlock()
		client.Close()
		e.err = fmt.Errorf("%w: pool is shut down", ErrTransport)
		close(e.ready)
		return nil, e.err
	}

	keepCtx, keepCancel := context.WithCancel(context.Background())
	e.client = client
	e.refs = 1
	e.keepCancel = keepCancel
	close(e.ready)
	p.mu.Unlock()

	go p.keepalive(keepCtx, k, e, client)
	go p.watchClose(k, e, client)

	return client, nil
}

func (p *Pool) dial(ctx context.Context, params Params) (*ssh.Client, error) {
	auth, err := authMethods(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	cfg := &ssh.ClientConfig{
		User:            params.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         p.opts.ReadyTimeout,
	}

	addr := params.Addr()
	dialer := net.Dialer{Timeout: p.opts.ReadyTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnreachable, addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") ||
			strings.Contains(err.Error(), "no supported methods remain") {
			return nil, fmt.Errorf("%w: %s: %v", ErrAuthFailed, addr, err)
		}
		return nil, fmt.Errorf("%w: handshake with %s: %v", ErrTransport, addr, err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

func authMethods(params Params) ([]ssh.AuthMethod, error) {
	if params.PrivateKey != "" {
		var signer ssh.Signer
		var err error
		if params.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(params.PrivateKey), []byte(params.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(params.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %v", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return []ssh.AuthMethod{ssh.Password(params.Password)}, nil
}

// keepalive sends periodic keepalive requests to detect dead transports.
func (p *Pool) keepalive(ctx context.Context, k Key, e *entry, client *ssh.Client) {
	ticker := time.NewTicker(p.opts.Keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				p.remove(k, e, fmt.Sprintf("keepalive failed: %v", err))
				client.Close()
				return
			}
		}
	}
}

// watchClose removes the entry as soon as the underlying transport ends,
// from whichever side. Dependent sessions see their channels close and
// release themselves; Release on a removed entry is a no-op.
func (p *Pool) watchClose(k Key, e *entry, client *ssh.Client) {
	err := client.Wait()
	reason := "transport closed"
	if err != nil {
		reason = fmt.Sprintf("transport closed: %v", err)
	}
	p.remove(k, e, reason)
}

func (p *Pool) remove(k Key, e *entry, reason string) {
	p.mu.Lock()
	if p.entries[k] != e {
		p.mu.Unlock()
		return
	}
	delete(p.entries, k)
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	if e.keepCancel != nil {
		e.keepCancel()
	}
	p.mu.Unlock()
	log.Printf("sshpool: removed %s (%s)", k, reason)
}

// expire fires when the idle timer elapses with no references.
func (p *Pool) expire(k Key, e *entry) {
	p.mu.Lock()
	if p.entries[k] != e || e.refs != 0 {
		p.mu.Unlock()
		return
	}
	delete(p.entries, k)
	if e.keepCancel != nil {
		e.keepCancel()
	}
	p.mu.Unlock()

	e.client.Close()
	log.Printf("sshpool: idle transport %s expired", k)
}
