// Package termreg owns pseudo-terminal child processes for host shells and
// container exec sessions, mediates their I/O, and tracks lifecycle.
package termreg

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/avelis/termgate/internal/logutil"
	"github.com/avelis/termgate/internal/protocol"
	"github.com/avelis/termgate/internal/sandbox"
	"github.com/avelis/termgate/internal/store"
)

// Session kinds.
const (
	KindLocal   = "local"
	KindSandbox = "sandbox"
)

// Lifecycle states.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateClosing  State = "closing"
	StateClosed   State = "closed"
)

const (
	defaultCols uint16 = 80
	defaultRows uint16 = 30
)

// ErrSpawn wraps any failure to start a pseudo-terminal child.
var ErrSpawn = errors.New("spawn failed")

// ErrUnknownSession indicates no live session for an ID.
var ErrUnknownSession = errors.New("unknown session")

// kubeContextEnv marks sessions created with a remote-cluster context.
const kubeContextEnv = "TERMGATE_KUBE_CONTEXT"

// Session is one pseudo-terminal process, either a host shell or a
// container exec.
type Session struct {
	ID            string
	Kind          string
	Title         string
	Image         string // sandbox only
	ContainerName string // sandbox only
	CreatedAt     time.Time

	// ownsContainer is true only for the session that created the
	// container. Duplicates share it without a reference count; the
	// container's lifetime is tied to the owning session.
	ownsContainer bool

	owner protocol.Sink
	cmd   *exec.Cmd
	ptmx  *os.File

	mu         sync.Mutex
	state      State
	cols, rows uint16
	workDir    string

	closeOnce sync.Once
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Size returns the last recorded geometry.
func (s *Session) Size() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// WorkDir returns the tracked working directory.
func (s *Session) WorkDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workDir
}

// Registry tracks all local and sandbox sessions.
type Registry struct {
	detector *sandbox.Detector
	store    *store.Store

	// CwdRefreshDelay is the pause between seeing a cd command and probing
	// the child's working directory.
	CwdRefreshDelay time.Duration
	// KubeInjectDelay is the pause before writing the context-selection
	// lines into a fresh shell.
	KubeInjectDelay time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	titleSeq atomic.Uint64
}

// NewRegistry creates a registry backed by the given runtime detector and
// remembered-image store.
func NewRegistry(detector *sandbox.Detector, st *store.Store) *Registry {
	return &Registry{
		detector:        detector,
		store:           st,
		CwdRefreshDelay: time.Second,
		KubeInjectDelay: 750 * time.Millisecond,
		sessions:        make(map[string]*Session),
	}
}

func (r *Registry) nextTitle() string {
	return fmt.Sprintf("Terminal %d", r.titleSeq.Add(1))
}

func defaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/bash"
}

// CreateLocal spawns the platform default shell under a new pseudo-terminal
// with the user's home as working directory and the full ambient
// environment. A non-empty kubeContext marks the environment and injects
// the context-selection lines after a brief delay.
func (r *Registry) CreateLocal(owner protocol.Sink, cols, rows uint16, title, kubeContext string) (*Session, error) {
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}
	if title == "" {
		title = r.nextTitle()
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = "/"
	}

	cmd := exec.Command(defaultShell())
	cmd.Dir = home
	cmd.Env = os.Environ()
	if kubeContext != "" {
		cmd.Env = append(cmd.Env, kubeContextEnv+"="+kubeContext)
	}

	s, err := r.spawn(owner, cmd, spawnSpec{
		id:      uuid.NewString(),
		cols:    cols,
		rows:    rows,
		title:   title,
		workDir: home,
		kind:    KindLocal,
	})
	if err != nil {
		return nil, err
	}

	if kubeContext != "" {
		// The shell gets a moment to start before the selection lines.
		kctx := kubeContext
		time.AfterFunc(r.KubeInjectDelay, func() {
			fmt.Fprintf(s.ptmx, "kubectl config use-context %s\n", kctx)
			fmt.Fprintf(s.ptmx, "echo 'Switched to kubectl context: %s'\n", kctx)
		})
	}

	log.Printf("terminal %s created (%s)", s.ID, logutil.Sanitize(title))
	return s, nil
}

// CreateSandbox ensures the image, creates a container named after the
// session ID, and attaches an interactive exec under a pseudo-terminal.
func (r *Registry) CreateSandbox(ctx context.Context, owner protocol.Sink, cols, rows uint16, image, title string) (*Session, error) {
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}
	if title == "" {
		title = r.nextTitle()
	}

	rt, err := r.detector.Runtime(ctx)
	if err != nil {
		return nil, err
	}
	if err := rt.EnsureImage(ctx, image); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	containerName, err := rt.CreateContainer(ctx, id, image)
	if err != nil {
		return nil, err
	}

	bin, argv := rt.ExecSpec(containerName)
	cmd := exec.Command(bin, argv...)
	cmd.Env = os.Environ()

	s, err := r.spawn(owner, cmd, spawnSpec{
		id:            id,
		cols:          cols,
		rows:          rows,
		title:         title,
		workDir:       "/",
		kind:          KindSandbox,
		image:         image,
		containerName: containerName,
		ownsContainer: true,
	})
	if err != nil {
		// Reverse acquisition order: the container goes before the error
		// surfaces.
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if stopErr := rt.Stop(stopCtx, containerName); stopErr != nil {
			log.Printf("sandbox %s cleanup stop: %v", containerName, stopErr)
		}
		return nil, err
	}

	r.store.AddImage(image)

	log.Printf("sandbox terminal %s created (container %s, image %s)",
		s.ID, containerName, logutil.Sanitize(image))
	return s, nil
}

// Duplicate derives a new session from an existing one. A sandbox session
// gets a second exec on the same live container (shared, not cloned); a
// local session gets a fresh shell in the original's current working
// directory with inherited geometry and environment.
func (r *Registry) Duplicate(ctx context.Context, owner protocol.Sink, sessionID string) (*Session, error) {
	r.mu.RLock()
	orig, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	cols, rows := orig.Size()
	title := orig.Title + " (copy)"

	switch orig.Kind {
	case KindSandbox:
		rt, err := r.detector.Runtime(ctx)
		if err != nil {
			return nil, err
		}
		bin, argv := rt.ExecSpec(orig.ContainerName)
		cmd := exec.Command(bin, argv...)
		cmd.Env = os.Environ()

		s, err := r.spawn(owner, cmd, spawnSpec{
			id:            uuid.NewString(),
			cols:          cols,
			rows:          rows,
			title:         title,
			workDir:       "/",
			kind:          KindSandbox,
			image:         orig.Image,
			containerName: orig.ContainerName,
		})
		if err != nil {
			return nil, err
		}
		log.Printf("sandbox terminal %s duplicated from %s (shared container %s)",
			s.ID, orig.ID, orig.ContainerName)
		return s, nil

	default:
		cwd := r.currentWorkDir(orig)
		cmd := exec.Command(defaultShell())
		cmd.Dir = cwd
		cmd.Env = os.Environ()

		s, err := r.spawn(owner, cmd, spawnSpec{
			id:      uuid.NewString(),
			cols:    cols,
			rows:    rows,
			title:   title,
			workDir: cwd,
			kind:    KindLocal,
		})
		if err != nil {
			return nil, err
		}
		log.Printf("terminal %s duplicated from %s (cwd %s)", s.ID, orig.ID, cwd)
		return s, nil
	}
}

// spawnSpec carries everything a Session must hold before it becomes
// visible in the registry. Close and the catalog read sessions
// concurrently, so all fields are set before publication.
type spawnSpec struct {
	id            string
	cols, rows    uint16
	title         string
	workDir       string
	kind          string
	image         string
	containerName string
	ownsContainer bool
}

func (r *Registry) spawn(owner protocol.Sink, cmd *exec.Cmd, spec spawnSpec) (*Session, error) {
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: spec.cols, Rows: spec.rows})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	s := &Session{
		ID:            spec.id,
		Kind:          spec.kind,
		Title:         spec.title,
		Image:         spec.image,
		ContainerName: spec.containerName,
		CreatedAt:     time.Now(),
		ownsContainer: spec.ownsContainer,
		owner:         owner,
		cmd:           cmd,
		ptmx:          ptmx,
		state:         StateStarting,
		cols:          spec.cols,
		rows:          spec.rows,
		workDir:       spec.workDir,
	}

	r.mu.Lock()
	r.sessions[spec.id] = s
	r.mu.Unlock()

	go r.relay(s)
	go r.watchExit(s)

	// The child may have exited and been closed already; only flip to
	// running if nothing else moved the state first.
	s.mu.Lock()
	if s.state == StateStarting {
		s.state = StateRunning
	}
	s.mu.Unlock()

	return s, nil
}

// relay forwards PTY output verbatim as data frames tagged with the
// session id. No line buffering, no transcoding.
func (r *Registry) relay(s *Session) {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.owner.Send(protocol.Data{
				Type:      "data",
				SessionID: s.ID,
				Data:      string(buf[:n]),
			})
		}
		if err != nil {
			// EIO is the normal end of a PTY when the child exits.
			return
		}
	}
}

// watchExit reaps the child and, for sessions not already closed, reports
// the exit code before driving cleanup.
func (r *Registry) watchExit(s *Session) {
	s.cmd.Wait()

	r.mu.RLock()
	_, live := r.sessions[s.ID]
	r.mu.RUnlock()
	if !live {
		return
	}

	code := -1
	if s.cmd.ProcessState != nil {
		code = s.cmd.ProcessState.ExitCode()
	}
	s.owner.Send(protocol.TerminalExit{Type: "terminal_exit", SessionID: s.ID, Code: code})
	r.Close(s.ID)
}

// Input writes bytes to the pseudo-terminal. When the chunk looks like it
// contains a directory change, a deferred best-effort refresh of the
// tracked working directory is scheduled. Unknown IDs are dropped silently.
func (r *Registry) Input(sessionID string, data []byte) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	if _, err := s.ptmx.Write(data); err != nil {
		log.Printf("terminal %s input write: %v", sessionID, err)
		return
	}

	if s.Kind == KindLocal && strings.Contains(string(data), "cd ") {
		time.AfterFunc(r.CwdRefreshDelay, func() { r.refreshWorkDir(s) })
	}
}

// Resize adjusts the pseudo-terminal geometry and records it.
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

	if err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		log.Printf("terminal %s resize: %v", sessionID, err)
	}
}

// Close terminates the child, stops an owned container, removes the entry
// and notifies the owning client. Returns false for unknown IDs. Exactly
// one terminal_closed frame is produced per session.
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
		s.setState(StateClosing)

		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		s.ptmx.Close()

		if s.Kind == KindSandbox && s.ownsContainer {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			rt, err := r.detector.Runtime(stopCtx)
			if err == nil {
				if err := rt.Stop(stopCtx, s.ContainerName); err != nil {
					log.Printf("sandbox %s stop: %v", s.ContainerName, err)
				}
			}
		}

		s.setState(StateClosed)
		s.owner.Send(protocol.TerminalClosed{Type: "terminal_closed", SessionID: s.ID})
		log.Printf("terminal %s closed (%s)", s.ID, logutil.Sanitize(s.Title))
	})
	return true
}

// CloseAllForClient closes every session owned by the given sink.
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

// currentWorkDir resolves the best available working directory for a
// session: the live process probe first, then the tracked value, then the
// home directory. Duplicates must never fail because detection did.
func (r *Registry) currentWorkDir(s *Session) string {
	if s.cmd.Process != nil {
		if wd, err := processCwd(s.cmd.Process.Pid); err == nil && wd != "" {
			return wd
		}
	}
	if wd := s.WorkDir(); wd != "" {
		return wd
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "/"
}

func (r *Registry) refreshWorkDir(s *Session) {
	if s.cmd.Process == nil {
		return
	}
	wd, err := processCwd(s.cmd.Process.Pid)
	if err != nil || wd == "" {
		return
	}
	s.mu.Lock()
	s.workDir = wd
	s.mu.Unlock()
}
