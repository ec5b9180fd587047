// Package sandbox provides a uniform facade over the host's container
// runtime for ephemeral shell containers.
//
// The first use probes candidate runtimes in order: the Docker daemon via
// its API socket, then the podman CLI. The probe result is cached for the
// process lifetime.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
)

var (
	// ErrNoRuntime indicates no container runtime was found on the host.
	ErrNoRuntime = errors.New("no container runtime available")
	// ErrPull indicates an image could not be pulled.
	ErrPull = errors.New("image pull failed")
	// ErrCreate indicates a container could not be created or started.
	ErrCreate = errors.New("container create failed")
	// ErrStop indicates a container stop request failed.
	ErrStop = errors.New("container stop failed")
)

// Runtime is the operations surface the session registry needs. All
// implementations must make Stop idempotent: a container already gone by
// auto-removal is success.
type Runtime interface {
	Name() string
	EnsureImage(ctx context.Context, image string) error
	CreateContainer(ctx context.Context, sessionID, image string) (string, error)
	// ExecSpec returns the externally invokable command that, run under a
	// pseudo-terminal, attaches an interactive shell inside the container.
	ExecSpec(containerName string) (string, []string)
	Stop(ctx context.Context, containerName string) error
	ListImages(ctx context.Context) ([]string, error)
}

// ContainerName derives the deterministic container name for a session ID.
func ContainerName(sessionID string) string {
	id := strings.ReplaceAll(sessionID, "-", "")
	if len(id) > 12 {
		id = id[:12]
	}
	return "termgate-" + id
}

// Probe attempts to initialize one runtime backend.
type Probe func(ctx context.Context) (Runtime, error)

// Detector resolves the host runtime once and caches the outcome. A probe
// pass that failed only because the caller's context was cancelled is not
// cached; the next call probes again.
type Detector struct {
	mu      sync.Mutex
	settled bool
	rt      Runtime
	err     error
	probes  []Probe
}

// NewDetector builds a detector with the default probe order.
func NewDetector() *Detector {
	return &Detector{probes: []Probe{probeDocker, probePodman}}
}

// NewDetectorWithProbes builds a detector with explicit probes. Used by
// tests to inject fakes.
func NewDetectorWithProbes(probes ...Probe) *Detector {
	return &Detector{probes: probes}
}

// Runtime returns the detected runtime, probing until a pass settles.
func (d *Detector) Runtime(ctx context.Context) (Runtime, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.settled {
		return d.rt, d.err
	}

	var errs []string
	for _, probe := range d.probes {
		rt, err := probe(ctx)
		if err == nil {
			d.rt = rt
			d.settled = true
			log.Printf("sandbox: using %s runtime", rt.Name())
			return rt, nil
		}
		errs = append(errs, err.Error())
	}

	err := fmt.Errorf("%w (tried: %s)", ErrNoRuntime, strings.Join(errs, "; "))
	if ctx.Err() == nil {
		// A genuine miss is final; a cancelled caller must not decide the
		// outcome for everyone else.
		d.err = err
		d.settled = true
	}
	return nil, err
}
