package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type stubRuntime struct {
	name string
}

func (s *stubRuntime) Name() string                                  { return s.name }
func (s *stubRuntime) EnsureImage(ctx context.Context, image string) error { return nil }
func (s *stubRuntime) CreateContainer(ctx context.Context, sessionID, image string) (string, error) {
	return ContainerName(sessionID), nil
}
func (s *stubRuntime) ExecSpec(containerName string) (string, []string) { return "/bin/true", nil }
func (s *stubRuntime) Stop(ctx context.Context, containerName string) error { return nil }
func (s *stubRuntime) ListImages(ctx context.Context) ([]string, error)     { return nil, nil }

func TestContainerNameDerivation(t *testing.T) {
	got := ContainerName("5f2c9b1a-77d4-4e1b-9c30-aa55eeff0011")
	if got != "termgate-5f2c9b1a77d4" {
		t.Errorf("ContainerName = %q", got)
	}
	if !strings.HasPrefix(got, "termgate-") {
		t.Errorf("missing prefix: %q", got)
	}

	if got := ContainerName("abc"); got != "termgate-abc" {
		t.Errorf("short ID: ContainerName = %q", got)
	}
}

func TestDetectorUsesFirstWorkingProbe(t *testing.T) {
	first := &stubRuntime{name: "first"}
	second := &stubRuntime{name: "second"}

	d := NewDetectorWithProbes(
		func(ctx context.Context) (Runtime, error) { return first, nil },
		func(ctx context.Context) (Runtime, error) { return second, nil },
	)

	rt, err := d.Runtime(context.Background())
	if err != nil {
		t.Fatalf("Runtime: %v", err)
	}
	if rt.Name() != "first" {
		t.Errorf("runtime = %q, want first", rt.Name())
	}
}

func TestDetectorFallsBack(t *testing.T) {
	fallback := &stubRuntime{name: "fallback"}

	d := NewDetectorWithProbes(
		func(ctx context.Context) (Runtime, error) { return nil, errors.New("daemon not running") },
		func(ctx context.Context) (Runtime, error) { return fallback, nil },
	)

	rt, err := d.Runtime(context.Background())
	if err != nil {
		t.Fatalf("Runtime: %v", err)
	}
	if rt.Name() != "fallback" {
		t.Errorf("runtime = %q, want fallback", rt.Name())
	}
}

func TestDetectorCachesOutcome(t *testing.T) {
	calls := 0
	d := NewDetectorWithProbes(func(ctx context.Context) (Runtime, error) {
		calls++
		return &stubRuntime{name: "cached"}, nil
	})

	for i := 0; i < 3; i++ {
		if _, err := d.Runtime(context.Background()); err != nil {
			t.Fatalf("Runtime: %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("probe calls = %d, want 1", calls)
	}
}

func TestDetectorNoRuntime(t *testing.T) {
	calls := 0
	d := NewDetectorWithProbes(
		func(ctx context.Context) (Runtime, error) { calls++; return nil, errors.New("no docker") },
		func(ctx context.Context) (Runtime, error) { return nil, errors.New("no podman") },
	)

	_, err := d.Runtime(context.Background())
	if !errors.Is(err, ErrNoRuntime) {
		t.Fatalf("err = %v, want ErrNoRuntime", err)
	}
	if !strings.Contains(err.Error(), "no docker") || !strings.Contains(err.Error(), "no podman") {
		t.Errorf("probe failures not reported: %v", err)
	}

	// A genuine miss is final.
	if _, err := d.Runtime(context.Background()); !errors.Is(err, ErrNoRuntime) {
		t.Fatalf("second call: err = %v, want ErrNoRuntime", err)
	}
	if calls != 1 {
		t.Errorf("probe calls = %d, want 1", calls)
	}
}

func TestDetectorRetriesAfterCancelledContext(t *testing.T) {
	rt := &stubRuntime{name: "docker"}
	d := NewDetectorWithProbes(func(ctx context.Context) (Runtime, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return rt, nil
	})

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.Runtime(cancelled); !errors.Is(err, ErrNoRuntime) {
		t.Fatalf("cancelled probe: err = %v, want ErrNoRuntime", err)
	}

	// The cancelled attempt must not poison detection for later callers.
	got, err := d.Runtime(context.Background())
	if err != nil {
		t.Fatalf("retry after cancellation: %v", err)
	}
	if got.Name() != "docker" {
		t.Errorf("runtime = %q, want docker", got.Name())
	}
}
