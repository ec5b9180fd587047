package sandbox

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
)

// podmanRuntime shells out to the podman CLI. It is the fallback backend
// for hosts without a Docker daemon.
type podmanRuntime struct {
	bin string
}

func probePodman(ctx context.Context) (Runtime, error) {
	bin, err := exec.LookPath("podman")
	if err != nil {
		return nil, fmt.Errorf("podman not in PATH")
	}
	if err := exec.CommandContext(ctx, bin, "version").Run(); err != nil {
		return nil, fmt.Errorf("podman version: %w", err)
	}
	return &podmanRuntime{bin: bin}, nil
}

func (p *podmanRuntime) Name() string { return "podman" }

func (p *podmanRuntime) EnsureImage(ctx context.Context, img string) error {
	if err := exec.CommandContext(ctx, p.bin, "image", "exists", img).Run(); err == nil {
		log.Printf("sandbox: image %s found locally", img)
		return nil
	}

	log.Printf("sandbox: image %s not found locally, pulling...", img)
	out, err := exec.CommandContext(ctx, p.bin, "pull", img).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s: %v: %s", ErrPull, img, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (p *podmanRuntime) CreateContainer(ctx context.Context, sessionID, img string) (string, error) {
	name := ContainerName(sessionID)
	out, err := exec.CommandContext(ctx, p.bin,
		"run", "-d", "-it", "--rm", "--name", name,
		"--label", "managed-by="+labelManagedBy,
		img, "sh",
	).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v: %s", ErrCreate, name, err, strings.TrimSpace(string(out)))
	}
	return name, nil
}

func (p *podmanRuntime) ExecSpec(containerName string) (string, []string) {
	return p.bin, []string{"exec", "-it", containerName, "sh"}
}

func (p *podmanRuntime) Stop(ctx context.Context, containerName string) error {
	out, err := exec.CommandContext(ctx, p.bin, "stop", "-t", "10", containerName).CombinedOutput()
	if err != nil {
		// The container may already be gone via --rm auto-removal.
		if strings.Contains(string(out), "no such container") ||
			strings.Contains(string(out), "no container with name") {
			return nil
		}
		return fmt.Errorf("%w: %s: %v: %s", ErrStop, containerName, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (p *podmanRuntime) ListImages(ctx context.Context) ([]string, error) {
	out, err := exec.CommandContext(ctx, p.bin, "images", "--format", "{{.Repository}}:{{.Tag}}").Output()
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	var images []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "<none>") {
			images = append(images, line)
		}
	}
	return images, nil
}
