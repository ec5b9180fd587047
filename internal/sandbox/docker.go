package sandbox

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
)

const labelManagedBy = "termgate"

// dockerRuntime drives the Docker daemon through its API client.
type dockerRuntime struct {
	client *dockerclient.Client
}

func probeDocker(ctx context.Context) (Runtime, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	return &dockerRuntime{client: client}, nil
}

func (d *dockerRuntime) Name() string { return "docker" }

func (d *dockerRuntime) EnsureImage(ctx context.Context, img string) error {
	// Check if image exists locally first
	if _, _, err := d.client.ImageInspectWithRaw(ctx, img); err == nil {
		log.Printf("sandbox: image %s found locally", img)
		return nil
	}

	log.Printf("sandbox: image %s not found locally, pulling...", img)
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPull, img, err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
	log.Printf("sandbox: image %s pulled", img)
	return nil
}

func (d *dockerRuntime) CreateContainer(ctx context.Context, sessionID, img string) (string, error) {
	name := ContainerName(sessionID)

	containerCfg := &container.Config{
		Image:     img,
		Cmd:       []string{"sh"},
		Tty:       true,
		OpenStdin: true,
		Labels:    map[string]string{"managed-by": labelManagedBy},
	}
	hostCfg := &container.HostConfig{
		AutoRemove: true,
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("%w: create %s: %v", ErrCreate, name, err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("%w: start %s: %v", ErrCreate, name, err)
	}
	return name, nil
}

func (d *dockerRuntime) ExecSpec(containerName string) (string, []string) {
	return "docker", []string{"exec", "-it", containerName, "sh"}
}

func (d *dockerRuntime) Stop(ctx context.Context, containerName string) error {
	timeout := 10
	err := d.client.ContainerStop(ctx, containerName, container.StopOptions{Timeout: &timeout})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("%w: %s: %v", ErrStop, containerName, err)
	}
	return nil
}

func (d *dockerRuntime) ListImages(ctx context.Context) ([]string, error) {
	list, err := d.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	var out []string
	for _, summary := range list {
		for _, tag := range summary.RepoTags {
			if tag != "<none>:<none>" {
				out = append(out, tag)
			}
		}
	}
	return out, nil
}
