package browser

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
)

const (
	chromeImage  = "browserless/chrome:latest"
	chromePort   = "3000/tcp"
	profileMount = "/data"
)

// Container is a headless Chrome running in docker that a page agent can
// drive over CDP
type Container struct {
	ID         string
	Name       string
	ConnectURL string
	Port       string
	ProfileDir string
}

// ContainerLauncher starts and stops Chrome containers
type ContainerLauncher struct {
	client *client.Client
}

// NewContainerLauncher connects to the docker daemon from the environment
func NewContainerLauncher() (*ContainerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &ContainerLauncher{client: cli}, nil
}

// Launch starts a container with profileDir mounted as Chrome's user data
// directory and waits until it accepts CDP connections
func (l *ContainerLauncher) Launch(ctx context.Context, profileDir string) (*Container, error) {
	if err := os.MkdirAll(profileDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}

	name := "tabrelay-" + uuid.New().String()[:8]

	containerConfig := &container.Config{
		Image: chromeImage,
		Labels: map[string]string{
			"managed-by": "tabrelay",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
		},
		ExposedPorts: nat.PortSet{
			chromePort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			chromePort: []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: "0"},
			},
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: profileDir,
				Target: profileMount,
			},
		},
	}

	resp, err := l.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := l.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports[chromePort]
	if len(bindings) == 0 {
		return nil, fmt.Errorf("container %s exposes no CDP port", name)
	}
	port := bindings[0].HostPort

	if err := waitForEndpoint(ctx, fmt.Sprintf("http://localhost:%s/json/version", port), 20, 500*time.Millisecond); err != nil {
		return nil, fmt.Errorf("chrome failed to become ready: %w", err)
	}

	log.Printf("🐳 Chrome container %s listening on port %s", name, port)
	return &Container{
		ID:         resp.ID,
		Name:       name,
		ConnectURL: fmt.Sprintf("ws://localhost:%s?--user-data-dir=%s", port, profileMount),
		Port:       port,
		ProfileDir: profileDir,
	}, nil
}

// Stop stops and removes a container
func (l *ContainerLauncher) Stop(ctx context.Context, c *Container) error {
	timeout := 10
	if err := l.client.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := l.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// EnsureImage pulls the Chrome image unless it is already present
func (l *ContainerLauncher) EnsureImage(ctx context.Context) error {
	images, err := l.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == chromeImage {
				return nil
			}
		}
	}

	log.Printf("Pulling %s", chromeImage)
	reader, err := l.client.ImagePull(ctx, chromeImage, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// Close releases the docker client
func (l *ContainerLauncher) Close() error {
	return l.client.Close()
}

// waitForEndpoint polls url until it answers 200
func waitForEndpoint(ctx context.Context, url string, attempts int, interval time.Duration) error {
	for i := 0; i < attempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("%s did not become ready after %d attempts", url, attempts)
}
