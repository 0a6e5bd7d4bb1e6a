package capture

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/samber/lo"
	"github.com/web3tea/dvm-relay/pkg/log"
)

const (
	defaultImage         = "ubuntu"
	defaultContainerName = "dvm-bot"
	defaultShell         = "/bin/bash"
)

type DockerConfig struct {
	Image string   `json:"image" yaml:"image" toml:"image"`
	Name  string   `json:"name" yaml:"name" toml:"name"`
	Cmd   []string `json:"cmd" yaml:"cmd" toml:"cmd"`
	// Pull fetches the image first when it is not present locally
	Pull bool `json:"pull" yaml:"pull" toml:"pull"`
	// Host overrides DOCKER_HOST
	Host string `json:"host" yaml:"host" toml:"host"`
}

// DockerProvider runs the process as a TTY container. A container left
// over under the same name from an earlier run is removed first.
type DockerProvider struct {
	cfg    DockerConfig
	logger log.Logger
}

func NewDockerProvider(cfg DockerConfig, logger log.Logger) *DockerProvider {
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	if cfg.Name == "" {
		cfg.Name = defaultContainerName
	}
	if len(cfg.Cmd) == 0 {
		cfg.Cmd = []string{defaultShell}
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &DockerProvider{cfg: cfg, logger: logger}
}

func (p *DockerProvider) Type() string { return "docker" }

func (p *DockerProvider) CreateAndStart(ctx context.Context) (Handle, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if p.cfg.Host != "" {
		opts = append(opts, client.WithHost(p.cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, setupError("connect to docker", err)
	}

	handle, err := p.start(ctx, cli)
	if err != nil {
		_ = cli.Close()
		return nil, err
	}
	return handle, nil
}

func (p *DockerProvider) start(ctx context.Context, cli *client.Client) (*dockerHandle, error) {
	if err := p.removeStale(ctx, cli); err != nil {
		return nil, err
	}
	if err := p.ensureImage(ctx, cli); err != nil {
		return nil, err
	}

	p.logger.Infof("creating container %s from %s", p.cfg.Name, p.cfg.Image)
	created, err := cli.ContainerCreate(ctx, &container.Config{
		Image:        p.cfg.Image,
		Cmd:          p.cfg.Cmd,
		Tty:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}, nil, nil, nil, p.cfg.Name)
	if err != nil {
		return nil, setupError("create container", err)
	}
	for _, w := range created.Warnings {
		p.logger.Warnf("container create: %s", w)
	}

	// attach before start so the first prompt is not lost
	attached, err := cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		p.forceRemove(cli, created.ID)
		return nil, setupError("attach container", err)
	}

	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		attached.Close()
		p.forceRemove(cli, created.ID)
		return nil, setupError("start container", err)
	}
	p.logger.Infof("container %s started (%s)", p.cfg.Name, shortID(created.ID))

	return &dockerHandle{
		cli:    cli,
		id:     created.ID,
		reader: attached.Reader,
		conn:   attached.Conn,
		logger: p.logger,
	}, nil
}

func (p *DockerProvider) removeStale(ctx context.Context, cli *client.Client) error {
	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", p.cfg.Name)),
	})
	if err != nil {
		return setupError("list containers", err)
	}
	for _, c := range containers {
		// the name filter matches substrings
		if !hasName(c.Names, p.cfg.Name) {
			continue
		}
		p.logger.Infof("removing stale container %s (%s)", p.cfg.Name, shortID(c.ID))
		if err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			return setupError("remove stale container", err)
		}
	}
	return nil
}

func (p *DockerProvider) ensureImage(ctx context.Context, cli *client.Client) error {
	if !p.cfg.Pull {
		return nil
	}
	_, _, err := cli.ImageInspectWithRaw(ctx, p.cfg.Image)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return setupError("inspect image", err)
	}

	p.logger.Infof("pulling image %s", p.cfg.Image)
	progress, err := cli.ImagePull(ctx, p.cfg.Image, image.PullOptions{})
	if err != nil {
		return setupError("pull image", err)
	}
	defer progress.Close()
	if _, err := io.Copy(io.Discard, progress); err != nil {
		return setupError("pull image", err)
	}
	return nil
}

func (p *DockerProvider) forceRemove(cli *client.Client, id string) {
	if err := cli.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true}); err != nil {
		p.logger.Warnf("remove container %s: %v", shortID(id), err)
	}
}

type dockerHandle struct {
	cli    *client.Client
	id     string
	reader io.Reader
	conn   net.Conn
	logger log.Logger

	once sync.Once
	err  error
}

func (h *dockerHandle) Stream() (io.Reader, io.Writer) {
	return h.reader, h.conn
}

func (h *dockerHandle) Teardown(ctx context.Context) error {
	h.once.Do(func() {
		_ = h.conn.Close()
		if err := h.cli.ContainerRemove(ctx, h.id, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			h.err = fmt.Errorf("remove container %s: %w", shortID(h.id), err)
		}
		if err := h.cli.Close(); err != nil && h.err == nil {
			h.err = err
		}
		h.logger.Infof("container %s removed", shortID(h.id))
	})
	return h.err
}

func hasName(names []string, name string) bool {
	return lo.Contains(names, "/"+name) || lo.Contains(names, name)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

var _ Provider = (*DockerProvider)(nil)
