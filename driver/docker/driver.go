package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/guseggert/coderunner/driver"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

type CreateContainerConfig struct {
	Name             string
	ContainerConfig  *container.Config
	HostConfig       *container.HostConfig
	NetworkingConfig *network.NetworkingConfig
	Platform         *specs.Platform
}

// Driver runs uploaded files in Docker containers.
// The underlying host must have a Docker daemon running.
// This supports standard environment variables for configuring the Docker client (DOCKER_HOST etc.).
type Driver struct {
	Log                   *zap.SugaredLogger
	DockerClient          *client.Client
	Image                 string
	ContainerPrefix       string
	Interpreter           []string
	WorkDir               string
	CreateContainerConfig func(*CreateContainerConfig) error

	pullMut     sync.Mutex
	imagePulled bool
}

func (d *Driver) WithLogger(l *zap.SugaredLogger) *Driver {
	d.Log = l.Named("docker_driver")
	return d
}

func (d *Driver) WithImage(img string) *Driver {
	d.Image = img
	return d
}

func (d *Driver) WithInterpreter(cmd ...string) *Driver {
	d.Interpreter = cmd
	return d
}

func (d *Driver) WithCreateContainerConfig(f func(*CreateContainerConfig) error) *Driver {
	d.CreateContainerConfig = f
	return d
}

// NewDriver creates a Docker driver running files with python in python:3.11-slim containers.
func NewDriver() (*Driver, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	d := &Driver{
		DockerClient:    dockerClient,
		Image:           "python:3.11-slim",
		ContainerPrefix: "coderunner",
		Interpreter:     []string{"python"},
		WorkDir:         "/src",
	}
	return d.WithLogger(zap.NewNop().Sugar()), nil
}

func (d *Driver) ensureImagePulled(ctx context.Context) error {
	d.pullMut.Lock()
	defer d.pullMut.Unlock()
	if d.imagePulled {
		return nil
	}
	out, err := d.DockerClient.ImagePull(ctx, d.Image, types.ImagePullOptions{})
	if err != nil {
		if out != nil {
			out.Close()
		}
		return err
	}
	defer out.Close()
	_, err = io.Copy(io.Discard, out)
	if err != nil {
		return fmt.Errorf("reading Docker pull response: %w", err)
	}
	d.imagePulled = true
	return nil
}

func (d *Driver) Create(ctx context.Context) (driver.Container, error) {
	err := d.ensureImagePulled(ctx)
	if err != nil {
		return nil, fmt.Errorf("pulling image: %w", err)
	}

	name := fmt.Sprintf("%s-%s", d.ContainerPrefix, uuid.NewString())
	ccConfig := CreateContainerConfig{
		Name: name,
		ContainerConfig: &container.Config{
			Image:      d.Image,
			Cmd:        []string{"tail", "-f", "/dev/null"},
			WorkingDir: d.WorkDir,
		},
		HostConfig: &container.HostConfig{},
	}
	if d.CreateContainerConfig != nil {
		err := d.CreateContainerConfig(&ccConfig)
		if err != nil {
			return nil, fmt.Errorf("calling CreateContainerConfig function: %w", err)
		}
	}

	createResp, err := d.DockerClient.ContainerCreate(
		ctx,
		ccConfig.ContainerConfig,
		ccConfig.HostConfig,
		ccConfig.NetworkingConfig,
		ccConfig.Platform,
		ccConfig.Name,
	)
	if err != nil {
		return nil, fmt.Errorf("creating Docker container: %w", err)
	}
	d.Log.Debugw("created container", "Name", name, "ContainerID", createResp.ID)

	return &Container{
		log:          d.Log.With("Name", name),
		name:         name,
		containerID:  createResp.ID,
		workDir:      d.WorkDir,
		interpreter:  d.Interpreter,
		dockerClient: d.DockerClient,
	}, nil
}

type Container struct {
	log          *zap.SugaredLogger
	name         string
	containerID  string
	workDir      string
	interpreter  []string
	dockerClient *client.Client
	started      bool
}

// ID returns the container name, which is what clients address the container by.
func (c *Container) ID() string { return c.name }

func (c *Container) Start(ctx context.Context) error {
	err := c.dockerClient.ContainerStart(ctx, c.containerID, types.ContainerStartOptions{})
	if err != nil {
		return fmt.Errorf("starting container %q: %w", c.containerID, err)
	}
	c.started = true
	return nil
}

func (c *Container) Upload(ctx context.Context, filePath string, contents io.Reader) error {
	name := strings.TrimPrefix(path.Clean("/"+filePath), "/")
	if name == "" {
		return fmt.Errorf("invalid path %q", filePath)
	}
	b, err := io.ReadAll(contents)
	if err != nil {
		return fmt.Errorf("reading upload: %w", err)
	}

	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	err = tw.WriteHeader(&tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    int64(len(b)),
		ModTime: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("writing tar header: %w", err)
	}
	if _, err := tw.Write(b); err != nil {
		return fmt.Errorf("writing tar contents: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar: %w", err)
	}

	err = c.dockerClient.CopyToContainer(ctx, c.containerID, c.workDir, buf, types.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("copying %s to container: %w", name, err)
	}
	return nil
}

func (c *Container) Exec(ctx context.Context, req driver.ExecRequest) (driver.Process, error) {
	if !c.started {
		return nil, driver.ErrNotStarted
	}
	stdout, stderr := req.Stdout, req.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	cmd := append(append([]string{}, c.interpreter...), req.Path)
	execResp, err := c.dockerClient.ContainerExecCreate(ctx, c.containerID, types.ExecConfig{
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   c.workDir,
		Cmd:          cmd,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w", err)
	}
	attach, err := c.dockerClient.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("attaching to exec: %w", err)
	}
	c.log.Debugw("started exec", "ExecID", execResp.ID, "Cmd", cmd)

	p := &process{container: c, done: make(chan struct{})}
	start := time.Now()
	go func() {
		defer close(p.done)
		defer attach.Close()
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		timeMS := time.Since(start).Milliseconds()
		if err != nil && ctx.Err() == nil {
			p.err = fmt.Errorf("reading exec output: %w", err)
		}

		inspectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		inspect, err := c.dockerClient.ContainerExecInspect(inspectCtx, execResp.ID)
		if err != nil {
			p.res = &driver.Result{ExitCode: -1, TimeMS: timeMS}
			if p.err == nil {
				p.err = fmt.Errorf("inspecting exec: %w", err)
			}
			return
		}
		p.res = &driver.Result{ExitCode: inspect.ExitCode, TimeMS: timeMS}
	}()

	// kill the process if the context is canceled
	go func() {
		select {
		case <-ctx.Done():
			killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.signalAll(killCtx, "KILL"); err != nil {
				c.log.Debugf("error killing exec: %s", err)
			}
		case <-p.done:
		}
	}()

	return p, nil
}

// signalAll sends sig to every process in the container except the init process, which is
// the idle "tail" keeping the container alive.
func (c *Container) signalAll(ctx context.Context, sig string) error {
	execResp, err := c.dockerClient.ContainerExecCreate(ctx, c.containerID, types.ExecConfig{
		Cmd: []string{"sh", "-c", fmt.Sprintf("kill -s %s -1", sig)},
	})
	if err != nil {
		return fmt.Errorf("creating kill exec: %w", err)
	}
	return c.dockerClient.ContainerExecStart(ctx, execResp.ID, types.ExecStartCheck{})
}

func (c *Container) Remove(ctx context.Context) error {
	err := c.dockerClient.ContainerRemove(ctx, c.containerID, types.ContainerRemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil {
		return fmt.Errorf("removing container %q: %w", c.containerID, err)
	}
	return nil
}

type process struct {
	container *Container
	done      chan struct{}
	res       *driver.Result
	err       error
}

func (p *process) Wait(ctx context.Context) (*driver.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return p.res, p.err
	}
}

func (p *process) Signal(ctx context.Context, sig driver.Signal) error {
	switch sig {
	case driver.SignalInterrupt:
		return p.container.signalAll(ctx, "INT")
	case driver.SignalTerminate:
		return p.container.signalAll(ctx, "TERM")
	}
	return fmt.Errorf("unsupported signal %d", sig)
}
