// Package container runs commands with docker exec inside one long-lived container per session.
// The container is created on first use and removed when the session exits.
// Standard environment variables configure the Docker client (DOCKER_HOST etc.).
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/guseggert/replbridge/backend"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

// ID is the registry id of this backend.
const ID = "container"

// Settings keys.
const (
	SettingImage           = "image"
	SettingInterpreter     = "interpreter"
	SettingFileInterpreter = "file_interpreter"
	SettingWorkdir         = "workdir"
	SettingKeep            = "keep"
)

const (
	defaultImage           = "busybox"
	defaultInterpreter     = "sh -c"
	defaultFileInterpreter = "sh"
	defaultWorkdir         = "/work"
	rootLocale             = "."
	interruptText          = "KeyboardInterrupt\n"
	removeTimeout          = 10 * time.Second
)

var errInterrupted = errors.New("interrupted")

// dockerAPI is the part of the Docker client this backend uses.
type dockerAPI interface {
	ImagePull(ctx context.Context, ref string, options types.ImagePullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.ContainerCreateCreatedBody, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, config types.ExecConfig) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error)
}

// exitError reports a command that ran but exited non-zero.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

type Backend struct {
	log    *zap.SugaredLogger
	host   backend.Host
	opts   backend.Options
	docker dockerAPI

	image           string
	interpreter     []string
	fileInterpreter []string
	workdir         string
	keep            bool

	containerID string
	locales     map[string]bool
	current     string

	mu          sync.Mutex
	cancelExec  context.CancelFunc
	interrupted bool

	exited atomic.Bool
}

// Factory builds a Backend for the registry.
func Factory(host backend.Host, opts backend.Options) (backend.Backend, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	return New(host, opts, dockerClient)
}

func New(host backend.Host, opts backend.Options, docker dockerAPI) (*Backend, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	b := &Backend{
		log:             log.Named(ID),
		host:            host,
		opts:            opts,
		docker:          docker,
		image:           opts.Setting(SettingImage, defaultImage),
		interpreter:     strings.Fields(opts.Setting(SettingInterpreter, defaultInterpreter)),
		fileInterpreter: strings.Fields(opts.Setting(SettingFileInterpreter, defaultFileInterpreter)),
		workdir:         opts.Setting(SettingWorkdir, defaultWorkdir),
		keep:            opts.Setting(SettingKeep, "false") == "true",
		locales:         map[string]bool{rootLocale: true},
		current:         rootLocale,
	}
	if len(b.interpreter) == 0 || len(b.fileInterpreter) == 0 {
		return nil, errors.New("interpreter must not be empty")
	}
	if !path.IsAbs(b.workdir) {
		return nil, fmt.Errorf("workdir %q must be absolute", b.workdir)
	}
	if opts.Locale != "" {
		if _, err := b.localeDir(opts.Locale); err != nil {
			return nil, err
		}
		b.locales[opts.Locale] = true
		b.current = opts.Locale
	}
	return b, nil
}

func (b *Backend) ensureImagePulled(ctx context.Context) error {
	out, err := b.docker.ImagePull(ctx, b.image, types.ImagePullOptions{})
	if err != nil {
		if out != nil {
			out.Close()
		}
		return err
	}
	defer out.Close()
	if _, err := io.Copy(io.Discard, out); err != nil {
		return fmt.Errorf("reading Docker pull response: %w", err)
	}
	return nil
}

// ensureContainer creates and starts the session container on first use.
func (b *Backend) ensureContainer(ctx context.Context) (string, error) {
	if b.containerID != "" {
		return b.containerID, nil
	}
	if err := b.ensureImagePulled(ctx); err != nil {
		return "", fmt.Errorf("pulling image %q: %w", b.image, err)
	}
	name := "replbridge-" + uuid.NewString()[:8]
	resp, err := b.docker.ContainerCreate(ctx,
		&container.Config{
			Image:      b.image,
			Cmd:        []string{"sleep", "2147483647"},
			WorkingDir: b.workdir,
			Labels:     map[string]string{"replbridge": "session"},
		},
		&container.HostConfig{Init: boolPtr(true)},
		nil,
		nil,
		name,
	)
	if err != nil {
		return "", fmt.Errorf("creating Docker container: %w", err)
	}
	if err := b.docker.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		b.removeContainer(resp.ID)
		return "", fmt.Errorf("starting container %q: %w", resp.ID, err)
	}
	b.log.Infow("container started", "Name", name, "ID", resp.ID, "Image", b.image)
	b.containerID = resp.ID
	return resp.ID, nil
}

func boolPtr(v bool) *bool { return &v }

func (b *Backend) removeContainer(id string) {
	if b.keep {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	err := b.docker.ContainerRemove(ctx, id, types.ContainerRemoveOptions{RemoveVolumes: true, Force: true})
	if err != nil {
		b.log.Warnw("error removing container", "ID", id, "Error", err)
	}
}

// Start runs the launch file, if any. Failures are printed and do not stop the session.
func (b *Backend) Start(ctx context.Context) error {
	if b.opts.LaunchFile == "" {
		return nil
	}
	err := b.exec(ctx, append(append([]string(nil), b.fileInterpreter...), b.opts.LaunchFile))
	if err != nil {
		b.log.Warnw("launch file failed", "File", b.opts.LaunchFile, "Error", err)
		return b.host.WriteStderr(fmt.Sprintf("error in launch file %s: %s\n", b.opts.LaunchFile, err))
	}
	return nil
}

func (b *Backend) RunCommand(ctx context.Context, code string) error {
	return b.runAndReport(ctx, append(append([]string(nil), b.interpreter...), code))
}

// ExecuteFile runs a file that already exists inside the container.
func (b *Backend) ExecuteFile(ctx context.Context, file, args string) error {
	argv := append(append([]string(nil), b.fileInterpreter...), file)
	return b.runAndReport(ctx, append(argv, strings.Fields(args)...))
}

func (b *Backend) runAndReport(ctx context.Context, argv []string) error {
	var err error
	if b.exited.Load() {
		err = errors.New("backend has exited")
	} else {
		err = b.exec(ctx, argv)
	}

	var exitErr *exitError
	switch {
	case err == nil:
	case errors.Is(err, errInterrupted):
		if werr := b.host.WriteStderr(interruptText); werr != nil {
			return werr
		}
	case errors.As(err, &exitErr):
		b.log.Debugw("exec failed", "ExitCode", exitErr.code)
		if werr := b.host.SendError(); werr != nil {
			return werr
		}
	default:
		if werr := b.host.WriteStderr(err.Error() + "\n"); werr != nil {
			return werr
		}
		if werr := b.host.SendError(); werr != nil {
			return werr
		}
	}
	return b.host.SendDone()
}

// exec runs argv in the current locale and streams its output until it exits or is interrupted.
func (b *Backend) exec(ctx context.Context, argv []string) error {
	id, err := b.ensureContainer(ctx)
	if err != nil {
		return err
	}
	dir, err := b.localeDir(b.current)
	if err != nil {
		return err
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.mu.Lock()
	b.cancelExec = cancel
	b.interrupted = false
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.cancelExec = nil
		b.mu.Unlock()
	}()

	created, err := b.docker.ContainerExecCreate(execCtx, id, types.ExecConfig{
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   dir,
		Cmd:          argv,
	})
	if err != nil {
		return b.interruptedOr(fmt.Errorf("creating exec: %w", err))
	}
	resp, err := b.docker.ContainerExecAttach(execCtx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return b.interruptedOr(fmt.Errorf("attaching to exec: %w", err))
	}
	defer resp.Close()

	// the hijacked connection ignores ctx, so close it to unblock the copy
	copyDone := make(chan struct{})
	go func() {
		select {
		case <-execCtx.Done():
			resp.Close()
		case <-copyDone:
		}
	}()
	_, err = stdcopy.StdCopy(&hostWriter{write: b.host.WriteStdout}, &hostWriter{write: b.host.WriteStderr}, resp.Reader)
	close(copyDone)
	if err != nil {
		return b.interruptedOr(fmt.Errorf("reading exec output: %w", err))
	}
	if b.isInterrupted() {
		return errInterrupted
	}

	inspect, err := b.docker.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return fmt.Errorf("inspecting exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return &exitError{code: inspect.ExitCode}
	}
	return nil
}

func (b *Backend) isInterrupted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interrupted
}

func (b *Backend) interruptedOr(err error) error {
	if b.isInterrupted() {
		return errInterrupted
	}
	return err
}

// InterruptMain cancels the running exec.
func (b *Backend) InterruptMain() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelExec == nil {
		return
	}
	b.interrupted = true
	b.cancelExec()
}

func (b *Backend) ExitProcess() {
	if !b.exited.CompareAndSwap(false, true) {
		return
	}
	b.InterruptMain()
	if b.containerID != "" {
		b.removeContainer(b.containerID)
	}
	if err := b.host.SendExit(); err != nil {
		b.log.Debugw("error sending exit", "Error", err)
	}
}

func (b *Backend) Flush() {}

func (b *Backend) GetMembers(ctx context.Context, expr string) (backend.MemberInfo, error) {
	return backend.MemberInfo{}, backend.ErrUnsupported
}

func (b *Backend) GetSignatures(ctx context.Context, expr string) ([]backend.Signature, error) {
	return nil, backend.ErrUnsupported
}

// GetLocaleNames lists the working directories this session has used.
func (b *Backend) GetLocaleNames(ctx context.Context) ([]backend.LocaleInfo, error) {
	locs := make([]backend.LocaleInfo, 0, len(b.locales))
	for name := range b.locales {
		dir, _ := b.localeDir(name)
		locs = append(locs, backend.LocaleInfo{Name: name, File: dir})
	}
	sort.Slice(locs, func(i, j int) bool { return locs[i].Name < locs[j].Name })
	return locs, nil
}

// SetCurrentLocale switches the working directory. New locales are created with mkdir -p when next used.
func (b *Backend) SetCurrentLocale(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	dir, err := b.localeDir(name)
	if err != nil {
		return err
	}
	if b.locales[name] {
		b.current = name
		return nil
	}
	if err := b.exec(ctx, []string{"mkdir", "-p", dir}); err != nil {
		return fmt.Errorf("creating locale %q: %w", name, err)
	}
	b.locales[name] = true
	b.current = name
	return b.host.SendLocalesChanged()
}

func (b *Backend) localeDir(name string) (string, error) {
	switch {
	case name == rootLocale:
		return b.workdir, nil
	case name == "", name == "..", strings.ContainsAny(name, `/\`):
		return "", fmt.Errorf("invalid locale name %q", name)
	}
	return path.Join(b.workdir, name), nil
}

func (b *Backend) SetCurrentThreadAndFrame(ctx context.Context, thread, frame, kind int64) error {
	return backend.ErrUnsupported
}

func (b *Backend) AttachProcess(ctx context.Context, port int32, id string) error {
	return backend.ErrUnsupported
}

type hostWriter struct {
	write func(string) error
}

func (w *hostWriter) Write(p []byte) (int, error) {
	if err := w.write(string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
