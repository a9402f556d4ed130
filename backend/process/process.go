// Package process runs each command through an external interpreter subprocess.
//
// Every command gets its own process group so an interrupt reaches the whole tree.
// Locales are directories under a root: the current locale is the working directory of new processes.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/guseggert/replbridge/backend"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ID is the registry id of this backend.
const ID = "process"

// Settings keys.
const (
	SettingInterpreter     = "interpreter"
	SettingFileInterpreter = "file_interpreter"
	SettingRoot            = "root"
	SettingStdin           = "stdin"
	SettingKillGrace       = "kill_grace"
)

const (
	defaultInterpreter     = "sh -c"
	defaultFileInterpreter = "sh"
	defaultKillGrace       = 2 * time.Second
	rootLocale             = "."
	interruptText          = "KeyboardInterrupt\n"
)

var errInterrupted = errors.New("interrupted")

type Backend struct {
	log  *zap.SugaredLogger
	host backend.Host
	opts backend.Options

	interpreter     []string
	fileInterpreter []string
	root            string
	current         string
	stdinLines      bool
	grace           time.Duration

	mu          sync.Mutex
	proc        *os.Process
	interrupted bool

	exited atomic.Bool
}

// Factory builds a Backend for the registry.
func Factory(host backend.Host, opts backend.Options) (backend.Backend, error) {
	return New(host, opts)
}

func New(host backend.Host, opts backend.Options) (*Backend, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	b := &Backend{
		log:             log.Named(ID),
		host:            host,
		opts:            opts,
		interpreter:     strings.Fields(opts.Setting(SettingInterpreter, defaultInterpreter)),
		fileInterpreter: strings.Fields(opts.Setting(SettingFileInterpreter, defaultFileInterpreter)),
		current:         rootLocale,
		grace:           defaultKillGrace,
	}
	if len(b.interpreter) == 0 || len(b.fileInterpreter) == 0 {
		return nil, errors.New("interpreter must not be empty")
	}

	switch mode := opts.Setting(SettingStdin, "none"); mode {
	case "none":
	case "lines":
		b.stdinLines = true
	default:
		return nil, fmt.Errorf("invalid stdin mode %q, want none or lines", mode)
	}

	if g := opts.Setting(SettingKillGrace, ""); g != "" {
		d, err := time.ParseDuration(g)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", SettingKillGrace, err)
		}
		b.grace = d
	}

	root := opts.Setting(SettingRoot, "")
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working dir: %w", err)
		}
		root = wd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}
	if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", root)
	}
	b.root = root

	if opts.Locale != "" {
		dir, err := b.localeDir(opts.Locale)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating locale %q: %w", opts.Locale, err)
		}
		b.current = opts.Locale
	}
	return b, nil
}

// Start runs the launch file, if any. Failures are printed and do not stop the session.
func (b *Backend) Start(ctx context.Context) error {
	if b.opts.LaunchFile == "" {
		return nil
	}
	err := b.runProcess(ctx, append(append([]string(nil), b.fileInterpreter...), b.opts.LaunchFile))
	if err != nil {
		b.log.Warnw("launch file failed", "File", b.opts.LaunchFile, "Error", err)
		return b.host.WriteStderr(fmt.Sprintf("error in launch file %s: %s\n", b.opts.LaunchFile, err))
	}
	return nil
}

func (b *Backend) RunCommand(ctx context.Context, code string) error {
	argv := append(append([]string(nil), b.interpreter...), code)
	return b.runAndReport(ctx, argv)
}

func (b *Backend) ExecuteFile(ctx context.Context, file, args string) error {
	argv := append(append([]string(nil), b.fileInterpreter...), file)
	argv = append(argv, strings.Fields(args)...)
	return b.runAndReport(ctx, argv)
}

func (b *Backend) runAndReport(ctx context.Context, argv []string) error {
	var err error
	if b.exited.Load() {
		err = errors.New("backend has exited")
	} else {
		err = b.runProcess(ctx, argv)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.Is(err, errInterrupted):
		if werr := b.host.WriteStderr(interruptText); werr != nil {
			return werr
		}
	case errors.As(err, &exitErr):
		// the process already reported its own failure
		b.log.Debugw("process failed", "ExitCode", exitErr.ExitCode())
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

func (b *Backend) runProcess(ctx context.Context, argv []string) error {
	dir, err := b.localeDir(b.current)
	if err != nil {
		return err
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = &hostWriter{write: b.host.WriteStdout}
	cmd.Stderr = &hostWriter{write: b.host.WriteStderr}

	var stdin io.WriteCloser
	if b.stdinLines {
		if stdin, err = cmd.StdinPipe(); err != nil {
			return fmt.Errorf("opening stdin: %w", err)
		}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", argv[0], err)
	}
	b.mu.Lock()
	b.proc = cmd.Process
	b.interrupted = false
	b.mu.Unlock()
	b.log.Debugw("process started", "PID", cmd.Process.Pid, "Dir", dir)

	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()
	feedDone := make(chan struct{})
	if stdin != nil {
		go func() {
			defer close(feedDone)
			b.feedStdin(feedCtx, stdin)
		}()
	} else {
		close(feedDone)
	}

	// kill the process group if the context is canceled
	procExited := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			b.signal(cmd.Process.Pid, unix.SIGKILL)
		case <-procExited:
		}
	}()

	err = cmd.Wait()
	close(procExited)
	// the feeder must be gone before DONE, or it would ask for input nobody is waiting for
	stopFeed()
	<-feedDone

	b.mu.Lock()
	b.proc = nil
	interrupted := b.interrupted
	b.mu.Unlock()
	b.log.Debugw("process exited", "PID", cmd.Process.Pid, "ExitCode", cmd.ProcessState.ExitCode(), "TimeMS", time.Since(start).Milliseconds())

	if err != nil && interrupted {
		return errInterrupted
	}
	return err
}

// feedStdin forwards one front-end line per request until the process exits.
func (b *Backend) feedStdin(ctx context.Context, stdin io.WriteCloser) {
	defer stdin.Close()
	for {
		line, err := b.host.ReadLine(ctx)
		if err != nil {
			return
		}
		if _, err := io.WriteString(stdin, line+"\n"); err != nil {
			b.log.Debugf("stdin writer got error: %s", err)
			return
		}
	}
}

func (b *Backend) signal(pid int, sig syscall.Signal) {
	err := unix.Kill(-pid, sig)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		b.log.Debugw("error signaling process group", "PID", pid, "Signal", sig, "Error", err)
	}
}

// InterruptMain sends SIGINT to the running process group, then SIGKILL if it outlives the grace period.
func (b *Backend) InterruptMain() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.proc == nil {
		return
	}
	proc := b.proc
	b.interrupted = true
	b.signal(proc.Pid, unix.SIGINT)
	time.AfterFunc(b.grace, func() {
		b.mu.Lock()
		running := b.proc == proc
		b.mu.Unlock()
		if running {
			b.log.Debugw("process ignored interrupt, killing", "PID", proc.Pid)
			b.signal(proc.Pid, unix.SIGKILL)
		}
	})
}

func (b *Backend) ExitProcess() {
	if !b.exited.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	if b.proc != nil {
		b.interrupted = true
		b.signal(b.proc.Pid, unix.SIGKILL)
	}
	b.mu.Unlock()
	if err := b.host.SendExit(); err != nil {
		b.log.Debugw("error sending exit", "Error", err)
	}
}

// Flush is a no-op: output is forwarded as the process writes it.
func (b *Backend) Flush() {}

func (b *Backend) GetMembers(ctx context.Context, expr string) (backend.MemberInfo, error) {
	return backend.MemberInfo{}, backend.ErrUnsupported
}

func (b *Backend) GetSignatures(ctx context.Context, expr string) ([]backend.Signature, error) {
	return nil, backend.ErrUnsupported
}

func (b *Backend) GetLocaleNames(ctx context.Context) ([]backend.LocaleInfo, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", b.root, err)
	}
	locs := []backend.LocaleInfo{{Name: rootLocale, File: b.root}}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			locs = append(locs, backend.LocaleInfo{Name: e.Name(), File: filepath.Join(b.root, e.Name())})
		}
	}
	sort.Slice(locs, func(i, j int) bool { return locs[i].Name < locs[j].Name })
	return locs, nil
}

// SetCurrentLocale switches the working directory, creating it under the root if needed.
func (b *Backend) SetCurrentLocale(ctx context.Context, name string) error {
	dir, err := b.localeDir(name)
	if err != nil {
		return err
	}
	_, statErr := os.Stat(dir)
	if errors.Is(statErr, os.ErrNotExist) {
		if err := os.Mkdir(dir, 0o755); err != nil {
			return fmt.Errorf("creating locale %q: %w", name, err)
		}
		b.current = name
		return b.host.SendLocalesChanged()
	}
	if statErr != nil {
		return statErr
	}
	b.current = name
	return nil
}

func (b *Backend) localeDir(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == rootLocale:
		return b.root, nil
	case name == "", name == "..", strings.ContainsAny(name, `/\`):
		return "", fmt.Errorf("invalid locale name %q", name)
	}
	return filepath.Join(b.root, name), nil
}

func (b *Backend) SetCurrentThreadAndFrame(ctx context.Context, thread, frame, kind int64) error {
	return backend.ErrUnsupported
}

func (b *Backend) AttachProcess(ctx context.Context, port int32, id string) error {
	return backend.ErrUnsupported
}

// hostWriter turns process output into STDO or STDE frames.
type hostWriter struct {
	write func(string) error
}

func (w *hostWriter) Write(p []byte) (int, error) {
	if err := w.write(string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
