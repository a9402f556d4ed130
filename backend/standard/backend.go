// Package standard is the built-in execution engine: a small line-oriented language with
// variables, functions, locales and interactive input, enough to drive every part of the protocol.
package standard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/guseggert/replbridge/backend"
	"go.uber.org/zap"
)

// ID is the registry id of this backend.
const ID = "standard"

const (
	baseLocale    = "base"
	maxCallDepth  = 100
	flushLimit    = 4096
	interruptText = "KeyboardInterrupt\n"
)

var errInterrupted = errors.New("interrupted")

type scope struct {
	vars   map[string]value
	parent *scope
}

func newScope(parent *scope) *scope {
	return &scope{vars: map[string]value{}, parent: parent}
}

func (s *scope) lookup(name string) (value, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if v, ok := cur.vars[name]; ok {
			return v, true
		}
	}
	return none, false
}

type locale struct {
	name  string
	file  string
	scope *scope
}

type attachment struct {
	port int32
	id   string
}

// Backend evaluates code for one session.
// Engine state is only touched by the session's executor; InterruptMain, Flush and ExitProcess may run concurrently.
type Backend struct {
	log  *zap.SugaredLogger
	host backend.Host
	opts backend.Options
	out  *outputBuffer

	locales map[string]*locale
	current *locale
	depth   int

	thread, frame, frameKind int64

	runMu       sync.Mutex
	cancelRun   context.CancelFunc
	interrupted bool
	debugger    *attachment

	exited atomic.Bool
}

// Factory builds a Backend for the registry.
func Factory(host backend.Host, opts backend.Options) (backend.Backend, error) {
	return New(host, opts), nil
}

func New(host backend.Host, opts backend.Options) *Backend {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	b := &Backend{
		log:     log.Named(ID),
		host:    host,
		opts:    opts,
		out:     newOutputBuffer(flushLimit, host.WriteStdout),
		locales: map[string]*locale{},
	}
	b.current = b.ensureLocale(baseLocale)
	if name := strings.TrimSpace(opts.Locale); name != "" {
		b.current = b.ensureLocale(name)
	}
	return b
}

func (b *Backend) ensureLocale(name string) *locale {
	if l, ok := b.locales[name]; ok {
		return l
	}
	l := &locale{name: name, scope: newScope(nil)}
	b.locales[name] = l
	return l
}

// Start runs the launch file, if any, in the base locale. Failures are printed and do not stop the session.
func (b *Backend) Start(ctx context.Context) error {
	if b.opts.LaunchFile == "" {
		return nil
	}
	code, err := os.ReadFile(b.opts.LaunchFile)
	if err == nil {
		ctx, done := b.beginRun(ctx)
		err = b.exec(ctx, b.locales[baseLocale], string(code), false)
		done()
	}
	b.Flush()
	if err != nil {
		if werr := b.host.WriteStderr(fmt.Sprintf("error in launch file %s: %s\n", b.opts.LaunchFile, err)); werr != nil {
			return werr
		}
		b.log.Warnw("launch file failed", "File", b.opts.LaunchFile, "Error", err)
	}
	return nil
}

func (b *Backend) RunCommand(ctx context.Context, code string) error {
	return b.runAndReport(ctx, func(ctx context.Context) error {
		return b.exec(ctx, b.current, code, true)
	})
}

func (b *Backend) ExecuteFile(ctx context.Context, file, args string) error {
	return b.runAndReport(ctx, func(ctx context.Context) error {
		code, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading %s: %w", file, err)
		}
		name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
		l, created := b.locales[name], false
		if l == nil {
			l, created = b.ensureLocale(name), true
		}
		l.file = file
		l.scope.vars["argv"] = strValue(args)
		if created {
			if err := b.host.SendLocalesChanged(); err != nil {
				return err
			}
		}
		return b.exec(ctx, l, string(code), false)
	})
}

// runAndReport runs f as one command. Engine errors go to stderr followed by ERRE; every command ends with DONE.
func (b *Backend) runAndReport(ctx context.Context, f func(ctx context.Context) error) error {
	var err error
	if b.exited.Load() {
		err = errors.New("backend has exited")
	} else {
		runCtx, done := b.beginRun(ctx)
		err = f(runCtx)
		done()
	}
	b.Flush()

	switch {
	case err == nil:
	case errors.Is(err, errInterrupted):
		if werr := b.host.WriteStderr(interruptText); werr != nil {
			return werr
		}
	default:
		b.log.Debugw("command failed", "Error", err)
		if werr := b.host.WriteStderr(err.Error() + "\n"); werr != nil {
			return werr
		}
		if werr := b.host.SendError(); werr != nil {
			return werr
		}
	}
	return b.host.SendDone()
}

func (b *Backend) beginRun(ctx context.Context) (context.Context, func()) {
	runCtx, cancel := context.WithCancel(ctx)
	b.runMu.Lock()
	b.cancelRun = cancel
	b.interrupted = false
	b.runMu.Unlock()
	return runCtx, func() {
		b.runMu.Lock()
		b.cancelRun = nil
		b.runMu.Unlock()
		cancel()
	}
}

func (b *Backend) isInterrupted() bool {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	return b.interrupted
}

// InterruptMain stops the running command at the next statement boundary, or immediately if it is sleeping or waiting for input.
func (b *Backend) InterruptMain() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.cancelRun == nil {
		b.log.Debug("interrupt with nothing running")
		return
	}
	b.interrupted = true
	b.cancelRun()
}

func (b *Backend) ExitProcess() {
	if !b.exited.CompareAndSwap(false, true) {
		return
	}
	b.InterruptMain()
	b.Flush()

	b.runMu.Lock()
	attached := b.debugger != nil
	b.debugger = nil
	b.runMu.Unlock()
	if attached {
		if err := b.host.SendDetach(); err != nil {
			b.log.Debugw("error sending detach", "Error", err)
		}
	}
	if err := b.host.SendExit(); err != nil {
		b.log.Debugw("error sending exit", "Error", err)
	}
}

func (b *Backend) Flush() {
	if err := b.out.flush(); err != nil {
		b.log.Debugw("error flushing stdout", "Error", err)
	}
}

func (b *Backend) writeStdout(s string) error {
	return b.out.write(s)
}

// writeStderr flushes pending stdout first so the front-end sees output in program order.
func (b *Backend) writeStderr(s string) error {
	if err := b.out.flush(); err != nil {
		return err
	}
	return b.host.WriteStderr(s)
}

func (b *Backend) GetMembers(ctx context.Context, expr string) (backend.MemberInfo, error) {
	e, err := parseExpression(expr)
	if err != nil {
		return backend.MemberInfo{}, fmt.Errorf("parsing %q: %w", expr, err)
	}
	if hasCall(e) {
		return backend.MemberInfo{}, fmt.Errorf("expression %q has calls", expr)
	}
	v, err := b.eval(ctx, b.current.scope, e)
	if err != nil {
		return backend.MemberInfo{}, err
	}
	return members(v), nil
}

func hasCall(e expr) bool {
	switch e := e.(type) {
	case call:
		return true
	case add:
		return hasCall(e.left) || hasCall(e.right)
	default:
		return false
	}
}

func (b *Backend) GetSignatures(ctx context.Context, expr string) ([]backend.Signature, error) {
	e, err := parseExpression(expr)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", expr, err)
	}
	id, ok := e.(ident)
	if !ok {
		return nil, fmt.Errorf("%q is not a name", expr)
	}
	fn, err := b.resolveFunc(b.current.scope, id.name)
	if err != nil {
		return nil, err
	}
	return []backend.Signature{fn.signature()}, nil
}

func (b *Backend) GetLocaleNames(ctx context.Context) ([]backend.LocaleInfo, error) {
	locs := make([]backend.LocaleInfo, 0, len(b.locales))
	for _, l := range b.locales {
		locs = append(locs, backend.LocaleInfo{Name: l.name, File: l.file})
	}
	sort.Slice(locs, func(i, j int) bool { return locs[i].Name < locs[j].Name })
	return locs, nil
}

func (b *Backend) SetCurrentLocale(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("locale name is empty")
	}
	_, exists := b.locales[name]
	b.current = b.ensureLocale(name)
	if !exists {
		return b.host.SendLocalesChanged()
	}
	return nil
}

func (b *Backend) SetCurrentThreadAndFrame(ctx context.Context, thread, frame, kind int64) error {
	b.thread, b.frame, b.frameKind = thread, frame, kind
	b.log.Debugw("selected frame", "Thread", thread, "Frame", frame, "Kind", kind)
	return nil
}

func (b *Backend) AttachProcess(ctx context.Context, port int32, id string) error {
	if !b.opts.EnableAttach {
		return errors.New("debugger attach is not enabled")
	}
	b.runMu.Lock()
	b.debugger = &attachment{port: port, id: id}
	b.runMu.Unlock()
	return b.host.SendDebugAttached(port, id)
}

// exec runs code line by line in l.
func (b *Backend) exec(ctx context.Context, l *locale, code string, echo bool) error {
	lines := strings.Split(strings.ReplaceAll(code, "\r\n", "\n"), "\n")
	for i, line := range lines {
		if b.isInterrupted() {
			return errInterrupted
		}
		st, err := parseStatement(line)
		if err == nil && st != nil {
			err = b.execStmt(ctx, l, st, echo)
		}
		if err != nil {
			if b.isInterrupted() {
				return errInterrupted
			}
			var uerr userError
			if !errors.As(err, &uerr) && len(lines) > 1 {
				return fmt.Errorf("line %d: %w", i+1, err)
			}
			return err
		}
	}
	return nil
}

func (b *Backend) execStmt(ctx context.Context, l *locale, st stmt, echo bool) error {
	switch st := st.(type) {
	case defStmt:
		l.scope.vars[st.fn.name] = value{kind: kindFunc, fn: &function{name: st.fn.name, def: st.fn}}
	case assignStmt:
		v, err := b.eval(ctx, l.scope, st.value)
		if err != nil {
			return err
		}
		l.scope.vars[st.name] = v
	case exprStmt:
		v, err := b.eval(ctx, l.scope, st.e)
		if err != nil {
			return err
		}
		if echo && v.kind != kindNone {
			return b.writeStdout(v.repr() + "\n")
		}
	}
	return nil
}

func (b *Backend) resolveFunc(s *scope, name string) (*function, error) {
	if v, ok := s.lookup(name); ok {
		if v.kind != kindFunc {
			return nil, fmt.Errorf("%q is not callable", name)
		}
		return v.fn, nil
	}
	if bi, ok := builtins[name]; ok {
		return &function{name: name, builtin: bi}, nil
	}
	return nil, fmt.Errorf("name %q is not defined", name)
}

func (b *Backend) eval(ctx context.Context, s *scope, e expr) (value, error) {
	switch e := e.(type) {
	case strLit:
		return strValue(e.v), nil
	case intLit:
		return intValue(e.v), nil
	case ident:
		if v, ok := s.lookup(e.name); ok {
			return v, nil
		}
		if _, ok := builtins[e.name]; ok {
			return value{kind: kindFunc, fn: &function{name: e.name, builtin: builtins[e.name]}}, nil
		}
		return none, fmt.Errorf("name %q is not defined", e.name)
	case add:
		left, err := b.eval(ctx, s, e.left)
		if err != nil {
			return none, err
		}
		right, err := b.eval(ctx, s, e.right)
		if err != nil {
			return none, err
		}
		switch {
		case left.kind == kindInt && right.kind == kindInt:
			return intValue(left.num + right.num), nil
		case left.kind == kindStr && right.kind == kindStr:
			return strValue(left.str + right.str), nil
		default:
			return none, fmt.Errorf("cannot add %s and %s", left.typeName(), right.typeName())
		}
	case call:
		fn, err := b.resolveFunc(s, e.name)
		if err != nil {
			return none, err
		}
		args := make([]value, 0, len(e.args))
		for _, a := range e.args {
			v, err := b.eval(ctx, s, a)
			if err != nil {
				return none, err
			}
			args = append(args, v)
		}
		return b.call(ctx, s, fn, args)
	default:
		return none, fmt.Errorf("unsupported expression %T", e)
	}
}

func (b *Backend) call(ctx context.Context, s *scope, fn *function, args []value) (value, error) {
	if err := ctx.Err(); err != nil {
		return none, err
	}
	if bi := fn.builtin; bi != nil {
		if len(args) < bi.minArgs || len(args) > bi.maxArgs {
			return none, fmt.Errorf("%s() takes %s, got %d", fn.name, arity(bi.minArgs, bi.maxArgs), len(args))
		}
		return bi.call(b, ctx, args)
	}

	def := fn.def
	required := 0
	for _, p := range def.params {
		if p.defaultVal == nil {
			required++
		}
	}
	if len(args) < required || (len(args) > len(def.params) && def.varArgs == "") {
		return none, fmt.Errorf("%s() takes %s, got %d", fn.name, arity(required, len(def.params)), len(args))
	}
	if b.depth >= maxCallDepth {
		return none, errors.New("maximum call depth exceeded")
	}
	b.depth++
	defer func() { b.depth-- }()

	local := newScope(b.globalScope(s))
	for i, p := range def.params {
		if i < len(args) {
			local.vars[p.name] = args[i]
			continue
		}
		v, err := b.eval(ctx, local, p.defaultVal)
		if err != nil {
			return none, err
		}
		local.vars[p.name] = v
	}
	if def.varArgs != "" {
		local.vars[def.varArgs] = intValue(int64(max(0, len(args)-len(def.params))))
	}
	return b.eval(ctx, local, def.body)
}

// globalScope returns the locale scope at the root of s.
func (b *Backend) globalScope(s *scope) *scope {
	for s.parent != nil {
		s = s.parent
	}
	return s
}

func arity(min, max int) string {
	if min == max {
		return fmt.Sprintf("%d arguments", min)
	}
	return fmt.Sprintf("%d to %d arguments", min, max)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
