// Package backend defines the execution engine contract that a session drives, and the
// notifications an engine can send back to the front-end.
package backend

import (
	"context"
	"errors"
	"sort"
)

// ErrUnsupported is returned by backends for queries their engine cannot answer.
var ErrUnsupported = errors.New("operation not supported by backend")

// Backend is an execution engine bound to one session.
//
// The session never calls more than one method at a time, with two exceptions:
// InterruptMain and Flush may be called from the receive loop while any other method is running.
type Backend interface {
	// RunCommand executes code. The backend reports engine failures itself (stderr + Host.SendError)
	// and always finishes with Host.SendDone. A returned error is only logged.
	RunCommand(ctx context.Context, code string) error

	// ExecuteFile runs file with a whitespace-separated argument string, with the same reporting rules as RunCommand.
	ExecuteFile(ctx context.Context, file, args string) error

	// InterruptMain asks the running command to stop. It must not block.
	InterruptMain()

	// ExitProcess terminates the engine. It is called once, on exit or connection teardown.
	ExitProcess()

	GetMembers(ctx context.Context, expr string) (MemberInfo, error)
	GetSignatures(ctx context.Context, expr string) ([]Signature, error)
	GetLocaleNames(ctx context.Context) ([]LocaleInfo, error)
	SetCurrentLocale(ctx context.Context, name string) error
	SetCurrentThreadAndFrame(ctx context.Context, thread, frame, kind int64) error
	AttachProcess(ctx context.Context, port int32, id string) error

	// Flush pushes any buffered output to the front-end.
	Flush()
}

// Host is the front-end as seen from a backend.
// All methods are safe for concurrent use.
type Host interface {
	WriteStdout(s string) error
	WriteStderr(s string) error

	// SendDone marks the end of a RunCommand or ExecuteFile.
	SendDone() error
	// SendError marks the running command as failed. It precedes SendDone.
	SendError() error
	SendExit() error
	SendLocalesChanged() error
	SendPrompt(ps1, ps2 string, updateAll bool) error
	SendImage(file string) error
	SendPNG(b []byte) error
	SendDebugAttached(port int32, id string) error
	SendDetach() error

	// ReadLine asks the front-end for a line of input and blocks until it arrives,
	// ctx is done, or the connection goes away.
	ReadLine(ctx context.Context) (string, error)
}

// MemberInfo describes the members of an evaluated expression, each mapping member name to type name.
type MemberInfo struct {
	Name     string
	Instance map[string]string
	Type     map[string]string
}

// Member is a single (name, type) pair.
type Member struct {
	Name     string
	TypeName string
}

// SortedMembers returns m as pairs ordered by name.
func SortedMembers(m map[string]string) []Member {
	members := make([]Member, 0, len(m))
	for name, typeName := range m {
		members = append(members, Member{Name: name, TypeName: typeName})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
	return members
}

// LocaleInfo is a named evaluation context and the file it came from, if any.
type LocaleInfo struct {
	Name string
	File string
}

// SortLocales orders locales by name.
func SortLocales(l []LocaleInfo) {
	sort.Slice(l, func(i, j int) bool { return l[i].Name < l[j].Name })
}

// Signature describes one callable overload.
type Signature struct {
	Doc      string
	Args     []string
	VarArgs  string
	VarKw    string
	Defaults []string
}
