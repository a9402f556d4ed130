// Package test holds helpers shared by backend and agent tests.
package test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
)

// Integration skips t unless REPLBRIDGE_INTEGRATION is set.
func Integration(t *testing.T) {
	t.Helper()
	if os.Getenv("REPLBRIDGE_INTEGRATION") == "" {
		t.Skip("set REPLBRIDGE_INTEGRATION=1 to run integration tests")
	}
}

// HostEvent is one call a backend made on a Host.
type HostEvent struct {
	Kind string
	Text string
}

func (e HostEvent) String() string {
	if e.Text == "" {
		return e.Kind
	}
	return fmt.Sprintf("%s(%q)", e.Kind, e.Text)
}

// Host is a backend.Host that records every call. Input lines are served from Lines in order.
type Host struct {
	mu     sync.Mutex
	events []HostEvent
	lines  chan string
	done   chan struct{}
	once   sync.Once
}

func NewHost(lines ...string) *Host {
	h := &Host{lines: make(chan string, len(lines)+16), done: make(chan struct{}, 64)}
	for _, l := range lines {
		h.lines <- l
	}
	return h
}

func (h *Host) record(kind, text string) error {
	h.mu.Lock()
	h.events = append(h.events, HostEvent{Kind: kind, Text: text})
	h.mu.Unlock()
	return nil
}

// Events returns a copy of everything recorded so far.
func (h *Host) Events() []HostEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HostEvent(nil), h.events...)
}

// Kinds returns the recorded event kinds, merging adjacent stdout or stderr writes.
func (h *Host) Kinds() []string {
	var kinds []string
	for _, e := range h.Events() {
		if n := len(kinds); n > 0 && kinds[n-1] == e.Kind && (e.Kind == "stdout" || e.Kind == "stderr") {
			continue
		}
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// Stdout concatenates all stdout writes.
func (h *Host) Stdout() string { return h.join("stdout") }

// Stderr concatenates all stderr writes.
func (h *Host) Stderr() string { return h.join("stderr") }

func (h *Host) join(kind string) string {
	var sb strings.Builder
	for _, e := range h.Events() {
		if e.Kind == kind {
			sb.WriteString(e.Text)
		}
	}
	return sb.String()
}

// Count returns how many events of kind were recorded.
func (h *Host) Count(kind string) int {
	n := 0
	for _, e := range h.Events() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Reset forgets recorded events.
func (h *Host) Reset() {
	h.mu.Lock()
	h.events = nil
	h.mu.Unlock()
}

// Provide queues a line for the next ReadLine.
func (h *Host) Provide(line string) { h.lines <- line }

// Close makes pending and future ReadLine calls fail.
func (h *Host) Close() { h.once.Do(func() { close(h.lines) }) }

// DoneCh receives once per SendDone.
func (h *Host) DoneCh() <-chan struct{} { return h.done }

func (h *Host) WriteStdout(s string) error { return h.record("stdout", s) }
func (h *Host) WriteStderr(s string) error { return h.record("stderr", s) }

func (h *Host) SendDone() error {
	_ = h.record("done", "")
	select {
	case h.done <- struct{}{}:
	default:
	}
	return nil
}

func (h *Host) SendError() error          { return h.record("error", "") }
func (h *Host) SendExit() error           { return h.record("exit", "") }
func (h *Host) SendLocalesChanged() error { return h.record("locales", "") }
func (h *Host) SendDetach() error         { return h.record("detach", "") }
func (h *Host) SendImage(file string) error {
	return h.record("image", file)
}
func (h *Host) SendPNG(b []byte) error { return h.record("png", string(b)) }

func (h *Host) SendPrompt(ps1, ps2 string, updateAll bool) error {
	return h.record("prompt", fmt.Sprintf("%s|%s|%t", ps1, ps2, updateAll))
}

func (h *Host) SendDebugAttached(port int32, id string) error {
	return h.record("attached", fmt.Sprintf("%d:%s", port, id))
}

func (h *Host) ReadLine(ctx context.Context) (string, error) {
	_ = h.record("readline", "")
	select {
	case l, ok := <-h.lines:
		if !ok {
			return "", errors.New("input closed")
		}
		return l, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
