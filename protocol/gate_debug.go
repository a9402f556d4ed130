//go:build replbridge_debug

package protocol

import (
	"bytes"
	"runtime"
	"strconv"
	"sync/atomic"
)

// reentryGuard remembers which goroutine holds the gate.
type reentryGuard struct {
	owner atomic.Uint64
}

func (g *reentryGuard) check() {
	if id := goroutineID(); id != 0 && g.owner.Load() == id {
		panic("protocol: Gate.Send called while the same goroutine holds the gate")
	}
}

func (g *reentryGuard) acquire() { g.owner.Store(goroutineID()) }

func (g *reentryGuard) release() { g.owner.Store(0) }

// goroutineID parses the current goroutine id out of the stack header ("goroutine 42 [running]:").
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
