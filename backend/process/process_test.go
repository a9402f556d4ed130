package process

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/replbridge/backend"
	"github.com/guseggert/replbridge/internal/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T, settings map[string]string, lines ...string) (*Backend, *test.Host) {
	t.Helper()
	if settings == nil {
		settings = map[string]string{}
	}
	if _, ok := settings[SettingRoot]; !ok {
		settings[SettingRoot] = t.TempDir()
	}
	h := test.NewHost(lines...)
	t.Cleanup(h.Close)
	b, err := New(h, backend.Options{Settings: settings})
	require.NoError(t, err)
	return b, h
}

func TestRunCommand(t *testing.T) {
	cases := []struct {
		name   string
		code   string
		stdout string
		stderr string
		errors int
	}{
		{name: "stdout", code: "echo hi", stdout: "hi\n"},
		{name: "stderr without failure", code: "echo warn >&2", stderr: "warn\n"},
		{name: "non-zero exit", code: "echo oops >&2; exit 3", stderr: "oops\n", errors: 1},
		{name: "missing command", code: "definitely-not-a-command-xyz", errors: 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b, h := newBackend(t, nil)
			require.NoError(t, b.RunCommand(context.Background(), c.code))
			assert.Equal(t, c.stdout, h.Stdout())
			if c.stderr != "" {
				assert.Equal(t, c.stderr, h.Stderr())
			}
			assert.Equal(t, c.errors, h.Count("error"))
			kinds := h.Kinds()
			assert.Equal(t, "done", kinds[len(kinds)-1])
		})
	}
}

func TestBadInterpreter(t *testing.T) {
	b, h := newBackend(t, map[string]string{SettingInterpreter: "/nonexistent/interp -c"})
	require.NoError(t, b.RunCommand(context.Background(), "true"))
	assert.Contains(t, h.Stderr(), "starting /nonexistent/interp")
	assert.Equal(t, []string{"stderr", "error", "done"}, h.Kinds())
}

func TestInvalidSettings(t *testing.T) {
	for name, settings := range map[string]map[string]string{
		"stdin mode": {SettingStdin: "bytes"},
		"grace":      {SettingKillGrace: "soon"},
		"root":       {SettingRoot: "/nonexistent/root/dir"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(test.NewHost(), backend.Options{Settings: settings})
			assert.Error(t, err)
		})
	}
}

func TestInterrupt(t *testing.T) {
	b, h := newBackend(t, map[string]string{SettingKillGrace: "100ms"})
	errCh := make(chan error, 1)
	go func() { errCh <- b.RunCommand(context.Background(), "trap '' INT; sleep 30") }()

	deadline := time.After(10 * time.Second)
	for done := false; !done; {
		b.InterruptMain()
		select {
		case <-h.DoneCh():
			done = true
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("process was not interrupted")
		}
	}
	require.NoError(t, <-errCh)
	assert.Equal(t, interruptText, h.Stderr())
	assert.Equal(t, 0, h.Count("error"))
}

func TestStdinLines(t *testing.T) {
	b, h := newBackend(t, map[string]string{SettingStdin: "lines"}, "abc")
	require.NoError(t, b.RunCommand(context.Background(), "read x; echo got $x"))
	assert.Equal(t, "got abc\n", h.Stdout())
	assert.GreaterOrEqual(t, h.Count("readline"), 1)
}

func TestStdinFeederStopsBeforeDone(t *testing.T) {
	b, h := newBackend(t, map[string]string{SettingStdin: "lines"})
	for i := 0; i < 50; i++ {
		h.Reset()
		require.NoError(t, b.RunCommand(context.Background(), "true"))
		time.Sleep(2 * time.Millisecond)
		kinds := h.Kinds()
		require.Equal(t, "done", kinds[len(kinds)-1], "run %d: %v", i, h.Events())
	}
}

func TestLocales(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "proj"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, ".hidden"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "file"), nil, 0o644))
	b, h := newBackend(t, map[string]string{SettingRoot: root})
	ctx := context.Background()

	locs, err := b.GetLocaleNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []backend.LocaleInfo{
		{Name: ".", File: root},
		{Name: "proj", File: filepath.Join(root, "proj")},
	}, locs)

	require.NoError(t, b.SetCurrentLocale(ctx, "proj"))
	assert.Equal(t, 0, h.Count("locales"))
	require.NoError(t, b.RunCommand(ctx, `basename "$PWD"`))
	assert.Equal(t, "proj\n", h.Stdout())

	require.NoError(t, b.SetCurrentLocale(ctx, "fresh"))
	assert.Equal(t, 1, h.Count("locales"))
	assert.DirExists(t, filepath.Join(root, "fresh"))

	for _, bad := range []string{"../escape", "", "a/b", ".."} {
		assert.Error(t, b.SetCurrentLocale(ctx, bad), bad)
	}
}

func TestExecuteFile(t *testing.T) {
	root := t.TempDir()
	script := filepath.Join(root, "script.sh")
	require.NoError(t, os.WriteFile(script, []byte(`echo "$1-$2"`+"\n"), 0o644))
	b, h := newBackend(t, map[string]string{SettingRoot: root})

	require.NoError(t, b.ExecuteFile(context.Background(), script, "a  b"))
	assert.Equal(t, "a-b\n", h.Stdout())
	assert.Equal(t, []string{"stdout", "done"}, h.Kinds())
}

func TestLaunchFile(t *testing.T) {
	root := t.TempDir()
	launch := filepath.Join(root, "launch.sh")
	require.NoError(t, os.WriteFile(launch, []byte("echo ready\nexit 2\n"), 0o644))
	h := test.NewHost()
	b, err := New(h, backend.Options{LaunchFile: launch, Settings: map[string]string{SettingRoot: root}})
	require.NoError(t, err)

	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, "ready\n", h.Stdout())
	assert.Contains(t, h.Stderr(), "error in launch file")
	assert.Equal(t, 0, h.Count("done"))
}

func TestUnsupportedQueries(t *testing.T) {
	b, _ := newBackend(t, nil)
	ctx := context.Background()
	_, err := b.GetMembers(ctx, "x")
	assert.ErrorIs(t, err, backend.ErrUnsupported)
	_, err = b.GetSignatures(ctx, "x")
	assert.ErrorIs(t, err, backend.ErrUnsupported)
	assert.ErrorIs(t, b.AttachProcess(ctx, 1, "x"), backend.ErrUnsupported)
}

func TestExitProcess(t *testing.T) {
	b, h := newBackend(t, nil)
	b.ExitProcess()
	b.ExitProcess()
	assert.Equal(t, 1, h.Count("exit"))

	require.NoError(t, b.RunCommand(context.Background(), "echo hi"))
	assert.Empty(t, h.Stdout())
	assert.Equal(t, 1, h.Count("error"))
}
