package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLevel(t *testing.T) {
	cases := []struct {
		name     string
		level    string
		envLevel string
		debug    string
		expected zapcore.Level
		err      bool
	}{
		{name: "default", expected: zapcore.InfoLevel},
		{name: "configured", level: "warn", expected: zapcore.WarnLevel},
		{name: "env overrides config", level: "warn", envLevel: "error", expected: zapcore.ErrorLevel},
		{name: "debug env wins", level: "warn", envLevel: "error", debug: "1", expected: zapcore.DebugLevel},
		{name: "invalid", level: "loud", err: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Setenv(LevelEnv, c.envLevel)
			t.Setenv(DebugEnv, c.debug)
			l, err := Level(c.level)
			if c.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expected, l)
		})
	}
}

func TestNew(t *testing.T) {
	t.Setenv(LevelEnv, "")
	t.Setenv(DebugEnv, "")
	for _, dev := range []bool{true, false} {
		l, err := New("debug", dev)
		require.NoError(t, err)
		assert.True(t, l.Desugar().Core().Enabled(zapcore.DebugLevel))
	}
	_, err := New("nope", false)
	assert.Error(t, err)
}
