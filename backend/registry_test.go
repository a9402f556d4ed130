package backend

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopBackend struct {
	Backend
	opts Options
}

func TestRegistry(t *testing.T) {
	factories := map[string]Factory{
		"standard": func(host Host, opts Options) (Backend, error) {
			return &nopBackend{opts: opts}, nil
		},
		"broken": func(host Host, opts Options) (Backend, error) {
			return nil, errors.New("no engine")
		},
	}
	r := NewRegistry(factories)
	// mutating the input after construction must not affect the registry
	delete(factories, "standard")

	assert.Equal(t, []string{"broken", "standard"}, r.IDs())
	assert.True(t, r.Has("standard"))

	b, err := r.New("", nil, Options{Locale: "base"})
	require.NoError(t, err)
	nb := b.(*nopBackend)
	assert.Equal(t, "base", nb.opts.Locale)
	assert.NotNil(t, nb.opts.Logger)

	_, err = r.New("python", nil, Options{})
	require.ErrorIs(t, err, ErrUnknownBackend)
	assert.ErrorContains(t, err, "broken, standard")

	_, err = r.New("broken", nil, Options{})
	assert.ErrorContains(t, err, "building broken backend: no engine")
}

func TestSortedMembers(t *testing.T) {
	members := SortedMembers(map[string]string{"upper": "func", "len": "int", "count": "func"})
	assert.Equal(t, []Member{
		{Name: "count", TypeName: "func"},
		{Name: "len", TypeName: "int"},
		{Name: "upper", TypeName: "func"},
	}, members)
}

func TestOptionsSetting(t *testing.T) {
	opts := Options{Settings: map[string]string{"image": "alpine:3", "empty": ""}}
	assert.Equal(t, "alpine:3", opts.Setting("image", "busybox"))
	assert.Equal(t, "busybox", opts.Setting("empty", "busybox"))
	assert.Equal(t, "sh", opts.Setting("interpreter", "sh"))
}
