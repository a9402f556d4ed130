package protocol

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTag(t *testing.T) {
	assert.Equal(t, "run ", TagRun.String())
	assert.Equal(t, "MRES", TagMemberResult.String())
	assert.Panics(t, func() { NewTag("toolong") })
}

func TestStringRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		enc      Encoding
		in       string
		expected string
	}{
		{name: "empty utf-8", enc: UTF8, in: "", expected: ""},
		{name: "plain utf-8", enc: UTF8, in: "emit('hi')", expected: "emit('hi')"},
		{name: "multibyte utf-8", enc: UTF8, in: "héllo, 世界", expected: "héllo, 世界"},
		{name: "plain ascii", enc: ASCII, in: "hello", expected: "hello"},
		{name: "ascii replaces non-ascii runes", enc: ASCII, in: "héllo 世界", expected: "h?llo ??"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			w := NewWriter(buf, c.enc)
			require.NoError(t, w.WriteString(c.in))
			assert.Equal(t, byte(c.enc), buf.Bytes()[0])

			r := NewReader(buf)
			s, err := r.ReadString()
			require.NoError(t, err)
			assert.Equal(t, c.expected, s)
			assert.Equal(t, 0, buf.Len())
		})
	}
}

func TestIntegersAreBigEndian(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewWriter(buf, UTF8)
	require.NoError(t, w.WriteInt32(1))
	require.NoError(t, w.WriteInt64(-2))
	assert.Equal(t, []byte{0, 0, 0, 1, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xfe}, buf.Bytes())

	r := NewReader(buf)
	i32, err := r.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(1), i32)
	i64, err := r.ReadInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(-2), i64)
}

func TestReadStringErrors(t *testing.T) {
	cases := []struct {
		name     string
		in       []byte
		expected string
		err      error
	}{
		{name: "negative length is empty", in: []byte{'U', 0xff, 0xff, 0xff, 0xff}, expected: ""},
		{name: "zero length is empty", in: []byte{'A', 0, 0, 0, 0}, expected: ""},
		{name: "unknown marker", in: []byte{'X', 0, 0, 0, 1, 'a'}, err: ErrBadMarker},
		{name: "too long", in: []byte{'U', 0x7f, 0, 0, 0}, err: ErrStringTooLong},
		{name: "truncated body", in: []byte{'U', 0, 0, 0, 5, 'a'}, err: io.ErrUnexpectedEOF},
		{name: "missing length", in: []byte{'U', 0}, err: io.ErrUnexpectedEOF},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s, err := NewReader(bytes.NewReader(c.in)).ReadString()
			if c.err != nil {
				require.ErrorIs(t, err, c.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expected, s)
		})
	}
}

func TestBytesRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	png := []byte{0x89, 'P', 'N', 'G', 0, 1, 2}
	require.NoError(t, NewWriter(buf, UTF8).WriteBytes(png))
	b, err := NewReader(buf).ReadBytes()
	require.NoError(t, err)
	assert.Equal(t, png, b)
}

func TestReadTagEOF(t *testing.T) {
	_, err := NewReader(bytes.NewReader(nil)).ReadTag()
	assert.ErrorIs(t, err, io.EOF)

	_, err = NewReader(bytes.NewReader([]byte("ru"))).ReadTag()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestAwaitTag(t *testing.T) {
	t.Run("idle timeout does not close the stream", func(t *testing.T) {
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		r := NewReader(server)
		_, err := r.AwaitTag(20 * time.Millisecond)
		require.ErrorIs(t, err, ErrIdle)

		go func() {
			_, _ = client.Write([]byte("locs"))
		}()
		tag, err := r.AwaitTag(time.Second)
		require.NoError(t, err)
		assert.Equal(t, TagLocales, tag)
	})

	t.Run("end of stream", func(t *testing.T) {
		client, server := net.Pipe()
		defer server.Close()
		require.NoError(t, client.Close())

		_, err := NewReader(server).AwaitTag(time.Second)
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("partial tag", func(t *testing.T) {
		client, server := net.Pipe()
		defer server.Close()
		go func() {
			_, _ = client.Write([]byte("ab"))
			client.Close()
		}()

		_, err := NewReader(server).AwaitTag(time.Second)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("streams without deadlines block", func(t *testing.T) {
		tag, err := NewReader(bytes.NewReader([]byte("abrt"))).AwaitTag(time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, TagAbort, tag)
	})
}

func TestParseEncoding(t *testing.T) {
	enc, err := ParseEncoding("ASCII")
	require.NoError(t, err)
	assert.Equal(t, ASCII, enc)

	enc, err = ParseEncoding("")
	require.NoError(t, err)
	assert.Equal(t, UTF8, enc)

	_, err = ParseEncoding("latin-1")
	assert.Error(t, err)
}
