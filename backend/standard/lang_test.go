package standard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatement(t *testing.T) {
	cases := []struct {
		line string
		want stmt
	}{
		{line: "", want: nil},
		{line: "   # comment", want: nil},
		{line: "x = 1", want: assignStmt{name: "x", value: intLit{v: 1}}},
		{line: "x = -1", want: assignStmt{name: "x", value: intLit{v: -1}}},
		{line: `s = "a\tb"`, want: assignStmt{name: "s", value: strLit{v: "a\tb"}}},
		{line: "emit('x' + y)", want: exprStmt{e: call{name: "emit", args: []expr{add{left: strLit{v: "x"}, right: ident{name: "y"}}}}}},
		{line: "(1 + 2)", want: exprStmt{e: add{left: intLit{v: 1}, right: intLit{v: 2}}}},
		{line: "f()", want: exprStmt{e: call{name: "f"}}},
	}
	for _, c := range cases {
		t.Run(c.line, func(t *testing.T) {
			got, err := parseStatement(c.line)
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestParseDef(t *testing.T) {
	st, err := parseStatement("def f(a, b = 'x' + 'y', *rest): a")
	require.NoError(t, err)
	def := st.(defStmt).fn
	assert.Equal(t, "f", def.name)
	require.Len(t, def.params, 2)
	assert.Equal(t, "'x' + 'y'", def.params[1].defaultSrc)
	assert.Equal(t, "rest", def.varArgs)
	assert.Equal(t, ident{name: "a"}, def.body)
	assert.Equal(t, "a", def.bodySrc)
}

func TestParseErrors(t *testing.T) {
	for _, line := range []string{
		"'unterminated",
		"emit(",
		"x = ",
		"1 2",
		"def f(a=1, b): a",
		"def f(*r, a): a",
		"def (a): a",
		"x = $",
	} {
		t.Run(line, func(t *testing.T) {
			_, err := parseStatement(line)
			assert.Error(t, err)
		})
	}
}
