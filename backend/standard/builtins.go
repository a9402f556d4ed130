package standard

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/guseggert/replbridge/backend"
)

type builtin struct {
	sig     backend.Signature
	minArgs int
	maxArgs int
	call    func(b *Backend, ctx context.Context, args []value) (value, error)
}

// builtins is populated in init because the builtin bodies call back into the evaluator.
var builtins map[string]*builtin

// userError is raised by fail() and printed without decoration.
type userError struct{ msg string }

func (e userError) Error() string { return e.msg }

func init() {
	builtins = map[string]*builtin{
		"emit": {
			sig:     backend.Signature{Doc: "Write a value to stdout.", Args: []string{"value"}},
			minArgs: 1, maxArgs: 1,
			call: func(b *Backend, ctx context.Context, args []value) (value, error) {
				return none, b.writeStdout(args[0].String() + "\n")
			},
		},
		"write": {
			sig:     backend.Signature{Doc: "Write a value to stdout with no newline.", Args: []string{"value"}},
			minArgs: 1, maxArgs: 1,
			call: func(b *Backend, ctx context.Context, args []value) (value, error) {
				return none, b.writeStdout(args[0].String())
			},
		},
		"warn": {
			sig:     backend.Signature{Doc: "Write a value to stderr.", Args: []string{"value"}},
			minArgs: 1, maxArgs: 1,
			call: func(b *Backend, ctx context.Context, args []value) (value, error) {
				return none, b.writeStderr(args[0].String() + "\n")
			},
		},
		"fail": {
			sig:     backend.Signature{Doc: "Raise an error.", Args: []string{"message"}},
			minArgs: 1, maxArgs: 1,
			call: func(b *Backend, ctx context.Context, args []value) (value, error) {
				return none, userError{msg: args[0].String()}
			},
		},
		"input": {
			sig:     backend.Signature{Doc: "Read a line from the front-end.", Args: []string{"prompt"}, Defaults: []string{"''"}},
			minArgs: 0, maxArgs: 1,
			call: func(b *Backend, ctx context.Context, args []value) (value, error) {
				if len(args) == 1 && args[0].String() != "" {
					if err := b.writeStdout(args[0].String()); err != nil {
						return none, err
					}
				}
				b.Flush()
				line, err := b.host.ReadLine(ctx)
				if err != nil {
					return none, err
				}
				return strValue(line), nil
			},
		},
		"sleep": {
			sig:     backend.Signature{Doc: "Pause for a number of milliseconds.", Args: []string{"ms"}},
			minArgs: 1, maxArgs: 1,
			call: func(b *Backend, ctx context.Context, args []value) (value, error) {
				if args[0].kind != kindInt || args[0].num < 0 {
					return none, fmt.Errorf("sleep expects a non-negative int, got %s", args[0].typeName())
				}
				t := time.NewTimer(time.Duration(args[0].num) * time.Millisecond)
				defer t.Stop()
				select {
				case <-t.C:
					return none, nil
				case <-ctx.Done():
					return none, ctx.Err()
				}
			},
		},
		"locale": {
			sig:     backend.Signature{Doc: "Switch to a locale, creating it if needed.", Args: []string{"name"}},
			minArgs: 1, maxArgs: 1,
			call: func(b *Backend, ctx context.Context, args []value) (value, error) {
				return none, b.SetCurrentLocale(ctx, args[0].String())
			},
		},
		"prompt": {
			sig:     backend.Signature{Doc: "Change the front-end prompts.", Args: []string{"ps1", "ps2", "update_all"}, Defaults: []string{"0"}},
			minArgs: 2, maxArgs: 3,
			call: func(b *Backend, ctx context.Context, args []value) (value, error) {
				updateAll := len(args) == 3 && args[2].kind == kindInt && args[2].num != 0
				return none, b.host.SendPrompt(args[0].String(), args[1].String(), updateAll)
			},
		},
		"image": {
			sig:     backend.Signature{Doc: "Ask the front-end to display an image file.", Args: []string{"file"}},
			minArgs: 1, maxArgs: 1,
			call: func(b *Backend, ctx context.Context, args []value) (value, error) {
				b.Flush()
				return none, b.host.SendImage(args[0].String())
			},
		},
		"png": {
			sig:     backend.Signature{Doc: "Send the contents of a PNG file to the front-end.", Args: []string{"file"}},
			minArgs: 1, maxArgs: 1,
			call: func(b *Backend, ctx context.Context, args []value) (value, error) {
				data, err := os.ReadFile(args[0].String())
				if err != nil {
					return none, fmt.Errorf("reading image: %w", err)
				}
				b.Flush()
				return none, b.host.SendPNG(data)
			},
		},
		"len": {
			sig:     backend.Signature{Doc: "Length of a string.", Args: []string{"s"}},
			minArgs: 1, maxArgs: 1,
			call: func(b *Backend, ctx context.Context, args []value) (value, error) {
				if args[0].kind != kindStr {
					return none, fmt.Errorf("len expects a str, got %s", args[0].typeName())
				}
				return intValue(int64(len(args[0].str))), nil
			},
		},
		"str": {
			sig:     backend.Signature{Doc: "Convert a value to a string.", Args: []string{"value"}},
			minArgs: 1, maxArgs: 1,
			call: func(b *Backend, ctx context.Context, args []value) (value, error) {
				return strValue(args[0].String()), nil
			},
		},
		"int": {
			sig:     backend.Signature{Doc: "Parse an integer.", Args: []string{"value"}},
			minArgs: 1, maxArgs: 1,
			call: func(b *Backend, ctx context.Context, args []value) (value, error) {
				if args[0].kind == kindInt {
					return args[0], nil
				}
				n, err := strconv.ParseInt(args[0].String(), 10, 64)
				if err != nil {
					return none, fmt.Errorf("invalid int %q", args[0].String())
				}
				return intValue(n), nil
			},
		},
		"type": {
			sig:     backend.Signature{Doc: "Name of a value's type.", Args: []string{"value"}},
			minArgs: 1, maxArgs: 1,
			call: func(b *Backend, ctx context.Context, args []value) (value, error) {
				return strValue(args[0].typeName()), nil
			},
		},
	}
}
