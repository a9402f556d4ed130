package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/guseggert/replbridge/agent"
	"github.com/guseggert/replbridge/client"
	"github.com/guseggert/replbridge/internal/logging"
	"github.com/guseggert/replbridge/protocol"
	"github.com/guseggert/replbridge/registry"
	"github.com/urfave/cli/v2"
)

const defaultPS1 = ">>> "

func clientFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "addr",
			Usage: "The agent's address: host:port for TCP, or a ws:// or wss:// URL.",
		},
		&cli.StringSliceFlag{
			Name:  "registry-endpoints",
			Usage: "etcd endpoints to look the agent up in when --addr is not given.",
		},
		&cli.StringFlag{
			Name:  "service-name",
			Usage: "The service name to look up.",
			Value: "replbridge",
		},
		&cli.StringFlag{
			Name:  "tls-dir",
			Usage: "Directory of certs written by 'replbridge certs'.",
		},
	}
}

func runClient(c *cli.Context) error {
	log, err := logging.New("warn", true)
	if err != nil {
		return err
	}
	addr := c.String("addr")
	if addr == "" {
		if addr, err = lookupAgent(c); err != nil {
			return err
		}
	}

	var opts []client.Option
	opts = append(opts, client.WithLogger(log.Named("client")))
	if dir := c.String("tls-dir"); dir != "" {
		certs, err := agent.LoadCerts(dir)
		if err != nil {
			return err
		}
		cfg, err := certs.ClientTLSConfig()
		if err != nil {
			return err
		}
		opts = append(opts, client.WithTLSConfig(cfg))
	}

	var cl *client.Client
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		cl, err = client.DialWebSocket(c.Context, addr, opts...)
	} else {
		cl, err = client.Dial(c.Context, addr, opts...)
	}
	if err != nil {
		return err
	}
	defer cl.Close()

	// ^C aborts the running command instead of killing the front-end
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)
	go func() {
		for range sigs {
			_ = cl.Abort()
		}
	}()

	return newREPL(cl, os.Stdin, c.App.Writer, c.App.ErrWriter).run(c.Context)
}

func lookupAgent(c *cli.Context) (string, error) {
	endpoints := c.StringSlice("registry-endpoints")
	if len(endpoints) == 0 {
		return "", errors.New("either --addr or --registry-endpoints is required")
	}
	reg, err := registry.NewEtcd(endpoints)
	if err != nil {
		return "", err
	}
	defer reg.Close()
	eps, err := reg.Lookup(c.Context, c.String("service-name"))
	if err != nil {
		return "", err
	}
	for _, ep := range eps {
		if ep.Protocol != protocol.Version {
			continue
		}
		if ep.Addr == ep.HTTPAddr {
			scheme := "ws://"
			if c.String("tls-dir") != "" {
				scheme = "wss://"
			}
			return scheme + ep.HTTPAddr + "/session", nil
		}
		return ep.Addr, nil
	}
	return "", fmt.Errorf("no agent registered under %q", c.String("service-name"))
}

var errExited = errors.New("backend exited")

// repl reads commands from in, one per line, and prints what the session sends back.
// Lines starting with ':' are meta commands, see help.
type repl struct {
	c      *client.Client
	in     *bufio.Scanner
	out    io.Writer
	errOut io.Writer
	prompt client.Prompt
}

func newREPL(c *client.Client, in io.Reader, out, errOut io.Writer) *repl {
	return &repl{
		c:      c,
		in:     bufio.NewScanner(in),
		out:    out,
		errOut: errOut,
	}
}

const help = `:exec FILE [ARGS]   execute a file
:members EXPR       list the members of an expression
:sig EXPR           show the signatures of a callable
:locales            list locales
:locale NAME        switch locale
:exit               stop the backend and quit
`

func (r *repl) ps1() string {
	if strings.TrimSpace(r.prompt.PS1) == "" {
		return defaultPS1
	}
	return r.prompt.PS1
}

func (r *repl) run(ctx context.Context) error {
	for {
		fmt.Fprint(r.out, r.ps1())
		if !r.in.Scan() {
			if err := r.in.Err(); err != nil {
				return fmt.Errorf("reading input: %w", err)
			}
			// end of input, shut the backend down cleanly
			fmt.Fprintln(r.out)
			if err := r.c.Exit(); err != nil {
				return err
			}
			return r.ignoreExit(r.wait(ctx))
		}
		err := r.command(ctx, r.in.Text())
		if errors.Is(err, errExited) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (r *repl) ignoreExit(err error) error {
	if errors.Is(err, errExited) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (r *repl) command(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, ":") {
		if err := r.c.Run(line); err != nil {
			return err
		}
		return r.wait(ctx, protocol.TagDone)
	}

	cmd, arg, _ := strings.Cut(strings.TrimPrefix(line, ":"), " ")
	arg = strings.TrimSpace(arg)
	var err error
	switch cmd {
	case "exec":
		file, args, _ := strings.Cut(arg, " ")
		if err = r.c.ExecuteFile(file, args); err == nil {
			err = r.wait(ctx, protocol.TagDone)
		}
	case "members":
		if err = r.c.Members(arg); err == nil {
			err = r.wait(ctx, protocol.TagMemberResult, protocol.TagMemberError)
		}
	case "sig":
		if err = r.c.Signatures(arg); err == nil {
			err = r.wait(ctx, protocol.TagSignatureResult, protocol.TagSignatureError)
		}
	case "locales":
		if err = r.c.Locales(); err == nil {
			err = r.wait(ctx, protocol.TagLocaleList)
		}
	case "locale":
		// no reply unless the locale is new
		err = r.c.SetLocale(arg)
	case "exit":
		if err = r.c.Exit(); err == nil {
			err = r.wait(ctx)
		}
	default:
		fmt.Fprint(r.errOut, help)
	}
	return err
}

// wait prints events until one tagged with any of until arrives. An EXIT frame ends it with errExited.
func (r *repl) wait(ctx context.Context, until ...protocol.Tag) error {
	for {
		ev, err := r.c.Next(ctx)
		if err != nil {
			return err
		}
		switch ev.Tag {
		case protocol.TagStdout:
			fmt.Fprint(r.out, ev.Text)
		case protocol.TagStderr:
			fmt.Fprint(r.errOut, ev.Text)
		case protocol.TagPrompt:
			r.prompt = *ev.Prompt
		case protocol.TagImage:
			fmt.Fprintf(r.out, "[image %s]\n", ev.Text)
		case protocol.TagPNG:
			fmt.Fprintf(r.out, "[png, %d bytes]\n", len(ev.PNG))
		case protocol.TagReadLine:
			line := ""
			if r.in.Scan() {
				line = r.in.Text()
			}
			if err := r.c.Input(line); err != nil {
				return err
			}
		case protocol.TagMemberResult:
			r.printMembers(ev)
		case protocol.TagSignatureResult:
			for _, s := range ev.Signatures {
				fmt.Fprintf(r.out, "(%s)", strings.Join(s.Args, ", "))
				if s.Doc != "" {
					fmt.Fprintf(r.out, "  %s", s.Doc)
				}
				fmt.Fprintln(r.out)
			}
		case protocol.TagLocaleList:
			for _, l := range ev.Locales {
				fmt.Fprintf(r.out, "%s\t%s\n", l.Name, l.File)
			}
		case protocol.TagMemberError, protocol.TagSignatureError:
			fmt.Fprintln(r.errOut, "no information available")
		case protocol.TagDebugAttached:
			fmt.Fprintf(r.out, "[debugger %s attached on port %d]\n", ev.DebuggerID, ev.Port)
		case protocol.TagExited:
			return errExited
		}
		for _, t := range until {
			if ev.Tag == t {
				return nil
			}
		}
	}
}

func (r *repl) printMembers(ev client.Event) {
	for _, m := range []map[string]string{ev.Members.Instance, ev.Members.Type} {
		names := make([]string, 0, len(m))
		for name := range m {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(r.out, "%s\t%s\n", name, m[name])
		}
	}
}
