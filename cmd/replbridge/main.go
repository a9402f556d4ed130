package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/guseggert/replbridge/agent"
	"github.com/guseggert/replbridge/backend"
	"github.com/guseggert/replbridge/backend/container"
	"github.com/guseggert/replbridge/backend/process"
	"github.com/guseggert/replbridge/backend/standard"
	"github.com/guseggert/replbridge/client"
	"github.com/guseggert/replbridge/internal/logging"
	"github.com/urfave/cli/v2"
)

var backends = backend.NewRegistry(map[string]backend.Factory{
	standard.ID:  standard.Factory,
	process.ID:   process.Factory,
	container.ID: container.Factory,
})

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "replbridge",
		Usage: "bridges an interactive front-end to an execution backend",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "accept front-end connections and run one session at a time",
				Flags:  append(serveFlags(), agentFlags()...),
				Action: serve,
			},
			{
				Name:   "connect",
				Usage:  "connect out to a waiting front-end and run a single session",
				Flags:  append(connectFlags(), agentFlags()...),
				Action: connect,
			},
			{
				Name:   "client",
				Usage:  "a line-oriented front-end for a running agent",
				Flags:  clientFlags(),
				Action: runClient,
			},
			{
				Name:  "status",
				Usage: "print the status of an agent's HTTP control server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "http-addr",
						Usage:    "The agent's HTTP address.",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "tls-dir",
						Usage: "Directory holding the CA cert, if the control server uses TLS.",
					},
					&cli.DurationFlag{
						Name:  "wait",
						Usage: "How long to wait for the agent to come up.",
						Value: 5 * time.Second,
					},
				},
				Action: status,
			},
			{
				Name:  "backends",
				Usage: "list the available backends",
				Action: func(c *cli.Context) error {
					for _, id := range backends.IDs() {
						fmt.Fprintln(c.App.Writer, id)
					}
					return nil
				},
			},
			{
				Name:      "certs",
				Usage:     "generate a CA and a server cert for TLS",
				ArgsUsage: "DIR",
				Action: func(c *cli.Context) error {
					dir := c.Args().First()
					if dir == "" {
						return fmt.Errorf("certs needs a directory")
					}
					certs, err := agent.GenerateCerts()
					if err != nil {
						return err
					}
					if err := certs.WriteDir(dir); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "wrote certs to %s\n", dir)
					return nil
				},
			},
		},
	}
}

func status(c *cli.Context) error {
	l, err := logging.New("warn", true)
	if err != nil {
		return err
	}
	var opts []client.StatusClientOption
	scheme := "http"
	if dir := c.String("tls-dir"); dir != "" {
		certs, err := agent.LoadCerts(dir)
		if err != nil {
			return err
		}
		cfg, err := certs.ClientTLSConfig()
		if err != nil {
			return err
		}
		opts = append(opts, client.WithTLSClientConfig(cfg))
		scheme = "https"
	}
	sc := client.NewStatusClient(l, scheme+"://"+c.String("http-addr"), opts...)

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("wait"))
	defer cancel()
	if err := sc.WaitForServer(ctx); err != nil {
		return fmt.Errorf("waiting for agent: %w", err)
	}
	st, err := sc.Status(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}
