package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"github.com/uole/burrow"
	"github.com/uole/burrow/config"
	"github.com/uole/burrow/internal/utils"
	"github.com/uole/burrow/pkg/multiplex"
	"github.com/uole/burrow/pkg/unpacker"
	"github.com/uole/burrow/version"
)

const serviceTemplate = `
[Unit]
Description=%s reverse tunnel %s
After=network-online.target

[Service]
StartLimitInterval=5
StartLimitBurst=10
ExecStart=/usr/local/bin/%s %s -c %s
Restart=always
RestartSec=60

[Install]
WantedBy=multi-user.target
`

func setupLog(c config.Log) error {
	level, err := log.ParseLevel(c.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	if c.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func serverOptions(c *config.Server) ([]burrow.ServerOption, error) {
	listen, err := burrow.ParseSocket(c.Listen)
	if err != nil {
		return nil, err
	}
	adapters, err := unpacker.Build(c.Unpackers...)
	if err != nil {
		return nil, err
	}
	opts := []burrow.ServerOption{
		burrow.WithServerTransport(c.Transport),
		burrow.WithServerListen(listen),
		burrow.WithServerToken(c.Token),
		burrow.WithReadTimeout(c.ReadTimeout.Std()),
		burrow.WithMaxWaitTime(c.MaxWaitTime.Std()),
		burrow.WithHeartbeatTimeout(c.HeartbeatTimeout.Std()),
		burrow.WithHeartbeatInterval(c.HeartbeatInterval.Std()),
		burrow.WithPeekCeiling(c.PeekCeiling),
		burrow.WithPeekTimeout(c.PeekTimeout.Std()),
		burrow.WithAllowEncrypt(c.Encrypt),
		burrow.WithAcceptRate(c.AcceptRate, c.AcceptBurst),
		burrow.WithServerMultiplex(multiplex.WithLogger(log.WithField("component", "multiplex"))),
	}
	if len(adapters) > 0 {
		opts = append(opts, burrow.WithUnpackers(adapters...))
	}
	if len(c.Codecs) > 0 {
		opts = append(opts, burrow.WithCodecs(c.Codecs...))
	}
	return opts, nil
}

func clientOptions(c *config.Client) ([]burrow.ClientOption, error) {
	var target burrow.Socket
	server, err := burrow.ParseSocket(c.Server)
	if err != nil {
		return nil, err
	}
	bind, err := burrow.ParseSocket(c.Bind)
	if err != nil {
		return nil, err
	}
	if c.Target != "" {
		if target, err = burrow.ParseSocket(c.Target); err != nil {
			return nil, err
		}
	}
	return []burrow.ClientOption{
		burrow.WithClientServer(server),
		burrow.WithClientTransport(c.Transport),
		burrow.WithClientToken(c.Token),
		burrow.WithClientID(c.ClientID),
		burrow.WithClientName(c.Name),
		burrow.WithForward(bind, target),
		burrow.WithClientCodec(c.Codec),
		burrow.WithClientEncrypt(c.Encrypt),
		burrow.WithSessionOptions(burrow.SessionOptions{
			ReadTimeout:       c.ReadTimeout.Std(),
			MaxWaitTime:       c.MaxWaitTime.Std(),
			HeartbeatInterval: c.HeartbeatInterval.Std(),
			HeartbeatTimeout:  c.HeartbeatTimeout.Std(),
		}),
		burrow.WithBackoff(burrow.BackoffOptions{
			Min:    c.Backoff.Min.Std(),
			Max:    c.Backoff.Max.Std(),
			Factor: c.Backoff.Factor,
			Jitter: c.Backoff.Jitter,
		}),
		burrow.WithDialAttempts(c.DialAttempts),
		burrow.WithClientMultiplex(multiplex.WithLogger(log.WithField("component", "multiplex"))),
	}, nil
}

func runServer(ctx context.Context, c *config.Server) error {
	opts, err := serverOptions(c)
	if err != nil {
		return err
	}
	svr := burrow.NewServer(opts...)
	if err = svr.Listen(); err != nil {
		return err
	}
	p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		return svr.Serve(ctx)
	})
	if c.API != "" {
		p.Go(func(ctx context.Context) error {
			return svr.ServeAPI(ctx, c.API)
		})
	}
	return p.Wait()
}

func runClient(ctx context.Context, c *config.Client) error {
	opts, err := clientOptions(c)
	if err != nil {
		return err
	}
	return burrow.NewClient(nil, opts...).Run(ctx)
}

// override copies every explicitly set flag over the loaded config.
func override(cmd *cobra.Command, fields map[string][2]*string) {
	for name, f := range fields {
		if cmd.Flags().Changed(name) {
			*f[0] = *f[1]
		}
	}
}

func newServerCommand() *cobra.Command {
	var (
		path                     string
		listen, transport, token string
		api                      string
	)
	c := config.DefaultServer()
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Accept clients and expose their ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path != "" {
				if err := config.Decode(path, c); err != nil {
					return err
				}
			}
			override(cmd, map[string][2]*string{
				"listen":    {&c.Listen, &listen},
				"transport": {&c.Transport, &transport},
				"token":     {&c.Token, &token},
				"api":       {&c.API, &api},
			})
			if err := c.Validate(); err != nil {
				return err
			}
			if err := setupLog(c.Log); err != nil {
				return err
			}
			return runServer(cmd.Context(), c)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&path, "config", "c", "", "config file (yaml, toml or json)")
	flags.StringVar(&listen, "listen", c.Listen, "control socket")
	flags.StringVar(&transport, "transport", c.Transport, "control transport")
	flags.StringVar(&token, "token", "", "shared handshake token")
	flags.StringVar(&api, "api", "", "ops api listen address")
	return cmd
}

func newClientCommand() *cobra.Command {
	var (
		path                  string
		server, bind, target  string
		token, transport, cid string
	)
	c := config.DefaultClient()
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Register with a server and serve forwarded connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path != "" {
				if err := config.Decode(path, c); err != nil {
					return err
				}
			}
			override(cmd, map[string][2]*string{
				"server":    {&c.Server, &server},
				"bind":      {&c.Bind, &bind},
				"target":    {&c.Target, &target},
				"token":     {&c.Token, &token},
				"transport": {&c.Transport, &transport},
				"id":        {&c.ClientID, &cid},
			})
			if err := c.Validate(); err != nil {
				return err
			}
			if err := setupLog(c.Log); err != nil {
				return err
			}
			return runClient(cmd.Context(), c)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&path, "config", "c", "", "config file (yaml, toml or json)")
	flags.StringVar(&server, "server", c.Server, "server control socket")
	flags.StringVar(&transport, "transport", c.Transport, "control transport")
	flags.StringVar(&token, "token", "", "shared handshake token")
	flags.StringVar(&cid, "id", "", "stable client id")
	flags.StringVar(&bind, "bind", "", "socket exposed on the server")
	flags.StringVar(&target, "target", "", "local forward target, empty for socks only")
	return cmd
}

func newServiceCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:       "service {server|client}",
		Short:     "Print a systemd unit",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"server", "client"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "server" && args[0] != "client" {
				return errors.New("service role must be server or client")
			}
			if path == "" {
				path = "/etc/" + version.ProductName + "/" + args[0] + ".yaml"
			}
			fmt.Fprintf(cmd.OutOrStdout(), serviceTemplate, version.ProductName, args[0], version.ProductName, args[0], path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "config path written into ExecStart")
	return cmd
}

func newSecretCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "secret <token>",
		Short: "Encode a token for use in config files",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), utils.EncryptSecret(args[0]))
		},
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           version.ProductName,
		Short:         "NAT traversal reverse tunnel",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServerCommand(), newClientCommand(), newServiceCommand(), newSecretCommand())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.Error(err)
		stop()
		os.Exit(1)
	}
}
