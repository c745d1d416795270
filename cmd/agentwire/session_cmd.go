package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/danmuck/agentwire/internal/admin"
	"github.com/danmuck/agentwire/internal/config"
	"github.com/danmuck/agentwire/internal/protocol"
	"github.com/danmuck/agentwire/internal/protocol/runner"
	"github.com/danmuck/agentwire/internal/protocol/session"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// sessionFlags are the flags shared by listen and dial. A flag the user set
// overrides the config file; an unset flag leaves the file or default value.
type sessionFlags struct {
	configPath string
	host       string
	port       int
	marker     string
	publishKey string
	portFile   string
	adminAddr  string
	reconnect  bool
}

func (f *sessionFlags) register(cmd *cobra.Command, hostHelp, portHelp string) {
	fs := cmd.Flags()
	fs.StringVarP(&f.configPath, "config", "c", "", "config file (.toml, .yaml or .yml)")
	fs.StringVar(&f.host, "host", "", hostHelp)
	fs.IntVarP(&f.port, "port", "p", 0, portHelp)
	fs.StringVar(&f.marker, "eom", "", "end-of-message marker")
	fs.StringVar(&f.publishKey, "publish-key", "", "environment key carrying the remote client's port")
	fs.StringVar(&f.portFile, "port-file", "", "file carrying the remote client's port")
	fs.StringVar(&f.adminAddr, "admin", "", "admin HTTP listen address (empty disables)")
	fs.BoolVar(&f.reconnect, "reconnect", false, "start a fresh session after each one ends")
}

func (f *sessionFlags) runtime(cmd *cobra.Command, role session.Role) (config.Runtime, error) {
	rt := config.Default(role)
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return config.Runtime{}, err
		}
		if loaded.Role != role {
			return config.Runtime{}, fmt.Errorf("%w: %s is a %s config", protocol.ErrWrongRole, f.configPath, loaded.Role)
		}
		rt = loaded
	}

	changed := cmd.Flags().Changed
	s := &rt.Session
	if changed("host") {
		if role == session.RoleRemoteClient {
			s.ListenHost = strings.TrimSpace(f.host)
		} else {
			s.RemoteHost = strings.TrimSpace(f.host)
		}
	}
	if changed("port") {
		if role == session.RoleRemoteClient {
			s.ListenPort = f.port
		} else {
			s.RemotePort = f.port
		}
	}
	if changed("eom") {
		s.Marker = f.marker
	}
	if changed("publish-key") {
		s.PublishKey = strings.TrimSpace(f.publishKey)
	}
	if changed("port-file") {
		s.PortFile = strings.TrimSpace(f.portFile)
	}
	if changed("admin") {
		rt.AdminListenAddr = strings.TrimSpace(f.adminAddr)
	}
	if changed("reconnect") {
		rt.Reconnect = f.reconnect
	}
	return rt, nil
}

// serve runs sessions from build until they end or ctx is cancelled, with
// the admin server alongside when configured.
func serve(ctx context.Context, rt config.Runtime, build func() (*runner.Runner, error)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	var adm *admin.Server
	if rt.AdminListenAddr != "" {
		adm = admin.New("agentwire-"+rt.Role.String(), rt.AdminListenAddr, rt.CorsOrigins)
		g.Go(func() error { return adm.Serve(ctx) })
	}
	tracked := func() (*runner.Runner, error) {
		r, err := build()
		if err == nil && adm != nil {
			adm.Track(r)
		}
		return r, err
	}

	g.Go(func() error {
		defer cancel()
		if rt.Reconnect {
			return runner.Supervise(ctx, rt.Restart, tracked)
		}
		r, err := tracked()
		if err != nil {
			return err
		}
		if err := r.Run(ctx); err != nil {
			return err
		}
		if cause, ok := r.Protocol().TerminalCause(); ok {
			return fmt.Errorf("%w: %s", runner.ErrSessionTerminated, cause.Description())
		}
		return nil
	})
	return g.Wait()
}

func newListenCmd() *cobra.Command {
	var (
		flags     sessionFlags
		ack       bool
		ephemeral bool
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Run the remote-client end and wait for a controller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := flags.runtime(cmd, session.RoleRemoteClient)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("ephemeral") {
				rt.Session.EphemeralListen = ephemeral
			}
			out := cmd.OutOrStdout()
			return serve(cmd.Context(), rt, func() (*runner.Runner, error) {
				rs, err := session.NewRemoteClient(rt.Session)
				if err != nil {
					return nil, err
				}
				agent := &agentHandler{out: out, ack: ack}
				rr, err := runner.NewRemote(rs, agent, rt.Runner)
				if err != nil {
					rs.Close()
					return nil, err
				}
				agent.runner = rr
				rr.AddListener(&remoteConsole{out: out, rs: rs})
				if err := rs.Listen(); err != nil {
					rs.Close()
					return nil, err
				}
				fmt.Fprintf(out, "listening port=%d\n", rs.Port())
				return rr.Runner, nil
			})
		},
	}
	flags.register(cmd, "listen host (default all interfaces)", "first listen port")
	cmd.Flags().BoolVar(&ack, "ack", false, "answer dispatched work with running and an OK result")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "listen on an OS-chosen port instead of searching from --port")
	return cmd
}

func newDialCmd() *cobra.Command {
	var (
		flags    sessionFlags
		discover bool
		plan     dialPlan
		props    []string
	)
	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Run the controller end and dispatch work to a remote client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := flags.runtime(cmd, session.RoleLocalController)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("discover") {
				rt.Session.DiscoverPort = discover
			}
			plan.props, err = parseProps(props)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return serve(cmd.Context(), rt, func() (*runner.Runner, error) {
				cs, err := session.NewController(rt.Session)
				if err != nil {
					return nil, err
				}
				cr, err := runner.NewController(cs, rt.Runner)
				if err != nil {
					cs.Close()
					return nil, err
				}
				cr.AddListener(&controllerConsole{out: out, runner: cr, plan: plan})
				fmt.Fprintf(out, "dialing %s:%d\n", cs.RemoteHost(), cs.RemotePort())
				return cr.Runner, nil
			})
		},
	}
	flags.register(cmd, "remote client host", "first remote port to try")
	cmd.Flags().BoolVar(&discover, "discover", false, "read the remote port from --port-file or --publish-key")
	cmd.Flags().StringSliceVar(&props, "props", nil, "dispatch properties as key=value pairs")
	cmd.Flags().StringVar(&plan.file, "file", "", "dispatch a file path to the remote client")
	cmd.Flags().StringSliceVar(&plan.messages, "send", nil, "raw frames to send after connecting")
	cmd.Flags().BoolVar(&plan.once, "once", false, "send shutdown and exit after the first result")
	return cmd
}

func parseProps(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	props := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --props entry %q (want key=value)", pair)
		}
		props[k] = v
	}
	return props, nil
}
