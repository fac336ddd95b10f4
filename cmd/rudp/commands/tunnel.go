package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/rudp/internal/config"
	"github.com/1ureka/rudp/internal/messaging"
	"github.com/1ureka/rudp/internal/registry"
	"github.com/1ureka/rudp/internal/session"
	"github.com/1ureka/rudp/internal/tunnel"
	"github.com/1ureka/rudp/internal/util"
)

var (
	targetFlag string
	localFlag  string
	peerFlag   string
)

var tunnelCmd = &cobra.Command{
	Use:   "tunnel",
	Short: "Forward a TCP service over a UDP session (role from the config without a subcommand)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		switch cfg.Tunnel.Role {
		case config.RoleHost:
			return tunnelHostCmd.RunE(cmd, args)
		case config.RoleClient:
			return tunnelClientCmd.RunE(cmd, args)
		default:
			return errors.New("set tunnel.role in the config or use \"tunnel host\" / \"tunnel client\"")
		}
	},
}

var tunnelHostCmd = &cobra.Command{
	Use:   "host",
	Short: "Expose a local TCP service to peers that dial this socket",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		target, err := tunnelTarget()
		if err != nil {
			return err
		}

		r, err := openRegistry(listenFlag)
		if err != nil {
			return err
		}
		defer r.Close()

		if self, err := r.Discover(ctx); err == nil {
			pterm.Info.Println(fmt.Sprintf("peers can dial %s", self))
		} else {
			util.LogWarning("%v", err)
		}

		startStats(ctx)
		return serveHost(ctx, r, target)
	},
}

var tunnelClientCmd = &cobra.Command{
	Use:   "client",
	Short: "Connect to a tunnel host and expose its service on a local port",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		peer := firstNonEmpty(peerFlag, cfg.Tunnel.Peer)
		if peer == "" {
			return errors.New("missing --peer (or tunnel.peer in the config)")
		}

		r, err := openRegistry(listenFlag)
		if err != nil {
			return err
		}
		defer r.Close()

		s, err := r.Connect(ctx, peer, 0)
		if err != nil {
			return fmt.Errorf("connect %s: %w", peer, err)
		}

		startStats(ctx)
		return runClient(ctx, s)
	},
}

func init() {
	tunnelHostCmd.Flags().StringVarP(&listenFlag, "listen", "l", "", "local UDP address (default from config)")
	tunnelHostCmd.Flags().StringVar(&targetFlag, "target", "", "TCP service to forward to, e.g. 127.0.0.1:8080")

	tunnelClientCmd.Flags().StringVarP(&listenFlag, "listen", "l", "", "local UDP address (default from config)")
	tunnelClientCmd.Flags().StringVar(&peerFlag, "peer", "", "the host's public UDP address")
	tunnelClientCmd.Flags().StringVar(&localFlag, "local", "", "local TCP address for the virtual service")

	tunnelCmd.AddCommand(tunnelHostCmd, tunnelClientCmd)
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// serveHost runs a host tunnel for every session a peer opens on r and
// blocks until ctx is done.
func serveHost(ctx context.Context, r *registry.Registry, target string) error {
	var wg sync.WaitGroup
	r.OnPeer(func(s *session.Session) {
		util.LogInfo("[%s] forwarding to %s", s, target)
		wg.Add(1)
		go func() {
			defer wg.Done()
			f := messaging.New(s, cfg.MaxMessageSize)
			if err := tunnel.RunAsHost(ctx, f, target); err != nil {
				util.LogWarning("[%s] tunnel: %v", s, err)
			}
			util.LogInfo("[%s] tunnel closed", s)
		}()
	})

	pterm.Success.Println(fmt.Sprintf("forwarding peer connections to %s", target))
	<-ctx.Done()
	r.Close()
	wg.Wait()
	return nil
}

// runClient exposes the tunnel on s at the local address.
func runClient(ctx context.Context, s *session.Session) error {
	local := firstNonEmpty(localFlag, cfg.Tunnel.Local)
	if local == "" {
		return errors.New("missing --local (or tunnel.local in the config)")
	}
	if _, _, err := net.SplitHostPort(local); err != nil {
		return fmt.Errorf("invalid local address %q: %w", local, err)
	}

	pterm.Success.Println(fmt.Sprintf("tunnel to %s established, serving on %s", s, local))
	f := messaging.New(s, cfg.MaxMessageSize)
	return tunnel.RunAsClient(ctx, f, local)
}

// tunnelTarget resolves the host's forwarding target from flags and config.
func tunnelTarget() (string, error) {
	target := firstNonEmpty(targetFlag, cfg.Tunnel.Target)
	if target == "" {
		return "", errors.New("missing --target (or tunnel.target in the config)")
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		return "", fmt.Errorf("invalid target %q: %w", target, err)
	}
	return target, nil
}
