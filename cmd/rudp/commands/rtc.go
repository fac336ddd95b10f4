package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/rudp/internal/registry"
	"github.com/1ureka/rudp/internal/rtc"
	"github.com/1ureka/rudp/internal/signaling"
	"github.com/1ureka/rudp/internal/util"
)

var (
	wsListenFlag string
	wsURLFlag    string
)

var rtcCmd = &cobra.Command{
	Use:   "rtc",
	Short: "Run the TCP tunnel over a WebRTC DataChannel instead of a UDP socket",
}

var rtcHostCmd = &cobra.Command{
	Use:   "host",
	Short: "Wait for a peer on a WebSocket signaling server, then forward --target",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		target, err := tunnelTarget()
		if err != nil {
			return err
		}

		conn, err := signaling.Host(ctx, wsListenFlag, rtcOptions(), printInvite)
		if err != nil {
			return fmt.Errorf("failed to establish DataChannel: %w", err)
		}

		r := registry.New(conn, cfg.Registry)
		defer r.Close()

		startStats(ctx)
		return serveHost(ctx, r, target)
	},
}

var rtcJoinCmd = &cobra.Command{
	Use:   "join [ws-url]",
	Short: "Join a host's signaling URL and expose its service on --local",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		raw := wsURLFlag
		if len(args) == 1 {
			raw = args[0]
		}
		wsURL, err := resolveURL(raw)
		if err != nil {
			return err
		}

		conn, err := signaling.Join(ctx, wsURL, rtcOptions())
		if err != nil {
			return fmt.Errorf("failed to establish DataChannel: %w", err)
		}

		r := registry.New(conn, cfg.Registry)
		defer r.Close()

		s, err := r.ConnectAddr(ctx, conn.RemoteAddr(), 0)
		if err != nil {
			return fmt.Errorf("connect over DataChannel: %w", err)
		}

		startStats(ctx)
		return runClient(ctx, s)
	},
}

func init() {
	rtcHostCmd.Flags().StringVar(&targetFlag, "target", "", "TCP service to forward to, e.g. 127.0.0.1:8080")
	rtcHostCmd.Flags().StringVar(&wsListenFlag, "ws-listen", "127.0.0.1:0", "signaling server address")

	rtcJoinCmd.Flags().StringVar(&wsURLFlag, "ws-url", "", "the host's signaling URL, including ?pin=")
	rtcJoinCmd.Flags().StringVar(&localFlag, "local", "", "local TCP address for the virtual service")

	rtcCmd.AddCommand(rtcHostCmd, rtcJoinCmd)
}

// rtcOptions turns the configured STUN servers into ICE server URLs.
func rtcOptions() rtc.Options {
	servers := make([]string, 0, len(cfg.Registry.STUNServers))
	for _, s := range cfg.Registry.STUNServers {
		if !strings.HasPrefix(s, "stun:") {
			s = "stun:" + s
		}
		servers = append(servers, s)
	}
	return rtc.Options{STUNServers: servers}
}

func printInvite(inv signaling.Invite) {
	pterm.DefaultBox.WithTitle("WebSocket Signaling Server").Println(
		fmt.Sprintf("Port : %d\nPIN  : %s\nURL  : %s\n\nForward this port (e.g. VS Code Port Forwarding)\nand share the URL with the PIN.",
			inv.Addr.Port, inv.PIN, inv.URL("")))
	util.LogInfo("waiting for a peer...")
}

// resolveURL normalizes raw, prompting for it when it is empty.
func resolveURL(raw string) (string, error) {
	if raw != "" {
		return signaling.NormalizeURL(raw)
	}
	for range 3 {
		input, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("WebSocket URL (e.g. wss://***.asse.devtunnels.ms/ws?pin=123456)").
			Show()
		pterm.Println()

		wsURL, err := signaling.NormalizeURL(input)
		if err == nil {
			return wsURL, nil
		}
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
	return "", errors.New("no signaling URL given")
}
