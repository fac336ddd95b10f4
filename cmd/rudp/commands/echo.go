package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/rudp/internal/messaging"
	"github.com/1ureka/rudp/internal/session"
	"github.com/1ureka/rudp/internal/util"
)

var (
	listenFlag   string
	replyTimeout time.Duration
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Accept sessions and echo every message back",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		r, err := openRegistry(listenFlag)
		if err != nil {
			return err
		}
		defer r.Close()

		r.OnPeer(func(s *session.Session) {
			go echo(ctx, s)
		})

		startStats(ctx)
		<-ctx.Done()
		util.LogInfo("shutting down")
		return nil
	},
}

// echo returns each message on s to its sender until the session closes.
func echo(ctx context.Context, s *session.Session) {
	f := messaging.New(s, cfg.MaxMessageSize)
	for {
		msg, err := f.NextMessage(ctx)
		if err != nil {
			if !errors.Is(err, session.ErrSessionClosed) && ctx.Err() == nil {
				util.LogWarning("[%s] read: %v", s, err)
			}
			return
		}
		util.LogInfo("[%s] %d bytes: %q", s, len(msg), msg)
		if err := f.SendMessage(ctx, msg); err != nil {
			util.LogWarning("[%s] echo: %v", s, err)
			return
		}
	}
}

var dialCmd = &cobra.Command{
	Use:   "dial <host:port> [message...]",
	Short: "Connect to a listener and exchange messages (stdin lines when none are given)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		r, err := openRegistry(listenFlag)
		if err != nil {
			return err
		}
		defer r.Close()

		s, err := r.Connect(ctx, args[0], 0)
		if err != nil {
			return fmt.Errorf("connect %s: %w", args[0], err)
		}
		defer s.Close()
		pterm.Success.Println(fmt.Sprintf("session %s established", s))

		f := messaging.New(s, cfg.MaxMessageSize)
		exchange := func(msg string) error {
			if err := f.SendMessage(ctx, []byte(msg)); err != nil {
				return err
			}
			rctx, cancel := context.WithTimeout(ctx, replyTimeout)
			defer cancel()
			reply, err := f.NextMessage(rctx)
			if err != nil {
				return err
			}
			pterm.Println(string(reply))
			return nil
		}

		if len(args) > 1 {
			for _, msg := range args[1:] {
				if err := exchange(msg); err != nil {
					return err
				}
			}
			return nil
		}

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimRight(scanner.Text(), "\r")
			if err := exchange(line); err != nil {
				return err
			}
		}
		return scanner.Err()
	},
}

func init() {
	for _, c := range []*cobra.Command{listenCmd, dialCmd} {
		c.Flags().StringVarP(&listenFlag, "listen", "l", "", "local UDP address (default from config)")
	}
	dialCmd.Flags().DurationVar(&replyTimeout, "reply-timeout", 5*time.Second, "how long to wait for each echo")
}
