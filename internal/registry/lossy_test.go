package registry_test

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/rudp/internal/messaging"
	"github.com/1ureka/rudp/internal/registry"
)

// lossyNetwork is a virtual LAN whose router drops datagrams with a fixed
// probability.
type lossyNetwork struct {
	router *vnet.Router
	a, b   net.PacketConn

	mu      sync.Mutex
	rnd     *rand.Rand
	loss    float64
	dropped atomic.Int64
}

func newLossyNetwork(t *testing.T, loss float64) *lossyNetwork {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	require.NoError(t, err)

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	require.NoError(t, err)
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	require.NoError(t, err)
	require.NoError(t, router.AddNet(netA))
	require.NoError(t, router.AddNet(netB))

	n := &lossyNetwork{router: router, rnd: rand.New(rand.NewPCG(42, uint64(loss*1000))), loss: loss}
	router.AddChunkFilter(n.filter)
	require.NoError(t, router.Start())
	t.Cleanup(func() { router.Stop() })

	n.a, err = netA.ListenPacket("udp4", "10.0.0.1:0")
	require.NoError(t, err)
	n.b, err = netB.ListenPacket("udp4", "10.0.0.2:0")
	require.NoError(t, err)
	return n
}

func (n *lossyNetwork) filter(vnet.Chunk) bool {
	n.mu.Lock()
	drop := n.rnd.Float64() < n.loss
	n.mu.Unlock()
	if drop {
		n.dropped.Add(1)
	}
	return !drop
}

// TestLossyLink connects and sends framed 4096-byte messages across a link
// that drops a fixed share of datagrams in both directions, and expects every
// message in order.
func TestLossyLink(t *testing.T) {
	if testing.Short() {
		t.Skip("lossy link runs on wall-clock timers")
	}

	for _, loss := range []float64{0, 0.05, 0.15} {
		t.Run(fmt.Sprintf("loss=%.0f%%", loss*100), func(t *testing.T) {
			nw := newLossyNetwork(t, loss)

			cfg := registry.DefaultConfig()
			cfg.Session.RetransmitInterval = 30 * time.Millisecond
			cfg.Session.StatusInterval = 50 * time.Millisecond

			a := registry.New(nw.a, cfg)
			b := registry.New(nw.b, cfg)
			t.Cleanup(func() { a.Close() })
			t.Cleanup(func() { b.Close() })
			accepted := acceptOne(b)

			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()

			sa, err := a.ConnectAddr(ctx, nw.b.LocalAddr(), 0)
			require.NoError(t, err)
			sb := waitSession(t, accepted)

			tx := messaging.New(sa, 0)
			rx := messaging.New(sb, 0)

			const count = 20
			errCh := make(chan error, 1)
			go func() {
				for i := 0; i < count; i++ {
					if err := tx.SendMessage(ctx, bytes.Repeat([]byte{byte(i)}, 4096)); err != nil {
						errCh <- err
						return
					}
				}
				errCh <- nil
			}()

			for i := 0; i < count; i++ {
				msg, err := rx.NextMessage(ctx)
				require.NoError(t, err)
				require.Len(t, msg, 4096)
				require.Equal(t, bytes.Repeat([]byte{byte(i)}, 4096), msg, "message %d", i)
			}
			require.NoError(t, <-errCh)

			if loss > 0 {
				require.Positive(t, nw.dropped.Load())
			}
		})
	}
}
