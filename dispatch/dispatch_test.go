package dispatch

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/treeforest/easymesh/ledger"
	"github.com/treeforest/easymesh/registry"
	"github.com/treeforest/easymesh/rpc"
	"github.com/treeforest/easymesh/types"
)

type peer struct {
	ledger *ledger.Ledger
	addr   string
}

func newPeer(t *testing.T) *peer {
	l, err := ledger.Open(t.TempDir(), ledger.PolicyStrict)
	require.NoError(t, err)
	s, err := rpc.NewServer(l, registry.New(l.Nodes, ""))
	require.NoError(t, err)
	require.NoError(t, s.Listen("127.0.0.1:0"))
	t.Cleanup(func() {
		s.Stop()
		_ = l.Close()
	})
	return &peer{ledger: l, addr: s.Addr()}
}

func closedAddr(t *testing.T) string {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

func staticPeers(peers ...string) func() ([]string, error) {
	return func() ([]string, error) {
		return peers, nil
	}
}

// 一个对端不可达不影响其它对端
func TestBroadcastIsolation(t *testing.T) {
	p1, p2 := newPeer(t), newPeer(t)
	dead := closedAddr(t)

	b := New(staticPeers(p1.addr, dead, p2.addr), WithDialTimeout(time.Second))
	tx := types.Transaction{ID: "t1", From: "a", To: "b", Amount: 5}
	outcome, err := b.Broadcast(context.Background(), NewUnconfirmedTransaction(tx))
	require.NoError(t, err)
	require.Len(t, outcome, 3)

	failed := outcome.Failed()
	require.Len(t, failed, 1)
	require.True(t, errors.Is(failed[dead], rpc.ErrTransport))

	delivered := outcome.Delivered()
	require.ElementsMatch(t, []string{p1.addr, p2.addr}, delivered)

	for _, p := range []*peer{p1, p2} {
		pending, err := p.ledger.PendingTransactions()
		require.NoError(t, err)
		require.Equal(t, []types.Transaction{tx}, pending)
	}
}

func TestBroadcastOps(t *testing.T) {
	p := newPeer(t)
	b := New(staticPeers(p.addr))
	ctx := context.Background()

	tx := types.Transaction{ID: "t1"}
	block := types.NewBlock(1, 100, "genesis", []types.Transaction{tx})
	for _, op := range []Op{
		Ping(),
		NewUnconfirmedTransaction(tx),
		ConfirmTransaction(tx),
		NewBlock(*block),
		AddNode("127.0.0.1:9100"),
	} {
		outcome, err := b.Broadcast(ctx, op)
		require.NoError(t, err)
		require.Empty(t, outcome.Failed(), op.Name)
	}

	blocks, err := p.ledger.Blocks()
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	confirmed, err := p.ledger.ConfirmedTransactions()
	require.NoError(t, err)
	require.Equal(t, []types.Transaction{tx}, confirmed)
	pending, err := p.ledger.PendingTransactions()
	require.NoError(t, err)
	require.Empty(t, pending)
	nodes, err := p.ledger.Nodes.FindAll()
	require.NoError(t, err)
	require.Equal(t, []string{"127.0.0.1:9100"}, nodes)
}

func TestBroadcastInvalidPeer(t *testing.T) {
	p := newPeer(t)
	b := New(staticPeers("not-an-address", p.addr, p.addr))

	outcome, err := b.Broadcast(context.Background(), Ping())
	require.NoError(t, err)
	require.Len(t, outcome, 2)
	require.True(t, errors.Is(outcome["not-an-address"], rpc.ErrAddressParse))
	require.NoError(t, outcome[p.addr])
}

func TestBroadcastDiscoverFailed(t *testing.T) {
	b := New(func() ([]string, error) {
		return nil, errors.New("nodes.json broken")
	})
	outcome, err := b.Broadcast(context.Background(), Ping())
	require.Error(t, err)
	require.Nil(t, outcome)
}

func TestBroadcastNoPeers(t *testing.T) {
	b := New(staticPeers())
	outcome, err := b.Broadcast(context.Background(), Ping())
	require.NoError(t, err)
	require.Empty(t, outcome)
	require.Empty(t, outcome.Delivered())
}

// 对端接受连接但不响应，ctx 超时后不再等待
func TestBroadcastContext(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		var conns []net.Conn
		for {
			conn, err := lis.Accept()
			if err != nil {
				for _, c := range conns {
					_ = c.Close()
				}
				return
			}
			conns = append(conns, conn)
		}
	}()
	defer func() {
		_ = lis.Close()
		<-done
	}()

	p := newPeer(t)
	b := New(staticPeers(lis.Addr().String(), p.addr), WithCallTimeout(time.Minute))
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	outcome, err := b.Broadcast(ctx, Ping())
	require.NoError(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
	require.True(t, errors.Is(outcome[lis.Addr().String()], context.DeadlineExceeded))
	require.NoError(t, outcome[p.addr])
}

func TestMaxInFlight(t *testing.T) {
	p1, p2 := newPeer(t), newPeer(t)
	b := New(staticPeers(p1.addr, p2.addr, closedAddr(t)), WithMaxInFlight(1))
	require.Equal(t, 1, b.maxInFlight)

	outcome, err := b.Broadcast(context.Background(), AddNode("127.0.0.1:9200"))
	require.NoError(t, err)
	require.Len(t, outcome.Delivered(), 2)
	require.Len(t, outcome.Failed(), 1)

	b = New(staticPeers(p1.addr), WithMaxInFlight(0))
	require.Equal(t, DefaultMaxInFlight, b.maxInFlight)
}
