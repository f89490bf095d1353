package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/treeforest/easymesh/ledger"
	"github.com/treeforest/easymesh/registry"
)

func newTestDiscovery(t *testing.T, endpoint string) (*Discovery, *registry.Registry) {
	l, err := ledger.Open(t.TempDir(), ledger.PolicyStrict)
	require.NoError(t, err)
	r := registry.New(l.Nodes, endpoint)

	d, err := New(Config{BindAddr: "127.0.0.1", BindPort: 0, Endpoint: endpoint}, r)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = d.Shutdown()
		_ = l.Close()
	})
	return d, r
}

func TestJoin(t *testing.T) {
	d1, r1 := newTestDiscovery(t, "127.0.0.1:7001")
	d2, r2 := newTestDiscovery(t, "tcp://127.0.0.1:7002")

	// 加入前已知的节点通过 push/pull 交换
	_, err := r1.AddNode("127.0.0.1:7003")
	require.NoError(t, err)

	n, err := d2.Join([]string{d1.LocalAddr()})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		ok, err := r1.Contains("127.0.0.1:7002")
		return err == nil && ok
	}, 5*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		ok1, err1 := r2.Contains("127.0.0.1:7001")
		ok3, err3 := r2.Contains("127.0.0.1:7003")
		return err1 == nil && err3 == nil && ok1 && ok3
	}, 5*time.Second, 50*time.Millisecond)

	require.ElementsMatch(t, []string{"127.0.0.1:7001", "127.0.0.1:7002"}, d1.Members())

	// 本节点不会加入自己的注册表
	ok, err := r2.Contains("127.0.0.1:7002")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestJoinNoSeeds(t *testing.T) {
	d, _ := newTestDiscovery(t, "127.0.0.1:7011")
	n, err := d.Join(nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, []string{"127.0.0.1:7011"}, d.Members())
}

func TestInvalidEndpoint(t *testing.T) {
	_, err := New(Config{BindAddr: "127.0.0.1", Endpoint: "no-port"}, nil)
	require.ErrorIs(t, err, registry.ErrAddressParse)
}
