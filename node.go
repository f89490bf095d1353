package mesh

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/treeforest/easymesh/config"
	"github.com/treeforest/easymesh/discovery"
	"github.com/treeforest/easymesh/dispatch"
	"github.com/treeforest/easymesh/ledger"
	"github.com/treeforest/easymesh/registry"
	"github.com/treeforest/easymesh/rpc"
	"github.com/treeforest/easymesh/store"
	"github.com/treeforest/easymesh/types"
	log "github.com/treeforest/logger"
)

// ErrDuplicate 本地已经存在相同哈希的记录，不会再次广播
var ErrDuplicate = store.ErrDuplicate

// Node 节点：本地写入后广播给所有已知节点
type Node struct {
	conf        *config.Config
	ledger      *ledger.Ledger
	registry    *registry.Registry
	broadcaster *dispatch.Broadcaster
	server      *rpc.Server
	discovery   *discovery.Discovery
	http        *HttpServer
	clientOpts  []rpc.ClientOption
	stopOnce    sync.Once
}

// SyncResult Sync 合并到本地的记录数量
type SyncResult struct {
	Blocks       int `json:"blocks"`
	Transactions int `json:"transactions"`
	Pending      int `json:"pending"`
	Nodes        int `json:"nodes"`
}

// Open 打开数据目录并创建 RPC 服务，Start 之后才开始监听
func Open(conf *config.Config) (*Node, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	policy, err := ledger.ParsePendingPolicy(conf.PendingPolicy)
	if err != nil {
		return nil, err
	}
	l, err := ledger.Open(conf.DataDir, policy)
	if err != nil {
		return nil, err
	}
	r := registry.New(l.Nodes, conf.Endpoint)

	server, err := rpc.NewServer(l, r)
	if err != nil {
		_ = l.Close()
		return nil, err
	}

	n := &Node{
		conf:     conf,
		ledger:   l,
		registry: r,
		server:   server,
		clientOpts: []rpc.ClientOption{
			rpc.WithDialTimeout(conf.DialTimeout),
			rpc.WithCallTimeout(conf.CallTimeout),
		},
	}
	n.broadcaster = dispatch.New(r.ListNodes,
		dispatch.WithMaxInFlight(conf.MaxInFlight),
		dispatch.WithDialTimeout(conf.DialTimeout),
		dispatch.WithCallTimeout(conf.CallTimeout),
	)
	return n, nil
}

// Start 启动 RPC 服务，注册启动节点，按配置启动节点发现和状态查询服务。
// 失败时已经启动的服务会被关闭，节点只能 Stop，不能再次 Start。
func (n *Node) Start(ctx context.Context) (err error) {
	lis, err := net.Listen("tcp", n.conf.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", n.conf.ListenAddr)
	}
	if n.registry.Self() == "" {
		if err = n.setSelf(lis.Addr()); err != nil {
			_ = lis.Close()
			return err
		}
	}
	n.server.Serve(lis)

	defer func() {
		if err != nil {
			n.shutdown()
		}
	}()

	for _, peer := range n.conf.BootstrapPeers {
		if _, err := n.AddPeer(ctx, peer); err != nil && !errors.Is(err, ErrDuplicate) {
			log.Warnf("add bootstrap peer %s failed: %v", peer, err)
		}
	}

	if n.conf.DiscoveryPort > 0 {
		host, _, _ := net.SplitHostPort(lis.Addr().String())
		n.discovery, err = discovery.New(discovery.Config{
			BindAddr: host,
			BindPort: n.conf.DiscoveryPort,
			Endpoint: n.endpoint(),
		}, n.registry)
		if err != nil {
			return err
		}
		if _, err := n.discovery.Join(n.conf.DiscoverySeeds); err != nil {
			log.Warnf("join discovery seeds failed: %v", err)
		}
	}

	if n.conf.HttpServerPort > 0 {
		n.http = NewHttpServer(n)
		if err = n.http.Listen(net.JoinHostPort("", strconv.Itoa(n.conf.HttpServerPort))); err != nil {
			return err
		}
	}
	return nil
}

// setSelf 未配置 endpoint 时以实际监听地址作为本节点地址
func (n *Node) setSelf(addr net.Addr) error {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok && tcpAddr.IP.IsUnspecified() {
		return errors.Errorf("endpoint is required when listening on %s", addr)
	}
	return n.registry.SetSelf(addr.String())
}

// shutdown 关闭网络服务，不关闭数据库
func (n *Node) shutdown() {
	if n.http != nil {
		n.http.Stop()
		n.http = nil
	}
	if n.discovery != nil {
		n.discovery.Stop()
		n.discovery = nil
	}
	n.server.Stop()
}

// Addr RPC 服务实际监听的地址
func (n *Node) Addr() string {
	return n.server.Addr()
}

func (n *Node) Ledger() *ledger.Ledger {
	return n.ledger
}

func (n *Node) Registry() *registry.Registry {
	return n.registry
}

// endpoint 对外的 RPC 地址，未配置时为实际监听地址
func (n *Node) endpoint() string {
	return n.registry.Self()
}

// SubmitTransaction 写入本地交易池后广播 new_untransaction
func (n *Node) SubmitTransaction(ctx context.Context, tx types.Transaction) (dispatch.Outcome, error) {
	added, err := n.ledger.AddPending(tx)
	if err != nil {
		return nil, err
	}
	if !added {
		return nil, errors.Wrapf(ErrDuplicate, "transaction %s", tx.ID)
	}
	log.Infof("submit transaction %s", tx.ID)
	return n.broadcaster.Broadcast(ctx, dispatch.NewUnconfirmedTransaction(tx))
}

// ConfirmTransaction 写入本地已确认交易后广播 block_transaction
func (n *Node) ConfirmTransaction(ctx context.Context, tx types.Transaction) (dispatch.Outcome, error) {
	added, err := n.ledger.ConfirmTransaction(tx)
	if err != nil {
		return nil, err
	}
	if !added {
		return nil, errors.Wrapf(ErrDuplicate, "transaction %s", tx.ID)
	}
	log.Infof("confirm transaction %s", tx.ID)
	return n.broadcaster.Broadcast(ctx, dispatch.ConfirmTransaction(tx))
}

// SubmitBlock 写入本地区块链并处理交易池，然后广播 new_block。
// 交易池更新失败时区块已经广播，返回 Outcome 和错误。
func (n *Node) SubmitBlock(ctx context.Context, block types.Block) (dispatch.Outcome, error) {
	added, err := n.ledger.AddBlock(block)
	if !added {
		if err != nil {
			return nil, err
		}
		return nil, errors.Wrapf(ErrDuplicate, "block %s", block.Hash())
	}
	// 区块已经写入，交易池更新失败时仍然广播，重试 SubmitBlock 会补齐交易池
	if err != nil {
		log.Errorf("submit block %s: %v", block.Hash(), err)
	}
	log.Infof("submit block %d %s", block.Index, block.Hash())
	outcome, berr := n.broadcaster.Broadcast(ctx, dispatch.NewBlock(block))
	if err == nil {
		err = berr
	}
	return outcome, err
}

// AddPeer 注册节点，把它通知给其它已知节点，并把本节点通知给它
func (n *Node) AddPeer(ctx context.Context, address string) (dispatch.Outcome, error) {
	addr, err := registry.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	added, err := n.registry.AddNode(addr)
	if err != nil {
		return nil, err
	}
	if !added {
		return nil, errors.Wrapf(ErrDuplicate, "node %s", addr)
	}

	peers, err := n.registry.ListNodes()
	if err != nil {
		return nil, err
	}
	others := make([]string, 0, len(peers))
	for _, peer := range peers {
		if peer != addr {
			others = append(others, peer)
		}
	}

	outcome := n.broadcaster.BroadcastTo(ctx, others, dispatch.AddNode(addr))
	self := n.endpoint()
	if self != "" {
		for peer, err := range n.broadcaster.BroadcastTo(ctx, []string{addr}, dispatch.AddNode(self)) {
			outcome[peer] = err
		}
	}
	return outcome, nil
}

// Sync 从 addr 拉取区块、交易和节点，合并本地缺少的记录
func (n *Node) Sync(ctx context.Context, address string) (SyncResult, error) {
	var result SyncResult

	c, err := rpc.NewClient(address, n.clientOpts...)
	if err != nil {
		return result, err
	}
	defer c.Close()

	blocks, err := c.GetBlockchain(ctx)
	if err != nil {
		return result, err
	}
	for _, block := range blocks {
		added, err := n.ledger.AddBlock(block)
		if err != nil {
			return result, err
		}
		if added {
			result.Blocks++
		}
	}

	txs, err := c.GetTransactions(ctx)
	if err != nil {
		return result, err
	}
	for _, tx := range txs {
		added, err := n.ledger.ConfirmTransaction(tx)
		if err != nil {
			return result, err
		}
		if added {
			result.Transactions++
		}
	}

	pending, err := c.GetPending(ctx)
	if err != nil {
		return result, err
	}
	for _, tx := range pending {
		added, err := n.ledger.AddPending(tx)
		if err != nil {
			return result, err
		}
		if added {
			result.Pending++
		}
	}

	nodes, err := c.GetNodes(ctx)
	if err != nil {
		return result, err
	}
	nodes = append(nodes, c.Address())
	for _, node := range nodes {
		added, err := n.registry.AddNode(node)
		if err != nil {
			log.Warnf("skip node %s from %s: %v", node, c.Address(), err)
			continue
		}
		if added {
			result.Nodes++
		}
	}

	log.Infof("synced from %s: %d blocks, %d transactions, %d pending, %d nodes",
		c.Address(), result.Blocks, result.Transactions, result.Pending, result.Nodes)
	return result, nil
}

// Stop 关闭所有服务和数据库
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.shutdown()
		if err := n.ledger.Close(); err != nil {
			log.Errorf("close ledger failed: %v", err)
		}
	})
}

// Close 同 Stop
func (n *Node) Close() error {
	n.Stop()
	return nil
}
