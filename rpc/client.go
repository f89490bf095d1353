package rpc

import (
	"context"
	"io"
	"net"
	netrpc "net/rpc"
	"net/rpc/jsonrpc"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/treeforest/easymesh/registry"
	"github.com/treeforest/easymesh/types"
	log "github.com/treeforest/logger"
)

const (
	DefaultDialTimeout = 3 * time.Second
	DefaultCallTimeout = 5 * time.Second
)

// Client 绑定到一个对端地址的 RPC 客户端，连接在第一次调用时建立
type Client struct {
	address     string
	dialTimeout time.Duration
	callTimeout time.Duration

	locker sync.Mutex
	conn   *netrpc.Client
}

type ClientOption func(*Client)

// WithDialTimeout 建立连接的超时时间
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.dialTimeout = d
	}
}

// WithCallTimeout 单次调用的超时时间，ctx 已经带有截止时间时不生效
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.callTimeout = d
	}
}

// NewClient 解析对端地址 [tcp://]host:port，地址错误时返回 ErrAddressParse
func NewClient(address string, opts ...ClientOption) (*Client, error) {
	addr, err := registry.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	c := &Client{
		address:     addr,
		dialTimeout: DefaultDialTimeout,
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Address 对端地址
func (c *Client) Address() string {
	return c.address
}

func (c *Client) Close() error {
	c.locker.Lock()
	defer c.locker.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) Ping(ctx context.Context) (bool, error) {
	var reply bool
	if err := c.call(ctx, MethodPing, []string{}, &reply); err != nil {
		return false, err
	}
	return reply, nil
}

func (c *Client) GetBlockchain(ctx context.Context) ([]types.Block, error) {
	reply := make([]types.Block, 0)
	if err := c.call(ctx, MethodGetBlockchain, []string{}, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) NewBlock(ctx context.Context, block types.Block) error {
	if err := c.call(ctx, MethodNewBlock, block, &Empty{}); err != nil {
		return err
	}
	log.Debugf("sent new block %s to %s", block.Hash(), c.address)
	return nil
}

func (c *Client) AddNode(ctx context.Context, address string) error {
	if err := c.call(ctx, MethodAddNode, address, &Empty{}); err != nil {
		return err
	}
	log.Debugf("sent node %s to %s", address, c.address)
	return nil
}

func (c *Client) GetTransactions(ctx context.Context) ([]types.Transaction, error) {
	reply := make([]types.Transaction, 0)
	if err := c.call(ctx, MethodGetTransactions, []string{}, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// NewUnconfirmedTransaction 把交易放入对端的交易池
func (c *Client) NewUnconfirmedTransaction(ctx context.Context, tx types.Transaction) error {
	return c.call(ctx, MethodNewUntransaction, tx, &Empty{})
}

// ConfirmTransaction 把交易写入对端的已确认交易
func (c *Client) ConfirmTransaction(ctx context.Context, tx types.Transaction) error {
	return c.call(ctx, MethodBlockTransaction, tx, &Empty{})
}

func (c *Client) GetNodes(ctx context.Context) ([]string, error) {
	reply := make([]string, 0)
	if err := c.call(ctx, MethodGetNodes, []string{}, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) GetPending(ctx context.Context) ([]types.Transaction, error) {
	reply := make([]types.Transaction, 0)
	if err := c.call(ctx, MethodGetPending, []string{}, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// call 发送请求并等待响应。没有业务返回值的调用同样返回传输层错误。
func (c *Client) call(ctx context.Context, method string, args interface{}, reply interface{}) error {
	if _, ok := ctx.Deadline(); !ok && c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return newError(ErrTransport, method, c.address, err)
	}

	call := conn.Go(method, args, reply, make(chan *netrpc.Call, 1))
	select {
	case <-call.Done:
		if call.Error == nil {
			return nil
		}
		return c.mapError(conn, method, call.Error)
	case <-ctx.Done():
		// 放弃等待，关闭连接使挂起的调用返回
		c.reset(conn)
		return newError(ErrTransport, method, c.address, ctx.Err())
	}
}

func (c *Client) connect(ctx context.Context) (*netrpc.Client, error) {
	c.locker.Lock()
	defer c.locker.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return nil, err
	}
	c.conn = jsonrpc.NewClient(conn)
	return c.conn, nil
}

func (c *Client) reset(conn *netrpc.Client) {
	c.locker.Lock()
	defer c.locker.Unlock()
	if c.conn == conn {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) mapError(conn *netrpc.Client, method string, err error) error {
	var serverErr netrpc.ServerError
	if errors.As(err, &serverErr) {
		return newError(ErrRemote, method, c.address, err)
	}

	// 连接状态未知，丢弃连接
	c.reset(conn)
	if strings.HasPrefix(err.Error(), "reading body ") {
		return newError(ErrSerialization, method, c.address, err)
	}
	if err == netrpc.ErrShutdown || err == io.EOF || err == io.ErrUnexpectedEOF {
		log.Debugf("connection to %s closed: %v", c.address, err)
	}
	return newError(ErrTransport, method, c.address, err)
}
