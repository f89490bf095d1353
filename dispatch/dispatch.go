package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/treeforest/easymesh/rpc"
	"github.com/treeforest/easymesh/types"
	log "github.com/treeforest/logger"
)

const DefaultMaxInFlight = 8

// Op 对单个对端执行的调用
type Op struct {
	Name string
	Call func(ctx context.Context, c *rpc.Client) error
}

func NewBlock(block types.Block) Op {
	return Op{Name: rpc.MethodNewBlock, Call: func(ctx context.Context, c *rpc.Client) error {
		return c.NewBlock(ctx, block)
	}}
}

func NewUnconfirmedTransaction(tx types.Transaction) Op {
	return Op{Name: rpc.MethodNewUntransaction, Call: func(ctx context.Context, c *rpc.Client) error {
		return c.NewUnconfirmedTransaction(ctx, tx)
	}}
}

func ConfirmTransaction(tx types.Transaction) Op {
	return Op{Name: rpc.MethodBlockTransaction, Call: func(ctx context.Context, c *rpc.Client) error {
		return c.ConfirmTransaction(ctx, tx)
	}}
}

func AddNode(address string) Op {
	return Op{Name: rpc.MethodAddNode, Call: func(ctx context.Context, c *rpc.Client) error {
		return c.AddNode(ctx, address)
	}}
}

func Ping() Op {
	return Op{Name: rpc.MethodPing, Call: func(ctx context.Context, c *rpc.Client) error {
		_, err := c.Ping(ctx)
		return err
	}}
}

// Outcome 每个对端的调用结果，nil 表示送达
type Outcome map[string]error

// Delivered 调用成功的对端，按地址排序
func (o Outcome) Delivered() []string {
	peers := make([]string, 0, len(o))
	for peer, err := range o {
		if err == nil {
			peers = append(peers, peer)
		}
	}
	sort.Strings(peers)
	return peers
}

// Failed 调用失败的对端及其错误
func (o Outcome) Failed() map[string]error {
	failed := make(map[string]error)
	for peer, err := range o {
		if err != nil {
			failed[peer] = err
		}
	}
	return failed
}

type Option func(*Broadcaster)

// WithMaxInFlight 同时进行的调用数量
func WithMaxInFlight(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.maxInFlight = n
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(b *Broadcaster) {
		b.clientOpts = append(b.clientOpts, rpc.WithDialTimeout(d))
	}
}

func WithCallTimeout(d time.Duration) Option {
	return func(b *Broadcaster) {
		b.clientOpts = append(b.clientOpts, rpc.WithCallTimeout(d))
	}
}

// Broadcaster 把一次本地变更发送给所有已知的对端
type Broadcaster struct {
	discover    func() ([]string, error)
	maxInFlight int
	clientOpts  []rpc.ClientOption
}

// New discover 返回当前已知的对端地址，通常是 Registry.ListNodes
func New(discover func() ([]string, error), opts ...Option) *Broadcaster {
	b := &Broadcaster{
		discover:    discover,
		maxInFlight: DefaultMaxInFlight,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Broadcast 对每个对端执行 op，单个对端失败不影响其它对端，不重试。
// 只有获取对端列表失败时返回 error。
func (b *Broadcaster) Broadcast(ctx context.Context, op Op) (Outcome, error) {
	peers, err := b.discover()
	if err != nil {
		return nil, errors.WithMessage(err, "discover peers")
	}
	return b.BroadcastTo(ctx, peers, op), nil
}

// BroadcastTo 对指定的对端执行 op
func (b *Broadcaster) BroadcastTo(ctx context.Context, peers []string, op Op) Outcome {
	var (
		locker  sync.Mutex
		wg      sync.WaitGroup
		outcome = make(Outcome, len(peers))
		seen    = make(map[string]struct{}, len(peers))
		sem     = make(chan struct{}, b.maxInFlight)
	)
	report := func(peer string, err error) {
		locker.Lock()
		outcome[peer] = err
		locker.Unlock()
	}

	for _, peer := range peers {
		if _, ok := seen[peer]; ok {
			continue
		}
		seen[peer] = struct{}{}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			report(peer, errors.WithStack(ctx.Err()))
			continue
		}

		wg.Add(1)
		go func(peer string) {
			defer func() {
				<-sem
				wg.Done()
			}()
			report(peer, b.call(ctx, peer, op))
		}(peer)
	}
	wg.Wait()

	failed := outcome.Failed()
	if len(failed) > 0 {
		log.Warnf("%s delivered to %d/%d peers", op.Name, len(outcome)-len(failed), len(outcome))
	} else {
		log.Debugf("%s delivered to %d peers", op.Name, len(outcome))
	}
	return outcome
}

func (b *Broadcaster) call(ctx context.Context, peer string, op Op) error {
	c, err := rpc.NewClient(peer, b.clientOpts...)
	if err != nil {
		log.Warnf("skip peer %s: %v", peer, err)
		return err
	}
	defer c.Close()

	if err = op.Call(ctx, c); err != nil {
		log.Warnf("%s to %s failed: %v", op.Name, peer, err)
		return err
	}
	return nil
}
