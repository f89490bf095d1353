package rpc

import (
	"io"
	"net"
	netrpc "net/rpc"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/treeforest/easymesh/ledger"
	"github.com/treeforest/easymesh/registry"
	"github.com/treeforest/easymesh/types"
	log "github.com/treeforest/logger"
)

// Empty 没有业务返回值的调用
type Empty struct{}

// Service 对端可以调用的方法，注册到 net/rpc
type Service struct {
	ledger   *ledger.Ledger
	registry *registry.Registry
}

// Ping 连通性检查
func (s *Service) Ping(_ []string, reply *bool) error {
	*reply = true
	return nil
}

// GetBlockchain 返回本地全部区块
func (s *Service) GetBlockchain(_ []string, reply *[]types.Block) error {
	blocks, err := s.ledger.Blocks()
	if err != nil {
		log.Errorf("get blockchain failed: %v", err)
		return err
	}
	*reply = blocks
	return nil
}

// NewBlock 写入新区块，并按策略更新交易池
func (s *Service) NewBlock(block types.Block, _ *Empty) error {
	added, err := s.ledger.AddBlock(block)
	if err != nil {
		log.Errorf("add block %s failed: %v", block.Hash(), err)
		return err
	}
	if added {
		log.Infof("received new block %d %s", block.Index, block.Hash())
	}
	return nil
}

// AddNode 注册节点地址
func (s *Service) AddNode(address string, _ *Empty) error {
	if _, err := s.registry.AddNode(address); err != nil {
		log.Warnf("add node %s failed: %v", address, err)
		return err
	}
	return nil
}

// GetTransactions 返回已确认的交易
func (s *Service) GetTransactions(_ []string, reply *[]types.Transaction) error {
	txs, err := s.ledger.ConfirmedTransactions()
	if err != nil {
		log.Errorf("get transactions failed: %v", err)
		return err
	}
	*reply = txs
	return nil
}

// NewUntransaction 写入交易池
func (s *Service) NewUntransaction(tx types.Transaction, _ *Empty) error {
	added, err := s.ledger.AddPending(tx)
	if err != nil {
		log.Errorf("add pending transaction %s failed: %v", tx.ID, err)
		return err
	}
	if added {
		log.Infof("received new transaction %s", tx.ID)
	}
	return nil
}

// BlockTransaction 写入已确认交易
func (s *Service) BlockTransaction(tx types.Transaction, _ *Empty) error {
	added, err := s.ledger.ConfirmTransaction(tx)
	if err != nil {
		log.Errorf("add block transaction %s failed: %v", tx.ID, err)
		return err
	}
	if added {
		log.Infof("received new block transaction %s", tx.ID)
	}
	return nil
}

// GetNodes 返回已知的节点地址
func (s *Service) GetNodes(_ []string, reply *[]string) error {
	nodes, err := s.registry.ListNodes()
	if err != nil {
		log.Errorf("get nodes failed: %v", err)
		return err
	}
	*reply = nodes
	return nil
}

// GetPending 返回交易池中的交易
func (s *Service) GetPending(_ []string, reply *[]types.Transaction) error {
	txs, err := s.ledger.PendingTransactions()
	if err != nil {
		log.Errorf("get pending transactions failed: %v", err)
		return err
	}
	*reply = txs
	return nil
}

// Server 接收对端请求的 RPC 服务
type Server struct {
	rpc      *netrpc.Server
	lis      net.Listener
	locker   sync.Mutex
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

func NewServer(l *ledger.Ledger, r *registry.Registry) (*Server, error) {
	s := &Server{
		rpc:   netrpc.NewServer(),
		conns: map[net.Conn]struct{}{},
		stop:  make(chan struct{}),
	}
	if err := s.rpc.RegisterName(serviceName, &Service{ledger: l, registry: r}); err != nil {
		return nil, errors.Wrap(err, "register rpc service")
	}
	return s, nil
}

// Listen 监听 addr 并在后台处理连接
func (s *Server) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	s.Serve(lis)
	return nil
}

// Serve 在后台处理 lis 上的连接
func (s *Server) Serve(lis net.Listener) {
	s.locker.Lock()
	s.lis = lis
	s.locker.Unlock()

	log.Infof("rpc server listening on %s", lis.Addr())
	s.wg.Add(1)
	go s.accept(lis)
}

// Addr 实际监听的地址
func (s *Server) Addr() string {
	s.locker.Lock()
	defer s.locker.Unlock()
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

func (s *Server) accept(lis net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			log.Warnf("accept failed: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.locker.Lock()
		select {
		case <-s.stop:
			s.locker.Unlock()
			_ = conn.Close()
			return
		default:
		}
		s.conns[conn] = struct{}{}
		s.locker.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn 同一个连接上的请求逐个处理，前一个请求处理完成后才读取下一个
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	log.Debugf("accepted connection from %s", conn.RemoteAddr())

	codec := newServerCodec(conn)
	for {
		err := s.rpc.ServeRequest(codec)
		if err == nil {
			continue
		}
		if codec.readErr != nil {
			if codec.readErr != io.EOF {
				log.Debugf("connection from %s closed: %v", conn.RemoteAddr(), codec.readErr)
			}
			break
		}
		// 方法不存在或参数错误，错误已经返回给对端
		log.Debugf("bad request from %s: %v", conn.RemoteAddr(), err)
	}
	_ = codec.Close()

	s.locker.Lock()
	delete(s.conns, conn)
	s.locker.Unlock()
}

// Stop 关闭监听和所有连接，等待处理中的请求结束
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.locker.Lock()
		if s.lis != nil {
			_ = s.lis.Close()
		}
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.locker.Unlock()
		s.wg.Wait()
	})
}
