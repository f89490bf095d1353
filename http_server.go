package mesh

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/treeforest/logger"
)

// HttpServer 只读的状态查询服务
type HttpServer struct {
	node   *Node
	engine *gin.Engine
	srv    *http.Server
}

func NewHttpServer(node *Node) *HttpServer {
	gin.SetMode(gin.ReleaseMode)
	s := &HttpServer{node: node, engine: gin.New()}
	s.engine.Use(gin.Recovery())

	s.engine.GET("/ping", s.handlePing)
	s.engine.GET("/nodes", s.handleGetNodes)
	s.engine.GET("/stats", s.handleGetStats)
	s.engine.GET("/blocks", s.handleGetBlocks)
	s.engine.GET("/blocks/:hash/proof/:tx", s.handleGetProof)
	s.engine.GET("/pending", s.handleGetPending)
	return s
}

// Handler 用于测试
func (s *HttpServer) Handler() http.Handler {
	return s.engine
}

// Listen 在后台监听 addr
func (s *HttpServer) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	s.srv = &http.Server{Handler: s.engine}
	log.Infof("http server listening on %s", lis.Addr())
	go func() {
		if err := s.srv.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server stopped: %v", err)
		}
	}()
	return nil
}

func (s *HttpServer) Stop() {
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		log.Warnf("http server shutdown: %v", err)
	}
}

func (s *HttpServer) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"endpoint": s.node.endpoint()})
}

func (s *HttpServer) handleGetNodes(c *gin.Context) {
	nodes, err := s.node.registry.ListNodes()
	if err != nil {
		s.internalError(c, err)
		return
	}
	type Response struct {
		Nodes []string `json:"nodes"`
	}
	c.JSON(http.StatusOK, Response{Nodes: nodes})
}

func (s *HttpServer) handleGetStats(c *gin.Context) {
	stats, err := s.node.ledger.Stats()
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *HttpServer) handleGetBlocks(c *gin.Context) {
	blocks, err := s.node.ledger.Blocks()
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, blocks)
}

// handleGetProof 交易在区块中的默克尔证明
func (s *HttpServer) handleGetProof(c *gin.Context) {
	blocks, err := s.node.ledger.Blocks()
	if err != nil {
		s.internalError(c, err)
		return
	}
	hash, txHash := c.Param("hash"), c.Param("tx")
	for _, block := range blocks {
		if block.Hash() != hash {
			continue
		}
		proof, err := block.TxProof(txHash)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		type Response struct {
			MerkleRoot string   `json:"merkle_root"`
			Proof      []string `json:"proof"`
		}
		c.JSON(http.StatusOK, Response{MerkleRoot: block.MerkleRoot(), Proof: proof})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "block not found"})
}

func (s *HttpServer) handleGetPending(c *gin.Context) {
	txs, err := s.node.ledger.PendingTransactions()
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, txs)
}

func (s *HttpServer) internalError(c *gin.Context, err error) {
	log.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
