package rpc

import (
	"io"
	netrpc "net/rpc"
	"net/rpc/jsonrpc"
)

const serviceName = "Mesh"

// 网络上的方法名
const (
	MethodPing             = "ping"
	MethodGetBlockchain    = "get_blockchain"
	MethodNewBlock         = "new_block"
	MethodAddNode          = "add_node"
	MethodGetTransactions  = "get_transactions"
	MethodNewUntransaction = "new_untransaction"
	MethodBlockTransaction = "block_transaction"
	MethodGetNodes         = "get_nodes"
	MethodGetPending       = "get_pending"
)

// methods 网络方法名 => net/rpc 服务方法名
var methods = map[string]string{
	MethodPing:             serviceName + ".Ping",
	MethodGetBlockchain:    serviceName + ".GetBlockchain",
	MethodNewBlock:         serviceName + ".NewBlock",
	MethodAddNode:          serviceName + ".AddNode",
	MethodGetTransactions:  serviceName + ".GetTransactions",
	MethodNewUntransaction: serviceName + ".NewUntransaction",
	MethodBlockTransaction: serviceName + ".BlockTransaction",
	MethodGetNodes:         serviceName + ".GetNodes",
	MethodGetPending:       serviceName + ".GetPending",
	// 旧版本客户端发送的拼写
	"block_transacation": serviceName + ".BlockTransaction",
}

// serverCodec JSON-RPC 1.0 编解码，把网络方法名映射到服务方法
type serverCodec struct {
	netrpc.ServerCodec
	readErr error // 读取请求头失败，连接上不能再读取请求
}

func newServerCodec(conn io.ReadWriteCloser) *serverCodec {
	return &serverCodec{ServerCodec: jsonrpc.NewServerCodec(conn)}
}

func (c *serverCodec) ReadRequestHeader(r *netrpc.Request) error {
	if err := c.ServerCodec.ReadRequestHeader(r); err != nil {
		c.readErr = err
		return err
	}
	if m, ok := methods[r.ServiceMethod]; ok {
		r.ServiceMethod = m
	}
	return nil
}
