package ledger

import (
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/treeforest/easymesh/dao"
	"github.com/treeforest/easymesh/registry"
	"github.com/treeforest/easymesh/store"
	"github.com/treeforest/easymesh/types"
	log "github.com/treeforest/logger"
)

const (
	NodeFile       = "nodes.json"
	AccountFile    = "accounts.json"
	BlockchainFile = "blockchain.json"
	TxFile         = "txn.json"
	UnTxFile       = "untxn.json"
	indexDir       = "index"
)

// PendingPolicy 收到新区块后交易池的处理方式
type PendingPolicy string

const (
	// PolicyStrict 只移除区块中包含的交易
	PolicyStrict PendingPolicy = "strict"
	// PolicyClear 清空整个交易池
	PolicyClear PendingPolicy = "clear"
)

// ParsePendingPolicy 解析配置中的交易池策略
func ParsePendingPolicy(s string) (PendingPolicy, error) {
	switch p := PendingPolicy(s); p {
	case PolicyStrict, PolicyClear:
		return p, nil
	case "":
		return PolicyStrict, nil
	default:
		return "", errors.Errorf("invalid pending policy %q", s)
	}
}

// Ledger 节点本地的全部数据库：节点、账户、区块链、已确认交易、待确认交易
type Ledger struct {
	index *dao.DAO

	Nodes        *store.Store[string]
	Accounts     *store.Store[types.Account]
	Blockchain   *store.Store[types.Block]
	Transactions *store.Store[types.Transaction]
	Pending      *store.Store[types.Transaction]

	policy PendingPolicy
}

// Open 打开数据目录 dir 下的所有数据库
func Open(dir string, policy PendingPolicy) (*Ledger, error) {
	index, err := dao.New(filepath.Join(dir, indexDir))
	if err != nil {
		return nil, err
	}
	l, err := open(dir, policy, index)
	if err != nil {
		_ = index.Close()
		return nil, err
	}
	return l, nil
}

func open(dir string, policy PendingPolicy, index *dao.DAO) (l *Ledger, err error) {
	l = &Ledger{index: index, policy: policy}

	l.Nodes, err = store.New(store.Config[string]{
		Dir: dir, Name: NodeFile, Key: registry.AddressKey, Index: index,
	})
	if err != nil {
		return nil, err
	}
	l.Accounts, err = store.New(store.Config[types.Account]{
		Dir: dir, Name: AccountFile,
	})
	if err != nil {
		return nil, err
	}
	l.Blockchain, err = store.New(store.Config[types.Block]{
		Dir: dir, Name: BlockchainFile, Key: types.BlockHash, Index: index,
	})
	if err != nil {
		return nil, err
	}
	l.Transactions, err = store.New(store.Config[types.Transaction]{
		Dir: dir, Name: TxFile, Key: types.TransactionHash, Index: index,
	})
	if err != nil {
		return nil, err
	}
	l.Pending, err = store.New(store.Config[types.Transaction]{
		Dir: dir, Name: UnTxFile, Key: types.TransactionHash, Index: index,
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Close 关闭哈希索引
func (l *Ledger) Close() error {
	return l.index.Close()
}

// Policy 交易池策略
func (l *Ledger) Policy() PendingPolicy {
	return l.policy
}

// AddBlock 写入区块（按哈希去重），然后按策略处理交易池。区块已存在时返回 false。
//
// 区块已存在时仍然从交易池移除区块中的交易，上一次写入后交易池更新失败时可以通过重试补齐。
// 重复的区块不会触发 clear 策略。
func (l *Ledger) AddBlock(block types.Block) (bool, error) {
	added, err := l.Blockchain.InsertUnique(block)
	if err != nil {
		return false, err
	}

	policy := l.policy
	if !added {
		log.Debugf("block %s already exists", block.Hash())
		policy = PolicyStrict
	}
	switch policy {
	case PolicyClear:
		err = l.Pending.Clear()
	default:
		err = l.removePending(block)
	}
	if err != nil {
		return added, errors.WithMessage(err, "pending pool not updated")
	}
	return added, nil
}

// removePending 从交易池移除区块中的交易
func (l *Ledger) removePending(block types.Block) error {
	hashes := make(map[string]struct{}, len(block.Transactions))
	for _, hash := range block.TxHashes() {
		hashes[hash] = struct{}{}
	}
	_, err := l.Pending.Remove(func(tx types.Transaction) bool {
		_, ok := hashes[tx.Hash()]
		return ok
	})
	return err
}

// AddPending 写入交易池（按哈希去重）
func (l *Ledger) AddPending(tx types.Transaction) (bool, error) {
	return l.Pending.InsertUnique(tx)
}

// ConfirmTransaction 写入已确认交易（按哈希去重）
func (l *Ledger) ConfirmTransaction(tx types.Transaction) (bool, error) {
	return l.Transactions.InsertUnique(tx)
}

func (l *Ledger) Blocks() ([]types.Block, error) {
	return l.Blockchain.FindAll()
}

func (l *Ledger) ConfirmedTransactions() ([]types.Transaction, error) {
	return l.Transactions.FindAll()
}

func (l *Ledger) PendingTransactions() ([]types.Transaction, error) {
	return l.Pending.FindAll()
}

// Stats 每个数据库的记录数量
func (l *Ledger) Stats() (map[string]int, error) {
	stats := make(map[string]int, 5)
	for name, count := range map[string]func() (int, error){
		l.Nodes.Name():        l.Nodes.Len,
		l.Accounts.Name():     l.Accounts.Len,
		l.Blockchain.Name():   l.Blockchain.Len,
		l.Transactions.Name(): l.Transactions.Len,
		l.Pending.Name():      l.Pending.Len,
	} {
		n, err := count()
		if err != nil {
			return nil, err
		}
		stats[name] = n
	}
	return stats, nil
}
