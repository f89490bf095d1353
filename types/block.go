package types

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/treeforest/easymesh/merkle"
	"golang.org/x/crypto/sha3"
)

// Block 区块。共识/工作量证明不在同步层的范围内，这里只关心序列化和哈希。
type Block struct {
	Index        uint64        `json:"index"`          // 区块高度
	Timestamp    int64         `json:"timestamp"`      // 出块时间
	PrevHash     string        `json:"prev_hash"`      // 上一个区块哈希
	Nonce        uint64        `json:"nonce"`          // 挖矿找到的满足条件的值
	Transactions []Transaction `json:"transactions"`   // 打包的交易
	BlockHash    string        `json:"hash,omitempty"` // 区块哈希
}

// NewBlock 创建区块并计算哈希
func NewBlock(index uint64, timestamp int64, prevHash string, txs []Transaction) *Block {
	b := &Block{
		Index:        index,
		Timestamp:    timestamp,
		PrevHash:     prevHash,
		Transactions: txs,
	}
	b.BlockHash = b.CalculateHash()
	return b
}

// Hash 区块的唯一标识。优先使用矿工写入的哈希。
func (b Block) Hash() string {
	if b.BlockHash != "" {
		return b.BlockHash
	}
	return b.CalculateHash()
}

// CalculateHash sha3-256(index|timestamp|prevHash|nonce|merkleRoot)
func (b Block) CalculateHash() string {
	parts := []string{
		strconv.FormatUint(b.Index, 10),
		strconv.FormatInt(b.Timestamp, 10),
		b.PrevHash,
		strconv.FormatUint(b.Nonce, 10),
		b.MerkleRoot(),
	}
	sum := sha3.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// TxHashes 区块内所有交易的哈希
func (b Block) TxHashes() []string {
	hashes := make([]string, 0, len(b.Transactions))
	for _, tx := range b.Transactions {
		hashes = append(hashes, tx.Hash())
	}
	return hashes
}

func (b Block) merkleTree() *merkle.Tree {
	leafs := make([][]byte, 0, len(b.Transactions))
	for _, hash := range b.TxHashes() {
		leaf, _ := hex.DecodeString(hash)
		leafs = append(leafs, leaf)
	}
	return merkle.Build(leafs)
}

// MerkleRoot 交易哈希的默克尔根，没有交易时为空
func (b Block) MerkleRoot() string {
	return hex.EncodeToString(b.merkleTree().Root)
}

// TxProof 交易 txHash 在区块中的默克尔证明
func (b Block) TxProof(txHash string) ([]string, error) {
	leaf, err := hex.DecodeString(txHash)
	if err != nil {
		return nil, errors.Wrap(err, "decode transaction hash")
	}
	proof, err := b.merkleTree().Proof(leaf)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	hashes := make([]string, 0, len(proof))
	for _, p := range proof {
		hashes = append(hashes, hex.EncodeToString(p))
	}
	return hashes, nil
}

// VerifyTxProof 验证交易属于默克尔根为 merkleRoot 的区块
func VerifyTxProof(txHash, merkleRoot string, proof []string) bool {
	leaf, err := hex.DecodeString(txHash)
	if err != nil {
		return false
	}
	root, err := hex.DecodeString(merkleRoot)
	if err != nil {
		return false
	}
	path := make([][]byte, 0, len(proof))
	for _, p := range proof {
		h, err := hex.DecodeString(p)
		if err != nil {
			return false
		}
		path = append(path, h)
	}
	return merkle.Verify(leaf, root, path)
}

func (b Block) Marshal() ([]byte, error) {
	return json.Marshal(b)
}

func (b *Block) Unmarshal(data []byte) error {
	if err := json.Unmarshal(data, b); err != nil {
		return errors.Wrap(err, "unmarshal block")
	}
	return nil
}

// BlockHash 用作 store 的去重 key
func BlockHash(b Block) string {
	return b.Hash()
}
