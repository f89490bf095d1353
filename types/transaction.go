package types

import (
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

// Transaction 交易。对同步层而言是不透明的，只要求可序列化并且有唯一的哈希。
type Transaction struct {
	ID        string `json:"id"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Amount    uint64 `json:"amount,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Hash 交易哈希，sha3-256(json)
func (tx Transaction) Hash() string {
	data, err := tx.Marshal()
	if err != nil {
		// 结构体只包含基本类型，不会失败
		panic(err)
	}
	sum := sha3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (tx Transaction) Marshal() ([]byte, error) {
	return json.Marshal(tx)
}

func (tx *Transaction) Unmarshal(data []byte) error {
	if err := json.Unmarshal(data, tx); err != nil {
		return errors.Wrap(err, "unmarshal transaction")
	}
	return nil
}

// TransactionHash 用作 store 的去重 key
func TransactionHash(tx Transaction) string {
	return tx.Hash()
}
