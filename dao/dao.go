package dao

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	log "github.com/treeforest/logger"
)

const (
	defFilterCap = 10000 // 每个命名空间 bloom 过滤器的预估容量
	defFilterFP  = 0.001 // bloom 过滤器的误判率
	separator    = "/"
)

// DAO 哈希索引。记录每个 store（命名空间）中已经存在的记录 key，
// 重复的区块/交易在读取整个快照之前就能被拦截。
// 索引是派生数据，JSON 快照才是权威数据，不一致时通过 Rebuild 重建。
type DAO struct {
	*leveldb.DB
	locker  sync.Mutex
	filters map[string]*bloom.BloomFilter // 命名空间 => bloom 过滤器
}

// New 打开（或创建）路径 path 下的 leveldb 索引
func New(path string) (*DAO, error) {
	log.Debug("index path:", path)
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb [%s]", path)
	}
	return &DAO{DB: db, filters: map[string]*bloom.BloomFilter{}}, nil
}

// NewMem 基于内存的索引，用于测试
func NewMem() (*DAO, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "open memory leveldb")
	}
	return &DAO{DB: db, filters: map[string]*bloom.BloomFilter{}}, nil
}

func (o *DAO) Close() error {
	return o.DB.Close()
}

func keyOf(ns, key string) []byte {
	return []byte(ns + separator + key)
}

func prefixOf(ns string) *util.Range {
	return util.BytesPrefix([]byte(ns + separator))
}

// filter 返回命名空间的 bloom 过滤器，首次使用时从 leveldb 加载。调用方持有 locker。
func (o *DAO) filter(ns string) (*bloom.BloomFilter, error) {
	if f, ok := o.filters[ns]; ok {
		return f, nil
	}
	f := bloom.NewWithEstimates(defFilterCap, defFilterFP)
	iter := o.DB.NewIterator(prefixOf(ns), nil)
	for iter.Next() {
		f.Add(iter.Key()[len(ns)+len(separator):])
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, errors.Wrapf(err, "load filter [%s]", ns)
	}
	o.filters[ns] = f
	return f, nil
}

// Has key 是否已经存在于命名空间 ns
func (o *DAO) Has(ns, key string) (bool, error) {
	o.locker.Lock()
	defer o.locker.Unlock()

	f, err := o.filter(ns)
	if err != nil {
		return false, err
	}
	if !f.TestString(key) {
		return false, nil
	}
	// bloom 可能误判，以 leveldb 为准
	ok, err := o.DB.Has(keyOf(ns, key), nil)
	if err != nil {
		return false, errors.Wrapf(err, "has [%s]", key)
	}
	return ok, nil
}

// Put 写入 key
func (o *DAO) Put(ns string, keys ...string) error {
	o.locker.Lock()
	defer o.locker.Unlock()

	f, err := o.filter(ns)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for _, key := range keys {
		batch.Put(keyOf(ns, key), nil)
	}
	if err = o.DB.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return errors.Wrapf(err, "put keys into [%s]", ns)
	}
	for _, key := range keys {
		f.AddString(key)
	}
	return nil
}

// Delete 删除 key。bloom 过滤器不支持删除，残留的位只会造成一次多余的 leveldb 查询。
func (o *DAO) Delete(ns string, keys ...string) error {
	o.locker.Lock()
	defer o.locker.Unlock()

	batch := new(leveldb.Batch)
	for _, key := range keys {
		batch.Delete(keyOf(ns, key))
	}
	if err := o.DB.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return errors.Wrapf(err, "delete keys from [%s]", ns)
	}
	return nil
}

// Count 命名空间内 key 的数量
func (o *DAO) Count(ns string) (int, error) {
	n := 0
	iter := o.DB.NewIterator(prefixOf(ns), nil)
	for iter.Next() {
		n++
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, errors.Wrapf(err, "count [%s]", ns)
	}
	return n, nil
}

// Clear 清空命名空间
func (o *DAO) Clear(ns string) error {
	return o.Rebuild(ns, nil)
}

// Rebuild 用 keys 替换命名空间内的全部内容
func (o *DAO) Rebuild(ns string, keys []string) error {
	o.locker.Lock()
	defer o.locker.Unlock()

	err := o.DoTransaction(func(trans *leveldb.Transaction) error {
		stale := make([][]byte, 0)
		iter := trans.NewIterator(prefixOf(ns), nil)
		for iter.Next() {
			stale = append(stale, append([]byte{}, iter.Key()...))
		}
		iter.Release()
		if err := iter.Error(); err != nil {
			return fmt.Errorf("iterate failed: %v", err)
		}
		for _, key := range stale {
			if err := trans.Delete(key, nil); err != nil {
				return fmt.Errorf("delete key failed: %v", err)
			}
		}
		for _, key := range keys {
			if err := trans.Put(keyOf(ns, key), nil, nil); err != nil {
				return fmt.Errorf("put key failed: %v", err)
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "rebuild [%s]", ns)
	}

	f := bloom.NewWithEstimates(defFilterCap, defFilterFP)
	for _, key := range keys {
		f.AddString(key)
	}
	o.filters[ns] = f
	return nil
}

// DoTransaction 事务操作
func (o *DAO) DoTransaction(fn func(trans *leveldb.Transaction) error) error {
	trans, err := o.DB.OpenTransaction()
	if err != nil {
		return fmt.Errorf("open transaction failed: %v", err)
	}

	if err = fn(trans); err != nil {
		// 事务失败，销毁事务
		trans.Discard()
		return err
	}

	if err = trans.Commit(); err != nil {
		trans.Discard()
		return fmt.Errorf("commit failed: %v", err)
	}

	return nil
}
