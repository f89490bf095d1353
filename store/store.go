package store

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/treeforest/easymesh/dao"
	log "github.com/treeforest/logger"
)

const (
	dirPerm  = 0755
	filePerm = 0644
)

// Config store 的配置
type Config[T any] struct {
	Dir   string         // 数据目录
	Name  string         // 文件名，如 txn.json
	Key   func(T) string // 去重 key，为空则不去重
	Index *dao.DAO       // 哈希索引，可以为空
}

// Store 持久化的有序记录集合，整个集合以一个 JSON 数组快照保存。
//
// 每次写入都会读取完整快照、修改、写入临时文件后 rename 覆盖，
// 因此单次写入的开销是 O(n)，只适合记录数量较少的集合。
// 同一个 Store 上的写操作由 locker 串行化。
type Store[T any] struct {
	path   string
	ns     string
	key    func(T) string
	index  *dao.DAO
	locker sync.RWMutex
	stale  bool // 索引中可能残留已删除的 key，去重时以快照为准

	// writeData 写入临时文件，测试中用来模拟写入中途失败
	writeData func(w io.Writer, data []byte) error
}

// New 创建 store，并在需要时根据快照修复哈希索引
func New[T any](conf Config[T]) (*Store[T], error) {
	if err := os.MkdirAll(conf.Dir, dirPerm); err != nil {
		return nil, ioError("mkdir", conf.Dir, err)
	}
	s := &Store[T]{
		path:      filepath.Join(conf.Dir, conf.Name),
		ns:        strings.TrimSuffix(conf.Name, filepath.Ext(conf.Name)),
		key:       conf.Key,
		index:     conf.Index,
		writeData: writeAll,
	}
	if s.key != nil && s.index != nil {
		if err := s.reconcile(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func writeAll(w io.Writer, data []byte) error {
	_, err := w.Write(data)
	return err
}

// Path 快照文件路径
func (s *Store[T]) Path() string {
	return s.path
}

// Name 命名空间，即不带扩展名的文件名
func (s *Store[T]) Name() string {
	return s.ns
}

// ReadAll 读取完整快照。文件不存在时返回空集合；无法读取返回 ErrStoreIO；
// 快照不是 JSON 数组时返回 ErrSerialization。单条记录无法解析时丢弃该记录并记录日志。
func (s *Store[T]) ReadAll() ([]T, error) {
	s.locker.RLock()
	defer s.locker.RUnlock()
	return s.read()
}

// FindAll 同 ReadAll
func (s *Store[T]) FindAll() ([]T, error) {
	return s.ReadAll()
}

// Len 记录数量
func (s *Store[T]) Len() (int, error) {
	records, err := s.ReadAll()
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Insert 追加一条记录
func (s *Store[T]) Insert(item T) error {
	s.locker.Lock()
	defer s.locker.Unlock()

	records, err := s.read()
	if err != nil {
		return err
	}
	if err = s.write(append(records, item)); err != nil {
		return err
	}
	if s.key != nil {
		s.indexPut(s.key(item))
	}
	return nil
}

// InsertUnique 按 key 去重后追加。记录已存在时返回 false。
func (s *Store[T]) InsertUnique(item T) (bool, error) {
	if s.key == nil {
		return true, s.Insert(item)
	}
	key := s.key(item)

	s.locker.Lock()
	defer s.locker.Unlock()

	if s.index != nil && !s.stale {
		has, err := s.index.Has(s.ns, key)
		if err != nil {
			return false, ioError("index", s.path, err)
		}
		if has {
			return false, nil
		}
	}

	records, err := s.read()
	if err != nil {
		return false, err
	}
	if s.stale {
		s.rebuildIndex(records)
	}
	for _, r := range records {
		if s.key(r) == key {
			s.indexPut(key)
			return false, nil
		}
	}
	if err = s.write(append(records, item)); err != nil {
		return false, err
	}
	s.indexPut(key)
	return true, nil
}

// Remove 删除所有满足 match 的记录，返回删除的数量
func (s *Store[T]) Remove(match func(T) bool) (int, error) {
	s.locker.Lock()
	defer s.locker.Unlock()

	records, err := s.read()
	if err != nil {
		return 0, err
	}
	kept := make([]T, 0, len(records))
	removed := make([]string, 0)
	for _, r := range records {
		if match(r) {
			if s.key != nil {
				removed = append(removed, s.key(r))
			}
			continue
		}
		kept = append(kept, r)
	}
	if len(kept) == len(records) {
		return 0, nil
	}
	if err = s.write(kept); err != nil {
		return 0, err
	}
	if s.index != nil && len(removed) > 0 {
		if err = s.index.Delete(s.ns, removed...); err != nil {
			log.Errorf("delete keys from index [%s] failed: %v", s.ns, err)
			s.stale = true
		}
	}
	return len(records) - len(kept), nil
}

// Clear 清空 store
func (s *Store[T]) Clear() error {
	s.locker.Lock()
	defer s.locker.Unlock()

	if err := s.write(make([]T, 0)); err != nil {
		return err
	}
	if s.index != nil && s.key != nil {
		if err := s.index.Clear(s.ns); err != nil {
			log.Errorf("clear index [%s] failed: %v", s.ns, err)
			s.stale = true
		}
	}
	return nil
}

func (s *Store[T]) read() ([]T, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make([]T, 0), nil
		}
		return nil, ioError("read", s.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		// 被截断为空文件的旧快照
		return make([]T, 0), nil
	}

	var raws []json.RawMessage
	if err = json.Unmarshal(data, &raws); err != nil {
		return nil, serializationError("decode", s.path, err)
	}
	records := make([]T, 0, len(raws))
	for i, raw := range raws {
		var r T
		if err = json.Unmarshal(raw, &r); err != nil {
			log.Warnf("drop malformed record %d in %s: %v", i, s.path, err)
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// write 写入临时文件后 rename，失败时旧快照保持不变
func (s *Store[T]) write(records []T) error {
	data, err := json.Marshal(records)
	if err != nil {
		return serializationError("encode", s.path, err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return ioError("create temp", s.path, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if err = s.writeData(tmp, data); err != nil {
		_ = tmp.Close()
		return ioError("write", tmpName, err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return ioError("sync", tmpName, err)
	}
	if err = tmp.Close(); err != nil {
		return ioError("close", tmpName, err)
	}
	if err = os.Chmod(tmpName, filePerm); err != nil {
		return ioError("chmod", tmpName, err)
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		return ioError("rename", s.path, err)
	}
	syncDir(dir)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func (s *Store[T]) indexPut(key string) {
	if s.index == nil {
		return
	}
	// 快照已经写入，索引失败只影响去重的快速路径，下次启动时会重建
	if err := s.index.Put(s.ns, key); err != nil {
		log.Errorf("put key into index [%s] failed: %v", s.ns, err)
	}
}

// rebuildIndex 用快照重建索引，成功后恢复索引查询。调用方持有写锁。
func (s *Store[T]) rebuildIndex(records []T) {
	if err := s.index.Rebuild(s.ns, s.keys(records)); err != nil {
		log.Warnf("rebuild index [%s] failed: %v", s.ns, err)
		return
	}
	s.stale = false
}

func (s *Store[T]) keys(records []T) []string {
	seen := make(map[string]struct{}, len(records))
	keys := make([]string, 0, len(records))
	for _, r := range records {
		k := s.key(r)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}

// reconcile 索引与快照不一致时重建索引
func (s *Store[T]) reconcile() error {
	records, err := s.read()
	if err != nil {
		if errors.Is(err, ErrSerialization) {
			log.Errorf("snapshot %s is corrupt, skip index rebuild: %v", s.path, err)
			return nil
		}
		return err
	}

	keys := s.keys(records)

	n, err := s.index.Count(s.ns)
	if err != nil {
		return ioError("index", s.path, err)
	}
	if n == len(keys) {
		synced := true
		for _, k := range keys {
			has, err := s.index.Has(s.ns, k)
			if err != nil {
				return ioError("index", s.path, err)
			}
			if !has {
				synced = false
				break
			}
		}
		if synced {
			return nil
		}
	}

	log.Infof("rebuild index [%s] with %d keys", s.ns, len(keys))
	if err = s.index.Rebuild(s.ns, keys); err != nil {
		return ioError("index", s.path, err)
	}
	return nil
}
