package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/treeforest/easymesh/dao"
)

type record struct {
	ID string `json:"id"`
	N  int    `json:"n"`
}

func recordKey(r record) string {
	return r.ID
}

func newTestStore(t *testing.T, index *dao.DAO) *Store[record] {
	s, err := New(Config[record]{
		Dir:   t.TempDir(),
		Name:  "records.json",
		Key:   recordKey,
		Index: index,
	})
	require.NoError(t, err)
	return s
}

func TestRoundTrip(t *testing.T) {
	s := newTestStore(t, nil)

	records, err := s.ReadAll()
	require.NoError(t, err)
	require.Empty(t, records)

	want := make([]record, 0)
	for i := 0; i < 5; i++ {
		r := record{ID: fmt.Sprintf("r%d", i), N: i}
		require.NoError(t, s.Insert(r))
		want = append(want, r)

		got, err := s.FindAll()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	// 普通 Insert 不去重
	require.NoError(t, s.Insert(want[0]))
	n, err := s.Len()
	require.NoError(t, err)
	require.Equal(t, 6, n)
}

func TestReadMalformed(t *testing.T) {
	s := newTestStore(t, nil)

	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0644))
	_, err := s.ReadAll()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrSerialization))
	require.False(t, errors.Is(err, ErrStoreIO))

	// 写入也必须失败，不能把损坏的快照当成空集合覆盖掉
	err = s.Insert(record{ID: "a"})
	require.True(t, errors.Is(err, ErrSerialization))
}

func TestReadDropsMalformedRecord(t *testing.T) {
	s := newTestStore(t, nil)

	require.NoError(t, os.WriteFile(s.Path(), []byte(`[{"id":"a","n":1},{"id":7},{"id":"c","n":3}]`), 0644))
	records, err := s.ReadAll()
	require.NoError(t, err)
	require.Equal(t, []record{{ID: "a", N: 1}, {ID: "c", N: 3}}, records)
}

func TestReadEmptyFile(t *testing.T) {
	s := newTestStore(t, nil)

	require.NoError(t, os.WriteFile(s.Path(), nil, 0644))
	records, err := s.ReadAll()
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestReadIOError(t *testing.T) {
	dir := t.TempDir()
	// 快照路径是一个目录，读取会失败
	require.NoError(t, os.Mkdir(filepath.Join(dir, "records.json"), 0755))
	s, err := New(Config[record]{Dir: dir, Name: "records.json"})
	require.NoError(t, err)

	_, err = s.ReadAll()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrStoreIO))
}

func TestCrashAtomicity(t *testing.T) {
	s := newTestStore(t, nil)
	require.NoError(t, s.Insert(record{ID: "a", N: 1}))
	require.NoError(t, s.Insert(record{ID: "b", N: 2}))
	before, err := s.ReadAll()
	require.NoError(t, err)

	// 只写入一半数据后失败
	s.writeData = func(w io.Writer, data []byte) error {
		_, _ = w.Write(data[:len(data)/2])
		return errors.New("disk full")
	}
	err = s.Insert(record{ID: "c", N: 3})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrStoreIO))

	after, err := s.ReadAll()
	require.NoError(t, err)
	require.Equal(t, before, after)

	// 临时文件已经清理
	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	s.writeData = writeAll
	require.NoError(t, s.Insert(record{ID: "c", N: 3}))
	after, err = s.ReadAll()
	require.NoError(t, err)
	require.Len(t, after, 3)
}

func TestConcurrentInsert(t *testing.T) {
	s := newTestStore(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, s.Insert(record{ID: fmt.Sprintf("r%d", i), N: i}))
		}(i)
	}
	wg.Wait()

	n, err := s.Len()
	require.NoError(t, err)
	require.Equal(t, 20, n)
}

func TestInsertUnique(t *testing.T) {
	index, err := dao.NewMem()
	require.NoError(t, err)
	defer index.Close()

	for _, idx := range []*dao.DAO{nil, index} {
		s := newTestStore(t, idx)

		ok, err := s.InsertUnique(record{ID: "a", N: 1})
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.InsertUnique(record{ID: "a", N: 2})
		require.NoError(t, err)
		require.False(t, ok)

		records, err := s.ReadAll()
		require.NoError(t, err)
		require.Equal(t, []record{{ID: "a", N: 1}}, records)

		require.NoError(t, s.Clear())
		ok, err = s.InsertUnique(record{ID: "a", N: 3})
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, s.Clear())
	}
}

func TestRemove(t *testing.T) {
	index, err := dao.NewMem()
	require.NoError(t, err)
	defer index.Close()
	s := newTestStore(t, index)

	for _, id := range []string{"a", "b", "c"} {
		_, err = s.InsertUnique(record{ID: id})
		require.NoError(t, err)
	}

	n, err := s.Remove(func(r record) bool { return r.ID == "b" })
	require.NoError(t, err)
	require.Equal(t, 1, n)

	records, err := s.ReadAll()
	require.NoError(t, err)
	require.Equal(t, []record{{ID: "a"}, {ID: "c"}}, records)

	// 删除后可以重新插入
	ok, err := s.InsertUnique(record{ID: "b"})
	require.NoError(t, err)
	require.True(t, ok)

	n, err = s.Remove(func(r record) bool { return r.ID == "x" })
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestClear(t *testing.T) {
	s := newTestStore(t, nil)
	require.NoError(t, s.Insert(record{ID: "a"}))
	require.NoError(t, s.Clear())

	records, err := s.ReadAll()
	require.NoError(t, err)
	require.Empty(t, records)

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	require.Equal(t, "[]", string(data))
}

func TestReconcileIndex(t *testing.T) {
	index, err := dao.NewMem()
	require.NoError(t, err)
	defer index.Close()

	dir := t.TempDir()
	// 快照中已有记录，但索引为空
	require.NoError(t, os.WriteFile(filepath.Join(dir, "records.json"), []byte(`[{"id":"a","n":1}]`), 0644))
	// 索引中有快照里不存在的 key
	require.NoError(t, index.Put("records", "ghost"))

	s, err := New(Config[record]{Dir: dir, Name: "records.json", Key: recordKey, Index: index})
	require.NoError(t, err)

	has, err := index.Has("records", "a")
	require.NoError(t, err)
	require.True(t, has)
	has, err = index.Has("records", "ghost")
	require.NoError(t, err)
	require.False(t, has)

	ok, err := s.InsertUnique(record{ID: "a"})
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = s.InsertUnique(record{ID: "ghost"})
	require.NoError(t, err)
	require.True(t, ok)
}

// 索引删除失败后以快照去重，已删除的记录可以重新插入
func TestStaleIndex(t *testing.T) {
	index, err := dao.NewMem()
	require.NoError(t, err)
	s := newTestStore(t, index)

	for _, id := range []string{"a", "b"} {
		_, err = s.InsertUnique(record{ID: id})
		require.NoError(t, err)
	}
	require.NoError(t, index.Close())

	n, err := s.Remove(func(r record) bool { return r.ID == "a" })
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ok, err := s.InsertUnique(record{ID: "a"})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.InsertUnique(record{ID: "b"})
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Clear())
	ok, err = s.InsertUnique(record{ID: "b"})
	require.NoError(t, err)
	require.True(t, ok)

	records, err := s.ReadAll()
	require.NoError(t, err)
	require.Equal(t, []record{{ID: "b"}}, records)
}
