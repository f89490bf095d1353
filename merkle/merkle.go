package merkle

import (
	"bytes"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

// ErrNotLeaf 哈希不是树的叶子节点
var ErrNotLeaf = errors.New("target is not a leaf hash")

// Tree 区块内交易哈希的默克尔树。叶子按哈希排序，与交易顺序无关。
type Tree struct {
	Root  []byte
	Nodes [][]*Node // 每一层的节点，Nodes[0] 为叶子
}

type Node struct {
	Parent  *Node  // 父节点
	Brother int    // 兄弟节点在当前层的索引
	Hash    []byte // 哈希
}

type hashSlice [][]byte

func (s hashSlice) Len() int           { return len(s) }
func (s hashSlice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s hashSlice) Less(i, j int) bool { return bytes.Compare(s[i], s[j]) < 0 }

// Build 生成默克尔树，hashes 为空时 Root 为 nil
func Build(hashes [][]byte) *Tree {
	t := &Tree{Nodes: make([][]*Node, 0)}
	if len(hashes) == 0 {
		return t
	}

	sorted := make([][]byte, len(hashes))
	copy(sorted, hashes)
	sort.Sort(hashSlice(sorted))

	leafs := make([]*Node, 0, len(sorted))
	for _, hash := range sorted {
		leafs = append(leafs, &Node{Hash: hash})
	}
	t.Root = t.build(leafs)
	return t
}

func linkBrothers(nodes []*Node) {
	l := len(nodes)
	for i := 0; i < l; i += 2 {
		if i+1 == l {
			// 奇数个节点，最后一个与自身配对
			nodes[i].Brother = i
			continue
		}
		nodes[i].Brother = i + 1
		nodes[i+1].Brother = i
	}
}

func (t *Tree) build(nodes []*Node) []byte {
	linkBrothers(nodes)
	t.Nodes = append(t.Nodes, nodes)

	num := len(nodes)
	if num == 1 {
		return nodes[0].Hash
	}

	parents := make([]*Node, 0, (num+1)/2)
	for i := 0; i < num; i += 2 {
		left, right := i, i+1
		if right == num {
			right = left
		}
		parent := &Node{Hash: hashPair(nodes[left].Hash, nodes[right].Hash)}
		nodes[left].Parent = parent
		nodes[right].Parent = parent
		parents = append(parents, parent)
	}
	return t.build(parents)
}

// hashPair 按字节序拼接后计算哈希，验证时不需要知道左右位置
func hashPair(a, b []byte) []byte {
	data := make([]byte, 0, len(a)+len(b))
	if bytes.Compare(a, b) < 0 {
		data = append(append(data, a...), b...)
	} else {
		data = append(append(data, b...), a...)
	}
	sum := sha3.Sum256(data)
	return sum[:]
}

// Proof 生成叶子 hash 的默克尔证明
func (t *Tree) Proof(hash []byte) ([][]byte, error) {
	if len(t.Nodes) == 0 {
		return nil, ErrNotLeaf
	}
	var (
		node  *Node
		index int
	)
	for i, n := range t.Nodes[0] {
		if bytes.Equal(n.Hash, hash) {
			node, index = n, i
			break
		}
	}
	if node == nil {
		return nil, ErrNotLeaf
	}

	proof := make([][]byte, 0, len(t.Nodes)-1)
	for level := 0; level < len(t.Nodes)-1; level++ {
		brother := t.Nodes[level][t.Nodes[level][index].Brother]
		proof = append(proof, brother.Hash)
		index /= 2
	}
	return proof, nil
}

// Verify 用证明验证 hash 属于根为 root 的树
func Verify(hash, root []byte, proof [][]byte) bool {
	if len(root) == 0 {
		return false
	}
	dst := hash
	for _, p := range proof {
		dst = hashPair(dst, p)
	}
	return bytes.Equal(root, dst)
}
