package registry

import (
	"github.com/treeforest/easymesh/store"
	log "github.com/treeforest/logger"
)

// Registry 已知节点的地址集合。节点只会被加入，不会被移除。
type Registry struct {
	store *store.Store[string]
	self  string // 本节点对外地址，不会加入集合
}

// New 创建节点注册表，self 为本节点的对外地址，可以为空
func New(s *store.Store[string], self string) *Registry {
	r := &Registry{store: s}
	if self != "" {
		addr, err := NormalizeAddress(self)
		if err != nil {
			log.Warnf("invalid self address %s: %v", self, err)
		} else {
			r.self = addr
		}
	}
	return r
}

// AddressKey nodes store 的去重 key。旧数据中的地址可能带有协议前缀，
// 按规范化后的地址去重，无法解析时使用原始值。
func AddressKey(addr string) string {
	if key, err := NormalizeAddress(addr); err == nil {
		return key
	}
	return addr
}

// Self 本节点对外地址
func (r *Registry) Self() string {
	return r.self
}

// SetSelf 设置本节点对外地址，需要在处理请求之前调用
func (r *Registry) SetSelf(address string) error {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return err
	}
	r.self = addr
	return nil
}

// AddNode 规范化地址后加入注册表，地址已经存在时返回 false
func (r *Registry) AddNode(address string) (bool, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return false, err
	}
	if addr == r.self {
		return false, nil
	}
	added, err := r.store.InsertUnique(addr)
	if err != nil {
		return false, err
	}
	if added {
		log.Infof("add node %s", addr)
	}
	return added, nil
}

// ListNodes 返回所有已知节点地址
func (r *Registry) ListNodes() ([]string, error) {
	records, err := r.store.FindAll()
	if err != nil {
		return nil, err
	}
	// 兼容旧数据：可能带有协议前缀或者重复
	seen := make(map[string]struct{}, len(records))
	nodes := make([]string, 0, len(records))
	for _, record := range records {
		addr, err := NormalizeAddress(record)
		if err != nil {
			log.Warnf("skip invalid node address %q: %v", record, err)
			continue
		}
		if _, ok := seen[addr]; ok || addr == r.self {
			continue
		}
		seen[addr] = struct{}{}
		nodes = append(nodes, addr)
	}
	return nodes, nil
}

// Contains 地址是否已经在注册表中
func (r *Registry) Contains(address string) (bool, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return false, err
	}
	nodes, err := r.ListNodes()
	if err != nil {
		return false, err
	}
	for _, node := range nodes {
		if node == addr {
			return true, nil
		}
	}
	return false, nil
}
