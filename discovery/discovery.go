package discovery

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"github.com/treeforest/easymesh/registry"
	log "github.com/treeforest/logger"
)

const defLeaveTimeout = time.Second

// Config 节点发现配置
type Config struct {
	Name     string // 成员名，为空时生成 uuid
	BindAddr string
	BindPort int    // 为 0 时随机选择端口
	Endpoint string // 本节点对外的 RPC 地址，写入成员元数据
}

// Discovery 基于 memberlist 的节点发现。只同步成员关系，不同步账本数据。
// 新成员加入时把它的 RPC 地址写入 Registry，成员离开时不会移除。
type Discovery struct {
	list     *memberlist.Memberlist
	registry *registry.Registry
	endpoint string
}

func New(conf Config, r *registry.Registry) (*Discovery, error) {
	endpoint, err := registry.NormalizeAddress(conf.Endpoint)
	if err != nil {
		return nil, err
	}

	d := &Discovery{registry: r, endpoint: endpoint}

	mconf := memberlist.DefaultLocalConfig()
	mconf.Name = conf.Name
	if mconf.Name == "" {
		mconf.Name = uuid.New()
	}
	if conf.BindAddr != "" {
		mconf.BindAddr = conf.BindAddr
	}
	mconf.BindPort = conf.BindPort
	mconf.AdvertisePort = conf.BindPort
	mconf.Delegate = d
	mconf.Events = d
	mconf.LogOutput = logWriter{}

	d.list, err = memberlist.Create(mconf)
	if err != nil {
		return nil, errors.Wrap(err, "create memberlist")
	}
	log.Infof("discovery %s listening on %s", mconf.Name, d.LocalAddr())
	return d, nil
}

// Join 通过种子节点加入集群，返回成功联系的节点数量
func (d *Discovery) Join(seeds []string) (int, error) {
	if len(seeds) == 0 {
		return 0, nil
	}
	n, err := d.list.Join(seeds)
	if err != nil {
		return n, errors.Wrapf(err, "join %v", seeds)
	}
	return n, nil
}

// Members 集群中所有成员的 RPC 地址，包括本节点
func (d *Discovery) Members() []string {
	members := d.list.Members()
	addrs := make([]string, 0, len(members))
	for _, m := range members {
		if addr, ok := d.endpointOf(m); ok {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// LocalAddr memberlist 的监听地址
func (d *Discovery) LocalAddr() string {
	n := d.list.LocalNode()
	return n.Addr.String() + ":" + strconv.Itoa(int(n.Port))
}

func (d *Discovery) Leave() error {
	return d.list.Leave(defLeaveTimeout)
}

func (d *Discovery) Shutdown() error {
	return d.list.Shutdown()
}

// Stop 通知其它成员后关闭
func (d *Discovery) Stop() {
	if err := d.Leave(); err != nil {
		log.Warnf("leave cluster failed: %v", err)
	}
	if err := d.Shutdown(); err != nil {
		log.Warnf("shutdown discovery failed: %v", err)
	}
}

func (d *Discovery) endpointOf(n *memberlist.Node) (string, bool) {
	if len(n.Meta) == 0 {
		return "", false
	}
	addr, err := registry.NormalizeAddress(string(n.Meta))
	if err != nil {
		log.Warnf("member %s has invalid endpoint %q", n.Name, n.Meta)
		return "", false
	}
	return addr, true
}

func (d *Discovery) NotifyJoin(n *memberlist.Node) {
	addr, ok := d.endpointOf(n)
	if !ok || addr == d.endpoint {
		return
	}
	log.Debugf("member %s joined, endpoint %s", n.Name, addr)
	if _, err := d.registry.AddNode(addr); err != nil {
		log.Errorf("register member %s failed: %v", n.Name, err)
	}
}

func (d *Discovery) NotifyLeave(n *memberlist.Node) {
	log.Infof("member %s left", n.Name)
}

func (d *Discovery) NotifyUpdate(n *memberlist.Node) {
	d.NotifyJoin(n)
}

// NodeMeta 元数据为本节点的 RPC 地址
func (d *Discovery) NodeMeta(limit int) []byte {
	if len(d.endpoint) > limit {
		log.Errorf("endpoint %s exceeds meta limit %d", d.endpoint, limit)
		return nil
	}
	return []byte(d.endpoint)
}

func (d *Discovery) NotifyMsg([]byte) {}

func (d *Discovery) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState push/pull 时交换已知的节点地址
func (d *Discovery) LocalState(join bool) []byte {
	nodes, err := d.registry.ListNodes()
	if err != nil {
		log.Warnf("list nodes failed: %v", err)
		return nil
	}
	data, err := json.Marshal(nodes)
	if err != nil {
		return nil
	}
	return data
}

func (d *Discovery) MergeRemoteState(buf []byte, join bool) {
	if len(buf) == 0 {
		return
	}
	var nodes []string
	if err := json.Unmarshal(buf, &nodes); err != nil {
		log.Warnf("merge remote state failed: %v", err)
		return
	}
	for _, addr := range nodes {
		if addr == d.endpoint {
			continue
		}
		if _, err := d.registry.AddNode(addr); err != nil {
			log.Debugf("skip remote node %s: %v", addr, err)
		}
	}
}

// logWriter 把 memberlist 的日志转到 logger
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	switch {
	case strings.Contains(line, "[ERR]"):
		log.Error(line)
	case strings.Contains(line, "[WARN]"):
		log.Warn(line)
	default:
		log.Debug(line)
	}
	return len(p), nil
}
