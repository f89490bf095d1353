package config

import (
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// 节点配置
	ListenAddr     string   `yaml:"listen_addr"`     // RPC 服务监听地址
	Endpoint       string   `yaml:"endpoint"`        // 节点对外暴露的 RPC 地址
	BootstrapPeers []string `yaml:"bootstrap_peers"` // 启动时注册的节点地址

	// 存储配置
	DataDir       string `yaml:"data_dir"`       // 数据目录，存放 nodes.json、blockchain.json 等
	PendingPolicy string `yaml:"pending_policy"` // 收到新区块后交易池的处理方式: strict | clear

	// RPC 客户端配置
	DialTimeout time.Duration `yaml:"dial_timeout"`  // 建立连接超时
	CallTimeout time.Duration `yaml:"call_timeout"`  // 单次调用超时
	MaxInFlight int           `yaml:"max_in_flight"` // 广播时同时进行的调用数量

	// 节点发现配置，DiscoveryPort 为 0 时不启用
	DiscoveryPort  int      `yaml:"discovery_port"`
	DiscoverySeeds []string `yaml:"discovery_seeds"`

	// 状态查询服务，HttpServerPort 为 0 时不启用
	HttpServerPort int `yaml:"http_server_port"`

	Debug bool `yaml:"debug"` // 输出调试日志
}

func DefaultConfig() *Config {
	return &Config{
		ListenAddr:     "0.0.0.0:8000",
		Endpoint:       "127.0.0.1:8000",
		BootstrapPeers: []string{},
		DataDir:        "data",
		PendingPolicy:  "strict",
		DialTimeout:    3 * time.Second,
		CallTimeout:    5 * time.Second,
		MaxInFlight:    8,
		DiscoveryPort:  0,
		DiscoverySeeds: []string{},
		HttpServerPort: 0,
		Debug:          false,
	}
}

func (c *Config) Unmarshal(b []byte) error {
	return yaml.Unmarshal(b, c)
}

func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate 检查配置项
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if c.Endpoint == "" {
		// 未配置 endpoint 时使用监听地址作为对外地址，不能是通配地址
		host, _, err := net.SplitHostPort(c.ListenAddr)
		if err != nil {
			return errors.Wrapf(err, "invalid listen_addr %q", c.ListenAddr)
		}
		if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
			return errors.Errorf("endpoint is required when listen_addr %q is a wildcard address", c.ListenAddr)
		}
	}
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	switch c.PendingPolicy {
	case "strict", "clear":
	default:
		return errors.Errorf("invalid pending_policy %q", c.PendingPolicy)
	}
	if c.MaxInFlight <= 0 {
		return errors.Errorf("invalid max_in_flight %d", c.MaxInFlight)
	}
	if c.DialTimeout <= 0 || c.CallTimeout <= 0 {
		return errors.New("dial_timeout and call_timeout must be positive")
	}
	return nil
}

// Load 读取配置文件，未填写的配置项使用默认值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	conf := DefaultConfig()
	if err = conf.Unmarshal(data); err != nil {
		return nil, errors.WithStack(err)
	}
	if err = conf.Validate(); err != nil {
		return nil, err
	}

	return conf, nil
}
