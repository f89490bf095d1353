package registry

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	// Scheme 节点地址可选的传输协议前缀
	Scheme = "tcp://"

	maxHostLen = 253
)

// ErrAddressParse 节点地址格式错误
var ErrAddressParse = errors.New("address parse")

// ParseAddress 解析节点地址 [tcp://]host:port
func ParseAddress(address string) (host string, port uint16, err error) {
	addr := strings.TrimSpace(address)
	if len(addr) >= len(Scheme) && strings.EqualFold(addr[:len(Scheme)], Scheme) {
		addr = addr[len(Scheme):]
	}
	if strings.Contains(addr, "://") {
		return "", 0, errors.Wrapf(ErrAddressParse, "unsupported scheme in %q", address)
	}

	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, errors.Wrapf(ErrAddressParse, "%q: %v", address, err)
	}
	if !validHost(h) {
		return "", 0, errors.Wrapf(ErrAddressParse, "invalid host in %q", address)
	}
	n, err := strconv.ParseUint(p, 10, 16)
	if err != nil || n == 0 {
		return "", 0, errors.Wrapf(ErrAddressParse, "invalid port in %q", address)
	}
	return strings.ToLower(h), uint16(n), nil
}

// NormalizeAddress 去掉协议前缀，主机名转为小写，返回 host:port
func NormalizeAddress(address string) (string, error) {
	host, port, err := ParseAddress(address)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}

func validHost(host string) bool {
	if host == "" || len(host) > maxHostLen {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	for _, label := range strings.Split(strings.TrimSuffix(host, "."), ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, c := range label {
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			default:
				return false
			}
		}
	}
	return true
}
