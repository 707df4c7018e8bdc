package model

import (
	"net"
	"net/netip"
	"strconv"
	"time"
)

// DefaultListenPort is advertised for nodes that register without a port.
const DefaultListenPort = 51820

// NodeRecord captures one registered peer within a mesh. Address is both the
// identity key inside the mesh and the host part of the node's endpoint.
type NodeRecord struct {
	Address       string    `json:"address"`
	PublicKey     string    `json:"publicKey"`
	ListenPort    int       `json:"listenPort,omitempty"`
	AllowedRoutes []string  `json:"allowedRoutes,omitempty"` // extra prefixes behind the node; its overlay address is always routed
	LastSeen      time.Time `json:"lastSeen"`
}

// Port returns the advertised listen port, falling back to DefaultListenPort.
func (n NodeRecord) Port() int {
	if n.ListenPort > 0 {
		return n.ListenPort
	}
	return DefaultListenPort
}

// Endpoint joins the address and port, bracketing IPv6 hosts.
func (n NodeRecord) Endpoint() string {
	return net.JoinHostPort(n.Address, strconv.Itoa(n.Port()))
}

// Clone returns a copy that shares no slices with n.
func (n NodeRecord) Clone() NodeRecord {
	if n.AllowedRoutes != nil {
		n.AllowedRoutes = append([]string(nil), n.AllowedRoutes...)
	}
	return n
}

// HostPrefix renders addr as a single-host prefix (/32 or /128). Values that
// are not IP addresses are returned unchanged.
func HostPrefix(addr string) string {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return addr
	}
	ip = ip.Unmap()
	return netip.PrefixFrom(ip, ip.BitLen()).String()
}

// AddressLess orders IPs numerically, IPv4 before IPv6, and puts anything
// that does not parse after them in string order.
func AddressLess(a, b string) bool {
	ia, errA := netip.ParseAddr(a)
	ib, errB := netip.ParseAddr(b)
	switch {
	case errA == nil && errB == nil:
		return ia.Less(ib)
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a < b
	}
}
