package wireguard

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"yawm/pkg/model"
)

// DefaultKeepalive keeps NAT mappings open between mesh members.
const DefaultKeepalive = 25

// DefaultOverlay is the tunnel network members are numbered in.
var DefaultOverlay = netip.MustParsePrefix("10.0.0.0/24")

var (
	// ErrNotRegistered means the requester has no live record in the mesh.
	ErrNotRegistered = errors.New("not registered")
	// ErrOverlayExhausted means the mesh has more members than the overlay
	// prefix has host addresses.
	ErrOverlayExhausted = errors.New("overlay prefix exhausted")
)

// Synthesize builds the config for self from its peers. Every live member,
// self included, is numbered in address order starting at the first host of
// overlay, so all members agree on the overlay plan regardless of input order.
// Each peer routes its overlay /32 (or /128) plus its extra AllowedRoutes.
// An invalid overlay selects DefaultOverlay.
func Synthesize(meshID string, self *model.NodeRecord, peers []model.NodeRecord, overlay netip.Prefix) (model.MeshConfig, error) {
	if self == nil {
		return model.MeshConfig{}, ErrNotRegistered
	}
	if !overlay.IsValid() {
		overlay = DefaultOverlay
	}
	overlay = overlay.Masked()

	members := make([]model.NodeRecord, 0, len(peers)+1)
	members = append(members, *self)
	for _, p := range peers {
		if p.Address == self.Address {
			continue
		}
		members = append(members, p)
	}
	sort.SliceStable(members, func(i, j int) bool { return model.AddressLess(members[i].Address, members[j].Address) })

	cfg := model.MeshConfig{
		MeshID: meshID,
		Peers:  make([]model.Peer, 0, len(members)-1),
	}
	host := overlay.Addr()
	for _, m := range members {
		var err error
		if host, err = nextHost(overlay, host); err != nil {
			return model.MeshConfig{}, fmt.Errorf("%w: %d members in %s", err, len(members), overlay)
		}
		if m.Address == self.Address {
			cfg.Interface = model.Interface{
				Address:    netip.PrefixFrom(host, overlay.Bits()).String(),
				Host:       self.Address,
				PublicKey:  self.PublicKey,
				ListenPort: self.Port(),
			}
			continue
		}
		own := netip.PrefixFrom(host, host.BitLen()).String()
		allowed := []string{own}
		for _, r := range m.AllowedRoutes {
			if r != own {
				allowed = append(allowed, r)
			}
		}
		cfg.Peers = append(cfg.Peers, model.Peer{
			Address:    m.Address,
			Overlay:    host.String(),
			PublicKey:  m.PublicKey,
			Endpoint:   m.Endpoint(),
			AllowedIPs: allowed,
			Keepalive:  DefaultKeepalive,
		})
	}
	return cfg, nil
}

// nextHost returns the address after prev inside overlay, skipping the IPv4
// broadcast address.
func nextHost(overlay netip.Prefix, prev netip.Addr) (netip.Addr, error) {
	next := prev.Next()
	if !next.IsValid() || !overlay.Contains(next) {
		return netip.Addr{}, ErrOverlayExhausted
	}
	if next.Is4() && !overlay.Contains(next.Next()) {
		return netip.Addr{}, ErrOverlayExhausted
	}
	return next, nil
}

// Render produces a wg-quick compatible config. The interface section has no
// PrivateKey line; the agent adds it locally with InjectPrivateKey.
func Render(cfg model.MeshConfig) string {
	var b strings.Builder
	if cfg.MeshID != "" {
		fmt.Fprintf(&b, "# mesh %s\n", cfg.MeshID)
	}
	b.WriteString("[Interface]\n")
	if cfg.Interface.Address != "" {
		fmt.Fprintf(&b, "Address = %s\n", cfg.Interface.Address)
	}
	if cfg.Interface.PublicKey != "" {
		fmt.Fprintf(&b, "# PublicKey = %s\n", cfg.Interface.PublicKey)
	}
	if cfg.Interface.ListenPort > 0 {
		fmt.Fprintf(&b, "ListenPort = %d\n", cfg.Interface.ListenPort)
	}

	for _, p := range cfg.Peers {
		b.WriteString("\n[Peer]\n")
		fmt.Fprintf(&b, "PublicKey = %s\n", p.PublicKey)
		if p.Endpoint != "" {
			fmt.Fprintf(&b, "Endpoint = %s\n", p.Endpoint)
		}
		if len(p.AllowedIPs) > 0 {
			fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(p.AllowedIPs, ", "))
		}
		if p.Keepalive > 0 {
			fmt.Fprintf(&b, "PersistentKeepalive = %d\n", p.Keepalive)
		}
	}
	return b.String()
}

// InjectPrivateKey adds a PrivateKey line right after the [Interface] header,
// replacing any existing one.
func InjectPrivateKey(conf, privateKey string) string {
	lines := strings.Split(conf, "\n")
	out := make([]string, 0, len(lines)+1)
	inIface := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") {
			inIface = trimmed == "[Interface]"
			out = append(out, line)
			if inIface && privateKey != "" {
				out = append(out, "PrivateKey = "+privateKey)
			}
			continue
		}
		if inIface && strings.HasPrefix(trimmed, "PrivateKey") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
