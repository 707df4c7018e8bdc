package store

import (
	"fmt"
	"net/netip"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"yawm/pkg/model"
)

// normalize checks the request and builds the record to store.
func (r RegisterRequest) normalize(strictKeys bool) (model.NodeRecord, error) {
	if strings.TrimSpace(r.MeshID) == "" {
		return model.NodeRecord{}, fmt.Errorf("%w: mesh id is required", ErrInvalidInput)
	}
	addr := normalizeAddress(r.Address)
	if addr == "" {
		return model.NodeRecord{}, fmt.Errorf("%w: address is required", ErrInvalidInput)
	}
	key := strings.TrimSpace(r.PublicKey)
	if key == "" {
		return model.NodeRecord{}, fmt.Errorf("%w: publicKey is required", ErrInvalidInput)
	}
	if strictKeys {
		if _, err := wgtypes.ParseKey(key); err != nil {
			return model.NodeRecord{}, fmt.Errorf("%w: publicKey: %v", ErrInvalidInput, err)
		}
	}
	if r.ListenPort < 0 || r.ListenPort > 65535 {
		return model.NodeRecord{}, fmt.Errorf("%w: listenPort %d out of range", ErrInvalidInput, r.ListenPort)
	}
	routes, err := normalizeRoutes(r.AllowedRoutes)
	if err != nil {
		return model.NodeRecord{}, err
	}
	return model.NodeRecord{
		Address:       addr,
		PublicKey:     key,
		ListenPort:    r.ListenPort,
		AllowedRoutes: routes,
	}, nil
}

// normalizeAddress trims the address and unmaps IPv4-in-IPv6 forms so one
// host always maps to one identity key.
func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if ip, err := netip.ParseAddr(addr); err == nil {
		return ip.Unmap().String()
	}
	return addr
}

func normalizeRoutes(in []string) ([]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, raw := range in {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		var route string
		if p, err := netip.ParsePrefix(s); err == nil {
			route = p.String()
		} else if ip, err := netip.ParseAddr(s); err == nil {
			route = model.HostPrefix(ip.String())
		} else {
			return nil, fmt.Errorf("%w: allowed route %q is not a prefix", ErrInvalidInput, s)
		}
		if !seen[route] {
			seen[route] = true
			out = append(out, route)
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
