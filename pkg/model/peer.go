package model

// Peer describes a WireGuard peer section rendered for a requesting node.
type Peer struct {
	Address    string   `json:"address"`
	Overlay    string   `json:"overlay"`
	PublicKey  string   `json:"publicKey"`
	Endpoint   string   `json:"endpoint,omitempty"`
	AllowedIPs []string `json:"allowedIPs"`
	Keepalive  int      `json:"keepaliveSeconds,omitempty"`
}
