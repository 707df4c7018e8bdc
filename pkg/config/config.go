package config

import (
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"yawm/pkg/store"
	"yawm/pkg/wireguard"
)

// DefaultToken is used when APP_TOKEN is not set.
const DefaultToken = "testing"

// Config holds the controller settings.
// Env:
//
//	APP_TOKEN, LISTEN_ADDR, MESH_TTL, SWEEP_INTERVAL, MAX_MESHES, TRUST_PROXY,
//	STRICT_KEYS, RATE_LIMIT, RATE_BURST, LOG_LEVEL, LOG_FORMAT, TLS_CERT,
//	TLS_KEY, CLIENT_CA, OVERLAY_PREFIX
type Config struct {
	Addr          string
	Token         string
	TTL           time.Duration
	SweepInterval time.Duration
	MaxMeshes     int
	TrustProxy    bool
	StrictKeys    bool
	Overlay       string // tunnel network members are numbered in
	RateLimit     int // register calls per minute per source address, 0 disables
	RateBurst     int
	LogLevel      string
	LogFormat     string // json|console
	TLSCert       string
	TLSKey        string
	ClientCA      string // require client certs signed by this CA
}

// FromEnv loads .env (if present) and returns env-derived defaults.
func FromEnv() Config {
	_ = LoadDotEnv(".env")
	return Config{
		Addr:          getenv("LISTEN_ADDR", ":8080"),
		Token:         os.Getenv("APP_TOKEN"),
		TTL:           getDuration("MESH_TTL", store.DefaultTTL),
		SweepInterval: getDuration("SWEEP_INTERVAL", store.DefaultSweepInterval),
		MaxMeshes:     getInt("MAX_MESHES", store.DefaultMaxMeshes),
		TrustProxy:    getBool("TRUST_PROXY", false),
		StrictKeys:    getBool("STRICT_KEYS", false),
		Overlay:       getenv("OVERLAY_PREFIX", wireguard.DefaultOverlay.String()),
		RateLimit:     getInt("RATE_LIMIT", 30),
		RateBurst:     getInt("RATE_BURST", 10),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		LogFormat:     getenv("LOG_FORMAT", "json"),
		TLSCert:       os.Getenv("TLS_CERT"),
		TLSKey:        os.Getenv("TLS_KEY"),
		ClientCA:      os.Getenv("CLIENT_CA"),
	}
}

// BindFlags registers flags on fs using c's current values as defaults.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "listen address")
	fs.StringVar(&c.Token, "token", c.Token, "shared X-Auth-Token value (env APP_TOKEN)")
	fs.DurationVar(&c.TTL, "ttl", c.TTL, "inactivity window for nodes and meshes")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "background expiry interval (must be shorter than ttl)")
	fs.IntVar(&c.MaxMeshes, "max-meshes", c.MaxMeshes, "maximum number of live meshes")
	fs.BoolVar(&c.TrustProxy, "trust-proxy", c.TrustProxy, "take the caller address from X-Forwarded-For / X-Real-IP")
	fs.BoolVar(&c.StrictKeys, "strict-keys", c.StrictKeys, "require public keys to be base64 WireGuard keys")
	fs.StringVar(&c.Overlay, "overlay", c.Overlay, "overlay prefix; members get consecutive host addresses in it")
	fs.IntVar(&c.RateLimit, "rate-limit", c.RateLimit, "register calls per minute per source address (0 disables)")
	fs.IntVar(&c.RateBurst, "rate-burst", c.RateBurst, "register burst per source address")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug|info|warn|error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "json|console")
	fs.StringVar(&c.TLSCert, "tls-cert", c.TLSCert, "TLS cert path (enables HTTPS if set with --tls-key)")
	fs.StringVar(&c.TLSKey, "tls-key", c.TLSKey, "TLS key path (enables HTTPS if set with --tls-cert)")
	fs.StringVar(&c.ClientCA, "client-ca", c.ClientCA, "require and verify client certs using this CA (optional)")
}

// OverlayPrefix returns the parsed overlay, or the zero prefix when unset.
func (c Config) OverlayPrefix() netip.Prefix {
	p, err := netip.ParsePrefix(c.Overlay)
	if err != nil {
		return netip.Prefix{}
	}
	return p.Masked()
}

// TLSEnabled reports whether both a certificate and a key were given.
func (c Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// UsingDefaultToken reports whether no token was configured.
func (c *Config) UsingDefaultToken() bool {
	return c.Token == ""
}

// Finalize fills the default token and validates the result.
func (c *Config) Finalize() error {
	if c.Token == "" {
		c.Token = DefaultToken
	}
	return c.Validate()
}

// Validate rejects settings the registry cannot honour.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("listen address is required")
	}
	if c.TTL <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", c.TTL)
	}
	if c.SweepInterval <= 0 || c.SweepInterval >= c.TTL {
		return fmt.Errorf("sweep interval %s must be positive and shorter than ttl %s", c.SweepInterval, c.TTL)
	}
	if c.MaxMeshes <= 0 {
		return fmt.Errorf("max meshes must be positive, got %d", c.MaxMeshes)
	}
	if c.Overlay != "" {
		p, err := netip.ParsePrefix(c.Overlay)
		if err != nil {
			return fmt.Errorf("overlay: %w", err)
		}
		if p.Addr().Is4() && p.Bits() > 30 || p.Bits() > 126 {
			return fmt.Errorf("overlay %s is too small for a mesh", c.Overlay)
		}
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return errors.New("rate limit and burst must not be negative")
	}
	if c.RateLimit > 0 && c.RateBurst == 0 {
		return errors.New("rate burst must be positive when rate limit is enabled")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("tls cert and key must be set together")
	}
	if c.ClientCA != "" && !c.TLSEnabled() {
		return errors.New("client ca requires tls cert and key")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported log format %q", c.LogFormat)
	}
	return nil
}

// LoadDotEnv loads path into the environment when it exists. Variables that
// are already set win.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err == nil {
		return godotenv.Load(path)
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return def
}

func getInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return def
}
