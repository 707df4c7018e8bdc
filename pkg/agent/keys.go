package agent

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Keypair is a WireGuard keypair in base64 form.
type Keypair struct {
	Private string
	Public  string
}

// GenerateKeypair creates a new WireGuard private/public keypair.
func GenerateKeypair() (Keypair, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return Keypair{}, err
	}
	return Keypair{Private: priv.String(), Public: priv.PublicKey().String()}, nil
}

// LoadOrCreateKey reads the private key at path, generating and saving a new
// one (mode 0600) when the file does not exist.
func LoadOrCreateKey(path string) (Keypair, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		priv, err := wgtypes.ParseKey(strings.TrimSpace(string(data)))
		if err != nil {
			return Keypair{}, fmt.Errorf("parse private key %s: %w", path, err)
		}
		return Keypair{Private: priv.String(), Public: priv.PublicKey().String()}, nil
	case !errors.Is(err, fs.ErrNotExist):
		return Keypair{}, fmt.Errorf("read private key: %w", err)
	}
	kp, err := GenerateKeypair()
	if err != nil {
		return Keypair{}, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return Keypair{}, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(kp.Private+"\n"), 0o600); err != nil {
		return Keypair{}, fmt.Errorf("write private key: %w", err)
	}
	return kp, nil
}
