package agent

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"

	"yawm/pkg/wireguard"
)

// WriteConfig adds the private key to conf and writes it to dir/<iface>.conf
// with mode 0600. It returns the written path.
func WriteConfig(dir, iface, conf, privateKey string) (string, error) {
	if iface == "" {
		iface = "wg0"
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, iface+".conf")
	out := wireguard.InjectPrivateKey(conf, privateKey)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(out), 0o600); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("replace config: %w", err)
	}
	return path, nil
}

// ApplyWireGuard brings the interface up with wg-quick, or syncs peers in
// place when it already exists so established tunnels do not flap.
// It assumes wg-quick and wg are installed and the caller is privileged.
func ApplyWireGuard(confPath, iface string) error {
	if iface == "" {
		iface = "wg0"
	}
	if !ifaceExists(iface) {
		if err := run("wg-quick", "up", confPath); err != nil {
			return fmt.Errorf("wg-quick up: %w", err)
		}
		return nil
	}

	stripped, err := exec.Command("wg-quick", "strip", confPath).Output()
	if err != nil {
		return fmt.Errorf("wg-quick strip: %w", err)
	}
	cmd := exec.Command("wg", "syncconf", iface, "/dev/stdin")
	cmd.Stdin = bytes.NewReader(stripped)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("wg syncconf: %w output=%s", err, string(out))
	}
	return nil
}

func ifaceExists(iface string) bool {
	_, err := net.InterfaceByName(iface)
	return err == nil
}

func run(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v failed: %v output=%s", name, args, err, string(out))
	}
	return nil
}
