package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yawm/pkg/agent"
	"yawm/pkg/api"
	"yawm/pkg/version"
)

const defaultKeyFile = "./wg.key"

// output controls where configs go and whether they are applied.
type output struct {
	keyFile string
	dir     string
	iface   string
	apply   bool
}

func (o *output) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.keyFile, "key-file", defaultKeyFile, "private key path, created with mode 0600 if missing")
	cmd.Flags().StringVar(&o.dir, "out", "", "write <iface>.conf with the private key into this directory instead of printing")
	cmd.Flags().StringVar(&o.iface, "iface", "wg0", "wireguard interface name")
	cmd.Flags().BoolVar(&o.apply, "apply", false, "apply the written config with wg-quick (requires --out)")
}

// emit prints conf, or writes and optionally applies it.
func (o *output) emit(cmd *cobra.Command, conf string) error {
	if o.dir == "" {
		if o.apply {
			return errors.New("--apply requires --out")
		}
		fmt.Fprint(cmd.OutOrStdout(), conf)
		return nil
	}
	kp, err := agent.LoadOrCreateKey(o.keyFile)
	if err != nil {
		return err
	}
	path, err := agent.WriteConfig(o.dir, o.iface, conf, kp.Private)
	if err != nil {
		return err
	}
	logger.Info("config written", zap.String("path", path), zap.Bool("apply", o.apply))
	if !o.apply {
		return nil
	}
	if err := agent.ApplyWireGuard(path, o.iface); err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	logger.Info("config applied", zap.String("iface", o.iface))
	return nil
}

func newRegisterCommand() *cobra.Command {
	var (
		keyFile    string
		publicKey  string
		listenPort int
		routes     []string
	)
	cmd := &cobra.Command{
		Use:   "register <mesh-id>",
		Short: "Register this host in a mesh (repeat within the TTL to stay listed)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if publicKey == "" {
				kp, err := agent.LoadOrCreateKey(keyFile)
				if err != nil {
					return err
				}
				publicKey = kp.Public
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			resp, err := client.Register(ctx, args[0], api.RegisterRequest{
				PublicKey:     publicKey,
				ListenPort:    listenPort,
				AllowedRoutes: routes,
			})
			if err != nil {
				return fmt.Errorf("register: %w", err)
			}
			logger.Info("registered",
				zap.String("mesh", resp.MeshID),
				zap.String("address", resp.Node.Address),
				zap.Time("expiresAt", resp.ExpiresAt))
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s in %s until %s\n", resp.Node.Address, resp.MeshID, resp.ExpiresAt.Format("15:04:05"))
			return nil
		},
	}
	cmd.Flags().StringVar(&keyFile, "key-file", defaultKeyFile, "private key path; its public half is registered")
	cmd.Flags().StringVar(&publicKey, "public-key", "", "register this public key instead of reading --key-file")
	cmd.Flags().IntVar(&listenPort, "listen-port", 0, "wireguard listen port (controller default 51820)")
	cmd.Flags().StringSliceVar(&routes, "routes", nil, "comma separated extra prefixes routed to this node (its overlay address is always routed)")
	return cmd
}

func newConfigCommand() *cobra.Command {
	var out output
	cmd := &cobra.Command{
		Use:   "config <mesh-id>",
		Short: "Fetch the WireGuard config for this host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			conf, err := client.FetchConfig(ctx, args[0])
			if agent.IsNotFound(err) {
				return errors.New("not registered or expired; run register first")
			}
			if err != nil {
				return err
			}
			return out.emit(cmd, conf)
		},
	}
	out.bind(cmd)
	return cmd
}

func newMembersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "members <mesh-id>",
		Short: "List the other live nodes of a mesh",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			peers, err := client.Members(ctx, args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-40s %-45s %s\n", "ENDPOINT", "PUBLIC KEY", "EXTRA ROUTES")
			for _, p := range peers {
				fmt.Fprintf(w, "%-40s %-45s %s\n", p.Endpoint(), p.PublicKey, strings.Join(p.AllowedRoutes, ","))
			}
			return nil
		},
	}
}

func newWatchCommand() *cobra.Command {
	var out output
	cmd := &cobra.Command{
		Use:   "watch <mesh-id>",
		Short: "Stream config updates as nodes join and expire",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.Watch(cmd.Context(), args[0], func(conf string) error {
				logger.Debug("config update", zap.Int("bytes", len(conf)))
				return out.emit(cmd, conf)
			})
		},
	}
	out.bind(cmd)
	return cmd
}

func versionString() string {
	return "yawm-agent " + version.Build
}
