package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"yawm/pkg/agent"
)

func newKeygenCommand() *cobra.Command {
	var keyFile string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate (or load) this host's WireGuard key and print the public half",
		RunE: func(cmd *cobra.Command, _ []string) error {
			kp, err := agent.LoadOrCreateKey(keyFile)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), kp.Public)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyFile, "key-file", defaultKeyFile, "private key path, created with mode 0600 if missing")
	return cmd
}

func newMeshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "new-mesh",
		Short: "Print a fresh mesh id to share with the other nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), uuid.NewString())
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), versionString())
			return nil
		},
	}
}
