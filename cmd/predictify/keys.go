package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/predictify/internal/config"
	"github.com/alanyoungcy/predictify/internal/crypto"
)

func keysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the relay signing key",
	}
	cmd.AddCommand(keysEncryptCommand())
	return cmd
}

// keysEncryptCommand seals the relay key from PREDICTIFY_RELAY_PRIVATE_KEY (or
// relay.private_key) under PREDICTIFY_RELAY_KEY_PASSWORD so the raw key can be
// removed from the deployment.
func keysEncryptCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Write the relay key as an encrypted key file",
		RunE: func(_ *cobra.Command, _ []string) error {
			path := configPath
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				path = ""
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if cfg.Relay.PrivateKey == "" {
				return errors.New("keys: relay private key is not set")
			}
			if cfg.Relay.KeyPassword == "" {
				return errors.New("keys: relay key password is not set")
			}
			if out == "" {
				out = cfg.Relay.EncryptedKeyPath
			}
			if out == "" {
				return errors.New("keys: no output path (use --out or relay.encrypted_key_path)")
			}

			if err := crypto.WriteEncryptedKey(out, cfg.Relay.PrivateKey, cfg.Relay.KeyPassword); err != nil {
				return err
			}
			signer, err := crypto.NewSigner(cfg.Relay.PrivateKey, cfg.Chain.ChainID)
			if err != nil {
				return err
			}
			fmt.Printf("wrote %s for relay %s\n", out, signer.Address().Hex())
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (defaults to relay.encrypted_key_path)")
	return cmd
}
