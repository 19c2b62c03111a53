package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/cloudflare/circl/sign/ed448"
	"github.com/spf13/cobra"

	"github.com/csai/reqguard/internal/signature"
)

type keyPair struct {
	Algorithm  string `json:"algorithm"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

var keygenAlgorithm string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a client key pair (hex) for registration",
	RunE: func(cmd *cobra.Command, args []string) error {
		kp, err := generateKeyPair(keygenAlgorithm)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(kp)
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenAlgorithm, "algorithm", string(signature.Ed25519), "ed25519 or ed448")
	rootCmd.AddCommand(keygenCmd)
}

func generateKeyPair(algorithm string) (keyPair, error) {
	alg, err := signature.ParseAlgorithm(algorithm)
	if err != nil {
		return keyPair{}, err
	}
	switch alg {
	case signature.Ed25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return keyPair{}, err
		}
		return keyPair{Algorithm: string(alg), PublicKey: hex.EncodeToString(pub), PrivateKey: hex.EncodeToString(priv.Seed())}, nil
	case signature.Ed448:
		pub, priv, err := ed448.GenerateKey(rand.Reader)
		if err != nil {
			return keyPair{}, err
		}
		return keyPair{Algorithm: string(alg), PublicKey: hex.EncodeToString(pub), PrivateKey: hex.EncodeToString(priv.Seed())}, nil
	}
	return keyPair{}, fmt.Errorf("keygen supports ed25519 and ed448, got %s", alg)
}
