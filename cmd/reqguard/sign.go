package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/csai/reqguard/internal/auth"
	"github.com/csai/reqguard/internal/config"
	"github.com/csai/reqguard/internal/guard"
	"github.com/csai/reqguard/internal/nonce"
	"github.com/csai/reqguard/internal/signature"
)

type signOptions struct {
	method         string
	path           string
	nonce          string
	clientID       string
	algorithm      string
	privateKeyFile string
}

var signOpts signOptions

// signCmd prints the headers for a request whose JSON body is read from
// stdin. Without --client-id it signs with the configured server secret.
var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Print X-Guard headers for a JSON body read from stdin",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := readStdinObject(cmd.InOrStdin())
		if err != nil {
			return err
		}
		headers, err := signRequest(signOpts, body, time.Now().UTC())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(headers)
	},
}

func init() {
	signCmd.Flags().StringVar(&signOpts.method, "method", "POST", "HTTP method being signed")
	signCmd.Flags().StringVar(&signOpts.path, "path", "/v1/echo", "request path being signed")
	signCmd.Flags().StringVar(&signOpts.nonce, "nonce", "", "nonce to use (random when empty)")
	signCmd.Flags().StringVar(&signOpts.clientID, "client-id", "", "sign as this client instead of the server")
	signCmd.Flags().StringVar(&signOpts.algorithm, "algorithm", string(signature.Ed25519), "client signature algorithm")
	signCmd.Flags().StringVar(&signOpts.privateKeyFile, "private-key-file", "", "hex client private key or seed")
	rootCmd.AddCommand(signCmd)
}

func readStdinObject(r io.Reader) (map[string]any, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil || body == nil {
		return nil, fmt.Errorf("stdin must be a JSON object")
	}
	return body, nil
}

func signRequest(opts signOptions, body map[string]any, now time.Time) (map[string]string, error) {
	method := strings.ToUpper(opts.method)
	nonceValue := opts.nonce
	if nonceValue == "" {
		ledger, err := nonce.NewLedger(nonce.Config{})
		if err != nil {
			return nil, err
		}
		owner := opts.clientID
		if owner == "" {
			owner = guard.ServerOwner
		}
		if nonceValue, err = ledger.Issue(owner); err != nil {
			return nil, err
		}
	}
	payload := auth.RequestPayload(method, opts.path, nonceValue, body)

	var (
		env signature.Envelope
		err error
	)
	if opts.clientID != "" {
		env, err = signAsClient(opts, payload, now)
	} else {
		env, err = signAsServer(payload, now)
	}
	if err != nil {
		return nil, err
	}

	headers := map[string]string{
		auth.HeaderSignature: env.Signature,
		auth.HeaderTimestamp: strconv.FormatInt(env.Timestamp, 10),
		auth.HeaderNonce:     nonceValue,
		auth.HeaderAlgorithm: string(env.Algorithm),
	}
	if env.ClientID != "" {
		headers[auth.HeaderClientID] = env.ClientID
	}
	return headers, nil
}

func signAsServer(payload map[string]any, now time.Time) (signature.Envelope, error) {
	cfg, err := config.Load()
	if err != nil {
		return signature.Envelope{}, fmt.Errorf("config error: %w", err)
	}
	svc, err := signature.NewService(cfg.SignerConfig())
	if err != nil {
		return signature.Envelope{}, err
	}
	return svc.SignAsServer(payload, now)
}

func signAsClient(opts signOptions, payload map[string]any, now time.Time) (signature.Envelope, error) {
	if opts.privateKeyFile == "" {
		return signature.Envelope{}, fmt.Errorf("--private-key-file is required with --client-id")
	}
	raw, err := os.ReadFile(opts.privateKeyFile)
	if err != nil {
		return signature.Envelope{}, fmt.Errorf("read private key: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return signature.Envelope{}, fmt.Errorf("private key is not hex")
	}
	alg, err := signature.ParseAlgorithm(opts.algorithm)
	if err != nil {
		return signature.Envelope{}, err
	}
	return signature.SignWithKey(payload, alg, key, opts.clientID, now.UnixMilli())
}
