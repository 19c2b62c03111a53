// Package signature signs and verifies request payloads bound to a
// timestamp. Server-to-server traffic uses an HMAC over the canonical
// payload with the service secret; clients sign with their own Ed25519 or
// Ed448 key and the service verifies against the registered public key.
package signature

import (
	"crypto/ed25519"
	"crypto/hmac"
	"encoding/hex"
	"sync"
	"time"

	"github.com/cloudflare/circl/sign/ed448"

	"github.com/csai/reqguard/internal/clock"
	"github.com/csai/reqguard/internal/metrics"
	"github.com/csai/reqguard/internal/reject"
)

const (
	DefaultMaxAge    = 5 * time.Minute
	DefaultClockSkew = 60 * time.Second
	MinSecretBytes   = 16
)

// Envelope travels with a signed request. Timestamp is milliseconds since
// the Unix epoch and Signature is hex.
type Envelope struct {
	Signature string    `json:"signature"`
	Timestamp int64     `json:"timestamp"`
	Algorithm Algorithm `json:"algorithm"`
	ClientID  string    `json:"client_id,omitempty"`
}

func (e Envelope) Time() time.Time { return time.UnixMilli(e.Timestamp).UTC() }

type Config struct {
	Algorithm Algorithm
	SecretKey []byte
	// MaxAge is inclusive: a signature exactly MaxAge old is still valid.
	MaxAge    time.Duration
	ClockSkew time.Duration
}

type ClientKeyEntry struct {
	ClientID     string
	Algorithm    Algorithm
	PublicKey    []byte
	RegisteredAt time.Time
}

type Service struct {
	cfg   Config
	clock clock.Clock
	reg   *metrics.Registry

	mu      sync.RWMutex
	clients map[string]ClientKeyEntry
}

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func WithMetrics(reg *metrics.Registry) Option { return func(s *Service) { s.reg = reg } }

func NewService(cfg Config, opts ...Option) (*Service, error) {
	if cfg.Algorithm == "" {
		cfg.Algorithm = HMACSHA256
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.ClockSkew == 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	if !cfg.Algorithm.Symmetric() {
		return nil, reject.Configf("server algorithm must be an hmac variant, got %q", cfg.Algorithm)
	}
	if len(cfg.SecretKey) == 0 {
		return nil, reject.Configf("server secret key is required")
	}
	if len(cfg.SecretKey) < MinSecretBytes {
		return nil, reject.Configf("server secret key must be at least %d bytes", MinSecretBytes)
	}
	if cfg.MaxAge < time.Second || cfg.ClockSkew < 0 {
		return nil, reject.Configf("invalid signature age bounds")
	}
	cfg.SecretKey = append([]byte(nil), cfg.SecretKey...)
	s := &Service{cfg: cfg, clock: clock.Real{}, clients: map[string]ClientKeyEntry{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) Algorithm() Algorithm { return s.cfg.Algorithm }

// SignAsServer MACs payload with the service secret. A zero at means now.
func (s *Service) SignAsServer(payload map[string]any, at time.Time) (Envelope, error) {
	ts := s.stamp(at)
	msg, err := Canonicalize(payload, ts)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Signature: hex.EncodeToString(s.mac(msg)),
		Timestamp: ts,
		Algorithm: s.cfg.Algorithm,
	}, nil
}

// VerifyServerSignature returns nil when env carries a fresh, matching MAC.
func (s *Service) VerifyServerSignature(payload map[string]any, env Envelope) error {
	err := s.verifyServer(payload, env)
	s.count(err)
	return err
}

func (s *Service) verifyServer(payload map[string]any, env Envelope) error {
	if env.Algorithm != s.cfg.Algorithm {
		return reject.New(reject.UnsupportedAlgorithm, string(env.Algorithm))
	}
	if err := s.checkAge(env.Timestamp); err != nil {
		return err
	}
	got, err := hex.DecodeString(env.Signature)
	if err != nil {
		return reject.New(reject.InvalidSignature, "signature is not hex")
	}
	msg, err := Canonicalize(payload, env.Timestamp)
	if err != nil {
		return err
	}
	if !equalMAC(s.mac(msg), got) {
		return reject.New(reject.InvalidSignature, "")
	}
	return nil
}

// SignAsClient signs payload with a caller-held private key. The key is used
// for this call only and never retained. A zero at means now.
func (s *Service) SignAsClient(payload map[string]any, alg Algorithm, privateKey []byte, clientID string, at time.Time) (Envelope, error) {
	return SignWithKey(payload, alg, privateKey, clientID, s.stamp(at))
}

// SignWithKey is the client-side signer; it needs no service secret.
// Ed25519 accepts a 32-byte seed or a 64-byte private key; Ed448 a 57-byte
// seed or a 114-byte private key.
func SignWithKey(payload map[string]any, alg Algorithm, privateKey []byte, clientID string, tsMs int64) (Envelope, error) {
	msg, err := CanonicalizeClient(payload, tsMs, clientID)
	if err != nil {
		return Envelope{}, err
	}
	var sig []byte
	switch alg {
	case Ed25519:
		var priv ed25519.PrivateKey
		switch len(privateKey) {
		case ed25519.SeedSize:
			priv = ed25519.NewKeyFromSeed(privateKey)
		case ed25519.PrivateKeySize:
			priv = ed25519.PrivateKey(privateKey)
		default:
			return Envelope{}, reject.New(reject.InvalidFormat, "bad ed25519 private key length")
		}
		sig = ed25519.Sign(priv, msg)
	case Ed448:
		var priv ed448.PrivateKey
		switch len(privateKey) {
		case ed448.SeedSize:
			priv = ed448.NewKeyFromSeed(privateKey)
		case ed448.PrivateKeySize:
			priv = ed448.PrivateKey(privateKey)
		default:
			return Envelope{}, reject.New(reject.InvalidFormat, "bad ed448 private key length")
		}
		sig = ed448.Sign(priv, msg, "")
	default:
		return Envelope{}, reject.New(reject.UnsupportedAlgorithm, string(alg))
	}
	return Envelope{
		Signature: hex.EncodeToString(sig),
		Timestamp: tsMs,
		Algorithm: alg,
		ClientID:  clientID,
	}, nil
}

// VerifyClientSignature checks env against the public key registered for
// env.ClientID. Unknown clients are rejected before any cryptography runs.
func (s *Service) VerifyClientSignature(payload map[string]any, env Envelope) error {
	err := s.verifyClient(payload, env)
	s.count(err)
	return err
}

func (s *Service) verifyClient(payload map[string]any, env Envelope) error {
	entry, ok := s.lookup(env.ClientID)
	if !ok {
		return reject.New(reject.UnknownClient, "")
	}
	if env.Algorithm != entry.Algorithm {
		return reject.New(reject.InvalidSignature, "algorithm does not match registered key")
	}
	if err := s.checkAge(env.Timestamp); err != nil {
		return err
	}
	sig, err := hex.DecodeString(env.Signature)
	if err != nil {
		return reject.New(reject.InvalidSignature, "signature is not hex")
	}
	msg, err := CanonicalizeClient(payload, env.Timestamp, env.ClientID)
	if err != nil {
		return err
	}
	var valid bool
	switch entry.Algorithm {
	case Ed25519:
		valid = ed25519.Verify(ed25519.PublicKey(entry.PublicKey), msg, sig)
	case Ed448:
		valid = len(sig) == ed448.SignatureSize && ed448.Verify(ed448.PublicKey(entry.PublicKey), msg, sig, "")
	}
	if !valid {
		return reject.New(reject.InvalidSignature, "")
	}
	return nil
}

// Verify dispatches on the envelope algorithm.
func (s *Service) Verify(payload map[string]any, env Envelope) error {
	if env.Algorithm.Symmetric() {
		return s.VerifyServerSignature(payload, env)
	}
	return s.VerifyClientSignature(payload, env)
}

// RegisterClientKey installs or replaces the public key for clientID.
func (s *Service) RegisterClientKey(clientID string, alg Algorithm, publicKey []byte) error {
	if clientID == "" {
		return reject.Configf("client id is required")
	}
	switch alg {
	case Ed25519:
		if len(publicKey) != ed25519.PublicKeySize {
			return reject.Configf("ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(publicKey))
		}
	case Ed448:
		if len(publicKey) != ed448.PublicKeySize {
			return reject.Configf("ed448 public key must be %d bytes, got %d", ed448.PublicKeySize, len(publicKey))
		}
	default:
		return reject.Configf("unsupported client algorithm %q", alg)
	}
	entry := ClientKeyEntry{
		ClientID:     clientID,
		Algorithm:    alg,
		PublicKey:    append([]byte(nil), publicKey...),
		RegisteredAt: s.clock.Now(),
	}
	s.mu.Lock()
	s.clients[clientID] = entry
	s.mu.Unlock()
	return nil
}

// RevokeClient removes clientID. Revoking an unknown client is a no-op.
func (s *Service) RevokeClient(clientID string) error {
	if clientID == "" {
		return reject.Configf("client id is required")
	}
	s.mu.Lock()
	delete(s.clients, clientID)
	s.mu.Unlock()
	return nil
}

func (s *Service) ClientKey(clientID string) (ClientKeyEntry, bool) {
	entry, ok := s.lookup(clientID)
	if ok {
		entry.PublicKey = append([]byte(nil), entry.PublicKey...)
	}
	return entry, ok
}

func (s *Service) lookup(clientID string) (ClientKeyEntry, bool) {
	if clientID == "" {
		return ClientKeyEntry{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.clients[clientID]
	return entry, ok
}

func (s *Service) checkAge(tsMs int64) error {
	now := s.clock.Now().UnixMilli()
	if tsMs > now+s.cfg.ClockSkew.Milliseconds() {
		return reject.New(reject.FutureTimestamp, "")
	}
	if now-tsMs > s.cfg.MaxAge.Milliseconds() {
		return reject.New(reject.ExpiredSignature, "")
	}
	return nil
}

func (s *Service) stamp(at time.Time) int64 {
	if at.IsZero() {
		at = s.clock.Now()
	}
	return at.UnixMilli()
}

func (s *Service) mac(msg []byte) []byte {
	m := hmac.New(s.cfg.Algorithm.hash(), s.cfg.SecretKey)
	_, _ = m.Write(msg)
	return m.Sum(nil)
}

func (s *Service) count(err error) {
	if err == nil {
		s.reg.IncVerified()
		return
	}
	switch r, _ := reject.ReasonOf(err); r {
	case reject.ExpiredSignature, reject.FutureTimestamp:
		s.reg.IncExpired()
	case reject.UnknownClient:
		s.reg.IncUnknownClient()
	default:
		s.reg.IncInvalid()
	}
}

// equalMAC compares in time independent of where a and b first differ.
func equalMAC(a, b []byte) bool {
	return hmac.Equal(a, b)
}
