package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/csai/reqguard/internal/guard"
	"github.com/csai/reqguard/internal/reject"
	"github.com/csai/reqguard/internal/signature"
)

const (
	HeaderSignature = "X-Guard-Signature"
	HeaderTimestamp = "X-Guard-Timestamp"
	HeaderNonce     = "X-Guard-Nonce"
	HeaderAlgorithm = "X-Guard-Algorithm"
	HeaderClientID  = "X-Guard-Client-ID"
)

// Identity is attached to the request context once a request is admitted.
type Identity struct {
	Subject string
	Server  bool
}

type identityKey struct{}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// RequestPayload is what a caller signs for an HTTP request. Binding the
// method, path and nonce stops a captured signature from being replayed
// against another route or with a fresh nonce.
func RequestPayload(method, path, nonce string, body map[string]any) map[string]any {
	if body == nil {
		body = map[string]any{}
	}
	return map[string]any{
		"method": method,
		"path":   path,
		"nonce":  nonce,
		"body":   body,
	}
}

type Authenticator struct {
	guard   *guard.Guard
	maxBody int64
}

func NewAuthenticator(g *guard.Guard, maxBodyBytes int64) *Authenticator {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &Authenticator{guard: g, maxBody: maxBodyBytes}
}

// Middleware admits the request through the guard. Denials get the same
// generic 401 whatever the reason; the reason only reaches the audit log.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(w, r, a.maxBody)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "Request body must be a JSON object.")
			return
		}

		env := envelopeFrom(r, a.guard.Signer().Algorithm())
		nonceValue := strings.TrimSpace(r.Header.Get(HeaderNonce))
		payload := RequestPayload(r.Method, r.URL.Path, nonceValue, body)

		if err := a.guard.AdmitRequest(r.Context(), payload, env, nonceValue); err != nil {
			var d *guard.Denial
			if errors.As(err, &d) && d.Reason.Kind() == reject.KindUnavailable {
				writeError(w, http.StatusServiceUnavailable, "unavailable", "Service temporarily unavailable.")
				return
			}
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid API authentication.")
			return
		}

		id := Identity{Subject: env.ClientID, Server: env.Algorithm.Symmetric()}
		if id.Server {
			id.Subject = guard.ServerOwner
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

// RequireServer limits next to requests signed with the server secret.
func RequireServer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok || !id.Server {
			writeError(w, http.StatusForbidden, "forbidden", "Operation requires server credentials.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// envelopeFrom never fails; malformed headers produce an envelope the guard
// rejects, so every attempt is audited the same way.
func envelopeFrom(r *http.Request, defaultAlg signature.Algorithm) signature.Envelope {
	ts, _ := strconv.ParseInt(strings.TrimSpace(r.Header.Get(HeaderTimestamp)), 10, 64)
	alg := defaultAlg
	if raw := strings.TrimSpace(r.Header.Get(HeaderAlgorithm)); raw != "" {
		parsed, err := signature.ParseAlgorithm(raw)
		if err != nil {
			parsed = signature.Algorithm(raw)
		}
		alg = parsed
	}
	return signature.Envelope{
		Signature: strings.TrimSpace(r.Header.Get(HeaderSignature)),
		Timestamp: ts,
		Algorithm: alg,
		ClientID:  strings.TrimSpace(r.Header.Get(HeaderClientID)),
	}
}

// readBody decodes the body as a JSON object and restores it for next.
// Numbers are kept as json.Number so they re-encode exactly as sent.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) (map[string]any, error) {
	if r.Body == nil {
		return map[string]any{}, nil
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, err
	}
	if body == nil {
		return nil, errors.New("body is not an object")
	}
	return body, nil
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": message, "details": nil},
	})
}
