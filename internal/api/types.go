package api

import "github.com/csai/reqguard/internal/metrics"

type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    int64  `json:"uptime_seconds"`
	StoreOK   bool   `json:"store_ok"`
	StoreSize int    `json:"store_size"`
}

type StatsResponse struct {
	OK    bool             `json:"ok"`
	Stats metrics.Snapshot `json:"stats"`
}

type IssueNonceRequest struct {
	Owner string `json:"owner"`
}

type IssueNonceResponse struct {
	OK    bool   `json:"ok"`
	Owner string `json:"owner"`
	Nonce string `json:"nonce"`
}

type RegisterClientRequest struct {
	ClientID  string `json:"client_id"`
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"public_key"`
}

type ClientResponse struct {
	OK       bool   `json:"ok"`
	ClientID string `json:"client_id"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type EchoResponse struct {
	OK      bool           `json:"ok"`
	Subject string         `json:"subject"`
	Body    map[string]any `json:"body"`
}
