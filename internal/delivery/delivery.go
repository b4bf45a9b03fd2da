// Package delivery posts project reports to the operator-configured
// endpoint per the project_report_delivery settings: method, body format,
// custom headers, timeout, and optional mutual TLS.
package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/seclabs/reconplan/internal/config"
)

const (
	minTimeoutSeconds  = 5
	maxTimeoutSeconds  = 300
	maxResponseExcerpt = 4000
)

// Report is the material to deliver. JSON is serialized when the configured
// format is json; Markdown is sent verbatim when the format is md.
type Report struct {
	JSON     any
	Markdown string
}

// Result describes one delivery attempt. Transport and HTTP failures are
// reported here rather than as errors; only unusable configuration fails
// the call itself.
type Result struct {
	OK              bool   `json:"ok"`
	ProviderName    string `json:"provider_name"`
	Endpoint        string `json:"endpoint"`
	Method          string `json:"method"`
	Format          string `json:"format"`
	DeliveryID      string `json:"delivery_id"`
	StatusCode      int    `json:"status_code,omitempty"`
	ResponseExcerpt string `json:"response_body_excerpt,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Sender delivers reports. Safe for concurrent use.
type Sender struct {
	log zerolog.Logger
}

func NewSender(logger zerolog.Logger) *Sender {
	return &Sender{log: logger}
}

// Send delivers a report per the given settings. The endpoint is required;
// mTLS material is validated before any request is made.
func (s *Sender) Send(ctx context.Context, cfg config.DeliveryConfig, report Report) (Result, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return Result{}, fmt.Errorf("project report delivery endpoint is required")
	}

	method := strings.ToUpper(strings.TrimSpace(cfg.Method))
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		method = http.MethodPost
	}

	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	var (
		body        []byte
		contentType string
	)
	if format == "md" {
		body = []byte(report.Markdown)
		contentType = "text/markdown; charset=utf-8"
	} else {
		format = "json"
		encoded, err := json.MarshalIndent(report.JSON, "", "  ")
		if err != nil {
			return Result{}, fmt.Errorf("encode report: %w", err)
		}
		body = encoded
		contentType = "application/json"
	}

	deliveryID := uuid.NewString()
	result := Result{
		ProviderName: cfg.ProviderName,
		Endpoint:     endpoint,
		Method:       method,
		Format:       format,
		DeliveryID:   deliveryID,
	}

	client, err := s.httpClient(cfg)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build delivery request: %w", err)
	}
	hasContentType := false
	for name, value := range cfg.Headers {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if strings.EqualFold(name, "content-type") {
			hasContentType = true
		}
		req.Header.Set(name, value)
	}
	if !hasContentType {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("X-Delivery-ID", deliveryID)

	resp, err := client.Do(req)
	if err != nil {
		result.Error = err.Error()
		s.log.Warn().Err(err).Str("endpoint", endpoint).Msg("report delivery failed")
		return result, nil
	}
	defer resp.Body.Close()

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseExcerpt))
	result.StatusCode = resp.StatusCode
	result.ResponseExcerpt = strings.TrimRight(string(excerpt), " \t\r\n")
	result.OK = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !result.OK {
		s.log.Warn().Int("status", resp.StatusCode).Str("endpoint", endpoint).Msg("report delivery rejected")
	}
	return result, nil
}

// httpClient builds a per-call client carrying the clamped timeout and, when
// enabled, the mTLS client certificate and CA pool.
func (s *Sender) httpClient(cfg config.DeliveryConfig) (*http.Client, error) {
	timeout := cfg.TimeoutSeconds
	if timeout < minTimeoutSeconds {
		timeout = minTimeoutSeconds
	}
	if timeout > maxTimeoutSeconds {
		timeout = maxTimeoutSeconds
	}
	client := &http.Client{Timeout: time.Duration(timeout) * time.Second}

	if !cfg.MTLS.Enabled {
		return client, nil
	}

	certPath := strings.TrimSpace(cfg.MTLS.ClientCertPath)
	keyPath := strings.TrimSpace(cfg.MTLS.ClientKeyPath)
	caPath := strings.TrimSpace(cfg.MTLS.CACertPath)
	if certPath == "" {
		return nil, fmt.Errorf("mTLS is enabled but client cert path is empty")
	}
	if keyPath == "" {
		// Combined PEM carrying both cert and key.
		keyPath = certPath
	}
	certificate, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load mTLS client certificate: %w", err)
	}

	tlsConfig := &tls.Config{Certificates: []tls.Certificate{certificate}}
	if caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read mTLS CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("parse mTLS CA cert %s: no certificates found", caPath)
		}
		tlsConfig.RootCAs = pool
	}
	client.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	return client, nil
}
