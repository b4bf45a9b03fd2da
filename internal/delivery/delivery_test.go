package delivery

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seclabs/reconplan/internal/config"
)

func TestSendJSONReport(t *testing.T) {
	var (
		gotMethod      string
		gotContentType string
		gotDeliveryID  string
		gotAuth        string
		gotBody        []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotDeliveryID = r.Header.Get("X-Delivery-ID")
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("stored\n"))
	}))
	defer server.Close()

	sender := NewSender(zerolog.Nop())
	result, err := sender.Send(context.Background(), config.DeliveryConfig{
		ProviderName:   "soc-intake",
		Endpoint:       server.URL,
		Method:         "PUT",
		Format:         "json",
		Headers:        map[string]string{"Authorization": "Bearer token123"},
		TimeoutSeconds: 30,
	}, Report{JSON: map[string]any{"hosts": 3}})

	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, http.StatusAccepted, result.StatusCode)
	assert.Equal(t, "stored", result.ResponseExcerpt)
	assert.Equal(t, "soc-intake", result.ProviderName)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "Bearer token123", gotAuth)
	assert.NotEmpty(t, gotDeliveryID)
	assert.Equal(t, result.DeliveryID, gotDeliveryID)
	assert.JSONEq(t, `{"hosts": 3}`, string(gotBody))
}

func TestSendMarkdownReport(t *testing.T) {
	var gotContentType string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer server.Close()

	sender := NewSender(zerolog.Nop())
	result, err := sender.Send(context.Background(), config.DeliveryConfig{
		Endpoint:       server.URL,
		Method:         "POST",
		Format:         "md",
		TimeoutSeconds: 30,
	}, Report{Markdown: "# Report\n\nAll clear.\n"})

	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, "text/markdown; charset=utf-8", gotContentType)
	assert.Equal(t, "# Report\n\nAll clear.\n", string(gotBody))
}

func TestSendCustomContentTypeWins(t *testing.T) {
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
	}))
	defer server.Close()

	sender := NewSender(zerolog.Nop())
	_, err := sender.Send(context.Background(), config.DeliveryConfig{
		Endpoint:       server.URL,
		Format:         "json",
		Headers:        map[string]string{"Content-Type": "application/vnd.report+json"},
		TimeoutSeconds: 30,
	}, Report{JSON: map[string]any{}})

	require.NoError(t, err)
	assert.Equal(t, "application/vnd.report+json", gotContentType)
}

func TestSendRequiresEndpoint(t *testing.T) {
	sender := NewSender(zerolog.Nop())

	_, err := sender.Send(context.Background(), config.DeliveryConfig{}, Report{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint is required")
}

func TestSendReportsHTTPFailureInResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "intake unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	sender := NewSender(zerolog.Nop())
	result, err := sender.Send(context.Background(), config.DeliveryConfig{
		Endpoint:       server.URL,
		TimeoutSeconds: 30,
	}, Report{JSON: map[string]any{}})

	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, http.StatusBadGateway, result.StatusCode)
	assert.Contains(t, result.ResponseExcerpt, "intake unavailable")
}

func TestSendReportsTransportFailureInResult(t *testing.T) {
	sender := NewSender(zerolog.Nop())

	result, err := sender.Send(context.Background(), config.DeliveryConfig{
		Endpoint:       "http://127.0.0.1:1",
		TimeoutSeconds: 30,
	}, Report{JSON: map[string]any{}})

	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.NotEmpty(t, result.Error)
}

func TestSendRejectsMissingMTLSCert(t *testing.T) {
	sender := NewSender(zerolog.Nop())

	_, err := sender.Send(context.Background(), config.DeliveryConfig{
		Endpoint: "https://reports.example.com/intake",
		MTLS:     config.MTLSConfig{Enabled: true},
	}, Report{JSON: map[string]any{}})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "client cert path is empty")
}
