package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"example.com/backstage/services/relay/config"
	"example.com/backstage/services/relay/internal/envelope"

	"github.com/stretchr/testify/require"
)

func testEnvelope() *envelope.Envelope {
	return &envelope.Envelope{
		Source:      "backstage",
		Environment: "test",
		SubjectIDs:  map[string]string{"tenant_id": "t-1"},
		EventKey:    "case.created",
		CreatedAt:   time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
		TraceID:     "trace-1",
		Payload:     map[string]interface{}{"status": "ok"},
	}
}

func TestSendSignsBodyAndSucceedsOn2xx(t *testing.T) {
	var gotSignature string
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get(SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewClient(config.RelayConfig{SinkURL: server.URL, Secret: "topsecret"})
	result := client.Send(context.Background(), testEnvelope())

	require.True(t, result.OK)
	require.Equal(t, http.StatusAccepted, result.StatusCode)
	require.Empty(t, result.Err)

	// The signature must cover the exact serialized body
	require.Equal(t, "sha256="+Sign(gotBody, "topsecret"), gotSignature)

	var env envelope.Envelope
	require.NoError(t, json.Unmarshal(gotBody, &env))
	require.Equal(t, "case.created", env.EventKey)
}

func TestSendNon2xxIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(config.RelayConfig{SinkURL: server.URL, Secret: "topsecret"})
	result := client.Send(context.Background(), testEnvelope())

	require.False(t, result.OK)
	require.Equal(t, http.StatusBadGateway, result.StatusCode)
	require.Contains(t, result.Err, "502")
}

func TestSendTimeoutIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()

	client := NewClient(config.RelayConfig{
		SinkURL:     server.URL,
		Secret:      "topsecret",
		SendTimeout: 50 * time.Millisecond,
	})
	result := client.Send(context.Background(), testEnvelope())

	require.False(t, result.OK)
	require.NotEmpty(t, result.Err)
}

func TestSendNetworkErrorIsFailure(t *testing.T) {
	client := NewClient(config.RelayConfig{SinkURL: "http://127.0.0.1:1", Secret: "topsecret"})
	result := client.Send(context.Background(), testEnvelope())

	require.False(t, result.OK)
	require.Contains(t, result.Err, "sink request failed")
}

func TestSignIsDeterministic(t *testing.T) {
	body := []byte(`{"a":1}`)
	require.Equal(t, Sign(body, "k"), Sign(body, "k"))
	require.NotEqual(t, Sign(body, "k"), Sign(body, "other"))
	require.NotEqual(t, Sign(body, "k"), Sign([]byte(`{"a":2}`), "k"))
}
