package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborapp/synccore/pkg/offline/queue"
	"github.com/harborapp/synccore/pkg/offline/transport"
)

func testItem() queue.PendingItem {
	return queue.PendingItem{
		ID:             "itm-00000000000000000001",
		EntityType:     "note",
		Payload:        []byte(`{"text":"hello"}`),
		IdempotencyKey: "3f1c9b1e-0000-4000-8000-000000000001",
		CreatedAt:      time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestUploadPostsItemWithIdempotencyKey(t *testing.T) {
	var (
		gotPath string
		gotKey  string
		gotBody uploadRequest
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Idempotency-Key")
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &gotBody))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL, Timeout: time.Second})
	require.NoError(t, err)

	item := testItem()
	require.NoError(t, client.Upload(context.Background(), item))

	assert.Equal(t, "/v1/queue/note", gotPath)
	assert.Equal(t, item.IdempotencyKey, gotKey)
	assert.Equal(t, "note", gotBody.EntityType)
	assert.JSONEq(t, string(item.Payload), string(gotBody.Payload))
}

func TestUploadMapsValidationRejections(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte("payload schema mismatch"))
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL, Timeout: time.Second})
	require.NoError(t, err)

	err = client.Upload(context.Background(), testItem())

	var vErr *transport.ValidationError
	require.True(t, errors.As(err, &vErr), "expected ValidationError, got %v", err)
	assert.Equal(t, http.StatusUnprocessableEntity, vErr.StatusCode)
	assert.Contains(t, vErr.Reason, "schema mismatch")
}

func TestUploadMapsServerErrorsToItemError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL, Timeout: time.Second})
	require.NoError(t, err)

	err = client.Upload(context.Background(), testItem())

	var iErr *transport.ItemError
	require.True(t, errors.As(err, &iErr), "expected ItemError, got %v", err)
	assert.Equal(t, http.StatusServiceUnavailable, iErr.StatusCode)
}

func TestUploadMapsConnectionFailuresToTransientError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse connections

	client, err := New(Config{BaseURL: server.URL, Timeout: 200 * time.Millisecond})
	require.NoError(t, err)

	err = client.Upload(context.Background(), testItem())

	var tErr *transport.TransientError
	require.True(t, errors.As(err, &tErr), "expected TransientError, got %v", err)
}

func TestUploadSendsBearerToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL, Timeout: time.Second, AuthToken: "secret-token"})
	require.NoError(t, err)

	require.NoError(t, client.Upload(context.Background(), testItem()))
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
