package publisher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishUploadsMultipart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v0/add", r.URL.Path)
		require.Equal(t, "true", r.URL.Query().Get("pin"))
		require.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		body, err := io.ReadAll(file)
		require.NoError(t, err)
		require.Equal(t, "2024-01-usdc.json", header.Filename)
		require.Equal(t, `{"root":"0x01"}`, string(body))
		_, _ = w.Write([]byte(`{"Name":"2024-01-usdc.json","Hash":"bafyexample","Size":"15"}`))
	}))
	defer server.Close()

	client, err := New(server.URL+"/", WithBearerToken(" secret-token "))
	require.NoError(t, err)
	res, err := client.Publish(context.Background(), "2024-01-usdc.json", []byte(`{"root":"0x01"}`))
	require.NoError(t, err)
	require.Equal(t, "bafyexample", res.CID)
	require.Equal(t, int64(15), res.Size)
}

func TestPublishRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"Name":"x","Hash":"bafyretry","Size":"1"}`))
	}))
	defer server.Close()

	client, err := New(server.URL, WithRetryPolicy(3, time.Millisecond, 2*time.Millisecond))
	require.NoError(t, err)
	res, err := client.Publish(context.Background(), "x", []byte("x"))
	require.NoError(t, err)
	require.Equal(t, "bafyretry", res.CID)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestPublishDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	client, err := New(server.URL, WithRetryPolicy(5, time.Millisecond, time.Millisecond))
	require.NoError(t, err)
	_, err = client.Publish(context.Background(), "x", []byte("x"))
	var pubErr *PublishError
	require.True(t, errors.As(err, &pubErr))
	require.Equal(t, http.StatusForbidden, pubErr.StatusCode)
	require.Equal(t, 1, pubErr.Attempts)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPublishMissingHash(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Name":"x"}`))
	}))
	defer server.Close()

	client, err := New(server.URL, WithRetryPolicy(1, time.Millisecond, time.Millisecond))
	require.NoError(t, err)
	_, err = client.Publish(context.Background(), "x", []byte("x"))
	var pubErr *PublishError
	require.ErrorAs(t, err, &pubErr)
}

func TestNewRejectsBadEndpoint(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
	_, err = New("not a url")
	require.Error(t, err)
}
