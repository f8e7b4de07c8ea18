package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	apperrors "github.com/smallsteps/notify/pkg/errors"
)

func TestClientCount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/notifications/Count", r.URL.Path)
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]int{"count": 4})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "tok-1")
	require.NoError(t, err)

	count, err := client.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, count)
}

func TestClientCountErrorOnBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "tok-1")
	require.NoError(t, err)

	_, err = client.Count(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, apperrors.ErrBackend)
}

func TestClientMarkAsRead(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "tok-1")
	require.NoError(t, err)

	require.NoError(t, client.MarkAsRead(context.Background(), 42))
	require.Equal(t, "/notifications/MarkAsRead/42", gotPath)

	require.NoError(t, client.MarkAllAsRead(context.Background()))
	require.Equal(t, "/notifications/MarkAllAsRead", gotPath)
}

func TestClientRegisterDeviceToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/devicetokens/register", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "device-token-1", body["token"])
		require.Equal(t, "android", body["platform"])
		require.Equal(t, "Pixel 8", body["deviceModel"])

		_ = json.NewEncoder(w).Encode(map[string]string{
			"message": "registered",
			"tokenId": "reg-77",
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "tok-1")
	require.NoError(t, err)

	result, err := client.RegisterDeviceToken(context.Background(), RegisterDeviceTokenInput{
		Token:       "device-token-1",
		Platform:    "android",
		DeviceModel: "Pixel 8",
	})
	require.NoError(t, err)
	require.Equal(t, "reg-77", result.TokenID)
}

func TestClientRegisterDeviceTokenRequiresToken(t *testing.T) {
	client, err := NewClient("http://backend.test", "tok-1")
	require.NoError(t, err)

	_, err = client.RegisterDeviceToken(context.Background(), RegisterDeviceTokenInput{Platform: "ios"})
	require.Error(t, err)
}

func TestClientUnregisterDeviceToken(t *testing.T) {
	var body map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/devicetokens/unregister", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "tok-1")
	require.NoError(t, err)

	require.NoError(t, client.UnregisterDeviceToken(context.Background(), "device-token-1"))
	require.Equal(t, "device-token-1", body["token"])
}

func TestNewClientRequiresBase(t *testing.T) {
	_, err := NewClient("   ", "tok")
	require.Error(t, err)
}
