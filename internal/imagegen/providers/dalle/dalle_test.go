package dalle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Corphon/ZineForge/internal/imagegen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateImageReturnsURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/images/generations", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "dall-e-3", body["model"])
		assert.Equal(t, "1024x1024", body["size"])
		w.Write([]byte(`{"data":[{"url":"https://oaidalle.example.com/img.png"}]}`))
	}))
	defer server.Close()

	provider, err := imagegen.GetProvider("openai", map[string]string{"api_key": "sk", "base_url": server.URL})
	require.NoError(t, err)

	url, err := provider.GenerateImage(context.Background(), "cookies")
	require.NoError(t, err)
	assert.Equal(t, "https://oaidalle.example.com/img.png", url)
}

func TestGenerateImageBase64Fallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"b64_json":"aGVsbG8="}]}`))
	}))
	defer server.Close()

	provider, err := imagegen.GetProvider("openai", map[string]string{"api_key": "sk", "base_url": server.URL})
	require.NoError(t, err)

	url, err := provider.GenerateImage(context.Background(), "cookies")
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,aGVsbG8=", url)
}

func TestGenerateImageErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"content policy violation","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	provider, err := imagegen.GetProvider("openai", map[string]string{"api_key": "sk", "base_url": server.URL})
	require.NoError(t, err)

	_, err = provider.GenerateImage(context.Background(), "cookies")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content policy violation")
}
