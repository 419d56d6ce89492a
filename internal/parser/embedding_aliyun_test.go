package parser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"cv-agent-go/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEmbedder(t *testing.T, handler http.HandlerFunc) (*AliyunEmbedder, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	embedder, err := NewAliyunEmbedder("test-key", config.EmbeddingConfig{
		Model:      "text-embedding-v3",
		Dimensions: 4,
		BaseURL:    server.URL,
	})
	require.NoError(t, err)
	return embedder, server
}

func TestNewAliyunEmbedderRequiresAPIKey(t *testing.T) {
	_, err := NewAliyunEmbedder("", config.EmbeddingConfig{})
	assert.Error(t, err)
}

func TestEmbedStrings(t *testing.T) {
	var gotAuth string
	var gotReq aliyunEmbeddingRequest

	embedder, _ := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		resp := aliyunEmbeddingResponse{Object: "list", Model: "text-embedding-v3"}
		resp.Data = []struct {
			Object    string    `json:"object"`
			Embedding []float64 `json:"embedding"`
			Index     int       `json:"index"`
		}{
			{Object: "embedding", Embedding: []float64{0.1, 0.2, 0.3, 0.4}, Index: 0},
			{Object: "embedding", Embedding: []float64{0.5, 0.6, 0.7, 0.8}, Index: 1},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	vectors, err := embedder.EmbedStrings(context.Background(), []string{"first passage", "second passage"})
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "text-embedding-v3", gotReq.Model)
	assert.Equal(t, 4, gotReq.Dimensions)

	require.Len(t, vectors, 2)
	assert.Equal(t, []float64{0.1, 0.2, 0.3, 0.4}, vectors[0])
	assert.Equal(t, []float64{0.5, 0.6, 0.7, 0.8}, vectors[1])
}

func TestEmbedStringsSingleTextSendsBareString(t *testing.T) {
	var rawInput json.RawMessage

	embedder, _ := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input json.RawMessage `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		rawInput = req.Input

		resp := aliyunEmbeddingResponse{Object: "list"}
		resp.Data = []struct {
			Object    string    `json:"object"`
			Embedding []float64 `json:"embedding"`
			Index     int       `json:"index"`
		}{
			{Object: "embedding", Embedding: []float64{1, 0, 0, 0}, Index: 0},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	_, err := embedder.EmbedStrings(context.Background(), []string{"only one"})
	require.NoError(t, err)

	// 单条文本按DashScope兼容端点的习惯发送裸字符串而非数组
	var asString string
	assert.NoError(t, json.Unmarshal(rawInput, &asString))
	assert.Equal(t, "only one", asString)
}

func TestEmbedStringsEmptyInput(t *testing.T) {
	called := false
	embedder, _ := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	vectors, err := embedder.EmbedStrings(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
	assert.False(t, called, "空输入不应发起HTTP请求")
}

func TestEmbedStringsAPIError(t *testing.T) {
	embedder, _ := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"Requests rate limit exceeded","type":"requests","code":"rate_limit_reached"}`))
	})

	_, err := embedder.EmbedStrings(context.Background(), []string{"text"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "rate_limit_reached")
}

func TestEmbedStringsErrorBodyWith200(t *testing.T) {
	// DashScope可能在200响应里携带error对象
	embedder, _ := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"object":"list","data":[],"error":{"message":"invalid model","type":"invalid_request_error","code":"model_not_found"}}`))
	})

	_, err := embedder.EmbedStrings(context.Background(), []string{"text"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model_not_found")
}
