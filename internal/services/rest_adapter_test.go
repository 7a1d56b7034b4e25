package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"tourapi/internal/models"
	"tourapi/pkg/crypto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func restConfig(baseURL string) *models.WholesalerApiConfig {
	return &models.WholesalerApiConfig{
		BaseURL:       baseURL,
		ToursEndpoint: "/tours",
		ToursDataPath: "data.tours",
	}
}

func TestRESTAdapterCursorPagination(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tours", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "2", r.URL.Query().Get("size"))
		assert.Equal(t, "JP", r.URL.Query().Get("country"))

		if r.URL.Query().Get("since") == "c9" {
			writeJSON(w, map[string]interface{}{"data": map[string]interface{}{"tours": []interface{}{}}, "next": "c9"})
			return
		}
		writeJSON(w, map[string]interface{}{
			"data": map[string]interface{}{"tours": []interface{}{
				map[string]interface{}{"id": "1"},
				map[string]interface{}{"id": "2"},
			}},
			"next": "c9",
		})
	}))
	defer server.Close()

	config := restConfig(server.URL)
	config.AuthType = models.AuthBearer
	config.PaginationType = models.PaginationCursor
	config.PageParam = "since"
	config.LimitParam = "size"
	config.NextCursorPath = "next"
	adapter := NewRESTAdapter(config, "secret", nil)
	ctx := context.Background()

	result := adapter.FetchTours(ctx, FetchRequest{Limit: 2, Params: map[string]interface{}{"country": "JP"}})
	require.True(t, result.Success, result.ErrorMessage)
	assert.Len(t, result.Tours, 2)
	assert.Equal(t, "c9", result.NextCursor)
	assert.True(t, result.HasMore)

	// 最后一页仍返回游标，但没有更多数据
	result = adapter.FetchTours(ctx, FetchRequest{Cursor: "c9", Limit: 2, Params: map[string]interface{}{"country": "JP"}})
	require.True(t, result.Success)
	assert.Empty(t, result.Tours)
	assert.Equal(t, "c9", result.NextCursor)
	assert.False(t, result.HasMore)
}

func TestRESTAdapterPagePagination(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tours := []interface{}{map[string]interface{}{"id": "1"}, map[string]interface{}{"id": "2"}}
		if r.URL.Query().Get("page") == "2" {
			tours = tours[:1]
		}
		writeJSON(w, map[string]interface{}{"data": map[string]interface{}{"tours": tours}})
	}))
	defer server.Close()

	config := restConfig(server.URL)
	config.PaginationType = models.PaginationPage
	adapter := NewRESTAdapter(config, "", nil)
	ctx := context.Background()

	result := adapter.FetchTours(ctx, FetchRequest{Limit: 2})
	require.True(t, result.Success)
	assert.True(t, result.HasMore)
	assert.Equal(t, "2", result.NextCursor)

	result = adapter.FetchTours(ctx, FetchRequest{Cursor: "2", Limit: 2})
	require.True(t, result.Success)
	assert.Len(t, result.Tours, 1)
	assert.False(t, result.HasMore)
	assert.Empty(t, result.NextCursor)

	result = adapter.FetchTours(ctx, FetchRequest{Cursor: "abc", Limit: 2})
	assert.False(t, result.Success)
	assert.Equal(t, AdapterErrConfig, result.ErrorCode)
}

func TestRESTAdapterOffsetWithHasMorePath(t *testing.T) {
	var offsets []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offsets = append(offsets, r.URL.Query().Get("skip"))
		writeJSON(w, map[string]interface{}{
			"items": []interface{}{map[string]interface{}{"id": "1"}, map[string]interface{}{"id": "2"}, map[string]interface{}{"id": "3"}},
			"meta":  map[string]interface{}{"more": r.URL.Query().Get("skip") == "0"},
		})
	}))
	defer server.Close()

	config := restConfig(server.URL)
	config.ToursDataPath = "items"
	config.PaginationType = models.PaginationOffset
	config.PageParam = "skip"
	config.HasMorePath = "meta.more"
	adapter := NewRESTAdapter(config, "", nil)

	result := adapter.FetchTours(context.Background(), FetchRequest{Limit: 10})
	require.True(t, result.Success)
	assert.True(t, result.HasMore)
	assert.Equal(t, "3", result.NextCursor)

	result = adapter.FetchTours(context.Background(), FetchRequest{Cursor: result.NextCursor, Limit: 10})
	require.True(t, result.Success)
	assert.False(t, result.HasMore)
	assert.Equal(t, []string{"0", "3"}, offsets)
}

func TestRESTAdapterErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/denied":
			w.WriteHeader(http.StatusUnauthorized)
		case "/broken":
			w.WriteHeader(http.StatusBadGateway)
		case "/garbage":
			w.Write([]byte("<html>"))
		}
	}))
	defer server.Close()

	cases := map[string]string{
		"/denied":  AdapterErrAuth,
		"/broken":  AdapterErrHTTP,
		"/garbage": AdapterErrDecode,
	}
	for endpoint, code := range cases {
		config := restConfig(server.URL)
		config.ToursEndpoint = endpoint
		result := NewRESTAdapter(config, "", nil).FetchTours(context.Background(), FetchRequest{})
		assert.False(t, result.Success, endpoint)
		assert.Equal(t, code, result.ErrorCode, endpoint)
	}

	config := restConfig(server.URL)
	config.ToursEndpoint = "/broken"
	assert.Error(t, NewRESTAdapter(config, "", nil).Ping(context.Background()))

	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()
	result := NewRESTAdapter(restConfig(closed.URL), "", nil).FetchTours(context.Background(), FetchRequest{})
	assert.Equal(t, AdapterErrNetwork, result.ErrorCode)
}

func TestRESTAdapterAuthHeaders(t *testing.T) {
	var header http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		writeJSON(w, map[string]interface{}{})
	}))
	defer server.Close()

	config := restConfig(server.URL)
	config.AuthType = models.AuthAPIKey
	config.AuthHeader = "X-Partner-Key"
	NewRESTAdapter(config, "k-1", nil).FetchTours(context.Background(), FetchRequest{})
	assert.Equal(t, "k-1", header.Get("X-Partner-Key"))

	config.AuthType = models.AuthBasic
	NewRESTAdapter(config, "user:pass", nil).FetchTours(context.Background(), FetchRequest{})
	assert.Equal(t, "Basic dXNlcjpwYXNz", header.Get("Authorization"))
}

func TestRESTAdapterPeriodsAndAck(t *testing.T) {
	var ack AckRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tours/EXT-1/periods":
			writeJSON(w, map[string]interface{}{"periods": []interface{}{
				map[string]interface{}{"tour_period": []interface{}{
					map[string]interface{}{"pid": "P1"},
					map[string]interface{}{"pid": "P2"},
				}},
				map[string]interface{}{"tour_period": []interface{}{
					map[string]interface{}{"pid": "P3"},
				}},
			}})
		case "/ack":
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			json.NewDecoder(r.Body).Decode(&ack)
			writeJSON(w, map[string]interface{}{"accepted": false, "message": "duplicate"})
		}
	}))
	defer server.Close()

	config := restConfig(server.URL)
	config.PeriodsDataPath = "periods[].tour_period[]"
	config.AckEnabled = true
	config.AckEndpoint = server.URL + "/ack"
	adapter := NewRESTAdapter(config, "", nil)
	ctx := context.Background()

	periods := adapter.FetchPeriods(ctx, "/tours/EXT-1/periods")
	require.True(t, periods.Success)
	require.Len(t, periods.Periods, 3)
	assert.Equal(t, "P3", periods.Periods[2]["pid"])

	result := adapter.Acknowledge(ctx, AckRequest{SyncID: "s-1", Status: models.SyncStatusCompleted, Cursor: "c9"})
	assert.True(t, result.Success)
	assert.False(t, result.Accepted)
	assert.Equal(t, "duplicate", result.Message)
	assert.Equal(t, "s-1", ack.SyncID)
	assert.Equal(t, "c9", ack.Cursor)

	config.AckEnabled = false
	assert.False(t, NewRESTAdapter(config, "", nil).Acknowledge(ctx, AckRequest{}).Success)
}

func TestAdapterFactoryDecryptsToken(t *testing.T) {
	cipher := crypto.NewCipher("factory-key")
	encrypted, err := cipher.Encrypt("plain-token")
	require.NoError(t, err)

	factory := NewAdapterFactory(cipher, nil)
	wholesaler := &models.Wholesaler{Code: "WS1"}

	_, err = factory.Build(wholesaler, nil)
	assert.ErrorIs(t, err, ErrConfigNotFound)

	_, err = factory.Build(wholesaler, &models.WholesalerApiConfig{})
	assert.Error(t, err)

	config := restConfig("https://api.example.com")
	config.AuthType = models.AuthBearer
	config.AuthToken = encrypted
	adapter, err := factory.Build(wholesaler, config)
	require.NoError(t, err)
	rest, ok := adapter.(*RESTAdapter)
	require.True(t, ok)
	assert.Equal(t, "plain-token", rest.token)

	config.AuthToken = "not-encrypted"
	_, err = factory.Build(wholesaler, config)
	assert.Error(t, err)
}

func TestAdapterFactorySharesRateLimitPerWholesaler(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		writeJSON(w, map[string]interface{}{"data": map[string]interface{}{"tours": []interface{}{}}})
	}))
	defer server.Close()

	factory := NewAdapterFactory(crypto.NewCipher("limit-key"), nil)
	wholesaler := &models.Wholesaler{ID: 7, Code: "WS7"}
	config := restConfig(server.URL)
	config.RateLimitPerMinute = 1

	first, err := factory.Build(wholesaler, config)
	require.NoError(t, err)
	result := first.FetchTours(context.Background(), FetchRequest{})
	require.True(t, result.Success, result.ErrorMessage)

	// 重新构建的数据源沿用同一限流器，第二次请求需等待约一分钟
	second, err := factory.Build(wholesaler, config)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	result = second.FetchTours(ctx, FetchRequest{})
	assert.False(t, result.Success)
	assert.Equal(t, AdapterErrTimeout, result.ErrorCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	// 其他批发商不受影响
	other, err := factory.Build(&models.Wholesaler{ID: 8, Code: "WS8"}, config)
	require.NoError(t, err)
	assert.True(t, other.FetchTours(context.Background(), FetchRequest{}).Success)

	// 调整限流配置后重建限流器
	config.RateLimitPerMinute = 0
	relaxed, err := factory.Build(wholesaler, config)
	require.NoError(t, err)
	assert.True(t, relaxed.FetchTours(context.Background(), FetchRequest{}).Success)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}
