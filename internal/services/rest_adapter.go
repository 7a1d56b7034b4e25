package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"tourapi/internal/models"
	"tourapi/pkg/crypto"

	"github.com/spf13/cast"
	"golang.org/x/time/rate"
)

// RESTAdapter 基于 HTTP/JSON 的批发商数据源
type RESTAdapter struct {
	config   *models.WholesalerApiConfig
	token    string // 已解密的认证令牌
	client   *http.Client
	limiter  *rate.Limiter
	jsonPath *JSONPath
}

// NewRESTAdapter 创建 REST 数据源，token 为明文
func NewRESTAdapter(config *models.WholesalerApiConfig, token string, client *http.Client) *RESTAdapter {
	timeout := time.Duration(config.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &RESTAdapter{
		config:   config,
		token:    token,
		client:   client,
		limiter:  newRateLimiter(config.RateLimitPerMinute),
		jsonPath: NewJSONPath(),
	}
}

// newRateLimiter 按每分钟请求数创建限流器，<=0 表示不限流
func newRateLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := perMinute / 60
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
}

// FetchTours 拉取一页线路
func (a *RESTAdapter) FetchTours(ctx context.Context, req FetchRequest) ToursResult {
	query := url.Values{}
	for key, value := range req.Params {
		query.Set(key, cast.ToString(value))
	}

	limit := req.Limit
	paging := a.config.PaginationType
	if paging != "" && paging != models.PaginationNone && limit > 0 {
		query.Set(paramOr(a.config.LimitParam, "limit"), strconv.Itoa(limit))
	}

	switch paging {
	case models.PaginationPage:
		page := 1
		if req.Cursor != "" {
			p, err := strconv.Atoi(req.Cursor)
			if err != nil || p < 1 {
				return ToursResult{ErrorCode: AdapterErrConfig, ErrorMessage: fmt.Sprintf("无效的页码游标: %q", req.Cursor)}
			}
			page = p
		}
		query.Set(paramOr(a.config.PageParam, "page"), strconv.Itoa(page))
	case models.PaginationOffset:
		offset := 0
		if req.Cursor != "" {
			o, err := strconv.Atoi(req.Cursor)
			if err != nil || o < 0 {
				return ToursResult{ErrorCode: AdapterErrConfig, ErrorMessage: fmt.Sprintf("无效的偏移游标: %q", req.Cursor)}
			}
			offset = o
		}
		query.Set(paramOr(a.config.PageParam, "offset"), strconv.Itoa(offset))
	case models.PaginationCursor:
		if req.Cursor != "" {
			query.Set(paramOr(a.config.PageParam, "cursor"), req.Cursor)
		}
	}

	body, status, code, err := a.getJSON(ctx, a.config.ToursEndpoint, query)
	if err != nil {
		return ToursResult{ErrorCode: code, ErrorMessage: err.Error(), StatusCode: status}
	}

	tours := a.jsonPath.Flatten(a.config.ToursDataPath, body)
	result := ToursResult{Success: true, Tours: tours, StatusCode: status}

	hasMore, hasMoreKnown := false, false
	if a.config.HasMorePath != "" {
		hasMore, hasMoreKnown = a.jsonPath.ExtractBool(a.config.HasMorePath, body)
	}

	switch paging {
	case models.PaginationPage:
		if !hasMoreKnown {
			hasMore = limit > 0 && len(tours) >= limit
		}
		if hasMore {
			page, _ := strconv.Atoi(query.Get(paramOr(a.config.PageParam, "page")))
			result.NextCursor = strconv.Itoa(page + 1)
		}
	case models.PaginationOffset:
		if !hasMoreKnown {
			hasMore = limit > 0 && len(tours) >= limit
		}
		if hasMore {
			offset, _ := strconv.Atoi(query.Get(paramOr(a.config.PageParam, "offset")))
			result.NextCursor = strconv.Itoa(offset + len(tours))
		}
	case models.PaginationCursor:
		// 变更流接口在最后一页也会返回游标，保留它作为下次增量同步的起点
		result.NextCursor = a.jsonPath.ExtractString(a.config.NextCursorPath, body)
		if !hasMoreKnown {
			hasMore = result.NextCursor != "" && result.NextCursor != req.Cursor && len(tours) > 0
		}
	}
	result.HasMore = hasMore
	return result
}

// FetchPeriods 拉取一条线路的团期（two_phase 模式）
func (a *RESTAdapter) FetchPeriods(ctx context.Context, endpoint string) PeriodsResult {
	body, status, code, err := a.getJSON(ctx, endpoint, nil)
	if err != nil {
		return PeriodsResult{ErrorCode: code, ErrorMessage: err.Error(), StatusCode: status}
	}
	return PeriodsResult{
		Success:    true,
		Periods:    a.jsonPath.Flatten(a.config.PeriodsDataPath, body),
		StatusCode: status,
	}
}

// FetchItineraries 拉取一条线路的行程
func (a *RESTAdapter) FetchItineraries(ctx context.Context, endpoint string) ItinerariesResult {
	body, status, code, err := a.getJSON(ctx, endpoint, nil)
	if err != nil {
		return ItinerariesResult{ErrorCode: code, ErrorMessage: err.Error(), StatusCode: status}
	}
	return ItinerariesResult{
		Success:     true,
		Itineraries: a.jsonPath.Flatten(a.config.ItinerariesDataPath, body),
		StatusCode:  status,
	}
}

// Acknowledge 发送同步回执
func (a *RESTAdapter) Acknowledge(ctx context.Context, req AckRequest) AckResult {
	if !a.config.AckEnabled || a.config.AckEndpoint == "" {
		return AckResult{Success: false, Message: "未配置回执接口"}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return AckResult{Message: fmt.Sprintf("序列化回执失败: %v", err)}
	}

	body, _, _, err := a.doJSON(ctx, http.MethodPost, a.config.AckEndpoint, nil, payload)
	if err != nil {
		return AckResult{Message: err.Error()}
	}

	// 回执接口可返回 {"accepted": false, "message": "..."}，缺省视为接受
	accepted := true
	if v, ok := a.jsonPath.ExtractBool("accepted", body); ok {
		accepted = v
	}
	return AckResult{
		Success:  true,
		Accepted: accepted,
		Message:  a.jsonPath.ExtractString("message", body),
	}
}

// Ping 连接测试：请求一页线路
func (a *RESTAdapter) Ping(ctx context.Context) error {
	result := a.FetchTours(ctx, FetchRequest{Limit: 1})
	if !result.Success {
		return fmt.Errorf("%s: %s", result.ErrorCode, result.ErrorMessage)
	}
	return nil
}

func (a *RESTAdapter) getJSON(ctx context.Context, endpoint string, query url.Values) (interface{}, int, string, error) {
	return a.doJSON(ctx, http.MethodGet, endpoint, query, nil)
}

// doJSON 发送请求并解析 JSON 响应，返回 (body, 状态码, 错误码, error)
func (a *RESTAdapter) doJSON(ctx context.Context, method, endpoint string, query url.Values, payload []byte) (interface{}, int, string, error) {
	target, err := a.resolveURL(endpoint, query)
	if err != nil {
		return nil, 0, AdapterErrConfig, err
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, 0, AdapterErrTimeout, fmt.Errorf("等待限流失败: %v", err)
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, 0, AdapterErrConfig, fmt.Errorf("创建请求失败: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	a.applyAuth(req)

	resp, err := a.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, 0, AdapterErrTimeout, fmt.Errorf("请求超时: %v", err)
		}
		return nil, 0, AdapterErrNetwork, fmt.Errorf("连接失败: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, AdapterErrNetwork, fmt.Errorf("读取响应失败: %v", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, resp.StatusCode, AdapterErrAuth, fmt.Errorf("认证失败: HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, AdapterErrHTTP, fmt.Errorf("响应状态码异常: %d", resp.StatusCode)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]interface{}{}, resp.StatusCode, "", nil
	}
	var body interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, resp.StatusCode, AdapterErrDecode, fmt.Errorf("解析响应失败: %v", err)
	}
	return body, resp.StatusCode, "", nil
}

// resolveURL 相对路径拼接到 base_url，绝对地址直接使用
func (a *RESTAdapter) resolveURL(endpoint string, query url.Values) (string, error) {
	var target string
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		target = endpoint
	} else {
		target = strings.TrimRight(a.config.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	}

	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("无效的接口地址 %q: %v", target, err)
	}
	if len(query) > 0 {
		merged := u.Query()
		for key, values := range query {
			for _, v := range values {
				merged.Set(key, v)
			}
		}
		u.RawQuery = merged.Encode()
	}
	return u.String(), nil
}

func (a *RESTAdapter) applyAuth(req *http.Request) {
	if a.token == "" {
		return
	}
	switch a.config.AuthType {
	case models.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+a.token)
	case models.AuthAPIKey:
		req.Header.Set(paramOr(a.config.AuthHeader, "X-API-Key"), a.token)
	case models.AuthBasic:
		user, pass, _ := strings.Cut(a.token, ":")
		req.SetBasicAuth(user, pass)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func paramOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// AdapterFactory 根据批发商配置构建数据源，负责解密认证令牌。
// 同一批发商构建出的数据源共享一个限流器，同步与搜索的请求合并计数。
type AdapterFactory struct {
	cipher *crypto.Cipher
	client *http.Client

	mu       sync.Mutex
	limiters map[uint]*sharedLimiter
}

type sharedLimiter struct {
	perMinute int
	limiter   *rate.Limiter
}

// NewAdapterFactory 创建数据源工厂，client 为空时每个数据源按自身超时创建
func NewAdapterFactory(cipher *crypto.Cipher, client *http.Client) *AdapterFactory {
	return &AdapterFactory{cipher: cipher, client: client, limiters: make(map[uint]*sharedLimiter)}
}

// limiterFor 返回批发商的共享限流器，限流配置变化时重建
func (f *AdapterFactory) limiterFor(wholesalerID uint, perMinute int) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	if shared, ok := f.limiters[wholesalerID]; ok && shared.perMinute == perMinute {
		return shared.limiter
	}
	shared := &sharedLimiter{perMinute: perMinute, limiter: newRateLimiter(perMinute)}
	f.limiters[wholesalerID] = shared
	return shared.limiter
}

// Build 构建批发商的数据源
func (f *AdapterFactory) Build(wholesaler *models.Wholesaler, config *models.WholesalerApiConfig) (SourceAdapter, error) {
	if config == nil {
		return nil, ErrConfigNotFound
	}
	if config.BaseURL == "" || config.ToursEndpoint == "" {
		return nil, fmt.Errorf("批发商 %s 缺少接口地址配置", wholesaler.Code)
	}

	token := ""
	if config.AuthType != "" && config.AuthType != models.AuthNone && config.AuthToken != "" {
		decrypted, err := f.cipher.Decrypt(config.AuthToken)
		if err != nil {
			return nil, fmt.Errorf("解密认证令牌失败: %v", err)
		}
		token = decrypted
	}
	adapter := NewRESTAdapter(config, token, f.client)
	wholesalerID := wholesaler.ID
	if wholesalerID == 0 {
		wholesalerID = config.WholesalerID
	}
	adapter.limiter = f.limiterFor(wholesalerID, config.RateLimitPerMinute)
	return adapter, nil
}
