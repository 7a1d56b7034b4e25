package services

import (
	"context"
	"tourapi/internal/models"
)

// 适配器错误码
const (
	AdapterErrNetwork = "network_error"
	AdapterErrTimeout = "timeout"
	AdapterErrHTTP    = "http_error"
	AdapterErrAuth    = "auth_error"
	AdapterErrDecode  = "decode_error"
	AdapterErrConfig  = "config_error"
)

// FetchRequest 拉取线路列表的请求
type FetchRequest struct {
	Cursor string                 // 上次返回的游标，空表示从头开始
	Limit  int                    // 每页条数
	Params map[string]interface{} // 额外查询参数（已转换为批发商参数名）
}

// ToursResult 线路列表拉取结果
type ToursResult struct {
	Success      bool
	Tours        []map[string]interface{}
	NextCursor   string
	HasMore      bool
	ErrorMessage string
	ErrorCode    string
	StatusCode   int
}

// PeriodsResult 团期拉取结果
type PeriodsResult struct {
	Success      bool
	Periods      []map[string]interface{}
	ErrorMessage string
	ErrorCode    string
	StatusCode   int
}

// ItinerariesResult 行程拉取结果
type ItinerariesResult struct {
	Success      bool
	Itineraries  []map[string]interface{}
	ErrorMessage string
	ErrorCode    string
	StatusCode   int
}

// AckRequest 同步完成后的回执内容
type AckRequest struct {
	SyncID        string `json:"sync_id"`
	SyncType      string `json:"sync_type"`
	Status        string `json:"status"`
	ToursReceived int    `json:"tours_received"`
	ToursCreated  int    `json:"tours_created"`
	ToursUpdated  int    `json:"tours_updated"`
	ToursFailed   int    `json:"tours_failed"`
	Cursor        string `json:"cursor"`
}

// AckResult 回执结果
type AckResult struct {
	Success  bool
	Accepted bool
	Message  string
}

// SourceAdapter 批发商数据源，失败通过结果值返回而不是 error
type SourceAdapter interface {
	FetchTours(ctx context.Context, req FetchRequest) ToursResult
	FetchPeriods(ctx context.Context, endpoint string) PeriodsResult
	FetchItineraries(ctx context.Context, endpoint string) ItinerariesResult
}

// Acknowledger 支持同步回执的数据源
type Acknowledger interface {
	Acknowledge(ctx context.Context, req AckRequest) AckResult
}

// AdapterProvider 按批发商构建数据源
type AdapterProvider interface {
	Build(wholesaler *models.Wholesaler, config *models.WholesalerApiConfig) (SourceAdapter, error)
}
