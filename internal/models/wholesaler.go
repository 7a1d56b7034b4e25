package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// 同步模式
const (
	SyncModeSingle   = "single"    // 团期嵌在线路数据中一次返回
	SyncModeTwoPhase = "two_phase" // 线路与团期分开请求
)

// 分页方式
const (
	PaginationNone   = "none"
	PaginationPage   = "page"
	PaginationOffset = "offset"
	PaginationCursor = "cursor"
)

// 认证方式
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthAPIKey = "apikey"
	AuthBasic  = "basic"
)

// Wholesaler 批发商
type Wholesaler struct {
	ID          uint   `gorm:"primarykey" json:"id"`
	Code        string `gorm:"size:50;not null;uniqueIndex" json:"code"` // 唯一标识
	Name        string `gorm:"size:200;not null" json:"name"`
	Description string `gorm:"type:text" json:"description"`
	IsActive    bool   `gorm:"default:true" json:"is_active"`

	Config *WholesalerApiConfig `gorm:"foreignKey:WholesalerID" json:"config,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WholesalerApiConfig 批发商接口与同步策略配置
type WholesalerApiConfig struct {
	ID           uint `gorm:"primarykey" json:"id"`
	WholesalerID uint `gorm:"not null;uniqueIndex" json:"wholesaler_id"`

	// 接口配置
	BaseURL            string `gorm:"size:500;not null" json:"base_url"`
	AuthType           string `gorm:"size:20;default:'none'" json:"auth_type"` // none/bearer/apikey/basic
	AuthHeader         string `gorm:"size:100" json:"auth_header"`             // apikey 模式的请求头名，默认 X-API-Key
	AuthToken          string `gorm:"size:1000" json:"-"`                      // 加密存储，不返回给前端
	TimeoutSeconds     int    `gorm:"default:30" json:"timeout_seconds"`
	RateLimitPerMinute int    `gorm:"default:60" json:"rate_limit_per_minute"`

	// 线路列表接口
	ToursEndpoint  string `gorm:"size:500;not null" json:"tours_endpoint"`
	ToursDataPath  string `gorm:"size:200" json:"tours_data_path"` // 响应中线路数组的路径，如 data.tours
	PaginationType string `gorm:"size:20;default:'none'" json:"pagination_type"`
	PageParam      string `gorm:"size:50" json:"page_param"`        // page/offset/cursor 参数名
	LimitParam     string `gorm:"size:50" json:"limit_param"`       // 每页条数参数名
	NextCursorPath string `gorm:"size:200" json:"next_cursor_path"` // cursor 模式下一页游标路径
	HasMorePath    string `gorm:"size:200" json:"has_more_path"`    // 是否还有下一页的路径

	// 团期与行程
	SyncMode                    string `gorm:"size:20;default:'single'" json:"sync_mode"` // single/two_phase
	PeriodsPath                 string `gorm:"size:200" json:"periods_path"`               // single 模式下团期在线路数据中的路径
	PeriodsEndpointTemplate     string `gorm:"size:500" json:"periods_endpoint_template"`  // two_phase 模式，如 /tours/{external_id}/periods
	PeriodsDataPath             string `gorm:"size:200" json:"periods_data_path"`          // 如 periods[].tour_period[]
	ItinerariesPath             string `gorm:"size:200" json:"itineraries_path"`
	ItinerariesEndpointTemplate string `gorm:"size:500" json:"itineraries_endpoint_template"`
	ItinerariesDataPath         string `gorm:"size:200" json:"itineraries_data_path"`

	// 回执
	AckEnabled  bool   `gorm:"default:false" json:"ack_enabled"`
	AckEndpoint string `gorm:"size:500" json:"ack_endpoint"`

	// 调度
	SyncEnabled             bool   `gorm:"default:true" json:"sync_enabled"`
	IncrementalCron         string `gorm:"size:100" json:"incremental_cron"` // 如 */30 * * * *
	FullSyncCron            string `gorm:"size:100" json:"full_sync_cron"`   // 如 0 3 * * *
	HeartbeatTimeoutMinutes int    `gorm:"default:30" json:"heartbeat_timeout_minutes"`
	ChunkSize               int    `gorm:"default:50" json:"chunk_size"`

	// 同步策略
	RespectManualOverrides bool           `gorm:"default:true" json:"respect_manual_overrides"`
	AlwaysSyncFields       StringArray    `gorm:"type:text" json:"always_sync_fields"`
	NeverSyncFields        StringArray    `gorm:"type:text" json:"never_sync_fields"`
	SkipPastPeriods        bool           `gorm:"default:true" json:"skip_past_periods"`
	SkipDisabledTours      bool           `gorm:"default:true" json:"skip_disabled_tours"`
	AggregationConfig      datatypes.JSON `gorm:"type:jsonb" json:"aggregation_config"`

	LastSyncAt   *time.Time `json:"last_sync_at"`
	Status       string     `gorm:"size:20;default:'active'" json:"status"` // active/error
	ErrorMessage string     `gorm:"type:text" json:"error_message"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncPolicy 智能同步策略（每次同步解析一次）
type SyncPolicy struct {
	RespectManualOverrides bool
	AlwaysSyncFields       map[string]bool
	NeverSyncFields        map[string]bool
	SkipPastPeriods        bool
	SkipDisabledTours      bool
}

// Policy 解析同步策略
func (c *WholesalerApiConfig) Policy() SyncPolicy {
	policy := SyncPolicy{
		RespectManualOverrides: c.RespectManualOverrides,
		AlwaysSyncFields:       make(map[string]bool, len(c.AlwaysSyncFields)),
		NeverSyncFields:        make(map[string]bool, len(c.NeverSyncFields)),
		SkipPastPeriods:        c.SkipPastPeriods,
		SkipDisabledTours:      c.SkipDisabledTours,
	}
	for _, f := range c.AlwaysSyncFields {
		policy.AlwaysSyncFields[f] = true
	}
	for _, f := range c.NeverSyncFields {
		policy.NeverSyncFields[f] = true
	}
	return policy
}

// ShouldSyncField 判断字段是否允许被同步覆盖
// never_sync 优先，其次 always_sync，最后看人工修改标记
func (p SyncPolicy) ShouldSyncField(field string, overrides OverrideFields) bool {
	if p.NeverSyncFields[field] {
		return false
	}
	if p.AlwaysSyncFields[field] {
		return true
	}
	if p.RespectManualOverrides && overrides.Has(field) {
		return false
	}
	return true
}

// AggregationConfig 聚合配置覆盖（批发商级）
type AggregationConfig struct {
	Methods               map[string]string `json:"methods,omitempty"` // 聚合字段 -> min/max/avg/first/last
	FireSaleMinPercent    *float64          `json:"fire_sale_min_percent,omitempty"`
	NormalPromoMinPercent *float64          `json:"normal_promo_min_percent,omitempty"`
}

// Aggregation 解析批发商聚合配置，拒绝未知字段
func (c *WholesalerApiConfig) Aggregation() (*AggregationConfig, error) {
	cfg := &AggregationConfig{}
	raw := bytes.TrimSpace(c.AggregationConfig)
	if len(raw) == 0 || string(raw) == "null" {
		return cfg, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("聚合配置格式错误: %v", err)
	}
	return cfg, nil
}

// HeartbeatTimeout 心跳超时
func (c *WholesalerApiConfig) HeartbeatTimeout() time.Duration {
	if c.HeartbeatTimeoutMinutes <= 0 {
		return DefaultHeartbeatTimeoutMinutes * time.Minute
	}
	return time.Duration(c.HeartbeatTimeoutMinutes) * time.Minute
}
