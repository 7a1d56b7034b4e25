package models

import (
	"time"

	"gorm.io/datatypes"
)

// 同步类型
const (
	SyncTypeIncremental = "incremental"
	SyncTypeFull        = "full"
)

// 同步状态
const (
	SyncStatusRunning   = "running"
	SyncStatusCompleted = "completed"
	SyncStatusFailed    = "failed"
	SyncStatusPartial   = "partial"
)

// 同步错误类型
const (
	ErrorTypeMapping    = "mapping"
	ErrorTypeValidation = "validation"
	ErrorTypeLookup     = "lookup"
	ErrorTypeTypeCast   = "type_cast"
	ErrorTypeDatabase   = "database"
	ErrorTypeAPI        = "api"
	ErrorTypeTimeout    = "timeout"
	ErrorTypeUnknown    = "unknown"
)

// DefaultHeartbeatTimeoutMinutes 未配置时的心跳超时
const DefaultHeartbeatTimeoutMinutes = 30

// SyncCursor 同步游标，每个批发商每种同步类型一条
type SyncCursor struct {
	ID             uint       `gorm:"primarykey" json:"id"`
	WholesalerID   uint       `gorm:"not null;uniqueIndex:idx_cursor_unique" json:"wholesaler_id"`
	SyncType       string     `gorm:"size:20;not null;uniqueIndex:idx_cursor_unique" json:"sync_type"`
	CursorValue    string     `gorm:"size:500" json:"cursor_value"` // 下一次请求从这里开始
	CursorType     string     `gorm:"size:20" json:"cursor_type"`   // 与分页方式一致
	LastSyncID     string     `gorm:"size:36" json:"last_sync_id"`
	LastSyncedAt   *time.Time `json:"last_synced_at"`
	TotalReceived  int        `gorm:"default:0" json:"total_received"`
	LastBatchCount int        `gorm:"default:0" json:"last_batch_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncLog 同步运行记录
type SyncLog struct {
	ID           uint   `gorm:"primarykey" json:"id"`
	SyncID       string `gorm:"size:36;not null;uniqueIndex" json:"sync_id"`
	WholesalerID uint   `gorm:"not null;index" json:"wholesaler_id"`
	SyncType     string `gorm:"size:20;not null" json:"sync_type"`
	Status       string `gorm:"size:20;not null;index" json:"status"` // running/completed/failed/partial
	TriggeredBy  string `gorm:"size:50" json:"triggered_by"`          // schedule/manual/api

	// 计数
	ToursReceived   int `json:"tours_received"`
	ToursCreated    int `json:"tours_created"`
	ToursUpdated    int `json:"tours_updated"`
	ToursSkipped    int `json:"tours_skipped"`
	ToursFailed     int `json:"tours_failed"`
	PeriodsReceived int `json:"periods_received"`
	PeriodsCreated  int `json:"periods_created"`
	PeriodsUpdated  int `json:"periods_updated"`
	PeriodsSkipped  int `json:"periods_skipped"`
	PeriodsFailed   int `json:"periods_failed"`
	ErrorCount      int `json:"error_count"`

	// 进度与心跳
	ProcessedItems          int        `json:"processed_items"`
	TotalItems              int        `json:"total_items"`
	CurrentChunk            int        `json:"current_chunk"`
	TotalChunks             int        `json:"total_chunks"`
	LastHeartbeatAt         *time.Time `json:"last_heartbeat_at"`
	HeartbeatTimeoutMinutes int        `gorm:"default:30" json:"heartbeat_timeout_minutes"`

	// 取消
	CancelRequested bool       `gorm:"default:false" json:"cancel_requested"`
	CancelReason    string     `gorm:"size:500" json:"cancel_reason"`
	CancelledAt     *time.Time `json:"cancelled_at"`

	// 回执
	AckSent     bool   `gorm:"default:false" json:"ack_sent"`
	AckAccepted *bool  `json:"ack_accepted"`
	AckMessage  string `gorm:"size:500" json:"ack_message"`

	ErrorMessage string     `gorm:"type:text" json:"error_message"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	Duration     int        `json:"duration"` // 秒

	Wholesaler *Wholesaler `gorm:"foreignKey:WholesalerID" json:"wholesaler,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// HeartbeatExpired 心跳是否已超时
func (l *SyncLog) HeartbeatExpired(now time.Time) bool {
	timeout := time.Duration(l.HeartbeatTimeoutMinutes) * time.Minute
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeoutMinutes * time.Minute
	}
	last := l.StartedAt
	if l.LastHeartbeatAt != nil {
		last = *l.LastHeartbeatAt
	}
	return now.Sub(last) > timeout
}

// SyncErrorLog 单条数据的同步错误
type SyncErrorLog struct {
	ID            uint           `gorm:"primarykey" json:"id"`
	SyncLogID     uint           `gorm:"not null;index" json:"sync_log_id"`
	WholesalerID  uint           `gorm:"not null;index" json:"wholesaler_id"`
	EntityType    string         `gorm:"size:20" json:"entity_type"` // tour/period/itinerary
	ExternalID    string         `gorm:"size:100;index" json:"external_id"`
	ErrorType     string         `gorm:"size:20;not null;index" json:"error_type"`
	Section       string         `gorm:"size:20" json:"section"`
	FieldName     string         `gorm:"size:100" json:"field_name"`
	ReceivedValue string         `gorm:"type:text" json:"received_value"`
	ExpectedType  string         `gorm:"size:50" json:"expected_type"`
	Message       string         `gorm:"type:text" json:"message"`
	RawData       datatypes.JSON `gorm:"type:jsonb" json:"raw_data,omitempty"`

	IsResolved     bool       `gorm:"default:false;index" json:"is_resolved"`
	ResolvedAt     *time.Time `json:"resolved_at"`
	ResolutionNote string     `gorm:"type:text" json:"resolution_note"`

	CreatedAt time.Time `json:"created_at"`
}
