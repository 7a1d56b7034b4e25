package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"tourapi/internal/database"
	"tourapi/internal/models"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// newTestDB 内存 sqlite，单连接保证所有查询看到同一个库
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.MigrateDB(db))
	return db
}

// fakeAdapter 按游标返回预先准备好的页
type fakeAdapter struct {
	mu          sync.Mutex
	pages       map[string]ToursResult // cursor -> page
	periods     map[string]PeriodsResult
	itineraries map[string]ItinerariesResult
	requests    []FetchRequest
	acks        []AckRequest
	ackResult   AckResult
	onFetch     func(req FetchRequest)
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		pages:       make(map[string]ToursResult),
		periods:     make(map[string]PeriodsResult),
		itineraries: make(map[string]ItinerariesResult),
		ackResult:   AckResult{Success: true, Accepted: true, Message: "ok"},
	}
}

func (a *fakeAdapter) FetchTours(ctx context.Context, req FetchRequest) ToursResult {
	if a.onFetch != nil {
		a.onFetch(req)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	page, ok := a.pages[req.Cursor]
	if !ok {
		return ToursResult{Success: true}
	}
	return page
}

func (a *fakeAdapter) FetchPeriods(ctx context.Context, endpoint string) PeriodsResult {
	if result, ok := a.periods[endpoint]; ok {
		return result
	}
	return PeriodsResult{Success: false, ErrorCode: AdapterErrHTTP, ErrorMessage: "not found", StatusCode: 404}
}

func (a *fakeAdapter) FetchItineraries(ctx context.Context, endpoint string) ItinerariesResult {
	if result, ok := a.itineraries[endpoint]; ok {
		return result
	}
	return ItinerariesResult{Success: false, ErrorCode: AdapterErrHTTP, ErrorMessage: "not found", StatusCode: 404}
}

func (a *fakeAdapter) Acknowledge(ctx context.Context, req AckRequest) AckResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, req)
	return a.ackResult
}

func (a *fakeAdapter) cursors() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	result := make([]string, 0, len(a.requests))
	for _, r := range a.requests {
		result = append(result, r.Cursor)
	}
	return result
}

// fakeProvider 按批发商ID返回数据源
type fakeProvider struct {
	adapters map[uint]SourceAdapter
}

func (p *fakeProvider) Build(wholesaler *models.Wholesaler, config *models.WholesalerApiConfig) (SourceAdapter, error) {
	if adapter, ok := p.adapters[wholesaler.ID]; ok {
		return adapter, nil
	}
	return newFakeAdapter(), nil
}

// fakeLookup 内存中的参考数据
type fakeLookup struct {
	entries map[string]ReferenceMatch // table:value -> match
	aliases map[string][]string
	err     error
}

func (l *fakeLookup) Lookup(ctx context.Context, table, value string) (*ReferenceMatch, bool, error) {
	if l.err != nil {
		return nil, false, l.err
	}
	match, ok := l.entries[table+":"+value]
	if !ok {
		return nil, false, nil
	}
	return &match, true, nil
}

func (l *fakeLookup) Aliases(ctx context.Context, table, value string) ([]string, error) {
	return l.aliases[table+":"+value], nil
}

// fakeProgress 记录推送的进度
type fakeProgress struct {
	mu       sync.Mutex
	messages []string
}

func (p *fakeProgress) PublishProgress(ctx context.Context, syncID string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, string(data))
	return nil
}

// createWholesaler 创建启用中的批发商与配置
func createWholesaler(t *testing.T, db *gorm.DB, code string, mutate func(*models.WholesalerApiConfig)) *models.Wholesaler {
	t.Helper()
	wholesaler := &models.Wholesaler{Code: code, Name: code, IsActive: true}
	require.NoError(t, db.Create(wholesaler).Error)

	config := &models.WholesalerApiConfig{
		WholesalerID:            wholesaler.ID,
		BaseURL:                 "https://api.example.com",
		ToursEndpoint:           "/tours",
		PaginationType:          models.PaginationCursor,
		NextCursorPath:          "next",
		SyncMode:                models.SyncModeSingle,
		PeriodsPath:             "periods",
		SyncEnabled:             true,
		ChunkSize:               2,
		HeartbeatTimeoutMinutes: 30,
		RespectManualOverrides:  true,
		SkipPastPeriods:         true,
		SkipDisabledTours:       true,
	}
	if mutate != nil {
		mutate(config)
	}
	require.NoError(t, db.Create(config).Error)
	// default:true 的布尔字段零值不会写入，显式更新
	require.NoError(t, db.Model(config).
		Select("ack_enabled", "sync_enabled", "respect_manual_overrides", "skip_past_periods", "skip_disabled_tours").
		Updates(config).Error)

	wholesaler.Config = config
	return wholesaler
}

// createRules 写入映射规则
func createRules(t *testing.T, db *gorm.DB, wholesalerID uint, rules ...models.MappingRule) {
	t.Helper()
	for i := range rules {
		rules[i].WholesalerID = wholesalerID
		rules[i].Active = true
		if rules[i].TransformKind == "" {
			rules[i].TransformKind = models.TransformDirect
		}
		rules[i].SortOrder = i
		require.NoError(t, db.Create(&rules[i]).Error)
	}
}

func rule(section, field, path string) models.MappingRule {
	return models.MappingRule{Section: section, CanonicalField: field, SourcePath: path}
}

func ruleWith(section, field, path, kind string, config interface{}) models.MappingRule {
	data, _ := json.Marshal(config)
	return models.MappingRule{
		Section:         section,
		CanonicalField:  field,
		SourcePath:      path,
		TransformKind:   kind,
		TransformConfig: datatypes.JSON(data),
	}
}

// standardRules 常见的线路与团期映射
func standardRules() []models.MappingRule {
	return []models.MappingRule{
		rule(models.SectionTour, "external_id", "id"),
		rule(models.SectionTour, "tour_code", "code"),
		rule(models.SectionTour, "title", "name"),
		rule(models.SectionTour, "status", "status"),
		rule(models.SectionDeparture, "external_id", "pid"),
		rule(models.SectionDeparture, "start_date", "date"),
		rule(models.SectionDeparture, "capacity", "seats"),
		rule(models.SectionDeparture, "booked", "sold"),
		rule(models.SectionDeparture, "price_adult", "price"),
		rule(models.SectionDeparture, "discount_adult", "discount"),
		rule(models.SectionDeparture, "status", "state"),
	}
}

func ptrFloat(v float64) *float64 { return &v }

func ptrInt(v int) *int { return &v }

func ptrString(v string) *string { return &v }

func ptrBool(v bool) *bool { return &v }

func date(s string) time.Time {
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}
