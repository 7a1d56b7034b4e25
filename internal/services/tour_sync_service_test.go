package services

import (
	"context"
	"testing"
	"time"

	"tourapi/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func rawTour(id, name string, periods ...map[string]interface{}) map[string]interface{} {
	list := make([]interface{}, 0, len(periods))
	for _, p := range periods {
		list = append(list, p)
	}
	return map[string]interface{}{
		"id":      id,
		"code":    "T-" + id,
		"name":    name,
		"status":  "active",
		"periods": list,
	}
}

func rawPeriod(pid, day string, seats, sold, price, discount float64) map[string]interface{} {
	return map[string]interface{}{
		"pid":      pid,
		"date":     day,
		"seats":    seats,
		"sold":     sold,
		"price":    price,
		"discount": discount,
	}
}

type syncFixture struct {
	db         *gorm.DB
	wholesaler *models.Wholesaler
	adapter    *fakeAdapter
	service    *TourSyncService
}

func newSyncFixture(t *testing.T, mutate func(*models.WholesalerApiConfig)) *syncFixture {
	t.Helper()
	db := newTestDB(t)
	wholesaler := createWholesaler(t, db, "WS1", mutate)
	createRules(t, db, wholesaler.ID, standardRules()...)

	adapter := newFakeAdapter()
	provider := &fakeProvider{adapters: map[uint]SourceAdapter{wholesaler.ID: adapter}}
	service := NewTourSyncService(db, provider, nil, NewAggregationService(db, nil), TourSyncOptions{})
	return &syncFixture{db: db, wholesaler: wholesaler, adapter: adapter, service: service}
}

func (f *syncFixture) run(t *testing.T, syncType string) *models.SyncLog {
	t.Helper()
	syncLog, err := f.service.RunSync(context.Background(), f.wholesaler.ID, syncType, "manual")
	require.NoError(t, err)
	require.NotNil(t, syncLog)
	return syncLog
}

func (f *syncFixture) tour(t *testing.T, externalID string) models.Tour {
	t.Helper()
	var tour models.Tour
	require.NoError(t, f.db.Where("wholesaler_id = ? AND external_id = ?", f.wholesaler.ID, externalID).First(&tour).Error)
	return tour
}

func (f *syncFixture) period(t *testing.T, tourID uint, externalID string) models.Period {
	t.Helper()
	var period models.Period
	require.NoError(t, f.db.Preload("Offer").Where("tour_id = ? AND external_id = ?", tourID, externalID).First(&period).Error)
	return period
}

func (f *syncFixture) cursor(t *testing.T, syncType string) models.SyncCursor {
	t.Helper()
	var cursor models.SyncCursor
	require.NoError(t, f.db.Where("wholesaler_id = ? AND sync_type = ?", f.wholesaler.ID, syncType).First(&cursor).Error)
	return cursor
}

func (f *syncFixture) count(t *testing.T, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(model).Count(&n).Error)
	return n
}

func TestRunSyncCreatesTourWithAggregates(t *testing.T) {
	f := newSyncFixture(t, nil)
	f.adapter.pages[""] = ToursResult{
		Success:    true,
		Tours:      []map[string]interface{}{rawTour("EXT-100", "Tokyo Sakura", rawPeriod("P1", "2099-03-01", 20, 8, 10000, 3000))},
		NextCursor: "c1",
	}

	syncLog := f.run(t, models.SyncTypeIncremental)

	assert.Equal(t, models.SyncStatusCompleted, syncLog.Status)
	assert.Equal(t, 1, syncLog.ToursReceived)
	assert.Equal(t, 1, syncLog.ToursCreated)
	assert.Equal(t, 1, syncLog.PeriodsCreated)
	assert.Zero(t, syncLog.ErrorCount)
	assert.NotNil(t, syncLog.CompletedAt)

	tour := f.tour(t, "EXT-100")
	assert.Equal(t, "Tokyo Sakura", tour.Title)
	assert.Equal(t, "T-EXT-100", tour.TourCode)
	assert.Equal(t, "active", tour.Status)
	assert.Equal(t, models.DataSourceSync, tour.DataSource)
	assert.NotEmpty(t, tour.SyncHash)
	require.NotNil(t, tour.MinPrice)
	assert.InDelta(t, 10000, *tour.MinPrice, 0.001)
	require.NotNil(t, tour.DiscountAdult)
	assert.InDelta(t, 3000, *tour.DiscountAdult, 0.001)
	require.NotNil(t, tour.MaxDiscountPercent)
	assert.InDelta(t, 30, *tour.MaxDiscountPercent, 0.001)
	assert.Equal(t, models.PromotionFireSale, tour.PromotionType)
	assert.Equal(t, 12, tour.AvailableSeats)
	require.NotNil(t, tour.NextDepartureDate)
	assert.True(t, tour.NextDepartureDate.Equal(date("2099-03-01")))

	period := f.period(t, tour.ID, "P1")
	assert.Equal(t, 20, period.Capacity)
	assert.Equal(t, 8, period.Booked)
	assert.Equal(t, 12, period.Available)
	assert.Equal(t, models.PeriodStatusOpen, period.Status)
	require.NotNil(t, period.Offer)
	require.NotNil(t, period.Offer.PriceAdult)
	assert.InDelta(t, 10000, *period.Offer.PriceAdult, 0.001)

	cursor := f.cursor(t, models.SyncTypeIncremental)
	assert.Equal(t, "c1", cursor.CursorValue)
	assert.Equal(t, 1, cursor.TotalReceived)
	assert.Equal(t, syncLog.SyncID, cursor.LastSyncID)

	var stored models.SyncLog
	require.NoError(t, f.db.First(&stored, syncLog.ID).Error)
	assert.Equal(t, models.SyncStatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.ToursCreated)

	var config models.WholesalerApiConfig
	require.NoError(t, f.db.First(&config, f.wholesaler.Config.ID).Error)
	assert.Equal(t, "active", config.Status)
	assert.NotNil(t, config.LastSyncAt)
}

func TestRunSyncCursorAdvancesAcrossChunks(t *testing.T) {
	f := newSyncFixture(t, nil)
	f.adapter.pages[""] = ToursResult{
		Success: true,
		Tours: []map[string]interface{}{
			rawTour("A", "Tour A"),
			rawTour("B", "Tour B"),
		},
		NextCursor: "c1",
		HasMore:    true,
	}
	f.adapter.pages["c1"] = ToursResult{
		Success:    true,
		Tours:      []map[string]interface{}{rawTour("C", "Tour C")},
		NextCursor: "c2",
	}

	syncLog := f.run(t, models.SyncTypeIncremental)
	assert.Equal(t, models.SyncStatusCompleted, syncLog.Status)
	assert.Equal(t, 3, syncLog.ToursCreated)
	assert.Equal(t, 2, syncLog.CurrentChunk)
	assert.Equal(t, []string{"", "c1"}, f.adapter.cursors())

	cursor := f.cursor(t, models.SyncTypeIncremental)
	assert.Equal(t, "c2", cursor.CursorValue)
	assert.Equal(t, 3, cursor.TotalReceived)
	assert.Equal(t, 1, cursor.LastBatchCount)

	for _, req := range f.adapter.requests {
		assert.Equal(t, 2, req.Limit)
	}

	// 下一次增量从 c2 继续，空页不回退游标
	syncLog = f.run(t, models.SyncTypeIncremental)
	assert.Equal(t, models.SyncStatusCompleted, syncLog.Status)
	assert.Equal(t, []string{"", "c1", "c2"}, f.adapter.cursors())
	assert.Equal(t, "c2", f.cursor(t, models.SyncTypeIncremental).CursorValue)

	// 全量同步使用自己的游标，从头开始
	f.run(t, models.SyncTypeFull)
	assert.Equal(t, []string{"", "c1", "c2", "", "c1"}, f.adapter.cursors())
	assert.Equal(t, "c2", f.cursor(t, models.SyncTypeIncremental).CursorValue)
}

func TestRunSyncIsIdempotent(t *testing.T) {
	f := newSyncFixture(t, func(c *models.WholesalerApiConfig) {
		c.PaginationType = models.PaginationNone
	})
	f.adapter.pages[""] = ToursResult{
		Success: true,
		Tours:   []map[string]interface{}{rawTour("EXT-1", "Bangkok", rawPeriod("P1", "2099-05-01", 10, 2, 5000, 0))},
	}

	first := f.run(t, models.SyncTypeIncremental)
	assert.Equal(t, 1, first.ToursCreated)

	second := f.run(t, models.SyncTypeIncremental)
	assert.Equal(t, models.SyncStatusCompleted, second.Status)
	assert.Zero(t, second.ToursCreated)
	assert.Equal(t, 1, second.ToursSkipped)
	assert.Equal(t, 1, second.PeriodsUpdated)

	full := f.run(t, models.SyncTypeFull)
	assert.Equal(t, 1, full.ToursUpdated)
	assert.Equal(t, 1, full.PeriodsUpdated)

	assert.Equal(t, int64(1), f.count(t, &models.Tour{}))
	assert.Equal(t, int64(1), f.count(t, &models.Period{}))
	assert.Equal(t, int64(1), f.count(t, &models.Offer{}))
}

func TestRunSyncRespectsManualOverrides(t *testing.T) {
	f := newSyncFixture(t, func(c *models.WholesalerApiConfig) {
		c.PaginationType = models.PaginationNone
	})
	f.adapter.pages[""] = ToursResult{
		Success: true,
		Tours:   []map[string]interface{}{rawTour("EXT-1", "Original", rawPeriod("P1", "2099-05-01", 20, 5, 8000, 0))},
	}
	f.run(t, models.SyncTypeFull)

	now := time.Now().UTC()
	tour := f.tour(t, "EXT-1")
	require.NoError(t, f.db.Model(&tour).Updates(map[string]interface{}{
		"title":                  "Manual Title",
		"manual_override_fields": models.OverrideFields{"title": now},
	}).Error)
	period := f.period(t, tour.ID, "P1")
	require.NoError(t, f.db.Model(&models.Period{}).Where("id = ?", period.ID).Updates(map[string]interface{}{
		"capacity":               30,
		"available":              2,
		"manual_override_fields": models.OverrideFields{"capacity": now},
	}).Error)

	updated := rawTour("EXT-1", "Updated", rawPeriod("P1", "2099-05-01", 25, 10, 9000, 0))
	updated["code"] = "T-NEW"
	f.adapter.pages[""] = ToursResult{Success: true, Tours: []map[string]interface{}{updated}}
	f.run(t, models.SyncTypeFull)

	tour = f.tour(t, "EXT-1")
	assert.Equal(t, "Manual Title", tour.Title)
	assert.Equal(t, "T-NEW", tour.TourCode)

	period = f.period(t, tour.ID, "P1")
	assert.Equal(t, 30, period.Capacity)
	assert.Equal(t, 2, period.Available)
	assert.Equal(t, 10, period.Booked)
	require.NotNil(t, period.Offer.PriceAdult)
	assert.InDelta(t, 9000, *period.Offer.PriceAdult, 0.001)

	// always_sync 优先于人工修改
	require.NoError(t, f.db.Model(f.wholesaler.Config).Update("always_sync_fields", models.StringArray{"title"}).Error)
	f.run(t, models.SyncTypeFull)
	assert.Equal(t, "Updated", f.tour(t, "EXT-1").Title)

	// never_sync 优先于一切
	require.NoError(t, f.db.Model(f.wholesaler.Config).Updates(map[string]interface{}{
		"always_sync_fields": models.StringArray{},
		"never_sync_fields":  models.StringArray{"tour_code"},
	}).Error)
	updated["code"] = "T-IGNORED"
	f.run(t, models.SyncTypeFull)
	assert.Equal(t, "T-NEW", f.tour(t, "EXT-1").TourCode)
}

func TestRunSyncRecordsItemFailures(t *testing.T) {
	f := newSyncFixture(t, nil)
	badPeriod := rawPeriod("P9", "2099-06-01", 10, 0, 7000, 0)
	badPeriod["state"] = "weird"
	f.adapter.pages[""] = ToursResult{
		Success: true,
		Tours: []map[string]interface{}{
			rawTour("GOOD", "Good", rawPeriod("P1", "2099-06-01", 10, 1, 7000, 0)),
			{"name": "no id"},
			rawTour("BAD", "Bad period", badPeriod),
		},
		NextCursor: "c1",
	}

	syncLog := f.run(t, models.SyncTypeIncremental)

	assert.Equal(t, models.SyncStatusPartial, syncLog.Status)
	assert.Equal(t, 3, syncLog.ToursReceived)
	assert.Equal(t, 2, syncLog.ToursCreated)
	assert.Equal(t, 1, syncLog.ToursFailed)
	assert.Equal(t, 1, syncLog.PeriodsCreated)
	assert.Equal(t, 1, syncLog.PeriodsFailed)
	assert.Equal(t, 2, syncLog.ErrorCount)

	var errorLogs []models.SyncErrorLog
	require.NoError(t, f.db.Where("sync_log_id = ?", syncLog.ID).Order("id ASC").Find(&errorLogs).Error)
	require.Len(t, errorLogs, 2)
	assert.Equal(t, "tour", errorLogs[0].EntityType)
	assert.Equal(t, models.ErrorTypeMapping, errorLogs[0].ErrorType)
	assert.Equal(t, "external_id", errorLogs[0].FieldName)
	assert.NotEmpty(t, errorLogs[0].RawData)
	assert.Equal(t, "period", errorLogs[1].EntityType)
	assert.Equal(t, "P9", errorLogs[1].ExternalID)
	assert.Equal(t, models.ErrorTypeValidation, errorLogs[1].ErrorType)
	assert.Equal(t, "status", errorLogs[1].FieldName)
	assert.Equal(t, "weird", errorLogs[1].ReceivedValue)

	// 单条失败不影响游标推进
	assert.Equal(t, "c1", f.cursor(t, models.SyncTypeIncremental).CursorValue)
}

func TestRunSyncSkipsDisabledLockedAndPast(t *testing.T) {
	f := newSyncFixture(t, func(c *models.WholesalerApiConfig) {
		c.PaginationType = models.PaginationNone
	})
	disabled := rawTour("OFF", "Disabled")
	disabled["status"] = "disabled"
	f.adapter.pages[""] = ToursResult{
		Success: true,
		Tours: []map[string]interface{}{
			disabled,
			rawTour("OLD", "Past", rawPeriod("P0", "2000-01-01", 10, 0, 5000, 0)),
			rawTour("LOCK", "Lockable"),
		},
	}

	syncLog := f.run(t, models.SyncTypeFull)
	assert.Equal(t, models.SyncStatusCompleted, syncLog.Status)
	assert.Equal(t, 1, syncLog.ToursSkipped)
	assert.Equal(t, 2, syncLog.ToursCreated)
	assert.Equal(t, 1, syncLog.PeriodsSkipped)
	assert.Zero(t, syncLog.PeriodsCreated)

	var n int64
	f.db.Model(&models.Tour{}).Where("external_id = ?", "OFF").Count(&n)
	assert.Zero(t, n)

	locked := f.tour(t, "LOCK")
	require.NoError(t, f.db.Model(&locked).Update("sync_locked", true).Error)
	renamed := rawTour("LOCK", "Renamed")
	f.adapter.pages[""] = ToursResult{Success: true, Tours: []map[string]interface{}{renamed}}

	syncLog = f.run(t, models.SyncTypeFull)
	assert.Equal(t, 1, syncLog.ToursSkipped)
	assert.Equal(t, "Lockable", f.tour(t, "LOCK").Title)
}

func TestRunSyncStopsWhenCursorDoesNotAdvance(t *testing.T) {
	f := newSyncFixture(t, nil)
	f.adapter.pages[""] = ToursResult{
		Success: true,
		Tours:   []map[string]interface{}{rawTour("A", "Tour A")},
		HasMore: true,
	}

	syncLog := f.run(t, models.SyncTypeIncremental)
	assert.Equal(t, models.SyncStatusFailed, syncLog.Status)
	assert.Contains(t, syncLog.ErrorMessage, ErrCursorNotAdvancing.Error())
	assert.Zero(t, f.count(t, &models.Tour{}))

	var config models.WholesalerApiConfig
	require.NoError(t, f.db.First(&config, f.wholesaler.Config.ID).Error)
	assert.Equal(t, "error", config.Status)
	assert.NotEmpty(t, config.ErrorMessage)
}

func TestRunSyncFetchFailureKeepsCommittedChunks(t *testing.T) {
	f := newSyncFixture(t, func(c *models.WholesalerApiConfig) {
		c.AckEnabled = true
		c.AckEndpoint = "/ack"
	})
	f.adapter.pages[""] = ToursResult{
		Success:    true,
		Tours:      []map[string]interface{}{rawTour("A", "Tour A")},
		NextCursor: "c1",
		HasMore:    true,
	}
	f.adapter.pages["c1"] = ToursResult{Success: false, ErrorCode: AdapterErrHTTP, ErrorMessage: "bad gateway", StatusCode: 502}

	syncLog := f.run(t, models.SyncTypeIncremental)
	assert.Equal(t, models.SyncStatusFailed, syncLog.Status)
	assert.Contains(t, syncLog.ErrorMessage, "bad gateway")
	assert.Equal(t, int64(1), f.count(t, &models.Tour{}))
	assert.Equal(t, "c1", f.cursor(t, models.SyncTypeIncremental).CursorValue)
	assert.Empty(t, f.adapter.acks)
	assert.False(t, syncLog.AckSent)
}

func TestRunSyncSendsAck(t *testing.T) {
	f := newSyncFixture(t, func(c *models.WholesalerApiConfig) {
		c.AckEnabled = true
		c.AckEndpoint = "/ack"
	})
	f.adapter.pages[""] = ToursResult{
		Success:    true,
		Tours:      []map[string]interface{}{rawTour("A", "Tour A")},
		NextCursor: "c1",
	}

	syncLog := f.run(t, models.SyncTypeIncremental)
	require.Len(t, f.adapter.acks, 1)
	ack := f.adapter.acks[0]
	assert.Equal(t, syncLog.SyncID, ack.SyncID)
	assert.Equal(t, "c1", ack.Cursor)
	assert.Equal(t, models.SyncStatusCompleted, ack.Status)
	assert.Equal(t, 1, ack.ToursCreated)

	assert.True(t, syncLog.AckSent)
	require.NotNil(t, syncLog.AckAccepted)
	assert.True(t, *syncLog.AckAccepted)

	var stored models.SyncLog
	require.NoError(t, f.db.First(&stored, syncLog.ID).Error)
	assert.True(t, stored.AckSent)
	assert.Equal(t, "ok", stored.AckMessage)
}

func TestRunSyncHonoursCancelRequest(t *testing.T) {
	f := newSyncFixture(t, nil)
	f.adapter.pages[""] = ToursResult{
		Success:    true,
		Tours:      []map[string]interface{}{rawTour("A", "Tour A")},
		NextCursor: "c1",
		HasMore:    true,
	}
	f.adapter.pages["c1"] = ToursResult{
		Success:    true,
		Tours:      []map[string]interface{}{rawTour("B", "Tour B")},
		NextCursor: "c2",
	}
	f.adapter.onFetch = func(req FetchRequest) {
		if req.Cursor != "" {
			return
		}
		f.db.Model(&models.SyncLog{}).
			Where("wholesaler_id = ? AND status = ?", f.wholesaler.ID, models.SyncStatusRunning).
			Updates(map[string]interface{}{"cancel_requested": true, "cancel_reason": "stop"})
	}

	syncLog := f.run(t, models.SyncTypeIncremental)
	assert.Equal(t, models.SyncStatusFailed, syncLog.Status)
	assert.True(t, syncLog.CancelRequested)
	assert.NotNil(t, syncLog.CancelledAt)
	assert.Contains(t, syncLog.ErrorMessage, "stop")
	assert.Equal(t, []string{""}, f.adapter.cursors())
	assert.Equal(t, "c1", f.cursor(t, models.SyncTypeIncremental).CursorValue)
	assert.Equal(t, int64(1), f.count(t, &models.Tour{}))
}

func TestRunSyncRunningGuard(t *testing.T) {
	f := newSyncFixture(t, nil)
	now := time.Now().UTC()
	existing := &models.SyncLog{
		SyncID:                  "live-run",
		WholesalerID:            f.wholesaler.ID,
		SyncType:                models.SyncTypeIncremental,
		Status:                  models.SyncStatusRunning,
		StartedAt:               now,
		LastHeartbeatAt:         &now,
		HeartbeatTimeoutMinutes: 30,
	}
	require.NoError(t, f.db.Create(existing).Error)

	_, err := f.service.RunSync(context.Background(), f.wholesaler.ID, models.SyncTypeIncremental, "manual")
	assert.ErrorIs(t, err, ErrSyncAlreadyRunning)

	// 心跳超时的运行被标记失败，新同步照常执行
	stale := now.Add(-2 * time.Hour)
	require.NoError(t, f.db.Model(existing).Updates(map[string]interface{}{
		"started_at":        stale,
		"last_heartbeat_at": stale,
	}).Error)

	syncLog := f.run(t, models.SyncTypeIncremental)
	assert.Equal(t, models.SyncStatusCompleted, syncLog.Status)

	var old models.SyncLog
	require.NoError(t, f.db.First(&old, existing.ID).Error)
	assert.Equal(t, models.SyncStatusFailed, old.Status)
	assert.True(t, old.CancelRequested)
	assert.NotNil(t, old.CancelledAt)
}

func TestRunSyncInProcessLock(t *testing.T) {
	f := newSyncFixture(t, nil)
	require.True(t, f.service.tryLock(f.wholesaler.ID))

	_, err := f.service.RunSync(context.Background(), f.wholesaler.ID, models.SyncTypeFull, "manual")
	assert.ErrorIs(t, err, ErrSyncAlreadyRunning)

	f.service.unlock(f.wholesaler.ID)
	f.run(t, models.SyncTypeFull)
}

func TestRunSyncRejectsInvalidRequests(t *testing.T) {
	f := newSyncFixture(t, nil)
	ctx := context.Background()

	_, err := f.service.RunSync(ctx, f.wholesaler.ID, "nightly", "manual")
	assert.ErrorIs(t, err, ErrInvalidSyncType)

	_, err = f.service.RunSync(ctx, 9999, models.SyncTypeFull, "manual")
	assert.ErrorIs(t, err, ErrWholesalerNotFound)

	bare := &models.Wholesaler{Code: "BARE", Name: "bare", IsActive: true}
	require.NoError(t, f.db.Create(bare).Error)
	_, err = f.service.RunSync(ctx, bare.ID, models.SyncTypeFull, "manual")
	assert.ErrorIs(t, err, ErrConfigNotFound)

	disabled := createWholesaler(t, f.db, "OFF", func(c *models.WholesalerApiConfig) {
		c.SyncEnabled = false
	})
	_, err = f.service.RunSync(ctx, disabled.ID, models.SyncTypeFull, "manual")
	assert.ErrorIs(t, err, ErrSyncDisabled)
}

func TestRunSyncWithoutTourRulesFails(t *testing.T) {
	db := newTestDB(t)
	wholesaler := createWholesaler(t, db, "NORULES", nil)
	service := NewTourSyncService(db, &fakeProvider{}, nil, nil, TourSyncOptions{})

	syncLog, err := service.RunSync(context.Background(), wholesaler.ID, models.SyncTypeFull, "manual")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusFailed, syncLog.Status)
	assert.Contains(t, syncLog.ErrorMessage, ErrInvalidRule.Error())
}

func TestRunSyncTwoPhasePeriods(t *testing.T) {
	f := newSyncFixture(t, func(c *models.WholesalerApiConfig) {
		c.SyncMode = models.SyncModeTwoPhase
		c.PeriodsPath = ""
		c.PeriodsEndpointTemplate = "/tours/{external_id}/periods"
	})
	f.adapter.pages[""] = ToursResult{
		Success:    true,
		Tours:      []map[string]interface{}{rawTour("EXT-1", "With periods"), rawTour("EXT-2", "Missing periods")},
		NextCursor: "c1",
	}
	f.adapter.periods["/tours/EXT-1/periods"] = PeriodsResult{
		Success: true,
		Periods: []map[string]interface{}{
			rawPeriod("P1", "2099-07-01", 30, 30, 15000, 0),
		},
	}

	syncLog := f.run(t, models.SyncTypeIncremental)
	assert.Equal(t, models.SyncStatusPartial, syncLog.Status)
	assert.Equal(t, 2, syncLog.ToursCreated)
	assert.Equal(t, 1, syncLog.PeriodsCreated)
	assert.Equal(t, 1, syncLog.ErrorCount)

	// 满员的团期自动变为售罄
	period := f.period(t, f.tour(t, "EXT-1").ID, "P1")
	assert.Zero(t, period.Available)
	assert.Equal(t, models.PeriodStatusSoldOut, period.Status)

	var errorLog models.SyncErrorLog
	require.NoError(t, f.db.Where("sync_log_id = ?", syncLog.ID).First(&errorLog).Error)
	assert.Equal(t, models.ErrorTypeAPI, errorLog.ErrorType)
	assert.Equal(t, "EXT-2", errorLog.ExternalID)
}

func TestRunSyncItinerariesAndCountryLookup(t *testing.T) {
	db := newTestDB(t)
	wholesaler := createWholesaler(t, db, "WS1", func(c *models.WholesalerApiConfig) {
		c.PaginationType = models.PaginationNone
		c.ItinerariesPath = "days"
	})
	rules := append(standardRules(),
		ruleWith(models.SectionTour, "country", "country_code", models.TransformLookup, map[string]string{"table": LookupCountries}),
		rule(models.SectionItinerary, "day_no", "day"),
		rule(models.SectionItinerary, "title", "title"),
		rule(models.SectionItinerary, "hotel_star", "star"),
	)
	createRules(t, db, wholesaler.ID, rules...)

	adapter := newFakeAdapter()
	lookup := &fakeLookup{entries: map[string]ReferenceMatch{
		"countries:JP": {ID: 7, Name: "Japan", Code: "JP"},
	}}
	service := NewTourSyncService(db, &fakeProvider{adapters: map[uint]SourceAdapter{wholesaler.ID: adapter}}, lookup, NewAggregationService(db, nil), TourSyncOptions{})

	raw := rawTour("EXT-1", "Osaka", rawPeriod("P1", "2099-04-01", 10, 0, 20000, 0))
	raw["country_code"] = "JP"
	raw["days"] = []interface{}{
		map[string]interface{}{"day": 1.0, "title": "Arrive", "star": 4.0},
		map[string]interface{}{"day": 2.0, "title": "Castle", "star": 5.0},
		map[string]interface{}{"day": 3.0, "title": "Depart", "star": 5.0},
	}
	adapter.pages[""] = ToursResult{Success: true, Tours: []map[string]interface{}{raw}}

	syncLog, err := service.RunSync(context.Background(), wholesaler.ID, models.SyncTypeFull, "manual")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusCompleted, syncLog.Status)

	var tour models.Tour
	require.NoError(t, db.Preload("Itineraries").Where("external_id = ?", "EXT-1").First(&tour).Error)
	require.NotNil(t, tour.CountryID)
	assert.Equal(t, uint(7), *tour.CountryID)
	assert.Equal(t, "Japan", tour.CountryName)
	assert.Len(t, tour.Itineraries, 3)
	require.NotNil(t, tour.HotelStar)
	assert.Equal(t, 5, *tour.HotelStar)
	require.NotNil(t, tour.HotelStarMin)
	assert.Equal(t, 4, *tour.HotelStarMin)

	// 行程整体替换
	raw["days"] = []interface{}{map[string]interface{}{"day": 1.0, "title": "Only day", "star": 3.0}}
	_, err = service.RunSync(context.Background(), wholesaler.ID, models.SyncTypeFull, "manual")
	require.NoError(t, err)

	var itineraries []models.TourItinerary
	require.NoError(t, db.Where("tour_id = ?", tour.ID).Find(&itineraries).Error)
	require.Len(t, itineraries, 1)
	assert.Equal(t, "Only day", itineraries[0].Title)
}

func TestRunSyncPublishesProgress(t *testing.T) {
	f := newSyncFixture(t, nil)
	progress := &fakeProgress{}
	f.service.SetProgressPublisher(progress)
	f.adapter.pages[""] = ToursResult{
		Success:    true,
		Tours:      []map[string]interface{}{rawTour("A", "Tour A")},
		NextCursor: "c1",
	}

	f.run(t, models.SyncTypeIncremental)

	progress.mu.Lock()
	defer progress.mu.Unlock()
	require.Len(t, progress.messages, 2)
	assert.Contains(t, progress.messages[0], `"status":"running"`)
	assert.Contains(t, progress.messages[1], `"status":"completed"`)
}

func TestDeriveAvailability(t *testing.T) {
	values := map[string]interface{}{"capacity": 10, "booked": 12}
	deriveAvailability(values)
	assert.Equal(t, 0, values["available"])
	assert.Equal(t, models.PeriodStatusSoldOut, values["status"])

	values = map[string]interface{}{"capacity": 10, "booked": 4, "status": models.PeriodStatusClosed}
	deriveAvailability(values)
	assert.Equal(t, 6, values["available"])
	assert.Equal(t, models.PeriodStatusClosed, values["status"])

	values = map[string]interface{}{"available": 0, "status": models.PeriodStatusClosed}
	deriveAvailability(values)
	assert.Equal(t, models.PeriodStatusClosed, values["status"])

	values = map[string]interface{}{"title": "no seats"}
	deriveAvailability(values)
	assert.NotContains(t, values, "available")
}

func TestPeriodStatus(t *testing.T) {
	cases := map[string]string{
		"":         "",
		"OPEN":     models.PeriodStatusOpen,
		" closed ": models.PeriodStatusClosed,
		"full":     models.PeriodStatusSoldOut,
		"soldout":  models.PeriodStatusSoldOut,
	}
	for input, expected := range cases {
		status, err := periodStatus(input)
		require.NoError(t, err, input)
		assert.Equal(t, expected, status, input)
	}

	_, err := periodStatus("pending")
	assert.Error(t, err)
}

func TestPayloadHashIsStable(t *testing.T) {
	a := map[string]interface{}{"id": "1", "name": "x", "nested": map[string]interface{}{"b": 2.0, "a": 1.0}}
	b := map[string]interface{}{"nested": map[string]interface{}{"a": 1.0, "b": 2.0}, "name": "x", "id": "1"}
	assert.Equal(t, payloadHash(a), payloadHash(b))

	b["name"] = "y"
	assert.NotEqual(t, payloadHash(a), payloadHash(b))
}

func TestRenderEndpoint(t *testing.T) {
	record := map[string]interface{}{"external_id": "EXT-1"}
	raw := map[string]interface{}{"meta": map[string]interface{}{"region": "asia"}}
	assert.Equal(t, "/tours/EXT-1/periods", renderEndpoint("/tours/{external_id}/periods", record, raw))
	assert.Equal(t, "/r/asia", renderEndpoint("/r/{meta.region}", record, raw))
}

func TestIncrementalSyncRestoresClearedOverride(t *testing.T) {
	f := newSyncFixture(t, func(c *models.WholesalerApiConfig) {
		c.PaginationType = models.PaginationNone
	})
	f.adapter.pages[""] = ToursResult{
		Success: true,
		Tours:   []map[string]interface{}{rawTour("EXT-1", "Wholesaler Title")},
	}
	f.run(t, models.SyncTypeIncremental)

	tours := NewTourService(f.db, nil)
	tour := f.tour(t, "EXT-1")
	_, err := tours.Update(context.Background(), tour.ID, UpdateTourRequest{Title: ptrString("Manual")})
	require.NoError(t, err)

	unchanged := f.run(t, models.SyncTypeIncremental)
	assert.Equal(t, 1, unchanged.ToursSkipped)
	assert.Equal(t, "Manual", f.tour(t, "EXT-1").Title)

	cleared, err := tours.ClearOverrides(context.Background(), tour.ID, []string{"title"})
	require.NoError(t, err)
	assert.Empty(t, cleared.SyncHash)

	restored := f.run(t, models.SyncTypeIncremental)
	assert.Equal(t, 1, restored.ToursUpdated)
	tour = f.tour(t, "EXT-1")
	assert.Equal(t, "Wholesaler Title", tour.Title)
	assert.NotEmpty(t, tour.SyncHash)
}

func TestIncrementalSyncAppliesChangedMappingRules(t *testing.T) {
	f := newSyncFixture(t, func(c *models.WholesalerApiConfig) {
		c.PaginationType = models.PaginationNone
	})
	f.adapter.pages[""] = ToursResult{
		Success: true,
		Tours:   []map[string]interface{}{rawTour("EXT-1", "Bangkok")},
	}
	f.run(t, models.SyncTypeIncremental)
	assert.Equal(t, "Bangkok", f.tour(t, "EXT-1").Title)

	mappings := NewMappingService(f.db, nil, nil)
	_, err := mappings.Upsert(context.Background(), f.wholesaler.ID, MappingRuleItem{
		Section:        models.SectionTour,
		CanonicalField: "title",
		SourcePath:     "code",
	})
	require.NoError(t, err)
	assert.Empty(t, f.tour(t, "EXT-1").SyncHash)

	syncLog := f.run(t, models.SyncTypeIncremental)
	assert.Equal(t, 1, syncLog.ToursUpdated)
	assert.Equal(t, "T-EXT-1", f.tour(t, "EXT-1").Title)
}

func TestIncrementalSyncRefreshesLastSyncedAtWhenUnchanged(t *testing.T) {
	f := newSyncFixture(t, func(c *models.WholesalerApiConfig) {
		c.PaginationType = models.PaginationNone
	})
	f.adapter.pages[""] = ToursResult{
		Success: true,
		Tours:   []map[string]interface{}{rawTour("EXT-1", "Bangkok")},
	}
	first := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	f.service.now = func() time.Time { return first }
	f.run(t, models.SyncTypeIncremental)

	later := first.Add(6 * time.Hour)
	f.service.now = func() time.Time { return later }
	syncLog := f.run(t, models.SyncTypeIncremental)
	assert.Equal(t, 1, syncLog.ToursSkipped)

	tour := f.tour(t, "EXT-1")
	require.NotNil(t, tour.LastSyncedAt)
	assert.True(t, tour.LastSyncedAt.Equal(later))
}

func TestRunSyncKeepsStatusSetByStuckSweep(t *testing.T) {
	f := newSyncFixture(t, func(c *models.WholesalerApiConfig) {
		c.PaginationType = models.PaginationNone
		c.AckEnabled = true
		c.AckEndpoint = "/ack"
	})
	f.adapter.pages[""] = ToursResult{
		Success: true,
		Tours:   []map[string]interface{}{rawTour("EXT-1", "Bangkok")},
	}

	cleanup := NewSyncCleanupService(f.db)
	cleanup.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	f.adapter.onFetch = func(req FetchRequest) {
		cancelled, err := cleanup.CancelStuckRuns(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, cancelled)
	}

	syncLog := f.run(t, models.SyncTypeIncremental)
	assert.Equal(t, models.SyncStatusFailed, syncLog.Status)
	assert.NotEmpty(t, syncLog.CancelReason)

	var stored models.SyncLog
	require.NoError(t, f.db.First(&stored, syncLog.ID).Error)
	assert.Equal(t, models.SyncStatusFailed, stored.Status)
	assert.NotEmpty(t, stored.CancelReason)
	assert.Empty(t, f.adapter.acks)
}
