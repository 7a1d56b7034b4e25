package services

import (
	"context"
	"testing"
	"time"

	"tourapi/internal/models"

	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"
)

type SyncLogServiceSuite struct {
	suite.Suite
	db         *gorm.DB
	service    *SyncLogService
	wholesaler *models.Wholesaler
	ctx        context.Context
}

func (s *SyncLogServiceSuite) SetupTest() {
	s.db = newTestDB(s.T())
	s.service = NewSyncLogService(s.db)
	s.wholesaler = createWholesaler(s.T(), s.db, "WS1", nil)
	s.ctx = context.Background()
}

func (s *SyncLogServiceSuite) createLog(syncID, syncType, status string, startedAt time.Time) *models.SyncLog {
	syncLog := &models.SyncLog{
		SyncID:       syncID,
		WholesalerID: s.wholesaler.ID,
		SyncType:     syncType,
		Status:       status,
		StartedAt:    startedAt,
	}
	s.Require().NoError(s.db.Create(syncLog).Error)
	return syncLog
}

func (s *SyncLogServiceSuite) TestListLogsNewestFirst() {
	base := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	s.createLog("a", models.SyncTypeIncremental, models.SyncStatusCompleted, base)
	s.createLog("b", models.SyncTypeFull, models.SyncStatusFailed, base.Add(time.Hour))
	s.createLog("c", models.SyncTypeIncremental, models.SyncStatusPartial, base.Add(2*time.Hour))

	logs, total, err := s.service.ListLogs(s.ctx, SyncLogFilter{WholesalerID: s.wholesaler.ID}, 0, 10)
	s.Require().NoError(err)
	s.Equal(int64(3), total)
	s.Equal([]string{"c", "b", "a"}, []string{logs[0].SyncID, logs[1].SyncID, logs[2].SyncID})
	s.Require().NotNil(logs[0].Wholesaler)
	s.Equal("WS1", logs[0].Wholesaler.Code)

	logs, total, err = s.service.ListLogs(s.ctx, SyncLogFilter{SyncType: models.SyncTypeIncremental, Status: models.SyncStatusPartial}, 0, 10)
	s.Require().NoError(err)
	s.Equal(int64(1), total)
	s.Equal("c", logs[0].SyncID)
}

func (s *SyncLogServiceSuite) TestGetLog() {
	created := s.createLog("run-1", models.SyncTypeFull, models.SyncStatusCompleted, time.Now().UTC())

	found, err := s.service.GetLog(s.ctx, created.ID)
	s.Require().NoError(err)
	s.Equal("run-1", found.SyncID)

	found, err = s.service.GetLogBySyncID(s.ctx, "run-1")
	s.Require().NoError(err)
	s.Equal(created.ID, found.ID)

	_, err = s.service.GetLog(s.ctx, 999)
	s.ErrorIs(err, ErrSyncLogNotFound)
	_, err = s.service.GetLogBySyncID(s.ctx, "missing")
	s.ErrorIs(err, ErrSyncLogNotFound)
}

func (s *SyncLogServiceSuite) TestResolveError() {
	syncLog := s.createLog("run-1", models.SyncTypeFull, models.SyncStatusPartial, time.Now().UTC())
	for _, errType := range []string{models.ErrorTypeMapping, models.ErrorTypeValidation} {
		s.Require().NoError(s.db.Create(&models.SyncErrorLog{
			SyncLogID:    syncLog.ID,
			WholesalerID: s.wholesaler.ID,
			ErrorType:    errType,
			Message:      "bad record",
		}).Error)
	}

	unresolved := false
	errorLogs, total, err := s.service.ListErrors(s.ctx, SyncErrorFilter{SyncLogID: syncLog.ID, Resolved: &unresolved}, 0, 10)
	s.Require().NoError(err)
	s.Equal(int64(2), total)

	resolved, err := s.service.ResolveError(s.ctx, errorLogs[0].ID, "源数据已修正")
	s.Require().NoError(err)
	s.True(resolved.IsResolved)
	s.NotNil(resolved.ResolvedAt)

	_, total, err = s.service.ListErrors(s.ctx, SyncErrorFilter{SyncLogID: syncLog.ID, Resolved: &unresolved}, 0, 10)
	s.Require().NoError(err)
	s.Equal(int64(1), total)

	_, total, err = s.service.ListErrors(s.ctx, SyncErrorFilter{ErrorType: models.ErrorTypeMapping}, 0, 10)
	s.Require().NoError(err)
	s.Equal(int64(1), total)

	_, err = s.service.ResolveError(s.ctx, 999, "")
	s.ErrorIs(err, ErrErrorLogNotFound)
}

func (s *SyncLogServiceSuite) TestResetCursor() {
	s.Require().NoError(s.db.Create(&models.SyncCursor{
		WholesalerID:   s.wholesaler.ID,
		SyncType:       models.SyncTypeIncremental,
		CursorValue:    "c9",
		TotalReceived:  120,
		LastBatchCount: 20,
	}).Error)

	s.ErrorIs(s.service.ResetCursor(s.ctx, s.wholesaler.ID, "weekly"), ErrInvalidSyncType)
	s.Require().NoError(s.service.ResetCursor(s.ctx, s.wholesaler.ID, models.SyncTypeIncremental))

	cursors, err := s.service.ListCursors(s.ctx, s.wholesaler.ID)
	s.Require().NoError(err)
	s.Require().Len(cursors, 1)
	s.Empty(cursors[0].CursorValue)
	s.Zero(cursors[0].TotalReceived)
	s.Zero(cursors[0].LastBatchCount)
}

func TestSyncLogServiceSuite(t *testing.T) {
	suite.Run(t, new(SyncLogServiceSuite))
}
