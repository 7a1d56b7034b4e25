package services

import (
	"context"
	"errors"
	"time"
	"tourapi/internal/models"

	"gorm.io/gorm"
)

// TourRepository 线路相关的查询
type TourRepository struct {
	db *gorm.DB
}

// NewTourRepository 创建线路仓储
func NewTourRepository(db *gorm.DB) *TourRepository {
	return &TourRepository{db: db}
}

// FindByExternalID 按批发商与外部ID查找线路，不存在返回 nil
func (r *TourRepository) FindByExternalID(ctx context.Context, wholesalerID uint, externalID string) (*models.Tour, error) {
	var tour models.Tour
	err := r.db.WithContext(ctx).
		Where("wholesaler_id = ? AND external_id = ?", wholesalerID, externalID).
		First(&tour).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tour, nil
}

// FindPeriodByExternalID 按线路与外部ID查找团期，不存在返回 nil
func (r *TourRepository) FindPeriodByExternalID(ctx context.Context, tourID uint, externalID string) (*models.Period, error) {
	var period models.Period
	err := r.db.WithContext(ctx).
		Preload("Offer").
		Where("tour_id = ? AND external_id = ?", tourID, externalID).
		First(&period).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &period, nil
}

// OpenFuturePeriods 开放状态且未出发的团期（含价格），按出发日期升序
func (r *TourRepository) OpenFuturePeriods(ctx context.Context, tourID uint, today time.Time) ([]models.Period, error) {
	var periods []models.Period
	err := r.db.WithContext(ctx).
		Preload("Offer").
		Where("tour_id = ? AND status = ? AND start_date >= ?", tourID, models.PeriodStatusOpen, today).
		Order("start_date ASC, id ASC").
		Find(&periods).Error
	return periods, err
}

// ItineraryStars 线路行程中的酒店星级
func (r *TourRepository) ItineraryStars(ctx context.Context, tourID uint) ([]int, error) {
	var stars []int
	err := r.db.WithContext(ctx).
		Model(&models.TourItinerary{}).
		Where("tour_id = ? AND hotel_star IS NOT NULL", tourID).
		Order("day_no ASC").
		Pluck("hotel_star", &stars).Error
	return stars, err
}

// ActiveWholesalers 启用中的批发商（含配置）
func (r *TourRepository) ActiveWholesalers(ctx context.Context) ([]models.Wholesaler, error) {
	var wholesalers []models.Wholesaler
	err := r.db.WithContext(ctx).
		Preload("Config").
		Where("is_active = ?", true).
		Order("id ASC").
		Find(&wholesalers).Error
	return wholesalers, err
}

// RunningSyncLogs 批发商正在运行的同步记录
func (r *TourRepository) RunningSyncLogs(ctx context.Context, wholesalerID uint) ([]models.SyncLog, error) {
	var logs []models.SyncLog
	err := r.db.WithContext(ctx).
		Where("wholesaler_id = ? AND status = ?", wholesalerID, models.SyncStatusRunning).
		Find(&logs).Error
	return logs, err
}

// AllRunningSyncLogs 全部正在运行的同步记录
func (r *TourRepository) AllRunningSyncLogs(ctx context.Context) ([]models.SyncLog, error) {
	var logs []models.SyncLog
	err := r.db.WithContext(ctx).
		Where("status = ?", models.SyncStatusRunning).
		Find(&logs).Error
	return logs, err
}
