package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"tourapi/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TourService 线路查询与人工维护
type TourService struct {
	db          *gorm.DB
	aggregation *AggregationService
	now         func() time.Time
}

// NewTourService 创建线路服务
func NewTourService(db *gorm.DB, aggregation *AggregationService) *TourService {
	return &TourService{db: db, aggregation: aggregation, now: time.Now}
}

// TourFilter 线路列表筛选
type TourFilter struct {
	WholesalerID  uint
	Keyword       string
	CountryID     uint
	Status        string
	PromotionType string
	DataSource    string
}

// UpdateTourRequest 人工修改线路，只修改非空字段
type UpdateTourRequest struct {
	TourCode       *string  `json:"tour_code" binding:"omitempty,max=100"`
	Title          *string  `json:"title" binding:"omitempty,max=500"`
	Description    *string  `json:"description"`
	Highlights     *string  `json:"highlights"`
	CountryID      *uint    `json:"country_id"`
	CountryName    *string  `json:"country_name" binding:"omitempty,max=100"`
	CityName       *string  `json:"city_name" binding:"omitempty,max=200"`
	Location       *string  `json:"location" binding:"omitempty,max=500"`
	DurationDays   *int     `json:"duration_days" binding:"omitempty,min=0"`
	DurationNights *int     `json:"duration_nights" binding:"omitempty,min=0"`
	Airline        *string  `json:"airline" binding:"omitempty,max=100"`
	ImageURL       *string  `json:"image_url" binding:"omitempty,max=1000"`
	PDFURL         *string  `json:"pdf_url" binding:"omitempty,max=1000"`
	Status         *string  `json:"status" binding:"omitempty,oneof=active inactive"`
	Tags           []string `json:"tags"`
}

// CreateTourRequest 人工新建线路
type CreateTourRequest struct {
	WholesalerID uint   `json:"wholesaler_id" binding:"required"`
	ExternalID   string `json:"external_id" binding:"omitempty,max=100"`
	UpdateTourRequest
}

// UpdatePeriodRequest 人工修改团期与价格
type UpdatePeriodRequest struct {
	StartDate     *time.Time `json:"start_date"`
	EndDate       *time.Time `json:"end_date"`
	Capacity      *int       `json:"capacity" binding:"omitempty,min=0"`
	Booked        *int       `json:"booked" binding:"omitempty,min=0"`
	Status        *string    `json:"status" binding:"omitempty,oneof=open closed sold_out"`
	HotelStar     *int       `json:"hotel_star" binding:"omitempty,min=1,max=5"`
	PriceAdult    *float64   `json:"price_adult" binding:"omitempty,min=0"`
	PriceChild    *float64   `json:"price_child" binding:"omitempty,min=0"`
	PriceSingle   *float64   `json:"price_single" binding:"omitempty,min=0"`
	DiscountAdult *float64   `json:"discount_adult" binding:"omitempty,min=0"`
	PromotionCode *string    `json:"promotion_code" binding:"omitempty,max=100"`
}

// List 线路列表
func (s *TourService) List(ctx context.Context, filter TourFilter, offset, limit int) ([]models.Tour, int64, error) {
	var tours []models.Tour
	var total int64

	query := s.db.WithContext(ctx).Model(&models.Tour{})
	if filter.WholesalerID > 0 {
		query = query.Where("wholesaler_id = ?", filter.WholesalerID)
	}
	if filter.Keyword != "" {
		like := "%" + filter.Keyword + "%"
		query = query.Where("title LIKE ? OR tour_code LIKE ? OR external_id LIKE ?", like, like, like)
	}
	if filter.CountryID > 0 {
		query = query.Where("country_id = ?", filter.CountryID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.PromotionType != "" {
		query = query.Where("promotion_type = ?", filter.PromotionType)
	}
	if filter.DataSource != "" {
		query = query.Where("data_source = ?", filter.DataSource)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := query.Offset(offset).Limit(limit).Order("id DESC").Find(&tours).Error; err != nil {
		return nil, 0, err
	}
	return tours, total, nil
}

// Get 线路详情（含团期、价格与行程）
func (s *TourService) Get(ctx context.Context, id uint) (*models.Tour, error) {
	var tour models.Tour
	err := s.db.WithContext(ctx).
		Preload("Periods", func(db *gorm.DB) *gorm.DB { return db.Order("start_date ASC") }).
		Preload("Periods.Offer").
		Preload("Itineraries", func(db *gorm.DB) *gorm.DB { return db.Order("day_no ASC") }).
		First(&tour, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTourNotFound
		}
		return nil, err
	}
	return &tour, nil
}

// Create 人工新建线路，数据来源为 manual
func (s *TourService) Create(ctx context.Context, req CreateTourRequest) (*models.Tour, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Wholesaler{}).Where("id = ?", req.WholesalerID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrWholesalerNotFound
	}

	externalID := strings.TrimSpace(req.ExternalID)
	if externalID == "" {
		externalID = "manual-" + uuid.New().String()
	}
	tour := &models.Tour{
		WholesalerID:  req.WholesalerID,
		ExternalID:    externalID,
		DataSource:    models.DataSourceManual,
		Status:        "active",
		PromotionType: models.PromotionNone,
	}
	updates := req.UpdateTourRequest.columns()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(tour).Error; err != nil {
			return err
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Model(tour).Updates(updates).Error
	})
	if err != nil {
		return nil, fmt.Errorf("创建线路失败: %v", err)
	}
	return s.Get(ctx, tour.ID)
}

// Update 人工修改线路，修改过的字段记入 manual_override_fields
func (s *TourService) Update(ctx context.Context, id uint, req UpdateTourRequest) (*models.Tour, error) {
	tour, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := req.columns()
	if len(updates) == 0 {
		return tour, nil
	}

	overrides := cloneOverrides(tour.ManualOverrideFields)
	now := s.now()
	for column := range updates {
		overrides[column] = now
	}
	updates["manual_override_fields"] = overrides

	if err := s.db.WithContext(ctx).Model(tour).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("更新线路失败: %v", err)
	}
	return s.Get(ctx, id)
}

// ClearOverrides 清除人工修改标记，fields 为空时全部清除
func (s *TourService) ClearOverrides(ctx context.Context, id uint, fields []string) (*models.Tour, error) {
	tour, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	overrides := models.OverrideFields{}
	if len(fields) > 0 {
		overrides = cloneOverrides(tour.ManualOverrideFields)
		for _, field := range fields {
			delete(overrides, field)
		}
	}
	// 清空摘要，下一次增量同步写回批发商的值
	err = s.db.WithContext(ctx).Model(tour).Updates(map[string]interface{}{
		"manual_override_fields": overrides,
		"sync_hash":              "",
	}).Error
	if err != nil {
		return nil, err
	}
	tour.ManualOverrideFields = overrides
	tour.SyncHash = ""
	return tour, nil
}

// SetSyncLock 锁定后同步不再修改该线路
func (s *TourService) SetSyncLock(ctx context.Context, id uint, locked bool) error {
	result := s.db.WithContext(ctx).Model(&models.Tour{}).Where("id = ?", id).Update("sync_locked", locked)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTourNotFound
	}
	return nil
}

// UpdatePeriod 人工修改团期与价格，随后重算线路聚合字段
func (s *TourService) UpdatePeriod(ctx context.Context, periodID uint, req UpdatePeriodRequest) (*models.Period, error) {
	var period models.Period
	if err := s.db.WithContext(ctx).Preload("Offer").First(&period, periodID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPeriodNotFound
		}
		return nil, err
	}

	periodUpdates, offerUpdates := req.columns()
	if len(periodUpdates) == 0 && len(offerUpdates) == 0 {
		return &period, nil
	}

	// 座位变化时重新计算余位，未指定状态时随余位在开放与售罄之间切换
	if req.Capacity != nil || req.Booked != nil {
		capacity, booked := period.Capacity, period.Booked
		if req.Capacity != nil {
			capacity = *req.Capacity
		}
		if req.Booked != nil {
			booked = *req.Booked
		}
		available := capacity - booked
		if available < 0 {
			available = 0
		}
		periodUpdates["available"] = available
		if req.Status == nil {
			switch {
			case available == 0 && period.Status == models.PeriodStatusOpen:
				periodUpdates["status"] = models.PeriodStatusSoldOut
			case available > 0 && period.Status == models.PeriodStatusSoldOut:
				periodUpdates["status"] = models.PeriodStatusOpen
			}
		}
	}

	overrides := cloneOverrides(period.ManualOverrideFields)
	now := s.now()
	for column := range periodUpdates {
		overrides[column] = now
	}
	for column := range offerUpdates {
		overrides[column] = now
	}
	periodUpdates["manual_override_fields"] = overrides

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&period).Updates(periodUpdates).Error; err != nil {
			return err
		}
		if len(offerUpdates) == 0 {
			return nil
		}
		if period.Offer == nil {
			period.Offer = &models.Offer{PeriodID: period.ID, Currency: "THB"}
			if err := tx.Create(period.Offer).Error; err != nil {
				return err
			}
		}
		return tx.Model(period.Offer).Updates(offerUpdates).Error
	})
	if err != nil {
		return nil, fmt.Errorf("更新团期失败: %v", err)
	}

	if s.aggregation != nil {
		if _, err := s.aggregation.RecalculateTour(ctx, period.TourID, nil); err != nil {
			return nil, err
		}
	}

	var saved models.Period
	if err := s.db.WithContext(ctx).Preload("Offer").First(&saved, periodID).Error; err != nil {
		return nil, err
	}
	return &saved, nil
}

// Recalculate 手动重算线路聚合字段
func (s *TourService) Recalculate(ctx context.Context, id uint, override *AggregationOptions) (*TourAggregates, error) {
	return s.aggregation.RecalculateTour(ctx, id, override)
}

func (r UpdateTourRequest) columns() map[string]interface{} {
	updates := make(map[string]interface{})
	setString := func(column string, value *string) {
		if value != nil {
			updates[column] = *value
		}
	}
	setInt := func(column string, value *int) {
		if value != nil {
			updates[column] = *value
		}
	}
	setString("tour_code", r.TourCode)
	setString("title", r.Title)
	setString("description", r.Description)
	setString("highlights", r.Highlights)
	setString("country_name", r.CountryName)
	setString("city_name", r.CityName)
	setString("location", r.Location)
	setString("airline", r.Airline)
	setString("image_url", r.ImageURL)
	setString("pdf_url", r.PDFURL)
	setString("status", r.Status)
	setInt("duration_days", r.DurationDays)
	setInt("duration_nights", r.DurationNights)
	if r.CountryID != nil {
		updates["country_id"] = *r.CountryID
	}
	if r.Tags != nil {
		updates["tags"] = models.StringArray(r.Tags)
	}
	return updates
}

func (r UpdatePeriodRequest) columns() (period, offer map[string]interface{}) {
	period = make(map[string]interface{})
	offer = make(map[string]interface{})
	if r.StartDate != nil {
		period["start_date"] = r.StartDate.UTC()
	}
	if r.EndDate != nil {
		end := r.EndDate.UTC()
		period["end_date"] = &end
	}
	if r.Capacity != nil {
		period["capacity"] = *r.Capacity
	}
	if r.Booked != nil {
		period["booked"] = *r.Booked
	}
	if r.Status != nil {
		period["status"] = *r.Status
	}
	if r.HotelStar != nil {
		period["hotel_star"] = *r.HotelStar
	}
	if r.PriceAdult != nil {
		offer["price_adult"] = *r.PriceAdult
	}
	if r.PriceChild != nil {
		offer["price_child"] = *r.PriceChild
	}
	if r.PriceSingle != nil {
		offer["price_single"] = *r.PriceSingle
	}
	if r.DiscountAdult != nil {
		offer["discount_adult"] = *r.DiscountAdult
	}
	if r.PromotionCode != nil {
		offer["promotion_code"] = *r.PromotionCode
	}
	return period, offer
}

func cloneOverrides(source models.OverrideFields) models.OverrideFields {
	cloned := make(models.OverrideFields, len(source)+4)
	for field, at := range source {
		cloned[field] = at
	}
	return cloned
}
