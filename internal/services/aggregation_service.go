package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
	"tourapi/internal/models"
	"tourapi/pkg/logger"

	"github.com/spf13/cast"
	"gorm.io/gorm"
)

// 聚合方式
const (
	AggMin   = "min"
	AggMax   = "max"
	AggAvg   = "avg"
	AggFirst = "first"
	AggLast  = "last"
)

// 聚合字段
const (
	AggFieldPriceAdult    = "price_adult"
	AggFieldDiscountAdult = "discount_adult"
	AggFieldMinPrice      = "min_price"
	AggFieldMaxPrice      = "max_price"
	AggFieldDisplayPrice  = "display_price"
)

// 默认促销阈值（百分比）
const (
	DefaultFireSaleMinPercent    = 30.0
	DefaultNormalPromoMinPercent = 1.0
)

// defaultAggregationMethods 内置默认聚合方式
var defaultAggregationMethods = map[string]string{
	AggFieldPriceAdult:    AggMin,
	AggFieldDiscountAdult: AggMax,
	AggFieldMinPrice:      AggMin,
	AggFieldMaxPrice:      AggMax,
	AggFieldDisplayPrice:  AggMin,
}

func isAggregateField(field string) bool {
	_, ok := defaultAggregationMethods[field]
	return ok
}

func isAggregationMethod(method string) bool {
	switch method {
	case AggMin, AggMax, AggAvg, AggFirst, AggLast:
		return true
	}
	return false
}

// AggregationOptions 调用方级别的聚合覆盖
type AggregationOptions struct {
	Methods               map[string]string `json:"methods,omitempty"`
	FireSaleMinPercent    *float64          `json:"fire_sale_min_percent,omitempty"`
	NormalPromoMinPercent *float64          `json:"normal_promo_min_percent,omitempty"`
}

// resolvedAggregation 合并覆盖链后的聚合配置
type resolvedAggregation struct {
	methods               map[string]string
	fireSaleMinPercent    float64
	normalPromoMinPercent float64
}

// PeriodSnapshot 参与聚合的团期数据
type PeriodSnapshot struct {
	StartDate     time.Time
	Available     int
	PriceAdult    *float64
	DiscountAdult *float64
	HotelStar     *int
}

// TourAggregates 线路聚合结果
type TourAggregates struct {
	PriceAdult         *float64   `json:"price_adult"`
	DiscountAdult      *float64   `json:"discount_adult"`
	MinPrice           *float64   `json:"min_price"`
	MaxPrice           *float64   `json:"max_price"`
	DisplayPrice       *float64   `json:"display_price"`
	MaxDiscountPercent *float64   `json:"max_discount_percent"`
	PromotionType      string     `json:"promotion_type"`
	HotelStar          *int       `json:"hotel_star"`
	HotelStarMin       *int       `json:"hotel_star_min"`
	HotelStarMax       *int       `json:"hotel_star_max"`
	AvailableSeats     int        `json:"available_seats"`
	NextDepartureDate  *time.Time `json:"next_departure_date"`
}

// AggregationService 线路聚合字段计算
// 只读团期与价格，只写线路的聚合列
type AggregationService struct {
	db       *gorm.DB
	repo     *TourRepository
	settings SettingsProvider
	now      func() time.Time
}

// NewAggregationService 创建聚合服务
func NewAggregationService(db *gorm.DB, settings SettingsProvider) *AggregationService {
	return &AggregationService{
		db:       db,
		repo:     NewTourRepository(db),
		settings: settings,
		now:      time.Now,
	}
}

// RecalculateTour 重新计算一条线路的聚合字段并一次性写回
func (s *AggregationService) RecalculateTour(ctx context.Context, tourID uint, override *AggregationOptions) (*TourAggregates, error) {
	var tour models.Tour
	if err := s.db.WithContext(ctx).Select("id", "wholesaler_id").First(&tour, tourID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTourNotFound
		}
		return nil, err
	}

	options, err := s.resolveOptions(ctx, tour.WholesalerID, override)
	if err != nil {
		return nil, err
	}

	now := s.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	periods, err := s.repo.OpenFuturePeriods(ctx, tourID, today)
	if err != nil {
		return nil, fmt.Errorf("查询团期失败: %v", err)
	}
	stars, err := s.repo.ItineraryStars(ctx, tourID)
	if err != nil {
		return nil, fmt.Errorf("查询行程失败: %v", err)
	}

	snapshots := make([]PeriodSnapshot, 0, len(periods))
	for _, p := range periods {
		snapshot := PeriodSnapshot{StartDate: p.StartDate, Available: p.Available, HotelStar: p.HotelStar}
		if p.Offer != nil {
			snapshot.PriceAdult = p.Offer.PriceAdult
			snapshot.DiscountAdult = p.Offer.DiscountAdult
		}
		snapshots = append(snapshots, snapshot)
	}

	aggregates := computeAggregates(snapshots, stars, options)

	updates := map[string]interface{}{
		"price_adult":          aggregates.PriceAdult,
		"discount_adult":       aggregates.DiscountAdult,
		"min_price":            aggregates.MinPrice,
		"max_price":            aggregates.MaxPrice,
		"display_price":        aggregates.DisplayPrice,
		"max_discount_percent": aggregates.MaxDiscountPercent,
		"promotion_type":       aggregates.PromotionType,
		"hotel_star":           aggregates.HotelStar,
		"hotel_star_min":       aggregates.HotelStarMin,
		"hotel_star_max":       aggregates.HotelStarMax,
		"available_seats":      aggregates.AvailableSeats,
		"next_departure_date":  aggregates.NextDepartureDate,
	}
	if err := s.db.WithContext(ctx).Model(&models.Tour{}).Where("id = ?", tourID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("更新线路聚合字段失败: %v", err)
	}
	return &aggregates, nil
}

// RecalculateTours 批量重算，单条失败只记录日志
func (s *AggregationService) RecalculateTours(ctx context.Context, tourIDs []uint) (int, error) {
	failed := 0
	var firstErr error
	for _, id := range tourIDs {
		if _, err := s.RecalculateTour(ctx, id, nil); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			logger.GetLogger().WithError(err).WithField("tour_id", id).Warn("重算线路聚合字段失败")
		}
	}
	return failed, firstErr
}

// RecalculateWholesaler 重算批发商全部线路，返回成功条数；有失败时同时返回首个错误
func (s *AggregationService) RecalculateWholesaler(ctx context.Context, wholesalerID uint) (int, error) {
	var ids []uint
	if err := s.db.WithContext(ctx).Model(&models.Tour{}).
		Where("wholesaler_id = ?", wholesalerID).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	failed, err := s.RecalculateTours(ctx, ids)
	if err != nil {
		return len(ids) - failed, fmt.Errorf("%d/%d 条线路重算失败: %w", failed, len(ids), err)
	}
	return len(ids), nil
}

// resolveOptions 覆盖链：内置默认 -> 全局设置 -> 批发商配置 -> 调用方
func (s *AggregationService) resolveOptions(ctx context.Context, wholesalerID uint, override *AggregationOptions) (resolvedAggregation, error) {
	resolved := resolvedAggregation{
		methods:               make(map[string]string, len(defaultAggregationMethods)),
		fireSaleMinPercent:    DefaultFireSaleMinPercent,
		normalPromoMinPercent: DefaultNormalPromoMinPercent,
	}
	for field, method := range defaultAggregationMethods {
		resolved.methods[field] = method
	}

	if s.settings != nil {
		settings, err := s.settings.All(ctx)
		if err != nil {
			return resolved, fmt.Errorf("读取全局设置失败: %v", err)
		}
		for field := range defaultAggregationMethods {
			if method, ok := settings[SettingAggregationPrefix+field]; ok {
				if isAggregationMethod(method) {
					resolved.methods[field] = method
				} else {
					logger.GetLogger().Warnf("忽略无效的全局聚合方式 %s=%s", field, method)
				}
			}
		}
		if v, ok := settings[SettingFireSaleMinPercent]; ok {
			if pct, err := cast.ToFloat64E(v); err == nil {
				resolved.fireSaleMinPercent = pct
			}
		}
		if v, ok := settings[SettingNormalPromoMinPercent]; ok {
			if pct, err := cast.ToFloat64E(v); err == nil {
				resolved.normalPromoMinPercent = pct
			}
		}
	}

	var config models.WholesalerApiConfig
	err := s.db.WithContext(ctx).Select("id", "aggregation_config").Where("wholesaler_id = ?", wholesalerID).First(&config).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return resolved, err
	}
	if err == nil {
		wholesalerCfg, err := config.Aggregation()
		if err != nil {
			return resolved, err
		}
		if err := applyOverride(&resolved, wholesalerCfg.Methods, wholesalerCfg.FireSaleMinPercent, wholesalerCfg.NormalPromoMinPercent); err != nil {
			return resolved, fmt.Errorf("批发商聚合配置无效: %v", err)
		}
	}

	if override != nil {
		if err := applyOverride(&resolved, override.Methods, override.FireSaleMinPercent, override.NormalPromoMinPercent); err != nil {
			return resolved, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return resolved, nil
}

func applyOverride(resolved *resolvedAggregation, methods map[string]string, fireSale, normal *float64) error {
	for field, method := range methods {
		if !isAggregateField(field) {
			return fmt.Errorf("未知的聚合字段 %s", field)
		}
		if !isAggregationMethod(method) {
			return fmt.Errorf("未知的聚合方式 %s", method)
		}
		resolved.methods[field] = method
	}
	if fireSale != nil {
		resolved.fireSaleMinPercent = *fireSale
	}
	if normal != nil {
		resolved.normalPromoMinPercent = *normal
	}
	return nil
}

// computeAggregates 纯计算，periods 需按出发日期升序
func computeAggregates(periods []PeriodSnapshot, itineraryStars []int, options resolvedAggregation) TourAggregates {
	result := TourAggregates{PromotionType: models.PromotionNone}

	sorted := make([]PeriodSnapshot, len(periods))
	copy(sorted, periods)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartDate.Before(sorted[j].StartDate)
	})

	var prices, discounts []float64
	var maxPercent *float64
	for _, p := range sorted {
		result.AvailableSeats += p.Available
		if p.PriceAdult != nil {
			prices = append(prices, *p.PriceAdult)
		}
		if p.DiscountAdult != nil {
			discounts = append(discounts, *p.DiscountAdult)
		}
		if p.PriceAdult != nil && *p.PriceAdult > 0 {
			pct := 0.0
			if p.DiscountAdult != nil && *p.DiscountAdult > 0 {
				pct = math.Round(*p.DiscountAdult*100 / *p.PriceAdult*100) / 100
			}
			if maxPercent == nil || pct > *maxPercent {
				v := pct
				maxPercent = &v
			}
		}
	}
	if len(sorted) > 0 {
		first := sorted[0].StartDate
		result.NextDepartureDate = &first
	}

	result.PriceAdult = reduce(prices, options.methods[AggFieldPriceAdult])
	result.DiscountAdult = reduce(discounts, options.methods[AggFieldDiscountAdult])
	result.MinPrice = reduce(prices, options.methods[AggFieldMinPrice])
	result.MaxPrice = reduce(prices, options.methods[AggFieldMaxPrice])
	result.DisplayPrice = reduce(prices, options.methods[AggFieldDisplayPrice])

	result.MaxDiscountPercent = maxPercent
	if maxPercent != nil {
		result.PromotionType = classifyPromotion(*maxPercent, options.fireSaleMinPercent, options.normalPromoMinPercent)
	}

	// 行程没有星级时使用团期上的星级
	stars := itineraryStars
	if len(stars) == 0 {
		for _, p := range sorted {
			if p.HotelStar != nil {
				stars = append(stars, *p.HotelStar)
			}
		}
	}
	result.HotelStar, result.HotelStarMin, result.HotelStarMax = starStats(stars)
	return result
}

// classifyPromotion 按阈值划分促销类型
func classifyPromotion(percent, fireSaleMin, normalMin float64) string {
	switch {
	case percent > 0 && percent >= fireSaleMin:
		return models.PromotionFireSale
	case percent > 0 && percent >= normalMin:
		return models.PromotionNormal
	default:
		return models.PromotionNone
	}
}

// reduce 按聚合方式归约，空集合返回 nil
func reduce(values []float64, method string) *float64 {
	if len(values) == 0 {
		return nil
	}
	var result float64
	switch method {
	case AggMax:
		result = values[0]
		for _, v := range values[1:] {
			result = math.Max(result, v)
		}
	case AggAvg:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		result = math.Round(sum/float64(len(values))*100) / 100
	case AggFirst:
		result = values[0]
	case AggLast:
		result = values[len(values)-1]
	default:
		result = values[0]
		for _, v := range values[1:] {
			result = math.Min(result, v)
		}
	}
	return &result
}

// starStats 星级众数（并列取较高者）与范围
func starStats(stars []int) (mode, min, max *int) {
	if len(stars) == 0 {
		return nil, nil, nil
	}
	counts := make(map[int]int, len(stars))
	lo, hi := stars[0], stars[0]
	for _, s := range stars {
		counts[s]++
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	best, bestCount := 0, 0
	for star, count := range counts {
		if count > bestCount || (count == bestCount && star > best) {
			best, bestCount = star, count
		}
	}
	return &best, &lo, &hi
}
