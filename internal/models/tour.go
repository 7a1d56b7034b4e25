package models

import (
	"time"
)

// 数据来源
const (
	DataSourceSync   = "sync"
	DataSourceManual = "manual"
)

// 团期状态
const (
	PeriodStatusOpen    = "open"
	PeriodStatusClosed  = "closed"
	PeriodStatusSoldOut = "sold_out"
)

// 促销类型
const (
	PromotionNone     = "none"
	PromotionNormal   = "normal"
	PromotionFireSale = "fire_sale"
)

// Tour 线路
type Tour struct {
	ID           uint   `gorm:"primarykey" json:"id"`
	WholesalerID uint   `gorm:"not null;uniqueIndex:idx_tour_external" json:"wholesaler_id"`
	ExternalID   string `gorm:"size:100;not null;uniqueIndex:idx_tour_external" json:"external_id"`

	// 内容
	TourCode       string      `gorm:"size:100;index" json:"tour_code"`
	Title          string      `gorm:"size:500" json:"title"`
	Description    string      `gorm:"type:text" json:"description"`
	Highlights     string      `gorm:"type:text" json:"highlights"`
	CountryID      *uint       `gorm:"index" json:"country_id"`
	CountryName    string      `gorm:"size:100" json:"country_name"`
	CityName       string      `gorm:"size:200" json:"city_name"`
	Location       string      `gorm:"size:500" json:"location"`
	DurationDays   int         `json:"duration_days"`
	DurationNights int         `json:"duration_nights"`
	Airline        string      `gorm:"size:100" json:"airline"`
	ImageURL       string      `gorm:"size:1000" json:"image_url"`
	PDFURL         string      `gorm:"size:1000" json:"pdf_url"`
	Status         string      `gorm:"size:20;default:'active'" json:"status"` // active/inactive
	Tags           StringArray `gorm:"type:text" json:"tags"`

	// 同步状态
	DataSource           string         `gorm:"size:20;default:'sync'" json:"data_source"`
	SyncStatus           string         `gorm:"size:20" json:"sync_status"`
	SyncLocked           bool           `gorm:"default:false" json:"sync_locked"` // 锁定后同步不再修改
	LastSyncedAt         *time.Time     `json:"last_synced_at"`
	SyncHash             string         `gorm:"size:64" json:"sync_hash"`
	ManualOverrideFields OverrideFields `gorm:"type:text" json:"manual_override_fields"`

	// 聚合字段，由团期计算
	PriceAdult         *float64   `json:"price_adult"`
	DiscountAdult      *float64   `json:"discount_adult"`
	MinPrice           *float64   `json:"min_price"`
	MaxPrice           *float64   `json:"max_price"`
	DisplayPrice       *float64   `json:"display_price"`
	MaxDiscountPercent *float64   `json:"max_discount_percent"`
	PromotionType      string     `gorm:"size:20;default:'none'" json:"promotion_type"`
	HotelStar          *int       `json:"hotel_star"`
	HotelStarMin       *int       `json:"hotel_star_min"`
	HotelStarMax       *int       `json:"hotel_star_max"`
	AvailableSeats     int        `json:"available_seats"`
	NextDepartureDate  *time.Time `json:"next_departure_date"`

	Periods     []Period        `gorm:"foreignKey:TourID" json:"periods,omitempty"`
	Itineraries []TourItinerary `gorm:"foreignKey:TourID" json:"itineraries,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Period 团期（出发日期）
type Period struct {
	ID         uint   `gorm:"primarykey" json:"id"`
	TourID     uint   `gorm:"not null;uniqueIndex:idx_period_external;index" json:"tour_id"`
	ExternalID string `gorm:"size:100;not null;uniqueIndex:idx_period_external" json:"external_id"`

	StartDate time.Time  `gorm:"index" json:"start_date"`
	EndDate   *time.Time `json:"end_date"`
	Capacity  int        `json:"capacity"`
	Booked    int        `json:"booked"`
	Available int        `json:"available"`
	Status    string     `gorm:"size:20;default:'open';index" json:"status"` // open/closed/sold_out
	HotelStar *int       `json:"hotel_star"`

	DataSource           string         `gorm:"size:20;default:'sync'" json:"data_source"`
	ManualOverrideFields OverrideFields `gorm:"type:text" json:"manual_override_fields"`
	LastSyncedAt         *time.Time     `json:"last_synced_at"`

	Offer *Offer `gorm:"foreignKey:PeriodID" json:"offer,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Offer 团期价格
type Offer struct {
	ID       uint `gorm:"primarykey" json:"id"`
	PeriodID uint `gorm:"not null;uniqueIndex" json:"period_id"`

	PriceAdult      *float64 `json:"price_adult"`
	PriceChild      *float64 `json:"price_child"`
	PriceChildNoBed *float64 `json:"price_child_no_bed"`
	PriceInfant     *float64 `json:"price_infant"`
	PriceSingle     *float64 `json:"price_single"` // 单房差
	DiscountAdult   *float64 `json:"discount_adult"`
	PromotionCode   string   `gorm:"size:100" json:"promotion_code"`
	Currency        string   `gorm:"size:10;default:'THB'" json:"currency"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TourItinerary 行程（按天）
type TourItinerary struct {
	ID          uint   `gorm:"primarykey" json:"id"`
	TourID      uint   `gorm:"not null;index" json:"tour_id"`
	DayNo       int    `gorm:"not null" json:"day_no"`
	Title       string `gorm:"size:500" json:"title"`
	Description string `gorm:"type:text" json:"description"`
	Meals       string `gorm:"size:200" json:"meals"`
	Hotel       string `gorm:"size:300" json:"hotel"`
	HotelStar   *int   `json:"hotel_star"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
