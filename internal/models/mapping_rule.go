package models

import (
	"time"

	"gorm.io/datatypes"
)

// 映射分区
const (
	SectionTour      = "tour"
	SectionDeparture = "departure"
	SectionItinerary = "itinerary"
)

// 转换方式
const (
	TransformDirect   = "direct"
	TransformValueMap = "value_map"
	TransformLookup   = "lookup"
	TransformSplit    = "split"
	TransformJoin     = "join"
	TransformTemplate = "template"
)

// MappingRule 字段映射规则：标准字段 <- 批发商源字段路径
type MappingRule struct {
	ID              uint           `gorm:"primarykey" json:"id"`
	WholesalerID    uint           `gorm:"not null;uniqueIndex:idx_mapping_unique" json:"wholesaler_id"`
	Section         string         `gorm:"size:20;not null;uniqueIndex:idx_mapping_unique" json:"section"`         // tour/departure/itinerary
	CanonicalField  string         `gorm:"size:100;not null;uniqueIndex:idx_mapping_unique" json:"canonical_field"` // 标准字段
	SourcePath      string         `gorm:"size:500;not null" json:"source_path"`                                   // 支持 a[].b 与 a|b 备选
	TransformKind   string         `gorm:"size:20;default:'direct'" json:"transform_kind"`
	TransformConfig datatypes.JSON `gorm:"type:jsonb" json:"transform_config"`
	Active          bool           `gorm:"default:true" json:"active"`
	SortOrder       int            `gorm:"default:0" json:"sort_order"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidSection 是否为合法的映射分区
func ValidSection(section string) bool {
	switch section {
	case SectionTour, SectionDeparture, SectionItinerary:
		return true
	}
	return false
}

// ValidTransformKind 是否为合法的转换方式
func ValidTransformKind(kind string) bool {
	switch kind {
	case TransformDirect, TransformValueMap, TransformLookup, TransformSplit, TransformJoin, TransformTemplate:
		return true
	}
	return false
}
