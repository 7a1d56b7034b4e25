package services

import (
	"fmt"
	"strings"
	"time"
	"tourapi/internal/models"

	"github.com/spf13/cast"
)

// fieldKind 标准字段的取值类型
type fieldKind int

const (
	kindString fieldKind = iota
	kindInt
	kindFloat
	kindDate
	kindStringArray
)

func (k fieldKind) String() string {
	switch k {
	case kindInt:
		return "int"
	case kindFloat:
		return "float"
	case kindDate:
		return "date"
	case kindStringArray:
		return "string[]"
	}
	return "string"
}

// fieldSpec 标准字段到数据库列的投影
type fieldSpec struct {
	Field  string
	Column string
	Kind   fieldKind
}

// tourFieldSpecs 线路标准字段（country 由 lookup 单独处理）
var tourFieldSpecs = []fieldSpec{
	{"tour_code", "tour_code", kindString},
	{"title", "title", kindString},
	{"description", "description", kindString},
	{"highlights", "highlights", kindString},
	{"country_name", "country_name", kindString},
	{"city_name", "city_name", kindString},
	{"location", "location", kindString},
	{"duration_days", "duration_days", kindInt},
	{"duration_nights", "duration_nights", kindInt},
	{"airline", "airline", kindString},
	{"image_url", "image_url", kindString},
	{"pdf_url", "pdf_url", kindString},
	{"tags", "tags", kindStringArray},
}

// periodFieldSpecs 团期标准字段
var periodFieldSpecs = []fieldSpec{
	{"start_date", "start_date", kindDate},
	{"end_date", "end_date", kindDate},
	{"capacity", "capacity", kindInt},
	{"booked", "booked", kindInt},
	{"available", "available", kindInt},
	{"hotel_star", "hotel_star", kindInt},
}

// offerFieldSpecs 团期价格标准字段
var offerFieldSpecs = []fieldSpec{
	{"price_adult", "price_adult", kindFloat},
	{"price_child", "price_child", kindFloat},
	{"price_child_no_bed", "price_child_no_bed", kindFloat},
	{"price_infant", "price_infant", kindFloat},
	{"price_single", "price_single", kindFloat},
	{"discount_adult", "discount_adult", kindFloat},
	{"promotion_code", "promotion_code", kindString},
	{"currency", "currency", kindString},
}

// itineraryFieldSpecs 行程标准字段
var itineraryFieldSpecs = []fieldSpec{
	{"day_no", "day_no", kindInt},
	{"title", "title", kindString},
	{"description", "description", kindString},
	{"meals", "meals", kindString},
	{"hotel", "hotel", kindString},
	{"hotel_star", "hotel_star", kindInt},
}

// disabledTourStatuses 视为下架的线路状态
var disabledTourStatuses = map[string]bool{
	"disabled": true,
	"closed":   true,
	"inactive": true,
}

// projectFields 将标准记录中存在的字段转换为列值
// 记录中没有的字段不输出，类型不符返回 validation 错误
func projectFields(section string, specs []fieldSpec, record map[string]interface{}) (map[string]interface{}, []*SyncItemError) {
	values := make(map[string]interface{}, len(specs))
	var fieldErrors []*SyncItemError

	for _, spec := range specs {
		raw, ok := record[spec.Field]
		if !ok || IsEmptyValue(raw) {
			continue
		}
		value, err := convertKind(raw, spec.Kind)
		if err != nil {
			fieldErrors = append(fieldErrors, newItemError(models.ErrorTypeValidation, section, spec.Field, raw, spec.Kind.String(), err))
			continue
		}
		values[spec.Column] = value
	}
	return values, fieldErrors
}

func convertKind(value interface{}, kind fieldKind) (interface{}, error) {
	switch kind {
	case kindInt:
		if s, ok := value.(string); ok {
			value = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
		}
		if f, ok := value.(float64); ok {
			return int(f), nil
		}
		return cast.ToIntE(value)
	case kindFloat:
		if s, ok := value.(string); ok {
			value = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
		}
		f, err := cast.ToFloat64E(value)
		if err != nil {
			return nil, err
		}
		return &f, nil
	case kindDate:
		return parseDate(value)
	case kindStringArray:
		if list := toSlice(value); list != nil {
			result := make(models.StringArray, 0, len(list))
			for _, item := range list {
				if s := strings.TrimSpace(cast.ToString(item)); s != "" {
					result = append(result, s)
				}
			}
			return result, nil
		}
		return models.StringArray{strings.TrimSpace(cast.ToString(value))}, nil
	}
	return cast.ToStringE(value)
}

// parseDate 解析日期，统一为 UTC
func parseDate(value interface{}) (time.Time, error) {
	if t, ok := value.(time.Time); ok {
		return t.UTC(), nil
	}
	s := strings.TrimSpace(cast.ToString(value))
	for _, layout := range []string{"2006-01-02", "2006-01-02T15:04:05Z07:00", "2006-01-02 15:04:05", "02/01/2006"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	t, err := cast.ToTimeE(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("无法解析日期 %q", s)
	}
	return t.UTC(), nil
}

// applyPolicy 按智能同步策略过滤更新字段
func applyPolicy(values map[string]interface{}, policy models.SyncPolicy, overrides models.OverrideFields) map[string]interface{} {
	allowed := make(map[string]interface{}, len(values))
	for column, value := range values {
		if policy.ShouldSyncField(column, overrides) {
			allowed[column] = value
		}
	}
	return allowed
}
