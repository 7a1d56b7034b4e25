package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"tourapi/internal/models"
	"tourapi/pkg/logger"

	"github.com/spf13/cast"
)

// RawKey 标准记录中保存原始数据的保留键
const RawKey = "_raw"

// 查找表
const (
	LookupCountries = "countries"
	LookupCities    = "cities"
)

// 类型转换
const (
	CastString = "string"
	CastInt    = "int"
	CastFloat  = "float"
	CastBool   = "bool"
	CastDate   = "date"
)

var templatePlaceholder = regexp.MustCompile(`\{([^{}]+)\}`)

// TransformConfig 映射规则的转换配置
type TransformConfig struct {
	Map       map[string]string `json:"map,omitempty"`       // value_map
	Default   *string           `json:"default,omitempty"`   // value_map 未命中时的默认值
	Table     string            `json:"table,omitempty"`     // lookup: countries/cities
	Separator string            `json:"separator,omitempty"` // split/join
	Template  string            `json:"template,omitempty"`  // template: {value} 与 {源字段路径}
	Cast      string            `json:"cast,omitempty"`      // string/int/float/bool/date
}

// ReferenceMatch 参考数据查找结果
type ReferenceMatch struct {
	ID   uint
	Name string
	Code string
}

// ReferenceLookup 参考数据查找（国家、城市）
type ReferenceLookup interface {
	Lookup(ctx context.Context, table, value string) (*ReferenceMatch, bool, error)
}

// compiledRule 解析过配置的映射规则
type compiledRule struct {
	rule   models.MappingRule
	config TransformConfig
}

// sourceKey 反向转换时使用的源字段名（第一个备选路径）
func (r compiledRule) sourceKey() string {
	alternatives := SplitAlternatives(r.rule.SourcePath)
	if len(alternatives) == 0 {
		return r.rule.CanonicalField
	}
	return alternatives[0]
}

// DataTransformer 按映射规则在批发商数据与标准记录之间转换
// 同一个实例只读，可在多个协程中共享
type DataTransformer struct {
	jsonPath *JSONPath
	lookup   ReferenceLookup
	sections map[string][]compiledRule
	reverse  map[string]map[string]compiledRule
}

// NewDataTransformer 编译映射规则，配置不合法时返回错误
func NewDataTransformer(rules []models.MappingRule, lookup ReferenceLookup) (*DataTransformer, error) {
	t := &DataTransformer{
		jsonPath: NewJSONPath(),
		lookup:   lookup,
		sections: make(map[string][]compiledRule),
		reverse:  make(map[string]map[string]compiledRule),
	}

	sorted := make([]models.MappingRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(a, b int) bool {
		return sorted[a].SortOrder < sorted[b].SortOrder
	})

	for _, rule := range sorted {
		if !rule.Active {
			continue
		}
		config, err := ParseTransformConfig(rule)
		if err != nil {
			return nil, err
		}
		compiled := compiledRule{rule: rule, config: *config}
		t.sections[rule.Section] = append(t.sections[rule.Section], compiled)
		if t.reverse[rule.Section] == nil {
			t.reverse[rule.Section] = make(map[string]compiledRule)
		}
		t.reverse[rule.Section][rule.CanonicalField] = compiled
	}
	return t, nil
}

// ParseTransformConfig 解析并校验规则的转换配置，拒绝未知字段
func ParseTransformConfig(rule models.MappingRule) (*TransformConfig, error) {
	if !models.ValidSection(rule.Section) {
		return nil, fmt.Errorf("%w: 未知分区 %q", ErrInvalidRule, rule.Section)
	}
	if strings.TrimSpace(rule.CanonicalField) == "" || strings.TrimSpace(rule.SourcePath) == "" {
		return nil, fmt.Errorf("%w: 标准字段与源路径不能为空", ErrInvalidRule)
	}
	kind := rule.TransformKind
	if kind == "" {
		kind = models.TransformDirect
	}
	if !models.ValidTransformKind(kind) {
		return nil, fmt.Errorf("%w: %s 未知转换方式 %q", ErrInvalidRule, rule.CanonicalField, kind)
	}

	config := &TransformConfig{}
	raw := bytes.TrimSpace(rule.TransformConfig)
	if len(raw) > 0 && string(raw) != "null" {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(config); err != nil {
			return nil, fmt.Errorf("%w: %s 转换配置格式错误: %v", ErrInvalidRule, rule.CanonicalField, err)
		}
	}

	switch kind {
	case models.TransformValueMap:
		if len(config.Map) == 0 {
			return nil, fmt.Errorf("%w: %s 的 value_map 缺少 map", ErrInvalidRule, rule.CanonicalField)
		}
	case models.TransformLookup:
		if config.Table != LookupCountries && config.Table != LookupCities {
			return nil, fmt.Errorf("%w: %s 的 lookup 表 %q 不支持", ErrInvalidRule, rule.CanonicalField, config.Table)
		}
	case models.TransformTemplate:
		if config.Template == "" {
			return nil, fmt.Errorf("%w: %s 的 template 缺少模板", ErrInvalidRule, rule.CanonicalField)
		}
	}

	switch config.Cast {
	case "", CastString, CastInt, CastFloat, CastBool, CastDate:
	default:
		return nil, fmt.Errorf("%w: %s 未知类型转换 %q", ErrInvalidRule, rule.CanonicalField, config.Cast)
	}
	return config, nil
}

// HasSection 该分区是否配置了映射
func (t *DataTransformer) HasSection(section string) bool {
	return len(t.sections[section]) > 0
}

// ToCanonical 将一条原始记录转换为标准记录
// 源字段缺失时不输出该键；原始数据保存在 _raw 下
func (t *DataTransformer) ToCanonical(ctx context.Context, raw map[string]interface{}, section string) (map[string]interface{}, []*SyncItemError) {
	record := make(map[string]interface{}, len(t.sections[section])+1)
	var fieldErrors []*SyncItemError

	for _, compiled := range t.sections[section] {
		value := t.jsonPath.Extract(compiled.rule.SourcePath, raw)
		if IsEmptyValue(value) {
			continue
		}
		if err := t.applyRule(ctx, compiled, value, raw, record); err != nil {
			fieldErrors = append(fieldErrors, err)
		}
	}

	record[RawKey] = raw
	return record, fieldErrors
}

// applyRule 执行单条规则的转换并写入记录
func (t *DataTransformer) applyRule(ctx context.Context, compiled compiledRule, value interface{}, raw, record map[string]interface{}) *SyncItemError {
	rule := compiled.rule
	config := compiled.config
	field := rule.CanonicalField

	switch rule.TransformKind {
	case models.TransformValueMap:
		value = mapValue(value, config)
	case models.TransformLookup:
		code := cast.ToString(value)
		match, found := t.lookupReference(ctx, config.Table, code)
		if !found {
			// 找不到时保留原值
			record[field] = value
			return nil
		}
		record[field] = match.ID
		record[field+"_name"] = match.Name
		record[field+"_code"] = code
		return nil
	case models.TransformSplit:
		value = splitValue(value, separatorOr(config.Separator, ","))
	case models.TransformJoin:
		value = joinValue(value, separatorOr(config.Separator, ", "))
	case models.TransformTemplate:
		value = t.renderTemplate(config.Template, value, raw)
	}

	if config.Cast != "" {
		casted, err := castValue(value, config.Cast)
		if err != nil {
			return newItemError(models.ErrorTypeTypeCast, rule.Section, field, value, config.Cast, err)
		}
		value = casted
	}

	record[field] = value
	return nil
}

func (t *DataTransformer) lookupReference(ctx context.Context, table, code string) (*ReferenceMatch, bool) {
	if t.lookup == nil || strings.TrimSpace(code) == "" {
		return nil, false
	}
	match, found, err := t.lookup.Lookup(ctx, table, code)
	if err != nil {
		logger.GetLogger().WithError(err).Warnf("参考数据查找失败 table=%s value=%s", table, code)
		return nil, false
	}
	return match, found
}

// renderTemplate 替换 {value} 与 {源字段路径} 占位符
func (t *DataTransformer) renderTemplate(template string, value interface{}, raw map[string]interface{}) string {
	return templatePlaceholder.ReplaceAllStringFunc(template, func(token string) string {
		key := token[1 : len(token)-1]
		if key == "value" {
			return cast.ToString(value)
		}
		return t.jsonPath.ExtractString(key, raw)
	})
}

// ToSourceParams 将标准参数反向转换为批发商参数名
// 未配置的键原样透传（如分页参数）
func (t *DataTransformer) ToSourceParams(params map[string]interface{}, section string) map[string]interface{} {
	result := make(map[string]interface{}, len(params))
	index := t.reverse[section]

	for key, value := range params {
		if key == RawKey || t.isLookupSibling(section, key) {
			continue
		}
		compiled, ok := index[key]
		if !ok {
			if _, mapped := result[key]; !mapped {
				result[key] = value
			}
			continue
		}
		setPathValue(result, compiled.sourceKey(), t.reverseValue(compiled, value, params))
	}
	return result
}

// isLookupSibling lookup 生成的 _name/_code 辅助键不下发
func (t *DataTransformer) isLookupSibling(section, key string) bool {
	for _, suffix := range []string{"_name", "_code"} {
		base := strings.TrimSuffix(key, suffix)
		if base == key {
			continue
		}
		if compiled, ok := t.reverse[section][base]; ok && compiled.rule.TransformKind == models.TransformLookup {
			return true
		}
	}
	return false
}

// reverseValue 反向转换单个值
func (t *DataTransformer) reverseValue(compiled compiledRule, value interface{}, params map[string]interface{}) interface{} {
	config := compiled.config
	switch compiled.rule.TransformKind {
	case models.TransformValueMap:
		target := cast.ToString(value)
		for source, mapped := range config.Map {
			if mapped == target {
				return source
			}
		}
	case models.TransformLookup:
		if code, ok := params[compiled.rule.CanonicalField+"_code"]; ok {
			return code
		}
	case models.TransformSplit:
		return joinValue(value, separatorOr(config.Separator, ","))
	case models.TransformJoin:
		return splitValue(value, strings.TrimSpace(separatorOr(config.Separator, ", ")))
	}
	return value
}

// setPathValue 按点分隔路径写入嵌套对象，含数组语法的路径按字面量作为键
func setPathValue(target map[string]interface{}, path string, value interface{}) {
	if strings.Contains(path, "[") {
		target[path] = value
		return
	}
	segments := strings.Split(path, ".")
	current := target
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			current[segment] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = value
}

func mapValue(value interface{}, config TransformConfig) interface{} {
	if mapped, ok := config.Map[cast.ToString(value)]; ok {
		return mapped
	}
	if config.Default != nil {
		return *config.Default
	}
	return value
}

func splitValue(value interface{}, separator string) interface{} {
	if list := toSlice(value); list != nil {
		return list
	}
	parts := strings.Split(cast.ToString(value), separator)
	result := make([]interface{}, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

func joinValue(value interface{}, separator string) interface{} {
	list := toSlice(value)
	if list == nil {
		return cast.ToString(value)
	}
	parts := make([]string, 0, len(list))
	for _, item := range list {
		if s := cast.ToString(item); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, separator)
}

func separatorOr(separator, fallback string) string {
	if separator == "" {
		return fallback
	}
	return separator
}

// castValue 按配置转换值的类型
func castValue(value interface{}, kind string) (interface{}, error) {
	switch kind {
	case CastString:
		return cast.ToStringE(value)
	case CastInt:
		if s, ok := value.(string); ok {
			value = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
		}
		return cast.ToIntE(value)
	case CastFloat:
		if s, ok := value.(string); ok {
			value = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
		}
		return cast.ToFloat64E(value)
	case CastBool:
		return cast.ToBoolE(value)
	case CastDate:
		return cast.ToTimeE(value)
	}
	return value, nil
}
