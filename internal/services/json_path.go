package services

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// JSONPath 简单的JSON路径解析器
type JSONPath struct{}

// NewJSONPath 创建JSON路径解析器
func NewJSONPath() *JSONPath {
	return &JSONPath{}
}

// pathPart 路径片段
type pathPart struct {
	field      string
	isArray    bool
	arrayIndex int // -1 表示 [] 或 [*]
}

// Extract 从数据中提取指定路径的值
// 支持的路径格式：
// - "field" - 简单字段
// - "object.field" - 嵌套字段
// - "array[0]" - 数组索引
// - "array[]" / "array[*]" - 遍历数组，后续路径作用于每个元素
// - "a|b|c" - 备选路径，取第一个非空值
func (j *JSONPath) Extract(path string, data interface{}) interface{} {
	if path == "" || data == nil {
		return nil
	}

	for _, alternative := range SplitAlternatives(path) {
		value := j.resolve(j.parsePath(alternative), data)
		if !IsEmptyValue(value) {
			return value
		}
	}
	return nil
}

// Flatten 沿路径展开嵌套数组，返回其中的对象
// 如 periods[].tour_period[] 返回所有 tour_period 元素
func (j *JSONPath) Flatten(path string, data interface{}) []map[string]interface{} {
	var value interface{}
	if path == "" {
		value = data
	} else {
		value = j.Extract(path, data)
	}

	var records []map[string]interface{}
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch item := v.(type) {
		case map[string]interface{}:
			records = append(records, item)
		case []interface{}:
			for _, elem := range item {
				walk(elem)
			}
		}
	}
	walk(value)
	return records
}

// SplitAlternatives 拆分 | 分隔的备选路径
func SplitAlternatives(path string) []string {
	parts := strings.Split(path, "|")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}

// parsePath 解析路径
func (j *JSONPath) parsePath(path string) []pathPart {
	var parts []pathPart
	for _, segment := range strings.Split(path, ".") {
		if segment == "" {
			continue
		}
		field := segment
		brackets := ""
		if idx := strings.Index(segment, "["); idx >= 0 {
			field = segment[:idx]
			brackets = segment[idx:]
		}
		if brackets == "" {
			parts = append(parts, pathPart{field: field})
			continue
		}

		// field[0][] 这样的多级下标依次展开
		first := true
		for brackets != "" {
			end := strings.Index(brackets, "]")
			if !strings.HasPrefix(brackets, "[") || end < 0 {
				break
			}
			inner := brackets[1:end]
			brackets = brackets[end+1:]

			part := pathPart{isArray: true, arrayIndex: -1}
			if first {
				part.field = field
				first = false
			}
			if inner != "" && inner != "*" {
				index, err := strconv.Atoi(inner)
				if err != nil {
					continue
				}
				part.arrayIndex = index
			}
			parts = append(parts, part)
		}
	}
	return parts
}

// resolve 按路径片段递归取值
func (j *JSONPath) resolve(parts []pathPart, data interface{}) interface{} {
	if len(parts) == 0 {
		return data
	}
	if data == nil {
		return nil
	}

	part := parts[0]
	rest := parts[1:]
	current := data
	if part.field != "" {
		current = j.accessField(current, part.field)
		if current == nil {
			return nil
		}
	}

	if !part.isArray {
		return j.resolve(rest, current)
	}

	elements := toSlice(current)
	if elements == nil {
		return nil
	}

	if part.arrayIndex >= 0 {
		if part.arrayIndex >= len(elements) {
			return nil
		}
		return j.resolve(rest, elements[part.arrayIndex])
	}

	result := make([]interface{}, 0, len(elements))
	for _, elem := range elements {
		value := j.resolve(rest, elem)
		if value == nil {
			continue
		}
		// 后续路径还有数组展开时，把子数组拍平到同一层
		if nested, ok := value.([]interface{}); ok && hasWildcard(rest) {
			result = append(result, nested...)
			continue
		}
		result = append(result, value)
	}
	return result
}

func hasWildcard(parts []pathPart) bool {
	for _, p := range parts {
		if p.isArray && p.arrayIndex < 0 {
			return true
		}
	}
	return false
}

// accessField 访问对象字段
func (j *JSONPath) accessField(data interface{}, field string) interface{} {
	switch m := data.(type) {
	case map[string]interface{}:
		return m[field]
	case map[string]string:
		if v, ok := m[field]; ok {
			return v
		}
		return nil
	}
	return nil
}

// toSlice 将数组类值统一转为 []interface{}
func toSlice(data interface{}) []interface{} {
	if arr, ok := data.([]interface{}); ok {
		return arr
	}
	v := reflect.ValueOf(data)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return nil
	}
	result := make([]interface{}, v.Len())
	for i := 0; i < v.Len(); i++ {
		result[i] = v.Index(i).Interface()
	}
	return result
}

// ExtractString 提取字符串值
func (j *JSONPath) ExtractString(path string, data interface{}) string {
	result := j.Extract(path, data)
	if result == nil {
		return ""
	}
	return cast.ToString(result)
}

// ExtractBool 提取布尔值，路径不存在时返回 ok=false
func (j *JSONPath) ExtractBool(path string, data interface{}) (bool, bool) {
	result := j.Extract(path, data)
	if result == nil {
		return false, false
	}
	b, err := cast.ToBoolE(result)
	if err != nil {
		return false, false
	}
	return b, true
}

// IsEmptyValue nil、空字符串、空数组、空对象都视为空
func IsEmptyValue(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []interface{}:
		return len(v) == 0
	case []string:
		return len(v) == 0
	case map[string]interface{}:
		return len(v) == 0
	}
	return false
}
