package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// StringArray 字符串数组类型，以JSON文本存储
type StringArray []string

// Value 实现 driver.Valuer 接口
func (a StringArray) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan 实现 sql.Scanner 接口
func (a *StringArray) Scan(value interface{}) error {
	bytes, err := scanBytes(value)
	if err != nil {
		return err
	}
	if len(bytes) == 0 {
		*a = StringArray{}
		return nil
	}
	return json.Unmarshal(bytes, a)
}

// Contains 是否包含指定值
func (a StringArray) Contains(value string) bool {
	for _, item := range a {
		if item == value {
			return true
		}
	}
	return false
}

// OverrideFields 人工修改过的字段 -> 修改时间
type OverrideFields map[string]time.Time

// Value 实现 driver.Valuer 接口
func (o OverrideFields) Value() (driver.Value, error) {
	if len(o) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan 实现 sql.Scanner 接口
func (o *OverrideFields) Scan(value interface{}) error {
	bytes, err := scanBytes(value)
	if err != nil {
		return err
	}
	if len(bytes) == 0 {
		*o = OverrideFields{}
		return nil
	}
	return json.Unmarshal(bytes, o)
}

// Has 字段是否被人工修改过
func (o OverrideFields) Has(field string) bool {
	if o == nil {
		return false
	}
	_, ok := o[field]
	return ok
}

func scanBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("无法解析的列类型: %T", value)
	}
}
