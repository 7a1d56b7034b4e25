package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJSONPathExtract(t *testing.T) {
	jp := NewJSONPath()
	data := map[string]interface{}{
		"data": map[string]interface{}{
			"tours": []interface{}{
				map[string]interface{}{"id": "T1"},
				map[string]interface{}{"id": "T2"},
			},
		},
		"name_en": "",
		"name":    "Tokyo",
		"count":   0,
	}

	assert.Len(t, jp.Extract("data.tours", data), 2)
	assert.Equal(t, "T2", jp.Extract("data.tours[1].id", data))
	assert.Nil(t, jp.Extract("data.tours[5].id", data))
	assert.Nil(t, jp.Extract("data.missing", data))
	assert.Equal(t, "Tokyo", jp.Extract("name_en|name", data))
	assert.Equal(t, 0, jp.Extract("count", data))
	assert.Equal(t, []interface{}{"T1", "T2"}, jp.Extract("data.tours[].id", data))
}

func TestJSONPathFlattenNestedArrays(t *testing.T) {
	jp := NewJSONPath()
	data := map[string]interface{}{
		"periods": []interface{}{
			map[string]interface{}{"tour_period": []interface{}{
				map[string]interface{}{"id": 1.0},
				map[string]interface{}{"id": 2.0},
			}},
			map[string]interface{}{"tour_period": []interface{}{
				map[string]interface{}{"id": 3.0},
			}},
		},
	}

	records := jp.Flatten("periods[].tour_period[]", data)
	assert.Len(t, records, 3)
	assert.Equal(t, 3.0, records[2]["id"])

	assert.Empty(t, jp.Flatten("missing[]", data))
}

func TestJSONPathExtractBool(t *testing.T) {
	jp := NewJSONPath()
	data := map[string]interface{}{"meta": map[string]interface{}{"has_more": "true"}}

	value, ok := jp.ExtractBool("meta.has_more", data)
	assert.True(t, ok)
	assert.True(t, value)

	_, ok = jp.ExtractBool("meta.other", data)
	assert.False(t, ok)
}

func TestIsEmptyValue(t *testing.T) {
	assert.True(t, IsEmptyValue(nil))
	assert.True(t, IsEmptyValue("  "))
	assert.True(t, IsEmptyValue([]interface{}{}))
	assert.True(t, IsEmptyValue(map[string]interface{}{}))
	assert.False(t, IsEmptyValue(0))
	assert.False(t, IsEmptyValue(false))
	assert.False(t, IsEmptyValue("x"))
}

func TestSplitAlternatives(t *testing.T) {
	assert.Equal(t, []string{"a.b", "c"}, SplitAlternatives(" a.b | c |"))
	assert.Empty(t, SplitAlternatives(""))
}
