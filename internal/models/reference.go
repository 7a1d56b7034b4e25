package models

import (
	"time"
)

// Country 国家参考数据
type Country struct {
	ID      uint        `gorm:"primarykey" json:"id"`
	ISO2    string      `gorm:"size:2;uniqueIndex" json:"iso2"`
	ISO3    string      `gorm:"size:3;index" json:"iso3"`
	NameEn  string      `gorm:"size:100;not null" json:"name_en"`
	NameTh  string      `gorm:"size:100" json:"name_th"`
	Aliases StringArray `gorm:"type:text" json:"aliases"` // 批发商常用的其他写法

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// City 城市参考数据
type City struct {
	ID        uint        `gorm:"primarykey" json:"id"`
	CountryID uint        `gorm:"not null;index" json:"country_id"`
	Code      string      `gorm:"size:10;index" json:"code"` // 机场或城市代码
	NameEn    string      `gorm:"size:100;not null" json:"name_en"`
	NameTh    string      `gorm:"size:100" json:"name_th"`
	Aliases   StringArray `gorm:"type:text" json:"aliases"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Setting 全局设置（键值）
type Setting struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	Key         string    `gorm:"size:100;not null;uniqueIndex" json:"key"`
	Value       string    `gorm:"type:text" json:"value"`
	Description string    `gorm:"size:500" json:"description"`
	UpdatedAt   time.Time `json:"updated_at"`
	CreatedAt   time.Time `json:"created_at"`
}
