package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"tourapi/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MappingService 字段映射规则服务
type MappingService struct {
	db       *gorm.DB
	lookup   ReferenceLookup
	adapters AdapterProvider
}

// NewMappingService 创建映射规则服务
func NewMappingService(db *gorm.DB, lookup ReferenceLookup, adapters AdapterProvider) *MappingService {
	return &MappingService{db: db, lookup: lookup, adapters: adapters}
}

// MappingRuleItem 映射规则请求项
type MappingRuleItem struct {
	Section         string         `json:"section" binding:"required,oneof=tour departure itinerary"`
	CanonicalField  string         `json:"canonical_field" binding:"required,max=100"`
	SourcePath      string         `json:"source_path" binding:"required,max=500"`
	TransformKind   string         `json:"transform_kind" binding:"omitempty,oneof=direct value_map lookup split join template"`
	TransformConfig datatypes.JSON `json:"transform_config"`
	Active          *bool          `json:"active"`
	SortOrder       int            `json:"sort_order"`
}

// ReplaceMappingRulesRequest 整体替换映射规则
type ReplaceMappingRulesRequest struct {
	Rules []MappingRuleItem `json:"rules" binding:"dive"`
}

// MappingPreviewRequest 映射预览请求
// Records 为空时从批发商接口拉取第一页样本
type MappingPreviewRequest struct {
	Section string                   `json:"section" binding:"omitempty,oneof=tour departure itinerary"`
	Records []map[string]interface{} `json:"records"`
	Limit   int                      `json:"limit" binding:"omitempty,min=1,max=50"`
}

// MappingPreviewItem 单条预览结果
type MappingPreviewItem struct {
	Canonical map[string]interface{} `json:"canonical"`
	Errors    []string               `json:"errors,omitempty"`
}

// MappingPreviewResult 映射预览结果
type MappingPreviewResult struct {
	Section string               `json:"section"`
	Total   int                  `json:"total"`
	Failed  int                  `json:"failed"`
	Items   []MappingPreviewItem `json:"items"`
}

// List 批发商的映射规则
func (s *MappingService) List(ctx context.Context, wholesalerID uint, section string) ([]models.MappingRule, error) {
	if err := s.ensureWholesaler(ctx, wholesalerID); err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).Where("wholesaler_id = ?", wholesalerID)
	if section != "" {
		query = query.Where("section = ?", section)
	}
	var rules []models.MappingRule
	err := query.Order("section ASC, sort_order ASC, id ASC").Find(&rules).Error
	return rules, err
}

// ReplaceRules 整体替换批发商的映射规则，任一规则不合法则全部不生效
func (s *MappingService) ReplaceRules(ctx context.Context, wholesalerID uint, req ReplaceMappingRulesRequest) ([]models.MappingRule, error) {
	if err := s.ensureWholesaler(ctx, wholesalerID); err != nil {
		return nil, err
	}

	rules := make([]models.MappingRule, 0, len(req.Rules))
	seen := make(map[string]bool, len(req.Rules))
	for _, item := range req.Rules {
		rule := item.toModel(wholesalerID)
		if _, err := ParseTransformConfig(rule); err != nil {
			return nil, err
		}
		key := rule.Section + "/" + rule.CanonicalField
		if seen[key] {
			return nil, fmt.Errorf("%w: %s 重复配置", ErrInvalidRule, key)
		}
		seen[key] = true
		rules = append(rules, rule)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("wholesaler_id = ?", wholesalerID).Delete(&models.MappingRule{}).Error; err != nil {
			return err
		}
		for i := range rules {
			if err := tx.Create(&rules[i]).Error; err != nil {
				return err
			}
			// 零值 false 不会覆盖默认值
			if !rules[i].Active {
				if err := tx.Model(&rules[i]).Update("active", false).Error; err != nil {
					return err
				}
			}
		}
		return resetTourHashes(tx, wholesalerID)
	})
	if err != nil {
		return nil, fmt.Errorf("保存映射规则失败: %v", err)
	}
	return rules, nil
}

// resetTourHashes 清空批发商线路的内容摘要，规则变化后下一次增量同步重新映射全部线路
func resetTourHashes(db *gorm.DB, wholesalerID uint) error {
	return db.Model(&models.Tour{}).Where("wholesaler_id = ? AND sync_hash <> ''", wholesalerID).
		Update("sync_hash", "").Error
}

// Upsert 按 分区+标准字段 新增或覆盖一条规则
func (s *MappingService) Upsert(ctx context.Context, wholesalerID uint, item MappingRuleItem) (*models.MappingRule, error) {
	if err := s.ensureWholesaler(ctx, wholesalerID); err != nil {
		return nil, err
	}
	rule := item.toModel(wholesalerID)
	if _, err := ParseTransformConfig(rule); err != nil {
		return nil, err
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "wholesaler_id"}, {Name: "section"}, {Name: "canonical_field"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"source_path", "transform_kind", "transform_config", "active", "sort_order", "updated_at",
		}),
	}).Create(&rule).Error
	if err != nil {
		return nil, fmt.Errorf("保存映射规则失败: %v", err)
	}

	var saved models.MappingRule
	if err := s.db.WithContext(ctx).
		Where("wholesaler_id = ? AND section = ? AND canonical_field = ?", wholesalerID, rule.Section, rule.CanonicalField).
		First(&saved).Error; err != nil {
		return nil, err
	}
	if saved.Active != rule.Active {
		if err := s.db.WithContext(ctx).Model(&saved).Update("active", rule.Active).Error; err != nil {
			return nil, err
		}
	}
	if err := resetTourHashes(s.db.WithContext(ctx), wholesalerID); err != nil {
		return nil, err
	}
	return &saved, nil
}

// Delete 删除一条规则
func (s *MappingService) Delete(ctx context.Context, wholesalerID, ruleID uint) error {
	result := s.db.WithContext(ctx).Where("id = ? AND wholesaler_id = ?", ruleID, wholesalerID).Delete(&models.MappingRule{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrMappingRuleNotFound
	}
	return resetTourHashes(s.db.WithContext(ctx), wholesalerID)
}

// LoadTransformer 编译批发商当前生效的映射规则
func (s *MappingService) LoadTransformer(ctx context.Context, wholesalerID uint) (*DataTransformer, error) {
	var rules []models.MappingRule
	if err := s.db.WithContext(ctx).Where("wholesaler_id = ?", wholesalerID).Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("读取映射规则失败: %v", err)
	}
	return NewDataTransformer(rules, s.lookup)
}

// Preview 用当前规则转换样本数据，不写库
func (s *MappingService) Preview(ctx context.Context, wholesalerID uint, req MappingPreviewRequest) (*MappingPreviewResult, error) {
	section := req.Section
	if section == "" {
		section = models.SectionTour
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 5
	}

	transformer, err := s.LoadTransformer(ctx, wholesalerID)
	if err != nil {
		return nil, err
	}

	records := req.Records
	if len(records) == 0 {
		records, err = s.fetchSample(ctx, wholesalerID, section, limit)
		if err != nil {
			return nil, err
		}
	}
	if len(records) > limit {
		records = records[:limit]
	}

	result := &MappingPreviewResult{Section: section, Items: make([]MappingPreviewItem, 0, len(records))}
	for _, raw := range records {
		canonical, fieldErrors := transformer.ToCanonical(ctx, raw, section)
		delete(canonical, RawKey)
		item := MappingPreviewItem{Canonical: canonical}
		for _, fe := range fieldErrors {
			item.Errors = append(item.Errors, fe.Error())
		}
		if len(item.Errors) > 0 {
			result.Failed++
		}
		result.Items = append(result.Items, item)
	}
	result.Total = len(result.Items)
	return result, nil
}

// fetchSample 从批发商接口拉取第一页作为样本
func (s *MappingService) fetchSample(ctx context.Context, wholesalerID uint, section string, limit int) ([]map[string]interface{}, error) {
	if s.adapters == nil {
		return nil, errors.New("未提供样本数据")
	}
	var wholesaler models.Wholesaler
	if err := s.db.WithContext(ctx).Preload("Config").First(&wholesaler, wholesalerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWholesalerNotFound
		}
		return nil, err
	}
	if wholesaler.Config == nil {
		return nil, ErrConfigNotFound
	}
	adapter, err := s.adapters.Build(&wholesaler, wholesaler.Config)
	if err != nil {
		return nil, err
	}

	page := adapter.FetchTours(ctx, FetchRequest{Limit: limit})
	if !page.Success {
		return nil, fmt.Errorf("拉取样本失败: [%s] %s", page.ErrorCode, page.ErrorMessage)
	}
	if section == models.SectionTour {
		return page.Tours, nil
	}

	// 团期与行程样本取自线路数据（single 模式）
	path := wholesaler.Config.PeriodsPath
	if section == models.SectionItinerary {
		path = wholesaler.Config.ItinerariesPath
	}
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: 批发商未配置 %s 数据路径，请提供样本数据", ErrInvalidConfig, section)
	}
	jsonPath := NewJSONPath()
	var records []map[string]interface{}
	for _, tour := range page.Tours {
		records = append(records, jsonPath.Flatten(path, tour)...)
		if len(records) >= limit {
			break
		}
	}
	return records, nil
}

func (s *MappingService) ensureWholesaler(ctx context.Context, wholesalerID uint) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Wholesaler{}).Where("id = ?", wholesalerID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrWholesalerNotFound
	}
	return nil
}

func (item MappingRuleItem) toModel(wholesalerID uint) models.MappingRule {
	kind := item.TransformKind
	if kind == "" {
		kind = models.TransformDirect
	}
	active := true
	if item.Active != nil {
		active = *item.Active
	}
	return models.MappingRule{
		WholesalerID:    wholesalerID,
		Section:         item.Section,
		CanonicalField:  strings.TrimSpace(item.CanonicalField),
		SourcePath:      strings.TrimSpace(item.SourcePath),
		TransformKind:   kind,
		TransformConfig: item.TransformConfig,
		Active:          active,
		SortOrder:       item.SortOrder,
	}
}
