package services

import (
	"context"
	"strings"
	"sync"
	"tourapi/internal/models"

	"gorm.io/gorm"
)

// referenceEntry 内存中的一条参考数据
type referenceEntry struct {
	match ReferenceMatch
	names []string // 全部已知写法（小写）
}

// ReferenceService 国家/城市参考数据查找，首次使用时整表加载到内存
type ReferenceService struct {
	db *gorm.DB

	mu     sync.RWMutex
	loaded bool
	tables map[string][]referenceEntry
}

// NewReferenceService 创建参考数据服务
func NewReferenceService(db *gorm.DB) *ReferenceService {
	return &ReferenceService{db: db}
}

// Lookup 按代码或名称（含别名）查找，未找到返回 found=false
func (s *ReferenceService) Lookup(ctx context.Context, table, value string) (*ReferenceMatch, bool, error) {
	entry, found, err := s.find(ctx, table, value)
	if err != nil || !found {
		return nil, false, err
	}
	match := entry.match
	return &match, true, nil
}

// Aliases 返回与输入值属于同一条参考数据的全部写法，未找到时只返回输入值
func (s *ReferenceService) Aliases(ctx context.Context, table, value string) ([]string, error) {
	entry, found, err := s.find(ctx, table, value)
	if err != nil {
		return nil, err
	}
	if !found {
		return []string{strings.ToLower(strings.TrimSpace(value))}, nil
	}
	return entry.names, nil
}

// Refresh 丢弃内存数据，下次查找时重新加载
func (s *ReferenceService) Refresh() {
	s.mu.Lock()
	s.loaded = false
	s.tables = nil
	s.mu.Unlock()
}

func (s *ReferenceService) find(ctx context.Context, table, value string) (referenceEntry, bool, error) {
	needle := strings.ToLower(strings.TrimSpace(value))
	if needle == "" {
		return referenceEntry{}, false, nil
	}
	if err := s.ensureLoaded(ctx); err != nil {
		return referenceEntry{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, entry := range s.tables[table] {
		for _, name := range entry.names {
			if name == needle {
				return entry, true, nil
			}
		}
	}
	return referenceEntry{}, false, nil
}

func (s *ReferenceService) ensureLoaded(ctx context.Context) error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return nil
	}

	var countries []models.Country
	if err := s.db.WithContext(ctx).Find(&countries).Error; err != nil {
		return err
	}
	var cities []models.City
	if err := s.db.WithContext(ctx).Find(&cities).Error; err != nil {
		return err
	}

	tables := map[string][]referenceEntry{
		LookupCountries: make([]referenceEntry, 0, len(countries)),
		LookupCities:    make([]referenceEntry, 0, len(cities)),
	}
	for _, c := range countries {
		tables[LookupCountries] = append(tables[LookupCountries], referenceEntry{
			match: ReferenceMatch{ID: c.ID, Name: c.NameEn, Code: c.ISO2},
			names: collectNames(append([]string{c.ISO2, c.ISO3, c.NameEn, c.NameTh}, c.Aliases...)),
		})
	}
	for _, c := range cities {
		tables[LookupCities] = append(tables[LookupCities], referenceEntry{
			match: ReferenceMatch{ID: c.ID, Name: c.NameEn, Code: c.Code},
			names: collectNames(append([]string{c.Code, c.NameEn, c.NameTh}, c.Aliases...)),
		})
	}

	s.mu.Lock()
	s.tables = tables
	s.loaded = true
	s.mu.Unlock()
	return nil
}

func collectNames(values []string) []string {
	seen := make(map[string]bool, len(values))
	names := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		names = append(names, v)
	}
	return names
}
