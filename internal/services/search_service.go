package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"tourapi/internal/models"
	"tourapi/pkg/logger"
	"tourapi/pkg/metrics"

	"github.com/spf13/cast"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// 搜索排序字段
const (
	SearchSortPrice     = "price"
	SearchSortDeparture = "departure"
	SearchSortTitle     = "title"
	SearchSortCode      = "code"
)

// SearchCache 搜索结果缓存
type SearchCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CountryResolver 国家代码/名称解析
type CountryResolver interface {
	ReferenceLookup
	Aliases(ctx context.Context, table, value string) ([]string, error)
}

// SearchOptions 搜索服务参数
type SearchOptions struct {
	SourceTimeout time.Duration
	CacheTTL      time.Duration
	Concurrency   int
	SourceLimit   int // 每个数据源请求的条数
}

// SearchRequest 联合搜索条件
type SearchRequest struct {
	Keyword       string                 `json:"keyword"`
	Country       string                 `json:"country"`
	DateFrom      *time.Time             `json:"date_from"`
	DateTo        *time.Time             `json:"date_to"`
	PriceMin      *float64               `json:"price_min" binding:"omitempty,min=0"`
	PriceMax      *float64               `json:"price_max" binding:"omitempty,min=0"`
	MinSeats      int                    `json:"min_seats" binding:"omitempty,min=0"`
	WholesalerIDs []uint                 `json:"wholesaler_ids"`
	Params        map[string]interface{} `json:"params"` // 标准参数名，按映射转换为各批发商的参数
	SortBy        string                 `json:"sort_by" binding:"omitempty,oneof=price departure title code"`
	SortOrder     string                 `json:"sort_order" binding:"omitempty,oneof=asc desc"`
	Limit         int                    `json:"limit" binding:"omitempty,min=1,max=500"`
}

// SearchPeriod 搜索结果中的团期
type SearchPeriod struct {
	ExternalID    string     `json:"external_id"`
	StartDate     time.Time  `json:"start_date"`
	EndDate       *time.Time `json:"end_date,omitempty"`
	Available     *int       `json:"available,omitempty"`
	Status        string     `json:"status,omitempty"`
	PriceAdult    *float64   `json:"price_adult,omitempty"`
	DiscountAdult *float64   `json:"discount_adult,omitempty"`
}

// SearchTour 搜索结果中的线路
type SearchTour struct {
	WholesalerID      uint                   `json:"wholesaler_id"`
	WholesalerCode    string                 `json:"wholesaler_code"`
	ExternalID        string                 `json:"external_id"`
	TourCode          string                 `json:"tour_code"`
	Title             string                 `json:"title"`
	CountryName       string                 `json:"country_name"`
	Location          string                 `json:"location"`
	Record            map[string]interface{} `json:"record"`
	Periods           []SearchPeriod         `json:"periods"`
	LowestPrice       *float64               `json:"lowest_price"`
	EarliestDeparture *time.Time             `json:"earliest_departure"`
}

// SearchSourceError 单个数据源的失败信息
type SearchSourceError struct {
	WholesalerID   uint   `json:"wholesaler_id"`
	WholesalerCode string `json:"wholesaler_code"`
	Message        string `json:"message"`
}

// SearchResult 联合搜索结果
type SearchResult struct {
	Tours   []SearchTour        `json:"tours"`
	Total   int                 `json:"total"`
	Sources int                 `json:"sources"`
	Errors  []SearchSourceError `json:"errors"`
}

// sourcePayload 一个数据源返回的原始数据（缓存单位）
type sourcePayload struct {
	Tours []sourceTour `json:"tours"`
}

type sourceTour struct {
	Raw     map[string]interface{}   `json:"raw"`
	Periods []map[string]interface{} `json:"periods"`
}

// sourceOutcome 一个数据源的处理结果
type sourceOutcome struct {
	tours []SearchTour
	err   error
}

// SearchService 实时联合搜索各批发商接口
type SearchService struct {
	db        *gorm.DB
	repo      *TourRepository
	adapters  AdapterProvider
	countries CountryResolver
	cache     SearchCache
	options   SearchOptions
}

// NewSearchService 创建联合搜索服务，cache 可为空
func NewSearchService(db *gorm.DB, adapters AdapterProvider, countries CountryResolver, cache SearchCache, options SearchOptions) *SearchService {
	if options.SourceTimeout <= 0 {
		options.SourceTimeout = 20 * time.Second
	}
	if options.Concurrency <= 0 {
		options.Concurrency = 8
	}
	if options.SourceLimit <= 0 {
		options.SourceLimit = 50
	}
	return &SearchService{
		db:        db,
		repo:      NewTourRepository(db),
		adapters:  adapters,
		countries: countries,
		cache:     cache,
		options:   options,
	}
}

// Search 并发查询各批发商，合并后统一过滤排序；单个数据源失败不影响其他结果
func (s *SearchService) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	wholesalers, err := s.repo.ActiveWholesalers(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询批发商失败: %v", err)
	}
	wholesalers = filterWholesalers(wholesalers, req.WholesalerIDs)

	rulesByWholesaler, err := s.loadRules(ctx, wholesalers)
	if err != nil {
		return nil, err
	}

	outcomes := make([]sourceOutcome, len(wholesalers))
	var g errgroup.Group
	g.SetLimit(s.options.Concurrency)
	for i := range wholesalers {
		i := i
		g.Go(func() error {
			wholesaler := &wholesalers[i]
			start := time.Now()
			sourceCtx, cancel := context.WithTimeout(ctx, s.options.SourceTimeout)
			defer cancel()

			tours, err := s.searchSource(sourceCtx, wholesaler, rulesByWholesaler[wholesaler.ID], req)
			outcome := "success"
			if err != nil {
				outcome = "error"
				logger.GetLogger().WithError(err).WithField("wholesaler_id", wholesaler.ID).Warn("联合搜索数据源失败")
			}
			metrics.SearchSourceDuration.WithLabelValues(wholesaler.Code, outcome).Observe(time.Since(start).Seconds())
			outcomes[i] = sourceOutcome{tours: tours, err: err}
			return nil
		})
	}
	g.Wait()

	result := &SearchResult{Sources: len(wholesalers), Tours: []SearchTour{}, Errors: []SearchSourceError{}}
	var merged []SearchTour
	for i, outcome := range outcomes {
		if outcome.err != nil {
			result.Errors = append(result.Errors, SearchSourceError{
				WholesalerID:   wholesalers[i].ID,
				WholesalerCode: wholesalers[i].Code,
				Message:        outcome.err.Error(),
			})
			continue
		}
		merged = append(merged, outcome.tours...)
	}

	filtered, err := s.applyFilters(ctx, merged, req)
	if err != nil {
		return nil, err
	}
	sortSearchTours(filtered, req.SortBy, req.SortOrder)

	result.Total = len(filtered)
	if req.Limit > 0 && len(filtered) > req.Limit {
		filtered = filtered[:req.Limit]
	}
	if filtered != nil {
		result.Tours = filtered
	}
	return result, nil
}

func filterWholesalers(wholesalers []models.Wholesaler, ids []uint) []models.Wholesaler {
	wanted := make(map[uint]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	result := make([]models.Wholesaler, 0, len(wholesalers))
	for _, w := range wholesalers {
		if w.Config == nil {
			continue
		}
		if len(wanted) > 0 && !wanted[w.ID] {
			continue
		}
		result = append(result, w)
	}
	return result
}

func (s *SearchService) loadRules(ctx context.Context, wholesalers []models.Wholesaler) (map[uint][]models.MappingRule, error) {
	result := make(map[uint][]models.MappingRule, len(wholesalers))
	if len(wholesalers) == 0 {
		return result, nil
	}
	ids := make([]uint, 0, len(wholesalers))
	for _, w := range wholesalers {
		ids = append(ids, w.ID)
	}
	var rules []models.MappingRule
	if err := s.db.WithContext(ctx).Where("wholesaler_id IN ?", ids).Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("读取映射规则失败: %v", err)
	}
	for _, rule := range rules {
		result[rule.WholesalerID] = append(result[rule.WholesalerID], rule)
	}
	return result, nil
}

// searchSource 单个数据源：反向转换参数、拉取（或读缓存）、正向转换
func (s *SearchService) searchSource(ctx context.Context, wholesaler *models.Wholesaler, rules []models.MappingRule, req SearchRequest) ([]SearchTour, error) {
	transformer, err := NewDataTransformer(rules, s.countries)
	if err != nil {
		return nil, err
	}
	if !transformer.HasSection(models.SectionTour) {
		return nil, fmt.Errorf("批发商 %s 未配置线路映射", wholesaler.Code)
	}

	params := transformer.ToSourceParams(req.Params, models.SectionTour)
	payload, err := s.fetchPayload(ctx, wholesaler, transformer, params)
	if err != nil {
		return nil, err
	}

	tours := make([]SearchTour, 0, len(payload.Tours))
	for _, item := range payload.Tours {
		tour, ok := buildSearchTour(ctx, wholesaler, transformer, item)
		if ok {
			tours = append(tours, tour)
		}
	}
	return tours, nil
}

func (s *SearchService) fetchPayload(ctx context.Context, wholesaler *models.Wholesaler, transformer *DataTransformer, params map[string]interface{}) (*sourcePayload, error) {
	key := searchCacheKey(wholesaler.ID, params)
	if s.cache != nil && s.options.CacheTTL > 0 {
		if data, found, err := s.cache.Get(ctx, key); err == nil && found {
			var cached sourcePayload
			if err := json.Unmarshal(data, &cached); err == nil {
				return &cached, nil
			}
		}
	}

	adapter, err := s.adapters.Build(wholesaler, wholesaler.Config)
	if err != nil {
		return nil, err
	}
	page := adapter.FetchTours(ctx, FetchRequest{Limit: s.options.SourceLimit, Params: params})
	if !page.Success {
		return nil, fmt.Errorf("[%s] %s", page.ErrorCode, page.ErrorMessage)
	}

	config := wholesaler.Config
	payload := &sourcePayload{Tours: make([]sourceTour, 0, len(page.Tours))}
	for _, raw := range page.Tours {
		item := sourceTour{Raw: raw}
		switch {
		case config.SyncMode == models.SyncModeTwoPhase && config.PeriodsEndpointTemplate != "":
			record, _ := transformer.ToCanonical(ctx, raw, models.SectionTour)
			endpoint := renderEndpoint(config.PeriodsEndpointTemplate, record, raw)
			periods := adapter.FetchPeriods(ctx, endpoint)
			if periods.Success {
				item.Periods = periods.Periods
			} else {
				logger.GetLogger().Warnf("联合搜索拉取团期失败 %s: %s", endpoint, periods.ErrorMessage)
			}
		case config.PeriodsPath != "":
			item.Periods = transformer.jsonPath.Flatten(config.PeriodsPath, raw)
		}
		payload.Tours = append(payload.Tours, item)
	}

	if s.cache != nil && s.options.CacheTTL > 0 {
		if data, err := json.Marshal(payload); err == nil {
			if err := s.cache.Set(ctx, key, data, s.options.CacheTTL); err != nil {
				logger.GetLogger().WithError(err).Debug("写入搜索缓存失败")
			}
		}
	}
	return payload, nil
}

func searchCacheKey(wholesalerID uint, params map[string]interface{}) string {
	data, _ := json.Marshal(params)
	sum := sha256.Sum256(data)
	return fmt.Sprintf("search:%d:%s", wholesalerID, hex.EncodeToString(sum[:8]))
}

// buildSearchTour 转换一条线路及其团期，缺少外部ID的记录丢弃
func buildSearchTour(ctx context.Context, wholesaler *models.Wholesaler, transformer *DataTransformer, item sourceTour) (SearchTour, bool) {
	record, _ := transformer.ToCanonical(ctx, item.Raw, models.SectionTour)
	delete(record, RawKey)
	externalID := cast.ToString(record["external_id"])
	if externalID == "" {
		return SearchTour{}, false
	}

	tour := SearchTour{
		WholesalerID:   wholesaler.ID,
		WholesalerCode: wholesaler.Code,
		ExternalID:     externalID,
		TourCode:       cast.ToString(record["tour_code"]),
		Title:          cast.ToString(record["title"]),
		CountryName:    cast.ToString(record["country_name"]),
		Location:       cast.ToString(record["location"]),
		Record:         record,
		Periods:        []SearchPeriod{},
	}
	if tour.CountryName == "" {
		if _, isID := record["country"].(uint); !isID {
			tour.CountryName = cast.ToString(record["country"])
		}
	}

	for _, rawPeriod := range item.Periods {
		if period, ok := buildSearchPeriod(ctx, transformer, rawPeriod); ok {
			tour.Periods = append(tour.Periods, period)
		}
	}
	tour.refreshDerived()
	return tour, true
}

func buildSearchPeriod(ctx context.Context, transformer *DataTransformer, raw map[string]interface{}) (SearchPeriod, bool) {
	record, fieldErrors := transformer.ToCanonical(ctx, raw, models.SectionDeparture)
	if len(fieldErrors) > 0 {
		return SearchPeriod{}, false
	}
	values, errs := projectFields(models.SectionDeparture, periodFieldSpecs, record)
	offer, offerErrs := projectFields(models.SectionDeparture, offerFieldSpecs, record)
	if len(errs) > 0 || len(offerErrs) > 0 {
		return SearchPeriod{}, false
	}
	start, ok := values["start_date"].(time.Time)
	if !ok {
		return SearchPeriod{}, false
	}
	if status, err := periodStatus(record["status"]); err == nil && status != "" {
		values["status"] = status
	}
	deriveAvailability(values)

	period := SearchPeriod{
		ExternalID: cast.ToString(record["external_id"]),
		StartDate:  start,
	}
	if end, ok := values["end_date"].(time.Time); ok {
		period.EndDate = &end
	}
	if available, ok := values["available"].(int); ok {
		period.Available = &available
	}
	if status, ok := values["status"].(string); ok {
		period.Status = status
	}
	if price, ok := offer["price_adult"].(*float64); ok {
		period.PriceAdult = price
	}
	if discount, ok := offer["discount_adult"].(*float64); ok {
		period.DiscountAdult = discount
	}
	return period, true
}

// refreshDerived 重新计算最低价与最早出发日期
func (t *SearchTour) refreshDerived() {
	t.LowestPrice = nil
	t.EarliestDeparture = nil
	for i := range t.Periods {
		p := &t.Periods[i]
		if p.PriceAdult != nil && (t.LowestPrice == nil || *p.PriceAdult < *t.LowestPrice) {
			price := *p.PriceAdult
			t.LowestPrice = &price
		}
		if t.EarliestDeparture == nil || p.StartDate.Before(*t.EarliestDeparture) {
			start := p.StartDate
			t.EarliestDeparture = &start
		}
	}
}

// applyFilters 统一过滤：国家（含别名）、关键字、团期条件
// 团期条件逐个团期判断，不满足的团期被剔除，全部剔除时丢弃线路
func (s *SearchService) applyFilters(ctx context.Context, tours []SearchTour, req SearchRequest) ([]SearchTour, error) {
	countryMatcher, err := s.countryMatcher(ctx, req.Country)
	if err != nil {
		return nil, err
	}
	keyword := strings.ToLower(strings.TrimSpace(req.Keyword))
	periodFiltered := req.DateFrom != nil || req.DateTo != nil || req.PriceMin != nil || req.PriceMax != nil || req.MinSeats > 0

	result := make([]SearchTour, 0, len(tours))
	for _, tour := range tours {
		if countryMatcher != nil && !countryMatcher(tour) {
			continue
		}
		if keyword != "" && !matchKeyword(tour, keyword) {
			continue
		}
		if periodFiltered {
			kept := make([]SearchPeriod, 0, len(tour.Periods))
			for _, p := range tour.Periods {
				if periodMatches(p, req) {
					kept = append(kept, p)
				}
			}
			if len(kept) == 0 {
				continue
			}
			tour.Periods = kept
			tour.refreshDerived()
		}
		result = append(result, tour)
	}
	return result, nil
}

// countryMatcher 国家条件展开为该国家全部已知代码与名称
func (s *SearchService) countryMatcher(ctx context.Context, country string) (func(SearchTour) bool, error) {
	country = strings.TrimSpace(country)
	if country == "" {
		return nil, nil
	}

	names := map[string]bool{strings.ToLower(country): true}
	var countryID uint
	if s.countries != nil {
		aliases, err := s.countries.Aliases(ctx, LookupCountries, country)
		if err != nil {
			return nil, fmt.Errorf("解析国家失败: %v", err)
		}
		for _, alias := range aliases {
			names[strings.ToLower(alias)] = true
		}
		if match, found, err := s.countries.Lookup(ctx, LookupCountries, country); err == nil && found {
			countryID = match.ID
		}
	}

	return func(tour SearchTour) bool {
		if id, ok := tour.Record["country"].(uint); ok && countryID != 0 && id == countryID {
			return true
		}
		for _, key := range []string{"country", "country_name", "country_code"} {
			value, ok := tour.Record[key]
			if !ok {
				continue
			}
			if _, isID := value.(uint); isID {
				continue
			}
			if names[strings.ToLower(strings.TrimSpace(cast.ToString(value)))] {
				return true
			}
		}
		return names[strings.ToLower(strings.TrimSpace(tour.CountryName))]
	}, nil
}

func matchKeyword(tour SearchTour, keyword string) bool {
	fields := []string{tour.Title, tour.TourCode, tour.ExternalID, tour.Location, cast.ToString(tour.Record["description"])}
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), keyword) {
			return true
		}
	}
	return false
}

func periodMatches(p SearchPeriod, req SearchRequest) bool {
	if req.DateFrom != nil && p.StartDate.Before(*req.DateFrom) {
		return false
	}
	if req.DateTo != nil && p.StartDate.After(*req.DateTo) {
		return false
	}
	if req.PriceMin != nil || req.PriceMax != nil {
		if p.PriceAdult == nil {
			return false
		}
		if req.PriceMin != nil && *p.PriceAdult < *req.PriceMin {
			return false
		}
		if req.PriceMax != nil && *p.PriceAdult > *req.PriceMax {
			return false
		}
	}
	if req.MinSeats > 0 && (p.Available == nil || *p.Available < req.MinSeats) {
		return false
	}
	return true
}

// sortSearchTours 排序，缺少排序值的线路始终排在最后
func sortSearchTours(tours []SearchTour, sortBy, order string) {
	if sortBy == "" {
		return
	}
	desc := order == "desc"

	sort.SliceStable(tours, func(i, j int) bool {
		a, b := tours[i], tours[j]
		switch sortBy {
		case SearchSortPrice:
			if a.LowestPrice == nil || b.LowestPrice == nil {
				return a.LowestPrice != nil && b.LowestPrice == nil
			}
			if desc {
				return *a.LowestPrice > *b.LowestPrice
			}
			return *a.LowestPrice < *b.LowestPrice
		case SearchSortDeparture:
			if a.EarliestDeparture == nil || b.EarliestDeparture == nil {
				return a.EarliestDeparture != nil && b.EarliestDeparture == nil
			}
			if desc {
				return a.EarliestDeparture.After(*b.EarliestDeparture)
			}
			return a.EarliestDeparture.Before(*b.EarliestDeparture)
		case SearchSortCode:
			return compareStrings(a.TourCode, b.TourCode, desc)
		default:
			return compareStrings(a.Title, b.Title, desc)
		}
	})
}

func compareStrings(a, b string, desc bool) bool {
	if a == "" || b == "" {
		return a != "" && b == ""
	}
	if desc {
		return strings.ToLower(a) > strings.ToLower(b)
	}
	return strings.ToLower(a) < strings.ToLower(b)
}
