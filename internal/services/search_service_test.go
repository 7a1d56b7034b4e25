package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"tourapi/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *memoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.data[key]
	return value, ok, nil
}

func (c *memoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

type searchFixture struct {
	service  *SearchService
	adapters map[string]*fakeAdapter
	ids      map[string]uint
}

func searchTour(id, name, country string, periods ...map[string]interface{}) map[string]interface{} {
	raw := rawTour(id, name, periods...)
	raw["country"] = country
	return raw
}

func newSearchFixture(t *testing.T, cache SearchCache) *searchFixture {
	t.Helper()
	db := newTestDB(t)
	f := &searchFixture{adapters: make(map[string]*fakeAdapter), ids: make(map[string]uint)}
	provider := &fakeProvider{adapters: make(map[uint]SourceAdapter)}

	for _, code := range []string{"W1", "W2", "W3"} {
		wholesaler := createWholesaler(t, db, code, nil)
		createRules(t, db, wholesaler.ID, append(standardRules(), rule(models.SectionTour, "country", "country"))...)
		adapter := newFakeAdapter()
		provider.adapters[wholesaler.ID] = adapter
		f.adapters[code] = adapter
		f.ids[code] = wholesaler.ID
	}

	f.adapters["W1"].pages[""] = ToursResult{Success: true, Tours: []map[string]interface{}{
		searchTour("A", "Tokyo Winter", "JP",
			rawPeriod("A1", "2030-01-10", 10, 2, 20000, 0),
			rawPeriod("A2", "2030-03-01", 10, 10, 15000, 0)),
		searchTour("B", "Seoul Lights", "KR",
			rawPeriod("B1", "2030-02-01", 10, 0, 12000, 0)),
	}}
	f.adapters["W2"].pages[""] = ToursResult{Success: true, Tours: []map[string]interface{}{
		searchTour("C", "Osaka Food", "Japan",
			rawPeriod("C1", "2030-02-15", 5, 0, 18000, 0)),
		{"name": "no external id"},
	}}
	f.adapters["W3"].pages[""] = ToursResult{Success: false, ErrorCode: AdapterErrTimeout, ErrorMessage: "upstream timeout"}

	countries := &fakeLookup{aliases: map[string][]string{
		"countries:Japan": {"JP", "Japan", "ญี่ปุ่น"},
	}}
	f.service = NewSearchService(db, provider, countries, cache, SearchOptions{CacheTTL: time.Minute})
	return f
}

func tourIDs(tours []SearchTour) []string {
	ids := make([]string, 0, len(tours))
	for _, tour := range tours {
		ids = append(ids, tour.ExternalID)
	}
	return ids
}

func TestSearchMergesSourcesAndReportsErrors(t *testing.T) {
	f := newSearchFixture(t, nil)

	result, err := f.service.Search(context.Background(), SearchRequest{SortBy: SearchSortPrice})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Sources)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, []string{"B", "A", "C"}, tourIDs(result.Tours))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "W3", result.Errors[0].WholesalerCode)
	assert.Contains(t, result.Errors[0].Message, "upstream timeout")

	a := result.Tours[1]
	assert.Equal(t, "W1", a.WholesalerCode)
	assert.Equal(t, "Tokyo Winter", a.Title)
	require.Len(t, a.Periods, 2)
	require.NotNil(t, a.LowestPrice)
	assert.InDelta(t, 15000, *a.LowestPrice, 0.001)
	require.NotNil(t, a.EarliestDeparture)
	assert.True(t, a.EarliestDeparture.Equal(date("2030-01-10")))
	assert.Equal(t, models.PeriodStatusSoldOut, a.Periods[1].Status)
	assert.NotContains(t, a.Record, RawKey)
}

func TestSearchCountryUsesAliases(t *testing.T) {
	f := newSearchFixture(t, nil)

	result, err := f.service.Search(context.Background(), SearchRequest{Country: "Japan", SortBy: SearchSortDeparture})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, tourIDs(result.Tours))
}

func TestSearchPeriodFiltersPruneDepartures(t *testing.T) {
	f := newSearchFixture(t, nil)
	ctx := context.Background()

	result, err := f.service.Search(ctx, SearchRequest{MinSeats: 5, SortBy: SearchSortPrice, SortOrder: "desc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C", "B"}, tourIDs(result.Tours))
	require.Len(t, result.Tours[0].Periods, 1)
	assert.Equal(t, "A1", result.Tours[0].Periods[0].ExternalID)
	assert.InDelta(t, 20000, *result.Tours[0].LowestPrice, 0.001)

	result, err = f.service.Search(ctx, SearchRequest{PriceMin: ptrFloat(13000), PriceMax: ptrFloat(16000)})
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, tourIDs(result.Tours))
	assert.Equal(t, "A2", result.Tours[0].Periods[0].ExternalID)

	from, to := date("2030-02-01"), date("2030-02-28")
	result, err = f.service.Search(ctx, SearchRequest{DateFrom: &from, DateTo: &to, SortBy: SearchSortCode})
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, tourIDs(result.Tours))
}

func TestSearchKeywordLimitAndWholesalerFilter(t *testing.T) {
	f := newSearchFixture(t, nil)
	ctx := context.Background()

	result, err := f.service.Search(ctx, SearchRequest{Keyword: "seoul"})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, tourIDs(result.Tours))

	result, err = f.service.Search(ctx, SearchRequest{SortBy: SearchSortTitle, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, []string{"C"}, tourIDs(result.Tours))

	result, err = f.service.Search(ctx, SearchRequest{WholesalerIDs: []uint{f.ids["W2"]}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sources)
	assert.Empty(t, result.Errors)
	assert.Equal(t, []string{"C"}, tourIDs(result.Tours))
}

func TestSearchCachesSourcePayload(t *testing.T) {
	cache := &memoryCache{data: make(map[string][]byte)}
	f := newSearchFixture(t, cache)
	ctx := context.Background()

	first, err := f.service.Search(ctx, SearchRequest{})
	require.NoError(t, err)
	second, err := f.service.Search(ctx, SearchRequest{})
	require.NoError(t, err)

	assert.Equal(t, tourIDs(first.Tours), tourIDs(second.Tours))
	assert.Len(t, f.adapters["W1"].requests, 1)
	assert.Len(t, f.adapters["W2"].requests, 1)
	// 失败结果不缓存
	assert.Len(t, f.adapters["W3"].requests, 2)
	assert.Len(t, cache.data, 2)
}

func TestSortSearchToursKeepsMissingValuesLast(t *testing.T) {
	tours := []SearchTour{
		{ExternalID: "none"},
		{ExternalID: "cheap", LowestPrice: ptrFloat(100)},
		{ExternalID: "dear", LowestPrice: ptrFloat(900)},
	}
	sortSearchTours(tours, SearchSortPrice, "desc")
	assert.Equal(t, []string{"dear", "cheap", "none"}, tourIDs(tours))

	sortSearchTours(tours, SearchSortPrice, "asc")
	assert.Equal(t, []string{"cheap", "dear", "none"}, tourIDs(tours))
}
