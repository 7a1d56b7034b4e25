package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// SyncRunsTotal 同步运行次数（按批发商、类型、最终状态）
	SyncRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tourapi",
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Number of finished sync runs.",
		},
		[]string{"wholesaler", "sync_type", "status"},
	)

	// SyncItemsTotal 同步处理的条目数（按实体与结果）
	SyncItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tourapi",
			Subsystem: "sync",
			Name:      "items_total",
			Help:      "Number of tours/periods processed by sync, by outcome.",
		},
		[]string{"wholesaler", "entity", "outcome"},
	)

	// SyncRunDuration 同步耗时
	SyncRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tourapi",
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Duration of sync runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"wholesaler", "sync_type"},
	)

	// SearchSourceDuration 联合搜索各数据源耗时
	SearchSourceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tourapi",
			Subsystem: "search",
			Name:      "source_duration_seconds",
			Help:      "Latency of one wholesaler source during federated search.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"wholesaler", "outcome"},
	)

	// HTTPRequestDuration 管理接口请求耗时
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tourapi",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency of operator API requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	prometheus.MustRegister(SyncRunsTotal, SyncItemsTotal, SyncRunDuration, SearchSourceDuration, HTTPRequestDuration)
}
