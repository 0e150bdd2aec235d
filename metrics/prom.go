package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SecretsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vanish_secrets_created_total",
		Help: "no. of secrets created",
	})
	ConsumeOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vanish_consume_total",
			Help: "no. of successful consumes by lifecycle outcome",
		},
		[]string{"outcome"},
	)
	Burns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vanish_burns_total",
		Help: "no. of secrets destroyed by explicit burn",
	})
	WrongPasswords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vanish_wrong_password_total",
		Help: "no. of consume attempts rejected for a wrong password",
	})
	ReaperCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vanish_reaper_cycles_total",
		Help: "no. of expiration reaper cycles",
	})
	ReaperDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vanish_reaper_deleted_total",
		Help: "no. of expired secrets removed by the reaper",
	})
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vanish_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"scope"},
	)
	SealOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vanish_seal_operations_total",
			Help: "no. of at-rest seal/open operations",
		},
		[]string{"operation"},
	)
	DEKCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vanish_dek_cache_hits_total",
		Help: "no. of unwrapped data key cache hits",
	})
	DEKCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vanish_dek_cache_misses_total",
		Help: "no. of unwrapped data key cache misses",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vanish_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vanish_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)
