package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Searches           *prometheus.CounterVec
	ProviderCalls      prometheus.Counter
	ProviderCallErrors prometheus.Counter
	QuotaRejections    prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			Searches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "seekvault",
				Name:      "searches_total",
				Help:      "Total search submissions by strategy",
			}, []string{"strategy"}),
			ProviderCalls: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "seekvault",
				Name:      "provider_calls_total",
				Help:      "Total upstream provider calls attempted",
			}),
			ProviderCallErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "seekvault",
				Name:      "provider_call_errors_total",
				Help:      "Total upstream provider calls that failed",
			}),
			QuotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "seekvault",
				Name:      "quota_rejections_total",
				Help:      "Total submissions rejected with every quota exhausted",
			}),
		}
		prometheus.MustRegister(global.Searches, global.ProviderCalls, global.ProviderCallErrors, global.QuotaRejections)
	})
	return global
}
