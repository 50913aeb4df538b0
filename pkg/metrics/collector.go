package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pzhenzhou/shardconn/pkg/common"

	"github.com/gin-gonic/gin"
	gometrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-metrics/prometheus"
)

type ExposeMetricSink string

const (
	InMemorySink    ExposeMetricSink = "in-memory"
	PrometheusSink  ExposeMetricSink = "prometheus"
	AllMetricsSink  ExposeMetricSink = "all"
	ExposeMetricURL                  = "/metrics"
)

var (
	logger = common.InitLogger().WithName("shardconn-metrics")

	instance      ConnectionMetricsCollector
	collectorOnce sync.Once
)

// labelPool is a simple object pool for label slices to reduce allocations.
type labelPool struct {
	pool sync.Pool
}

func newLabelPool() *labelPool {
	return &labelPool{
		pool: sync.Pool{
			New: func() interface{} {
				slice := make([]gometrics.Label, 0, 3)
				return &slice
			},
		},
	}
}

func (p *labelPool) get() []gometrics.Label {
	slicePtr := p.pool.Get().(*[]gometrics.Label)
	*slicePtr = (*slicePtr)[:0]
	return *slicePtr
}

func (p *labelPool) put(labels []gometrics.Label) {
	p.pool.Put(&labels)
}

// ConnectionMetricsCollector is the metrics surface for a backendconn
// ClientBehavior: state transitions, backpressure delays, timeouts and
// queue depth, rather than a proxy's per-command counters. Grounded on
// be_cluster/metrics's ProxyMetricsCollector interface shape.
type ConnectionMetricsCollector interface {
	RecordStateTransition(cookie, fromState, toState string)
	RecordThrottleDelay(cookie string, delay time.Duration)
	RecordTimeout(cookie, kind string)
	RecordQueueDepth(cookie string, pending, inflight int)
	IncrementActiveConnections()
	DecrementActiveConnections()
	Shutdown()
	Handler() gin.HandlerFunc
}

type Config struct {
	ServiceName         string
	AggregationInterval time.Duration
	RetentionPeriod     time.Duration
	ExposeSink          ExposeMetricSink
	MetricsEndpoint     string
}

func NewPrometheusConfig(serviceName string) *Config {
	config := DefaultConfig()
	config.ServiceName = serviceName
	config.ExposeSink = PrometheusSink
	return config
}

func NewInMemoryConfig(serviceName string) *Config {
	config := DefaultConfig()
	config.ServiceName = serviceName
	config.ExposeSink = InMemorySink
	return config
}

func DefaultConfig() *Config {
	return &Config{
		AggregationInterval: 5 * time.Second,
		RetentionPeriod:     10 * time.Minute,
		MetricsEndpoint:     ExposeMetricURL,
		ExposeSink:          InMemorySink,
	}
}

func newPrometheusSink() (*prometheus.PrometheusSink, error) {
	return prometheus.NewPrometheusSink()
}

func newInMemSink(config *Config) *gometrics.InmemSink {
	return gometrics.NewInmemSink(config.AggregationInterval, config.RetentionPeriod)
}

// NewMetricsCollector creates the process-wide metrics collector; repeated
// calls return the same instance (hashicorp/go-metrics registers a package
// global, so there can only be one).
func NewMetricsCollector(config *Config) (ConnectionMetricsCollector, error) {
	var initErr error
	collectorOnce.Do(func() {
		if config == nil {
			config = DefaultConfig()
		}
		metricsConf := gometrics.DefaultConfig(config.ServiceName)
		sink := &fanoutSink{sinks: make([]gometrics.MetricSink, 0)}
		var inm *gometrics.InmemSink
		var promSink *prometheus.PrometheusSink
		var err error
		switch config.ExposeSink {
		case InMemorySink:
			inm = newInMemSink(config)
			sink.sinks = append(sink.sinks, inm)
		case PrometheusSink:
			promSink, err = newPrometheusSink()
			if err != nil {
				initErr = err
				return
			}
			sink.sinks = append(sink.sinks, promSink)
		case AllMetricsSink:
			inm = newInMemSink(config)
			promSink, err = newPrometheusSink()
			if err != nil {
				initErr = err
				return
			}
			sink.sinks = append(sink.sinks, inm, promSink)
		}

		metricsImpl, err := gometrics.New(metricsConf, sink)
		if err != nil {
			initErr = err
			return
		}
		instance = &connMetricsCollector{
			metrics:         metricsImpl,
			inm:             inm,
			promSink:        promSink,
			exposeSink:      config.ExposeSink,
			metricsEndpoint: config.MetricsEndpoint,
			serviceLabel:    gometrics.Label{Name: "service", Value: config.ServiceName},
			cookieLabel:     "cookie",
			labelPool:       newLabelPool(),
		}

		logger.Info("metrics collector initialized",
			"serviceName", config.ServiceName,
			"sink", config.ExposeSink,
			"endpoint", config.MetricsEndpoint)
	})
	return instance, initErr
}

type connMetricsCollector struct {
	metrics         *gometrics.Metrics
	inm             *gometrics.InmemSink
	promSink        *prometheus.PrometheusSink
	exposeSink      ExposeMetricSink
	metricsEndpoint string

	serviceLabel gometrics.Label
	cookieLabel  string
	labelPool    *labelPool
}

func (h *connMetricsCollector) RecordStateTransition(cookie, fromState, toState string) {
	labels := h.labelPool.get()
	labels = append(labels, h.serviceLabel,
		gometrics.Label{Name: h.cookieLabel, Value: cookie},
		gometrics.Label{Name: "from", Value: fromState},
		gometrics.Label{Name: "to", Value: toState})
	h.metrics.IncrCounterWithLabels([]string{"connection", "state_transition"}, 1, labels)
	h.labelPool.put(labels)
}

func (h *connMetricsCollector) RecordThrottleDelay(cookie string, delay time.Duration) {
	labels := h.labelPool.get()
	labels = append(labels, h.serviceLabel, gometrics.Label{Name: h.cookieLabel, Value: cookie})
	h.metrics.AddSampleWithLabels([]string{"connection", "throttle_delay_micros"}, float32(delay.Microseconds()), labels)
	h.labelPool.put(labels)
}

func (h *connMetricsCollector) RecordTimeout(cookie, kind string) {
	labels := h.labelPool.get()
	labels = append(labels, h.serviceLabel,
		gometrics.Label{Name: h.cookieLabel, Value: cookie},
		gometrics.Label{Name: "kind", Value: kind})
	h.metrics.IncrCounterWithLabels([]string{"connection", "timeout"}, 1, labels)
	h.labelPool.put(labels)
}

func (h *connMetricsCollector) RecordQueueDepth(cookie string, pending, inflight int) {
	labels := h.labelPool.get()
	labels = append(labels, h.serviceLabel, gometrics.Label{Name: h.cookieLabel, Value: cookie})
	h.metrics.SetGaugeWithLabels([]string{"connection", "queue_pending"}, float32(pending), labels)
	h.metrics.SetGaugeWithLabels([]string{"connection", "queue_inflight"}, float32(inflight), labels)
	h.labelPool.put(labels)
}

func (h *connMetricsCollector) IncrementActiveConnections() {
	labels := h.labelPool.get()
	labels = append(labels, h.serviceLabel)
	h.metrics.IncrCounterWithLabels([]string{"connections", "active"}, 1, labels)
	h.labelPool.put(labels)
}

func (h *connMetricsCollector) DecrementActiveConnections() {
	labels := h.labelPool.get()
	labels = append(labels, h.serviceLabel)
	h.metrics.IncrCounterWithLabels([]string{"connections", "active"}, -1, labels)
	h.labelPool.put(labels)
}

func (h *connMetricsCollector) CollectorHandler() http.Handler {
	switch h.exposeSink {
	case PrometheusSink, AllMetricsSink:
		return promHandler()
	case InMemorySink:
		return h.inMemoryHandler()
	default:
		return http.NotFoundHandler()
	}
}

func (h *connMetricsCollector) inMemoryHandler() http.Handler {
	if h.inm == nil {
		logger.Error(nil, "in-memory sink is nil, cannot serve metrics")
		return http.NotFoundHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		data, err := h.inm.DisplayMetrics(w, r)
		if err != nil {
			logger.Error(err, "failed to display metrics")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if data == nil {
			w.Write([]byte("{}"))
			return
		}
		jsonData, err := json.Marshal(data)
		if err != nil {
			logger.Error(err, "failed to marshal metrics data")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write(jsonData)
	})
}

// fanoutSink implements gometrics.MetricSink by replaying every call onto
// each configured sink. connMetricsCollector only ever calls the
// *WithLabels trio (every Record* method attaches at least a service
// label); the unlabeled variants are here solely to satisfy the interface
// and are no-ops rather than dead fan-out loops.
type fanoutSink struct {
	sinks []gometrics.MetricSink
}

func (f *fanoutSink) SetGauge(_ []string, _ float32) {}

func (f *fanoutSink) SetGaugeWithLabels(key []string, val float32, labels []gometrics.Label) {
	for _, s := range f.sinks {
		s.SetGaugeWithLabels(key, val, labels)
	}
}

func (f *fanoutSink) EmitKey(_ []string, _ float32) {}

func (f *fanoutSink) IncrCounter(_ []string, _ float32) {}

func (f *fanoutSink) IncrCounterWithLabels(key []string, val float32, labels []gometrics.Label) {
	for _, s := range f.sinks {
		s.IncrCounterWithLabels(key, val, labels)
	}
}

func (f *fanoutSink) AddSample(_ []string, _ float32) {}

func (f *fanoutSink) AddSampleWithLabels(key []string, val float32, labels []gometrics.Label) {
	for _, s := range f.sinks {
		s.AddSampleWithLabels(key, val, labels)
	}
}

func promHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.DefaultServeMux.ServeHTTP(w, r)
	})
}

func (h *connMetricsCollector) Shutdown() {}

func (h *connMetricsCollector) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.CollectorHandler().ServeHTTP(c.Writer, c.Request)
	}
}
