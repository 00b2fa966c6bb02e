package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"brokerdesk/backend/internal/domain"
	"brokerdesk/backend/internal/scan"
)

const namespace = "brokerdesk"

// Metrics 监控指标
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	PanicsTotal         prometheus.Counter

	// 扫描指标
	ScanMessagesTotal    *prometheus.CounterVec
	ScanAttachmentsSaved prometheus.Counter
	ScanAttachmentBytes  prometheus.Histogram
	ScanDuplicates       prometheus.Counter
	ScanJobsFinished     *prometheus.CounterVec
	ScanJobDuration      prometheus.Histogram

	// 外发队列指标
	OutboundResults *prometheus.CounterVec
}

// NewMetrics 在独立的注册表上创建全部指标，并附带 Go 运行时与进程采集器
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		PanicsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panics_total",
			Help:      "Total number of recovered panics in HTTP handlers",
		}),

		ScanMessagesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scan",
				Name:      "messages_total",
				Help:      "Messages inspected by scan jobs, by outcome",
			},
			[]string{"outcome"},
		),
		ScanAttachmentsSaved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "attachments_saved_total",
			Help:      "PDF attachments written to storage",
		}),
		ScanAttachmentBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "attachment_size_bytes",
			Help:      "Size of saved PDF attachments",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		ScanDuplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "duplicate_attachments_total",
			Help:      "Attachments skipped because identical content was already saved in the same job",
		}),
		ScanJobsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scan",
				Name:      "jobs_finished_total",
				Help:      "Scan jobs that reached a terminal status",
			},
			[]string{"status"},
		),
		ScanJobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of scan jobs",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),

		OutboundResults: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "outbound",
				Name:      "results_total",
				Help:      "Outbound queue entries by resulting status",
			},
			[]string{"status"},
		),
	}
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterGauge 注册一个在采集时计算的指标，例如运行中的任务数或连接池大小
func (m *Metrics) RegisterGauge(subsystem, name, help string, fn func() float64) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// MessageProcessed 实现 scan.Recorder
func (m *Metrics) MessageProcessed(outcome scan.Outcome) {
	m.ScanMessagesTotal.WithLabelValues(string(outcome)).Inc()
}

// AttachmentSaved 实现 scan.Recorder
func (m *Metrics) AttachmentSaved(size int64) {
	m.ScanAttachmentsSaved.Inc()
	m.ScanAttachmentBytes.Observe(float64(size))
}

// DuplicateAttachment 实现 scan.Recorder
func (m *Metrics) DuplicateAttachment() {
	m.ScanDuplicates.Inc()
}

// JobFinished 实现 scan.Recorder
func (m *Metrics) JobFinished(status domain.ScanStatus, elapsed time.Duration) {
	m.ScanJobsFinished.WithLabelValues(string(status)).Inc()
	m.ScanJobDuration.Observe(elapsed.Seconds())
}

// OutboundResult 实现 outbound.Recorder
func (m *Metrics) OutboundResult(status domain.OutboundStatus) {
	m.OutboundResults.WithLabelValues(string(status)).Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
