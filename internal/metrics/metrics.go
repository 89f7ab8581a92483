package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Метрики сервиса. Счётчики инкрементируются всегда, в реестр попадают после Register.
var (
	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pillcloud_heartbeats_total",
			Help: "Device heartbeats by result",
		},
		[]string{"result"},
	)

	CommandsDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pillcloud_commands_delivered_total",
			Help: "Actions handed to devices by kind",
		},
		[]string{"kind"},
	)

	OfflineTransitionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pillcloud_offline_transitions_total",
			Help: "Devices demoted to offline by the watchdog",
		},
	)

	WatchdogSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pillcloud_watchdog_sweep_duration_seconds",
			Help:    "Duration of one offline sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	FirmwareUploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pillcloud_firmware_uploads_total",
			Help: "Firmware uploads by result",
		},
		[]string{"result"},
	)

	NotificationFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pillcloud_notification_failures_total",
			Help: "Notifications that could not be delivered",
		},
	)

	BusMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pillcloud_bus_messages_total",
			Help: "Pub/sub messages by subject kind and result",
		},
		[]string{"kind", "result"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pillcloud_http_requests_total",
			Help: "HTTP requests by route, method and status",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pillcloud_http_request_duration_seconds",
			Help:    "HTTP request duration by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
)

var once sync.Once

// Register регистрирует метрики в default registry (повторный вызов ничего не делает).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			HeartbeatsTotal,
			CommandsDeliveredTotal,
			OfflineTransitionsTotal,
			WatchdogSweepDuration,
			FirmwareUploadsTotal,
			NotificationFailuresTotal,
			BusMessagesTotal,
			HTTPRequestsTotal,
			HTTPRequestDuration,
		)
	})
}
