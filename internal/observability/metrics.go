package observability

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons reported on dbgbridge_dropped_bytes_total.
const (
	DropUnknownTag    = "unknown_tag"
	DropInvalidLength = "invalid_length"
	DropOverflow      = "overflow"
	DropReadError     = "read_error"
)

var (
	registerOnce sync.Once

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dbgbridge",
			Name:      "frames_total",
			Help:      "Frames extracted from the serial stream.",
		},
		[]string{"category"},
	)
	frameBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dbgbridge",
			Name:      "frame_bytes_total",
			Help:      "Wire bytes consumed by extracted frames.",
		},
		[]string{"category"},
	)
	droppedBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dbgbridge",
			Name:      "dropped_bytes_total",
			Help:      "Buffered bytes discarded during resync.",
		},
		[]string{"reason"},
	)
	clientsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dbgbridge",
			Name:      "clients",
			Help:      "Currently connected broadcast clients.",
		},
		[]string{"channel"},
	)
	clientDisconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dbgbridge",
			Name:      "client_disconnects_total",
			Help:      "Broadcast clients dropped after a failed write or shutdown.",
		},
		[]string{"channel"},
	)
	serialReadErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dbgbridge",
			Subsystem: "serial",
			Name:      "read_errors_total",
			Help:      "Serial read errors.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesTotal,
			frameBytesTotal,
			droppedBytesTotal,
			clientsGauge,
			clientDisconnects,
			serialReadErrors,
		)
	})
}

func RecordFrame(category string, wireBytes int) {
	RegisterMetrics()
	framesTotal.WithLabelValues(category).Inc()
	frameBytesTotal.WithLabelValues(category).Add(float64(wireBytes))
}

func RecordDropped(reason string, n int) {
	RegisterMetrics()
	if n <= 0 {
		return
	}
	droppedBytesTotal.WithLabelValues(reason).Add(float64(n))
}

func SetClients(channel string, n int) {
	RegisterMetrics()
	clientsGauge.WithLabelValues(channel).Set(float64(n))
}

func RecordClientDisconnect(channel string) {
	RegisterMetrics()
	clientDisconnects.WithLabelValues(channel).Inc()
}

func RecordSerialReadError() {
	RegisterMetrics()
	serialReadErrors.Inc()
}

// ServeMetrics exposes /metrics on addr until ctx is done.
func ServeMetrics(ctx context.Context, addr string) error {
	RegisterMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
