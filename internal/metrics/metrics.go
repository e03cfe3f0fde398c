package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InferencesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aicore_inferences_total",
		Help: "The total number of inference submissions by outcome",
	}, []string{"status"})

	InferenceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aicore_inference_duration_ms",
		Help:    "Duration of inference execution in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 16), // 0.1ms to ~3.2s
	})

	TransferDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aicore_dma_transfer_duration_ms",
		Help:    "Duration of DMA transfers in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
	})

	BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aicore_dma_bytes_total",
		Help: "Total bytes moved by the transfer engine",
	}, []string{"direction"})

	MemoryUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aicore_device_memory_used_bytes",
		Help: "Device memory currently debited from the budget",
	})

	ChannelsBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aicore_dma_channels_busy",
		Help: "DMA channels currently occupied by a transfer",
	})

	PowerMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aicore_power_mode",
		Help: "Currently configured power mode (0=default .. 4=max)",
	})
)
