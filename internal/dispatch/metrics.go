package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_time_seconds",
		Help:    "Time spent building and notifying the candidate set for a booking.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_notifications_total",
		Help: "Total booking.new notifications grouped by outcome.",
	}, []string{"result"})
)
