package source

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var acquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "platecam",
	Name:      "camera_acquisitions_total",
	Help:      "Camera open attempts by facing and result.",
}, []string{"facing", "result"})
