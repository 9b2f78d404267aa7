package process

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/simplesurance/sequentor/internal/logfields"
)

const metricNamespace = "sequentor"

const (
	processedPRsMetricName  = "processed_prs_total"
	queuedPRCountMetricName = "queued_prs_count"
)

const (
	repositoryLabel = "repository"
	outcomeLabel    = "outcome"
)

type metricCollector struct {
	logger       *zap.Logger
	processedPRs *prometheus.CounterVec
	queueSize    *prometheus.GaugeVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		processedPRs: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      processedPRsMetricName,
				Help:      "count of processed pull requests per terminal outcome",
			},
			[]string{repositoryLabel, outcomeLabel},
		),
		queueSize: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      queuedPRCountMetricName,
				Help:      "count of pull requests waiting in the merge queue",
			},
			[]string{repositoryLabel},
		),
	}
}

func (m *metricCollector) logGetMetricFailed(metricName string, err error) {
	m.logger.Warn(
		"could not record metric",
		zap.String("metric", metricName),
		logfields.Event("recording_metric_failed"),
		zap.Error(err),
	)
}

func repositoryLabelVal(owner, repo string) string {
	return fmt.Sprintf("%s/%s", owner, repo)
}

func (m *metricCollector) ProcessedPRsInc(owner, repo string, outcome Outcome) {
	cnt, err := m.processedPRs.GetMetricWith(prometheus.Labels{
		repositoryLabel: repositoryLabelVal(owner, repo),
		outcomeLabel:    string(outcome),
	})
	if err != nil {
		m.logGetMetricFailed(processedPRsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) QueueSizeSet(owner, repo string, size int) {
	gauge, err := m.queueSize.GetMetricWith(prometheus.Labels{
		repositoryLabel: repositoryLabelVal(owner, repo),
	})
	if err != nil {
		m.logGetMetricFailed(queuedPRCountMetricName, err)
		return
	}

	gauge.Set(float64(size))
}
