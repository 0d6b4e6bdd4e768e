package metrics

import (
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// CounterSample is one labelled counter value.
type CounterSample struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// SnapshotCounters gathers every counter family whose name starts with prefix.
func SnapshotCounters(gatherer prometheus.Gatherer, prefix string) ([]CounterSample, error) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	families, err := gatherer.Gather()
	if err != nil {
		return nil, err
	}
	var out []CounterSample
	for _, family := range families {
		if family.GetType() != dto.MetricType_COUNTER || !strings.HasPrefix(family.GetName(), prefix) {
			continue
		}
		for _, metric := range family.GetMetric() {
			out = append(out, CounterSample{
				Name:   family.GetName(),
				Labels: labelMap(metric),
				Value:  metric.GetCounter().GetValue(),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func labelMap(metric *dto.Metric) map[string]string {
	if len(metric.GetLabel()) == 0 {
		return nil
	}
	labels := make(map[string]string, len(metric.GetLabel()))
	for _, pair := range metric.GetLabel() {
		labels[pair.GetName()] = pair.GetValue()
	}
	return labels
}
