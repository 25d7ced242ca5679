package metrics

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"
)

// Sample is a single gathered metric value.
type Sample struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// String returns the sample in the prometheus text exposition style.
func (s Sample) String() string {
	if len(s.Labels) == 0 {
		return s.Name
	}

	keys := make([]string, 0, len(s.Labels))
	for k := range s.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"=\""+s.Labels[k]+"\"")
	}

	return s.Name + "{" + strings.Join(pairs, ",") + "}"
}

// Gather collects the metrics of g and flattens them into samples in
// family order.
func Gather(g prometheus.Gatherer) ([]Sample, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, errors.Wrap(err, "failed to gather metrics")
	}

	var samples []Sample
	for _, f := range families {
		for _, m := range f.GetMetric() {
			samples = append(samples, Sample{
				Name:   f.GetName(),
				Labels: labels(m),
				Value:  value(f.GetType(), m),
			})
		}
	}

	return samples, nil
}

// Find returns the value of the first sample with the given name whose
// labels include every supplied pair.
func Find(samples []Sample, name string, labels map[string]string) (float64, bool) {
next:
	for _, s := range samples {
		if s.Name != name {
			continue
		}
		for k, v := range labels {
			if s.Labels[k] != v {
				continue next
			}
		}
		return s.Value, true
	}

	return 0, false
}

func labels(m *model.Metric) map[string]string {
	out := make(map[string]string, len(m.GetLabel()))
	for _, l := range m.GetLabel() {
		out[l.GetName()] = l.GetValue()
	}

	return out
}

func value(t model.MetricType, m *model.Metric) float64 {
	switch t {
	case model.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case model.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	case model.MetricType_UNTYPED:
		return m.GetUntyped().GetValue()
	case model.MetricType_SUMMARY:
		return m.GetSummary().GetSampleSum()
	case model.MetricType_HISTOGRAM:
		return m.GetHistogram().GetSampleSum()
	}

	return 0
}
