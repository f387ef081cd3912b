// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stack

import (
	"io"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/memp"
)

// MetricsPrefix is prepended to every exported metric name.
const MetricsPrefix = "ipstack_"

func gauge(v float64, labels ...*dto.LabelPair) *dto.Metric {
	return &dto.Metric{
		Label: labels,
		Gauge: &dto.Gauge{Value: proto.Float64(v)},
	}
}

func label(name, value string) *dto.LabelPair {
	return &dto.LabelPair{Name: proto.String(name), Value: proto.String(value)}
}

// MetricFamilies returns the stack counters and allocator usage as
// Prometheus metric families. Every counter is exported as
// ipstack_<group>_<name>_total; pool and heap usage are gauges.
//
// It must be called with the core lock held, e.g. inside Do.
func (s *Stack) MetricFamilies() []*dto.MetricFamily {
	var mfs []*dto.MetricFamily
	s.stats.Walk(func(name string, c *tcpip.StatCounter) {
		mfs = append(mfs, &dto.MetricFamily{
			Name: proto.String(MetricsPrefix + name + "_total"),
			Help: proto.String(strings.ReplaceAll(name, "_", " ")),
			Type: dto.MetricType_COUNTER.Enum(),
			Metric: []*dto.Metric{{
				Counter: &dto.Counter{Value: proto.Float64(float64(c.Value()))},
			}},
		})
	})

	pools := []*dto.MetricFamily{
		{Name: proto.String(MetricsPrefix + "pool_used"), Help: proto.String("Pool elements in use."), Type: dto.MetricType_GAUGE.Enum()},
		{Name: proto.String(MetricsPrefix + "pool_available"), Help: proto.String("Pool capacity."), Type: dto.MetricType_GAUGE.Enum()},
		{Name: proto.String(MetricsPrefix + "pool_max_used"), Help: proto.String("Pool high water mark."), Type: dto.MetricType_GAUGE.Enum()},
	}
	for t := memp.Type(0); t < memp.NumTypes; t++ {
		u := s.pools.Usage(t)
		l := label("pool", t.String())
		pools[0].Metric = append(pools[0].Metric, gauge(float64(u.Used), l))
		pools[1].Metric = append(pools[1].Metric, gauge(float64(u.Avail), l))
		pools[2].Metric = append(pools[2].Metric, gauge(float64(u.Max), l))
	}
	mfs = append(mfs, pools...)

	hu := s.heap.Usage()
	for _, g := range []struct {
		name, help string
		v          int
	}{
		{"heap_size_bytes", "Heap arena size.", hu.Size},
		{"heap_used_bytes", "Heap bytes in use, including block headers.", hu.Used},
		{"heap_max_used_bytes", "Heap high water mark.", hu.MaxUsed},
		{"timeouts_pending", "Scheduled timeouts.", s.timeouts.Len()},
	} {
		mfs = append(mfs, &dto.MetricFamily{
			Name:   proto.String(MetricsPrefix + g.name),
			Help:   proto.String(g.help),
			Type:   dto.MetricType_GAUGE.Enum(),
			Metric: []*dto.Metric{gauge(float64(g.v))},
		})
	}
	return mfs
}

// WriteMetrics writes MetricFamilies to w in the Prometheus text
// exposition format. It takes the core lock.
func (s *Stack) WriteMetrics(w io.Writer) error {
	s.mu.Lock()
	mfs := s.MetricFamilies()
	s.mu.Unlock()
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
