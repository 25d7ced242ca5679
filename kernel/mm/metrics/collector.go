// Package metrics exports the state of the memory manager as prometheus
// metrics: buddy free areas, slab cache occupancy and address space
// activity.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/pmm"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/slab"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/vmm"
)

const (
	descFreeBlocks = iota
	descFreeFrames
	descTotalFrames
	descZones
	descSlabs
	descObjectsInUse
	descObjectsTotal
	descSlabGrows
	descSegments
	descFaults
)

var (
	descriptors = []*prometheus.Desc{
		descFreeBlocks: prometheus.NewDesc(
			"memory_buddy_free_blocks",
			"Number of free blocks on the buddy free list of an order.",
			[]string{
				"order",
			},
			nil,
		),
		descFreeFrames: prometheus.NewDesc(
			"memory_buddy_free_frames",
			"Number of free physical frames.",
			nil,
			nil,
		),
		descTotalFrames: prometheus.NewDesc(
			"memory_buddy_frames",
			"Number of physical frames described by the frame table.",
			nil,
			nil,
		),
		descZones: prometheus.NewDesc(
			"memory_buddy_zones",
			"Number of buddy allocator zones.",
			nil,
			nil,
		),
		descSlabs: prometheus.NewDesc(
			"memory_slab_slabs",
			"Number of slabs of an object cache by state.",
			[]string{
				"cache",
				"state",
			},
			nil,
		),
		descObjectsInUse: prometheus.NewDesc(
			"memory_slab_objects_in_use",
			"Number of allocated objects of an object cache.",
			[]string{
				"cache",
			},
			nil,
		),
		descObjectsTotal: prometheus.NewDesc(
			"memory_slab_objects",
			"Number of object slots of an object cache.",
			[]string{
				"cache",
			},
			nil,
		),
		descSlabGrows: prometheus.NewDesc(
			"memory_slab_grows_total",
			"Number of slabs formatted by an object cache.",
			[]string{
				"cache",
			},
			nil,
		),
		descSegments: prometheus.NewDesc(
			"memory_vm_segments",
			"Number of segments of an address space.",
			[]string{
				"space",
			},
			nil,
		),
		descFaults: prometheus.NewDesc(
			"memory_vm_resolved_faults_total",
			"Number of page faults that installed a mapping in an address space.",
			[]string{
				"space",
			},
			nil,
		),
	}
)

// FrameSource is implemented by the physical frame allocator.
type FrameSource interface {
	FreeAreas() []pmm.FreeArea
	FreeCount() uint64
	Zones() []pmm.Zone
	Table() *pmm.FrameTable
}

// CacheSource is implemented by the slab cache registry.
type CacheSource interface {
	Stats() []slab.CacheStats
}

// SpaceLister returns the live address spaces.
type SpaceLister func() []*vmm.AddressSpace

// Collector is a prometheus.Collector reporting memory manager state. Values
// are sampled on every scrape.
type Collector struct {
	frames FrameSource
	caches CacheSource
	spaces SpaceLister
}

// NewCollector creates a collector. Any of the sources may be nil.
func NewCollector(frames FrameSource, caches CacheSource, spaces SpaceLister) *Collector {
	return &Collector{frames: frames, caches: caches, spaces: spaces}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.collectFrames() {
		ch <- m
	}
	for _, m := range c.collectCaches() {
		ch <- m
	}
	for _, m := range c.collectSpaces() {
		ch <- m
	}
}

func (c *Collector) collectFrames() []prometheus.Metric {
	if c.frames == nil {
		return nil
	}

	var metrics []prometheus.Metric
	for _, area := range c.frames.FreeAreas() {
		metrics = append(metrics,
			prometheus.MustNewConstMetric(
				descriptors[descFreeBlocks],
				prometheus.GaugeValue,
				float64(area.Blocks),
				strconv.Itoa(int(area.Order)),
			),
		)
	}

	metrics = append(metrics,
		prometheus.MustNewConstMetric(
			descriptors[descFreeFrames],
			prometheus.GaugeValue,
			float64(c.frames.FreeCount()),
		),
		prometheus.MustNewConstMetric(
			descriptors[descTotalFrames],
			prometheus.GaugeValue,
			float64(c.frames.Table().Len()),
		),
		prometheus.MustNewConstMetric(
			descriptors[descZones],
			prometheus.GaugeValue,
			float64(len(c.frames.Zones())),
		),
	)

	return metrics
}

func (c *Collector) collectCaches() []prometheus.Metric {
	if c.caches == nil {
		return nil
	}

	var metrics []prometheus.Metric
	for _, st := range c.caches.Stats() {
		metrics = append(metrics,
			prometheus.MustNewConstMetric(
				descriptors[descSlabs],
				prometheus.GaugeValue,
				float64(st.FullSlabs),
				st.Name,
				"full",
			),
			prometheus.MustNewConstMetric(
				descriptors[descSlabs],
				prometheus.GaugeValue,
				float64(st.PartialSlabs),
				st.Name,
				"partial",
			),
			prometheus.MustNewConstMetric(
				descriptors[descSlabs],
				prometheus.GaugeValue,
				float64(st.FreeSlabs),
				st.Name,
				"free",
			),
			prometheus.MustNewConstMetric(
				descriptors[descObjectsInUse],
				prometheus.GaugeValue,
				float64(st.ObjectsInUse),
				st.Name,
			),
			prometheus.MustNewConstMetric(
				descriptors[descObjectsTotal],
				prometheus.GaugeValue,
				float64(st.TotalObjects),
				st.Name,
			),
			prometheus.MustNewConstMetric(
				descriptors[descSlabGrows],
				prometheus.CounterValue,
				float64(st.Grows),
				st.Name,
			),
		)
	}

	return metrics
}

func (c *Collector) collectSpaces() []prometheus.Metric {
	if c.spaces == nil {
		return nil
	}

	var metrics []prometheus.Metric
	for _, as := range c.spaces() {
		id := strconv.FormatUint(as.ID(), 10)
		metrics = append(metrics,
			prometheus.MustNewConstMetric(
				descriptors[descSegments],
				prometheus.GaugeValue,
				float64(as.SegmentCount()),
				id,
			),
			prometheus.MustNewConstMetric(
				descriptors[descFaults],
				prometheus.CounterValue,
				float64(as.ResolvedFaults()),
				id,
			),
		)
	}

	return metrics
}
