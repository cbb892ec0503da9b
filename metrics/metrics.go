// Package metrics exposes the paging and buffer-cache core's counters as
// Prometheus metrics. Grounded on talyz-systemd_exporter's Collector
// pattern (struct-of-*prometheus.Desc, NewCollector/Describe/Collect), cut
// down from that exporter's dbus/cgroup scraping to plain atomic counters
// this package's owner (vmsys.VmSystem) increments directly.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vmkern"

// Collector implements prometheus.Collector over the paging core's
// counters. Every field not named *Desc is updated with atomic adds by the
// subsystem that owns the event; Collect only reads.
type Collector struct {
	frameAllocs   uint64
	frameEvicts   uint64
	swapOuts      uint64
	swapIns       uint64
	cacheHits     uint64
	cacheMisses   uint64
	cacheEvicts   uint64
	cacheWriteback uint64

	residentPages func() float64
	evictedPages  func() float64
	swapOccupied  func() float64

	frameAllocsDesc    *prometheus.Desc
	frameEvictsDesc    *prometheus.Desc
	swapOutsDesc       *prometheus.Desc
	swapInsDesc        *prometheus.Desc
	cacheHitsDesc      *prometheus.Desc
	cacheMissesDesc    *prometheus.Desc
	cacheEvictsDesc    *prometheus.Desc
	cacheWritebackDesc *prometheus.Desc
	residentPagesDesc  *prometheus.Desc
	evictedPagesDesc   *prometheus.Desc
	swapOccupiedDesc   *prometheus.Desc
}

// Gauges bundles the callback functions Collect uses to sample
// point-in-time state (as opposed to the monotonic counters this package
// increments itself).
type Gauges struct {
	ResidentPages func() float64
	EvictedPages  func() float64
	SwapOccupied  func() float64
}

// NewCollector constructs a Collector sampling g for its gauge-valued
// metrics.
func NewCollector(g Gauges) *Collector {
	return &Collector{
		residentPages: g.ResidentPages,
		evictedPages:  g.EvictedPages,
		swapOccupied:  g.SwapOccupied,

		frameAllocsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "frame", "allocs_total"),
			"Total frame-table allocations.", nil, nil),
		frameEvictsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "frame", "evicts_total"),
			"Total frames evicted to satisfy an allocation.", nil, nil),
		swapOutsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "swap", "outs_total"),
			"Total pages written out to swap.", nil, nil),
		swapInsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "swap", "ins_total"),
			"Total pages read back in from swap.", nil, nil),
		cacheHitsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "hits_total"),
			"Total buffer-cache hits.", nil, nil),
		cacheMissesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "misses_total"),
			"Total buffer-cache misses.", nil, nil),
		cacheEvictsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "evicts_total"),
			"Total buffer-cache slot evictions.", nil, nil),
		cacheWritebackDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "writebacks_total"),
			"Total dirty sectors flushed to disk on eviction or shutdown.", nil, nil),
		residentPagesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "resident_pages"),
			"Current count of resident SPT entries across all processes.", nil, nil),
		evictedPagesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "evicted_pages"),
			"Current count of evicted SPT entries across all processes.", nil, nil),
		swapOccupiedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "swap", "slots_occupied"),
			"Current count of occupied swap slots.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.frameAllocsDesc
	ch <- c.frameEvictsDesc
	ch <- c.swapOutsDesc
	ch <- c.swapInsDesc
	ch <- c.cacheHitsDesc
	ch <- c.cacheMissesDesc
	ch <- c.cacheEvictsDesc
	ch <- c.cacheWritebackDesc
	ch <- c.residentPagesDesc
	ch <- c.evictedPagesDesc
	ch <- c.swapOccupiedDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.frameAllocsDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&c.frameAllocs)))
	ch <- prometheus.MustNewConstMetric(c.frameEvictsDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&c.frameEvicts)))
	ch <- prometheus.MustNewConstMetric(c.swapOutsDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&c.swapOuts)))
	ch <- prometheus.MustNewConstMetric(c.swapInsDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&c.swapIns)))
	ch <- prometheus.MustNewConstMetric(c.cacheHitsDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&c.cacheHits)))
	ch <- prometheus.MustNewConstMetric(c.cacheMissesDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&c.cacheMisses)))
	ch <- prometheus.MustNewConstMetric(c.cacheEvictsDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&c.cacheEvicts)))
	ch <- prometheus.MustNewConstMetric(c.cacheWritebackDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&c.cacheWriteback)))
	if c.residentPages != nil {
		ch <- prometheus.MustNewConstMetric(c.residentPagesDesc, prometheus.GaugeValue, c.residentPages())
	}
	if c.evictedPages != nil {
		ch <- prometheus.MustNewConstMetric(c.evictedPagesDesc, prometheus.GaugeValue, c.evictedPages())
	}
	if c.swapOccupied != nil {
		ch <- prometheus.MustNewConstMetric(c.swapOccupiedDesc, prometheus.GaugeValue, c.swapOccupied())
	}
}

func (c *Collector) IncFrameAlloc()    { atomic.AddUint64(&c.frameAllocs, 1) }
func (c *Collector) IncFrameEvict()    { atomic.AddUint64(&c.frameEvicts, 1) }
func (c *Collector) IncSwapOut()       { atomic.AddUint64(&c.swapOuts, 1) }
func (c *Collector) IncSwapIn()        { atomic.AddUint64(&c.swapIns, 1) }
func (c *Collector) IncCacheHit()      { atomic.AddUint64(&c.cacheHits, 1) }
func (c *Collector) IncCacheMiss()     { atomic.AddUint64(&c.cacheMisses, 1) }
func (c *Collector) IncCacheEvict()    { atomic.AddUint64(&c.cacheEvicts, 1) }
func (c *Collector) IncCacheWriteback() { atomic.AddUint64(&c.cacheWriteback, 1) }
