package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

type poolStat struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	read      func(*pgxpool.Stat) float64
}

// PoolStatsCollector exposes pgxpool.Stat on every scrape.
type PoolStatsCollector struct {
	pool  *pgxpool.Pool
	stats []poolStat
}

// NewPoolStatsCollector builds a collector named <namespace>_db_pool_* with a
// constant service label. A nil pool collects nothing.
func NewPoolStatsCollector(pool *pgxpool.Pool, namespace, serviceName string) *PoolStatsCollector {
	labels := prometheus.Labels{"service": serviceName}
	stat := func(name, help string, vt prometheus.ValueType, read func(*pgxpool.Stat) float64) poolStat {
		return poolStat{
			desc:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "db_pool", name), help, nil, labels),
			valueType: vt,
			read:      read,
		}
	}

	return &PoolStatsCollector{
		pool: pool,
		stats: []poolStat{
			stat("total_conns", "Connections currently open.", prometheus.GaugeValue,
				func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
			stat("idle_conns", "Idle connections.", prometheus.GaugeValue,
				func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
			stat("acquired_conns", "Connections checked out by callers.", prometheus.GaugeValue,
				func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
			stat("max_conns", "Pool size limit.", prometheus.GaugeValue,
				func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }),
			stat("acquires_total", "Successful connection acquires.", prometheus.CounterValue,
				func(s *pgxpool.Stat) float64 { return float64(s.AcquireCount()) }),
			stat("empty_acquires_total", "Acquires that had to wait for a connection.", prometheus.CounterValue,
				func(s *pgxpool.Stat) float64 { return float64(s.EmptyAcquireCount()) }),
			stat("acquire_wait_seconds_total", "Time spent waiting to acquire.", prometheus.CounterValue,
				func(s *pgxpool.Stat) float64 { return s.AcquireDuration().Seconds() }),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *PoolStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, s := range c.stats {
		ch <- s.desc
	}
}

// Collect implements prometheus.Collector.
func (c *PoolStatsCollector) Collect(ch chan<- prometheus.Metric) {
	if c.pool == nil {
		return
	}
	snapshot := c.pool.Stat()
	for _, s := range c.stats {
		ch <- prometheus.MustNewConstMetric(s.desc, s.valueType, s.read(snapshot))
	}
}

// RegisterPoolStatsCollector registers a collector for pool on reg. When an
// equivalent collector is already registered that one is returned.
func RegisterPoolStatsCollector(reg prometheus.Registerer, pool *pgxpool.Pool, namespace, serviceName string) (*PoolStatsCollector, error) {
	collector := NewPoolStatsCollector(pool, namespace, serviceName)
	err := reg.Register(collector)
	var dup prometheus.AlreadyRegisteredError
	switch {
	case err == nil:
		return collector, nil
	case errors.As(err, &dup):
		if existing, ok := dup.ExistingCollector.(*PoolStatsCollector); ok {
			return existing, nil
		}
		return collector, nil
	default:
		return nil, err
	}
}
