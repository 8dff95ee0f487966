/*
Copyright 2018 Google LLC.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package warehouse

import (
	"strconv"
	"sync/atomic"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

const (
	unitDimensionless = "1"
	unitMillisecond   = "ms"
)

var (
	// Copied from https://github.com/census-instrumentation/opencensus-go/blob/ff7de98412e5c010eb978f11056f90c00561637f/plugin/ocgrpc/stats_common.go#L55
	defaultMillisecondsDistribution = view.Distribution(0, 0.01, 0.05, 0.1, 0.3, 0.6, 0.8, 1, 2, 3, 4, 5, 6, 8, 10, 13, 16, 20, 25, 30, 40, 50, 65, 80, 100, 130, 160, 200, 250, 300, 400, 500, 650, 800, 1000, 2000, 5000, 10000, 20000, 50000, 100000)
)

// Opencensus stats
var (
	MLookups        = stats.Int64("lookups", "The number of Lookup calls", unitDimensionless)
	MCacheHits      = stats.Int64("cache_hits", "The number of lookups answered by an existing, fresh record", unitDimensionless)
	MCacheMisses    = stats.Int64("cache_misses", "The number of lookups that created a record", unitDimensionless)
	MStaleRefreshes = stats.Int64("stale_refreshes", "The number of lookups that found a stale record and queried again", unitDimensionless)
	MQueries        = stats.Int64("queries", "The number of query attempts started", unitDimensionless)
	MQueryErrors    = stats.Int64("query_errors", "The number of attempts that rejected their record", unitDimensionless)
	MSuperseded     = stats.Int64("superseded", "The number of attempts abandoned before they settled", unitDimensionless)
	MEvictions      = stats.Int64("evictions", "The number of records evicted or deleted", unitDimensionless)

	MQueryLatencyMilliseconds = stats.Float64("query_latency", "Latency of settled query attempts in milliseconds", unitMillisecond)
)

// ResourceKey tags the name of the cache
var ResourceKey = tag.MustNewKey("resource")

// AllViews is a slice of default views for people to use
var AllViews = []*view.View{
	{Name: "warehouse/lookups", Description: "The number of Lookup calls", TagKeys: []tag.Key{ResourceKey}, Measure: MLookups, Aggregation: view.Count()},
	{Name: "warehouse/cache_hits", Description: "The number of lookups answered by an existing, fresh record", TagKeys: []tag.Key{ResourceKey}, Measure: MCacheHits, Aggregation: view.Count()},
	{Name: "warehouse/cache_misses", Description: "The number of lookups that created a record", TagKeys: []tag.Key{ResourceKey}, Measure: MCacheMisses, Aggregation: view.Count()},
	{Name: "warehouse/stale_refreshes", Description: "The number of lookups that found a stale record and queried again", TagKeys: []tag.Key{ResourceKey}, Measure: MStaleRefreshes, Aggregation: view.Count()},
	{Name: "warehouse/queries", Description: "The number of query attempts started", TagKeys: []tag.Key{ResourceKey}, Measure: MQueries, Aggregation: view.Count()},
	{Name: "warehouse/query_errors", Description: "The number of attempts that rejected their record", TagKeys: []tag.Key{ResourceKey}, Measure: MQueryErrors, Aggregation: view.Count()},
	{Name: "warehouse/superseded", Description: "The number of attempts abandoned before they settled", TagKeys: []tag.Key{ResourceKey}, Measure: MSuperseded, Aggregation: view.Count()},
	{Name: "warehouse/evictions", Description: "The number of records evicted or deleted", TagKeys: []tag.Key{ResourceKey}, Measure: MEvictions, Aggregation: view.Count()},
	{Name: "warehouse/query_latency", Description: "The latency of settled query attempts", TagKeys: []tag.Key{ResourceKey}, Measure: MQueryLatencyMilliseconds, Aggregation: defaultMillisecondsDistribution},
}

func inMilliseconds(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}

// An AtomicInt is an int64 to be accessed atomically.
type AtomicInt int64

// Add atomically adds n to i.
func (i *AtomicInt) Add(n int64) {
	atomic.AddInt64((*int64)(i), n)
}

// Get atomically gets the value of i.
func (i *AtomicInt) Get() int64 {
	return atomic.LoadInt64((*int64)(i))
}

func (i *AtomicInt) String() string {
	return strconv.FormatInt(i.Get(), 10)
}

// counters are the per-cache counterparts of the opencensus measures.
type counters struct {
	Lookups        AtomicInt
	Hits           AtomicInt
	Misses         AtomicInt
	StaleRefreshes AtomicInt
	Queries        AtomicInt
	QueryErrors    AtomicInt
	Superseded     AtomicInt
	Evictions      AtomicInt
}

// CacheStats are returned by Cache.Stats.
type CacheStats struct {
	Items          int64
	Lookups        int64
	Hits           int64 // existing, fresh record (including one still pending)
	Misses         int64 // record created
	StaleRefreshes int64
	Queries        int64 // attempts started, including Set and Update
	QueryErrors    int64
	Superseded     int64 // attempts abandoned before settling
	Evictions      int64 // capacity evictions and deletions
}

func (c *counters) snapshot(items int) CacheStats {
	return CacheStats{
		Items:          int64(items),
		Lookups:        c.Lookups.Get(),
		Hits:           c.Hits.Get(),
		Misses:         c.Misses.Get(),
		StaleRefreshes: c.StaleRefreshes.Get(),
		Queries:        c.Queries.Get(),
		QueryErrors:    c.QueryErrors.Get(),
		Superseded:     c.Superseded.Get(),
		Evictions:      c.Evictions.Get(),
	}
}
