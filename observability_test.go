/*
Copyright 2026 Vimeo Inc.

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
	"testing"

	"github.com/stretchr/testify/require"
	"go.opencensus.io/stats/view"
)

func countFor(t testing.TB, viewName, resource string) int64 {
	t.Helper()
	rows, err := view.RetrieveData(viewName)
	require.NoError(t, err)
	for _, row := range rows {
		for _, tg := range row.Tags {
			if tg.Key == ResourceKey && tg.Value == resource {
				return row.Data.(*view.CountData).Value
			}
		}
	}
	return 0
}

func TestViewsTaggedByCache(t *testing.T) {
	require.NoError(t, view.Register(AllViews...))
	defer view.Unregister(AllViews...)

	w, _ := newTestWarehouse(t)
	var calls AtomicInt
	c := mustCache(t, w, "census", countingQuery(&calls), WithCapacity(1))

	for _, arg := range []string{"a", "a", "b"} {
		_, err := c.Lookup(arg)
		require.NoError(t, err)
	}

	require.EqualValues(t, 3, countFor(t, "warehouse/lookups", "census"))
	require.EqualValues(t, 1, countFor(t, "warehouse/cache_hits", "census"))
	require.EqualValues(t, 2, countFor(t, "warehouse/cache_misses", "census"))
	require.EqualValues(t, 1, countFor(t, "warehouse/evictions", "census"))

	st := c.Stats()
	require.Equal(t, CacheStats{
		Items:     1,
		Lookups:   3,
		Hits:      1,
		Misses:    2,
		Queries:   2,
		Evictions: 1,
	}, st)
}
