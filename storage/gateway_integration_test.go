//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/sgaydamakov/counters/common"
	"github.com/sgaydamakov/counters/config"
	"github.com/sgaydamakov/counters/metrics"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
)

func newTestGateway(t *testing.T) *Gateway {
	ctx := context.Background()
	container, err := mongodb.Run(ctx, "mongo:7")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	gw, err := New(ctx, uri, "counters_test", config.StrategyConfig{}, metrics.NoopSink{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close(ctx) })
	return gw
}

func TestGateway_SaveFactIsIdempotent(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	fact := common.Fact{ID: "f1", Type: 1, CreatedAt: time.Now(), Data: map[string]interface{}{"amount": 10}}

	first, err := gw.SaveFact(ctx, fact)
	require.NoError(t, err)
	require.Equal(t, "inserted", first.Kind)

	second, err := gw.SaveFact(ctx, fact)
	require.NoError(t, err)
	require.Equal(t, "ignored", second.Kind)
	require.Equal(t, "f1", second.ID)
}

func TestGateway_SaveIndexEntriesBulkUpsertIsUnique(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	entry := common.IndexEntry{Hash: "h1", FactID: "f1", FactTime: time.Now(), CreatedAt: time.Now(), IndexType: 1}

	res, err := gw.SaveIndexEntries(ctx, []common.IndexEntry{entry}, false)
	require.NoError(t, err)
	require.Equal(t, 1, res.Inserted)

	res2, err := gw.SaveIndexEntries(ctx, []common.IndexEntry{entry}, false)
	require.NoError(t, err)
	require.Equal(t, 0, res2.Inserted)
}

func TestGateway_LookupIndexFindsMatchesWithinWindow(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	now := time.Now()
	entries := []common.IndexEntry{
		{Hash: "h1", FactID: "f1", FactTime: now, CreatedAt: now, IndexType: 1},
		{Hash: "h1", FactID: "f2", FactTime: now.Add(-48 * time.Hour), CreatedAt: now, IndexType: 1},
	}
	_, err := gw.SaveIndexEntries(ctx, entries, false)
	require.NoError(t, err)

	res, err := gw.LookupIndex(ctx, "userId", IndexLookupPlan{
		Hashes:       []string{"h1"},
		FactTimeFrom: now.Add(-24 * time.Hour),
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"f1"}, res.FactIDs)
}
