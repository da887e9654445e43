package plugins

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pannier/pkg/db"
	"github.com/platinummonkey/pannier/pkg/schema"
)

func TestMetricsPluginCountsOperations(t *testing.T) {
	database, _ := newTestDB(t)
	r := ordersResource(t, database)
	ctx := context.Background()

	plugin := NewMetricsPlugin(prometheus.NewRegistry())
	require.NoError(t, database.UsePlugin(ctx, plugin))

	_, err := r.Insert(ctx, orderRecord("o1", "open", 10), db.InsertOptions{})
	require.NoError(t, err)
	_, err = r.Insert(ctx, orderRecord("o2", "open", 20), db.InsertOptions{})
	require.NoError(t, err)
	_, err = r.Update(ctx, "o1", map[string]schema.Value{"status": schema.String("paid")}, db.UpdateOptions{})
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, "o2"))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(plugin.ops.WithLabelValues("orders", "insert")) == 2 &&
			testutil.ToFloat64(plugin.ops.WithLabelValues("orders", "update")) == 1 &&
			testutil.ToFloat64(plugin.ops.WithLabelValues("orders", "delete")) == 1
	}, 2*time.Second, time.Millisecond)

	// Reads emit no operation event and must not be counted.
	_, err = r.Get(ctx, "o1")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, testutil.ToFloat64(plugin.ops.WithLabelValues("orders", "get")))
}

func TestMetricsPluginExportsCosts(t *testing.T) {
	// No injected store: Connect wires the fake through the cost
	// accountant, so scrapes see real usage.
	database, err := db.New(fakeConfig(), db.Options{Logger: quietLogger()})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, database.Connect(ctx))
	t.Cleanup(func() { _ = database.Disconnect(ctx) })

	r := ordersResource(t, database)
	_, err = r.Insert(ctx, orderRecord("o1", "open", 10), db.InsertOptions{})
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	require.NoError(t, database.UsePlugin(ctx, NewMetricsPlugin(registry)))

	families, err := registry.Gather()
	require.NoError(t, err)

	byName := make(map[string]bool, len(families))
	var putRequests float64
	for _, family := range families {
		byName[family.GetName()] = true
		if family.GetName() != "pannier_cost_requests_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "command" && label.GetValue() == "PutObject" {
					putRequests = metric.GetCounter().GetValue()
				}
			}
		}
	}
	assert.True(t, byName["pannier_cost_requests_total"])
	assert.True(t, byName["pannier_cost_request_bytes_total"])
	assert.True(t, byName["pannier_cost_response_bytes_total"])
	assert.True(t, byName["pannier_cost_stored_bytes_estimate"])
	assert.True(t, byName["pannier_cost_estimated_dollars"])
	assert.Greater(t, putRequests, float64(0), "manifest and record writes cost PutObject requests")
}

func TestMetricsPluginUnregistersOnStop(t *testing.T) {
	database, _ := newTestDB(t)
	ordersResource(t, database)
	ctx := context.Background()

	registry := prometheus.NewRegistry()
	require.NoError(t, database.UsePlugin(ctx, NewMetricsPlugin(registry)))

	families, err := registry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families, "cost collector always exports")

	require.NoError(t, database.DisablePlugin(ctx, "metrics"))
	families, err = registry.Gather()
	require.NoError(t, err)
	assert.Empty(t, families, "stopped plugin must leave the registry clean")

	// Enable registers the same collectors again without duplicate
	// registration errors.
	require.NoError(t, database.EnablePlugin(ctx, "metrics"))
	families, err = registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
