package partition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pannier/pkg/schema"
)

func orderSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.Compile(schema.Attributes{
		"status":   "string|required",
		"region":   "string",
		"total":    "number",
		"active":   "boolean",
		"dueAt":    "date",
		"website":  "url",
		"apiKey":   "secret",
		"tags":     "array|items:string",
		"customer": schema.Attributes{"name": "string"},
	})
	require.NoError(t, err)
	return s
}

func TestValidateAcceptsCompatibleFields(t *testing.T) {
	s := orderSchema(t)
	p := Partition{Name: "by-status-region", Fields: []Field{
		{Name: "status", Type: TypeString},
		{Name: "region", Type: TypeString},
		{Name: "total", Type: TypeNumber},
		{Name: "active", Type: TypeBoolean},
		{Name: "dueAt", Type: TypeDate},
		{Name: "website", Type: TypeString},
	}}
	assert.NoError(t, Validate(p, s))
}

func TestValidateRejections(t *testing.T) {
	s := orderSchema(t)
	tests := []struct {
		name string
		p    Partition
	}{
		{name: "bad name", p: Partition{Name: "by/status", Fields: []Field{{Name: "status", Type: TypeString}}}},
		{name: "empty name", p: Partition{Fields: []Field{{Name: "status", Type: TypeString}}}},
		{name: "no fields", p: Partition{Name: "empty"}},
		{name: "duplicate field", p: Partition{Name: "dup", Fields: []Field{
			{Name: "status", Type: TypeString}, {Name: "status", Type: TypeString},
		}}},
		{name: "undeclared field", p: Partition{Name: "ghost", Fields: []Field{{Name: "missing", Type: TypeString}}}},
		{name: "type mismatch", p: Partition{Name: "mismatch", Fields: []Field{{Name: "total", Type: TypeString}}}},
		{name: "secret field", p: Partition{Name: "leaky", Fields: []Field{{Name: "apiKey", Type: TypeString}}}},
		{name: "array field", p: Partition{Name: "composite", Fields: []Field{{Name: "tags", Type: TypeString}}}},
		{name: "object field", p: Partition{Name: "nested", Fields: []Field{{Name: "customer", Type: TypeString}}}},
		{name: "unknown partition type", p: Partition{Name: "odd", Fields: []Field{{Name: "status", Type: "uuid"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, Validate(tt.p, s))
		})
	}
}

func TestValidateAllRejectsDuplicateNames(t *testing.T) {
	s := orderSchema(t)
	parts := []Partition{
		{Name: "by-status", Fields: []Field{{Name: "status", Type: TypeString}}},
		{Name: "by-status", Fields: []Field{{Name: "region", Type: TypeString}}},
	}
	assert.Error(t, ValidateAll(parts, s))
}

func TestPointerKeyDerivation(t *testing.T) {
	byStatus := Partition{Name: "by-status", Fields: []Field{{Name: "status", Type: TypeString}}}
	composite := Partition{Name: "by-region-status", Fields: []Field{
		{Name: "region", Type: TypeString},
		{Name: "status", Type: TypeString},
	}}

	rec := schema.Record{Attributes: map[string]schema.Value{
		"status": schema.String("open"),
		"region": schema.String("eu-west"),
	}}

	key, err := PointerKey("orders", byStatus, "o1", rec)
	require.NoError(t, err)
	assert.Equal(t, "resource=orders/partitions/by-status/status=open/id=o1", key)

	key, err = PointerKey("orders", composite, "o1", rec)
	require.NoError(t, err)
	assert.Equal(t, "resource=orders/partitions/by-region-status/region=eu-west/status=open/id=o1", key)
}

func TestPointerKeyIsDeterministic(t *testing.T) {
	p := Partition{Name: "by-due", Fields: []Field{
		{Name: "dueAt", Type: TypeDate},
		{Name: "total", Type: TypeNumber},
		{Name: "active", Type: TypeBoolean},
	}}
	rec := schema.Record{Attributes: map[string]schema.Value{
		"dueAt":  schema.Time(time.Date(2025, 6, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))),
		"total":  schema.Number(12.5),
		"active": schema.Bool(true),
	}}

	first, err := PointerKey("orders", p, "o1", rec)
	require.NoError(t, err)
	second, err := PointerKey("orders", p, "o1", rec)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Contains(t, first, "total=12.5/")
	assert.Contains(t, first, "active=true/")
	assert.Contains(t, first, "dueAt=2025-06-01T11%3A00%3A00Z/", "dates canonicalize to UTC")
}

func TestPointerKeyEscapesHostileValues(t *testing.T) {
	p := Partition{Name: "by-status", Fields: []Field{{Name: "status", Type: TypeString}}}
	rec := schema.Record{Attributes: map[string]schema.Value{
		"status": schema.String("open/closed=maybe"),
	}}

	key, err := PointerKey("orders", p, "o/1", rec)
	require.NoError(t, err)
	assert.Equal(t, "resource=orders/partitions/by-status/status=open%2Fclosed%3Dmaybe/id=o%2F1", key)
}

func TestPointerKeyAbsentValueEncodesEmpty(t *testing.T) {
	p := Partition{Name: "by-status", Fields: []Field{{Name: "status", Type: TypeString}}}

	key, err := PointerKey("orders", p, "o1", schema.Record{})
	require.NoError(t, err)
	assert.Equal(t, "resource=orders/partitions/by-status/status=/id=o1", key)
}

func TestPointerKeyTypeMismatch(t *testing.T) {
	p := Partition{Name: "by-total", Fields: []Field{{Name: "total", Type: TypeNumber}}}
	rec := schema.Record{Attributes: map[string]schema.Value{
		"total": schema.String("not a number"),
	}}

	_, err := PointerKey("orders", p, "o1", rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "by-total")
}

func TestPointerKeysZeroPartitions(t *testing.T) {
	keys, err := PointerKeys("orders", nil, "o1", schema.Record{})
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFind(t *testing.T) {
	parts := []Partition{
		{Name: "by-status", Fields: []Field{{Name: "status", Type: TypeString}}},
	}
	_, ok := Find(parts, "by-status")
	assert.True(t, ok)
	_, ok = Find(parts, "by-region")
	assert.False(t, ok)
}
