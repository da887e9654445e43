package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionSetStartsAtV0(t *testing.T) {
	vs, err := NewVersionSet(Attributes{"status": "string|required"})
	require.NoError(t, err)

	assert.Equal(t, "v0", vs.CurrentVersion())
	assert.Equal(t, "v0", vs.Current().Version())
	assert.Equal(t, []string{"v0"}, vs.Versions())
}

func TestVersionSetEvolve(t *testing.T) {
	vs, err := NewVersionSet(Attributes{
		"status": "string|required",
		"total":  "number|required",
	})
	require.NoError(t, err)

	evolved, err := vs.Evolve(Attributes{
		"status": "string|required",
		"total":  "number|required",
		"tax":    "number|optional",
	})
	require.NoError(t, err)

	assert.Equal(t, "v1", evolved.Version())
	assert.Equal(t, "v1", vs.CurrentVersion())
	assert.Equal(t, []string{"v0", "v1"}, vs.Versions())

	// Old versions stay resolvable for decoding old records.
	v0, ok := vs.Resolve("v0")
	require.True(t, ok)
	_, hasTax := v0.Field("tax")
	assert.False(t, hasTax)

	_, ok = vs.Resolve("v9")
	assert.False(t, ok)
}

func TestVersionSetEvolveRejectsBadDeclaration(t *testing.T) {
	vs, err := NewVersionSet(Attributes{"status": "string"})
	require.NoError(t, err)

	_, err = vs.Evolve(Attributes{"status": "string|nonsense"})
	require.Error(t, err)
	assert.Equal(t, "v0", vs.CurrentVersion(), "failed evolution must not advance the set")
}

func TestRestoreVersionSet(t *testing.T) {
	vs, err := RestoreVersionSet(map[string]Attributes{
		"v0": {"status": "string|required"},
		"v1": {"status": "string|required", "tax": "number"},
	}, "v1")
	require.NoError(t, err)

	assert.Equal(t, "v1", vs.CurrentVersion())
	assert.Equal(t, []string{"v0", "v1"}, vs.Versions())

	// The next evolution continues the sequence.
	evolved, err := vs.Evolve(Attributes{"status": "string"})
	require.NoError(t, err)
	assert.Equal(t, "v2", evolved.Version())
}

func TestRestoreVersionSetRejections(t *testing.T) {
	tests := []struct {
		name         string
		declarations map[string]Attributes
		current      string
	}{
		{name: "empty", declarations: nil, current: "v0"},
		{
			name:         "current missing",
			declarations: map[string]Attributes{"v0": {"a": "string"}},
			current:      "v3",
		},
		{
			name:         "malformed tag",
			declarations: map[string]Attributes{"version-1": {"a": "string"}},
			current:      "version-1",
		},
		{
			name:         "bad declaration",
			declarations: map[string]Attributes{"v0": {"a": "string|bogus"}},
			current:      "v0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := RestoreVersionSet(tt.declarations, tt.current)
			assert.Error(t, err)
		})
	}
}

func TestSchemaDiff(t *testing.T) {
	v0 := MustCompile(Attributes{
		"status": "string|required",
		"total":  "number",
		"note":   "string",
		"tags":   "array|items:string",
	})
	v1 := MustCompile(Attributes{
		"status": "string|required",
		"total":  "string",
		"tax":    "number",
		"tags":   "array|items:number",
	})

	d := v1.Diff(v0)
	assert.Equal(t, []string{"tax"}, d.Added)
	assert.Equal(t, []string{"note"}, d.Removed)
	assert.Equal(t, []string{"tags", "total"}, d.Retyped)
}

func TestSchemaDiffConstraintChangeIsNotRetype(t *testing.T) {
	v0 := MustCompile(Attributes{"status": "string|minlength:2"})
	v1 := MustCompile(Attributes{"status": "string|minlength:5|required"})

	d := v1.Diff(v0)
	assert.Empty(t, d.Added)
	assert.Empty(t, d.Removed)
	assert.Empty(t, d.Retyped)
}

func TestValueEquality(t *testing.T) {
	assert.True(t, Object(map[string]Value{
		"a": Number(1),
		"b": Array(String("x"), Bool(true)),
	}).Equal(Object(map[string]Value{
		"b": Array(String("x"), Bool(true)),
		"a": Number(1),
	})))

	assert.False(t, Number(1).Equal(String("1")))
	assert.False(t, Array(Number(1)).Equal(Array(Number(1), Number(2))))
	assert.True(t, Null().Equal(Value{}))
}

func TestValueInterfaceRoundTrip(t *testing.T) {
	original := Object(map[string]Value{
		"name":   String("amy"),
		"age":    Number(33),
		"active": Bool(true),
		"tags":   Array(String("a"), String("b")),
	})

	converted, err := FromInterface(original.Interface())
	require.NoError(t, err)
	assert.True(t, original.Equal(converted))
}

func TestFromInterfaceRejectsUnknownTypes(t *testing.T) {
	_, err := FromInterface(struct{ X int }{1})
	assert.Error(t, err)
}
