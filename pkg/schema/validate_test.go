package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pannier/pkg/errs"
)

func orderSchema(t *testing.T) *Schema {
	t.Helper()
	vs, err := NewVersionSet(Attributes{
		"status":  "string|required|minlength:2",
		"total":   "number|required|min:0|max:100",
		"active":  "boolean",
		"dueAt":   "date",
		"website": "url",
		"contact": "email",
		"tags":    "array|items:string|minlength:1",
		"customer": Attributes{
			"name": "string|required",
		},
	})
	require.NoError(t, err)
	return vs.Current()
}

func fieldErrors(t *testing.T, err error) []errs.FieldError {
	t.Helper()
	var validation *errs.ValidationError
	require.ErrorAs(t, err, &validation)
	return validation.Fields
}

func fieldNames(fields []errs.FieldError) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Field
	}
	return names
}

func TestValidateAccepts(t *testing.T) {
	s := orderSchema(t)

	valid, err := s.Validate("orders", Record{ID: "o1", Attributes: map[string]Value{
		"status":  String("new"),
		"total":   Number(42),
		"active":  Bool(true),
		"dueAt":   Time(time.Now()),
		"website": String("https://example.com/cart"),
		"contact": String("ops@example.com"),
		"tags":    Array(String("a"), String("b")),
		"customer": Object(map[string]Value{
			"name": String("Amy"),
		}),
	}})
	require.NoError(t, err)
	assert.Equal(t, "v0", valid.Version())
	assert.Equal(t, "o1", valid.Record().ID)
}

func TestValidateRequiredMissing(t *testing.T) {
	s := orderSchema(t)

	_, err := s.Validate("orders", Record{Attributes: map[string]Value{
		"status": String("new"),
	}})
	fields := fieldErrors(t, err)
	assert.Contains(t, fieldNames(fields), "total")
	assert.True(t, errs.IsValidation(err))
}

func TestValidateNullCountsAsAbsent(t *testing.T) {
	s := orderSchema(t)

	_, err := s.Validate("orders", Record{Attributes: map[string]Value{
		"status": String("new"),
		"total":  Null(),
	}})
	fields := fieldErrors(t, err)
	assert.Contains(t, fieldNames(fields), "total")
}

func TestValidateCollectsAllViolations(t *testing.T) {
	s := orderSchema(t)

	_, err := s.Validate("orders", Record{Attributes: map[string]Value{
		"status":   String("x"),            // too short
		"total":    Number(1000),           // above max
		"active":   String("yes"),          // wrong type
		"website":  String("not a url"),    // malformed
		"contact":  String("not an email"), // malformed
		"mystery":  String("?"),            // undeclared
		"tags":     Array(String("")),      // element too short
		"customer": Object(map[string]Value{}),
	}})
	fields := fieldErrors(t, err)
	names := fieldNames(fields)
	assert.Contains(t, names, "status")
	assert.Contains(t, names, "total")
	assert.Contains(t, names, "active")
	assert.Contains(t, names, "website")
	assert.Contains(t, names, "contact")
	assert.Contains(t, names, "mystery")
	assert.Contains(t, names, "tags[0]")
	assert.Contains(t, names, "customer.name")
}

func TestValidateFieldErrorDetail(t *testing.T) {
	s := orderSchema(t)

	_, err := s.Validate("orders", Record{Attributes: map[string]Value{
		"status": String("new"),
		"total":  String("42"),
	}})
	fields := fieldErrors(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, "total", fields[0].Field)
	assert.Equal(t, "number", fields[0].Expected)
	assert.Equal(t, "string", fields[0].Actual)
}

func TestValidateNestedObjectPath(t *testing.T) {
	s := orderSchema(t)

	_, err := s.Validate("orders", Record{Attributes: map[string]Value{
		"status": String("new"),
		"total":  Number(1),
		"customer": Object(map[string]Value{
			"name":  Number(7),
			"extra": String("?"),
		}),
	}})
	fields := fieldErrors(t, err)
	names := fieldNames(fields)
	assert.Contains(t, names, "customer.name")
	assert.Contains(t, names, "customer.extra")
}

func TestValidateEmptySchemaRejectsAttributes(t *testing.T) {
	vs, err := NewVersionSet(Attributes{})
	require.NoError(t, err)

	_, err = vs.Current().Validate("blobs", Record{Attributes: map[string]Value{
		"anything": String("x"),
	}})
	assert.True(t, errs.IsValidation(err))

	_, err = vs.Current().Validate("blobs", Record{})
	assert.NoError(t, err)
}

func TestValidateOptionalAbsentOK(t *testing.T) {
	s := orderSchema(t)

	_, err := s.Validate("orders", Record{Attributes: map[string]Value{
		"status": String("new"),
		"total":  Number(5),
	}})
	assert.NoError(t, err)
}
