package codec

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/pannier/pkg/schema"
)

// Scalar metadata values carry a one-letter type tag so a stored value
// never loses its kind: "s:" string, "n:" number, "b:" boolean, "t:"
// ISO-8601 timestamp. Nested objects and arrays are stored as raw JSON
// and need no tag; the schema identifies them.
const (
	tagString = "s:"
	tagNumber = "n:"
	tagBool   = "b:"
	tagTime   = "t:"
)

// encodeScalar stringifies a scalar value with its type tag.
func encodeScalar(value schema.Value) (string, error) {
	switch value.Kind() {
	case schema.KindString:
		str, _ := value.StringValue()
		return tagString + str, nil
	case schema.KindNumber:
		num, _ := value.NumberValue()
		return tagNumber + strconv.FormatFloat(num, 'g', -1, 64), nil
	case schema.KindBool:
		b, _ := value.BoolValue()
		return tagBool + strconv.FormatBool(b), nil
	case schema.KindTime:
		t, _ := value.TimeValue()
		return tagTime + t.Format(time.RFC3339Nano), nil
	default:
		return "", fmt.Errorf("value of kind %s is not a scalar", value.Kind())
	}
}

// decodeScalar parses a tagged metadata value back into a Value.
func decodeScalar(raw string) (schema.Value, error) {
	if len(raw) < 2 || raw[1] != ':' {
		return schema.Null(), fmt.Errorf("malformed scalar %q: missing type tag", raw)
	}
	tag, payload := raw[:2], raw[2:]
	switch tag {
	case tagString:
		return schema.String(payload), nil
	case tagNumber:
		num, err := strconv.ParseFloat(payload, 64)
		if err != nil {
			return schema.Null(), fmt.Errorf("malformed number %q: %w", payload, err)
		}
		return schema.Number(num), nil
	case tagBool:
		b, err := strconv.ParseBool(payload)
		if err != nil {
			return schema.Null(), fmt.Errorf("malformed boolean %q: %w", payload, err)
		}
		return schema.Bool(b), nil
	case tagTime:
		t, err := time.Parse(time.RFC3339Nano, payload)
		if err != nil {
			return schema.Null(), fmt.Errorf("malformed timestamp %q: %w", payload, err)
		}
		return schema.Time(t), nil
	default:
		return schema.Null(), fmt.Errorf("unknown type tag %q", tag)
	}
}

// metadataKey folds an attribute name to its stored metadata key. The
// store lowercases keys; folding here keeps encode and decode agreed.
func metadataKey(name string) string {
	return strings.ToLower(name)
}
