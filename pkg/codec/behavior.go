package codec

import "fmt"

// Behavior selects where a resource's attributes are stored. The zero
// value is BehaviorMixed, the default.
type Behavior int

const (
	// BehaviorMixed keeps attributes in object metadata while they fit
	// the budget and spills the remainder to a JSON body.
	BehaviorMixed Behavior = iota

	// BehaviorMetadataOnly stores every attribute in object metadata and
	// rejects records that exceed the budget. Reads need only a HEAD.
	BehaviorMetadataOnly

	// BehaviorBodyOnly stores every attribute in a JSON body; metadata
	// carries only the engine fields.
	BehaviorBodyOnly

	// BehaviorUserManaged stores an opaque caller payload as the body
	// and keeps attributes in metadata, like BehaviorMetadataOnly.
	BehaviorUserManaged
)

func (b Behavior) String() string {
	switch b {
	case BehaviorMixed:
		return "mixed"
	case BehaviorMetadataOnly:
		return "metadata-only"
	case BehaviorBodyOnly:
		return "body-only"
	case BehaviorUserManaged:
		return "user-managed"
	default:
		return fmt.Sprintf("behavior(%d)", int(b))
	}
}

// ParseBehavior converts the manifest's string form back to a Behavior.
func ParseBehavior(s string) (Behavior, error) {
	switch s {
	case "", "mixed":
		return BehaviorMixed, nil
	case "metadata-only":
		return BehaviorMetadataOnly, nil
	case "body-only":
		return BehaviorBodyOnly, nil
	case "user-managed":
		return BehaviorUserManaged, nil
	default:
		return BehaviorMixed, fmt.Errorf("unknown behavior %q", s)
	}
}
