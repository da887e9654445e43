package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// VersionSet holds every schema version of one resource. Versions are
// append-only: evolving compiles a new schema under the next tag and
// leaves all previous versions resolvable for decoding old records.
type VersionSet struct {
	mu       sync.RWMutex
	versions map[string]*Schema
	current  string
}

// NewVersionSet compiles the initial declaration as version v0.
func NewVersionSet(attrs Attributes) (*VersionSet, error) {
	s, err := Compile(attrs)
	if err != nil {
		return nil, err
	}
	s.version = "v0"
	return &VersionSet{
		versions: map[string]*Schema{"v0": s},
		current:  "v0",
	}, nil
}

// RestoreVersionSet rebuilds a set from manifest state: one declaration
// per persisted version tag plus the current tag.
func RestoreVersionSet(declarations map[string]Attributes, current string) (*VersionSet, error) {
	if len(declarations) == 0 {
		return nil, fmt.Errorf("no schema versions to restore")
	}
	if _, ok := declarations[current]; !ok {
		return nil, fmt.Errorf("current version %q is not among the persisted versions", current)
	}

	versions := make(map[string]*Schema, len(declarations))
	for tag, attrs := range declarations {
		if _, err := versionNumber(tag); err != nil {
			return nil, err
		}
		s, err := Compile(attrs)
		if err != nil {
			return nil, fmt.Errorf("version %s: %w", tag, err)
		}
		s.version = tag
		versions[tag] = s
	}
	return &VersionSet{versions: versions, current: current}, nil
}

// Current returns the schema new writes encode against.
func (vs *VersionSet) Current() *Schema {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.versions[vs.current]
}

// CurrentVersion returns the current version tag.
func (vs *VersionSet) CurrentVersion() string {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.current
}

// Resolve returns the schema for a stored version tag. Decoding uses this
// with the record's version stamp.
func (vs *VersionSet) Resolve(version string) (*Schema, bool) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	s, ok := vs.versions[version]
	return s, ok
}

// Evolve compiles attrs as the next version and makes it current. The
// returned schema carries the new tag.
func (vs *VersionSet) Evolve(attrs Attributes) (*Schema, error) {
	s, err := Compile(attrs)
	if err != nil {
		return nil, err
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()

	next := 0
	for tag := range vs.versions {
		n, err := versionNumber(tag)
		if err != nil {
			return nil, err
		}
		if n >= next {
			next = n + 1
		}
	}

	s.version = fmt.Sprintf("v%d", next)
	vs.versions[s.version] = s
	vs.current = s.version
	return s, nil
}

// Versions returns all version tags in numeric order.
func (vs *VersionSet) Versions() []string {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	tags := make([]string, 0, len(vs.versions))
	for tag := range vs.versions {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		a, _ := versionNumber(tags[i])
		b, _ := versionNumber(tags[j])
		return a < b
	})
	return tags
}

// Declarations returns the raw declaration per version, as persisted in
// the manifest.
func (vs *VersionSet) Declarations() map[string]Attributes {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	out := make(map[string]Attributes, len(vs.versions))
	for tag, s := range vs.versions {
		out[tag] = s.decl
	}
	return out
}

func versionNumber(tag string) (int, error) {
	digits, ok := strings.CutPrefix(tag, "v")
	if !ok {
		return 0, fmt.Errorf("malformed schema version %q", tag)
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("malformed schema version %q", tag)
	}
	return n, nil
}

// Diff describes how this schema differs from a previous version. Retyped
// lists fields present in both whose storage shape changed.
type Diff struct {
	Added   []string
	Removed []string
	Retyped []string
}

// Diff compares the schema against a previous version.
func (s *Schema) Diff(previous *Schema) Diff {
	var d Diff
	for _, field := range s.fields {
		prev, ok := previous.byName[field.Name]
		if !ok {
			d.Added = append(d.Added, field.Name)
			continue
		}
		if shapeSignature(field) != shapeSignature(prev) {
			d.Retyped = append(d.Retyped, field.Name)
		}
	}
	for _, field := range previous.fields {
		if _, ok := s.byName[field.Name]; !ok {
			d.Removed = append(d.Removed, field.Name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Retyped)
	return d
}

// shapeSignature reduces a field to the parts that affect how records are
// stored and decoded.
func shapeSignature(f *Field) string {
	switch f.Type {
	case TypeArray:
		return "array[" + shapeSignature(f.Items) + "]"
	case TypeObject:
		var b strings.Builder
		b.WriteString("object{")
		for i, nested := range f.Nested.fields {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(nested.Name)
			b.WriteByte(':')
			b.WriteString(shapeSignature(nested))
		}
		b.WriteByte('}')
		return b.String()
	default:
		return f.Type.String()
	}
}
