// Package layout defines the bucket key layout shared by the storage
// engine, the partition index and the plugin framework.
//
// Everything a database owns lives under its key prefix:
//
//	s3db.json                                        manifest
//	resource=<name>/data/id=<id>                     primary record objects
//	resource=<name>/partitions/<part>/<f=v>/id=<id>  partition pointers
//	plugin=<id>/...                                  plugin-owned objects
//
// Record ids and partition values are caller-supplied and are
// percent-encoded before they enter a key, so a value containing "/" or
// "=" cannot fake extra hierarchy.
package layout

import (
	"net/url"
	"strings"
)

// ManifestKey is the database manifest object, relative to the database
// prefix.
const ManifestKey = "s3db.json"

// Escape encodes a caller-supplied string for use inside a key segment.
func Escape(s string) string {
	return url.QueryEscape(s)
}

// Unescape reverses Escape.
func Unescape(s string) (string, error) {
	return url.QueryUnescape(s)
}

// ResourceRoot is the prefix owning every object of a resource.
func ResourceRoot(resource string) string {
	return "resource=" + resource + "/"
}

// Data is the primary object key for a record.
func Data(resource, id string) string {
	return ResourceRoot(resource) + "data/id=" + Escape(id)
}

// DataPrefix lists every primary object of a resource.
func DataPrefix(resource string) string {
	return ResourceRoot(resource) + "data/"
}

// PartitionsRoot lists every pointer object of a resource, across all of
// its partitions.
func PartitionsRoot(resource string) string {
	return ResourceRoot(resource) + "partitions/"
}

// PartitionPrefix lists every pointer object of one partition.
func PartitionPrefix(resource, partition string) string {
	return PartitionsRoot(resource) + partition + "/"
}

// PluginRoot is the prefix a plugin is allowed to write under.
func PluginRoot(pluginID string) string {
	return "plugin=" + pluginID + "/"
}

// PluginKey places an object inside a plugin's namespace.
func PluginKey(pluginID, rest string) string {
	return PluginRoot(pluginID) + strings.TrimPrefix(rest, "/")
}

// RecordID extracts the record id from a data or pointer key. It reads the
// final "id=<escaped>" segment, so it works for both layouts.
func RecordID(key string) (string, bool) {
	segment := key
	if idx := strings.LastIndex(key, "/"); idx >= 0 {
		segment = key[idx+1:]
	}
	escaped, ok := strings.CutPrefix(segment, "id=")
	if !ok {
		return "", false
	}
	id, err := Unescape(escaped)
	if err != nil {
		return "", false
	}
	return id, true
}
