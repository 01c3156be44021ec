// Package format contains helpers for the REST object encoding: the JSON
// shape exchanged with clients, as opposed to the native encoding used by
// the storage layer.
//
// Special values are maps tagged with a "__type" key (Pointer, Date, File,
// GeoPoint) and atomic update markers are maps tagged with "__op".
package format

import (
	"time"
)

// Field type markers.
const (
	TypePointer  = "Pointer"
	TypeDate     = "Date"
	TypeFile     = "File"
	TypeGeoPoint = "GeoPoint"
	TypeObject   = "Object"
)

// Update operator markers.
const (
	OpIncrement      = "Increment"
	OpAdd            = "Add"
	OpAddUnique      = "AddUnique"
	OpRemove         = "Remove"
	OpDelete         = "Delete"
	OpAddRelation    = "AddRelation"
	OpRemoveRelation = "RemoveRelation"
	OpBatch          = "Batch"
)

// DateLayout is the wire format for Date values.
const DateLayout = "2006-01-02T15:04:05.000Z"

// Pointer builds a REST pointer value.
func Pointer(className, objectID string) map[string]any {
	return map[string]any{
		"__type":    TypePointer,
		"className": className,
		"objectId":  objectID,
	}
}

// AsPointer reports whether v is a REST pointer and, if so, returns its
// target class and object id.
func AsPointer(v any) (className, objectID string, ok bool) {
	m, isMap := v.(map[string]any)
	if !isMap || m["__type"] != TypePointer {
		return "", "", false
	}
	className, _ = m["className"].(string)
	objectID, _ = m["objectId"].(string)
	return className, objectID, className != "" && objectID != ""
}

// Date builds a REST date value.
func Date(t time.Time) map[string]any {
	return map[string]any{
		"__type": TypeDate,
		"iso":    Encode(t),
	}
}

// AsDate reports whether v is a REST date and returns the parsed time.
func AsDate(v any) (time.Time, bool) {
	m, isMap := v.(map[string]any)
	if !isMap || m["__type"] != TypeDate {
		return time.Time{}, false
	}
	iso, _ := m["iso"].(string)
	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Encode renders t in the wire date format.
func Encode(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// GeoPoint builds a REST geopoint value.
func GeoPoint(latitude, longitude float64) map[string]any {
	return map[string]any{
		"__type":    TypeGeoPoint,
		"latitude":  latitude,
		"longitude": longitude,
	}
}

// AsGeoPoint reports whether v is a REST geopoint.
func AsGeoPoint(v any) (lat, lng float64, ok bool) {
	m, isMap := v.(map[string]any)
	if !isMap || m["__type"] != TypeGeoPoint {
		return 0, 0, false
	}
	lat, latOK := asFloat(m["latitude"])
	lng, lngOK := asFloat(m["longitude"])
	return lat, lng, latOK && lngOK
}

// File builds a REST file value.
func File(name string) map[string]any {
	return map[string]any{
		"__type": TypeFile,
		"name":   name,
	}
}

// AsFile reports whether v is a REST file and returns its name.
func AsFile(v any) (name string, ok bool) {
	m, isMap := v.(map[string]any)
	if !isMap || m["__type"] != TypeFile {
		return "", false
	}
	name, _ = m["name"].(string)
	return name, name != ""
}

// OpOf returns the update operator name of v, if v is an operator marker.
func OpOf(v any) (string, bool) {
	m, isMap := v.(map[string]any)
	if !isMap {
		return "", false
	}
	op, _ := m["__op"].(string)
	return op, op != ""
}

// OpObjects returns the "objects" list of a relation or array operator.
func OpObjects(v any) []any {
	m, _ := v.(map[string]any)
	objects, _ := m["objects"].([]any)
	return objects
}

// OpSubOps returns the sub-operations of a Batch operator.
func OpSubOps(v any) []any {
	m, _ := v.(map[string]any)
	ops, _ := m["ops"].([]any)
	return ops
}

// DeepCopy copies a REST document. Values are the JSON scalar types plus
// map[string]any and []any; anything else is shared, not copied.
func DeepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, sub := range t {
			out[k] = DeepCopy(sub)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, sub := range t {
			out[i] = DeepCopy(sub)
		}
		return out
	default:
		return v
	}
}

// DeepCopyMap is DeepCopy for a document root, preserving nil.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return DeepCopy(m).(map[string]any)
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}
