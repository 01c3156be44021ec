// Package match evaluates native queries against native documents. The
// memory datastore uses it for everything; the SQL datastores use it as the
// residual filter on top of whatever they could push into SQL.
package match

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/objstack/objstack/pkg/storage"
)

// Matches reports whether doc satisfies query. Query is a map of native
// field paths to constraints; a constraint is either a bare value (equality)
// or a map of $-operators. "$or" and "$and" take lists of subqueries.
func Matches(doc, query map[string]any) (bool, error) {
	for key, constraint := range query {
		switch key {
		case "$or":
			ok, err := matchAny(doc, constraint)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		case "$and":
			ok, err := matchAll(doc, constraint)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		default:
			value, present := Value(doc, key)
			ok, err := matchConstraint(value, present, constraint)
			if err != nil {
				return false, fmt.Errorf("field %q: %w", key, err)
			}
			if !ok {
				return false, nil
			}
		}
	}
	return true, nil
}

func matchAny(doc map[string]any, sub any) (bool, error) {
	list, ok := sub.([]any)
	if !ok {
		return false, fmt.Errorf("$or expects a list")
	}
	for _, clause := range list {
		clauseMap, ok := clause.(map[string]any)
		if !ok {
			return false, fmt.Errorf("$or clause must be a query")
		}
		matched, err := Matches(doc, clauseMap)
		if err != nil {
			return false, err
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

func matchAll(doc map[string]any, sub any) (bool, error) {
	list, ok := sub.([]any)
	if !ok {
		return false, fmt.Errorf("$and expects a list")
	}
	for _, clause := range list {
		clauseMap, ok := clause.(map[string]any)
		if !ok {
			return false, fmt.Errorf("$and clause must be a query")
		}
		matched, err := Matches(doc, clauseMap)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func matchConstraint(value any, present bool, constraint any) (bool, error) {
	ops, isOps := operatorMap(constraint)
	if !isOps {
		return present && containsOrEqual(value, constraint), nil
	}

	for op, operand := range ops {
		ok, err := matchOperator(value, present, op, operand, ops)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchOperator(value any, present bool, op string, operand any, all map[string]any) (bool, error) {
	switch op {
	case "$eq":
		return present && containsOrEqual(value, operand), nil
	case "$ne":
		return !present || !containsOrEqual(value, operand), nil
	case "$lt", "$lte", "$gt", "$gte":
		if !present {
			return false, nil
		}
		cmp, comparable := Compare(value, operand)
		if !comparable {
			return false, nil
		}
		switch op {
		case "$lt":
			return cmp < 0, nil
		case "$lte":
			return cmp <= 0, nil
		case "$gt":
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case "$in":
		list, ok := operand.([]any)
		if !ok {
			return false, fmt.Errorf("$in expects a list")
		}
		if !present {
			return false, nil
		}
		for _, candidate := range list {
			if containsOrEqual(value, candidate) {
				return true, nil
			}
		}
		return false, nil
	case "$nin":
		list, ok := operand.([]any)
		if !ok {
			return false, fmt.Errorf("$nin expects a list")
		}
		if !present {
			return true, nil
		}
		for _, candidate := range list {
			if containsOrEqual(value, candidate) {
				return false, nil
			}
		}
		return true, nil
	case "$exists":
		want, _ := operand.(bool)
		return present == want, nil
	case "$all":
		list, ok := operand.([]any)
		if !ok {
			return false, fmt.Errorf("$all expects a list")
		}
		arr, ok := value.([]any)
		if !ok {
			return false, nil
		}
		for _, want := range list {
			found := false
			for _, have := range arr {
				if Equal(have, want) {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		}
		return true, nil
	case "$regex":
		pattern, ok := operand.(string)
		if !ok {
			return false, fmt.Errorf("$regex expects a string")
		}
		str, ok := value.(string)
		if !ok {
			return false, nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("bad $regex: %w", err)
		}
		return re.MatchString(str), nil
	case "$nearSphere":
		point, ok := geoValue(operand)
		if !ok {
			return false, fmt.Errorf("$nearSphere expects a geopoint")
		}
		docPoint, ok := geoValue(value)
		if !ok {
			return false, nil
		}
		if maxRaw, has := all["$maxDistance"]; has {
			maxDist, ok := asFloat(maxRaw)
			if !ok {
				return false, fmt.Errorf("$maxDistance expects a number")
			}
			return radians(docPoint, point) <= maxDist, nil
		}
		return true, nil
	case "$maxDistance":
		// Qualifier for $nearSphere, consumed there.
		return true, nil
	default:
		return false, fmt.Errorf("unsupported operator %s", op)
	}
}

// operatorMap reports whether constraint is an operator document, i.e. a map
// whose keys all start with '$'.
func operatorMap(constraint any) (map[string]any, bool) {
	m, ok := constraint.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	// A lone {"$date": ...} is a date atom, not an operator document.
	if _, isDate := m["$date"]; isDate && len(m) == 1 {
		return nil, false
	}
	return m, true
}

// Value resolves a dotted native path inside doc.
func Value(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = doc
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// containsOrEqual implements document-store equality: if the stored value is
// an array and the operand is not, any matching element counts.
func containsOrEqual(value, operand any) bool {
	if arr, ok := value.([]any); ok {
		if _, operandIsArr := operand.([]any); !operandIsArr {
			for _, elem := range arr {
				if Equal(elem, operand) {
					return true
				}
			}
			return false
		}
	}
	return Equal(value, operand)
}

// Equal compares two native values structurally, normalizing numerics.
func Equal(a, b any) bool {
	if fa, aOK := asFloat(a); aOK {
		fb, bOK := asFloat(b)
		return bOK && fa == fb
	}
	switch ta := a.(type) {
	case string:
		tb, ok := b.(string)
		return ok && ta == tb
	case bool:
		tb, ok := b.(bool)
		return ok && ta == tb
	case nil:
		return b == nil
	case []any:
		tb, ok := b.([]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if !Equal(ta[i], tb[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		tb, ok := b.(map[string]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for k, va := range ta {
			vb, has := tb[k]
			if !has || !Equal(va, vb) {
				return false
			}
		}
		return true
	}
	return false
}

// Compare orders two native values of the same kind. Dates compare through
// their fixed-width $date strings.
func Compare(a, b any) (int, bool) {
	if da, ok := dateString(a); ok {
		db, ok := dateString(b)
		if !ok {
			return 0, false
		}
		return strings.Compare(da, db), true
	}
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(sa, sb), true
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case ba == bb:
			return 0, true
		case !ba:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

// Sort orders docs in place by the given keys, falling back to _id so
// results are deterministic.
func Sort(docs []map[string]any, keys []storage.SortKey) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, key := range keys {
			vi, _ := Value(docs[i], key.Field)
			vj, _ := Value(docs[j], key.Field)
			cmp, ok := Compare(vi, vj)
			if !ok {
				// Missing or mixed-kind values sort first.
				iMissing := vi == nil
				jMissing := vj == nil
				if iMissing == jMissing {
					continue
				}
				if key.Descending {
					return jMissing
				}
				return iMissing
			}
			if cmp == 0 {
				continue
			}
			if key.Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		idI, _ := Value(docs[i], "_id")
		idJ, _ := Value(docs[j], "_id")
		cmp, _ := Compare(idI, idJ)
		return cmp < 0
	})
}

// GeoFields returns the fields carrying a $nearSphere constraint anywhere in
// query, so adapters can refuse unindexed geo queries.
func GeoFields(query map[string]any) []string {
	var fields []string
	for key, constraint := range query {
		if key == "$or" || key == "$and" {
			if list, ok := constraint.([]any); ok {
				for _, clause := range list {
					if m, ok := clause.(map[string]any); ok {
						fields = append(fields, GeoFields(m)...)
					}
				}
			}
			continue
		}
		if ops, ok := operatorMap(constraint); ok {
			if _, has := ops["$nearSphere"]; has {
				fields = append(fields, key)
			}
		}
	}
	return fields
}

// GeoSort orders docs by spherical distance from the $nearSphere point on
// field, nearest first.
func GeoSort(docs []map[string]any, field string, point any) {
	target, ok := geoValue(point)
	if !ok {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		vi, _ := Value(docs[i], field)
		vj, _ := Value(docs[j], field)
		pi, iOK := geoValue(vi)
		pj, jOK := geoValue(vj)
		if !iOK || !jOK {
			return jOK
		}
		return radians(pi, target) < radians(pj, target)
	})
}

// NearSpherePoint extracts the $nearSphere operand for field, if any,
// searching through $or and $and as GeoFields does.
func NearSpherePoint(query map[string]any, field string) (any, bool) {
	if constraint, has := query[field]; has {
		if ops, ok := operatorMap(constraint); ok {
			if point, has := ops["$nearSphere"]; has {
				return point, true
			}
		}
	}
	for _, key := range []string{"$or", "$and"} {
		list, ok := query[key].([]any)
		if !ok {
			continue
		}
		for _, clause := range list {
			if m, ok := clause.(map[string]any); ok {
				if point, has := NearSpherePoint(m, field); has {
					return point, true
				}
			}
		}
	}
	return nil, false
}

type geoPoint struct {
	lng float64
	lat float64
}

// geoValue accepts the native [lng, lat] encoding.
func geoValue(v any) (geoPoint, bool) {
	arr, ok := v.([]any)
	if !ok || len(arr) != 2 {
		return geoPoint{}, false
	}
	lng, lngOK := asFloat(arr[0])
	lat, latOK := asFloat(arr[1])
	if !lngOK || !latOK {
		return geoPoint{}, false
	}
	return geoPoint{lng: lng, lat: lat}, true
}

// radians computes the central angle between two points, the unit
// $maxDistance uses.
func radians(a, b geoPoint) float64 {
	lat1 := a.lat * math.Pi / 180
	lat2 := b.lat * math.Pi / 180
	dLat := lat2 - lat1
	dLng := (b.lng - a.lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * math.Asin(math.Min(1, math.Sqrt(h)))
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

func dateString(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return "", false
	}
	s, ok := m["$date"].(string)
	return s, ok
}
