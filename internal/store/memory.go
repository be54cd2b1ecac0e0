package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// Memory is an in-process store backend used for development and tests. It
// supports the operator subset the service actually issues: $gt, $gte, $lt,
// $lte, $ne, $all, $not, $near for filters and $set, $addToSet for updates.
// Filters match on top-level fields only.
type Memory struct {
	mu          sync.RWMutex
	collections map[string][]bson.M
	seq         int64
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{collections: make(map[string][]bson.M)}
}

func (m *Memory) InsertOne(ctx context.Context, collection string, doc bson.M) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := deepCopy(doc)
	if _, ok := copied["_id"]; !ok {
		m.seq++
		copied["_id"] = fmt.Sprintf("mem-%d", m.seq)
	}
	m.collections[collection] = append(m.collections[collection], copied)
	return fmt.Sprintf("%v", copied["_id"]), nil
}

func (m *Memory) FindOne(ctx context.Context, collection string, filter bson.M) (bson.M, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, doc := range m.collections[collection] {
		if matchDoc(doc, filter) {
			return deepCopy(doc), nil
		}
	}
	return nil, nil
}

func (m *Memory) FindMany(ctx context.Context, collection string, filter bson.M, opts FindOptions) ([]bson.M, error) {
	m.mu.RLock()
	var matched []bson.M
	for _, doc := range m.collections[collection] {
		if matchDoc(doc, filter) {
			matched = append(matched, deepCopy(doc))
		}
	}
	m.mu.RUnlock()

	// $near queries return results ordered by distance, nearest first
	if field, center, hasNear := nearQuery(filter); hasNear {
		sort.SliceStable(matched, func(i, j int) bool {
			return distanceTo(matched[i][field], center) < distanceTo(matched[j][field], center)
		})
	}

	for _, s := range opts.Sort {
		s := s
		sort.SliceStable(matched, func(i, j int) bool {
			cmp := compareValues(matched[i][s.Key], matched[j][s.Key])
			if s.Desc {
				return cmp > 0
			}
			return cmp < 0
		})
	}

	if opts.Skip > 0 {
		if opts.Skip >= int64(len(matched)) {
			return nil, nil
		}
		matched = matched[opts.Skip:]
	}
	if opts.Limit > 0 && int64(len(matched)) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

func (m *Memory) Count(ctx context.Context, collection string, filter bson.M) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, doc := range m.collections[collection] {
		if matchDoc(doc, filter) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) UpdateOne(ctx context.Context, collection string, filter, update bson.M, useOperators bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, doc := range m.collections[collection] {
		if !matchDoc(doc, filter) {
			continue
		}
		if useOperators {
			return applyOperators(doc, update)
		}
		changed := false
		for k, v := range update {
			if compareValues(doc[k], v) != 0 || !sameType(doc[k], v) {
				changed = true
			}
			doc[k] = deepCopyValue(v)
		}
		return changed, nil
	}
	return false, nil
}

func (m *Memory) DeleteOne(ctx context.Context, collection string, filter bson.M) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs := m.collections[collection]
	for i, doc := range docs {
		if matchDoc(doc, filter) {
			m.collections[collection] = append(docs[:i], docs[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) DeleteMany(ctx context.Context, collection string, filter bson.M) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []bson.M
	var deleted int64
	for _, doc := range m.collections[collection] {
		if matchDoc(doc, filter) {
			deleted++
			continue
		}
		kept = append(kept, doc)
	}
	m.collections[collection] = kept
	return deleted, nil
}

func (m *Memory) CheckHealth(ctx context.Context) Health {
	return Health{
		Status:  "healthy",
		Primary: "memory",
		Members: []Member{{Name: "memory", State: "PRIMARY", Health: 1}},
	}
}

func (m *Memory) Close(ctx context.Context) error {
	return nil
}

// applyOperators handles operator-based updates ($set, $addToSet)
func applyOperators(doc bson.M, update bson.M) (bool, error) {
	changed := false
	for op, raw := range update {
		fields, ok := raw.(bson.M)
		if !ok {
			if alt, isMap := raw.(map[string]interface{}); isMap {
				fields = bson.M(alt)
			} else {
				return false, fmt.Errorf("malformed update operator %s", op)
			}
		}
		switch op {
		case "$set":
			for k, v := range fields {
				doc[k] = deepCopyValue(v)
				changed = true
			}
		case "$addToSet":
			for k, v := range fields {
				arr := anySlice(doc[k])
				if containsValue(arr, v) {
					continue
				}
				doc[k] = append(arr, deepCopyValue(v))
				changed = true
			}
		default:
			return false, fmt.Errorf("unsupported update operator: %s", op)
		}
	}
	return changed, nil
}

// matchDoc evaluates a Mongo-style filter against a document
func matchDoc(doc bson.M, filter bson.M) bool {
	for field, cond := range filter {
		if !matchField(doc[field], cond) {
			return false
		}
	}
	return true
}

func matchField(value, cond interface{}) bool {
	ops, isOps := operatorMap(cond)
	if !isOps {
		return compareValues(value, cond) == 0 && sameKind(value, cond)
	}
	for op, arg := range ops {
		if !matchOperator(value, op, arg) {
			return false
		}
	}
	return true
}

func matchOperator(value interface{}, op string, arg interface{}) bool {
	switch op {
	case "$gt":
		return comparable2(value, arg) && compareValues(value, arg) > 0
	case "$gte":
		return comparable2(value, arg) && compareValues(value, arg) >= 0
	case "$lt":
		return comparable2(value, arg) && compareValues(value, arg) < 0
	case "$lte":
		return comparable2(value, arg) && compareValues(value, arg) <= 0
	case "$ne":
		return !matchField(value, arg)
	case "$all":
		arr := anySlice(value)
		for _, want := range anySlice(arg) {
			if !containsValue(arr, want) {
				return false
			}
		}
		return true
	case "$not":
		return !matchField(value, arg)
	case "$near":
		// presence-only here; ordering and radius are handled by the caller
		// via nearQuery and maxDistance below
		spec, ok := operatorMap(arg)
		if !ok {
			return false
		}
		center, centerOK := geometryCenter(spec["$geometry"])
		if !centerOK {
			return false
		}
		dist := distanceTo(value, center)
		if maxDist, hasMax := toFloat(spec["$maxDistance"]); hasMax {
			return dist <= maxDist
		}
		return true
	default:
		return false
	}
}

// nearQuery extracts the field and center of a $near clause, if any
func nearQuery(filter bson.M) (field string, center []float64, ok bool) {
	for f, cond := range filter {
		ops, isOps := operatorMap(cond)
		if !isOps {
			continue
		}
		near, hasNear := ops["$near"]
		if !hasNear {
			continue
		}
		spec, specOK := operatorMap(near)
		if !specOK {
			continue
		}
		if c, cOK := geometryCenter(spec["$geometry"]); cOK {
			return f, c, true
		}
	}
	return "", nil, false
}

func geometryCenter(v interface{}) ([]float64, bool) {
	geom, ok := operatorMap(v)
	if !ok {
		return nil, false
	}
	coords := floatSlice(geom["coordinates"])
	if len(coords) != 2 {
		return nil, false
	}
	return coords, true
}

// distanceTo computes the haversine distance in meters between a stored
// GeoJSON point and a center coordinate
func distanceTo(value interface{}, center []float64) float64 {
	loc, ok := operatorMap(value)
	if !ok {
		return math.MaxFloat64
	}
	coords := floatSlice(loc["coordinates"])
	if len(coords) != 2 {
		return math.MaxFloat64
	}
	return haversine(coords[1], coords[0], center[1], center[0])
}

const earthRadiusMeters = 6371000

func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// operatorMap reports whether v is a map whose keys are $-operators, and
// returns it as bson.M either way when it is any map
func operatorMap(v interface{}) (bson.M, bool) {
	var asMap bson.M
	switch mv := v.(type) {
	case bson.M:
		asMap = mv
	case map[string]interface{}:
		asMap = bson.M(mv)
	default:
		return nil, false
	}
	return asMap, true
}

// compareValues orders two values: -1, 0, or 1. Mixed or non-comparable
// types compare as equal-by-string.
func compareValues(a, b interface{}) int {
	if at, aok := timeValue(a); aok {
		if bt, bok := timeValue(b); bok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			default:
				return 0
			}
		}
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	as := fmt.Sprintf("%v", a)
	bs := fmt.Sprintf("%v", b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func comparable2(a, b interface{}) bool {
	if a == nil || b == nil {
		return false
	}
	if _, ok := timeValue(a); ok {
		_, bok := timeValue(b)
		return bok
	}
	return true
}

func sameKind(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return true
}

func sameType(a, b interface{}) bool {
	return fmt.Sprintf("%T", a) == fmt.Sprintf("%T", b)
}

func timeValue(v interface{}) (time.Time, bool) {
	t, ok := v.(time.Time)
	return t, ok
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func floatSlice(v interface{}) []float64 {
	switch vals := v.(type) {
	case []float64:
		return vals
	case []interface{}:
		out := make([]float64, 0, len(vals))
		for _, item := range vals {
			f, ok := toFloat(item)
			if !ok {
				return nil
			}
			out = append(out, f)
		}
		return out
	case bson.A:
		return floatSlice([]interface{}(vals))
	default:
		return nil
	}
}

func anySlice(v interface{}) []interface{} {
	switch vals := v.(type) {
	case []interface{}:
		return vals
	case bson.A:
		return []interface{}(vals)
	case []string:
		out := make([]interface{}, len(vals))
		for i, s := range vals {
			out[i] = s
		}
		return out
	case nil:
		return nil
	default:
		return nil
	}
}

func containsValue(arr []interface{}, want interface{}) bool {
	for _, item := range arr {
		if compareValues(item, want) == 0 {
			return true
		}
	}
	return false
}

func deepCopy(doc bson.M) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case bson.M:
		return deepCopy(val)
	case map[string]interface{}:
		return map[string]interface{}(deepCopy(bson.M(val)))
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	case bson.A:
		out := make(bson.A, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	default:
		return v
	}
}
