package eventstream

import (
	"fmt"
	"reflect"
	"sort"
	"time"
)

// normalize reduces a field value to the primitive form it has after a JSON
// round trip, so values compare the same before and after storage.
func normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return t
	case bool:
		return t
	case float64:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return t.String()
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32:
		return rv.Float()
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = normalize(iter.Value().Interface())
		}
		return out
	}
	return v
}

func toString(v any) string {
	if s, ok := normalize(v).(string); ok {
		return s
	}
	return fmt.Sprint(normalize(v))
}

func equalValues(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// compareValues orders two field values. Missing values sort first, RFC 3339
// strings compare as instants, then numbers, strings and booleans.
func compareValues(a, b any) int {
	a, b = normalize(a), normalize(b)
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}

	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			at, aerr := time.Parse(time.RFC3339Nano, as)
			bt, berr := time.Parse(time.RFC3339Nano, bs)
			if aerr == nil && berr == nil {
				return at.Compare(bt)
			}
			return compareOrdered(as, bs)
		}
	}
	if af, ok := a.(float64); ok {
		if bf, ok := b.(float64); ok {
			return compareOrdered(af, bf)
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0
			case !ab:
				return -1
			default:
				return 1
			}
		}
	}
	return compareOrdered(fmt.Sprint(a), fmt.Sprint(b))
}

func compareOrdered[T string | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func fieldValue(doc Document, field string) any {
	if field == DocumentID {
		return doc.ID
	}
	return doc.Fields[field]
}

// Matches reports whether doc satisfies every filter of q.
func (q Query) Matches(doc Document) bool {
	for _, f := range q.Filters {
		if !equalValues(fieldValue(doc, f.Field), f.Value) {
			return false
		}
	}
	return true
}

// Sort orders docs in place by q's sort keys, then by id.
func (q Query) Sort(docs []Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, o := range q.Orders {
			c := compareValues(fieldValue(docs[i], o.Field), fieldValue(docs[j], o.Field))
			if o.Dir == Desc {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		return docs[i].ID < docs[j].ID
	})
}

// Diff computes the changes that turn prev into next.
func Diff(prev, next []Document) []Change {
	old := make(map[string]Document, len(prev))
	for _, d := range prev {
		old[d.ID] = d
	}

	var changes []Change
	seen := make(map[string]struct{}, len(next))
	for _, d := range next {
		seen[d.ID] = struct{}{}
		p, ok := old[d.ID]
		switch {
		case !ok:
			changes = append(changes, Change{Type: Added, Doc: d})
		case !reflect.DeepEqual(normalize(p.Fields), normalize(d.Fields)):
			changes = append(changes, Change{Type: Modified, Doc: d})
		}
	}
	for _, d := range prev {
		if _, ok := seen[d.ID]; !ok {
			changes = append(changes, Change{Type: Removed, Doc: d})
		}
	}
	return changes
}

func addedChanges(docs []Document) []Change {
	changes := make([]Change, len(docs))
	for i, d := range docs {
		changes[i] = Change{Type: Added, Doc: d}
	}
	return changes
}
