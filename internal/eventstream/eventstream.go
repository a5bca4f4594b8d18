// Package eventstream is the document store contract the sync core is built
// on: filtered queries, single-document writes and push subscriptions that
// deliver full snapshots with per-document changes.
package eventstream

import (
	"context"
	"strings"
)

// Document is one stored record.
type Document struct {
	ID     string
	Fields map[string]any
}

// String returns the named field as a string, or "" if absent or not a string.
func (d Document) String(field string) string {
	s, _ := d.Fields[field].(string)
	return s
}

// ChangeType is the kind of a per-document change in a snapshot.
type ChangeType string

const (
	Added    ChangeType = "added"
	Modified ChangeType = "modified"
	Removed  ChangeType = "removed"
)

// Change describes one document that differs from the previous snapshot.
type Change struct {
	Type ChangeType
	Doc  Document
}

// Snapshot is the full current result set of a subscription plus what
// changed since the last delivery. The first snapshot reports every
// document as Added.
type Snapshot struct {
	Docs    []Document
	Changes []Change
}

// Handler receives snapshots. Calls for one subscription never overlap.
type Handler func(Snapshot)

// Unsubscribe stops a subscription. It is safe to call more than once and
// from inside the subscription's own handler.
type Unsubscribe func()

// DocumentID is a filter or order field that refers to the document id.
const DocumentID = "__id__"

// Direction is a sort direction.
type Direction int

const (
	Asc Direction = iota
	Desc
)

// Filter is an equality constraint on a field.
type Filter struct {
	Field string
	Value any
}

// Order sorts results by a field.
type Order struct {
	Field string
	Dir   Direction
}

// Query selects documents of one collection.
type Query struct {
	Collection string
	Filters    []Filter
	Orders     []Order
}

// From starts a query over a collection.
func From(collection string) Query {
	return Query{Collection: collection}
}

// Where adds an equality filter.
func (q Query) Where(field string, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Value: value})
	return q
}

// OrderBy adds a sort key. Ties are always broken by document id.
func (q Query) OrderBy(field string, dir Direction) Query {
	q.Orders = append(append([]Order(nil), q.Orders...), Order{Field: field, Dir: dir})
	return q
}

func (q Query) String() string {
	var b strings.Builder
	b.WriteString(q.Collection)
	for _, f := range q.Filters {
		b.WriteString(" " + f.Field + "==" + toString(f.Value))
	}
	return b.String()
}

type serverTimestamp struct{}

// ServerTimestamp is a field value replaced with the store's clock at write time.
var ServerTimestamp any = serverTimestamp{}

// Client is the remote document store. Every failure is a transport error and
// is returned to the caller without retry.
type Client interface {
	// Subscribe runs q, delivers the result, then redelivers whenever the
	// result set changes. An error means the subscription was not set up.
	Subscribe(ctx context.Context, q Query, fn Handler) (Unsubscribe, error)
	Get(ctx context.Context, collection, id string) (Document, bool, error)
	Query(ctx context.Context, q Query) ([]Document, error)
	// Create stores a new document under a generated id.
	Create(ctx context.Context, collection string, fields map[string]any) (string, error)
	// Set creates or replaces the document with the given id.
	Set(ctx context.Context, collection, id string, fields map[string]any) error
	// Update merges fields into an existing document.
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	// UnionAppend adds value to the array field unless already present.
	UnionAppend(ctx context.Context, collection, id, field string, value any) error
}

// ConditionalUpdater is implemented by stores that can guard an update on the
// current field values. Applied is false when the guard did not match.
type ConditionalUpdater interface {
	UpdateIf(ctx context.Context, collection, id string, expect, fields map[string]any) (applied bool, err error)
}
