package eventstream

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"strings"
	"time"

	"duolink/internal/models"
	"duolink/internal/observability"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Record is the row backing one document.
type Record struct {
	Collection string `gorm:"primaryKey;size:255"`
	DocID      string `gorm:"primaryKey;size:64"`
	Fields     datatypes.JSONMap
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName specifies the table name for GORM
func (Record) TableName() string {
	return "documents"
}

func (r Record) document() Document {
	fields := make(map[string]any, len(r.Fields))
	maps.Copy(fields, r.Fields)
	return Document{ID: r.DocID, Fields: fields}
}

// Store is a Client backed by a single GORM table of JSON documents.
type Store struct {
	db   *gorm.DB
	feed Feed
	now  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for server timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store. Writes are announced on feed.
func NewStore(db *gorm.DB, feed Feed, opts ...Option) *Store {
	s := &Store{db: db, feed: feed, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	_ Client             = (*Store)(nil)
	_ ConditionalUpdater = (*Store)(nil)
)

// op instruments one store call and converts failures into transport errors.
func (s *Store) op(ctx context.Context, operation, collection string) (context.Context, func(error) error) {
	span, ctx := observability.StartStoreSpan(ctx, operation, collection)
	done := observability.TrackStore(operation)
	observability.StoreOperations.WithLabelValues(collectionRoot(collection), operation).Inc()

	return ctx, func(err error) error {
		defer span.End()
		defer done()
		if err == nil {
			return nil
		}
		var appErr *models.AppError
		if errors.As(err, &appErr) {
			return err
		}
		span.SetError(err)
		observability.TransportErrors.WithLabelValues(operation).Inc()
		observability.NewStreamLogger(collection).LogError(ctx, err, operation)
		return models.NewTransportError(operation+" "+collection, err)
	}
}

// collectionRoot keeps metric labels bounded for nested collections.
func collectionRoot(collection string) string {
	root, _, _ := strings.Cut(collection, "/")
	return root
}

func (s *Store) published(ctx context.Context, collection string) {
	if err := s.feed.Publish(ctx, collection); err != nil {
		observability.NewStreamLogger(collection).LogError(ctx, err, "publish")
	}
}

// prepare copies fields into their stored form, stamping server timestamps.
func (s *Store) prepare(fields map[string]any) datatypes.JSONMap {
	now := s.now().UTC()
	out := make(datatypes.JSONMap, len(fields))
	for k, v := range fields {
		if _, ok := v.(serverTimestamp); ok {
			v = now
		}
		out[k] = normalize(v)
	}
	return out
}

func (s *Store) locked(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func (s *Store) load(tx *gorm.DB, collection, id string) (Record, error) {
	var rec Record
	err := s.locked(tx).Where("collection = ? AND doc_id = ?", collection, id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, models.NewNotFoundError(collection, id)
	}
	if err == nil && rec.Fields == nil {
		rec.Fields = datatypes.JSONMap{}
	}
	return rec, err
}

func (s *Store) write(tx *gorm.DB, rec Record) error {
	return tx.Model(&Record{}).
		Where("collection = ? AND doc_id = ?", rec.Collection, rec.DocID).
		Updates(map[string]any{"fields": rec.Fields, "updated_at": s.now()}).Error
}

// Get returns the document with the given id.
func (s *Store) Get(ctx context.Context, collection, id string) (Document, bool, error) {
	ctx, finish := s.op(ctx, "get", collection)

	var rec Record
	err := s.db.WithContext(ctx).Where("collection = ? AND doc_id = ?", collection, id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, false, finish(nil)
	}
	if err != nil {
		return Document{}, false, finish(err)
	}
	return rec.document(), true, finish(nil)
}

// Query returns the documents matching q in q's order.
func (s *Store) Query(ctx context.Context, q Query) ([]Document, error) {
	ctx, finish := s.op(ctx, "query", q.Collection)

	tx := s.db.WithContext(ctx).Where("collection = ?", q.Collection)
	for _, f := range q.Filters {
		if f.Field == DocumentID {
			tx = tx.Where("doc_id = ?", toString(f.Value))
			continue
		}
		tx = tx.Where(datatypes.JSONQuery("fields").Equals(normalize(f.Value), f.Field))
	}

	var recs []Record
	if err := tx.Find(&recs).Error; err != nil {
		return nil, finish(err)
	}

	docs := make([]Document, 0, len(recs))
	for _, rec := range recs {
		doc := rec.document()
		if q.Matches(doc) {
			docs = append(docs, doc)
		}
	}
	q.Sort(docs)
	return docs, finish(nil)
}

// Create stores fields under a new random id.
func (s *Store) Create(ctx context.Context, collection string, fields map[string]any) (string, error) {
	ctx, finish := s.op(ctx, "create", collection)

	rec := Record{Collection: collection, DocID: uuid.NewString(), Fields: s.prepare(fields)}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return "", finish(err)
	}
	observability.NewStreamLogger(collection).LogWrite(ctx, "create", rec.DocID)
	s.published(ctx, collection)
	return rec.DocID, finish(nil)
}

// Set creates or replaces the document with the given id.
func (s *Store) Set(ctx context.Context, collection, id string, fields map[string]any) error {
	ctx, finish := s.op(ctx, "set", collection)

	rec := Record{Collection: collection, DocID: id, Fields: s.prepare(fields)}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "doc_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"fields", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return finish(err)
	}
	s.published(ctx, collection)
	return finish(nil)
}

// Update merges fields into the existing document.
func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	ctx, finish := s.op(ctx, "update", collection)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.load(tx, collection, id)
		if err != nil {
			return err
		}
		maps.Copy(rec.Fields, s.prepare(fields))
		return s.write(tx, rec)
	})
	if err != nil {
		return finish(err)
	}
	s.published(ctx, collection)
	return finish(nil)
}

// UpdateIf merges fields only when every expect entry equals the stored value.
func (s *Store) UpdateIf(ctx context.Context, collection, id string, expect, fields map[string]any) (bool, error) {
	ctx, finish := s.op(ctx, "update_if", collection)

	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.load(tx, collection, id)
		if err != nil {
			return err
		}
		for k, v := range expect {
			if !equalValues(rec.Fields[k], v) {
				return nil
			}
		}
		maps.Copy(rec.Fields, s.prepare(fields))
		applied = true
		return s.write(tx, rec)
	})
	if err != nil {
		return false, finish(err)
	}
	if applied {
		s.published(ctx, collection)
	}
	return applied, finish(nil)
}

// Delete removes the document. Deleting a missing document is not an error.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	ctx, finish := s.op(ctx, "delete", collection)

	res := s.db.WithContext(ctx).Where("collection = ? AND doc_id = ?", collection, id).Delete(&Record{})
	if res.Error != nil {
		return finish(res.Error)
	}
	if res.RowsAffected > 0 {
		observability.NewStreamLogger(collection).LogWrite(ctx, "delete", id)
		s.published(ctx, collection)
	}
	return finish(nil)
}

// UnionAppend adds value to the array field with set semantics.
func (s *Store) UnionAppend(ctx context.Context, collection, id, field string, value any) error {
	ctx, finish := s.op(ctx, "union_append", collection)

	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.load(tx, collection, id)
		if err != nil {
			return err
		}
		var arr []any
		switch cur := rec.Fields[field].(type) {
		case nil:
		case []any:
			arr = cur
		default:
			return models.NewMalformedRecordError(collection, id, errors.New(field+" is not an array"))
		}
		for _, v := range arr {
			if equalValues(v, value) {
				return nil
			}
		}
		rec.Fields[field] = append(arr, normalize(value))
		changed = true
		return s.write(tx, rec)
	})
	if err != nil {
		return finish(err)
	}
	if changed {
		s.published(ctx, collection)
	}
	return finish(nil)
}

// Subscribe runs q and keeps redelivering its result set whenever a write to
// the collection changes it. The subscription ends when ctx is done or the
// returned Unsubscribe is called.
func (s *Store) Subscribe(ctx context.Context, q Query, fn Handler) (Unsubscribe, error) {
	// Listen before the first read so no write between the two is missed.
	trigger, stopListening := s.feed.Listen(q.Collection)

	docs, err := s.Query(ctx, q)
	if err != nil {
		stopListening()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		store:   s,
		query:   q,
		handler: fn,
		trigger: trigger,
		logger:  observability.NewStreamLogger(q.Collection),
	}
	sub.logger.LogSubscribe(subCtx, "started", q.String())
	observability.ActiveSubscriptions.WithLabelValues(collectionRoot(q.Collection)).Inc()

	go func() {
		defer observability.ActiveSubscriptions.WithLabelValues(collectionRoot(q.Collection)).Dec()
		defer stopListening()
		sub.run(subCtx, docs)
		sub.logger.LogSubscribe(context.WithoutCancel(subCtx), "stopped", q.String())
	}()

	return func() { cancel() }, nil
}

type subscription struct {
	store   *Store
	query   Query
	handler Handler
	trigger <-chan struct{}
	logger  *observability.StreamLogger
}

func (sub *subscription) run(ctx context.Context, initial []Document) {
	sub.deliver(ctx, Snapshot{Docs: initial, Changes: addedChanges(initial)})

	prev := initial
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.trigger:
			next, err := sub.store.Query(ctx, sub.query)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// The next signal retries; the subscription stays up.
				continue
			}
			changes := Diff(prev, next)
			if len(changes) == 0 {
				continue
			}
			prev = next
			sub.deliver(ctx, Snapshot{Docs: next, Changes: changes})
		}
	}
}

func (sub *subscription) deliver(ctx context.Context, snap Snapshot) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			observability.Logger.ErrorContext(ctx, "panic in snapshot handler",
				slog.String("collection", sub.query.Collection),
				slog.Any("panic", r),
			)
		}
	}()
	observability.SnapshotsDelivered.WithLabelValues(collectionRoot(sub.query.Collection)).Inc()
	sub.handler(snap)
}
