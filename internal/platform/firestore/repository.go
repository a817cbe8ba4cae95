package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Document is a decoded entity together with the snapshot times
// Firestore recorded for it.
type Document[T any] struct {
	ID         string
	Data       T
	CreateTime time.Time
	UpdateTime time.Time
	ReadTime   time.Time
}

// MutationResult reports the server-assigned update time of a write.
type MutationResult struct {
	UpdateTime time.Time
}

// Encoder converts an entity into the shape that gets persisted.
type Encoder[T any] func(ctx context.Context, value T) (any, error)

// Decoder hydrates an entity out of a document snapshot.
type Decoder[T any] func(ctx context.Context, snap *firestore.DocumentSnapshot) (T, error)

// QueryBuilder shapes a collection query before it runs.
type QueryBuilder func(query firestore.Query) firestore.Query

// codec bundles the encode and decode halves of a repository,
// defaulting either side to Firestore's native struct mapping.
type codec[T any] struct {
	encode Encoder[T]
	decode Decoder[T]
}

func newCodec[T any](encode Encoder[T], decode Decoder[T]) codec[T] {
	c := codec[T]{encode: encode, decode: decode}
	if c.encode == nil {
		c.encode = func(_ context.Context, value T) (any, error) { return value, nil }
	}
	if c.decode == nil {
		c.decode = decodeNative[T]
	}
	return c
}

func decodeNative[T any](_ context.Context, snap *firestore.DocumentSnapshot) (T, error) {
	var target T
	err := snap.DataTo(&target)
	return target, err
}

// BaseRepository gives one Firestore collection a typed read/write
// surface. The fulfillment repositories compose it per aggregate
// (orders, shipments, refunds, ledger entries) and reach for
// DocumentRef when an invariant must be checked inside a transaction.
type BaseRepository[T any] struct {
	provider   *Provider
	collection string
	codec      codec[T]
}

// NewBaseRepository binds a typed repository to a collection. Nil
// codecs fall back to Firestore's native struct mapping.
func NewBaseRepository[T any](provider *Provider, collection string, encode Encoder[T], decode Decoder[T]) *BaseRepository[T] {
	return &BaseRepository[T]{
		provider:   provider,
		collection: strings.TrimSpace(collection),
		codec:      newCodec(encode, decode),
	}
}

// Set upserts value under the given document id.
func (r *BaseRepository[T]) Set(ctx context.Context, id string, value T, opts ...firestore.SetOption) (MutationResult, error) {
	ref, err := r.documentRef(ctx, id)
	if err != nil {
		return MutationResult{}, err
	}
	payload, err := r.codec.encode(ctx, value)
	if err != nil {
		return MutationResult{}, fmt.Errorf("firestore: encode document %s: %w", id, err)
	}
	write, err := ref.Set(ctx, payload, opts...)
	if err != nil {
		return MutationResult{}, WrapError(r.scope("set"), err)
	}
	return MutationResult{UpdateTime: write.UpdateTime}, nil
}

// Get fetches and decodes a single document.
func (r *BaseRepository[T]) Get(ctx context.Context, id string) (Document[T], error) {
	ref, err := r.documentRef(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(r.scope("get"), err)
	}
	return r.hydrate(ctx, snap)
}

// Query runs a collection query and decodes every matching document.
func (r *BaseRepository[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	coll, err := r.collectionRef(ctx)
	if err != nil {
		return nil, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []Document[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, WrapError(r.scope("query"), err)
		}
		doc, err := r.hydrate(ctx, snap)
		if err != nil {
			return nil, fmt.Errorf("firestore: decode document %s: %w", snap.Ref.ID, err)
		}
		out = append(out, doc)
	}
}

// DocumentRef exposes the raw reference for transactional reads and
// writes.
func (r *BaseRepository[T]) DocumentRef(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	return r.documentRef(ctx, id)
}

func (r *BaseRepository[T]) hydrate(ctx context.Context, snap *firestore.DocumentSnapshot) (Document[T], error) {
	data, err := r.codec.decode(ctx, snap)
	if err != nil {
		return Document[T]{}, err
	}
	doc := Document[T]{ID: snap.Ref.ID, Data: data}
	doc.CreateTime, doc.UpdateTime, doc.ReadTime = snap.CreateTime, snap.UpdateTime, snap.ReadTime
	return doc, nil
}

func (r *BaseRepository[T]) collectionRef(ctx context.Context) (*firestore.CollectionRef, error) {
	switch {
	case r == nil || r.provider == nil:
		return nil, WrapError(r.scope("collection"), errors.New("firestore: provider is nil"))
	case r.collection == "":
		return nil, WrapError(r.scope("collection"), errors.New("firestore: collection name is required"))
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(r.collection), nil
}

func (r *BaseRepository[T]) documentRef(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(r.scope("document"), errors.New("firestore: document id is required"))
	}
	coll, err := r.collectionRef(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

func (r *BaseRepository[T]) scope(action string) string {
	if r == nil || r.collection == "" {
		return "firestore." + action
	}
	return r.collection + "." + action
}
