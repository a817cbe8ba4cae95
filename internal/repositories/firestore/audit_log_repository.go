package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/orderfield/api/internal/domain"
	pfirestore "github.com/orderfield/api/internal/platform/firestore"
	"github.com/orderfield/api/internal/repositories"
)

const (
	auditLogsCollection   = "auditLogs"
	defaultAuditListLimit = 50
	maxAuditListLimit     = 500
)

type auditLogDocument struct {
	Actor     string         `firestore:"actor"`
	ActorRole string         `firestore:"actorRole,omitempty"`
	Action    string         `firestore:"action"`
	TargetRef string         `firestore:"targetRef,omitempty"`
	Metadata  map[string]any `firestore:"metadata,omitempty"`
	Decision  string         `firestore:"decision"`
	RequestID string         `firestore:"requestId,omitempty"`
	CreatedAt time.Time      `firestore:"createdAt"`
}

// AuditLogRepository implements repositories.AuditLogRepository backed by Firestore.
type AuditLogRepository struct {
	provider *pfirestore.Provider
	logs     *pfirestore.BaseRepository[auditLogDocument]
}

var _ repositories.AuditLogRepository = (*AuditLogRepository)(nil)

// NewAuditLogRepository constructs a Firestore-backed audit log repository.
func NewAuditLogRepository(provider *pfirestore.Provider) (*AuditLogRepository, error) {
	if provider == nil {
		return nil, errors.New("audit log repository requires firestore provider")
	}
	return &AuditLogRepository{
		provider: provider,
		logs:     pfirestore.NewBaseRepository[auditLogDocument](provider, auditLogsCollection, nil, nil),
	}, nil
}

// Append stores one immutable audit trail entry.
func (r *AuditLogRepository) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	if strings.TrimSpace(entry.ID) == "" {
		return pfirestore.NewConflictError("auditLogs.append", errors.New("audit log id is required"))
	}

	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.logs.DocumentRef(ctx, entry.ID)
		if err != nil {
			return err
		}
		return tx.Create(ref, encodeAuditLog(entry))
	})
}

// List returns audit trail entries matching the filter, newest first.
func (r *AuditLogRepository) List(ctx context.Context, filter repositories.AuditLogFilter) ([]domain.AuditLogEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAuditListLimit
	}
	if limit > maxAuditListLimit {
		limit = maxAuditListLimit
	}

	docs, err := r.logs.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.Actor != "" {
			q = q.Where("actor", "==", filter.Actor)
		}
		if filter.Action != "" {
			q = q.Where("action", "==", filter.Action)
		}
		if filter.TargetRef != "" {
			q = q.Where("targetRef", "==", filter.TargetRef)
		}
		if filter.DateRange.From != nil {
			q = q.Where("createdAt", ">=", *filter.DateRange.From)
		}
		if filter.DateRange.To != nil {
			q = q.Where("createdAt", "<", *filter.DateRange.To)
		}
		return q.OrderBy("createdAt", firestore.Desc).Limit(limit)
	})
	if err != nil {
		return nil, err
	}

	entries := make([]domain.AuditLogEntry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, decodeAuditLog(doc.ID, doc.Data))
	}
	return entries, nil
}

func encodeAuditLog(entry domain.AuditLogEntry) auditLogDocument {
	return auditLogDocument{
		Actor:     entry.Actor,
		ActorRole: entry.ActorRole,
		Action:    entry.Action,
		TargetRef: entry.TargetRef,
		Metadata:  entry.Metadata,
		Decision:  entry.Decision,
		RequestID: entry.RequestID,
		CreatedAt: entry.CreatedAt,
	}
}

func decodeAuditLog(id string, doc auditLogDocument) domain.AuditLogEntry {
	return domain.AuditLogEntry{
		ID:        id,
		Actor:     doc.Actor,
		ActorRole: doc.ActorRole,
		Action:    doc.Action,
		TargetRef: doc.TargetRef,
		Metadata:  doc.Metadata,
		Decision:  doc.Decision,
		RequestID: doc.RequestID,
		CreatedAt: doc.CreatedAt,
	}
}
