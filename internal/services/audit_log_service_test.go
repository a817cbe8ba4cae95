package services

import (
	"context"
	"testing"
	"time"

	domain "github.com/orderfield/api/internal/domain"
	"github.com/orderfield/api/internal/repositories"
)

type stubAuditRepository struct {
	entries []domain.AuditLogEntry
	filter  repositories.AuditLogFilter
	err     error
}

func (s *stubAuditRepository) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *stubAuditRepository) List(ctx context.Context, filter repositories.AuditLogFilter) ([]domain.AuditLogEntry, error) {
	s.filter = filter
	return s.entries, s.err
}

func TestAuditLogServiceRecordSanitises(t *testing.T) {
	repo := &stubAuditRepository{}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	svc, err := NewAuditLogService(AuditLogServiceDeps{
		Repository:  repo,
		Clock:       func() time.Time { return now },
		IDGenerator: func() string { return "01HWVJ7Q4N" },
	})
	if err != nil {
		t.Fatalf("NewAuditLogService: %v", err)
	}

	entry, err := svc.Record(context.Background(), RecordAuditLogCommand{
		Actor:     "  usr_1  ",
		ActorRole: "Admin",
		Action:    "create:refunds",
		TargetRef: "orders/ord_1",
		Decision:  "DENY",
		Metadata: map[string]any{
			"reason": "bad\x00input",
			"":       "dropped",
		},
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	if entry.ID != "aud_01HWVJ7Q4N" {
		t.Fatalf("unexpected entry id %q", entry.ID)
	}
	if entry.Actor != "usr_1" {
		t.Fatalf("expected trimmed actor, got %q", entry.Actor)
	}
	if entry.ActorRole != "admin" {
		t.Fatalf("expected lowercased role, got %q", entry.ActorRole)
	}
	if entry.Decision != "deny" {
		t.Fatalf("expected deny decision, got %q", entry.Decision)
	}
	if entry.CreatedAt != now {
		t.Fatalf("expected createdAt %s, got %s", now, entry.CreatedAt)
	}
	if got := entry.Metadata["reason"]; got != "badinput" {
		t.Fatalf("expected control characters stripped, got %q", got)
	}
	if _, ok := entry.Metadata[""]; ok {
		t.Fatalf("expected empty metadata key dropped")
	}
	if len(repo.entries) != 1 {
		t.Fatalf("expected one persisted entry, got %d", len(repo.entries))
	}
}

func TestAuditLogServiceRecordRequiresAction(t *testing.T) {
	svc, err := NewAuditLogService(AuditLogServiceDeps{Repository: &stubAuditRepository{}})
	if err != nil {
		t.Fatalf("NewAuditLogService: %v", err)
	}

	if _, err := svc.Record(context.Background(), RecordAuditLogCommand{Actor: "usr_1"}); err == nil {
		t.Fatalf("expected error for missing action")
	}
}

func TestAuditLogServiceRecordDefaultsDecision(t *testing.T) {
	repo := &stubAuditRepository{}
	svc, err := NewAuditLogService(AuditLogServiceDeps{Repository: repo})
	if err != nil {
		t.Fatalf("NewAuditLogService: %v", err)
	}

	entry, err := svc.Record(context.Background(), RecordAuditLogCommand{Action: "read:orders"})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if entry.Decision != "allow" {
		t.Fatalf("expected default allow decision, got %q", entry.Decision)
	}
}

func TestAuditLogServiceListPropagatesFilter(t *testing.T) {
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	repo := &stubAuditRepository{
		entries: []domain.AuditLogEntry{{ID: "aud_1"}},
	}
	svc, err := NewAuditLogService(AuditLogServiceDeps{Repository: repo})
	if err != nil {
		t.Fatalf("NewAuditLogService: %v", err)
	}

	entries, err := svc.List(context.Background(), AuditLogListFilter{
		Actor:  " usr_1 ",
		Action: "create:refunds",
		From:   &from,
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	if repo.filter.Actor != "usr_1" {
		t.Fatalf("expected trimmed actor filter, got %q", repo.filter.Actor)
	}
	if repo.filter.DateRange.From == nil || !repo.filter.DateRange.From.Equal(from) {
		t.Fatalf("expected date range propagated")
	}
	if repo.filter.Limit != 50 {
		t.Fatalf("expected default limit 50, got %d", repo.filter.Limit)
	}
}

var _ repositories.AuditLogRepository = (*stubAuditRepository)(nil)
