package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/orderfield/api/internal/domain"
	"github.com/orderfield/api/internal/repositories"
)

const (
	auditLogIDPrefix     = "aud_"
	defaultAuditDecision = "allow"
)

// AuditLogger defines the logging contract used by the audit writer service.
type AuditLogger interface {
	Warnf(format string, args ...any)
}

type auditLogService struct {
	repo  repositories.AuditLogRepository
	clock func() time.Time
	newID func() string
}

// AuditLogServiceDeps bundles constructor inputs for the audit writer service.
type AuditLogServiceDeps struct {
	Repository  repositories.AuditLogRepository
	Clock       func() time.Time
	IDGenerator func() string
}

// NewAuditLogService creates an audit log writer backed by the supplied repository.
func NewAuditLogService(deps AuditLogServiceDeps) (AuditLogService, error) {
	if deps.Repository == nil {
		return nil, fmt.Errorf("audit log service: repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	return &auditLogService{
		repo:  deps.Repository,
		clock: func() time.Time { return clock().UTC() },
		newID: idGen,
	}, nil
}

// Record persists an audit trail entry after sanitising its text fields.
func (s *auditLogService) Record(ctx context.Context, cmd RecordAuditLogCommand) (AuditLogEntry, error) {
	action := sanitizeText(cmd.Action, 120)
	if action == "" {
		return AuditLogEntry{}, fmt.Errorf("audit log service: action is required")
	}

	entry := domain.AuditLogEntry{
		ID:        auditLogIDPrefix + s.newID(),
		Actor:     sanitizeText(cmd.Actor, 160),
		ActorRole: sanitizeText(strings.ToLower(cmd.ActorRole), 40),
		Action:    action,
		TargetRef: sanitizeText(cmd.TargetRef, 200),
		Decision:  normalizeDecision(cmd.Decision),
		RequestID: sanitizeText(cmd.RequestID, 128),
		Metadata:  sanitizeMetadata(cmd.Metadata),
		CreatedAt: s.clock(),
	}

	if err := s.repo.Append(ctx, entry); err != nil {
		return AuditLogEntry{}, fmt.Errorf("audit log service: append: %w", err)
	}
	return entry, nil
}

// List retrieves audit trail entries matching the filter, newest first.
func (s *auditLogService) List(ctx context.Context, filter AuditLogListFilter) ([]AuditLogEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	entries, err := s.repo.List(ctx, repositories.AuditLogFilter{
		Actor:  strings.TrimSpace(filter.Actor),
		Action: strings.TrimSpace(filter.Action),
		DateRange: domain.RangeQuery[time.Time]{
			From: filter.From,
			To:   filter.To,
		},
		Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("audit log service: list: %w", err)
	}
	return entries, nil
}

func normalizeDecision(decision string) string {
	switch strings.ToLower(strings.TrimSpace(decision)) {
	case "deny":
		return "deny"
	default:
		return defaultAuditDecision
	}
}

func sanitizeMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	result := make(map[string]any, len(metadata))
	for key, value := range metadata {
		trimmedKey := sanitizeText(strings.TrimSpace(key), 80)
		if trimmedKey == "" {
			continue
		}
		switch v := value.(type) {
		case string:
			result[trimmedKey] = sanitizeText(v, 512)
		case fmt.Stringer:
			result[trimmedKey] = sanitizeText(v.String(), 512)
		default:
			result[trimmedKey] = v
		}
	}
	return result
}

// sanitizeText strips control characters and truncates to limit runes of output.
func sanitizeText(input string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}
	var builder strings.Builder
	for _, r := range input {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		builder.WriteRune(r)
		if builder.Len() >= limit {
			break
		}
	}
	return builder.String()
}
