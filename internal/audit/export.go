package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/careshield/internal/authz"
	"github.com/and161185/careshield/internal/errs"
	"github.com/and161185/careshield/internal/identity"
	"github.com/and161185/careshield/internal/model"
)

// Format is the encoding of an export.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat maps an empty value to json.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	}
	return "", fmt.Errorf("%w: unsupported export format %q", errs.ErrInvalidInput, s)
}

// ExportRequest selects the row-audit records to export.
type ExportRequest struct {
	Start     time.Time
	End       time.Time
	TableName string
	Format    Format
	// Archive stores a compressed copy when an archiver is configured.
	Archive bool
}

// Export is the result of ExportAuditLogs.
type Export struct {
	Rows        []model.DataAuditLog
	Data        []byte
	ContentType string
	ArchiveKey  string
}

// ExportAuditLogs returns the unredacted row-audit records of the actor's tenant.
func (s *Service) ExportAuditLogs(ctx context.Context, id model.IdentityContext, req ExportRequest) (*Export, error) {
	tenantID, err := identity.VerifyTenantAccess(id, "")
	if err != nil {
		return nil, err
	}
	if err := authz.Require(ctx, s.authz, id, authz.AuditExport, errs.ErrInsufficientAuditPermission); err != nil {
		return nil, err
	}
	if req.Start.IsZero() || req.End.IsZero() || req.End.Before(req.Start) {
		return nil, fmt.Errorf("%w: export range is invalid", errs.ErrInvalidInput)
	}
	format, err := ParseFormat(string(req.Format))
	if err != nil {
		return nil, err
	}
	if ok, retry := s.throttle.Allow(tenantID); !ok {
		return nil, fmt.Errorf("%w: retry in %s", errs.ErrRateLimited, retry.Round(time.Second))
	}

	var table *string
	if t := strings.TrimSpace(req.TableName); t != "" {
		table = &t
	}
	rows, err := s.logs.ExportDataLogs(ctx, id, req.Start, req.End, table)
	if err != nil {
		return nil, err
	}

	out := &Export{Rows: rows}
	switch format {
	case FormatCSV:
		out.Data = encodeCSV(rows)
		out.ContentType = "text/csv"
	default:
		if rows == nil {
			rows = []model.DataAuditLog{}
		}
		if out.Data, err = json.Marshal(rows); err != nil {
			return nil, fmt.Errorf("encode export: %w", err)
		}
		out.ContentType = "application/json"
	}

	if req.Archive && s.archive != nil {
		name := fmt.Sprintf("audit-%s-%s.%s", req.Start.UTC().Format("20060102"), req.End.UTC().Format("20060102"), format)
		out.ArchiveKey, err = s.archive.Put(ctx, tenantID, name, out.ContentType, out.Data)
		if err != nil {
			return nil, fmt.Errorf("archive export: %w", err)
		}
	}

	s.m.Exported(len(rows))
	s.log.Info("audit export",
		zap.String("tenant_id", tenantID),
		zap.String("user_id", id.UserID),
		zap.String("format", string(format)),
		zap.Int("rows", len(rows)))

	details := map[string]any{
		"start":  req.Start.UTC().Format(time.RFC3339),
		"end":    req.End.UTC().Format(time.RFC3339),
		"format": string(format),
		"rows":   len(rows),
	}
	if table != nil {
		details["tableName"] = *table
	}
	if out.ArchiveKey != "" {
		details["archiveKey"] = out.ArchiveKey
	}
	s.recordBestEffort(ctx, id, tenantAction(id, "audit.exported", details))
	return out, nil
}

// CleanupOldLogs deletes row-audit records past retention. Irreversible, so it is
// reserved for the tenant owner.
func (s *Service) CleanupOldLogs(ctx context.Context, id model.IdentityContext) (int64, error) {
	if _, err := identity.VerifyTenantAccess(id, ""); err != nil {
		return 0, err
	}
	if id.UserRole != string(model.RoleOwner) {
		return 0, errs.ErrInsufficientAuditPermission
	}
	n, err := s.logs.CleanupDataLogs(ctx, id)
	if err != nil {
		return 0, err
	}
	s.m.Cleaned(n)
	s.log.Info("audit cleanup", zap.String("tenant_id", id.TenantID), zap.Int64("deleted", n))
	s.recordBestEffort(ctx, id, tenantAction(id, "audit.cleaned", map[string]any{"deleted": n}))
	return n, nil
}

func (s *Service) recordBestEffort(ctx context.Context, id model.IdentityContext, a Action) {
	if s.recorder != nil {
		s.recorder.RecordActionBestEffort(ctx, id, a)
	}
}

var csvHeader = []string{
	"id", "table_name", "operation", "row_id", "user_id", "tenant_id", "facility_id",
	"timestamp", "old_values", "new_values", "changed_fields", "session_id", "ip_address", "user_agent",
}

// encodeCSV writes every field quoted with embedded quotes doubled.
// encoding/csv only quotes when needed, so the writer is hand-rolled.
func encodeCSV(rows []model.DataAuditLog) []byte {
	var b bytes.Buffer
	writeCSVRecord(&b, csvHeader)
	for _, r := range rows {
		writeCSVRecord(&b, []string{
			strconv.FormatInt(r.ID, 10),
			r.TableName,
			string(r.Operation),
			r.RowID,
			deref(r.UserID),
			deref(r.TenantID),
			deref(r.FacilityID),
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			string(r.OldValues),
			string(r.NewValues),
			strings.Join(r.ChangedFields, ","),
			deref(r.SessionID),
			deref(r.IPAddress),
			deref(r.UserAgent),
		})
	}
	return b.Bytes()
}

func writeCSVRecord(b *bytes.Buffer, fields []string) {
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(f, `"`, `""`))
		b.WriteByte('"')
	}
	b.WriteString("\r\n")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
