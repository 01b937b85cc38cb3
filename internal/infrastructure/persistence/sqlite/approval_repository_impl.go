package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/approval"
	"github.com/YoshitsuguKoike/deepatch/internal/infrastructure/transaction"
)

// ApprovalRepositoryImpl mirrors the approval audit trail into the studio
// database
type ApprovalRepositoryImpl struct {
	db *sql.DB
}

// NewApprovalRepository creates a new SQLite-based approval repository
func NewApprovalRepository(db *sql.DB) *ApprovalRepositoryImpl {
	return &ApprovalRepositoryImpl{db: db}
}

func (r *ApprovalRepositoryImpl) getDB(ctx context.Context) dbExecutor {
	if tx, ok := transaction.GetTxFromContext(ctx); ok {
		return tx
	}
	return r.db
}

// UpsertRequest mirrors one request file. Requests are deterministic per
// (run, approval id), so replace converges the mirror with the file.
func (r *ApprovalRepositoryImpl) UpsertRequest(ctx context.Context, req approval.Request) error {
	db := r.getDB(ctx)
	_, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO approvals
		 (run_id, approval_id, file_path, symbol, diff, risk_score, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.RunID, req.ApprovalID, req.FilePath, req.Symbol, req.Diff, req.RiskScore, req.Reason, req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert approval %s: %w", req.ApprovalID, err)
	}
	return nil
}

// UpsertDecision mirrors one decision file.
func (r *ApprovalRepositoryImpl) UpsertDecision(ctx context.Context, runID, approvalID string, dec approval.Decision) error {
	db := r.getDB(ctx)
	approved := 0
	if dec.Approved {
		approved = 1
	}
	_, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO decisions
		 (run_id, approval_id, approved, reason, decided_at, decided_by)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		runID, approvalID, approved, dec.Reason, dec.DecidedAt, dec.DecidedBy,
	)
	if err != nil {
		return fmt.Errorf("upsert decision %s: %w", approvalID, err)
	}
	return nil
}

// RequestWithDecision pairs a mirrored request with its decision, nil while
// undecided.
type RequestWithDecision struct {
	Request  approval.Request   `json:"request"`
	Decision *approval.Decision `json:"decision,omitempty"`
}

// ListByRun returns a run's approvals joined with their decisions, oldest
// request first.
func (r *ApprovalRepositoryImpl) ListByRun(ctx context.Context, runID string) ([]RequestWithDecision, error) {
	db := r.getDB(ctx)
	rows, err := db.QueryContext(ctx,
		`SELECT a.run_id, a.approval_id, a.file_path, a.symbol, a.diff, a.risk_score, a.reason, a.created_at,
		        d.approved, d.reason, d.decided_at, d.decided_by
		 FROM approvals a
		 LEFT JOIN decisions d ON d.run_id = a.run_id AND d.approval_id = a.approval_id
		 WHERE a.run_id = ?
		 ORDER BY a.created_at ASC, a.approval_id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list approvals for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []RequestWithDecision
	for rows.Next() {
		var (
			req       approval.Request
			approved  sql.NullInt64
			reason    sql.NullString
			decidedAt sql.NullString
			decidedBy sql.NullString
		)
		if err := rows.Scan(
			&req.RunID, &req.ApprovalID, &req.FilePath, &req.Symbol, &req.Diff, &req.RiskScore, &req.Reason, &req.CreatedAt,
			&approved, &reason, &decidedAt, &decidedBy,
		); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		item := RequestWithDecision{Request: req}
		if decidedAt.Valid {
			item.Decision = &approval.Decision{
				Approved:  approved.Int64 == 1,
				Reason:    reason.String,
				DecidedAt: decidedAt.String,
				DecidedBy: decidedBy.String,
			}
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
