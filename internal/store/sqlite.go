package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"dealflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS deals (
  id TEXT PRIMARY KEY,
  user_id TEXT,
  confirmation_id TEXT,
  commercial_terms_id TEXT,
  payment_terms_id TEXT,
  status TEXT NOT NULL CHECK(status IN ('draft','submitted','processing','completed','cancelled')) DEFAULT 'draft',
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS task_statuses (
  id TEXT PRIMARY KEY,
  deal_id TEXT NOT NULL REFERENCES deals(id),
  dispatch_id TEXT,
  status TEXT NOT NULL CHECK(status IN ('pending','processing','completed','failed')) DEFAULT 'pending',
  message TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL,
  completed_at DATETIME
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_task_statuses_dispatch ON task_statuses(dispatch_id) WHERE dispatch_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_task_statuses_inflight ON task_statuses(deal_id) WHERE status IN ('pending','processing');
CREATE INDEX IF NOT EXISTS idx_task_statuses_deal ON task_statuses(deal_id, created_at DESC);
CREATE TABLE IF NOT EXISTS dropdown_options (
  id TEXT PRIMARY KEY,
  field_name TEXT NOT NULL,
  option_values TEXT NOT NULL DEFAULT '{}',
  display_order INTEGER NOT NULL DEFAULT 0,
  tooltip_text TEXT,
  is_active INTEGER NOT NULL DEFAULT 1,
  UNIQUE(field_name, option_values)
);
CREATE INDEX IF NOT EXISTS idx_dropdown_active ON dropdown_options(is_active, field_name, display_order);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	CreateDeal(ctx context.Context, d domain.Deal) (string, error)
	GetDeal(ctx context.Context, id string) (domain.Deal, error)
	CancelDeal(ctx context.Context, id string) error

	// BeginSubmission atomically stamps a submittable deal as submitted and
	// creates a pending task-status row. It returns the new row and the
	// deal's prior status so a dispatch failure can be compensated.
	BeginSubmission(ctx context.Context, dealID, message string) (domain.TaskStatus, string, error)
	// RevertSubmission undoes BeginSubmission after the queue rejected the
	// work: the task row is failed and the deal returns to its prior status.
	RevertSubmission(ctx context.Context, dealID, prior, taskID, message string) error
	SetTaskDispatchID(ctx context.Context, taskID, dispatchID string) error
	GetTaskStatus(ctx context.Context, taskID string) (domain.TaskStatus, error)

	// ClaimTaskPending moves pending -> processing. A false return means the
	// row was not pending and the caller lost the claim.
	ClaimTaskPending(ctx context.Context, taskID, message string) (bool, error)
	CompleteTask(ctx context.Context, taskID, message string) (bool, error)
	FailTask(ctx context.Context, taskID, message string) (bool, error)
	MarkDealProcessing(ctx context.Context, dealID string) error
	MarkDealCompleted(ctx context.Context, dealID string) error

	CreateDropdownOption(ctx context.Context, o domain.DropdownOption) (string, error)
	UpdateDropdownOption(ctx context.Context, o domain.DropdownOption) error
	DeleteDropdownOption(ctx context.Context, id string) error
	GetDropdownOption(ctx context.Context, id string) (domain.DropdownOption, error)
	ListActiveDropdownOptions(ctx context.Context) ([]domain.DropdownOption, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) CreateDeal(ctx context.Context, d domain.Deal) (string, error) {
	id := d.ID
	if id == "" {
		id = "dl_" + uuid.NewString()
	}
	if d.Status == "" {
		d.Status = domain.DealDraft
	}
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO deals (id,user_id,confirmation_id,commercial_terms_id,payment_terms_id,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)
`, id, d.UserID, d.ConfirmationID, d.CommercialTermsID, d.PaymentTermsID, d.Status, now, now)
	return id, err
}

func (r *sqliteRepo) GetDeal(ctx context.Context, id string) (domain.Deal, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,user_id,confirmation_id,commercial_terms_id,payment_terms_id,status,created_at,updated_at
FROM deals WHERE id=?`, id)
	return scanDeal(row)
}

func scanDeal(row *sql.Row) (domain.Deal, error) {
	var d domain.Deal
	var userID, confID, commID, payID sql.NullString
	err := row.Scan(&d.ID, &userID, &confID, &commID, &payID, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Deal{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Deal{}, err
	}
	d.UserID = nullStr(userID)
	d.ConfirmationID = nullStr(confID)
	d.CommercialTermsID = nullStr(commID)
	d.PaymentTermsID = nullStr(payID)
	return d, nil
}

func (r *sqliteRepo) CancelDeal(ctx context.Context, id string) error {
	deal, err := r.GetDeal(ctx, id)
	if err != nil {
		return err
	}
	if !deal.Cancellable() {
		return domain.ErrStateConflict
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE deals SET status=?, updated_at=? WHERE id=? AND status IN (?,?)
`, domain.DealCancelled, time.Now().UTC(), id, domain.DealDraft, domain.DealSubmitted)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race against a concurrent transition.
		return domain.ErrStateConflict
	}
	return nil
}

func (r *sqliteRepo) BeginSubmission(ctx context.Context, dealID, message string) (domain.TaskStatus, string, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.TaskStatus{}, "", err
	}
	defer func() { _ = tx.Rollback() }()

	var prior string
	err = tx.QueryRowContext(ctx, `SELECT status FROM deals WHERE id=?`, dealID).Scan(&prior)
	if err == sql.ErrNoRows {
		return domain.TaskStatus{}, "", domain.ErrNotFound
	}
	if err != nil {
		return domain.TaskStatus{}, "", err
	}
	if !(domain.Deal{Status: prior}).Submittable() {
		return domain.TaskStatus{}, "", domain.ErrStateConflict
	}

	now := time.Now().UTC()
	// Guard on the status we just read so a concurrent submission loses here.
	res, err := tx.ExecContext(ctx, `
UPDATE deals SET status=?, updated_at=? WHERE id=? AND status=?
`, domain.DealSubmitted, now, dealID, prior)
	if err != nil {
		return domain.TaskStatus{}, "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.TaskStatus{}, "", domain.ErrStateConflict
	}

	t := domain.TaskStatus{
		ID:        "ts_" + uuid.NewString(),
		DealID:    dealID,
		Status:    domain.TaskPending,
		Message:   message,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO task_statuses (id,deal_id,status,message,created_at,updated_at)
VALUES (?,?,?,?,?,?)
`, t.ID, t.DealID, t.Status, t.Message, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		// idx_task_statuses_inflight: an earlier attempt for this deal is
		// still pending or processing, e.g. after a cancel mid-flight.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.TaskStatus{}, "", domain.ErrStateConflict
		}
		return domain.TaskStatus{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskStatus{}, "", err
	}
	return t, prior, nil
}

func (r *sqliteRepo) RevertSubmission(ctx context.Context, dealID, prior, taskID, message string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
UPDATE deals SET status=?, updated_at=? WHERE id=? AND status=?
`, prior, now, dealID, domain.DealSubmitted)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
UPDATE task_statuses SET status=?, message=?, completed_at=?, updated_at=? WHERE id=? AND status=?
`, domain.TaskFailed, message, now, now, taskID, domain.TaskPending)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqliteRepo) SetTaskDispatchID(ctx context.Context, taskID, dispatchID string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE task_statuses SET dispatch_id=?, updated_at=? WHERE id=?
`, dispatchID, time.Now().UTC(), taskID)
	return err
}

func (r *sqliteRepo) GetTaskStatus(ctx context.Context, taskID string) (domain.TaskStatus, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,deal_id,dispatch_id,status,message,created_at,updated_at,completed_at
FROM task_statuses WHERE id=?`, taskID)
	var t domain.TaskStatus
	var dispatch sql.NullString
	var completed sql.NullTime
	err := row.Scan(&t.ID, &t.DealID, &dispatch, &t.Status, &t.Message, &t.CreatedAt, &t.UpdatedAt, &completed)
	if err == sql.ErrNoRows {
		return domain.TaskStatus{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.TaskStatus{}, err
	}
	t.DispatchID = nullStr(dispatch)
	if completed.Valid {
		c := completed.Time
		t.CompletedAt = &c
	}
	return t, nil
}

func (r *sqliteRepo) ClaimTaskPending(ctx context.Context, taskID, message string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE task_statuses SET status=?, message=?, updated_at=? WHERE id=? AND status=?
`, domain.TaskProcessing, message, time.Now().UTC(), taskID, domain.TaskPending)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *sqliteRepo) CompleteTask(ctx context.Context, taskID, message string) (bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
UPDATE task_statuses SET status=?, message=?, completed_at=?, updated_at=? WHERE id=? AND status=?
`, domain.TaskCompleted, message, now, now, taskID, domain.TaskProcessing)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *sqliteRepo) FailTask(ctx context.Context, taskID, message string) (bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
UPDATE task_statuses SET status=?, message=?, completed_at=?, updated_at=?
WHERE id=? AND status IN (?,?)
`, domain.TaskFailed, message, now, now, taskID, domain.TaskPending, domain.TaskProcessing)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *sqliteRepo) MarkDealProcessing(ctx context.Context, dealID string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE deals SET status=?, updated_at=? WHERE id=? AND status=?
`, domain.DealProcessing, time.Now().UTC(), dealID, domain.DealSubmitted)
	return err
}

func (r *sqliteRepo) MarkDealCompleted(ctx context.Context, dealID string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE deals SET status=?, updated_at=? WHERE id=? AND status=?
`, domain.DealCompleted, time.Now().UTC(), dealID, domain.DealProcessing)
	return err
}

func (r *sqliteRepo) CreateDropdownOption(ctx context.Context, o domain.DropdownOption) (string, error) {
	id := o.ID
	if id == "" {
		id = "opt_" + uuid.NewString()
	}
	if o.OptionValues == "" {
		o.OptionValues = "{}"
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO dropdown_options (id,field_name,option_values,display_order,tooltip_text,is_active)
VALUES (?,?,?,?,?,?)
`, id, o.FieldName, o.OptionValues, o.DisplayOrder, o.TooltipText, o.IsActive)
	return id, err
}

func (r *sqliteRepo) UpdateDropdownOption(ctx context.Context, o domain.DropdownOption) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE dropdown_options SET field_name=?, option_values=?, display_order=?, tooltip_text=?, is_active=?
WHERE id=?
`, o.FieldName, o.OptionValues, o.DisplayOrder, o.TooltipText, o.IsActive, o.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *sqliteRepo) DeleteDropdownOption(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM dropdown_options WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *sqliteRepo) GetDropdownOption(ctx context.Context, id string) (domain.DropdownOption, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,field_name,option_values,display_order,tooltip_text,is_active
FROM dropdown_options WHERE id=?`, id)
	var o domain.DropdownOption
	var tooltip sql.NullString
	err := row.Scan(&o.ID, &o.FieldName, &o.OptionValues, &o.DisplayOrder, &tooltip, &o.IsActive)
	if err == sql.ErrNoRows {
		return domain.DropdownOption{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.DropdownOption{}, err
	}
	o.TooltipText = nullStr(tooltip)
	return o, nil
}

func (r *sqliteRepo) ListActiveDropdownOptions(ctx context.Context) ([]domain.DropdownOption, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,field_name,option_values,display_order,tooltip_text,is_active
FROM dropdown_options WHERE is_active=1
ORDER BY field_name, display_order, option_values`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var opts []domain.DropdownOption
	for rows.Next() {
		var o domain.DropdownOption
		var tooltip sql.NullString
		if err := rows.Scan(&o.ID, &o.FieldName, &o.OptionValues, &o.DisplayOrder, &tooltip, &o.IsActive); err != nil {
			return nil, err
		}
		o.TooltipText = nullStr(tooltip)
		opts = append(opts, o)
	}
	return opts, rows.Err()
}

func nullStr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
