package domain

import (
	"errors"
	"time"
)

// Deal statuses. Transitions run one way
// (draft -> submitted -> processing -> completed) except cancelled,
// which may re-enter submitted via a fresh submission.
const (
	DealDraft      = "draft"
	DealSubmitted  = "submitted"
	DealProcessing = "processing"
	DealCompleted  = "completed"
	DealCancelled  = "cancelled"
)

// Task statuses. pending -> processing -> {completed, failed}.
const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrStateConflict   = errors.New("deal is already submitted or processed")
	ErrDispatchFailure = errors.New("failed to dispatch deal for processing")
)

type Deal struct {
	ID                string
	UserID            *string
	ConfirmationID    *string
	CommercialTermsID *string
	PaymentTermsID    *string
	Status            string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Submittable reports whether a submission may be accepted for the deal.
func (d Deal) Submittable() bool {
	return d.Status == DealDraft || d.Status == DealCancelled
}

// Cancellable reports whether the deal may move to cancelled. In-flight
// work is never cancelled, so processing and completed deals are final.
func (d Deal) Cancellable() bool {
	return d.Status == DealDraft || d.Status == DealSubmitted
}

// TaskStatus tracks one submission attempt. DispatchID is the queue's
// handle, set only after a successful enqueue. CompletedAt is non-nil
// exactly when Status is terminal.
type TaskStatus struct {
	ID          string
	DealID      string
	DispatchID  *string
	Status      string
	Message     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Terminal reports whether no further automatic transition will occur.
func (t TaskStatus) Terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// DropdownOption is a reference-data row backing client choice lists.
// OptionValues holds a JSON object mapping stored values to labels.
type DropdownOption struct {
	ID           string
	FieldName    string
	OptionValues string
	DisplayOrder int
	TooltipText  *string
	IsActive     bool
}
