package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Event subjects published by the controller.
const (
	EventTypeTransferApproved = "transfer.approved"
	EventTypeTransferRejected = "transfer.rejected"
	EventTypeProbationSet     = "probation.set"
	EventTypeAdminChanged     = "admin.changed"
	EventTypeComplianceAlert  = "compliance.alert"
)

// TransferEvent records one review decision.
type TransferEvent struct {
	EventID       uuid.UUID `json:"event_id"`
	FromAccount   string    `json:"from_account"`
	ToAccount     string    `json:"to_account"`
	Spender       string    `json:"spender,omitempty"`
	Amount        string    `json:"amount"`
	LedgerTime    uint64    `json:"ledger_time"`
	Approved      bool      `json:"approved"`
	Reason        string    `json:"reason,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// ProbationEvent records an administrative probation change.
type ProbationEvent struct {
	EventID        uuid.UUID `json:"event_id"`
	Account        string    `json:"account"`
	ProbationStart uint64    `json:"probation_start"`
	QuotasReset    bool      `json:"quotas_reset"`
	Timestamp      time.Time `json:"timestamp"`
}

// AdminChangedEvent records an admin rotation.
type AdminChangedEvent struct {
	EventID   uuid.UUID `json:"event_id"`
	NewAdmin  string    `json:"new_admin"`
	Timestamp time.Time `json:"timestamp"`
}

// ComplianceAlertEvent is raised when an account trips the rejection
// threshold inside the alert window.
type ComplianceAlertEvent struct {
	AlertID    uuid.UUID `json:"alert_id"`
	Account    string    `json:"account"`
	Rejections int       `json:"rejections"`
	Window     uint64    `json:"window"`
	LedgerTime uint64    `json:"ledger_time"`
	Timestamp  time.Time `json:"timestamp"`
}
