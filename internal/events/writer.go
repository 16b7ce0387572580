package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	UserRegistered     = "user.registered"
	UserUnregistered   = "user.unregistered"
	TaskCreated        = "task.created"
	RegistrationOpened = "task.registration.opened"
	RegistrationClosed = "task.registration.closed"
	JoinRequested      = "join.requested"
	JoinApproved       = "join.approved"
	JoinRejected       = "join.rejected"
	JoinWithdrawn      = "join.withdrawn"
	TaskSubmitted      = "task.submitted"
	TaskResubmitted    = "task.resubmitted"
	RevisionRequested  = "task.revision.requested"
	TaskApproved       = "task.approved"
	CancelRequested    = "cancel.requested"
	CancelApproved     = "cancel.approved"
	CancelRejected     = "cancel.rejected"
	CancelExpired      = "cancel.expired"
	TaskSelfCancelled  = "task.self_cancelled"
	DeadlineTriggered  = "task.deadline"
	ReputationChanged  = "reputation.changed"
	BalanceCredited    = "balance.credited"
	BalanceWithdrawn   = "balance.withdrawn"
	FeeCredited        = "fee.credited"
	FeesSwept          = "fee.swept"
	ConfigUpdated      = "config.updated"
	RoleGranted        = "role.granted"
	RoleRevoked        = "role.revoked"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside tx so it commits or rolls back with the operation.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, taskID int64, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,task_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullableID(taskID), actorID, string(data))
	return err
}

func nullableID(v int64) any {
	if v <= 0 {
		return nil
	}
	return v
}
