package domain

import "fmt"

type TaskStatus string

const (
	TaskActive           TaskStatus = "active"
	TaskOpenRegistration TaskStatus = "open_registration"
	TaskInProgress       TaskStatus = "in_progress"
	TaskCancelRequested  TaskStatus = "cancel_requested"
	TaskCompleted        TaskStatus = "completed"
	TaskCancelled        TaskStatus = "cancelled"
)

// Terminal reports whether no operation may leave the status.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled
}

// Assigned reports whether the status implies an approved member.
func (s TaskStatus) Assigned() bool {
	return s == TaskInProgress || s == TaskCancelRequested
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskActive, TaskOpenRegistration, TaskInProgress, TaskCancelRequested, TaskCompleted, TaskCancelled:
		return true
	}
	return false
}

// Assignment is the approved member and the collateral they locked.
type Assignment struct {
	ID    string `json:"id"`
	Stake int64  `json:"stake"`
}

type Task struct {
	ID                 int64       `json:"id"`
	Status             TaskStatus  `json:"status" enum:"active,open_registration,in_progress,cancel_requested,completed,cancelled"`
	CreatorID          string      `json:"creator_id"`
	Member             *Assignment `json:"member,omitempty"`
	Title              string      `json:"title"`
	URL                string      `json:"url"`
	Reward             int64       `json:"reward"`
	DeadlineHours      int64       `json:"deadline_hours"`
	DeadlineAt         int64       `json:"deadline_at"`
	CreatorStake       int64       `json:"creator_stake"`
	Fee                int64       `json:"fee"`
	MaxRevisions       int64       `json:"max_revisions"`
	CreatorStakeLocked bool        `json:"creator_stake_locked"`
	MemberStakeLocked  bool        `json:"member_stake_locked"`
	RewardClaimed      bool        `json:"reward_claimed"`
	ConfigVersion      int64       `json:"config_version"`
	CreatedAt          string      `json:"created_at" format:"date-time"`
	UpdatedAt          string      `json:"updated_at" format:"date-time"`
}

// MemberID returns the approved member or "".
func (t Task) MemberID() string {
	if t.Member == nil {
		return ""
	}
	return t.Member.ID
}

// MemberStake returns the locked member collateral or 0.
func (t Task) MemberStake() int64 {
	if t.Member == nil {
		return 0
	}
	return t.Member.Stake
}

// DeadlineReached reports whether an assigned task's deadline has come.
// The deadline second itself counts as reached.
func (t Task) DeadlineReached(now int64) bool {
	return t.DeadlineAt != 0 && now >= t.DeadlineAt
}

// Counterparty returns the other party of an assigned task.
func (t Task) Counterparty(actorID string) string {
	if actorID == t.CreatorID {
		return t.MemberID()
	}
	return t.CreatorID
}

// Check verifies the field combination is legal for the status.
func (t Task) Check() error {
	if !t.Status.Valid() {
		return fmt.Errorf("task %d: unknown status %q", t.ID, t.Status)
	}
	assigned := t.Status.Assigned()
	if assigned && t.Member == nil {
		return fmt.Errorf("task %d: %s without member", t.ID, t.Status)
	}
	if (t.DeadlineAt != 0) != assigned {
		return fmt.Errorf("task %d: deadline_at=%d inconsistent with status %s", t.ID, t.DeadlineAt, t.Status)
	}
	if t.RewardClaimed != (t.Status == TaskCompleted) {
		return fmt.Errorf("task %d: reward_claimed=%v inconsistent with status %s", t.ID, t.RewardClaimed, t.Status)
	}
	if t.CreatorStakeLocked == t.Status.Terminal() {
		return fmt.Errorf("task %d: creator_stake_locked=%v inconsistent with status %s", t.ID, t.CreatorStakeLocked, t.Status)
	}
	if t.MemberStakeLocked != assigned {
		return fmt.Errorf("task %d: member_stake_locked=%v inconsistent with status %s", t.ID, t.MemberStakeLocked, t.Status)
	}
	return nil
}

type JoinStatus string

const (
	JoinPending   JoinStatus = "pending"
	JoinAccepted  JoinStatus = "accepted"
	JoinRejected  JoinStatus = "rejected"
	JoinWithdrawn JoinStatus = "withdrawn"
)

type JoinRequest struct {
	ID          int64      `json:"id"`
	TaskID      int64      `json:"task_id"`
	ApplicantID string     `json:"applicant_id"`
	Stake       int64      `json:"stake"`
	Status      JoinStatus `json:"status" enum:"pending,accepted,rejected,withdrawn"`
	Pending     bool       `json:"pending"`
	Withdrawn   bool       `json:"withdrawn"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
	UpdatedAt   string     `json:"updated_at" format:"date-time"`
}

// CancelRequest is the pending negotiation slot; its presence means pending.
type CancelRequest struct {
	TaskID         int64  `json:"task_id"`
	RequesterID    string `json:"requester_id"`
	CounterpartyID string `json:"counterparty_id"`
	Reason         string `json:"reason"`
	ExpiresAt      int64  `json:"expires_at"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type SubmissionStatus string

const (
	SubmissionPending        SubmissionStatus = "pending"
	SubmissionRevisionNeeded SubmissionStatus = "revision_needed"
)

type Submission struct {
	TaskID      int64            `json:"task_id"`
	URL         string           `json:"url"`
	SubmitterID string           `json:"submitter_id"`
	Note        string           `json:"note,omitempty"`
	Status      SubmissionStatus `json:"status" enum:"pending,revision_needed"`
	Revisions   int64            `json:"revisions"`
	DeadlineAt  int64            `json:"deadline_at"`
	UpdatedAt   string           `json:"updated_at" format:"date-time"`
}

type User struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Age            int64  `json:"age"`
	Reputation     int64  `json:"reputation"`
	TasksCreated   int64  `json:"tasks_created"`
	TasksCompleted int64  `json:"tasks_completed"`
	TasksFailed    int64  `json:"tasks_failed"`
	RegisteredAt   string `json:"registered_at" format:"date-time"`
}

type Role string

const (
	RoleOwner    Role = "owner"
	RoleEmployee Role = "employee"
)

type Payout struct {
	ID        string `json:"id"`
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ConfigVersion struct {
	Version   int64  `json:"version"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	TaskID  int64  `json:"task_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
