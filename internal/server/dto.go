package server

import (
	"encoding/json"
	"strings"

	"stakeline/internal/config"
	"stakeline/internal/domain"
)

// Request payloads. Amounts are base units; value is what the caller conveys.

type RegisterRequest struct {
	Name string `json:"name"`
	Age  int64  `json:"age" minimum:"1"`
}

type CreateTaskRequest struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	DeadlineHours int64  `json:"deadline_hours"`
	MaxRevisions  int64  `json:"max_revisions"`
	Reward        int64  `json:"reward"`
	Value         int64  `json:"value"`
}

type JoinRequestBody struct {
	Value int64 `json:"value"`
}

type ApplicantRequest struct {
	ApplicantID string `json:"applicant_id"`
}

type SubmitRequest struct {
	URL  string `json:"url"`
	Note string `json:"note,omitempty"`
}

type RevisionRequest struct {
	Note       string `json:"note,omitempty"`
	ExtraHours int64  `json:"extra_hours"`
}

type ResubmitRequest struct {
	Note string `json:"note,omitempty"`
	URL  string `json:"url,omitempty"`
}

type CancelRequestBody struct {
	Reason string `json:"reason"`
}

type CancelResponseRequest struct {
	Approve bool `json:"approve"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
}

type ConfigFieldRequest struct {
	Weights    *config.Weights          `json:"weights,omitempty"`
	Tiers      []int64                  `json:"tiers,omitempty"`
	Categories []int64                  `json:"categories,omitempty"`
	Reputation *config.ReputationPoints `json:"reputation,omitempty"`
	Limits     *config.Limits           `json:"limits,omitempty"`
	MaxStake   *int64                   `json:"max_stake,omitempty"`
	NegPenalty *int64                   `json:"neg_penalty_percent,omitempty"`
	FeePercent *int64                   `json:"fee_percent,omitempty"`
	Treasury   *string                  `json:"treasury,omitempty"`
	Strategy   *string                  `json:"strategy,omitempty" enum:"tiered,ratio"`
}

// apply copies every field that was set onto c.
func (r ConfigFieldRequest) apply(c *config.Config) error {
	if r.Weights != nil {
		c.Weights = *r.Weights
	}
	if r.Tiers != nil {
		c.Tiers = append([]int64(nil), r.Tiers...)
	}
	if r.Categories != nil {
		c.Categories = append([]int64(nil), r.Categories...)
	}
	if r.Reputation != nil {
		c.Reputation = *r.Reputation
	}
	if r.Limits != nil {
		c.Limits = *r.Limits
	}
	if r.MaxStake != nil {
		c.Limits.MaxStake = *r.MaxStake
	}
	if r.NegPenalty != nil {
		c.Limits.NegPenaltyPercent = *r.NegPenalty
	}
	if r.FeePercent != nil {
		c.Limits.FeePercent = *r.FeePercent
	}
	if r.Treasury != nil {
		c.Treasury = strings.TrimSpace(*r.Treasury)
	}
	if r.Strategy != nil {
		c.Stake.Strategy = *r.Strategy
	}
	return nil
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type TaskResponse struct {
	ID                 int64  `json:"id"`
	Status             string `json:"status" enum:"active,open_registration,in_progress,cancel_requested,completed,cancelled"`
	CreatorID          string `json:"creator_id"`
	MemberID           string `json:"member_id,omitempty"`
	MemberStake        int64  `json:"member_stake"`
	Title              string `json:"title"`
	URL                string `json:"url"`
	Reward             int64  `json:"reward"`
	DeadlineHours      int64  `json:"deadline_hours"`
	DeadlineAt         int64  `json:"deadline_at,omitempty"`
	CreatorStake       int64  `json:"creator_stake"`
	Fee                int64  `json:"fee"`
	MaxRevisions       int64  `json:"max_revisions"`
	CreatorStakeLocked bool   `json:"creator_stake_locked"`
	MemberStakeLocked  bool   `json:"member_stake_locked"`
	RewardClaimed      bool   `json:"reward_claimed"`
	ConfigVersion      int64  `json:"config_version"`
	CreatedAt          string `json:"created_at" format:"date-time"`
	UpdatedAt          string `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	TaskID  int64          `json:"task_id,omitempty"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

type DeadlineResponse struct {
	Triggered bool         `json:"triggered"`
	Task      TaskResponse `json:"task"`
}

type CancelOutcomeResponse struct {
	Outcome string       `json:"outcome" enum:"approved,rejected,expired"`
	Task    TaskResponse `json:"task"`
}

type BalanceResponse struct {
	ActorID string `json:"actor_id"`
	Amount  int64  `json:"amount"`
	Display string `json:"display"`
}

type MeResponse struct {
	ActorID      string          `json:"actor_id"`
	Source       string          `json:"source"`
	Roles        []string        `json:"roles"`
	Capabilities map[string]bool `json:"capabilities"`
	Profile      *domain.User    `json:"profile,omitempty"`
}

type ConfigResponse struct {
	Version int64          `json:"version"`
	Config  *config.Config `json:"config"`
}

type VersionResponse struct {
	Version int64 `json:"version"`
}

type CreateAPIKeyResponse struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:                 t.ID,
		Status:             string(t.Status),
		CreatorID:          t.CreatorID,
		MemberID:           t.MemberID(),
		MemberStake:        t.MemberStake(),
		Title:              t.Title,
		URL:                t.URL,
		Reward:             t.Reward,
		DeadlineHours:      t.DeadlineHours,
		DeadlineAt:         t.DeadlineAt,
		CreatorStake:       t.CreatorStake,
		Fee:                t.Fee,
		MaxRevisions:       t.MaxRevisions,
		CreatorStakeLocked: t.CreatorStakeLocked,
		MemberStakeLocked:  t.MemberStakeLocked,
		RewardClaimed:      t.RewardClaimed,
		ConfigVersion:      t.ConfigVersion,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	payload := decodeJSONMap(e.Payload)
	if payload == nil {
		payload = map[string]any{}
	}
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		TaskID:  e.TaskID,
		ActorID: e.ActorID,
		Payload: payload,
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
