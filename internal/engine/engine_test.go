package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"stakeline/internal/config"
	"stakeline/internal/db"
	"stakeline/internal/domain"
	"stakeline/internal/engine"
	"stakeline/internal/engine/auth"
	"stakeline/internal/migrate"
	"stakeline/internal/payout"
	"stakeline/internal/repo"
)

const (
	creator   = "alice"
	member    = "bob"
	applicant = "carol"
	owner     = "root"

	unit = 1_000_000
)

type clock struct{ now time.Time }

func (c *clock) advance(d time.Duration) { c.now = c.now.Add(d) }

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *clock
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, zerolog.Nop())
	eng.Now = func() time.Time { return clk.now }
	if _, err := eng.EnsureConfig(ctx, config.Default("treasury"), "system"); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	if err := eng.BootstrapOwner(ctx, owner); err != nil {
		t.Fatalf("bootstrap owner: %v", err)
	}
	for _, id := range []string{creator, member, applicant} {
		if _, err := eng.Register(ctx, id, id, 30); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	env := testEnv{Engine: eng, Ctx: ctx, Clock: clk}
	t.Cleanup(func() { env.assertSolvent(t) })
	return env
}

func (env testEnv) assertSolvent(t *testing.T) {
	t.Helper()
	s, err := env.Engine.Solvency(env.Ctx)
	if err != nil {
		t.Fatalf("solvency: %v", err)
	}
	if !s.Balanced() {
		t.Fatalf("ledgers out of balance: %+v", s)
	}
}

func (env testEnv) createTask(t *testing.T, reward, hours, revisions int64) domain.Task {
	t.Helper()
	q, err := env.Engine.QuoteCreatorStake(env.Ctx, hours, revisions, reward, creator)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title:         "Logo design",
		URL:           "https://example.org/brief",
		DeadlineHours: hours,
		MaxRevisions:  revisions,
		Reward:        reward,
		Value:         q.Total,
		ActorID:       creator,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

// assigned creates a task and approves member on it.
func (env testEnv) assigned(t *testing.T, reward, hours, revisions int64) domain.Task {
	t.Helper()
	task := env.createTask(t, reward, hours, revisions)
	if _, err := env.Engine.OpenRegistration(env.Ctx, task.ID, creator); err != nil {
		t.Fatalf("open registration: %v", err)
	}
	ms, err := env.Engine.QuoteMemberStake(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("quote member stake: %v", err)
	}
	if _, err := env.Engine.RequestJoin(env.Ctx, task.ID, member, ms); err != nil {
		t.Fatalf("request join: %v", err)
	}
	task, err = env.Engine.ApproveJoin(env.Ctx, task.ID, creator, member)
	if err != nil {
		t.Fatalf("approve join: %v", err)
	}
	return task
}

func (env testEnv) balance(t *testing.T, id string) int64 {
	t.Helper()
	b, err := env.Engine.Balance(env.Ctx, id)
	if err != nil {
		t.Fatalf("balance %s: %v", id, err)
	}
	return b
}

func (env testEnv) reputation(t *testing.T, id string) int64 {
	t.Helper()
	r, err := env.Engine.Reputation(env.Ctx, id)
	if err != nil {
		t.Fatalf("reputation %s: %v", id, err)
	}
	return r
}

func TestHappyPath(t *testing.T) {
	env := newTestEnv(t)
	task := env.assigned(t, unit, 24, 3)
	if task.CreatorStake != 10_000 || task.MemberStake() != 200_000 {
		t.Fatalf("stakes = %d/%d", task.CreatorStake, task.MemberStake())
	}
	if task.Status != domain.TaskInProgress || task.DeadlineAt != env.Clock.now.Unix()+24*3600 {
		t.Fatalf("unexpected assigned task: %+v", task)
	}
	env.assertSolvent(t)
	if _, err := env.Engine.Submit(env.Ctx, task.ID, member, "https://example.org/work", "done"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	task, err := env.Engine.ApproveTask(env.Ctx, task.ID, creator)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if task.Status != domain.TaskCompleted || !task.RewardClaimed || task.DeadlineAt != 0 {
		t.Fatalf("unexpected completed task: %+v", task)
	}
	if got := env.balance(t, member); got != unit+200_000 {
		t.Fatalf("member balance = %d", got)
	}
	if got := env.balance(t, creator); got != 10_000 {
		t.Fatalf("creator balance = %d", got)
	}
	if env.reputation(t, creator) != 10 || env.reputation(t, member) != 20 {
		t.Fatalf("reputations = %d/%d", env.reputation(t, creator), env.reputation(t, member))
	}
	if _, err := env.Engine.Submission(env.Ctx, task.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected submission slot cleared, got %v", err)
	}
	u, _ := env.Engine.Profile(env.Ctx, member)
	if u.TasksCompleted != 1 {
		t.Fatalf("member completed = %d", u.TasksCompleted)
	}
	if _, err := env.Engine.ApproveTask(env.Ctx, task.ID, creator); !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("expected terminal state conflict, got %v", err)
	}
}

func TestExactValueLaw(t *testing.T) {
	env := newTestEnv(t)
	q, err := env.Engine.QuoteCreatorStake(env.Ctx, 24, 3, unit, creator)
	if err != nil {
		t.Fatal(err)
	}
	if q.Total != unit+10_000+200 {
		t.Fatalf("quote = %+v", q)
	}
	for _, value := range []int64{q.Total - 1, q.Total + 1, unit + q.Stake} {
		_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
			Title: "t", URL: "u", DeadlineHours: 24, MaxRevisions: 3, Reward: unit, Value: value, ActorID: creator,
		})
		if !errors.Is(err, engine.ErrValueMismatch) {
			t.Fatalf("value %d: expected value mismatch, got %v", value, err)
		}
	}
	tasks, _ := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{})
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks, got %d", len(tasks))
	}
	pool, _ := env.Engine.FeePool(env.Ctx)
	if pool.Amount != 0 {
		t.Fatalf("fee pool = %d", pool.Amount)
	}

	task := env.createTask(t, unit, 24, 3)
	if task.ID != 1 {
		t.Fatalf("first task id = %d", task.ID)
	}
	if _, err := env.Engine.OpenRegistration(env.Ctx, task.ID, creator); err != nil {
		t.Fatal(err)
	}
	for _, value := range []int64{199_999, 200_001} {
		if _, err := env.Engine.RequestJoin(env.Ctx, task.ID, member, value); !errors.Is(err, engine.ErrValueMismatch) {
			t.Fatalf("join value %d: expected value mismatch, got %v", value, err)
		}
	}
	reqs, _ := env.Engine.JoinRequests(env.Ctx, task.ID)
	if len(reqs) != 0 {
		t.Fatalf("expected no join requests, got %d", len(reqs))
	}
}

func TestCreateTaskLimits(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		opts engine.TaskCreateOptions
		want error
	}{
		{"zero reward", engine.TaskCreateOptions{Title: "t", URL: "u", DeadlineHours: 24, Reward: 0}, engine.ErrInvalidInput},
		{"reward ceiling", engine.TaskCreateOptions{Title: "t", URL: "u", DeadlineHours: 24, Reward: 1_000_000_001}, engine.ErrLimit},
		{"short deadline", engine.TaskCreateOptions{Title: "t", URL: "u", DeadlineHours: 0, Reward: unit}, engine.ErrLimit},
		{"too many revisions", engine.TaskCreateOptions{Title: "t", URL: "u", DeadlineHours: 24, MaxRevisions: 6, Reward: unit}, engine.ErrLimit},
		{"missing title", engine.TaskCreateOptions{URL: "u", DeadlineHours: 24, Reward: unit}, engine.ErrInvalidInput},
	}
	for _, tc := range cases {
		tc.opts.ActorID = creator
		if _, err := env.Engine.CreateTask(env.Ctx, tc.opts); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	var forbidden auth.ForbiddenError
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "t", URL: "u", DeadlineHours: 24, Reward: unit, ActorID: "stranger"}); !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden for unregistered caller, got %v", err)
	}
	if _, err := env.Engine.Register(env.Ctx, owner, "root", 40); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "t", URL: "u", DeadlineHours: 24, Reward: unit, ActorID: owner}); !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden for privileged caller, got %v", err)
	}
}

func TestMemberCancelSplit(t *testing.T) {
	env := newTestEnv(t)
	task := env.assigned(t, unit, 24, 3)
	ms := task.MemberStake()
	task, err := env.Engine.CancelByMe(env.Ctx, task.ID, member)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if task.Status != domain.TaskCancelled {
		t.Fatalf("status = %s", task.Status)
	}
	// neg penalty 10%
	if got := env.balance(t, creator); got != task.CreatorStake+unit+ms/10 {
		t.Fatalf("creator balance = %d", got)
	}
	if got := env.balance(t, member); got != ms-ms/10 {
		t.Fatalf("member balance = %d", got)
	}
	u, _ := env.Engine.Profile(env.Ctx, member)
	if u.TasksFailed != 1 {
		t.Fatalf("member failed = %d", u.TasksFailed)
	}
	c, _ := env.Engine.Profile(env.Ctx, creator)
	if c.TasksFailed != 0 {
		t.Fatalf("creator failed = %d", c.TasksFailed)
	}
}

func TestCreatorCancelSplit(t *testing.T) {
	env := newTestEnv(t)
	task := env.assigned(t, unit, 24, 3)
	if _, err := env.Engine.CancelByMe(env.Ctx, task.ID, creator); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// creator forfeits 10% of their own stake to the member
	cs := task.CreatorStake
	if got := env.balance(t, member); got != task.MemberStake()+cs/10 {
		t.Fatalf("member balance = %d", got)
	}
	if got := env.balance(t, creator); got != cs-cs/10+unit {
		t.Fatalf("creator balance = %d", got)
	}
	if _, err := env.Engine.CancelByMe(env.Ctx, task.ID, creator); !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("expected absorbing cancelled state, got %v", err)
	}
}

func TestSplitDustGoesToFeePool(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetNegPenalty(env.Ctx, owner, 33); err != nil {
		t.Fatal(err)
	}
	// member stake 20% of 5 = 1 base unit; 33% and 67% of 1 both truncate to 0
	task := env.assigned(t, 5, 24, 3)
	if task.MemberStake() != 1 {
		t.Fatalf("member stake = %d", task.MemberStake())
	}
	before, _ := env.Engine.FeePool(env.Ctx)
	if _, err := env.Engine.CancelByMe(env.Ctx, task.ID, member); err != nil {
		t.Fatal(err)
	}
	after, _ := env.Engine.FeePool(env.Ctx)
	if after.Amount-before.Amount != 1 {
		t.Fatalf("dust credited = %d", after.Amount-before.Amount)
	}
}

func TestDeadlineSecondCountsAsReached(t *testing.T) {
	env := newTestEnv(t)
	task := env.assigned(t, unit, 24, 3)
	env.Clock.advance(24*time.Hour - time.Second)
	if env.Clock.now.Unix() != task.DeadlineAt-1 {
		t.Fatalf("clock %d, deadline %d", env.Clock.now.Unix(), task.DeadlineAt)
	}
	triggered, _, err := env.Engine.TriggerDeadline(env.Ctx, task.ID, applicant)
	if err != nil || triggered {
		t.Fatalf("trigger one second early = %v, %v", triggered, err)
	}
	env.Clock.advance(time.Second)
	if _, err := env.Engine.Submit(env.Ctx, task.ID, member, "https://on-time", ""); !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("expected submission at the deadline rejected, got %v", err)
	}
	triggered, task, err = env.Engine.TriggerDeadline(env.Ctx, task.ID, applicant)
	if err != nil || !triggered || task.Status != domain.TaskCancelled {
		t.Fatalf("trigger at deadline = %v, %s, %v", triggered, task.Status, err)
	}
}

func TestDeadlineIdempotent(t *testing.T) {
	env := newTestEnv(t)
	task := env.assigned(t, unit, 24, 3)
	// member keeps the 10% penalty share, the creator takes the rest
	ms := task.MemberStake()
	wantCreator := task.CreatorStake + unit + ms - ms/10
	wantMember := ms / 10
	triggered, _, err := env.Engine.TriggerDeadline(env.Ctx, task.ID, applicant)
	if err != nil || triggered {
		t.Fatalf("early trigger = %v, %v", triggered, err)
	}
	env.Clock.advance(25 * time.Hour)
	if _, err := env.Engine.Submit(env.Ctx, task.ID, member, "https://late", ""); !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("expected late submission rejected, got %v", err)
	}
	triggered, task, err = env.Engine.TriggerDeadline(env.Ctx, task.ID, applicant)
	if err != nil || !triggered {
		t.Fatalf("trigger = %v, %v", triggered, err)
	}
	if task.Status != domain.TaskCancelled {
		t.Fatalf("status = %s", task.Status)
	}
	if env.balance(t, creator) != wantCreator || env.balance(t, member) != wantMember {
		t.Fatalf("balances = %d/%d", env.balance(t, creator), env.balance(t, member))
	}
	triggered, _, err = env.Engine.TriggerDeadline(env.Ctx, task.ID, applicant)
	if err != nil || triggered {
		t.Fatalf("second trigger = %v, %v", triggered, err)
	}
	if env.balance(t, creator) != wantCreator || env.balance(t, member) != wantMember {
		t.Fatalf("second trigger changed balances")
	}
	for _, id := range []string{creator, member} {
		u, _ := env.Engine.Profile(env.Ctx, id)
		if u.Reputation != 0 || u.TasksFailed != 1 {
			t.Fatalf("%s profile = %+v", id, u)
		}
	}
	if _, _, err := env.Engine.TriggerDeadline(env.Ctx, 99, applicant); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReputationFloor(t *testing.T) {
	env := newTestEnv(t)
	task := env.assigned(t, unit, 72, 3)
	for i := 0; i < 3; i++ {
		if _, err := env.Engine.RequestCancel(env.Ctx, task.ID, member, "blocked"); err != nil {
			t.Fatalf("request cancel %d: %v", i, err)
		}
		if out, err := env.Engine.RespondCancel(env.Ctx, task.ID, creator, false); err != nil || out != engine.CancelOutcomeRejected {
			t.Fatalf("respond %d = %s, %v", i, out, err)
		}
		if got := env.reputation(t, member); got != 0 {
			t.Fatalf("reputation after penalty %d = %d", i, got)
		}
	}
	r := env.Engine.Repo
	if err := r.AdjustReputation(env.Ctx, nil, member, -1<<40); err != nil {
		t.Fatal(err)
	}
	if got := env.reputation(t, member); got != 0 {
		t.Fatalf("reputation after large penalty = %d", got)
	}
	if got := env.reputation(t, "nobody"); got != 0 {
		t.Fatalf("unregistered reputation = %d", got)
	}
}

func TestAutoApproveOnRevisionExhaustion(t *testing.T) {
	direct := newTestEnv(t)
	dt := direct.assigned(t, unit, 24, 2)
	if _, err := direct.Engine.Submit(direct.Ctx, dt.ID, member, "https://v1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := direct.Engine.ApproveTask(direct.Ctx, dt.ID, creator); err != nil {
		t.Fatal(err)
	}

	env := newTestEnv(t)
	task := env.assigned(t, unit, 24, 2)
	if _, err := env.Engine.Submit(env.Ctx, task.ID, member, "https://v1", ""); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 2; i++ {
		task, err := env.Engine.RequestRevision(env.Ctx, task.ID, creator, "more contrast", 24)
		if err != nil {
			t.Fatalf("revision %d: %v", i, err)
		}
		if task.Status != domain.TaskInProgress {
			t.Fatalf("revision %d status = %s", i, task.Status)
		}
		if _, err := env.Engine.Submit(env.Ctx, task.ID, member, "https://v2", ""); !errors.Is(err, engine.ErrStateConflict) {
			t.Fatalf("expected submit blocked during revision, got %v", err)
		}
		if _, err := env.Engine.Resubmit(env.Ctx, task.ID, member, "fixed", "https://v2"); err != nil {
			t.Fatalf("resubmit %d: %v", i, err)
		}
	}
	task, err := env.Engine.RequestRevision(env.Ctx, task.ID, creator, "again", 24)
	if err != nil {
		t.Fatalf("third revision: %v", err)
	}
	if task.Status != domain.TaskCompleted || !task.RewardClaimed {
		t.Fatalf("expected auto approval, got %+v", task)
	}
	for _, id := range []string{creator, member} {
		if env.balance(t, id) != direct.balance(t, id) {
			t.Fatalf("%s balance %d differs from direct approval %d", id, env.balance(t, id), direct.balance(t, id))
		}
		if env.reputation(t, id) != direct.reputation(t, id) {
			t.Fatalf("%s reputation %d differs from direct approval %d", id, env.reputation(t, id), direct.reputation(t, id))
		}
	}
}

func TestRevisionExtendsDeadline(t *testing.T) {
	env := newTestEnv(t)
	task := env.assigned(t, unit, 24, 3)
	if _, err := env.Engine.Submit(env.Ctx, task.ID, member, "https://v1", ""); err != nil {
		t.Fatal(err)
	}
	env.Clock.advance(20 * time.Hour)
	if _, err := env.Engine.RequestRevision(env.Ctx, task.ID, creator, "x", 0); !errors.Is(err, engine.ErrLimit) {
		t.Fatalf("expected limit error for short window, got %v", err)
	}
	task, err := env.Engine.RequestRevision(env.Ctx, task.ID, creator, "x", 48)
	if err != nil {
		t.Fatal(err)
	}
	if task.DeadlineAt != env.Clock.now.Unix()+48*3600 {
		t.Fatalf("deadline = %d", task.DeadlineAt)
	}
	sub, err := env.Engine.Submission(env.Ctx, task.ID)
	if err != nil || sub.Status != domain.SubmissionRevisionNeeded || sub.Revisions != 1 {
		t.Fatalf("submission = %+v, %v", sub, err)
	}
	env.Clock.advance(10 * time.Hour)
	if triggered, _, _ := env.Engine.TriggerDeadline(env.Ctx, task.ID, applicant); triggered {
		t.Fatalf("deadline fired before extension elapsed")
	}
}

func TestCooldownExpiry(t *testing.T) {
	env := newTestEnv(t)
	task := env.assigned(t, unit, 72, 3)
	cr, err := env.Engine.RequestCancel(env.Ctx, task.ID, member, "scope changed")
	if err != nil {
		t.Fatal(err)
	}
	if cr.CounterpartyID != creator {
		t.Fatalf("counterparty = %s", cr.CounterpartyID)
	}
	if _, err := env.Engine.RequestCancel(env.Ctx, task.ID, creator, "again"); !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("expected duplicate cancel rejected, got %v", err)
	}
	if _, err := env.Engine.CancelByMe(env.Ctx, task.ID, creator); !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("expected self cancel blocked during negotiation, got %v", err)
	}
	var forbidden auth.ForbiddenError
	if _, err := env.Engine.RespondCancel(env.Ctx, task.ID, member, true); !errors.As(err, &forbidden) {
		t.Fatalf("expected requester forbidden to respond, got %v", err)
	}
	env.Clock.advance(25 * time.Hour)
	out, err := env.Engine.RespondCancel(env.Ctx, task.ID, creator, true)
	if err != nil || out != engine.CancelOutcomeExpired {
		t.Fatalf("respond = %s, %v", out, err)
	}
	task, _ = env.Engine.Task(env.Ctx, task.ID)
	if task.Status != domain.TaskInProgress {
		t.Fatalf("status = %s", task.Status)
	}
	if env.balance(t, creator) != 0 || env.balance(t, member) != 0 {
		t.Fatalf("expired negotiation moved funds")
	}
	if _, err := env.Engine.CancelRequest(env.Ctx, task.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected negotiation cleared, got %v", err)
	}
}

func TestExpireCancel(t *testing.T) {
	env := newTestEnv(t)
	task := env.assigned(t, unit, 72, 3)
	if _, err := env.Engine.RequestCancel(env.Ctx, task.ID, creator, "budget"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ExpireCancel(env.Ctx, task.ID, applicant); !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("expected early expire rejected, got %v", err)
	}
	env.Clock.advance(25 * time.Hour)
	task, err := env.Engine.ExpireCancel(env.Ctx, task.ID, applicant)
	if err != nil || task.Status != domain.TaskInProgress {
		t.Fatalf("expire = %s, %v", task.Status, err)
	}
}

func TestMutualCancel(t *testing.T) {
	env := newTestEnv(t)
	task := env.assigned(t, unit, 72, 3)
	if _, err := env.Engine.RequestCancel(env.Ctx, task.ID, creator, "budget"); err != nil {
		t.Fatal(err)
	}
	out, err := env.Engine.RespondCancel(env.Ctx, task.ID, member, true)
	if err != nil || out != engine.CancelOutcomeApproved {
		t.Fatalf("respond = %s, %v", out, err)
	}
	if task.CreatorStake != 50_000 {
		t.Fatalf("72h creator stake = %d", task.CreatorStake)
	}
	if env.balance(t, creator) != task.CreatorStake+unit || env.balance(t, member) != task.MemberStake() {
		t.Fatalf("balances = %d/%d", env.balance(t, creator), env.balance(t, member))
	}
	for _, id := range []string{creator, member} {
		u, _ := env.Engine.Profile(env.Ctx, id)
		if u.TasksFailed != 1 {
			t.Fatalf("%s failed = %d", id, u.TasksFailed)
		}
	}
}

func TestJoinQueue(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, unit, 24, 3)
	if _, err := env.Engine.RequestJoin(env.Ctx, task.ID, member, 200_000); !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("expected join rejected before registration opens, got %v", err)
	}
	if _, err := env.Engine.OpenRegistration(env.Ctx, task.ID, creator); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.OpenRegistration(env.Ctx, task.ID, creator); !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("expected double open rejected, got %v", err)
	}
	var forbidden auth.ForbiddenError
	if _, err := env.Engine.RequestJoin(env.Ctx, task.ID, creator, 200_000); !errors.As(err, &forbidden) {
		t.Fatalf("expected creator forbidden from joining, got %v", err)
	}
	for _, id := range []string{member, applicant} {
		if _, err := env.Engine.RequestJoin(env.Ctx, task.ID, id, 200_000); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	if _, err := env.Engine.RequestJoin(env.Ctx, task.ID, member, 200_000); !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("expected duplicate pending rejected, got %v", err)
	}
	if _, err := env.Engine.WithdrawJoinRequest(env.Ctx, task.ID, applicant); err != nil {
		t.Fatal(err)
	}
	if env.balance(t, applicant) != 200_000 {
		t.Fatalf("withdraw refund = %d", env.balance(t, applicant))
	}
	if _, err := env.Engine.RequestJoin(env.Ctx, task.ID, applicant, 200_000); err != nil {
		t.Fatalf("rejoin after withdraw: %v", err)
	}
	if _, err := env.Engine.CloseRegistration(env.Ctx, task.ID, creator); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveJoin(env.Ctx, task.ID, creator, "nobody"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for unknown applicant, got %v", err)
	}
	if _, err := env.Engine.ApproveJoin(env.Ctx, task.ID, creator, member); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if env.balance(t, applicant) != 400_000 {
		t.Fatalf("other applicant not refunded: %d", env.balance(t, applicant))
	}
	reqs, err := env.Engine.JoinRequests(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 3 {
		t.Fatalf("join history = %d entries", len(reqs))
	}
	for _, jr := range reqs {
		if jr.Pending {
			t.Fatalf("request %d still pending", jr.ID)
		}
	}
	if reqs[0].Status != domain.JoinAccepted || reqs[0].ApplicantID != member {
		t.Fatalf("accepted request status = %s", reqs[1].Status)
	}
}

func TestRejectJoinRefunds(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, unit, 24, 3)
	if _, err := env.Engine.OpenRegistration(env.Ctx, task.ID, creator); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RequestJoin(env.Ctx, task.ID, member, 200_000); err != nil {
		t.Fatal(err)
	}
	var forbidden auth.ForbiddenError
	if _, err := env.Engine.RejectJoin(env.Ctx, task.ID, applicant, member); !errors.As(err, &forbidden) {
		t.Fatalf("expected non-creator forbidden, got %v", err)
	}
	jr, err := env.Engine.RejectJoin(env.Ctx, task.ID, creator, member)
	if err != nil {
		t.Fatal(err)
	}
	if jr.Status != domain.JoinRejected || !jr.Withdrawn {
		t.Fatalf("request = %+v", jr)
	}
	if env.balance(t, member) != 200_000 {
		t.Fatalf("refund = %d", env.balance(t, member))
	}
	if _, err := env.Engine.RejectJoin(env.Ctx, task.ID, creator, member); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on second reject, got %v", err)
	}
}

func TestWithdrawAndSweep(t *testing.T) {
	env := newTestEnv(t)
	task := env.assigned(t, unit, 24, 3)
	if _, err := env.Engine.CancelByMe(env.Ctx, task.ID, member); err != nil {
		t.Fatal(err)
	}
	p, err := env.Engine.Withdraw(env.Ctx, member)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if p.Amount != 180_000 || p.Recipient != member || p.Reason != payout.ReasonWithdraw {
		t.Fatalf("payout = %+v", p)
	}
	if env.balance(t, member) != 0 {
		t.Fatalf("balance after withdraw = %d", env.balance(t, member))
	}
	if _, err := env.Engine.Withdraw(env.Ctx, member); !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("expected empty withdraw rejected, got %v", err)
	}
	var forbidden auth.ForbiddenError
	if _, err := env.Engine.SweepFees(env.Ctx, creator); !errors.As(err, &forbidden) {
		t.Fatalf("expected sweep forbidden, got %v", err)
	}
	if err := env.Engine.GrantEmployee(env.Ctx, owner, "ops"); err != nil {
		t.Fatal(err)
	}
	sp, err := env.Engine.SweepFees(env.Ctx, "ops")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sp.Amount != 200 || sp.Recipient != "treasury" {
		t.Fatalf("sweep payout = %+v", sp)
	}
	pool, _ := env.Engine.FeePool(env.Ctx)
	if pool.Amount != 0 || pool.SweptTotal != 200 {
		t.Fatalf("pool = %+v", pool)
	}
	payouts, _ := env.Engine.ListPayouts(env.Ctx, "", 0)
	if len(payouts) != 2 {
		t.Fatalf("payouts = %d", len(payouts))
	}
}

func TestTransferFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	task := env.assigned(t, unit, 24, 3)
	if _, err := env.Engine.CancelByMe(env.Ctx, task.ID, member); err != nil {
		t.Fatal(err)
	}
	eng := env.Engine
	eng.Payouts = payout.Func(func(ctx context.Context, tx *sql.Tx, to string, amount int64, reason string) (domain.Payout, error) {
		return domain.Payout{}, errors.New("recipient rejected value")
	})
	if _, err := eng.Withdraw(env.Ctx, member); !errors.Is(err, engine.ErrTransferFailed) {
		t.Fatalf("expected transfer failure, got %v", err)
	}
	if env.balance(t, member) != 180_000 {
		t.Fatalf("balance not restored: %d", env.balance(t, member))
	}
	evts, _ := env.Engine.ListEvents(env.Ctx, repo.EventFilters{Type: "balance.withdrawn"})
	if len(evts) != 0 {
		t.Fatalf("rolled back withdraw left %d events", len(evts))
	}
}

func TestReentrantWithdrawRejected(t *testing.T) {
	env := newTestEnv(t)
	task := env.assigned(t, unit, 24, 3)
	if _, err := env.Engine.CancelByMe(env.Ctx, task.ID, member); err != nil {
		t.Fatal(err)
	}
	eng := env.Engine
	outbox := payout.Outbox{Repo: eng.Repo}
	var nested error
	eng.Payouts = payout.Func(func(ctx context.Context, tx *sql.Tx, to string, amount int64, reason string) (domain.Payout, error) {
		_, nested = eng.Withdraw(ctx, to)
		return outbox.Transfer(ctx, tx, to, amount, reason)
	})
	p, err := eng.Withdraw(env.Ctx, member)
	if err != nil {
		t.Fatalf("outer withdraw: %v", err)
	}
	if !errors.Is(nested, engine.ErrReentrant) {
		t.Fatalf("expected reentrant rejection, got %v", nested)
	}
	if p.Amount != 180_000 || env.balance(t, member) != 0 {
		t.Fatalf("payout %d, balance %d", p.Amount, env.balance(t, member))
	}
	if _, err := env.Engine.Withdraw(env.Ctx, creator); err != nil {
		t.Fatalf("withdraw after transfer: %v", err)
	}
}

func TestConcurrentCallerWaitsForTransfer(t *testing.T) {
	env := newTestEnv(t)
	task := env.assigned(t, unit, 24, 3)
	if _, err := env.Engine.CancelByMe(env.Ctx, task.ID, member); err != nil {
		t.Fatal(err)
	}
	eng := env.Engine
	outbox := payout.Outbox{Repo: eng.Repo}
	entered := make(chan struct{})
	release := make(chan struct{})
	eng.Payouts = payout.Func(func(ctx context.Context, tx *sql.Tx, to string, amount int64, reason string) (domain.Payout, error) {
		close(entered)
		<-release
		return outbox.Transfer(ctx, tx, to, amount, reason)
	})
	withdrawn := make(chan error, 1)
	go func() {
		_, err := eng.Withdraw(env.Ctx, member)
		withdrawn <- err
	}()
	<-entered

	registered := make(chan error, 1)
	go func() {
		_, err := env.Engine.Register(env.Ctx, "dave", "Dave", 25)
		registered <- err
	}()
	select {
	case err := <-registered:
		t.Fatalf("register finished while transfer in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	if err := <-withdrawn; err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := <-registered; err != nil {
		t.Fatalf("register after transfer: %v", err)
	}
	if _, err := env.Engine.Profile(env.Ctx, "dave"); err != nil {
		t.Fatalf("profile: %v", err)
	}
	if env.balance(t, member) != 0 {
		t.Fatalf("member balance = %d", env.balance(t, member))
	}
}

func TestUnregister(t *testing.T) {
	env := newTestEnv(t)
	task := env.assigned(t, unit, 24, 3)
	if err := env.Engine.Unregister(env.Ctx, member); !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("expected unregister blocked, got %v", err)
	}
	if _, err := env.Engine.CancelByMe(env.Ctx, task.ID, member); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Unregister(env.Ctx, member); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, err := env.Engine.Profile(env.Ctx, member); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected profile gone, got %v", err)
	}
	if env.balance(t, member) != 180_000 {
		t.Fatalf("balance lost on unregister")
	}
	if _, err := env.Engine.Register(env.Ctx, creator, "again", 30); !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("expected double register rejected, got %v", err)
	}
	if _, err := env.Engine.Register(env.Ctx, "dave", "dave", 0); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid age rejected, got %v", err)
	}
}

func TestConfigSetters(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, unit, 24, 3)
	var forbidden auth.ForbiddenError
	if _, err := env.Engine.SetFeePercent(env.Ctx, creator, 5); !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden setter, got %v", err)
	}
	before, _ := env.Engine.ConfigVersions(env.Ctx)
	if _, err := env.Engine.SetWeights(env.Ctx, owner, config.Weights{Reward: 5, Reputation: 5, Deadline: 5}); !errors.Is(err, engine.ErrLimit) {
		t.Fatalf("expected weight sum rejected, got %v", err)
	}
	if _, err := env.Engine.SetMaxStake(env.Ctx, owner, 2_000_000); !errors.Is(err, engine.ErrLimit) {
		t.Fatalf("expected max stake above top category rejected, got %v", err)
	}
	after, _ := env.Engine.ConfigVersions(env.Ctx)
	if len(after) != len(before) {
		t.Fatalf("invalid setters stored a version")
	}
	v, err := env.Engine.SetCategories(env.Ctx, owner, []int64{20_000, 50_000, 100_000, 250_000, 500_000, 1_000_000})
	if err != nil {
		t.Fatal(err)
	}
	if v != int64(len(before))+1 {
		t.Fatalf("version = %d", v)
	}
	stored, _ := env.Engine.Task(env.Ctx, task.ID)
	if stored.CreatorStake != 10_000 || stored.ConfigVersion != 1 {
		t.Fatalf("config swap rewrote task: %+v", stored)
	}
	q, _ := env.Engine.QuoteCreatorStake(env.Ctx, 24, 3, unit, creator)
	if q.Stake != 20_000 {
		t.Fatalf("quote after swap = %d", q.Stake)
	}
	if _, err := env.Engine.SetStrategy(env.Ctx, owner, config.StrategyRatio); err != nil {
		t.Fatal(err)
	}
	q, _ = env.Engine.QuoteCreatorStake(env.Ctx, 9, 2, 1000, creator)
	if q.Stake != 300 || q.Tier != "" {
		t.Fatalf("ratio quote = %+v", q)
	}
}

func TestEventsRecorded(t *testing.T) {
	env := newTestEnv(t)
	task := env.assigned(t, unit, 24, 3)
	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{TaskID: task.ID})
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, e := range evts {
		seen[e.Type] = true
	}
	for _, typ := range []string{"task.created", "task.registration.opened", "join.requested", "join.approved", "fee.credited"} {
		if !seen[typ] {
			t.Fatalf("missing event %s in %v", typ, seen)
		}
	}
}
