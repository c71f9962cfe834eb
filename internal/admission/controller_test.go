package admission

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/router-for-me/gpulease/internal/alert"
	"github.com/router-for-me/gpulease/internal/capacity"
	"github.com/router-for-me/gpulease/internal/credit"
	"github.com/router-for-me/gpulease/internal/db"
	"github.com/router-for-me/gpulease/internal/models"
	"gorm.io/gorm"
)

const testCostPerGPU int64 = 10

type fixture struct {
	conn       *gorm.DB
	controller *Controller
	sink       *alert.Recorder
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "admission-test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sink := &alert.Recorder{}
	controller := NewController(conn, capacity.NewLedger(8, 7*24*time.Hour), credit.NewLedger(), Options{
		CostPerGPU: testCostPerGPU,
		TxTimeout:  5 * time.Second,
		Now:        func() time.Time { return now },
		Sink:       sink,
	})
	return &fixture{conn: conn, controller: controller, sink: sink, now: now}
}

func (f *fixture) user(t *testing.T, name string, credits int64) models.User {
	t.Helper()
	user := models.User{Username: name, Credits: credits}
	if errCreate := f.conn.Create(&user).Error; errCreate != nil {
		t.Fatalf("create user: %v", errCreate)
	}
	return user
}

// model creates a model; a non-nil enabledAt creates it already enabled.
func (f *fixture) model(t *testing.T, name string, gpus int, enabledAt *time.Time) models.Model {
	t.Helper()
	m := models.Model{Name: name, Slug: name, RequiredGPUs: &gpus}
	if enabledAt != nil {
		at := enabledAt.UTC()
		m.Enabled = true
		m.EnabledAt = &at
	}
	if errCreate := f.conn.Create(&m).Error; errCreate != nil {
		t.Fatalf("create model: %v", errCreate)
	}
	return m
}

type snapshot struct {
	models []models.Model
	users  []models.User
	leases int64
}

func (f *fixture) snapshot(t *testing.T) snapshot {
	t.Helper()
	var s snapshot
	if errFind := f.conn.Order("id ASC").Find(&s.models).Error; errFind != nil {
		t.Fatalf("load models: %v", errFind)
	}
	if errFind := f.conn.Order("id ASC").Find(&s.users).Error; errFind != nil {
		t.Fatalf("load users: %v", errFind)
	}
	if errCount := f.conn.Model(&models.ModelLease{}).Count(&s.leases).Error; errCount != nil {
		t.Fatalf("count leases: %v", errCount)
	}
	return s
}

func assertUnchanged(t *testing.T, before, after snapshot) {
	t.Helper()
	if len(before.models) != len(after.models) || len(before.users) != len(after.users) || before.leases != after.leases {
		t.Fatalf("row counts changed: before=%+v after=%+v", before, after)
	}
	for i := range before.models {
		b, a := before.models[i], after.models[i]
		if b.Enabled != a.Enabled || (b.EnabledAt == nil) != (a.EnabledAt == nil) {
			t.Fatalf("model %d enablement changed: %+v -> %+v", b.ID, b, a)
		}
		if b.EnabledAt != nil && !b.EnabledAt.Equal(*a.EnabledAt) {
			t.Fatalf("model %d enabled_at changed", b.ID)
		}
	}
	for i := range before.users {
		if before.users[i].Credits != after.users[i].Credits {
			t.Fatalf("user %d credits changed: %d -> %d", before.users[i].ID, before.users[i].Credits, after.users[i].Credits)
		}
	}
}

func (f *fixture) usage(t *testing.T) int {
	t.Helper()
	usage, err := capacity.NewLedger(8, 0).CurrentUsage(context.Background(), f.conn)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	return usage
}

func TestLeaseModel_AdmitsIntoEmptyPool(t *testing.T) {
	f := newFixture(t)
	user := f.user(t, "ada", 100)
	f.model(t, "llama-8b", 4, nil)

	result, err := f.controller.LeaseModel(context.Background(), "llama-8b", user.ID)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if !result.Model.Enabled || result.Model.EnabledAt == nil || !result.Model.EnabledAt.Equal(f.now) {
		t.Fatalf("expected model enabled at now, got %+v", result.Model)
	}
	if result.Usage != 4 || f.usage(t) != 4 {
		t.Fatalf("expected usage=4, got result=%d db=%d", result.Usage, f.usage(t))
	}
	if result.Balance != 100-4*testCostPerGPU {
		t.Fatalf("expected balance=%d, got %d", 100-4*testCostPerGPU, result.Balance)
	}
	if len(result.Evicted) != 0 || result.Lease.Renewal {
		t.Fatalf("expected plain admission, got %+v", result.Lease)
	}

	var stored models.User
	if errFind := f.conn.First(&stored, user.ID).Error; errFind != nil {
		t.Fatalf("find user: %v", errFind)
	}
	if stored.Credits != 60 {
		t.Fatalf("expected credits=60, got %d", stored.Credits)
	}
	var lease models.ModelLease
	if errFind := f.conn.Where("uid = ?", result.Lease.UID).First(&lease).Error; errFind != nil {
		t.Fatalf("find lease: %v", errFind)
	}
	if lease.Cost != 40 || lease.GPUs != 4 {
		t.Fatalf("unexpected lease record: %+v", lease)
	}
}

func TestLeaseModel_EvictsOldestNonImmune(t *testing.T) {
	f := newFixture(t)
	user := f.user(t, "ada", 100)
	oldest := f.now.Add(-30 * 24 * time.Hour)
	middle := f.now.Add(-20 * 24 * time.Hour)
	newest := f.now.Add(-10 * 24 * time.Hour)
	first := f.model(t, "two", 2, &oldest)
	second := f.model(t, "three-a", 3, &middle)
	third := f.model(t, "three-b", 3, &newest)
	f.model(t, "five", 5, nil)

	result, err := f.controller.LeaseModel(context.Background(), "five", user.ID)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(result.Evicted) != 2 || result.Evicted[0].ID != first.ID || result.Evicted[1].ID != second.ID {
		t.Fatalf("expected to evict %d then %d, got %+v", first.ID, second.ID, result.Evicted)
	}
	if result.Usage != 8 || f.usage(t) != 8 {
		t.Fatalf("expected usage=8, got %d", f.usage(t))
	}

	var untouched models.Model
	if errFind := f.conn.First(&untouched, third.ID).Error; errFind != nil {
		t.Fatalf("find model: %v", errFind)
	}
	if !untouched.Enabled || !untouched.EnabledAt.Equal(newest) {
		t.Fatalf("expected newest model untouched, got %+v", untouched)
	}
	for _, id := range []uint64{first.ID, second.ID} {
		var victim models.Model
		if errFind := f.conn.First(&victim, id).Error; errFind != nil {
			t.Fatalf("find victim: %v", errFind)
		}
		if victim.Enabled || victim.EnabledAt != nil {
			t.Fatalf("expected victim %d disabled, got %+v", id, victim)
		}
	}
}

func TestLeaseModel_AllImmuneLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	user := f.user(t, "ada", 100)
	recent := f.now.Add(-24 * time.Hour)
	f.model(t, "four-a", 4, &recent)
	f.model(t, "four-b", 4, &recent)
	f.model(t, "one", 1, nil)

	before := f.snapshot(t)
	_, err := f.controller.LeaseModel(context.Background(), "one", user.ID)
	if !errors.Is(err, capacity.ErrInsufficientEvictableCapacity) {
		t.Fatalf("expected ErrInsufficientEvictableCapacity, got %v", err)
	}
	assertUnchanged(t, before, f.snapshot(t))
	if len(f.sink.Errors()) != 0 {
		t.Fatalf("expected rejection not to alert, got %v", f.sink.Errors())
	}
}

func TestLeaseModel_InsufficientCreditsIsAtomic(t *testing.T) {
	f := newFixture(t)
	user := f.user(t, "ada", 49)
	old := f.now.Add(-30 * 24 * time.Hour)
	f.model(t, "eight", 8, &old)
	f.model(t, "five", 5, nil)

	before := f.snapshot(t)
	_, err := f.controller.LeaseModel(context.Background(), "five", user.ID)
	if !errors.Is(err, credit.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	assertUnchanged(t, before, f.snapshot(t))
}

func TestLeaseModel_LateFailureRollsBackEviction(t *testing.T) {
	f := newFixture(t)
	user := f.user(t, "ada", 100)
	old := f.now.Add(-30 * 24 * time.Hour)
	f.model(t, "six", 6, &old)
	f.model(t, "two", 2, &old)
	f.model(t, "four", 4, nil)

	errRecord := errors.New("lease insert failed")
	if errRegister := f.conn.Callback().Create().Before("gorm:create").Register("test:fail_model_leases", func(tx *gorm.DB) {
		if tx.Statement.Schema != nil && tx.Statement.Schema.Table == "model_leases" {
			_ = tx.AddError(errRecord)
		}
	}); errRegister != nil {
		t.Fatalf("register callback: %v", errRegister)
	}

	before := f.snapshot(t)
	_, err := f.controller.LeaseModel(context.Background(), "four", user.ID)
	if !errors.Is(err, errRecord) {
		t.Fatalf("expected lease record failure, got %v", err)
	}
	assertUnchanged(t, before, f.snapshot(t))
	if f.usage(t) != 8 {
		t.Fatalf("expected usage=8 after rollback, got %d", f.usage(t))
	}
	if len(f.sink.Errors()) != 1 {
		t.Fatalf("expected one alert, got %v", f.sink.Errors())
	}
}

func TestLeaseModel_ValidationErrors(t *testing.T) {
	f := newFixture(t)
	user := f.user(t, "ada", 1000)
	f.model(t, "huge", 9, nil)
	unresolved := models.Model{Name: "pending", Slug: "pending"}
	if errCreate := f.conn.Create(&unresolved).Error; errCreate != nil {
		t.Fatalf("create model: %v", errCreate)
	}

	tests := []struct {
		name   string
		model  string
		userID uint64
		want   error
	}{
		{name: "unknown model", model: "nope", userID: user.ID, want: ErrModelNotFound},
		{name: "blank model", model: "  ", userID: user.ID, want: ErrModelNotFound},
		{name: "unresolved gpus", model: "pending", userID: user.ID, want: ErrModelNotReady},
		{name: "larger than pool", model: "huge", userID: user.ID, want: capacity.ErrResourceTooLarge},
		{name: "unknown user", model: "huge", userID: 999, want: capacity.ErrResourceTooLarge},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			before := f.snapshot(t)
			if _, err := f.controller.LeaseModel(context.Background(), tc.model, tc.userID); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			assertUnchanged(t, before, f.snapshot(t))
		})
	}

	f.model(t, "small", 1, nil)
	if _, err := f.controller.LeaseModel(context.Background(), "small", 999); !errors.Is(err, credit.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestLeaseModel_RenewalRefreshesImmunity(t *testing.T) {
	f := newFixture(t)
	user := f.user(t, "ada", 100)
	old := f.now.Add(-30 * 24 * time.Hour)
	m := f.model(t, "two", 2, &old)

	result, err := f.controller.LeaseModel(context.Background(), "two", user.ID)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !result.Lease.Renewal || len(result.Evicted) != 0 {
		t.Fatalf("expected renewal without eviction, got %+v", result.Lease)
	}
	if result.Usage != 2 {
		t.Fatalf("expected usage unchanged at 2, got %d", result.Usage)
	}
	var stored models.Model
	if errFind := f.conn.First(&stored, m.ID).Error; errFind != nil {
		t.Fatalf("find model: %v", errFind)
	}
	if !stored.EnabledAt.Equal(f.now) {
		t.Fatalf("expected enabled_at refreshed to now, got %v", stored.EnabledAt)
	}
	if result.Balance != 80 {
		t.Fatalf("expected balance=80, got %d", result.Balance)
	}
}

func TestLeaseModel_ConcurrentLeasesNeverOverbook(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice", 100)
	bob := f.user(t, "bob", 100)
	f.model(t, "five-a", 5, nil)
	f.model(t, "five-b", 5, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, req := range []struct {
		model string
		user  uint64
	}{{"five-a", alice.ID}, {"five-b", bob.ID}} {
		wg.Add(1)
		go func(i int, model string, user uint64) {
			defer wg.Done()
			_, errs[i] = f.controller.LeaseModel(context.Background(), model, user)
		}(i, req.model, req.user)
	}
	wg.Wait()

	admitted := 0
	for _, err := range errs {
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, capacity.ErrInsufficientEvictableCapacity):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if admitted != 1 {
		t.Fatalf("expected exactly one admission, got %d", admitted)
	}
	if usage := f.usage(t); usage != 5 {
		t.Fatalf("expected usage=5, got %d", usage)
	}
}
