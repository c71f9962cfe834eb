package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/router-for-me/gpulease/internal/capacity"
	"github.com/router-for-me/gpulease/internal/db"
	"github.com/router-for-me/gpulease/internal/estimator"
	"github.com/router-for-me/gpulease/internal/models"
)

func newCatalog(t *testing.T, est estimator.Estimator) (*Catalog, func() []models.Model) {
	t.Helper()
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "catalog-test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	list := func() []models.Model {
		var rows []models.Model
		conn.Order("id ASC").Find(&rows)
		return rows
	}
	return New(conn, capacity.NewLedger(8, time.Hour), est, time.Second), list
}

func TestRegister_ResolvesAndSlugs(t *testing.T) {
	est := estimator.Static{"Llama 3 70B": 4}
	cat, _ := newCatalog(t, est)
	ctx := context.Background()

	model, err := cat.Register(ctx, "  Llama 3 70B ")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if model.Name != "Llama 3 70B" || model.Slug != "llama-3-70b" {
		t.Fatalf("unexpected name/slug: %q %q", model.Name, model.Slug)
	}
	if model.RequiredGPUs == nil || *model.RequiredGPUs != 4 || model.Enabled {
		t.Fatalf("unexpected model: %+v", model)
	}

	if _, err := cat.Register(ctx, "Llama 3 70B"); !errors.Is(err, ErrModelExists) {
		t.Fatalf("expected ErrModelExists, got %v", err)
	}
	if _, err := cat.Register(ctx, "   "); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
}

func TestRegister_EstimatorFailureLeavesUnresolved(t *testing.T) {
	est := estimator.Static{}
	cat, list := newCatalog(t, est)
	ctx := context.Background()

	model, err := cat.Register(ctx, "mystery")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if model.RequiredGPUs != nil {
		t.Fatalf("expected unresolved model")
	}

	if _, err := cat.Resolve(ctx, "mystery"); !errors.Is(err, estimator.ErrUnknownModel) {
		t.Fatalf("expected estimator error, got %v", err)
	}

	est["mystery"] = 2
	resolved, err := cat.Resolve(ctx, "mystery")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.GPUs() != 2 {
		t.Fatalf("expected 2 gpus, got %d", resolved.GPUs())
	}
	rows := list()
	if len(rows) != 1 || rows[0].GPUs() != 2 {
		t.Fatalf("resolution not persisted: %+v", rows)
	}
}

func TestResolve_RejectsEnabledModel(t *testing.T) {
	est := estimator.Static{"m": 1}
	cat, _ := newCatalog(t, est)
	ctx := context.Background()

	model, err := cat.Register(ctx, "m")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	now := time.Now().UTC()
	if errUpdate := cat.db.Model(model).Updates(map[string]any{"enabled": true, "enabled_at": now}).Error; errUpdate != nil {
		t.Fatalf("enable: %v", errUpdate)
	}
	if _, err := cat.Resolve(ctx, "m"); !errors.Is(err, ErrModelEnabled) {
		t.Fatalf("expected ErrModelEnabled, got %v", err)
	}
	if _, err := cat.Resolve(ctx, "other"); err == nil {
		t.Fatalf("expected error for unknown model")
	}
}

func TestList_OrdersByName(t *testing.T) {
	cat, _ := newCatalog(t, estimator.Static{"b": 1, "a": 1})
	ctx := context.Background()
	for _, name := range []string{"b", "a"} {
		if _, err := cat.Register(ctx, name); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	rows, err := cat.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 || rows[0].Name != "a" || rows[1].Name != "b" {
		t.Fatalf("unexpected order: %+v", rows)
	}
}
