package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/gpulease/internal/capacity"
	"github.com/router-for-me/gpulease/internal/catalog"
	"github.com/router-for-me/gpulease/internal/config"
	"github.com/router-for-me/gpulease/internal/credit"
	"github.com/router-for-me/gpulease/internal/db"
	"github.com/router-for-me/gpulease/internal/estimator"
	"github.com/router-for-me/gpulease/internal/security"
	internalsettings "github.com/router-for-me/gpulease/internal/settings"
)

const testJWTSecret = "admin-test-secret"

func newAdminEngine(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "admin-test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	ledger := capacity.NewLedger(8, time.Hour)
	engine := gin.New()
	RegisterAdminRoutes(engine, conn, config.JWTConfig{Secret: testJWTSecret, Expiry: time.Hour}, Deps{
		Catalog:  catalog.New(conn, ledger, estimator.Static{"llama-70b": 4}, time.Second),
		Capacity: ledger,
		Credits:  credit.NewLedger(),
	})
	return engine
}

func adminToken(t *testing.T, admin bool) string {
	t.Helper()
	token, err := security.IssueToken(testJWTSecret, 1, admin, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, engine *gin.Engine, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestAdminAuth(t *testing.T) {
	engine := newAdminEngine(t)
	if rec := doJSON(t, engine, http.MethodGet, "/v0/admin/models", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := doJSON(t, engine, http.MethodGet, "/v0/admin/models", adminToken(t, false), ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for user token, got %d", rec.Code)
	}
	if rec := doJSON(t, engine, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}
	rec := doJSON(t, engine, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte("gpulease_pool_capacity_gpus")) {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

func TestAdminModels(t *testing.T) {
	engine := newAdminEngine(t)
	token := adminToken(t, true)

	rec := doJSON(t, engine, http.MethodPost, "/v0/admin/models", token, `{"name": "llama-70b"}`)
	if rec.Code != http.StatusCreated || !bytes.Contains(rec.Body.Bytes(), []byte(`"required_gpus":4`)) {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, engine, http.MethodPost, "/v0/admin/models", token, `{"name": "llama-70b"}`); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate: expected 409, got %d", rec.Code)
	}
	rec = doJSON(t, engine, http.MethodPost, "/v0/admin/models", token, `{"name": "mystery"}`)
	if rec.Code != http.StatusCreated || !bytes.Contains(rec.Body.Bytes(), []byte(`"required_gpus":null`)) {
		t.Fatalf("unresolved register: %d %s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, engine, http.MethodPost, "/v0/admin/models/mystery/resolve", token, ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("resolve without estimate: expected 502, got %d", rec.Code)
	}

	rec = doJSON(t, engine, http.MethodGet, "/v0/admin/models", token, "")
	var list struct {
		Models []map[string]any `json:"models"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &list)
	if rec.Code != http.StatusOK || len(list.Models) != 2 {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
}

func TestAdminUsers(t *testing.T) {
	engine := newAdminEngine(t)
	token := adminToken(t, true)

	rec := doJSON(t, engine, http.MethodPost, "/v0/admin/users", token, `{"username": "alice", "credits": 50}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	var user struct {
		ID uint64 `json:"id"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &user)

	if rec := doJSON(t, engine, http.MethodPost, "/v0/admin/users", token, `{"username": "alice"}`); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate: expected 409, got %d", rec.Code)
	}
	if rec := doJSON(t, engine, http.MethodPost, "/v0/admin/users", token, `{"username": "bob", "credits": -1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("negative credits: expected 400, got %d", rec.Code)
	}

	path := "/v0/admin/users/" + jsonNumber(user.ID)
	rec = doJSON(t, engine, http.MethodPost, path+"/credits", token, `{"amount": 25}`)
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte(`"credits":75`)) {
		t.Fatalf("grant: %d %s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, engine, http.MethodPost, "/v0/admin/users/999/credits", token, `{"amount": 1}`); rec.Code != http.StatusNotFound {
		t.Fatalf("grant unknown user: expected 404, got %d", rec.Code)
	}

	rec = doJSON(t, engine, http.MethodPost, path+"/token", token, "")
	var issued struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &issued)
	claims, err := security.ParseToken(testJWTSecret, issued.Token)
	if err != nil || claims.UserID != user.ID || claims.Admin {
		t.Fatalf("issued token invalid: %v %+v", err, claims)
	}
}

func TestAdminSettings(t *testing.T) {
	engine := newAdminEngine(t)
	token := adminToken(t, true)
	t.Cleanup(func() { internalsettings.StoreDBConfig(time.Time{}, nil) })

	if rec := doJSON(t, engine, http.MethodPut, "/v0/admin/settings/LEASE_RATE_LIMIT", token, `{"value": -2}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("negative limit: expected 400, got %d", rec.Code)
	}
	if rec := doJSON(t, engine, http.MethodPut, "/v0/admin/settings/NOT_A_SETTING", token, `{"value": 1}`); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown key: expected 404, got %d", rec.Code)
	}
	rec := doJSON(t, engine, http.MethodPut, "/v0/admin/settings/LEASE_RATE_LIMIT", token, `{"value": "3"}`)
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte(`"value":3`)) {
		t.Fatalf("put: %d %s", rec.Code, rec.Body.String())
	}
	if got := internalsettings.IntValue(internalsettings.LeaseRateLimitKey, 0); got != 3 {
		t.Fatalf("snapshot not refreshed, got %d", got)
	}
	if rec := doJSON(t, engine, http.MethodPut, "/v0/admin/settings/LEASE_RATE_LIMIT", token, `{"value": 5}`); rec.Code != http.StatusOK {
		t.Fatalf("overwrite: expected 200, got %d", rec.Code)
	}
	if got := internalsettings.IntValue(internalsettings.LeaseRateLimitKey, 0); got != 5 {
		t.Fatalf("snapshot not refreshed after overwrite, got %d", got)
	}

	if rec := doJSON(t, engine, http.MethodPut, "/v0/admin/settings/RATE_LIMIT_REDIS_PASSWORD", token, `{"value": "hunter2"}`); rec.Code != http.StatusOK {
		t.Fatalf("put secret: expected 200, got %d", rec.Code)
	}
	rec = doJSON(t, engine, http.MethodGet, "/v0/admin/settings", token, "")
	if rec.Code != http.StatusOK || bytes.Contains(rec.Body.Bytes(), []byte("hunter2")) {
		t.Fatalf("list should mask secrets: %d %s", rec.Code, rec.Body.String())
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"key":"WEBHOOK_RETENTION_DAYS"`)) {
		t.Fatalf("list should include unset settings with defaults: %s", rec.Body.String())
	}

	if rec := doJSON(t, engine, http.MethodDelete, "/v0/admin/settings/LEASE_RATE_LIMIT", token, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
	if got := internalsettings.IntValue(internalsettings.LeaseRateLimitKey, 0); got != 0 {
		t.Fatalf("delete should revert to default, got %d", got)
	}
	if rec := doJSON(t, engine, http.MethodDelete, "/v0/admin/settings/LEASE_RATE_LIMIT", token, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: expected 404, got %d", rec.Code)
	}
}

func jsonNumber(id uint64) string {
	out, _ := json.Marshal(id)
	return string(out)
}
