package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/WellyBot/internal/config"
	"github.com/digkill/WellyBot/internal/database"
	"github.com/digkill/WellyBot/internal/models"
	"github.com/digkill/WellyBot/internal/repository"
	"github.com/digkill/WellyBot/internal/service"
	"github.com/digkill/WellyBot/internal/yookassa"
)

type recordingSender struct {
	mu   sync.Mutex
	sent map[int64]string
	fail map[int64]bool
}

func (s *recordingSender) SendText(_ context.Context, chatID int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[chatID] {
		return errors.New("blocked")
	}
	s.sent[chatID] = text
	return nil
}

type harness struct {
	handler  http.Handler
	users    *repository.UserRepository
	payments *repository.PaymentRepository
	ledger   *service.CreditLedger
	history  *repository.GenerationRepository
	sender   *recordingSender

	mu       sync.Mutex
	statuses map[string]string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "admin.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(context.Background(), db, config.DriverSQLite))

	h := &harness{statuses: map[string]string{}}
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/payments/")
		h.mu.Lock()
		status, ok := h.statuses[id]
		h.mu.Unlock()
		switch {
		case !ok:
			w.WriteHeader(http.StatusNotFound)
		case status == "broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			_ = json.NewEncoder(w).Encode(map[string]string{"id": id, "status": status})
		}
	}))
	t.Cleanup(gw.Close)

	h.users = repository.NewUserRepository(db)
	h.payments = repository.NewPaymentRepository(db)
	h.ledger = service.NewCreditLedger(h.users)
	h.history = repository.NewGenerationRepository(db)
	packages := service.NewPackageService(repository.NewPackageRepository(db), "RUB", config.DefaultPackages("RUB"))
	require.NoError(t, packages.EnsureDefaults(context.Background()))
	client := yookassa.NewClient(yookassa.Config{ShopID: "shop", SecretKey: "key", BaseURL: gw.URL}, gw.Client())
	payments := service.NewPaymentService(client, h.payments, packages, h.ledger, time.Minute, zerolog.Nop())
	h.sender = &recordingSender{sent: map[int64]string{}, fail: map[int64]bool{}}

	srv := NewServer(Config{Username: "admin", Password: "secret"}, Deps{
		Users:    service.NewUserService(h.users, 1),
		Packages: packages,
		Payments: payments,
		Ledger:   h.ledger,
		Sender:   h.sender,
		History:  h.history,
	}, zerolog.Nop())
	h.handler = srv.Handler()
	return h
}

func (h *harness) do(t *testing.T, method, path, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if auth {
		req.SetBasicAuth("admin", "secret")
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) seedUser(t *testing.T, id int64, balance int) {
	t.Helper()
	_, _, err := h.users.Ensure(context.Background(), models.User{TelegramID: id, Generations: balance})
	require.NoError(t, err)
}

func TestPublicEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProtectedEndpointsRequireAuth(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{"/packages/", "/users/1/"} {
		rec := h.do(t, http.MethodGet, path, "", false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")
	}
}

func TestPackageCRUD(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/packages/", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []models.Package
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed, 3)

	rec = h.do(t, http.MethodPost, "/packages/", `{"generations":50,"price":449}`, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.Package
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "RUB", created.Currency)
	assert.True(t, created.IsActive)

	rec = h.do(t, http.MethodPut, "/packages/"+jsonID(created.ID), `{"price":399,"is_active":false}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var updated models.Package
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, 399, updated.Price)
	assert.False(t, updated.IsActive)

	rec = h.do(t, http.MethodPut, "/packages/9999", `{"price":1}`, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/packages/", `{"generations":0,"price":1}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodDelete, "/packages/"+jsonID(created.ID), "", true)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestGrantCredits(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, 42, 1)

	rec := h.do(t, http.MethodPost, "/users/42/credits", `{"amount":4}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"generations":5}`, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/users/42/credits", `{"amount":0}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/users/7/credits", `{"amount":1}`, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, h.history.Log(context.Background(), models.GenerationLog{
		TelegramID: 42, Prompt: "cat", Outcome: models.OutcomeFailed,
	}))
	rec = h.do(t, http.MethodGet, "/users/42/", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"generations":5`)
	assert.Contains(t, rec.Body.String(), `"failed_generations":1`)
}

func TestBroadcastCountsFailures(t *testing.T) {
	h := newHarness(t)
	for _, id := range []int64{1, 2, 3} {
		h.seedUser(t, id, 0)
	}
	h.sender.fail[2] = true

	rec := h.do(t, http.MethodPost, "/broadcast", `{"message":"hello"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sent":2,"total":3}`, rec.Body.String())
	assert.Equal(t, map[int64]string{1: "hello", 3: "hello"}, h.sender.sent)

	rec = h.do(t, http.MethodPost, "/broadcast", `{"message":"  "}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestYooKassaWebhook(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, 42, 0)
	require.NoError(t, h.payments.Create(ctx, &models.Payment{
		TelegramID: 42, PaymentID: "pay-1", Amount: 99, Currency: "RUB", Generations: 5, Status: models.PaymentPending,
	}))
	body := `{"event":"payment.succeeded","object":{"id":"pay-1"}}`

	h.mu.Lock()
	h.statuses["pay-1"] = "broken"
	h.mu.Unlock()
	rec := h.do(t, http.MethodPost, "/webhook/yookassa", body, false)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	h.mu.Lock()
	h.statuses["pay-1"] = "succeeded"
	h.mu.Unlock()
	rec = h.do(t, http.MethodPost, "/webhook/yookassa", body, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	balance, err := h.ledger.Balance(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 5, balance)

	rec = h.do(t, http.MethodPost, "/webhook/yookassa", body, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	balance, err = h.ledger.Balance(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 5, balance, "repeated notifications credit once")

	rec = h.do(t, http.MethodPost, "/webhook/yookassa", `{"object":{"id":"unknown"}}`, false)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/webhook/yookassa", `not json`, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func jsonID(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
