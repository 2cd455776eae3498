package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"budgetbase/internal/core"
	"budgetbase/internal/identity"
	"budgetbase/internal/log"
	"budgetbase/internal/middleware/trace"
	"budgetbase/internal/notify"
	"budgetbase/internal/rollup"
	"budgetbase/internal/services"
	"budgetbase/internal/storage"
)

var (
	coordinator = core.Profile{UserID: "u-coord", FullName: "Awa", Profession: core.ProfessionGrantCoordinator}
	accountant  = core.Profile{UserID: "u-acct", FullName: "Moussa", Profession: core.ProfessionAccountant}
	national    = core.Profile{UserID: "u-nat", FullName: "Fatou", Profession: core.ProfessionNationalCoordinator}
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newTestServer(t *testing.T, perMinute int) (*Server, *storage.Store) {
	t.Helper()
	ctx := context.Background()
	s := storage.NewMemoryStore()
	if _, err := s.Grants.Create(ctx, core.Grant{ID: "g", Name: "G", TotalAmount: d(5000), Currency: "XOF"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.BudgetLines.Create(ctx, core.BudgetLine{ID: "bl", GrantID: "g", Name: "L", NotifiedAmount: d(1000), AvailableAmount: d(1000)}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SubBudgetLines.Create(ctx, core.SubBudgetLine{ID: "sl", GrantID: "g", BudgetLineID: "bl", Name: "S", NotifiedAmount: d(1000), AvailableAmount: d(1000), PlannedAmount: d(1000)}); err != nil {
		t.Fatal(err)
	}

	engine := rollup.NewEngine(s, rollup.ModeDelta, log.Discard())
	budget := services.NewBudgetService(s, engine, notify.NewHub(), identity.Context{}, nil, log.Discard())
	sel := services.NewSelectionService(s, nil, identity.Context{}, 10*time.Millisecond, log.Discard())

	srv := NewServer(Options{Addr: ":0", Budget: budget, Selection: sel, RateLimitPerMinute: perMinute, Logger: log.Discard()})
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv, s
}

func do(t *testing.T, h http.Handler, method, path string, p *core.Profile, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if p != nil {
		setProfile(req, *p)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func setProfile(req *http.Request, p core.Profile) {
	req.Header.Set(HeaderUserID, p.UserID)
	req.Header.Set(HeaderUserName, p.FullName)
	req.Header.Set(HeaderProfession, p.Profession.String())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

const engagementBody = `{"grantId":"g","budgetLineId":"bl","subBudgetLineId":"sl","description":"Laptops","amount":"300"}`

func TestHealthAndRequestID(t *testing.T) {
	srv, _ := newTestServer(t, 100)
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := do(t, srv.Handler, http.MethodGet, path, nil, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status=%d", path, rec.Code)
		}
		if !strings.HasPrefix(rec.Header().Get(trace.RequestIDHeader), "req_") {
			t.Errorf("%s missing request id", path)
		}
		if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Errorf("%s missing security headers", path)
		}
	}
}

func TestCreateEngagement(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		field  string
	}{
		{"valid", engagementBody, http.StatusCreated, ""},
		{"missing sub-line", `{"grantId":"g","budgetLineId":"bl","amount":"300"}`, http.StatusUnprocessableEntity, "subBudgetLineId"},
		{"zero amount", `{"grantId":"g","budgetLineId":"bl","subBudgetLineId":"sl","amount":"0"}`, http.StatusUnprocessableEntity, "amount"},
		{"unknown field", `{"grantId":"g","colour":"red"}`, http.StatusUnprocessableEntity, "body"},
		{"empty body", "", http.StatusUnprocessableEntity, "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, 100)
			rec := do(t, srv.Handler, http.MethodPost, "/api/engagements", &coordinator, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
			}
			if tt.field != "" {
				got := decode[errorBody](t, rec)
				if got.Error.Field != tt.field || got.RequestID == "" {
					t.Errorf("error = %+v", got)
				}
			}
		})
	}
}

func TestEngagementRollupThroughAPI(t *testing.T) {
	srv, store := newTestServer(t, 100)

	rec := do(t, srv.Handler, http.MethodPost, "/api/engagements", &coordinator, engagementBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rec.Code, rec.Body.String())
	}
	created := decode[core.Engagement](t, rec)

	sub, _ := store.SubBudgetLines.Get(context.Background(), "sl")
	if !sub.EngagedAmount.Equal(d(300)) || !sub.AvailableAmount.Equal(d(700)) {
		t.Fatalf("sub-line %s/%s", sub.EngagedAmount, sub.AvailableAmount)
	}

	update := strings.Replace(engagementBody, `"300"`, `"500"`, 1)
	rec = do(t, srv.Handler, http.MethodPut, "/api/engagements/"+created.ID, &coordinator, update)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = do(t, srv.Handler, http.MethodGet, "/api/records", nil, "")
	records := decode[recordsResponse](t, rec)
	if len(records.Engagements) != 1 || len(records.SubBudgetLines) != 1 {
		t.Fatalf("records = %+v", records)
	}
	if !records.SubBudgetLines[0].EngagedAmount.Equal(d(500)) {
		t.Errorf("engaged = %s, want 500", records.SubBudgetLines[0].EngagedAmount)
	}

	rec = do(t, srv.Handler, http.MethodDelete, "/api/engagements/"+created.ID, &coordinator, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status=%d", rec.Code)
	}
	rec = do(t, srv.Handler, http.MethodDelete, "/api/engagements/"+created.ID, &coordinator, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status=%d, want 404", rec.Code)
	}
}

func TestSignChainThroughAPI(t *testing.T) {
	srv, _ := newTestServer(t, 100)
	created := decode[core.Engagement](t, do(t, srv.Handler, http.MethodPost, "/api/engagements", &coordinator, engagementBody))
	path := "/api/records/engagements/" + created.ID + "/sign"

	steps := []struct {
		name   string
		who    *core.Profile
		body   string
		status int
		slot   string
	}{
		{"no profile", nil, "", http.StatusUnauthorized, ""},
		{"final too early", &national, "", http.StatusForbidden, ""},
		{"coordinator", &coordinator, `{"observation":"ok"}`, http.StatusOK, "supervisor1"},
		{"coordinator twice", &coordinator, "", http.StatusForbidden, ""},
		{"accountant", &accountant, "", http.StatusOK, "supervisor2"},
		{"national", &national, "", http.StatusOK, "finalApproval"},
	}
	for _, step := range steps {
		rec := do(t, srv.Handler, http.MethodPost, path, step.who, step.body)
		if rec.Code != step.status {
			t.Fatalf("%s: status=%d body=%s", step.name, rec.Code, rec.Body.String())
		}
		if step.slot != "" {
			if got := decode[signResponse](t, rec); string(got.Slot) != step.slot {
				t.Errorf("%s: slot=%s, want %s", step.name, got.Slot, step.slot)
			}
		}
	}

	rec := do(t, srv.Handler, http.MethodPost, "/api/records/grants/g/sign", &coordinator, "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("grant sign status=%d, want 422", rec.Code)
	}
}

func TestPending(t *testing.T) {
	srv, _ := newTestServer(t, 100)
	do(t, srv.Handler, http.MethodPost, "/api/engagements", &coordinator, engagementBody)

	rec := do(t, srv.Handler, http.MethodGet, "/api/pending?scope=g", &coordinator, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if snap := decode[notify.Snapshot](t, rec); snap.Engagements != 1 || snap.Total != 1 {
		t.Errorf("snapshot = %+v", snap)
	}

	rec = do(t, srv.Handler, http.MethodGet, "/api/pending?scope=other", &coordinator, "")
	if snap := decode[notify.Snapshot](t, rec); snap.Total != 0 {
		t.Errorf("scoped snapshot = %+v", snap)
	}

	if rec := do(t, srv.Handler, http.MethodGet, "/api/pending", nil, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status=%d, want 401", rec.Code)
	}
}

func TestPendingStream(t *testing.T) {
	srv, _ := newTestServer(t, 100)
	do(t, srv.Handler, http.MethodPost, "/api/engagements", &coordinator, engagementBody)

	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/pending/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	setProfile(req, coordinator)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var snap notify.Snapshot
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap); err != nil {
			t.Fatal(err)
		}
		if snap.Engagements != 1 {
			t.Errorf("streamed snapshot = %+v", snap)
		}
		return
	}
	t.Fatalf("stream ended without data: %v", scanner.Err())
}

func TestRepaymentsThroughAPI(t *testing.T) {
	srv, _ := newTestServer(t, 100)
	rec := do(t, srv.Handler, http.MethodPost, "/api/employee-loans", &coordinator,
		`{"grantId":"g","employeeName":"Ibrahim","amount":"1200","installments":3}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rec.Code, rec.Body.String())
	}
	loan := decode[core.EmployeeLoan](t, rec)
	path := "/api/records/employee-loans/" + loan.ID + "/repayments"

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"comma decimal", `{"amount":"400,00","reference":"R1"}`, http.StatusCreated},
		{"invalid amount", `{"amount":"abc"}`, http.StatusUnprocessableEntity},
		{"invalid date", `{"amount":"10","date":"03/01/2024"}`, http.StatusUnprocessableEntity},
		{"over repayment", `{"amount":"900"}`, http.StatusUnprocessableEntity},
		{"remaining", `{"amount":"800","date":"2024-03-02"}`, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv.Handler, http.MethodPost, path, &accountant, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
			}
		})
	}

	if rec := do(t, srv.Handler, http.MethodPost, "/api/records/engagements/x/repayments", &accountant, `{"amount":"1"}`); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("engagement repayment status=%d, want 422", rec.Code)
	}
}

func TestBudgetLinesThroughAPI(t *testing.T) {
	srv, store := newTestServer(t, 100)
	ctx := context.Background()

	rec := do(t, srv.Handler, http.MethodPost, "/api/sub-budget-lines", &coordinator,
		`{"grantId":"g","budgetLineId":"bl","name":"S2","notifiedAmount":"800"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create sub-line status=%d body=%s", rec.Code, rec.Body.String())
	}
	g, _ := store.Grants.Get(ctx, "g")
	if !g.PlannedAmount.Equal(d(1800)) {
		t.Fatalf("grant planned = %s, want 1800", g.PlannedAmount)
	}

	rec = do(t, srv.Handler, http.MethodPut, "/api/budget-lines/bl", &coordinator, `{"grantId":"g","name":"Renamed","notifiedAmount":"1500"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update line status=%d body=%s", rec.Code, rec.Body.String())
	}
	if line := decode[core.BudgetLine](t, rec); line.Name != "Renamed" || !line.AvailableAmount.Equal(d(1500)) {
		t.Errorf("line = %+v", line)
	}

	rec = do(t, srv.Handler, http.MethodDelete, "/api/budget-lines/bl", &coordinator, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status=%d", rec.Code)
	}
	if got := decode[map[string]int](t, rec); got["removedSubBudgetLines"] != 2 {
		t.Errorf("removed = %v", got)
	}

	rec = do(t, srv.Handler, http.MethodPost, "/api/sub-budget-lines", &coordinator, `{"grantId":"g","budgetLineId":"bl","name":"S3"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("orphan sub-line status=%d, want 422", rec.Code)
	}
}

func TestBankTransactions(t *testing.T) {
	srv, _ := newTestServer(t, 100)
	rec := do(t, srv.Handler, http.MethodPost, "/api/grants", &coordinator,
		`{"id":"g2","name":"G2","totalAmount":"10000","currency":"XOF","bankAccount":{"name":"Main","accountNumber":"SN01","bankName":"BOA","balance":"0"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create grant status=%d body=%s", rec.Code, rec.Body.String())
	}

	tests := []struct {
		name    string
		body    string
		status  int
		balance int64
	}{
		{"credit", `{"type":"credit","amount":"500","label":"Tranche 1"}`, http.StatusCreated, 500},
		{"debit", `{"type":"debit","amount":"120","label":"Fees"}`, http.StatusCreated, 380},
		{"bad type", `{"type":"refund","amount":"1","label":"x"}`, http.StatusUnprocessableEntity, 0},
		{"missing label", `{"type":"credit","amount":"1","label":""}`, http.StatusUnprocessableEntity, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv.Handler, http.MethodPost, "/api/grants/g2/bank-transactions", &accountant, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
			}
			if tt.status == http.StatusCreated {
				if acct := decode[core.BankAccount](t, rec); !acct.Balance.Equal(d(tt.balance)) {
					t.Errorf("balance = %s, want %d", acct.Balance, tt.balance)
				}
			}
		})
	}

	if rec := do(t, srv.Handler, http.MethodPost, "/api/grants/missing/bank-transactions", &accountant, `{"type":"credit","amount":"1","label":"x"}`); rec.Code != http.StatusNotFound {
		t.Errorf("unknown grant status=%d, want 404", rec.Code)
	}
}

func TestSelection(t *testing.T) {
	srv, _ := newTestServer(t, 100)

	if rec := do(t, srv.Handler, http.MethodGet, "/api/selection", nil, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status=%d", rec.Code)
	}

	rec := do(t, srv.Handler, http.MethodGet, "/api/selection", &coordinator, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status=%d body=%s", rec.Code, rec.Body.String())
	}
	if got := decode[selectionBody](t, rec); got.GrantID != "g" {
		t.Errorf("initial selection = %q, want g", got.GrantID)
	}

	if rec := do(t, srv.Handler, http.MethodPut, "/api/selection", &coordinator, `{"grantId":"nope"}`); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown grant status=%d, want 422", rec.Code)
	}
}

func TestReconcile(t *testing.T) {
	srv, store := newTestServer(t, 100)
	ctx := context.Background()
	if _, err := store.Engagements.Create(ctx, core.Engagement{GrantID: "g", BudgetLineID: "bl", SubBudgetLineID: "sl", Amount: d(250), Date: core.NewDate(2024, 1, 1)}); err != nil {
		t.Fatal(err)
	}

	rec := do(t, srv.Handler, http.MethodPost, "/api/reconcile", &national, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if got := decode[reconcileResponse](t, rec); got.SubBudgetLines != 1 || got.BudgetLines != 1 {
		t.Errorf("result = %+v", got)
	}
	sub, _ := store.SubBudgetLines.Get(ctx, "sl")
	if !sub.EngagedAmount.Equal(d(250)) {
		t.Errorf("engaged = %s, want 250", sub.EngagedAmount)
	}
}

func TestRateLimitOnWrites(t *testing.T) {
	srv, _ := newTestServer(t, 2)
	for i := 0; i < 2; i++ {
		if rec := do(t, srv.Handler, http.MethodPost, "/api/engagements", &coordinator, engagementBody); rec.Code != http.StatusCreated {
			t.Fatalf("request %d status=%d", i+1, rec.Code)
		}
	}
	rec := do(t, srv.Handler, http.MethodPost, "/api/engagements", &coordinator, engagementBody)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d, want 429", rec.Code)
	}
	if got := decode[errorBody](t, rec); got.Error.Code != "rate_limited" {
		t.Errorf("error = %+v", got)
	}

	if rec := do(t, srv.Handler, http.MethodGet, "/api/records", nil, ""); rec.Code != http.StatusOK {
		t.Errorf("reads limited: status=%d", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	srv, _ := newTestServer(t, 1)
	do(t, srv.Handler, http.MethodPost, "/api/engagements", &coordinator, engagementBody)
	do(t, srv.Handler, http.MethodPost, "/api/engagements", &coordinator, engagementBody)

	rec := do(t, srv.Handler, http.MethodGet, "/metrics", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"# TYPE http_requests_total counter",
		"rate_limit_hits_total 1\n",
		"rate_limit_clients 1\n",
		"suspicious_requests_total 0\n",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q:\n%s", want, body)
		}
	}
}
