package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/config"
	"rollcall/internal/scan"
	"rollcall/internal/store"
	"rollcall/internal/validator"
)

type testServer struct {
	router   *gin.Engine
	accounts *auth.Accounts
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	validator.Setup()

	log := zerolog.Nop()
	s := store.NewMemory()
	repo := attendance.NewRepository(s, log)
	reconciler := attendance.NewReconciler(repo, time.UTC, config.DefaultLateThreshold, log)
	registry := attendance.NewRegistry(repo, log)
	service := attendance.NewService(repo, reconciler, registry, log)
	accounts := auth.NewAccounts(s, log)

	h := New(Deps{
		Config: config.App{
			JWTIssuer:     "rollcall-test",
			JWTSigningKey: "test-secret",
			AccessTTL:     time.Minute,
			RefreshTTL:    time.Hour,
		},
		Accounts:   accounts,
		Registry:   registry,
		Reconciler: reconciler,
		Transfer:   attendance.NewTransfer(repo, log),
		Reports:    attendance.NewReports(repo),
		Service:    service,
		Scans:      scan.NewProcessor(scan.NewMemoryDebouncer(scan.DefaultWindow), service, log),
		Log:        log,
	})
	return &testServer{router: NewRouter(h, nil), accounts: accounts}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

type tokenResponse struct {
	Email  string         `json:"email"`
	Role   string         `json:"role"`
	Tokens auth.TokenPair `json:"tokens"`
}

func (ts *testServer) login(t *testing.T, email, password string) auth.TokenPair {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/v1/accounts/login", "", gin.H{"email": email, "password": password})
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d body %s", w.Code, w.Body.String())
	}
	var resp tokenResponse
	decode(t, w, &resp)
	return resp.Tokens
}

func TestAccountsFlow(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/accounts/register", "", gin.H{"email": "Teacher@School.edu", "password": "longenough"})
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d body %s", w.Code, w.Body.String())
	}
	var reg tokenResponse
	decode(t, w, &reg)
	if reg.Email != "teacher@school.edu" || reg.Role != auth.RoleUser || reg.Tokens.AccessToken == "" {
		t.Errorf("register response = %+v", reg)
	}

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{name: "duplicate", body: gin.H{"email": "teacher@school.edu", "password": "longenough"}, want: http.StatusConflict},
		{name: "bad email", body: gin.H{"email": "nope", "password": "longenough"}, want: http.StatusBadRequest},
		{name: "short password", body: gin.H{"email": "x@school.edu", "password": "short"}, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := ts.do(t, http.MethodPost, "/v1/accounts/register", "", tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d body %s", w.Code, tt.want, w.Body.String())
			}
		})
	}

	if w := ts.do(t, http.MethodPost, "/v1/accounts/login", "", gin.H{"email": "teacher@school.edu", "password": "wrong-password"}); w.Code != http.StatusUnauthorized {
		t.Errorf("bad login status = %d", w.Code)
	}
	tokens := ts.login(t, "teacher@school.edu", "longenough")

	w = ts.do(t, http.MethodPost, "/v1/accounts/refresh", "", gin.H{"refreshToken": tokens.RefreshToken})
	if w.Code != http.StatusOK {
		t.Errorf("refresh status = %d body %s", w.Code, w.Body.String())
	}
	if w := ts.do(t, http.MethodPost, "/v1/accounts/refresh", "", gin.H{"refreshToken": tokens.AccessToken}); w.Code != http.StatusUnauthorized {
		t.Errorf("refresh with access token status = %d", w.Code)
	}
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/v1/students", "/v1/classes", "/v1/sessions/active", "/v1/admin/export"} {
		if w := ts.do(t, http.MethodGet, path, "", nil); w.Code != http.StatusUnauthorized {
			t.Errorf("GET %s status = %d, want 401", path, w.Code)
		}
	}
	if w := ts.do(t, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Errorf("healthz status = %d", w.Code)
	}
}

func TestClassSessionFlow(t *testing.T) {
	ts := newTestServer(t)
	if w := ts.do(t, http.MethodPost, "/v1/accounts/register", "", gin.H{"email": "teacher@school.edu", "password": "longenough"}); w.Code != http.StatusCreated {
		t.Fatalf("register status = %d", w.Code)
	}
	token := ts.login(t, "teacher@school.edu", "longenough").AccessToken

	w := ts.do(t, http.MethodPost, "/v1/classes", token, gin.H{
		"name": "Math 101",
		"students": []gin.H{
			{"id": "ANA_REYES", "name": "Ana Reyes", "program": "BSCS"},
			{"id": "BEN_CRUZ", "name": "Ben Cruz", "program": "BSIT"},
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create class status = %d body %s", w.Code, w.Body.String())
	}
	var created struct {
		Class attendance.Class `json:"class"`
	}
	decode(t, w, &created)
	classID := created.Class.ClassID

	if w := ts.do(t, http.MethodPost, "/v1/sessions", token, gin.H{"classId": classID, "classTime": "9am"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad classTime status = %d", w.Code)
	}
	if w := ts.do(t, http.MethodPost, "/v1/sessions", token, gin.H{"classId": "missing", "classTime": "09:00"}); w.Code != http.StatusNotFound {
		t.Errorf("unknown class status = %d", w.Code)
	}

	// 23:59 keeps any scan made today inside the late threshold.
	today := time.Now().UTC().Format("2006-01-02")
	w = ts.do(t, http.MethodPost, "/v1/sessions", token, gin.H{"classId": classID, "date": today, "classTime": "23:59"})
	if w.Code != http.StatusCreated {
		t.Fatalf("start session status = %d body %s", w.Code, w.Body.String())
	}
	var started struct {
		Session attendance.Session `json:"session"`
	}
	decode(t, w, &started)
	sessionID := started.Session.SessionID

	w = ts.do(t, http.MethodPost, "/v1/scans", token, gin.H{"kind": "qr", "payload": "Ana Reyes,BSCS,,"})
	var scanned struct {
		Result attendance.ScanResult `json:"result"`
	}
	decode(t, w, &scanned)
	if w.Code != http.StatusOK || scanned.Result.Outcome != attendance.OutcomeMarked || scanned.Result.Status != attendance.StatusPresent {
		t.Fatalf("scan = %d %s", w.Code, w.Body.String())
	}

	w = ts.do(t, http.MethodPost, "/v1/scans", token, gin.H{"kind": "qr", "payload": "Ana Reyes,BSCS,,"})
	decode(t, w, &scanned)
	if scanned.Result.Outcome != attendance.OutcomeSuppressed {
		t.Errorf("repeat scan outcome = %s, want suppressed", scanned.Result.Outcome)
	}
	if w := ts.do(t, http.MethodPost, "/v1/scans", token, gin.H{"kind": "qr", "payload": "no comma"}); w.Code != http.StatusBadRequest {
		t.Errorf("malformed scan status = %d", w.Code)
	}

	w = ts.do(t, http.MethodGet, "/v1/sessions/"+sessionID+"/tally", token, nil)
	var tally attendance.Tally
	decode(t, w, &tally)
	if tally.Present != 1 || tally.Absent != 1 || tally.Total != 2 {
		t.Errorf("tally = %+v", tally)
	}

	w = ts.do(t, http.MethodGet, "/v1/sessions/"+sessionID+"/report.csv", token, nil)
	if w.Code != http.StatusOK || !strings.HasPrefix(w.Header().Get("Content-Type"), "text/csv") {
		t.Errorf("report.csv = %d %s", w.Code, w.Header().Get("Content-Type"))
	}
	if !strings.Contains(w.Body.String(), "ANA_REYES") {
		t.Errorf("report.csv missing student row: %s", w.Body.String())
	}

	if w := ts.do(t, http.MethodDelete, "/v1/sessions/active", token, nil); w.Code != http.StatusOK {
		t.Errorf("end session status = %d", w.Code)
	}
	w = ts.do(t, http.MethodPost, "/v1/scans", token, gin.H{"kind": "qr", "payload": "Ben Cruz,BSIT,,"})
	decode(t, w, &scanned)
	if scanned.Result.Outcome != attendance.OutcomeNoSession {
		t.Errorf("scan after end outcome = %s", scanned.Result.Outcome)
	}

	w = ts.do(t, http.MethodGet, "/v1/classes/"+classID+"/history", token, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), sessionID) {
		t.Errorf("history = %d %s", w.Code, w.Body.String())
	}
}

func TestStudentsAndTags(t *testing.T) {
	ts := newTestServer(t)
	if w := ts.do(t, http.MethodPost, "/v1/accounts/register", "", gin.H{"email": "teacher@school.edu", "password": "longenough"}); w.Code != http.StatusCreated {
		t.Fatalf("register status = %d", w.Code)
	}
	token := ts.login(t, "teacher@school.edu", "longenough").AccessToken

	if w := ts.do(t, http.MethodPost, "/v1/students", token, gin.H{"name": "Jane Doe", "program": "BSCS"}); w.Code != http.StatusCreated {
		t.Fatalf("create student status = %d body %s", w.Code, w.Body.String())
	}
	if w := ts.do(t, http.MethodPost, "/v1/students", token, gin.H{"name": "jane  doe", "program": "BSIT"}); w.Code != http.StatusConflict {
		t.Errorf("duplicate student status = %d", w.Code)
	}
	if w := ts.do(t, http.MethodPost, "/v1/students", token, gin.H{"name": "No Program"}); w.Code != http.StatusBadRequest {
		t.Errorf("missing program status = %d", w.Code)
	}

	w := ts.do(t, http.MethodGet, "/v1/students?q=jane", token, nil)
	var list struct {
		Students []attendance.Student `json:"students"`
	}
	decode(t, w, &list)
	if len(list.Students) != 1 || list.Students[0].ID != "JANE_DOE" {
		t.Errorf("search = %s", w.Body.String())
	}

	w = ts.do(t, http.MethodGet, "/v1/students/JANE_DOE/badge.png", token, nil)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/png" {
		t.Errorf("badge = %d %s", w.Code, w.Header().Get("Content-Type"))
	}

	if w := ts.do(t, http.MethodPost, "/v1/nfc", token, gin.H{"nfcId": "04:a1:b2", "name": "Jane Doe", "course": "BSCS"}); w.Code != http.StatusCreated {
		t.Fatalf("register tag status = %d body %s", w.Code, w.Body.String())
	}
	if w := ts.do(t, http.MethodPost, "/v1/nfc", token, gin.H{"nfcId": "04A1B2", "name": "Other", "course": "BSIT"}); w.Code != http.StatusConflict {
		t.Errorf("rebind status = %d", w.Code)
	}
	w = ts.do(t, http.MethodGet, "/v1/nfc/04-A1-B2", token, nil)
	var tag attendance.NFCTag
	decode(t, w, &tag)
	if tag.StudentID != "JANE_DOE" {
		t.Errorf("lookup = %s", w.Body.String())
	}
	if w := ts.do(t, http.MethodGet, "/v1/nfc/FFFF", token, nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown tag status = %d", w.Code)
	}

	if w := ts.do(t, http.MethodDelete, "/v1/students/JANE_DOE", token, nil); w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", w.Code)
	}
	if w := ts.do(t, http.MethodDelete, "/v1/students/JANE_DOE", token, nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", w.Code)
	}
}

func TestAdminRoutes(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	if _, err := ts.accounts.Register(ctx, "admin@school.edu", "longenough", auth.RoleAdmin); err != nil {
		t.Fatalf("Register(admin) error = %v", err)
	}
	if _, err := ts.accounts.Register(ctx, "teacher@school.edu", "longenough", auth.RoleUser); err != nil {
		t.Fatalf("Register(user) error = %v", err)
	}
	admin := ts.login(t, "admin@school.edu", "longenough").AccessToken
	user := ts.login(t, "teacher@school.edu", "longenough").AccessToken

	if w := ts.do(t, http.MethodGet, "/v1/admin/export", user, nil); w.Code != http.StatusForbidden {
		t.Errorf("user export status = %d, want 403", w.Code)
	}

	doc := `{"students":[{"id":"NEW_ONE","name":"New One","program":"BSIT","owner":"teacher@school.edu","attendanceHistory":[]}]}`
	w := ts.do(t, http.MethodPost, "/v1/admin/import", admin, doc)
	var sum attendance.ImportSummary
	decode(t, w, &sum)
	if w.Code != http.StatusOK || sum.Students.Added != 1 {
		t.Fatalf("import = %d %s", w.Code, w.Body.String())
	}
	w = ts.do(t, http.MethodPost, "/v1/admin/import", admin, doc)
	decode(t, w, &sum)
	if sum.Students.Added != 0 || sum.Students.Skipped != 1 {
		t.Errorf("re-import = %+v", sum.Students)
	}
	if w := ts.do(t, http.MethodPost, "/v1/admin/import", admin, `{"nfcRegistry":[]}`); w.Code != http.StatusBadRequest {
		t.Errorf("import without students status = %d", w.Code)
	}

	w = ts.do(t, http.MethodGet, "/v1/admin/export", admin, nil)
	var exported attendance.Document
	decode(t, w, &exported)
	if exported.Version != attendance.ExportVersion || len(exported.Students) != 1 {
		t.Errorf("export = %s", w.Body.String())
	}
	if !strings.Contains(w.Header().Get("Content-Disposition"), "rollcall_export_") {
		t.Errorf("Content-Disposition = %q", w.Header().Get("Content-Disposition"))
	}

	w = ts.do(t, http.MethodGet, "/v1/students?all=true", user, nil)
	var list struct {
		Students []attendance.Student `json:"students"`
	}
	decode(t, w, &list)
	if len(list.Students) != 1 {
		t.Errorf("user listing = %s", w.Body.String())
	}
}
