package httpapi_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/lasertracker/internal/httpapi"
	"github.com/MarkoPoloResearchLab/lasertracker/internal/realtime"
	"github.com/MarkoPoloResearchLab/lasertracker/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/lasertracker/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	contentTypeHeader  = "Content-Type"
	contentTypeJSON    = "application/json"
	sessionIssuer      = "tauth"
	sessionCookieName  = "app_session"
	sessionSigningKey  = "secret-key"
	memberUserID       = "github:42"
	memberDisplayName  = "Ada Member"
	adminUserID        = "github:1"
	adminDisplayName   = "Grace Admin"
	sessionUserEmail   = "member@example.com"
	sessionPath        = "/api/session"
	ledgerPath         = "/api/ledger"
	totalsPath         = "/api/totals"
	quotePath          = "/api/quote"
	workPath           = "/api/work"
	tabPath            = "/api/tab"
	settlePath         = "/api/tab/settle"
	pricePath          = "/api/preferences/price"
	rebuildPath        = "/api/admin/rebuild"
	eventsPath         = "/api/events"
	tabSignInMessage   = "must be signed in to charge to a tab"
	eventLinePrefix    = "event:"
	eventAppendedName  = "entry_appended"
	eventTotalsName    = "totals_changed"
	eventIdentityName  = "identity_changed"
	streamReadDeadline = 5 * time.Second
)

type testEnvironment struct {
	handler http.Handler
	store   *gormstore.Store
}

func newTestEnvironment(t *testing.T) testEnvironment {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(t.TempDir()+"/ledger.db"), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open failed: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := gormstore.Migrate(database); err != nil {
		t.Fatalf("automigrate failed: %v", err)
	}
	store := gormstore.New(database)
	adminID, err := ledger.NewUserID(adminUserID)
	if err != nil {
		t.Fatalf("admin id: %v", err)
	}
	if err := store.SetAdmin(context.Background(), adminID, true); err != nil {
		t.Fatalf("grant admin: %v", err)
	}

	hub := realtime.NewHub()
	service, err := ledger.NewService(store, ledger.WithNotifier(hub), ledger.WithReplayQuietWindow(time.Minute))
	if err != nil {
		t.Fatalf("service init failed: %v", err)
	}
	sessions, err := ledger.NewSessions(store, hub)
	if err != nil {
		t.Fatalf("sessions init failed: %v", err)
	}
	handler, err := httpapi.NewHandler(httpapi.Config{
		AllowedOrigins:    []string{"http://localhost:8000"},
		SessionSigningKey: sessionSigningKey,
		SessionIssuer:     sessionIssuer,
		SessionCookieName: sessionCookieName,
	}, httpapi.Dependencies{Service: service, Sessions: sessions, Hub: hub, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("handler init failed: %v", err)
	}
	return testEnvironment{handler: handler, store: store}
}

func buildSessionCookie(t *testing.T, userID string, displayName string) *http.Cookie {
	t.Helper()
	return signSessionCookie(t, &sessionvalidator.Claims{
		UserID:          userID,
		UserEmail:       sessionUserEmail,
		UserDisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
}

func signSessionCookie(t *testing.T, claims *sessionvalidator.Claims) *http.Cookie {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString([]byte(sessionSigningKey))
	if err != nil {
		t.Fatalf("token signing failed: %v", err)
	}
	return &http.Cookie{Name: sessionCookieName, Value: signedToken}
}

func executeRequest(t *testing.T, handler http.Handler, method string, path string, cookie *http.Cookie, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		body = bytes.NewReader(encoded)
	} else {
		body = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, body)
	if payload != nil {
		request.Header.Set(contentTypeHeader, contentTypeJSON)
	}
	if cookie != nil {
		request.AddCookie(cookie)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func expectStatus(t *testing.T, recorder *httptest.ResponseRecorder, status int) {
	t.Helper()
	if recorder.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, recorder.Code, recorder.Body.String())
	}
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var decoded T
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode %s: %v", recorder.Body.String(), err)
	}
	return decoded
}

type identityEnvelope struct {
	Identity realtime.IdentityView `json:"identity"`
}

type entryEnvelope struct {
	Entry ledger.Entry `json:"entry"`
}

type entriesEnvelope struct {
	Entries []ledger.Entry `json:"entries"`
}

type totalsEnvelope struct {
	Totals   realtime.TotalsView `json:"totals"`
	Goal     ledger.Amount       `json:"goal"`
	Progress float64             `json:"progress"`
}

type tabEnvelope struct {
	Tab struct {
		Jobs         int            `json:"jobs"`
		Time         string         `json:"time"`
		TotalDisplay string         `json:"total_display"`
		Entries      []ledger.Entry `json:"entries"`
	} `json:"tab"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestHealthz(t *testing.T) {
	environment := newTestEnvironment(t)
	recorder := executeRequest(t, environment.handler, http.MethodGet, "/healthz", nil, nil)
	expectStatus(t, recorder, http.StatusOK)
}

func TestSessionResolvesAdminFromStore(t *testing.T) {
	environment := newTestEnvironment(t)
	testCases := []struct {
		name     string
		cookie   *http.Cookie
		signedIn bool
		isAdmin  bool
	}{
		{name: "anonymous", cookie: nil},
		{name: "member", cookie: buildSessionCookie(t, memberUserID, memberDisplayName), signedIn: true},
		{name: "admin", cookie: buildSessionCookie(t, adminUserID, adminDisplayName), signedIn: true, isAdmin: true},
		{name: "garbage cookie", cookie: &http.Cookie{Name: sessionCookieName, Value: "not-a-jwt"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := executeRequest(t, environment.handler, http.MethodGet, sessionPath, testCase.cookie, nil)
			expectStatus(t, recorder, http.StatusOK)
			envelope := decodeBody[identityEnvelope](t, recorder)
			if envelope.Identity.SignedIn != testCase.signedIn || envelope.Identity.IsAdmin != testCase.isAdmin {
				t.Fatalf("unexpected identity %+v", envelope.Identity)
			}
		})
	}
}

func TestSessionWithoutExpiryIsSignedInEverywhere(t *testing.T) {
	environment := newTestEnvironment(t)
	cookie := signSessionCookie(t, &sessionvalidator.Claims{
		UserID:          memberUserID,
		UserEmail:       sessionUserEmail,
		UserDisplayName: memberDisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   sessionIssuer,
			IssuedAt: jwt.NewNumericDate(time.Now().UTC()),
		},
	})

	recorder := executeRequest(t, environment.handler, http.MethodGet, sessionPath, cookie, nil)
	expectStatus(t, recorder, http.StatusOK)
	if identity := decodeBody[identityEnvelope](t, recorder).Identity; !identity.SignedIn {
		t.Fatalf("expected a signed-in identity, got %+v", identity)
	}
	recorder = executeRequest(t, environment.handler, http.MethodPost, workPath, cookie, map[string]any{
		"description": "job", "duration": "1:00", "unit_price": "10", "method": "tab",
	})
	expectStatus(t, recorder, http.StatusCreated)
	recorder = executeRequest(t, environment.handler, http.MethodGet, tabPath, cookie, nil)
	expectStatus(t, recorder, http.StatusOK)
	if tab := decodeBody[tabEnvelope](t, recorder).Tab; tab.Jobs != 1 {
		t.Fatalf("expected the charge on the tab, got %+v", tab)
	}
}

func TestRecordWorkAndTotals(t *testing.T) {
	environment := newTestEnvironment(t)
	recorder := executeRequest(t, environment.handler, http.MethodPost, workPath, nil, map[string]any{
		"actor": "Ada", "description": "coasters", "duration": "30:00", "unit_price": "$10", "method": "cash",
	})
	expectStatus(t, recorder, http.StatusCreated)
	entry := decodeBody[entryEnvelope](t, recorder).Entry
	if entry.AmountBilled.Cents() != 30000 || entry.AmountTendered.Cents() != 30000 {
		t.Fatalf("unexpected entry %+v", entry)
	}

	recorder = executeRequest(t, environment.handler, http.MethodGet, totalsPath, nil, nil)
	expectStatus(t, recorder, http.StatusOK)
	totals := decodeBody[totalsEnvelope](t, recorder)
	if totals.Totals.PaidDisplay != "$300.00" || totals.Totals.Time != "0:30:00" {
		t.Fatalf("unexpected totals %+v", totals.Totals)
	}
	if totals.Goal.Cents() != 2_500_000 || totals.Progress <= 0.011 || totals.Progress >= 0.013 {
		t.Fatalf("unexpected progress %v of %s", totals.Progress, totals.Goal)
	}

	recorder = executeRequest(t, environment.handler, http.MethodGet, ledgerPath+"?limit=5", nil, nil)
	expectStatus(t, recorder, http.StatusOK)
	if entries := decodeBody[entriesEnvelope](t, recorder).Entries; len(entries) != 1 || entries[0].ID != entry.ID {
		t.Fatalf("unexpected ledger page %+v", entries)
	}
}

func TestRecordWorkRejections(t *testing.T) {
	environment := newTestEnvironment(t)
	testCases := []struct {
		name    string
		cookie  *http.Cookie
		payload map[string]any
		status  int
		message string
	}{
		{
			name:    "tab without session",
			payload: map[string]any{"actor": "Ada", "description": "job", "duration": "1:00", "unit_price": 1, "method": "tab"},
			status:  http.StatusUnauthorized,
			message: tabSignInMessage,
		},
		{
			name:    "malformed duration",
			payload: map[string]any{"actor": "Ada", "description": "job", "duration": "1:xx", "unit_price": 1, "method": "cash"},
			status:  http.StatusBadRequest,
		},
		{
			name:    "unknown method",
			payload: map[string]any{"actor": "Ada", "description": "job", "duration": "1:00", "unit_price": 1, "method": "iou"},
			status:  http.StatusBadRequest,
		},
		{
			name:    "missing actor",
			payload: map[string]any{"description": "job", "duration": "1:00", "unit_price": 1, "method": "cash"},
			status:  http.StatusBadRequest,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := executeRequest(t, environment.handler, http.MethodPost, workPath, testCase.cookie, testCase.payload)
			expectStatus(t, recorder, testCase.status)
			if testCase.message != "" {
				envelope := decodeBody[errorEnvelope](t, recorder)
				if !strings.Contains(envelope.Error.Message, testCase.message) {
					t.Fatalf("expected message %q, got %q", testCase.message, envelope.Error.Message)
				}
			}
		})
	}
	recorder := executeRequest(t, environment.handler, http.MethodGet, ledgerPath, nil, nil)
	if entries := decodeBody[entriesEnvelope](t, recorder).Entries; len(entries) != 0 {
		t.Fatalf("expected rejected work to leave the ledger empty, got %d entries", len(entries))
	}
	recorder = executeRequest(t, environment.handler, http.MethodGet, ledgerPath+"?limit=zero", nil, nil)
	expectStatus(t, recorder, http.StatusBadRequest)
}

func TestQuote(t *testing.T) {
	environment := newTestEnvironment(t)
	recorder := executeRequest(t, environment.handler, http.MethodPost, quotePath, nil, map[string]any{"duration": "1:30", "unit_price": "0.50"})
	expectStatus(t, recorder, http.StatusOK)
	quote := decodeBody[map[string]any](t, recorder)
	if quote["display"] != "$0.75" {
		t.Fatalf("unexpected quote %+v", quote)
	}
	recorder = executeRequest(t, environment.handler, http.MethodPost, quotePath, nil, map[string]any{"duration": "a:b", "unit_price": 1})
	expectStatus(t, recorder, http.StatusBadRequest)
}

func TestTabFlow(t *testing.T) {
	environment := newTestEnvironment(t)
	member := buildSessionCookie(t, memberUserID, memberDisplayName)
	for _, price := range []string{"10", "20", "30"} {
		recorder := executeRequest(t, environment.handler, http.MethodPost, workPath, member, map[string]any{
			"description": "job", "duration": "1:00", "unit_price": price, "method": "tab",
		})
		expectStatus(t, recorder, http.StatusCreated)
		if entry := decodeBody[entryEnvelope](t, recorder).Entry; entry.Actor != memberDisplayName {
			t.Fatalf("expected actor to default to the display name, got %q", entry.Actor)
		}
	}

	recorder := executeRequest(t, environment.handler, http.MethodGet, tabPath, member, nil)
	expectStatus(t, recorder, http.StatusOK)
	tab := decodeBody[tabEnvelope](t, recorder).Tab
	if tab.Jobs != 3 || tab.TotalDisplay != "$60.00" || tab.Time != "0:03:00" {
		t.Fatalf("unexpected tab %+v", tab)
	}

	recorder = executeRequest(t, environment.handler, http.MethodPost, settlePath, member, map[string]any{"method": "tab"})
	expectStatus(t, recorder, http.StatusBadRequest)

	recorder = executeRequest(t, environment.handler, http.MethodPost, settlePath, member, map[string]any{"method": "paypal"})
	expectStatus(t, recorder, http.StatusCreated)
	payment := decodeBody[entryEnvelope](t, recorder).Entry
	if payment.AmountTendered.Cents() != 6000 || payment.Description != "Payment via paypal" {
		t.Fatalf("unexpected payment %+v", payment)
	}

	recorder = executeRequest(t, environment.handler, http.MethodGet, tabPath, member, nil)
	if tab := decodeBody[tabEnvelope](t, recorder).Tab; tab.Jobs != 0 || len(tab.Entries) != 0 {
		t.Fatalf("expected an empty tab, got %+v", tab)
	}
	recorder = executeRequest(t, environment.handler, http.MethodPost, settlePath, member, map[string]any{"method": "cash"})
	expectStatus(t, recorder, http.StatusBadRequest)
}

func TestMemberRoutesRequireSession(t *testing.T) {
	environment := newTestEnvironment(t)
	routes := []struct {
		method string
		path   string
	}{
		{method: http.MethodGet, path: tabPath},
		{method: http.MethodPost, path: settlePath},
		{method: http.MethodGet, path: pricePath},
		{method: http.MethodPut, path: pricePath},
		{method: http.MethodPost, path: rebuildPath},
		{method: http.MethodPost, path: ledgerPath + "/some-entry/reverse"},
		{method: http.MethodPost, path: sessionPath},
	}
	for _, route := range routes {
		recorder := executeRequest(t, environment.handler, route.method, route.path, nil, map[string]any{})
		expectStatus(t, recorder, http.StatusUnauthorized)
	}
}

func TestRememberPrice(t *testing.T) {
	environment := newTestEnvironment(t)
	member := buildSessionCookie(t, memberUserID, memberDisplayName)
	recorder := executeRequest(t, environment.handler, http.MethodGet, pricePath, member, nil)
	expectStatus(t, recorder, http.StatusOK)
	if body := decodeBody[map[string]any](t, recorder); body["remembered"] != false {
		t.Fatalf("expected no remembered price, got %+v", body)
	}
	recorder = executeRequest(t, environment.handler, http.MethodPut, pricePath, member, map[string]any{"unit_price": "$1.25"})
	expectStatus(t, recorder, http.StatusOK)
	recorder = executeRequest(t, environment.handler, http.MethodGet, pricePath, member, nil)
	body := decodeBody[map[string]any](t, recorder)
	if body["remembered"] != true || body["unit_price"] != 1.25 {
		t.Fatalf("expected $1.25 to be remembered, got %+v", body)
	}
	recorder = executeRequest(t, environment.handler, http.MethodPut, pricePath, member, map[string]any{"unit_price": -1})
	expectStatus(t, recorder, http.StatusBadRequest)
}

func TestReverseAndRebuild(t *testing.T) {
	environment := newTestEnvironment(t)
	member := buildSessionCookie(t, memberUserID, memberDisplayName)
	admin := buildSessionCookie(t, adminUserID, adminDisplayName)

	recorder := executeRequest(t, environment.handler, http.MethodPost, workPath, nil, map[string]any{
		"actor": "Ada", "description": "sign", "duration": "2:00", "unit_price": 5, "method": "bitcoin",
	})
	expectStatus(t, recorder, http.StatusCreated)
	original := decodeBody[entryEnvelope](t, recorder).Entry
	reversePath := ledgerPath + "/" + original.ID.String() + "/reverse"

	recorder = executeRequest(t, environment.handler, http.MethodPost, reversePath, member, map[string]any{"confirm": true})
	expectStatus(t, recorder, http.StatusForbidden)
	recorder = executeRequest(t, environment.handler, http.MethodPost, reversePath, member, map[string]any{})
	expectStatus(t, recorder, http.StatusForbidden)
	recorder = executeRequest(t, environment.handler, http.MethodPost, reversePath, admin, map[string]any{})
	expectStatus(t, recorder, http.StatusBadRequest)
	recorder = executeRequest(t, environment.handler, http.MethodPost, ledgerPath+"/missing/reverse", admin, map[string]any{"confirm": true})
	expectStatus(t, recorder, http.StatusNotFound)

	recorder = executeRequest(t, environment.handler, http.MethodPost, reversePath, admin, map[string]any{"confirm": true})
	expectStatus(t, recorder, http.StatusCreated)
	reversal := decodeBody[entryEnvelope](t, recorder).Entry
	if reversal.Description != "Undo of sign" || reversal.AmountTendered.Cents() != -1000 || reversal.Actor != adminDisplayName {
		t.Fatalf("unexpected reversal %+v", reversal)
	}

	recorder = executeRequest(t, environment.handler, http.MethodPost, rebuildPath, member, nil)
	expectStatus(t, recorder, http.StatusForbidden)
	recorder = executeRequest(t, environment.handler, http.MethodPost, rebuildPath, admin, nil)
	expectStatus(t, recorder, http.StatusOK)
	totals := decodeBody[totalsEnvelope](t, recorder).Totals
	if totals.PaidDisplay != "$0.00" || totals.Time != "0:04:00" {
		t.Fatalf("unexpected rebuilt totals %+v", totals)
	}
}

func TestEventStream(t *testing.T) {
	environment := newTestEnvironment(t)
	server := httptest.NewServer(environment.handler)
	t.Cleanup(server.Close)
	member := buildSessionCookie(t, memberUserID, memberDisplayName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+eventsPath, nil)
	if err != nil {
		t.Fatalf("request init failed: %v", err)
	}
	request.AddCookie(member)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("events request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", response.StatusCode)
	}

	eventNames := make(chan string, 16)
	go func() {
		defer close(eventNames)
		scanner := bufio.NewScanner(response.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, eventLinePrefix) {
				eventNames <- strings.TrimSpace(strings.TrimPrefix(line, eventLinePrefix))
			}
		}
	}()

	expectEvent := func(expected string) {
		t.Helper()
		deadline := time.After(streamReadDeadline)
		for {
			select {
			case name, open := <-eventNames:
				if !open {
					t.Fatalf("stream closed before %s", expected)
				}
				if name == expected {
					return
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %s", expected)
			}
		}
	}
	expectEvent(eventIdentityName)
	expectEvent(eventTotalsName)

	recorder := executeRequest(t, environment.handler, http.MethodPost, workPath, nil, map[string]any{
		"actor": "Ada", "description": "keychain", "duration": "45", "unit_price": 1, "method": "cash",
	})
	expectStatus(t, recorder, http.StatusCreated)
	expectEvent(eventAppendedName)
	expectEvent(eventTotalsName)
}
