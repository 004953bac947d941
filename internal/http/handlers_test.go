package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"matchboard/remote/internal/identity"
	"matchboard/remote/internal/logging"
	"matchboard/remote/internal/membership"
	"matchboard/remote/internal/protocol"
	"matchboard/remote/internal/reconnect"
	"matchboard/remote/internal/session"
)

type stubReadiness struct {
	counts     map[session.Channel]int
	startupErr error
	uptime     time.Duration
}

func (s *stubReadiness) SessionCounts() map[session.Channel]int { return s.counts }
func (s *stubReadiness) StartupError() error                    { return s.startupErr }
func (s *stubReadiness) Uptime() time.Duration                  { return s.uptime }

type stubPrecacher struct {
	principal string
	identity  string
	err       error
}

func (s *stubPrecacher) CacheIdentityBeforeReconnect(_ context.Context, principal, identityID string) error {
	s.principal = principal
	s.identity = identityID
	return s.err
}

func TestLivenessHandler(t *testing.T) {
	fixed := time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC)
	handlers := NewHandlerSet(Options{
		Logger:     logging.NewTestLogger(),
		TimeSource: func() time.Time { return fixed },
	})

	rec := httptest.NewRecorder()
	handlers.LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"alive"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "2026-03-14T09:30:00Z") {
		t.Fatalf("timestamp must come from the injected clock: %s", rec.Body.String())
	}
}

func TestReadinessHandlerReportsSessions(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger: logging.NewTestLogger(),
		Readiness: &stubReadiness{
			counts: map[session.Channel]int{session.ChannelScoreboard: 1, session.ChannelControl: 3},
			uptime: 90 * time.Second,
		},
	})

	rec := httptest.NewRecorder()
	handlers.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"scoreboard":1`) || !strings.Contains(body, `"control":3`) {
		t.Fatalf("session counts missing: %s", body)
	}
}

func TestReadinessHandlerSurfacesStartupError(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger:    logging.NewTestLogger(),
		Readiness: &stubReadiness{startupErr: errors.New("registry unreachable")},
	})

	rec := httptest.NewRecorder()
	handlers.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "registry unreachable") {
		t.Fatalf("startup error missing: %s", rec.Body.String())
	}
}

func TestMetricsHandler(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger: logging.NewTestLogger(),
		Readiness: &stubReadiness{
			counts: map[session.Channel]int{session.ChannelControl: 2},
			uptime: time.Minute,
		},
		Stats:          func() (uint64, uint64) { return 7, 42 },
		Evictions:      func() uint64 { return 3 },
		IdentityCounts: func() (int, int) { return 4, 9 },
	})

	rec := httptest.NewRecorder()
	handlers.MetricsHandler()(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		"remote_uptime_seconds 60",
		`remote_sessions{channel="control"} 2`,
		"remote_codes_issued_total 7",
		"remote_broadcasts_total 42",
		"remote_heartbeat_evictions_total 3",
		"remote_reconnect_groups 4",
		"remote_reconnect_identities 9",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}

func TestPrecacheHandler(t *testing.T) {
	precacher := &stubPrecacher{}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Precache: precacher})
	handler := handlers.PrecacheHandler()

	req := httptest.NewRequest(http.MethodPost, "/remote/reconnect/precache", nil)
	req.Header.Set(PrincipalHeader, "ctrl1")
	req.AddCookie(&http.Cookie{Name: IdentityCookie, Value: "ident-42"})
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if precacher.principal != "ctrl1" || precacher.identity != "ident-42" {
		t.Fatalf("bridge received %q/%q", precacher.principal, precacher.identity)
	}
}

func TestPrecacheHandlerStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid request", reconnect.ErrInvalidRequest, http.StatusBadRequest},
		{"unknown identity", identity.ErrUnknownIdentity, http.StatusNotFound},
		{"backend failure", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		handlers := NewHandlerSet(Options{
			Logger:   logging.NewTestLogger(),
			Precache: &stubPrecacher{err: tc.err},
		})
		req := httptest.NewRequest(http.MethodPost, "/remote/reconnect/precache", nil)
		req.Header.Set(PrincipalHeader, "ctrl1")
		req.AddCookie(&http.Cookie{Name: IdentityCookie, Value: "ident-42"})
		rec := httptest.NewRecorder()
		handlers.PrecacheHandler()(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s: status = %d, want %d", tc.name, rec.Code, tc.want)
		}
	}
}

func TestPrecacheHandlerRejectsWrongMethod(t *testing.T) {
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Precache: &stubPrecacher{}})
	rec := httptest.NewRecorder()
	handlers.PrecacheHandler()(rec, httptest.NewRequest(http.MethodGet, "/remote/reconnect/precache", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestBroadcastHandlerDispatches(t *testing.T) {
	var gotCode string
	var gotEnv *protocol.Envelope
	handlers := NewHandlerSet(Options{
		Logger: logging.NewTestLogger(),
		Broadcast: func(_ context.Context, code string, env *protocol.Envelope) error {
			gotCode = code
			gotEnv = env
			return nil
		},
	})

	body := strings.NewReader(`{"type":"score","data":{"home":"2","away":"0"}}`)
	req := httptest.NewRequest(http.MethodPost, "/internal/broadcast/AB12", body)
	rec := httptest.NewRecorder()
	handlers.BroadcastHandler()(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if gotCode != "AB12" {
		t.Fatalf("code = %q, want AB12", gotCode)
	}
	if gotEnv == nil || gotEnv.StringField("home") != "2" {
		t.Fatalf("envelope lost: %#v", gotEnv)
	}
}

func TestBroadcastHandlerRejectsInvalidInput(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger:    logging.NewTestLogger(),
		Broadcast: func(context.Context, string, *protocol.Envelope) error { return nil },
	})
	handler := handlers.BroadcastHandler()

	//1.- No code in the path.
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/internal/broadcast/", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing code: status = %d, want 400", rec.Code)
	}

	//2.- Envelope fails the per-type required-key check.
	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/internal/broadcast/AB12",
		strings.NewReader(`{"type":"score","data":{"home":"2"}}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid envelope: status = %d, want 400", rec.Code)
	}
}

func TestBroadcastHandlerEnforcesRateLimit(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger:         logging.NewTestLogger(),
		Broadcast:      func(context.Context, string, *protocol.Envelope) error { return nil },
		BroadcastLimit: NewSlidingWindowLimiter(time.Minute, 1, nil),
	})
	handler := handlers.BroadcastHandler()

	payload := `{"type":"score","data":{"home":"2","away":"0"}}`
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/internal/broadcast/AB12", strings.NewReader(payload)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first push: status = %d, want 202", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/internal/broadcast/AB12", strings.NewReader(payload)))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second push: status = %d, want 429", rec.Code)
	}
}

func TestBroadcastHandlerMapsDeadCode(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger: logging.NewTestLogger(),
		Broadcast: func(context.Context, string, *protocol.Envelope) error {
			return membership.ErrInvalidCode
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/internal/broadcast/GONE",
		strings.NewReader(`{"type":"score","data":{"home":"2","away":"0"}}`))
	rec := httptest.NewRecorder()
	handlers.BroadcastHandler()(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
