package authsdk

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/authclient/internal/stubserver"
	"github.com/aussiebroadwan/authclient/internal/tokenstore"
	"github.com/aussiebroadwan/authclient/internal/tokenstore/drivers/memory"
	"github.com/aussiebroadwan/authclient/pkg/slogx"
)

const (
	testEmail    = "ada@example.com"
	testPassword = "correct horse battery"
)

// fakeClock is shared between the controller and the stub server so that
// token expiry can be driven from the test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t       *testing.T
	clock   *fakeClock
	stub    *stubserver.Server
	server  *httptest.Server
	backend *memory.Backend
	reg     *prometheus.Registry
	cfg     Config
}

type harnessOption func(*harnessSetup)

type harnessSetup struct {
	stub    stubserver.Config
	opts    []Option
	storage StorageKind
}

func withStub(fn func(*stubserver.Config)) harnessOption {
	return func(s *harnessSetup) { fn(&s.stub) }
}

func withConfig(opts ...Option) harnessOption {
	return func(s *harnessSetup) { s.opts = append(s.opts, opts...) }
}

// withIdentityStorage reports the backend as local storage so the user blob
// is persisted alongside the tokens.
func withIdentityStorage() harnessOption {
	return func(s *harnessSetup) { s.storage = StorageLocal }
}

func newHarness(t *testing.T, options ...harnessOption) *harness {
	t.Helper()

	clock := newFakeClock()
	setup := harnessSetup{
		stub: stubserver.Config{
			Secret:        []byte("test-secret-test-secret-test-secret"),
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    24 * time.Hour,
			RotateRefresh: true,
			Logger:        slogx.Discard(),
			Now:           clock.Now,
		},
		storage: StorageMemory,
	}
	for _, o := range options {
		o(&setup)
	}

	stub, err := stubserver.New(setup.stub)
	require.NoError(t, err)
	_, err = stub.AddUser(testEmail, testPassword, "Ada")
	require.NoError(t, err)

	server := httptest.NewServer(stub)
	t.Cleanup(server.Close)

	opts := append([]Option{
		WithBaseURL(server.URL),
		WithStorage(string(setup.storage)),
		WithAutoRefresh(false, 5*time.Minute, time.Minute),
	}, setup.opts...)
	cfg, err := DefaultConfig().With(opts...)
	require.NoError(t, err)

	return &harness{
		t:       t,
		clock:   clock,
		stub:    stub,
		server:  server,
		backend: memory.New(),
		reg:     prometheus.NewRegistry(),
		cfg:     cfg,
	}
}

// controller builds a controller over the harness backend. Several
// controllers built from one harness share persisted tokens, like restarts.
func (h *harness) controller(hooks Hooks) *Controller {
	h.t.Helper()
	c, err := New(h.cfg, Options{
		Backend:    h.backend,
		Logger:     slogx.Discard(),
		Hooks:      hooks,
		Registerer: prometheus.NewRegistry(),
		Now:        h.clock.Now,
	})
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = c.Close() })
	return c
}

// instrumented is like controller but registers metrics with h.reg.
func (h *harness) instrumented() *Controller {
	h.t.Helper()
	c, err := New(h.cfg, Options{
		Backend:    h.backend,
		Logger:     slogx.Discard(),
		Registerer: h.reg,
		Now:        h.clock.Now,
	})
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = c.Close() })
	return c
}

// seed writes tokens straight into the backend.
func (h *harness) seed(access, refresh string, lifetime time.Duration) {
	h.t.Helper()
	store := tokenstore.New(h.backend, tokenstore.Options{Now: h.clock.Now})
	_, err := store.Write(context.Background(), access, refresh, lifetime)
	require.NoError(h.t, err)
}

func (h *harness) stored() TokenRecord {
	store := tokenstore.New(h.backend, tokenstore.Options{Now: h.clock.Now})
	return store.Read(context.Background())
}

func (h *harness) login(c *Controller) *User {
	h.t.Helper()
	u, err := c.Login(context.Background(), Credentials{Email: testEmail, Password: testPassword})
	require.NoError(h.t, err)
	return u
}

// counter sums every sample of the named counter family that matches labels.
func counter(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			got := make(map[string]string)
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue metric
				}
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

// stateRecorder collects every state passed to OnStateChange.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
	events []string
}

func (r *stateRecorder) record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *stateRecorder) hooks() Hooks {
	return Hooks{
		OnLoginSuccess:    func(User) { r.record("login_success") },
		OnLoginError:      func(error) { r.record("login_error") },
		OnRegisterSuccess: func(User) { r.record("register_success") },
		OnRegisterError:   func(error) { r.record("register_error") },
		OnLogoutSuccess:   func() { r.record("logout_success") },
		OnRefreshSuccess:  func(TokenRecord) { r.record("refresh_success") },
		OnRefreshError:    func(error) { r.record("refresh_error") },
		OnStateChange: func(s State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, s)
		},
	}
}

func (r *stateRecorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *stateRecorder) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.states))
	for i, s := range r.states {
		out[i] = s.Status
	}
	return out
}
