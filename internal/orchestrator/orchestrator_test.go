package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"kitebridge/config"
	"kitebridge/internal/apperr"
	"kitebridge/internal/model"
	"kitebridge/internal/notification"
)

type fakeProcess struct {
	pid      int
	stubborn bool // ignores SIGTERM
	exit     chan error
	once     sync.Once

	mu      sync.Mutex
	signals []os.Signal
	killed  bool
}

func newFakeProcess(pid int, stubborn bool) *fakeProcess {
	return &fakeProcess{pid: pid, stubborn: stubborn, exit: make(chan error, 1)}
}

func (p *fakeProcess) finish(err error) { p.once.Do(func() { p.exit <- err }) }

func (p *fakeProcess) Wait() error { return <-p.exit }
func (p *fakeProcess) Pid() int    { return p.pid }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if !p.stubborn {
		p.finish(nil)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.finish(errors.New("signal: killed"))
	return nil
}

func (p *fakeProcess) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.signals) == 1 && p.signals[0] == syscall.SIGTERM
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type fakeLauncher struct {
	mu       sync.Mutex
	procs    map[string]*fakeProcess
	stubborn map[string]bool
	failOn   string
	launched chan config.Bot
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		procs:    make(map[string]*fakeProcess),
		stubborn: make(map[string]bool),
		launched: make(chan config.Bot, 16),
	}
}

func (l *fakeLauncher) Launch(_ context.Context, bot config.Bot) (Process, error) {
	if bot.StrategyTag == l.failOn {
		return nil, errors.New("exec: no such file")
	}
	l.mu.Lock()
	p := newFakeProcess(1000+len(l.procs), l.stubborn[bot.StrategyTag])
	l.procs[bot.StrategyTag] = p
	l.mu.Unlock()
	l.launched <- bot
	return p, nil
}

func (l *fakeLauncher) proc(tag string) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[tag]
}

type fakeSessions struct{ err error }

func (f fakeSessions) CurrentOrRefresh(context.Context) (model.Session, error) {
	if f.err != nil {
		return model.Session{}, f.err
	}
	return model.Session{AccessToken: "tok", UserID: "AB1234"}, nil
}

type fakeCatalog struct {
	err   error
	calls atomic.Int32
}

func (f *fakeCatalog) RefreshIfStale(context.Context, time.Time) (bool, error) {
	f.calls.Add(1)
	return f.err == nil, f.err
}

type fakeStore struct{ clears atomic.Int32 }

func (s *fakeStore) Load(context.Context) (model.Session, error) {
	return model.Session{}, model.ErrNoSession
}
func (s *fakeStore) Save(context.Context, model.Session) error { return nil }
func (s *fakeStore) Clear(context.Context) error {
	s.clears.Add(1)
	return nil
}

type recorder struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (r *recorder) Send(_ context.Context, a notification.Alert) error {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
	return nil
}

func (r *recorder) has(level notification.AlertLevel, title string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.alerts {
		if a.Level == level && a.Title == title {
			return true
		}
	}
	return false
}

func (r *recorder) find(ev notification.Event, tag string) (notification.Alert, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.alerts {
		if a.Event == ev && a.StrategyTag == tag {
			return a, true
		}
	}
	return notification.Alert{}, false
}

type fixture struct {
	orch     *Orchestrator
	launcher *fakeLauncher
	catalog  *fakeCatalog
	store    *fakeStore
	alerts   *recorder
}

func newFixture(sessErr error, grace time.Duration) *fixture {
	f := &fixture{
		launcher: newFakeLauncher(),
		catalog:  &fakeCatalog{},
		store:    &fakeStore{},
		alerts:   &recorder{},
	}
	f.orch = New(Config{Bots: config.DefaultBots, ShutdownGrace: grace},
		fakeSessions{err: sessErr}, f.catalog, f.store, f.launcher, f.alerts, nil)
	return f
}

func (f *fixture) waitLaunched(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.launcher.launched:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d bridges launched", i, n)
		}
	}
}

func runAsync(ctx context.Context, o *Orchestrator) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(ctx) }()
	return errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestRun_ShutdownTerminatesAndClearsOnce(t *testing.T) {
	f := newFixture(nil, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := runAsync(ctx, f.orch)
	f.waitLaunched(t, len(config.DefaultBots))

	cancel()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, b := range config.DefaultBots {
		p := f.launcher.proc(b.StrategyTag)
		if !p.wasTerminated() {
			t.Errorf("%s was not sent exactly one SIGTERM", b.StrategyTag)
		}
		if p.wasKilled() {
			t.Errorf("%s killed although it honoured SIGTERM", b.StrategyTag)
		}
	}
	f.orch.cleanup()
	if got := f.store.clears.Load(); got != 1 {
		t.Errorf("store cleared %d times, want 1", got)
	}
	if !f.alerts.has(notification.AlertInfo, "Bot manager stopped") {
		t.Error("missing shutdown notification")
	}
	if f.alerts.has(notification.AlertWarning, "Bridge exited") {
		t.Error("requested shutdown reported as unexpected exit")
	}
}

func TestRun_KillsStubbornChildAfterGrace(t *testing.T) {
	f := newFixture(nil, 50*time.Millisecond)
	f.launcher.stubborn["nifty_mid_cap_100"] = true
	ctx, cancel := context.WithCancel(context.Background())
	errCh := runAsync(ctx, f.orch)
	f.waitLaunched(t, len(config.DefaultBots))

	cancel()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !f.launcher.proc("nifty_mid_cap_100").wasKilled() {
		t.Error("stubborn bridge was not killed")
	}
	if f.launcher.proc("nifty_100").wasKilled() {
		t.Error("well-behaved bridge was killed")
	}
	if got := f.store.clears.Load(); got != 1 {
		t.Errorf("store cleared %d times, want 1", got)
	}
}

func TestRun_LoginFailureAborts(t *testing.T) {
	f := newFixture(fmt.Errorf("%w: totp rejected", apperr.ErrAuth), time.Second)
	err := f.orch.Run(context.Background())
	if !errors.Is(err, apperr.ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
	if len(f.launcher.launched) != 0 {
		t.Error("bridges launched without a session")
	}
	if f.catalog.calls.Load() != 0 {
		t.Error("catalog refreshed without a session")
	}
	if !f.alerts.has(notification.AlertCritical, "Kite login failed") {
		t.Error("missing login failure notification")
	}
	if got := f.store.clears.Load(); got != 1 {
		t.Errorf("store cleared %d times, want 1", got)
	}
}

func TestRun_CatalogFailureIsNotFatal(t *testing.T) {
	f := newFixture(nil, time.Second)
	f.catalog.err = fmt.Errorf("%w: instruments dump", apperr.ErrUnavailable)
	errCh := runAsync(context.Background(), f.orch)
	f.waitLaunched(t, len(config.DefaultBots))

	for _, b := range config.DefaultBots {
		f.launcher.proc(b.StrategyTag).finish(nil)
	}
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !f.alerts.has(notification.AlertWarning, "Catalog refresh failed") {
		t.Error("missing catalog warning")
	}
}

func TestRun_ChildExitErrorIsReported(t *testing.T) {
	f := newFixture(nil, time.Second)
	errCh := runAsync(context.Background(), f.orch)
	f.waitLaunched(t, len(config.DefaultBots))

	f.launcher.proc("nifty_small_cap_100").finish(errors.New("exit status 1"))
	f.launcher.proc("nifty_100").finish(nil)
	f.launcher.proc("nifty_mid_cap_100").finish(nil)

	err := waitRun(t, errCh)
	if err == nil || !strings.Contains(err.Error(), "nifty_small_cap_100") {
		t.Fatalf("err = %v, want failing bridge named", err)
	}
	if !f.alerts.has(notification.AlertWarning, "Bridge exited") {
		t.Error("missing exit notification")
	}
	var bot config.Bot
	for _, b := range config.DefaultBots {
		if b.StrategyTag == "nifty_small_cap_100" {
			bot = b
		}
	}
	a, ok := f.alerts.find(notification.EventBridgeExited, bot.StrategyTag)
	if !ok || a.Port != bot.Port || a.Port == 0 || a.Service != "botmanager" || a.Time.IsZero() {
		t.Errorf("exit alert lacks bridge context: %+v", a)
	}
}

func TestRun_LaunchFailureStopsStartedBridges(t *testing.T) {
	f := newFixture(nil, time.Second)
	f.launcher.failOn = "nifty_mid_cap_100"
	err := f.orch.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "nifty_mid_cap_100") {
		t.Fatalf("err = %v", err)
	}
	if !f.launcher.proc("nifty_100").wasTerminated() {
		t.Error("already started bridge was not terminated")
	}
	if f.launcher.proc("nifty_small_cap_100") != nil {
		t.Error("launch continued after a failure")
	}
	if got := f.store.clears.Load(); got != 1 {
		t.Errorf("store cleared %d times, want 1", got)
	}
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	fmt.Printf("%s:%s", os.Getenv("STRATEGY_TAG"), os.Getenv("PORT"))
	os.Exit(0)
}

func TestExecLauncher_SetsBotEnvironment(t *testing.T) {
	var out bytes.Buffer
	l := ExecLauncher{
		Binary: os.Args[0],
		Args:   []string{"-test.run=TestHelperProcess"},
		Env:    append(os.Environ(), "GO_WANT_HELPER_PROCESS=1"),
		Stdout: &out,
	}
	p, err := l.Launch(context.Background(), config.Bot{StrategyTag: "nifty_100", Port: 8001})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if p.Pid() <= 0 {
		t.Errorf("pid = %d", p.Pid())
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := out.String(); !strings.Contains(got, "nifty_100:8001") {
		t.Errorf("child saw %q, want nifty_100:8001", got)
	}
}

func TestExecLauncher_MissingBinary(t *testing.T) {
	l := ExecLauncher{Binary: "/nonexistent/bridge"}
	if _, err := l.Launch(context.Background(), config.Bot{StrategyTag: "x", Port: 1}); err == nil {
		t.Error("expected start error")
	}
}
