package reaper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/rpa-flow/internal/config"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeProcess struct {
	pid     int32
	name    string
	age     time.Duration
	cmdline string
	nameErr error
	killErr error

	mu     sync.Mutex
	killed bool
}

func (p *fakeProcess) PID() int32 { return p.pid }

func (p *fakeProcess) Name(context.Context) (string, error) { return p.name, p.nameErr }

func (p *fakeProcess) CreateTime(context.Context) (time.Time, error) {
	return testNow.Add(-p.age), nil
}

func (p *fakeProcess) Cmdline(context.Context) (string, error) { return p.cmdline, nil }

func (p *fakeProcess) Kill(context.Context) error {
	if p.killErr != nil {
		return p.killErr
	}
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type fakeLister struct {
	procs []*fakeProcess
	err   error
	calls atomic.Int32
}

func (l *fakeLister) Processes(context.Context) ([]Process, error) {
	l.calls.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	out := make([]Process, 0, len(l.procs))
	for _, p := range l.procs {
		out = append(out, p)
	}
	return out, nil
}

func newTestReaper(t *testing.T, procs ...*fakeProcess) (*Reaper, *fakeLister) {
	t.Helper()
	l := &fakeLister{procs: procs}
	r := New(l, OptionsFromConfig(config.ReaperConfig{}), zaptest.NewLogger(t))
	r.now = func() time.Time { return testNow }
	return r, l
}

func TestSweepDriversAgeThreshold(t *testing.T) {
	ctx := context.Background()

	t.Run("a 30 minute old driver survives a 1 hour threshold", func(t *testing.T) {
		driver := &fakeProcess{pid: 100, name: "chromedriver", age: 30 * time.Minute}
		r, _ := newTestReaper(t, driver)

		assert.Equal(t, 0, r.SweepDrivers(ctx, time.Hour))
		assert.False(t, driver.wasKilled())
	})

	t.Run("the same driver is killed with a 15 minute threshold", func(t *testing.T) {
		driver := &fakeProcess{pid: 100, name: "chromedriver", age: 30 * time.Minute}
		r, _ := newTestReaper(t, driver)

		assert.Equal(t, 1, r.SweepDrivers(ctx, 15*time.Minute))
		assert.True(t, driver.wasKilled())
	})

	t.Run("browsers are not drivers", func(t *testing.T) {
		browser := &fakeProcess{pid: 7, name: "chrome", age: 2 * time.Hour, cmdline: "chrome --enable-automation"}
		r, _ := newTestReaper(t, browser)

		assert.Equal(t, 0, r.SweepDrivers(ctx, time.Hour))
		assert.False(t, browser.wasKilled())
	})
}

func TestSweepBrowsersRequiresMarkers(t *testing.T) {
	automated := &fakeProcess{pid: 1, name: "Google Chrome", age: 2 * time.Hour,
		cmdline: "/opt/google/chrome/chrome --remote-debugging-port=9222 --user-data-dir=/tmp/profile-1"}
	personal := &fakeProcess{pid: 2, name: "chrome", age: 3 * time.Hour, cmdline: "/opt/google/chrome/chrome"}
	young := &fakeProcess{pid: 3, name: "chromium", age: time.Minute, cmdline: "chromium --enable-automation"}
	driver := &fakeProcess{pid: 4, name: "chromedriver", age: 2 * time.Hour, cmdline: "chromedriver --port=9515"}

	r, _ := newTestReaper(t, automated, personal, young, driver)
	assert.Equal(t, 1, r.SweepBrowsers(context.Background(), time.Hour))

	assert.True(t, automated.wasKilled())
	assert.False(t, personal.wasKilled(), "browsers without automation markers are never swept")
	assert.False(t, young.wasKilled())
	assert.False(t, driver.wasKilled(), "drivers belong to the driver sweep")
}

func TestCleanupAll(t *testing.T) {
	procs := []*fakeProcess{
		{pid: 1, name: "chromedriver", age: 2 * time.Hour},
		{pid: 2, name: "chrome", age: 2 * time.Hour, cmdline: "chrome --enable-automation"},
		{pid: 3, name: "bash", age: 48 * time.Hour},
	}
	r, _ := newTestReaper(t, procs...)

	assert.Equal(t, 2, r.CleanupAll(context.Background(), 0), "zero threshold falls back to one hour")
	assert.False(t, procs[2].wasKilled())
}

func TestSweepIsolatesProcessFailures(t *testing.T) {
	vanished := &fakeProcess{pid: 1, name: "chromedriver", nameErr: errors.New("no such process")}
	denied := &fakeProcess{pid: 2, name: "chromedriver", age: 2 * time.Hour, killErr: errors.New("permission denied")}
	stale := &fakeProcess{pid: 3, name: "chromedriver", age: 2 * time.Hour}

	r, _ := newTestReaper(t, vanished, denied, stale)
	assert.Equal(t, 1, r.SweepDrivers(context.Background(), time.Hour))
	assert.True(t, stale.wasKilled())
}

func TestSweepScanFailureReportsZero(t *testing.T) {
	r, l := newTestReaper(t)
	l.err = errors.New("access denied")

	assert.Equal(t, 0, r.CleanupAll(context.Background(), time.Hour))
	assert.Equal(t, 0, r.EmergencyKillAll(context.Background()))
}

func TestEmergencyKillAll(t *testing.T) {
	youngDriver := &fakeProcess{pid: 1, name: "chromedriver", age: 30 * time.Minute}
	plainChrome := &fakeProcess{pid: 2, name: "chrome", age: time.Second}
	other := &fakeProcess{pid: 3, name: "postgres", age: 48 * time.Hour}

	r, _ := newTestReaper(t, youngDriver, plainChrome, other)
	assert.Equal(t, 2, r.EmergencyKillAll(context.Background()))

	assert.True(t, youngDriver.wasKilled())
	assert.True(t, plainChrome.wasKilled())
	assert.False(t, other.wasKilled())
}

func TestOptionsFromConfig(t *testing.T) {
	o := OptionsFromConfig(config.ReaperConfig{DriverNames: []string{"geckodriver"}})
	assert.Equal(t, []string{"geckodriver"}, o.DriverNames)
	assert.Equal(t, []string{"chrome", "chromium"}, o.BrowserNames)
	assert.Contains(t, o.Markers, "--remote-debugging-port")
}

func TestScheduler(t *testing.T) {
	t.Run("rejects an invalid schedule", func(t *testing.T) {
		r, _ := newTestReaper(t)
		_, err := NewScheduler(r, "every now and then", time.Hour, zap.NewNop())
		assert.Error(t, err)

		_, err = NewScheduler(nil, "@every 1m", time.Hour, zap.NewNop())
		assert.Error(t, err)
	})

	t.Run("runs sweeps until stopped", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		r, l := newTestReaper(t, &fakeProcess{pid: 1, name: "chromedriver", age: 2 * time.Hour})
		s, err := NewScheduler(r, "@every 1s", time.Hour, zaptest.NewLogger(t))
		require.NoError(t, err)

		require.NoError(t, s.Start(context.Background()))
		assert.Error(t, s.Start(context.Background()), "a running scheduler cannot start twice")

		assert.Eventually(t, func() bool { return l.calls.Load() > 0 }, 3*time.Second, 20*time.Millisecond)

		s.Stop()
		s.Stop()
	})
}
