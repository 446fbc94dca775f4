// File: cmd/cmd_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rpa-flow/internal/browser"
	"github.com/xkilldash9x/rpa-flow/internal/config"
	"github.com/xkilldash9x/rpa-flow/internal/engine"
	"github.com/xkilldash9x/rpa-flow/internal/interpreter"
	"github.com/xkilldash9x/rpa-flow/internal/mocks"
	"github.com/xkilldash9x/rpa-flow/internal/observability"
	"github.com/xkilldash9x/rpa-flow/internal/reaper"
	"github.com/xkilldash9x/rpa-flow/internal/service"
)

func TestMain(m *testing.M) {
	// The logger initializes once per process; claim it before any command does.
	observability.InitializeLogger(config.LoggerConfig{Level: "fatal", Format: "console", ServiceName: "test"})
	code := m.Run()
	observability.Sync()
	os.Exit(code)
}

const testFlow = `{
  "type": "sms_auth_flow",
  "auth_url": "https://shop.example.com/login",
  "steps": [
    {"id": "open", "action": "navigate", "timeout": 5000},
    {"id": "phone", "action": "type", "selectors": ["#phone"], "text": "{phone}", "timeout": 5000}
  ]
}`

// -- Fakes --

type recordingExecutor struct {
	mu     sync.Mutex
	runs   []interpreter.Run
	status func(r interpreter.Run) interpreter.Status
}

func (e *recordingExecutor) Execute(_ context.Context, _ browser.Engine, r interpreter.Run) interpreter.Outcome {
	e.mu.Lock()
	e.runs = append(e.runs, r)
	e.mu.Unlock()
	status := interpreter.StatusSucceeded
	if e.status != nil {
		status = e.status(r)
	}
	return interpreter.Outcome{RunID: r.ID, Status: status}
}

type fakeLauncher struct{}

func (fakeLauncher) Launch(context.Context) (browser.Engine, error) {
	e := new(mocks.MockEngine)
	e.On("Close").Return(nil)
	return e, nil
}

type fakeFactory struct {
	exec   *recordingExecutor
	gotCfg config.Interface
}

func (f *fakeFactory) Create(_ context.Context, cfg config.Interface, logger *zap.Logger) (*service.Components, error) {
	f.gotCfg = cfg
	pool, err := engine.New(cfg, logger, fakeLauncher{}, f.exec)
	if err != nil {
		return nil, err
	}
	return &service.Components{Pool: pool}, nil
}

type staticProcesses []reaper.Process

func (s staticProcesses) Processes(context.Context) ([]reaper.Process, error) { return s, nil }

type oldProcess struct {
	name   string
	killed bool
}

func (p *oldProcess) PID() int32                              { return 42 }
func (p *oldProcess) Name(context.Context) (string, error)    { return p.name, nil }
func (p *oldProcess) Cmdline(context.Context) (string, error) { return p.name, nil }
func (p *oldProcess) CreateTime(context.Context) (time.Time, error) {
	return time.Now().Add(-30 * time.Minute), nil
}
func (p *oldProcess) Kill(context.Context) error {
	p.killed = true
	return nil
}

// -- Helpers --

// executeCommand runs a fresh command tree with an isolated OTP directory.
func executeCommand(t *testing.T, deps dependencies, args ...string) (string, error) {
	t.Helper()
	t.Setenv("RPAFLOW_OTP_DIR", t.TempDir())
	t.Setenv("RPAFLOW_REAPER_ENABLED", "false")

	root := newRootCommand(deps)
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// -- Tests --

func TestVersion(t *testing.T) {
	out, err := executeCommand(t, dependencies{}, "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)

	out, err = executeCommand(t, dependencies{}, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}

func TestRunCmd_Validation(t *testing.T) {
	factory := &fakeFactory{exec: &recordingExecutor{}}
	deps := dependencies{factory: factory}

	_, err := executeCommand(t, deps, "run", "--target", "shop")
	assert.ErrorContains(t, err, `required flag(s) "flow" not set`)

	_, err = executeCommand(t, deps, "run", "--flow", "f.json", "--target", "shop")
	assert.ErrorContains(t, err, "either --identity or --batch is required")

	_, err = executeCommand(t, deps, "run", "--flow", filepath.Join(t.TempDir(), "missing.json"), "--target", "shop", "--identity", "u1")
	assert.ErrorContains(t, err, "failed to read flow")

	bad := writeFile(t, "bad.json", `{"type": "x", "steps": [{"id": "a", "action": "click", "timeout": 10}]}`)
	_, err = executeCommand(t, deps, "run", "--flow", bad, "--target", "shop", "--identity", "u1")
	assert.ErrorContains(t, err, "invalid flow")

	assert.Nil(t, factory.gotCfg, "no components are built for an invalid request")
}

func TestRunCmd_PrintsOutcome(t *testing.T) {
	exec := &recordingExecutor{}
	factory := &fakeFactory{exec: exec}
	flowPath := writeFile(t, "flow.json", testFlow)

	out, err := executeCommand(t, dependencies{factory: factory},
		"run", "--flow", flowPath, "--target", "shop", "--identity", "u1",
		"--phone", "+79991234567", "--value", "email=a@b.c",
		"--engine", "rod", "--headless=false", "--timeout", "2m")
	require.NoError(t, err)

	assert.Contains(t, out, `"status": "succeeded"`)
	require.Len(t, exec.runs, 1)
	run := exec.runs[0]
	assert.Equal(t, "u1", run.Identity)
	assert.Equal(t, "shop", run.Target)
	assert.Equal(t, "+79991234567", run.Values["phone"])
	assert.Equal(t, "a@b.c", run.Values["email"])
	assert.Equal(t, "sms_auth_flow", run.Flow.Type)

	assert.Equal(t, "rod", factory.gotCfg.Browser().Engine)
	assert.False(t, factory.gotCfg.Browser().Headless)
	assert.Equal(t, 2*time.Minute, factory.gotCfg.Engine().DefaultFlowTimeout)
}

func TestRunCmd_BatchReportsFailures(t *testing.T) {
	exec := &recordingExecutor{status: func(r interpreter.Run) interpreter.Status {
		if r.Identity == "u2" {
			return interpreter.StatusBlocked
		}
		return interpreter.StatusSucceeded
	}}
	flowPath := writeFile(t, "flow.json", testFlow)
	batch := writeFile(t, "batch.json", `[
		{"identity": "u1", "phone": "+70000000001"},
		{"identity": "u2", "phone": "+70000000002", "values": {"pin": "1234"}}
	]`)

	out, err := executeCommand(t, dependencies{factory: &fakeFactory{exec: exec}},
		"run", "--flow", flowPath, "--target", "shop", "--batch", batch)
	assert.ErrorContains(t, err, "1 of 2 runs did not succeed")
	assert.Contains(t, out, `"status": "blocked"`)
	assert.Len(t, exec.runs, 2)
}

func TestRunCmd_EmptyBatch(t *testing.T) {
	flowPath := writeFile(t, "flow.json", testFlow)
	batch := writeFile(t, "batch.json", `[]`)

	_, err := executeCommand(t, dependencies{factory: &fakeFactory{exec: &recordingExecutor{}}},
		"run", "--flow", flowPath, "--target", "shop", "--batch", batch)
	assert.ErrorContains(t, err, "lists no identities")
}

func TestReapCmd(t *testing.T) {
	t.Run("respects the age threshold", func(t *testing.T) {
		driver := &oldProcess{name: "chromedriver"}
		out, err := executeCommand(t, dependencies{lister: staticProcesses{driver}}, "reap")
		require.NoError(t, err)
		assert.Contains(t, out, "Killed 0 processes")
		assert.False(t, driver.killed)
	})

	t.Run("explicit max age", func(t *testing.T) {
		driver := &oldProcess{name: "chromedriver"}
		out, err := executeCommand(t, dependencies{lister: staticProcesses{driver}}, "reap", "--max-age", "15m")
		require.NoError(t, err)
		assert.Contains(t, out, "Killed 1 processes")
		assert.True(t, driver.killed)
	})

	t.Run("emergency ignores age", func(t *testing.T) {
		browserProc := &oldProcess{name: "chrome"}
		out, err := executeCommand(t, dependencies{lister: staticProcesses{browserProc}}, "reap", "--emergency")
		require.NoError(t, err)
		assert.Contains(t, out, "Killed 1 processes")
		assert.True(t, browserProc.killed)
	})

	t.Run("rejects a non-positive max age", func(t *testing.T) {
		_, err := executeCommand(t, dependencies{lister: staticProcesses{}}, "reap", "--max-age", "0s")
		assert.Error(t, err)
	})
}

func TestOTPSubmitCmd(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RPAFLOW_REAPER_ENABLED", "false")
	t.Setenv("RPAFLOW_OTP_DIR", dir)

	root := newRootCommand(dependencies{})
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetArgs([]string{"otp", "submit", "--channel", "u1", "4821"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	assert.FileExists(t, filepath.Join(dir, "u1", "4821"))
	assert.Contains(t, buf.String(), `channel "u1"`)

	_, err := executeCommand(t, dependencies{}, "otp", "submit", "--channel", "u1", "12")
	assert.Error(t, err)
}

func TestBlocksCmd_RequiresDatabase(t *testing.T) {
	_, err := executeCommand(t, dependencies{}, "blocks", "--target", "shop")
	assert.ErrorContains(t, err, "RPAFLOW_DATABASE_URL")

	_, err = executeCommand(t, dependencies{}, "blocks")
	assert.ErrorContains(t, err, `required flag(s) "target" not set`)
}

func TestGetConfigFromContext(t *testing.T) {
	_, err := getConfigFromContext(context.Background())
	assert.Error(t, err)

	cfg := config.NewDefaultConfig()
	got, err := getConfigFromContext(context.WithValue(context.Background(), configKey, cfg))
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}
