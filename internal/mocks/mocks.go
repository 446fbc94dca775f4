// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/rpa-flow/internal/browser"
	"github.com/xkilldash9x/rpa-flow/internal/config"
	"github.com/xkilldash9x/rpa-flow/internal/store"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Engine() config.EngineConfig {
	args := m.Called()
	return args.Get(0).(config.EngineConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Flow() config.FlowConfig {
	args := m.Called()
	return args.Get(0).(config.FlowConfig)
}

func (m *MockConfig) OTP() config.OTPConfig {
	args := m.Called()
	return args.Get(0).(config.OTPConfig)
}

func (m *MockConfig) Reaper() config.ReaperConfig {
	args := m.Called()
	return args.Get(0).(config.ReaperConfig)
}

// --- Setters ---

func (m *MockConfig) SetEngineWorkerConcurrency(w int) {
	m.Called(w)
}

func (m *MockConfig) SetEngineDefaultFlowTimeout(d time.Duration) {
	m.Called(d)
}

func (m *MockConfig) SetBrowserEngine(kind string) {
	m.Called(kind)
}

func (m *MockConfig) SetBrowserHeadless(b bool) {
	m.Called(b)
}

func (m *MockConfig) SetReaperMaxAge(d time.Duration) {
	m.Called(d)
}

// -- Store Mocks --

// MockSessionStore mocks the session persistence contract.
type MockSessionStore struct {
	mock.Mock
}

func (m *MockSessionStore) SaveSession(ctx context.Context, sess store.Session) error {
	args := m.Called(ctx, sess)
	return args.Error(0)
}

// MockBlockStore mocks block persistence.
type MockBlockStore struct {
	mock.Mock
}

func (m *MockBlockStore) SaveBlock(ctx context.Context, b store.Block) (int64, error) {
	args := m.Called(ctx, b)
	return args.Get(0).(int64), args.Error(1)
}

// -- Browser Mocks --

// MockEngine mocks browser.Engine.
type MockEngine struct {
	mock.Mock
}

var _ browser.Engine = (*MockEngine)(nil)

func (m *MockEngine) Kind() browser.Kind {
	args := m.Called()
	return args.Get(0).(browser.Kind)
}

func (m *MockEngine) Navigate(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

func (m *MockEngine) FindAndAct(ctx context.Context, selectors []string, act browser.Interaction) (string, error) {
	args := m.Called(ctx, selectors, act)
	return args.String(0), args.Error(1)
}

func (m *MockEngine) WaitForAny(ctx context.Context, selectors []string, timeout time.Duration) (string, error) {
	args := m.Called(ctx, selectors, timeout)
	return args.String(0), args.Error(1)
}

func (m *MockEngine) CountMatches(ctx context.Context, selector string) (int, error) {
	args := m.Called(ctx, selector)
	return args.Int(0), args.Error(1)
}

func (m *MockEngine) CurrentURL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockEngine) Title(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockEngine) PageSource(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockEngine) ExtractSessionState(ctx context.Context) (*browser.StorageState, error) {
	args := m.Called(ctx)
	state, _ := args.Get(0).(*browser.StorageState)
	return state, args.Error(1)
}

func (m *MockEngine) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	args := m.Called(ctx)
	cookies, _ := args.Get(0).([]browser.Cookie)
	return cookies, args.Error(1)
}

func (m *MockEngine) Close() error {
	return m.Called().Error(0)
}

// MockLauncher mocks browser.Launcher.
type MockLauncher struct {
	mock.Mock
}

func (m *MockLauncher) Launch(ctx context.Context) (browser.Engine, error) {
	args := m.Called(ctx)
	engine, _ := args.Get(0).(browser.Engine)
	return engine, args.Error(1)
}
