package testhelper

import (
	"fmt"
	"os"
	"testing"

	"gitlab.com/gitlab-org/configsvr/internal/log"
	"go.uber.org/goleak"
)

// RunOption is an option that can be passed to Run.
type RunOption func(*runConfig)

type runConfig struct {
	setup                  func() error
	disableGoroutineChecks bool
	goleakOptions          []goleak.Option
}

// WithSetup allows the caller of Run to pass a setup function that will be called after global
// test state has been configured.
func WithSetup(setup func() error) RunOption {
	return func(cfg *runConfig) {
		cfg.setup = setup
	}
}

// WithIgnoredGoroutines ignores Goroutines whose top function matches one of the names when
// checking for leaks. It is meant for background workers of third party clients.
func WithIgnoredGoroutines(topFunctions ...string) RunOption {
	return func(cfg *runConfig) {
		for _, fn := range topFunctions {
			cfg.goleakOptions = append(cfg.goleakOptions, goleak.IgnoreTopFunction(fn))
		}
	}
}

// WithDisabledGoroutineChecker disables checking for leaked Goroutines after tests have run.
func WithDisabledGoroutineChecker() RunOption {
	return func(cfg *runConfig) {
		cfg.disableGoroutineChecks = true
	}
}

// Run sets up required testing state and executes the given test suite. After the suite has
// finished it fails if Goroutines were leaked.
func Run(m *testing.M, opts ...RunOption) {
	var cfg runConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	code, err := run(m, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}

	os.Exit(code)
}

func run(m *testing.M, cfg runConfig) (int, error) {
	if err := log.Configure(log.Loggers, "json", "panic"); err != nil {
		return 0, fmt.Errorf("configure logging: %w", err)
	}

	if cfg.setup != nil {
		if err := cfg.setup(); err != nil {
			return 0, fmt.Errorf("error calling setup function: %w", err)
		}
	}

	code := m.Run()
	if code != 0 || cfg.disableGoroutineChecks {
		return code, nil
	}

	if err := goleak.Find(cfg.goleakOptions...); err != nil {
		return 0, fmt.Errorf("goroutines leaked: %w", err)
	}

	return code, nil
}
