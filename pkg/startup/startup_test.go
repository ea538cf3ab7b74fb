package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStartup(maxAttempts int) *Startup {
	s := NewStartup(ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}), maxAttempts)
	s.backoffUnit = time.Millisecond
	return s
}

func recorder(log *[]string, name string, requires ...string) *Func {
	return &Func{
		Name:     name,
		Requires: requires,
		OnStart: func(context.Context) error {
			*log = append(*log, "start "+name)
			return nil
		},
		OnStop: func(context.Context) error {
			*log = append(*log, "stop "+name)
			return nil
		},
	}
}

func TestStartup_StartsInDependencyOrder(t *testing.T) {
	var log []string
	s := newTestStartup(1)
	s.AddDependency(recorder(&log, "http", "database", "redis"))
	s.AddDependency(recorder(&log, "database"))
	s.AddDependency(recorder(&log, "redis"))

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"start database", "start redis", "start http"}, log)
	assert.Equal(t, StartupStatusStarted, s.Status("http"))

	log = nil
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, []string{"stop http", "stop redis", "stop database"}, log)
	assert.Equal(t, StartupStatusStopped, s.Status("database"))
}

func TestStartup_RetriesFailedDependency(t *testing.T) {
	var log []string
	attempts := 0
	s := newTestStartup(3)
	s.AddDependency(recorder(&log, "database"))
	s.AddDependency(&Func{
		Name:     "kafka",
		Requires: []string{"database"},
		OnStart: func(context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("broker not reachable")
			}
			return nil
		},
	})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []string{"start database"}, log, "started dependencies are not restarted")
}

func TestStartup_GivesUp(t *testing.T) {
	s := newTestStartup(2)
	boom := errors.New("boom")
	s.AddDependency(&Func{Name: "redis", OnStart: func(context.Context) error { return boom }})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StartupStatusFailed, s.Status("redis"))
}

func TestStartup_RejectsBadGraphs(t *testing.T) {
	s := newTestStartup(1)
	s.AddDependency(&Func{Name: "http", Requires: []string{"missing"}})
	assert.ErrorContains(t, s.Start(context.Background()), "unknown dependency")

	s = newTestStartup(1)
	s.AddDependency(&Func{Name: "a", Requires: []string{"b"}})
	s.AddDependency(&Func{Name: "b", Requires: []string{"a"}})
	assert.ErrorContains(t, s.Start(context.Background()), "cycle")
}

func TestStartup_StopContinuesAfterFailure(t *testing.T) {
	var log []string
	s := newTestStartup(1)
	s.AddDependency(recorder(&log, "database"))
	s.AddDependency(&Func{
		Name:     "consumer",
		Requires: []string{"database"},
		OnStop:   func(context.Context) error { return errors.New("close failed") },
	})
	require.NoError(t, s.Start(context.Background()))

	log = nil
	assert.ErrorContains(t, s.Stop(context.Background()), "close failed")
	assert.Equal(t, []string{"stop database"}, log)
}
