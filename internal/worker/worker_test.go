package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingTask struct {
	name     string
	interval time.Duration
	err      error

	mu   sync.Mutex
	runs int
}

func (c *countingTask) Name() string            { return c.name }
func (c *countingTask) Interval() time.Duration { return c.interval }

func (c *countingTask) Run(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs++
	return c.err
}

func (c *countingTask) Runs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs
}

func newTestWorker(t *testing.T, clock quartz.Clock) *Worker {
	t.Helper()
	w, err := New(clock, DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return w
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:    "valid default config",
			config:  DefaultConfig(),
			wantErr: false,
		},
		{
			name:    "task timeout too short",
			config:  Config{TaskTimeout: 100 * time.Millisecond, ShutdownTimeout: 30 * time.Second},
			wantErr: true,
		},
		{
			name:    "shutdown timeout too short",
			config:  Config{TaskTimeout: time.Minute, ShutdownTimeout: 0},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "permanent error",
			err:  NewPermanentError(context.Canceled),
			want: true,
		},
		{
			name: "regular error",
			err:  context.Canceled,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.want {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWorker_RunsTasksOnInterval(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := quartz.NewMock(t)
	trap := clock.Trap().TickerFunc("worker")
	defer trap.Close()

	task := &countingTask{name: "sweep", interval: time.Minute}
	w := newTestWorker(t, clock)
	w.Register(task)
	w.Start(context.Background())
	trap.MustWait(ctx).MustRelease(ctx)

	clock.Advance(time.Minute).MustWait(ctx)
	clock.Advance(time.Minute).MustWait(ctx)
	assert.Equal(t, 2, task.Runs())

	w.Stop()
}

func TestWorker_TransientFailureKeepsSchedule(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := quartz.NewMock(t)
	trap := clock.Trap().TickerFunc("worker")
	defer trap.Close()

	task := &countingTask{name: "flaky", interval: time.Minute, err: errors.New("store unavailable")}
	w := newTestWorker(t, clock)
	w.Register(task)
	w.Start(context.Background())
	trap.MustWait(ctx).MustRelease(ctx)

	clock.Advance(time.Minute).MustWait(ctx)
	clock.Advance(time.Minute).MustWait(ctx)
	assert.Equal(t, 2, task.Runs())

	w.Stop()
}

func TestWorker_PermanentFailureUnschedules(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := quartz.NewMock(t)
	trap := clock.Trap().TickerFunc("worker")
	defer trap.Close()

	task := &countingTask{name: "broken", interval: time.Minute, err: NewPermanentError(errors.New("bucket missing"))}
	w := newTestWorker(t, clock)
	w.Register(task)
	w.Start(context.Background())
	trap.MustWait(ctx).MustRelease(ctx)

	clock.Advance(time.Minute).MustWait(ctx)
	assert.Equal(t, 1, task.Runs())

	w.wg.Wait()
	clock.Advance(time.Minute).MustWait(ctx)
	assert.Equal(t, 1, task.Runs(), "unscheduled task must not run again")

	w.Stop()
}

func TestWorker_RunNow(t *testing.T) {
	task := &countingTask{name: "archive", interval: time.Hour}
	w := newTestWorker(t, quartz.NewMock(t))
	w.Register(task)

	require.NoError(t, w.RunNow(context.Background(), "archive"))
	assert.Equal(t, 1, task.Runs())

	err := w.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownTask)
}
