package ingest_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/register-radar/internal/ingest"
	"github.com/DeafMist/register-radar/internal/store"
)

type blockingJob struct {
	release chan struct{}
	entered chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
}

func newBlockingJob() *blockingJob {
	return &blockingJob{release: make(chan struct{}), entered: make(chan struct{}, 16)}
}

func (j *blockingJob) Run(_ context.Context, req ingest.Request) ingest.Report {
	n := j.active.Add(1)
	for {
		p := j.peak.Load()
		if n <= p || j.peak.CompareAndSwap(p, n) {
			break
		}
	}
	j.entered <- struct{}{}
	<-j.release
	j.active.Add(-1)
	return ingest.Report{RunID: req.Type}
}

func TestStartRejectsOverlappingRun(t *testing.T) {
	job := newBlockingJob()
	r := ingest.NewRunner(job, ingest.RunnerOptions{})

	done, err := r.Start(context.Background(), ingest.Request{Type: "first"})
	require.NoError(t, err)
	<-job.entered

	_, err = r.TryRun(context.Background(), ingest.Request{})
	require.ErrorIs(t, err, ingest.ErrRunInProgress)
	_, err = r.Start(context.Background(), ingest.Request{})
	require.ErrorIs(t, err, ingest.ErrRunInProgress)

	close(job.release)
	rep := <-done
	require.Equal(t, "first", rep.RunID)

	rep, err = r.TryRun(context.Background(), ingest.Request{Type: "second"})
	require.NoError(t, err)
	require.Equal(t, "second", rep.RunID)
}

func TestRunSerializes(t *testing.T) {
	job := newBlockingJob()
	r := ingest.NewRunner(job, ingest.RunnerOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run(context.Background(), ingest.Request{})
		}()
	}

	for i := 0; i < 3; i++ {
		select {
		case <-job.entered:
		case <-time.After(5 * time.Second):
			t.Fatal("run did not start")
		}
		job.release <- struct{}{}
	}
	wg.Wait()

	require.Equal(t, int32(1), job.peak.Load())
}

// sharedLease stands in for a store-level lock seen by several processes.
type sharedLease struct {
	mu       sync.Mutex
	held     bool
	name     string
	ttl      time.Duration
	releases int
	err      error
}

func (l *sharedLease) Lock(_ context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	if l.held {
		return nil, store.ErrLocked
	}
	l.held, l.name, l.ttl = true, name, ttl
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.held = false
		l.releases++
		return nil
	}, nil
}

func (l *sharedLease) isHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func TestLeaseSerializesRunnersAcrossProcesses(t *testing.T) {
	lease := &sharedLease{}
	job := newBlockingJob()
	api := ingest.NewRunner(job, ingest.RunnerOptions{Lease: lease, LeaseTTL: time.Hour})
	worker := ingest.NewRunner(job, ingest.RunnerOptions{Lease: lease, LeasePoll: 10 * time.Millisecond})

	done, err := api.Start(context.Background(), ingest.Request{Type: "api"})
	require.NoError(t, err)
	<-job.entered
	require.Equal(t, "ingest", lease.name)
	require.Equal(t, time.Hour, lease.ttl)

	_, err = worker.TryRun(context.Background(), ingest.Request{})
	require.ErrorIs(t, err, ingest.ErrRunInProgress)
	_, err = worker.Start(context.Background(), ingest.Request{})
	require.ErrorIs(t, err, ingest.ErrRunInProgress)

	waited := make(chan ingest.Report, 1)
	go func() { waited <- worker.Run(context.Background(), ingest.Request{Type: "worker"}) }()

	select {
	case <-job.entered:
		t.Fatal("worker run started while the lease was held")
	case <-time.After(50 * time.Millisecond):
	}

	job.release <- struct{}{}
	require.Equal(t, "api", (<-done).RunID)

	select {
	case <-job.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("worker run did not start after the lease was released")
	}
	job.release <- struct{}{}
	require.Equal(t, "worker", (<-waited).RunID)

	require.Equal(t, int32(1), job.peak.Load())
	require.False(t, lease.isHeld())
	require.Equal(t, 2, lease.releases)
}

func TestRunGivesUpWaitingWhenContextEnds(t *testing.T) {
	lease := &sharedLease{held: true}
	job := newBlockingJob()
	r := ingest.NewRunner(job, ingest.RunnerOptions{Lease: lease, LeasePoll: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	rep := r.Run(ctx, ingest.Request{})
	require.ErrorIs(t, rep.Err, context.DeadlineExceeded)
	require.Zero(t, job.peak.Load())
}

func TestLeaseErrorIsReturned(t *testing.T) {
	boom := errors.New("cluster unreachable")
	job := newBlockingJob()
	r := ingest.NewRunner(job, ingest.RunnerOptions{Lease: &sharedLease{err: boom}})

	_, err := r.Start(context.Background(), ingest.Request{})
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, r.Run(context.Background(), ingest.Request{}).Err, boom)
	require.Zero(t, job.peak.Load())

	// The in-process lock was released with the failed attempt.
	_, err = r.Start(context.Background(), ingest.Request{})
	require.ErrorIs(t, err, boom)
}
