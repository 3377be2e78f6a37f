package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/DeafMist/register-radar/internal/logger"
	"github.com/DeafMist/register-radar/internal/store"
)

// ErrRunInProgress is returned by TryRun and Start while another run holds the
// runner or the store lease.
var ErrRunInProgress = errors.New("ingest run already in progress")

const (
	leaseName           = "ingest"
	defaultLeaseTTL     = 30 * time.Minute
	defaultLeasePoll    = 2 * time.Second
	leaseReleaseTimeout = 5 * time.Second
)

// Job is satisfied by *Pipeline.
type Job interface {
	Run(ctx context.Context, req Request) Report
}

// RunnerOptions configure how runs are serialized across processes.
type RunnerOptions struct {
	// Lease, when set, is held for the whole run so runners in other
	// processes writing the same store wait or back off.
	Lease store.Locker
	// LeaseTTL bounds how long a crashed holder blocks everyone else.
	LeaseTTL time.Duration
	// LeasePoll is how often Run retries a lease held elsewhere.
	LeasePoll time.Duration
	Logger    *slog.Logger
}

// Runner serializes ingest runs so two upserts never interleave. The mutex
// covers this process; the optional lease covers the rest.
type Runner struct {
	mu   sync.Mutex
	job  Job
	opts RunnerOptions
}

// NewRunner wraps job.
func NewRunner(job Job, opts RunnerOptions) *Runner {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}
	if opts.LeasePoll <= 0 {
		opts.LeasePoll = defaultLeasePoll
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Runner{job: job, opts: opts}
}

// Run waits for any in-flight run, here or elsewhere, to finish, then runs. A
// lease that cannot be taken before ctx ends is reported on Report.Err.
func (r *Runner) Run(ctx context.Context, req Request) Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	release, err := r.waitLease(ctx)
	if err != nil {
		return Report{Err: err}
	}
	defer release()
	return r.job.Run(ctx, req)
}

// TryRun runs only if no other run is in flight.
func (r *Runner) TryRun(ctx context.Context, req Request) (Report, error) {
	if !r.mu.TryLock() {
		return Report{}, ErrRunInProgress
	}
	defer r.mu.Unlock()

	release, err := r.takeLease(ctx)
	if err != nil {
		return Report{}, err
	}
	defer release()
	return r.job.Run(ctx, req), nil
}

// Start is TryRun in the background. The returned channel receives the report
// and is then closed.
func (r *Runner) Start(ctx context.Context, req Request) (<-chan Report, error) {
	if !r.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	release, err := r.takeLease(ctx)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}

	done := make(chan Report, 1)
	go func() {
		defer close(done)
		defer r.mu.Unlock()
		defer release()
		done <- r.job.Run(ctx, req)
	}()
	return done, nil
}

// takeLease returns ErrRunInProgress when another process holds the lease.
func (r *Runner) takeLease(ctx context.Context) (func(), error) {
	if r.opts.Lease == nil {
		return func() {}, nil
	}

	unlock, err := r.opts.Lease.Lock(ctx, leaseName, r.opts.LeaseTTL)
	if errors.Is(err, store.ErrLocked) {
		return nil, ErrRunInProgress
	}
	if err != nil {
		return nil, err
	}

	return func() {
		// The run context may already be done; the release must still go out.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseReleaseTimeout)
		defer cancel()
		if err := unlock(ctx); err != nil {
			r.opts.Logger.Warn("ingest lease release failed", slog.Any("err", err))
		}
	}, nil
}

func (r *Runner) waitLease(ctx context.Context) (func(), error) {
	for {
		release, err := r.takeLease(ctx)
		if !errors.Is(err, ErrRunInProgress) {
			return release, err
		}

		r.opts.Logger.Info("ingest lease held elsewhere, waiting", slog.Duration("retry_in", r.opts.LeasePoll))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.opts.LeasePoll):
		}
	}
}
