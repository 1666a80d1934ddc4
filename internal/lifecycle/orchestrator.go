// Package lifecycle drives the experiment lifecycle of one job type for one
// user: validate, check for duplicates, create, run, refresh and notify, plus
// re-run, delete and result download for existing jobs.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"
	"github.com/kiranshivaraju/simconsole/internal/artifact"
	"github.com/kiranshivaraju/simconsole/internal/backend"
	"github.com/kiranshivaraju/simconsole/internal/jobtype"
	"github.com/kiranshivaraju/simconsole/internal/metrics"
	"github.com/kiranshivaraju/simconsole/internal/notify"
	"github.com/kiranshivaraju/simconsole/internal/params"
	"github.com/kiranshivaraju/simconsole/internal/session"
	"github.com/kiranshivaraju/simconsole/pkg/models"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultAwaitTimeout = 30 * time.Minute
	DefaultLockTTL      = 2 * time.Minute
)

// Repository creates, lists and deletes the jobs of one job type.
type Repository interface {
	Create(ctx context.Context, name string, parameter map[string]any, ownerUID string) (*models.Job, error)
	QueryByUser(ctx context.Context, ownerUID string) ([]models.Job, error)
	Delete(ctx context.Context, uid string) error
}

// Runner triggers the simulation of a created job.
type Runner interface {
	Run(ctx context.Context, uid string) (backend.RunOutcome, error)
}

// Fetcher downloads the report of a job.
type Fetcher interface {
	Download(ctx context.Context, uid string) ([]byte, error)
}

// Locker is an optional cross-process lock backing the in-flight guard.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// ActivityRecorder stores the user's experiment history.
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, ev *models.ActivityEvent) error
}

// Config encapsulates the dependencies of an Orchestrator.
type Config struct {
	// The job type this orchestrator serves.
	JobType jobtype.Descriptor

	// Backend collaborators. A backend.JobTypeClient serves as all three.
	Repository Repository
	Runner     Runner
	Fetcher    Fetcher

	// Identity every operation is scoped to.
	Session session.Accessor

	// Notification channel. Defaults to a 3s channel on Clock.
	Notifier *notify.Channel

	// Where downloaded reports are saved. Optional.
	Saver artifact.Saver

	// Cross-process in-flight lock. Optional.
	Locker  Locker
	LockTTL time.Duration

	// Experiment history sink. Optional.
	Activity ActivityRecorder

	Metrics *metrics.Collector

	// Defaults to the wall clock.
	Clock clock.Clock

	// Interval of the status poller, and how long a triggered job is polled
	// for before the poller gives up on it.
	PollInterval time.Duration
	AwaitTimeout time.Duration

	// Defaults to a discarding logger.
	Logger *slog.Logger
}

func (cfg *Config) validate() error {
	var err error
	if cfg.JobType.Key == "" {
		err = multierror.Append(err, errors.New("job type has not been provided"))
	}
	if cfg.Repository == nil {
		err = multierror.Append(err, errors.New("repository has not been provided"))
	}
	if cfg.Runner == nil {
		err = multierror.Append(err, errors.New("runner has not been provided"))
	}
	if cfg.Fetcher == nil {
		err = multierror.Append(err, errors.New("fetcher has not been provided"))
	}
	if cfg.Session == nil {
		err = multierror.Append(err, errors.New("session accessor has not been provided"))
	}
	if cfg.PollInterval < 0 {
		err = multierror.Append(err, errors.New("invalid value for poll interval"))
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.AwaitTimeout <= 0 {
		cfg.AwaitTimeout = DefaultAwaitTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NewChannel(notify.WithClock(cfg.Clock), notify.WithLogger(cfg.Logger),
			notify.WithMetrics(cfg.Metrics))
	}
	return err
}

// awaited tracks a job whose simulation was triggered and whose outcome has
// not been observed yet.
type awaited struct {
	baseline       string
	seenProcessing bool
	since          time.Time
}

// Orchestrator owns the working set of jobs of one job type for one user.
// It is safe for concurrent use; overlapping submit, re-run and delete calls
// are refused with ErrOperationInFlight.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	busy atomic.Bool

	mu       sync.Mutex
	jobs     []models.Job
	awaiting map[string]*awaited
	closed   bool
	done     chan struct{}
}

// New creates an Orchestrator with the given config.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("lifecycle: config validation failed: %w", err)
	}
	return &Orchestrator{
		cfg:      cfg,
		logger:   cfg.Logger.With("job_type", cfg.JobType.Key),
		awaiting: make(map[string]*awaited),
		done:     make(chan struct{}),
	}, nil
}

// JobType returns the descriptor this orchestrator serves.
func (o *Orchestrator) JobType() jobtype.Descriptor { return o.cfg.JobType }

// Notifications returns the orchestrator's notification channel.
func (o *Orchestrator) Notifications() *notify.Channel { return o.cfg.Notifier }

// Busy reports whether a submit, re-run or delete is outstanding.
func (o *Orchestrator) Busy() bool { return o.busy.Load() }

// SubmitResult is the outcome of a successful or partially failed submit.
type SubmitResult struct {
	Job models.Job
	Run backend.RunOutcome
}

// Submit runs the full flow for a candidate parameter set: validate, reload
// the job list and reject duplicates, create the job, trigger its simulation,
// refresh the job list and notify. A failed trigger returns a *PartialFailureError together with
// the created job, which is kept for a later re-run.
func (o *Orchestrator) Submit(ctx context.Context, candidate map[string]any) (*SubmitResult, error) {
	desc := o.cfg.JobType

	user, err := o.currentUser(ctx)
	if err != nil {
		return nil, err
	}

	release, err := o.acquire(ctx, user)
	if err != nil {
		return nil, err
	}
	defer release()

	parameter, err := params.Validate(desc, candidate)
	if err != nil {
		o.cfg.Notifier.Error(err.Error())
		o.cfg.Metrics.Submission(desc.Key, "invalid")
		return nil, err
	}

	// Another replica may have created a job since our last listing, so the
	// duplicate check runs against a listing taken under the guard.
	current, err := o.refresh(ctx, user)
	if err != nil {
		o.logger.Warn("refresh before submit failed", "user_uid", user.UserUID, "error", err)
		o.cfg.Notifier.Error(backend.UserMessage(err))
		o.cfg.Metrics.Submission(desc.Key, "refresh_failed")
		return nil, err
	}

	if dup := params.FindDuplicateFor(desc, current, parameter); dup != nil {
		o.cfg.Notifier.Warning(fmt.Sprintf("An identical %s simulation already exists: %s", desc.Title, displayName(*dup)))
		o.cfg.Metrics.Submission(desc.Key, "duplicate")
		o.record(ctx, user, dup.UID, models.ActivityDuplicateBlocked, "submission matched existing job")
		return nil, &DuplicateError{ExistingUID: dup.UID, ExistingName: dup.Name}
	}

	created, err := o.cfg.Repository.Create(ctx, desc.GenerateName(parameter), parameter, user.UserUID)
	if err != nil {
		o.logger.Warn("create job failed", "user_uid", user.UserUID, "error", err)
		o.cfg.Notifier.Error(backend.UserMessage(err))
		o.cfg.Metrics.Submission(desc.Key, "create_failed")
		o.record(ctx, user, "", models.ActivityCreateFailed, err.Error())
		return nil, err
	}
	o.upsert(*created)

	outcome, runErr := o.cfg.Runner.Run(ctx, created.UID)
	if runErr == nil {
		o.await(created.UID, created.Status)
	}

	if _, err := o.refresh(ctx, user); err != nil {
		o.logger.Warn("refresh after submit failed", "job_uid", created.UID, "error", err)
	}

	result := &SubmitResult{Job: *created, Run: outcome}
	if latest, ok := o.Job(created.UID); ok {
		result.Job = latest
	}

	if runErr != nil {
		perr := &PartialFailureError{Job: result.Job, Err: runErr}
		o.logger.Warn("simulation trigger failed", "job_uid", created.UID, "error", runErr)
		o.cfg.Notifier.Error(perr.UserMessage())
		o.cfg.Metrics.Submission(desc.Key, "run_failed")
		o.record(ctx, user, created.UID, models.ActivityRunFailed, runErr.Error())
		return result, perr
	}

	o.notifyTriggered(result.Job, outcome)
	o.cfg.Metrics.Submission(desc.Key, "submitted")
	o.record(ctx, user, created.UID, models.ActivitySubmitted, "job created and simulation triggered")
	o.logger.Info("simulation submitted", "job_uid", created.UID, "user_uid", user.UserUID)
	return result, nil
}

// Rerun triggers the simulation of an existing job again. Jobs that are
// processing, in the working set or in a fresh listing, are refused without
// calling the runner.
func (o *Orchestrator) Rerun(ctx context.Context, uid string) (*SubmitResult, error) {
	user, err := o.currentUser(ctx)
	if err != nil {
		return nil, err
	}

	job, ok := o.Job(uid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, uid)
	}
	if job.Status == models.JobStatusProcessing {
		o.cfg.Notifier.Warning(fmt.Sprintf("%s is still processing", displayName(job)))
		return nil, ErrJobProcessing
	}

	release, err := o.acquire(ctx, user)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := o.refresh(ctx, user); err != nil {
		o.logger.Warn("refresh before re-run failed", "job_uid", uid, "error", err)
	} else if fresh, ok := o.Job(uid); !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, uid)
	} else if fresh.Status == models.JobStatusProcessing {
		o.cfg.Notifier.Warning(fmt.Sprintf("%s is still processing", displayName(fresh)))
		return nil, ErrJobProcessing
	} else {
		job = fresh
	}

	outcome, err := o.cfg.Runner.Run(ctx, uid)
	if err != nil {
		o.cfg.Notifier.Error(backend.UserMessage(err))
		o.record(ctx, user, uid, models.ActivityRunFailed, err.Error())
		return nil, err
	}
	o.await(uid, job.Status)

	if _, err := o.refresh(ctx, user); err != nil {
		o.logger.Warn("refresh after re-run failed", "job_uid", uid, "error", err)
	}
	if latest, ok := o.Job(uid); ok {
		job = latest
	}

	o.notifyTriggered(job, outcome)
	o.record(ctx, user, uid, models.ActivityRerun, "simulation triggered again")
	return &SubmitResult{Job: job, Run: outcome}, nil
}

// Delete removes a job. A job that is processing is never deleted: the guard
// is checked against the working set and again against a fresh listing
// before the delete call is issued.
func (o *Orchestrator) Delete(ctx context.Context, uid string) error {
	user, err := o.currentUser(ctx)
	if err != nil {
		return err
	}

	job, ok := o.Job(uid)
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, uid)
	}
	if job.Status == models.JobStatusProcessing {
		o.cfg.Notifier.Warning(fmt.Sprintf("%s is processing and cannot be deleted", displayName(job)))
		return ErrJobProcessing
	}

	release, err := o.acquire(ctx, user)
	if err != nil {
		return err
	}
	defer release()

	if _, err := o.refresh(ctx, user); err != nil {
		o.logger.Warn("refresh before delete failed", "job_uid", uid, "error", err)
	} else if fresh, ok := o.Job(uid); ok && fresh.Status == models.JobStatusProcessing {
		o.cfg.Notifier.Warning(fmt.Sprintf("%s is processing and cannot be deleted", displayName(fresh)))
		return ErrJobProcessing
	}

	if err := o.cfg.Repository.Delete(ctx, uid); err != nil {
		o.cfg.Notifier.Error(backend.UserMessage(err))
		return err
	}
	o.remove(uid)

	if _, err := o.refresh(ctx, user); err != nil {
		o.logger.Warn("refresh after delete failed", "job_uid", uid, "error", err)
	}
	o.cfg.Notifier.Success(fmt.Sprintf("Deleted %s", displayName(job)))
	o.record(ctx, user, uid, models.ActivityDeleted, "job deleted")
	return nil
}

// Artifact is a downloaded report.
type Artifact struct {
	JobUID   string
	FileName string
	Data     []byte
	// Path is where the report was saved, empty without a Saver.
	Path string
}

// Download fetches the report of a job and saves it when a Saver is
// configured. It does not check the job's status; Controls tells callers
// when offering a download makes sense.
func (o *Orchestrator) Download(ctx context.Context, uid string) (*Artifact, error) {
	user, err := o.currentUser(ctx)
	if err != nil {
		return nil, err
	}

	data, err := o.cfg.Fetcher.Download(ctx, uid)
	if err != nil {
		o.cfg.Notifier.Error(backend.UserMessage(err))
		return nil, err
	}

	a := &Artifact{JobUID: uid, FileName: artifact.FileName(o.cfg.JobType.Key), Data: data}
	if o.cfg.Saver != nil {
		path, err := o.cfg.Saver.Save(o.cfg.JobType.Key, data)
		if err != nil {
			o.cfg.Notifier.Error("The simulation result could not be saved.")
			return nil, fmt.Errorf("saving result: %w", err)
		}
		a.Path = path
		o.cfg.Notifier.Success(fmt.Sprintf("Result saved to %s", path))
	}
	o.record(ctx, user, uid, models.ActivityDownloaded, a.FileName)
	return a, nil
}

// Refresh reloads the job list from the backend and returns it.
func (o *Orchestrator) Refresh(ctx context.Context) ([]models.Job, error) {
	user, err := o.currentUser(ctx)
	if err != nil {
		return nil, err
	}
	jobs, err := o.refresh(ctx, user)
	if err != nil {
		o.cfg.Notifier.Error(backend.UserMessage(err))
		return nil, err
	}
	return jobs, nil
}

// Jobs returns a snapshot of the working set.
func (o *Orchestrator) Jobs() []models.Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.Job, len(o.jobs))
	copy(out, o.jobs)
	return out
}

// Job returns the job with uid from the working set.
func (o *Orchestrator) Job(uid string) (models.Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, j := range o.jobs {
		if j.UID == uid {
			return j, true
		}
	}
	return models.Job{}, false
}

// Controls says which actions may be offered for a job.
type Controls struct {
	CanDelete   bool `json:"can_delete"`
	CanRerun    bool `json:"can_rerun"`
	CanDownload bool `json:"can_download"`
}

// ControlsFor returns the controls of job; busy disables the actions that
// would overlap an outstanding operation.
func ControlsFor(job models.Job, busy bool) Controls {
	processing := job.Status == models.JobStatusProcessing
	return Controls{
		CanDelete:   !processing && !busy,
		CanRerun:    !processing && !busy,
		CanDownload: job.Status == models.JobStatusCompleted,
	}
}

// Controls returns the controls of job given the orchestrator's state.
func (o *Orchestrator) Controls(job models.Job) Controls {
	return ControlsFor(job, o.Busy())
}

// Close tears the orchestrator down. Results of calls still in flight are
// ignored and the poller stops.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.done)
	o.mu.Unlock()
	o.cfg.Notifier.Close()
}

// --- internals ---

func (o *Orchestrator) currentUser(ctx context.Context) (models.UserRef, error) {
	user, err := o.cfg.Session.CurrentUser(ctx)
	if err != nil {
		o.cfg.Notifier.Error("Please sign in to manage simulations.")
		if !errors.Is(err, session.ErrNotAuthenticated) {
			err = fmt.Errorf("%w: %v", session.ErrNotAuthenticated, err)
		}
		return models.UserRef{}, err
	}
	return user, nil
}

// acquire takes the in-flight guard, and the distributed lock when one is
// configured. The lock fails open when the lock store is unavailable.
func (o *Orchestrator) acquire(ctx context.Context, user models.UserRef) (func(), error) {
	if !o.busy.CompareAndSwap(false, true) {
		o.cfg.Notifier.Info("Another operation is still in progress.")
		return nil, ErrOperationInFlight
	}
	if o.cfg.Locker == nil {
		return func() { o.busy.Store(false) }, nil
	}

	key := lockKey(user.UserUID, o.cfg.JobType.Key)
	ok, err := o.cfg.Locker.TryLock(ctx, key, o.cfg.LockTTL)
	if err != nil {
		o.logger.Warn("in-flight lock unavailable, continuing without it", "error", err)
		return func() { o.busy.Store(false) }, nil
	}
	if !ok {
		o.busy.Store(false)
		o.cfg.Notifier.Info("Another operation is still in progress.")
		return nil, ErrOperationInFlight
	}
	return func() {
		if err := o.cfg.Locker.Unlock(context.WithoutCancel(ctx), key); err != nil {
			o.logger.Warn("release in-flight lock failed", "error", err)
		}
		o.busy.Store(false)
	}, nil
}

func lockKey(userUID, jobType string) string {
	return userUID + ":" + jobType
}

func (o *Orchestrator) refresh(ctx context.Context, user models.UserRef) ([]models.Job, error) {
	jobs, err := o.cfg.Repository.QueryByUser(ctx, user.UserUID)
	if err != nil {
		return nil, err
	}
	o.apply(ctx, user, jobs)
	return o.Jobs(), nil
}

type finished struct {
	job models.Job
}

// apply replaces the working set and reports jobs whose simulation finished
// since the previous listing.
func (o *Orchestrator) apply(ctx context.Context, user models.UserRef, jobs []models.Job) {
	now := o.cfg.Clock.Now()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	previous := make(map[string]string, len(o.jobs))
	for _, j := range o.jobs {
		previous[j.UID] = j.Status
	}

	var done []finished
	seen := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		seen[j.UID] = true
		old, known := previous[j.UID]
		if known && !models.CanTransition(old, j.Status) {
			o.logger.Warn("unexpected job status transition", "job_uid", j.UID, "from", old, "to", j.Status)
		}

		w := o.awaiting[j.UID]
		if w != nil && j.Status == models.JobStatusProcessing {
			w.seenProcessing = true
		}
		if !models.IsTerminal(j.Status) {
			continue
		}
		switch {
		case w != nil && (w.seenProcessing || j.Status != w.baseline):
			delete(o.awaiting, j.UID)
			done = append(done, finished{job: j})
		case w == nil && known && old == models.JobStatusProcessing:
			done = append(done, finished{job: j})
		}
	}
	for uid, w := range o.awaiting {
		if !seen[uid] || now.Sub(w.since) > o.cfg.AwaitTimeout {
			delete(o.awaiting, uid)
		}
	}
	o.jobs = jobs
	o.mu.Unlock()

	for _, f := range done {
		o.cfg.Metrics.StatusChange(o.cfg.JobType.Key, f.job.Status)
		if f.job.Status == models.JobStatusCompleted {
			o.cfg.Notifier.Success(fmt.Sprintf("Simulation %s completed", displayName(f.job)))
		} else {
			o.cfg.Notifier.Error(fmt.Sprintf("Simulation %s failed", displayName(f.job)))
		}
		o.record(ctx, user, f.job.UID, models.ActivityStatusChanged, f.job.Status)
	}
}

func (o *Orchestrator) upsert(job models.Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	for i := range o.jobs {
		if o.jobs[i].UID == job.UID {
			o.jobs[i] = job
			return
		}
	}
	o.jobs = append(o.jobs, job)
}

func (o *Orchestrator) remove(uid string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.awaiting, uid)
	for i := range o.jobs {
		if o.jobs[i].UID == uid {
			o.jobs = append(o.jobs[:i], o.jobs[i+1:]...)
			return
		}
	}
}

func (o *Orchestrator) await(uid, baseline string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.awaiting[uid] = &awaited{baseline: baseline, since: o.cfg.Clock.Now()}
}

func (o *Orchestrator) notifyTriggered(job models.Job, outcome backend.RunOutcome) {
	if outcome.Status == backend.RunStatusInfo && outcome.Message != "" {
		o.cfg.Notifier.Info(outcome.Message)
		return
	}
	o.cfg.Notifier.Success(fmt.Sprintf("Simulation %s started", displayName(job)))
}

func (o *Orchestrator) record(ctx context.Context, user models.UserRef, jobUID, kind, message string) {
	if o.cfg.Activity == nil {
		return
	}
	ev := &models.ActivityEvent{
		ID:        uuid.New(),
		UserID:    user.UserUID,
		JobType:   o.cfg.JobType.Key,
		Kind:      kind,
		Message:   message,
		CreatedAt: o.cfg.Clock.Now().UTC(),
	}
	if jobUID != "" {
		ev.JobUID = &jobUID
	}
	if err := o.cfg.Activity.RecordActivity(context.WithoutCancel(ctx), ev); err != nil {
		o.logger.Warn("record activity failed", "kind", kind, "error", err)
	}
}

func displayName(j models.Job) string {
	if j.Name != "" {
		return j.Name
	}
	return j.UID
}
