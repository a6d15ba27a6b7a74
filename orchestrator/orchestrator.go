// Package orchestrator drives one campaign launch from validated config to
// a terminal state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"adlaunch/adbuilder"
	"adlaunch/campaign"
	"adlaunch/config"
	"adlaunch/graph"
	"adlaunch/media"
	"adlaunch/notify"
	"adlaunch/task"
	"adlaunch/upload"

	"github.com/hashicorp/go-multierror"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type internalError struct{}

func (internalError) Error() string       { return "internal error" }
func (internalError) Title() string       { return "Internal error" }
func (internalError) UserMessage() string { return "An unexpected error occurred. Check the server logs." }

// ErrInternal reports a recovered panic.
var ErrInternal error = internalError{}

type Orchestrator struct {
	cfg        *config.Config
	registry   *task.Registry
	notifier   notify.Notifier
	clients    graph.Factory
	extractor  upload.FrameExtractor
	enumerator *media.Enumerator
	timezones  *ttlcache.Cache[string, *time.Location]
	clock      upload.Clock
	now        func() time.Time
	log        *zap.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the clock used while polling video status.
func WithClock(c upload.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithNow replaces the wall clock used for progress throttling and default
// schedules.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(cfg *config.Config, registry *task.Registry, notifier notify.Notifier, clients graph.Factory, extractor upload.FrameExtractor, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.TZCacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	o := &Orchestrator{
		cfg:        cfg,
		registry:   registry,
		notifier:   notifier,
		clients:    clients,
		extractor:  extractor,
		enumerator: media.NewEnumerator(logger),
		timezones: ttlcache.New(
			ttlcache.WithTTL[string, *time.Location](ttl),
		),
		now: time.Now,
		log: logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes t. The task must already be registered; its registry entry
// and upload workspace are released before Run returns. Exactly one terminal
// event is published.
func (o *Orchestrator) Run(ctx context.Context, t *task.Task) (out task.Outcome) {
	r := &run{o: o, t: t, log: o.log.With(zap.String("task_id", t.ID))}

	defer func() {
		rec := recover()
		// Ad workers may still be reading from the upload dir.
		_ = r.pool.Wait()
		if rec != nil {
			r.log.Error("campaign run panicked", zap.Any("panic", rec), zap.Stack("stack"))
			out = r.fail(ErrInternal)
		}
		o.registry.Release(t.ID)
		if t.UploadDir != "" {
			if err := os.RemoveAll(t.UploadDir); err != nil {
				r.log.Warn("could not remove upload dir", zap.String("dir", t.UploadDir), zap.Error(err))
			}
		}
	}()

	return r.execute(ctx)
}

// run holds the state of one execution.
type run struct {
	o    *Orchestrator
	t    *task.Task
	log  *zap.Logger
	pool errgroup.Group

	mu        sync.Mutex
	total     int
	completed int
	failed    int
	reported  int
	lastEmit  time.Time
	errs      *multierror.Error
	panicked  bool
	terminal  bool
}

func (r *run) execute(ctx context.Context) task.Outcome {
	cfg := r.t.Config
	if cfg == nil {
		return r.fail(&campaign.ValidationError{Problems: []string{"config is missing"}})
	}
	if err := cfg.Validate(); err != nil {
		return r.fail(err)
	}
	if r.canceled(ctx) {
		return r.cancel()
	}

	groups, err := r.o.enumerator.EnumerateUpload(r.t.UploadDir)
	if err != nil {
		return r.fail(fmt.Errorf("enumerate media: %w", err))
	}

	client := r.o.clients(cfg.Credentials)

	campaignID, existingCBO, err := r.resolveCampaign(ctx, client, cfg)
	if err != nil {
		if r.canceled(ctx) {
			return r.cancel()
		}
		return r.fail(err)
	}
	loc, err := r.o.timezone(ctx, client, cfg.AdAccountID)
	if err != nil {
		if r.canceled(ctx) {
			return r.cancel()
		}
		return r.fail(err)
	}

	r.total = countUnits(groups, cfg.AdFormat)
	if r.total == 0 {
		r.emitProgress("No media found", true)
		return r.complete()
	}
	r.emitProgress("Creating ad sets", true)

	uploader := upload.New(client, cfg.AdAccountID, r.o.extractor, r.o.registry, upload.Options{
		Poll: upload.PollConfig{
			Initial: r.o.cfg.PollInitial,
			Step:    r.o.cfg.PollStep,
			Max:     r.o.cfg.PollMax,
			Timeout: r.o.cfg.PollTimeout,
		},
		TempDir: r.t.UploadDir,
		Clock:   r.o.clock,
	}, r.log)
	builder := adbuilder.New(uploader, client, r.o.registry, cfg, r.o.cfg.MaxWorkers, r.log)

	r.pool.SetLimit(max(r.o.cfg.MaxWorkers, 1))

	for _, g := range groups {
		if r.canceled(ctx) {
			break
		}
		if len(g.Items) == 0 {
			r.log.Info("skipping empty media folder", zap.String("group", g.Name))
			continue
		}
		units := groupUnits(g, cfg.AdFormat)

		adSetID, err := r.createAdSet(ctx, client, cfg, campaignID, g.Name, loc, existingCBO)
		if err != nil {
			r.record(g.Name, units, fmt.Errorf("ad set %s: %w", g.Name, err))
			continue
		}

		if cfg.AdFormat == campaign.FormatCarousel {
			_, err := builder.BuildCarouselAd(ctx, r.t.ID, adSetID, g.Items)
			r.record(g.Name, units, err)
			continue
		}

		for _, item := range g.Items {
			if r.canceled(ctx) {
				break
			}
			r.pool.Go(func() error {
				defer func() {
					if rec := recover(); rec != nil {
						r.log.Error("ad worker panicked", zap.String("file", item.Name), zap.Any("panic", rec), zap.Stack("stack"))
						r.mu.Lock()
						r.panicked = true
						r.mu.Unlock()
						r.record(item.Name, 1, ErrInternal)
					}
				}()
				_, err := builder.BuildSingleAd(ctx, r.t.ID, adSetID, item)
				r.record(item.Name, 1, err)
				return nil
			})
		}
	}
	_ = r.pool.Wait()

	if r.canceled(ctx) {
		return r.cancel()
	}
	r.mu.Lock()
	panicked := r.panicked
	r.mu.Unlock()
	if panicked {
		return r.fail(ErrInternal)
	}

	r.emitProgress("Done", true)
	return r.complete()
}

func (r *run) resolveCampaign(ctx context.Context, client graph.Client, cfg *campaign.Config) (string, bool, error) {
	if cfg.CampaignID != "" {
		c, err := client.GetCampaign(ctx, cfg.CampaignID)
		if err != nil {
			return "", false, fmt.Errorf("load campaign %s: %w", cfg.CampaignID, err)
		}
		r.log.Info("using existing campaign", zap.String("campaign_id", cfg.CampaignID), zap.Bool("cbo", c.BudgetOptimized()))
		return cfg.CampaignID, c.BudgetOptimized(), nil
	}

	id, err := client.CreateCampaign(ctx, cfg.AdAccountID, cfg.CampaignParams())
	if err != nil {
		return "", false, fmt.Errorf("create campaign: %w", err)
	}
	r.log.Info("campaign created", zap.String("campaign_id", id))
	return id, false, nil
}

func (r *run) createAdSet(ctx context.Context, client graph.Client, cfg *campaign.Config, campaignID, name string, loc *time.Location, existingCBO bool) (string, error) {
	if err := r.o.registry.Check(r.t.ID); err != nil {
		return "", err
	}
	params, err := cfg.AdSetParams(campaignID, name, loc, existingCBO, r.o.now())
	if err != nil {
		return "", err
	}
	id, err := client.CreateAdSet(ctx, cfg.AdAccountID, params)
	if err != nil {
		return "", err
	}
	r.log.Info("ad set created", zap.String("ad_set_id", id), zap.String("group", name))
	return id, nil
}

// timezone resolves the IANA location of an ad account, caching successes.
func (o *Orchestrator) timezone(ctx context.Context, client graph.Client, accountID string) (*time.Location, error) {
	var loadErr error
	loader := ttlcache.LoaderFunc[string, *time.Location](
		func(cache *ttlcache.Cache[string, *time.Location], key string) *ttlcache.Item[string, *time.Location] {
			name, err := client.GetAccountTimezone(ctx, key)
			if err != nil {
				loadErr = fmt.Errorf("account timezone: %w", err)
				return nil
			}
			loc, err := time.LoadLocation(name)
			if err != nil {
				loadErr = fmt.Errorf("account timezone %q: %w", name, err)
				return nil
			}
			return cache.Set(key, loc, ttlcache.DefaultTTL)
		},
	)
	item := o.timezones.Get(accountID, ttlcache.WithLoader[string, *time.Location](loader))
	if item == nil {
		if loadErr == nil {
			loadErr = errors.New("account timezone unavailable")
		}
		return nil, loadErr
	}
	return item.Value(), nil
}

func countUnits(groups []media.Group, format campaign.Format) int {
	n := 0
	for _, g := range groups {
		n += groupUnits(g, format)
	}
	return n
}

// groupUnits is the number of progress units a group contributes: one per
// file, or one per non-empty carousel.
func groupUnits(g media.Group, format campaign.Format) int {
	if len(g.Items) == 0 {
		return 0
	}
	if format == campaign.FormatCarousel {
		return 1
	}
	return len(g.Items)
}

func (r *run) canceled(ctx context.Context) bool {
	return r.o.registry.Check(r.t.ID) != nil || ctx.Err() != nil
}

// record accounts for finished units and reports a failure unless the task
// was canceled.
func (r *run) record(name string, units int, err error) {
	canceled := errors.Is(err, task.ErrCanceled) || r.o.registry.Check(r.t.ID) != nil

	r.mu.Lock()
	switch {
	case err == nil:
		r.completed += units
	case canceled:
		// Canceled units are neither completed nor failed.
	default:
		r.failed += units
		r.errs = multierror.Append(r.errs, err)
	}
	r.mu.Unlock()

	if err != nil && !canceled {
		r.log.Warn("ad unit failed", zap.String("unit", name), zap.Error(err))
		r.publish(notify.Failure(r.t.ID, notify.EventError, err))
	}
	r.emitProgress("Creating ads", false)
}

// publish sends a non-terminal event unless the task already reached a
// terminal state or was canceled.
func (r *run) publish(ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal || r.o.registry.Check(r.t.ID) != nil {
		return
	}
	r.o.notifier.Publish(ev)
}

// emitProgress publishes a throttled, monotonic progress snapshot. force
// skips the throttle.
func (r *run) emitProgress(step string, force bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.terminal || r.o.registry.Check(r.t.ID) != nil {
		return
	}
	done := min(r.completed+r.failed, r.total)
	if done < r.reported {
		return
	}
	now := r.o.now()
	if !force && (done == r.reported || now.Sub(r.lastEmit) < r.o.cfg.ProgressInterval) {
		return
	}
	r.reported = done
	r.lastEmit = now
	r.o.notifier.Publish(notify.Progress(r.t.ID, done, r.total, step))
}

// finish publishes the single terminal event of the run.
func (r *run) finish(ev notify.Event, status task.Status, err error) task.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := task.Outcome{
		Status:    status,
		Completed: r.completed,
		Failed:    r.failed,
		Total:     r.total,
		Err:       err,
	}
	if r.terminal {
		return out
	}
	r.terminal = true
	ev.TaskID = r.t.ID
	r.o.notifier.Publish(ev)
	r.log.Info("campaign run finished",
		zap.String("status", string(status)),
		zap.Int("completed", r.completed),
		zap.Int("failed", r.failed),
		zap.Int("total", r.total))
	return out
}

func (r *run) complete() task.Outcome {
	r.mu.Lock()
	err := r.errs.ErrorOrNil()
	r.mu.Unlock()
	return r.finish(notify.Event{Type: notify.EventTaskComplete}, task.StatusCompleted, err)
}

func (r *run) cancel() task.Outcome {
	return r.finish(notify.Event{Type: notify.EventTaskCanceled, Message: "Task canceled"}, task.StatusCanceled, task.ErrCanceled)
}

func (r *run) fail(err error) task.Outcome {
	if !errors.Is(err, ErrInternal) {
		r.log.Error("campaign run failed", zap.Error(err))
	}
	return r.finish(notify.Failure(r.t.ID, notify.EventTaskFailed, err), task.StatusFailed, err)
}
