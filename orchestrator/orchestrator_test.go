package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"adlaunch/campaign"
	"adlaunch/config"
	"adlaunch/graph"
	"adlaunch/notify"
	"adlaunch/task"
	"adlaunch/upload"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeGraph records every call and checks that ads only reference ad sets
// that already exist.
type fakeGraph struct {
	mu sync.Mutex

	campaignFunc func(p graph.CampaignParams) (string, error)
	adSetFunc    func(p graph.AdSetParams) (string, error)
	adFunc       func(p graph.AdParams) (string, error)
	videoStatus  func(videoID string) graph.VideoStatus
	existing     graph.Campaign

	campaigns []graph.CampaignParams
	adSets    map[string]graph.AdSetParams
	creatives []graph.CreativeParams
	ads       []graph.AdParams
	orphanAds int
	tzLookups int
	nextID    int
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{adSets: make(map[string]graph.AdSetParams)}
}

func (f *fakeGraph) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s%d", prefix, f.nextID)
}

func (f *fakeGraph) CreateCampaign(ctx context.Context, accountID string, p graph.CampaignParams) (string, error) {
	if f.campaignFunc != nil {
		return f.campaignFunc(p)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaigns = append(f.campaigns, p)
	return f.id("c"), nil
}

func (f *fakeGraph) CreateAdSet(ctx context.Context, accountID string, p graph.AdSetParams) (string, error) {
	if f.adSetFunc != nil {
		if _, err := f.adSetFunc(p); err != nil {
			return "", err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id("as")
	f.adSets[id] = p
	return id, nil
}

func (f *fakeGraph) CreateCreative(ctx context.Context, accountID string, p graph.CreativeParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creatives = append(f.creatives, p)
	return f.id("cr"), nil
}

func (f *fakeGraph) CreateAd(ctx context.Context, accountID string, p graph.AdParams) (string, error) {
	if f.adFunc != nil {
		if _, err := f.adFunc(p); err != nil {
			return "", err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.adSets[p.AdSetID]; !ok {
		f.orphanAds++
	}
	f.ads = append(f.ads, p)
	return f.id("ad"), nil
}

func (f *fakeGraph) UploadImage(ctx context.Context, accountID, path string) (string, error) {
	return "hash-" + filepath.Base(path), nil
}

func (f *fakeGraph) UploadVideo(ctx context.Context, accountID, path string) (string, error) {
	return "vid-" + filepath.Base(path), nil
}

func (f *fakeGraph) GetVideoStatus(ctx context.Context, videoID string) (graph.VideoStatus, error) {
	if f.videoStatus != nil {
		return f.videoStatus(videoID), nil
	}
	return graph.VideoReady, nil
}

func (f *fakeGraph) GetAccountTimezone(ctx context.Context, accountID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tzLookups++
	return "America/New_York", nil
}

func (f *fakeGraph) GetCampaign(ctx context.Context, campaignID string) (graph.Campaign, error) {
	return f.existing, nil
}

type frameWriter struct{}

func (frameWriter) ExtractFrame(ctx context.Context, taskID, videoPath, outPath string) error {
	return os.WriteFile(outPath, []byte("jpg"), 0o644)
}

type harness struct {
	orch  *Orchestrator
	reg   *task.Registry
	bus   *notify.EventBus
	graph *fakeGraph
	cfg   *config.Config
}

func newHarness(t *testing.T, fg *fakeGraph) *harness {
	t.Helper()
	cfg := &config.Config{
		MaxWorkers:       3,
		ProgressInterval: 0,
		PollInitial:      time.Millisecond,
		PollStep:         time.Millisecond,
		PollMax:          time.Millisecond,
		PollTimeout:      time.Second,
		TZCacheTTL:       time.Hour,
	}
	logger := zaptest.NewLogger(t)
	reg := task.NewRegistry(logger)
	bus := notify.NewEventBus(1000, logger)
	factory := func(graph.Credentials) graph.Client { return fg }
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	orch := New(cfg, reg, bus, factory, frameWriter{}, logger, WithNow(func() time.Time { return fixed }))
	return &harness{orch: orch, reg: reg, bus: bus, graph: fg, cfg: cfg}
}

func validConfig() *campaign.Config {
	cfg := &campaign.Config{
		AdAccountID:      "act_1",
		PageID:           "page",
		CampaignName:     "Launch",
		Link:             "https://shop.example",
		Countries:        []string{"US"},
		AdSetBudgetValue: 20,
	}
	cfg.AccessToken = "tok"
	cfg.ApplyDefaults()
	return cfg
}

func uploadTree(t *testing.T, files ...string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "upload")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, f := range files {
		path := filepath.Join(dir, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
	}
	return dir
}

func (h *harness) run(t *testing.T, id string, cfg *campaign.Config, dir string) task.Outcome {
	t.Helper()
	require.NoError(t, h.reg.Register(id))
	out := h.orch.Run(context.Background(), &task.Task{ID: id, Config: cfg, UploadDir: dir})
	_, live := h.reg.State(id)
	assert.False(t, live, "registry entry must be released")
	assert.NoDirExists(t, dir, "upload workspace must be removed")
	return out
}

func eventsFor(bus *notify.EventBus, taskID string) []notify.Event {
	var out []notify.Event
	for _, ev := range bus.Since(0) {
		if ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out
}

// assertSingleTerminal checks the stream ends with exactly one terminal
// event and that progress never goes backwards or past the total.
func assertSingleTerminal(t *testing.T, events []notify.Event, want notify.EventType) {
	t.Helper()
	require.NotEmpty(t, events)
	terminals := 0
	last := -1
	for _, ev := range events {
		if ev.Type.Terminal() {
			terminals++
		}
		if ev.Type == notify.EventProgress {
			assert.GreaterOrEqual(t, ev.Completed, last, "progress must be monotonic")
			assert.LessOrEqual(t, ev.Completed, ev.Total)
			assert.LessOrEqual(t, ev.Percentage, 100)
			last = ev.Completed
		}
	}
	assert.Equal(t, 1, terminals)
	assert.Equal(t, want, events[len(events)-1].Type)
}

func TestRun_SingleAds(t *testing.T) {
	fg := newFakeGraph()
	h := newHarness(t, fg)
	dir := uploadTree(t, "Spring/A/1.jpg", "Spring/A/2.mp4", "Spring/B/3.png", "Spring/Empty/notes.txt")

	out := h.run(t, "t1", validConfig(), dir)

	assert.Equal(t, task.StatusCompleted, out.Status)
	assert.Equal(t, 3, out.Completed)
	assert.Zero(t, out.Failed)
	assert.Equal(t, 3, out.Total)
	assert.NoError(t, out.Err)

	assert.Len(t, fg.campaigns, 1)
	assert.Len(t, fg.adSets, 2, "empty folder gets no ad set")
	assert.Len(t, fg.ads, 3)
	assert.Zero(t, fg.orphanAds)
	for _, ad := range fg.ads {
		assert.Equal(t, "PAUSED", ad.Status)
	}

	events := eventsFor(h.bus, "t1")
	assertSingleTerminal(t, events, notify.EventTaskComplete)
	final := events[len(events)-2]
	assert.Equal(t, notify.EventProgress, final.Type)
	assert.Equal(t, 100, final.Percentage)
}

func TestRun_AdSetFailureSkipsGroup(t *testing.T) {
	fg := newFakeGraph()
	fg.adSetFunc = func(p graph.AdSetParams) (string, error) {
		if p.Name == "A" {
			return "", &graph.APIError{Message: "bad", ErrorUserTitle: "Invalid Targeting", ErrorUserMsg: "Pick a country."}
		}
		return "", nil
	}
	h := newHarness(t, fg)
	dir := uploadTree(t, "Root/A/1.jpg", "Root/A/2.jpg", "Root/B/3.jpg")

	out := h.run(t, "t2", validConfig(), dir)

	assert.Equal(t, task.StatusCompleted, out.Status)
	assert.Equal(t, 1, out.Completed)
	assert.Equal(t, 2, out.Failed)
	assert.Error(t, out.Err)
	assert.Len(t, fg.ads, 1)

	events := eventsFor(h.bus, "t2")
	assertSingleTerminal(t, events, notify.EventTaskComplete)
	var errorsSeen []notify.Event
	for _, ev := range events {
		if ev.Type == notify.EventError {
			errorsSeen = append(errorsSeen, ev)
		}
	}
	require.Len(t, errorsSeen, 1)
	assert.Equal(t, "Invalid Targeting", errorsSeen[0].Title)
	assert.Equal(t, "Pick a country.", errorsSeen[0].Message)
}

func TestRun_AdFailureDoesNotAbortSiblings(t *testing.T) {
	fg := newFakeGraph()
	fg.adFunc = func(p graph.AdParams) (string, error) {
		if p.Name == "2" {
			return "", errors.New("Response: {\"error\": {\"error_user_title\": \"Rejected\", \"error_user_msg\": \"Policy.\"}}")
		}
		return "", nil
	}
	h := newHarness(t, fg)
	dir := uploadTree(t, "Root/1.jpg", "Root/2.jpg", "Root/3.jpg")

	out := h.run(t, "t3", validConfig(), dir)
	assert.Equal(t, task.StatusCompleted, out.Status)
	assert.Equal(t, 2, out.Completed)
	assert.Equal(t, 1, out.Failed)
	assertSingleTerminal(t, eventsFor(h.bus, "t3"), notify.EventTaskComplete)
}

func TestRun_CampaignFailure(t *testing.T) {
	fg := newFakeGraph()
	fg.campaignFunc = func(graph.CampaignParams) (string, error) {
		return "", &graph.APIError{Message: "Invalid token", ErrorUserTitle: "Session Expired"}
	}
	h := newHarness(t, fg)
	dir := uploadTree(t, "Root/1.jpg")

	out := h.run(t, "t4", validConfig(), dir)

	assert.Equal(t, task.StatusFailed, out.Status)
	assert.Empty(t, fg.adSets)
	events := eventsFor(h.bus, "t4")
	assertSingleTerminal(t, events, notify.EventTaskFailed)
	assert.Equal(t, "Session Expired", events[len(events)-1].Title)
}

func TestRun_InvalidConfig(t *testing.T) {
	fg := newFakeGraph()
	h := newHarness(t, fg)
	cfg := validConfig()
	cfg.Link = ""

	out := h.run(t, "t5", cfg, uploadTree(t, "Root/1.jpg"))

	assert.Equal(t, task.StatusFailed, out.Status)
	var vErr *campaign.ValidationError
	assert.True(t, errors.As(out.Err, &vErr))
	assert.Empty(t, fg.campaigns)
	assertSingleTerminal(t, eventsFor(h.bus, "t5"), notify.EventTaskFailed)
}

func TestRun_NoMedia(t *testing.T) {
	fg := newFakeGraph()
	h := newHarness(t, fg)

	out := h.run(t, "t6", validConfig(), uploadTree(t, "Root/readme.txt"))

	assert.Equal(t, task.StatusCompleted, out.Status)
	assert.Empty(t, fg.adSets)
	events := eventsFor(h.bus, "t6")
	assertSingleTerminal(t, events, notify.EventTaskComplete)
	require.Len(t, events, 2)
	assert.Equal(t, 100, events[0].Percentage)
	assert.Equal(t, "No media found", events[0].Step)
}

func TestRun_Cancel(t *testing.T) {
	fg := newFakeGraph()
	h := newHarness(t, fg)
	h.cfg.MaxWorkers = 1

	var once sync.Once
	seenAtCancel := 0
	fg.adFunc = func(graph.AdParams) (string, error) {
		once.Do(func() {
			seenAtCancel = len(eventsFor(h.bus, "t7"))
			assert.Equal(t, task.CancelRequested, h.reg.RequestCancel("t7"))
		})
		return "", nil
	}
	dir := uploadTree(t, "Root/1.jpg", "Root/2.jpg", "Root/3.jpg", "Root/4.jpg")

	out := h.run(t, "t7", validConfig(), dir)

	assert.Equal(t, task.StatusCanceled, out.Status)
	assert.Less(t, len(fg.ads), 4)

	events := eventsFor(h.bus, "t7")
	assertSingleTerminal(t, events, notify.EventTaskCanceled)
	assert.Len(t, events[seenAtCancel:], 1, "nothing but the terminal event after cancel")
}

func TestRun_CanceledBeforeStart(t *testing.T) {
	fg := newFakeGraph()
	h := newHarness(t, fg)
	require.NoError(t, h.reg.Register("t8"))
	h.reg.RequestCancel("t8")

	dir := uploadTree(t, "Root/1.jpg")
	out := h.orch.Run(context.Background(), &task.Task{ID: "t8", Config: validConfig(), UploadDir: dir})

	assert.Equal(t, task.StatusCanceled, out.Status)
	assert.Empty(t, fg.campaigns)
	assertSingleTerminal(t, eventsFor(h.bus, "t8"), notify.EventTaskCanceled)
}

func TestRun_Carousel(t *testing.T) {
	fg := newFakeGraph()
	h := newHarness(t, fg)
	cfg := validConfig()
	cfg.AdFormat = campaign.FormatCarousel

	out := h.run(t, "t9", cfg, uploadTree(t, "Root/A/1.jpg", "Root/A/2.mp4", "Root/B/3.jpg", "Root/C/x.txt"))

	assert.Equal(t, task.StatusCompleted, out.Status)
	assert.Equal(t, 2, out.Total)
	assert.Equal(t, 2, out.Completed)
	require.Len(t, fg.ads, 2)
	assert.Zero(t, fg.orphanAds)
	require.Len(t, fg.creatives, 2)
	assert.Len(t, fg.creatives[0].ObjectStorySpec.LinkData.ChildAttachments, 2)
}

func TestRun_ExistingBudgetOptimizedCampaign(t *testing.T) {
	fg := newFakeGraph()
	fg.existing = graph.Campaign{ID: "c77", DailyBudget: "10000"}
	h := newHarness(t, fg)
	cfg := validConfig()
	cfg.CampaignID = "c77"

	out := h.run(t, "t10", cfg, uploadTree(t, "Root/1.jpg"))

	assert.Equal(t, task.StatusCompleted, out.Status)
	assert.Empty(t, fg.campaigns)
	require.Len(t, fg.adSets, 1)
	for _, p := range fg.adSets {
		assert.Equal(t, "c77", p.CampaignID)
		assert.Zero(t, p.DailyBudget)
		assert.Equal(t, "2026-03-02T09:00:00Z", p.StartTime, "04:00 New York is 09:00 UTC in winter")
	}
}

func TestRun_PanicBecomesInternalError(t *testing.T) {
	fg := newFakeGraph()
	fg.campaignFunc = func(graph.CampaignParams) (string, error) { panic("boom") }
	h := newHarness(t, fg)

	out := h.run(t, "t11", validConfig(), uploadTree(t, "Root/1.jpg"))

	assert.Equal(t, task.StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, ErrInternal)
	events := eventsFor(h.bus, "t11")
	assertSingleTerminal(t, events, notify.EventTaskFailed)
	assert.Equal(t, "Internal error", events[len(events)-1].Title)
	assert.NotContains(t, events[len(events)-1].Message, "boom")
}

func TestRun_TimezoneIsCached(t *testing.T) {
	fg := newFakeGraph()
	h := newHarness(t, fg)

	h.run(t, "t12", validConfig(), uploadTree(t, "Root/1.jpg"))
	h.run(t, "t13", validConfig(), uploadTree(t, "Root/1.jpg"))

	assert.Equal(t, 1, fg.tzLookups)
}

func TestRun_ProgressIsThrottled(t *testing.T) {
	fg := newFakeGraph()
	h := newHarness(t, fg)
	h.cfg.ProgressInterval = time.Hour

	h.run(t, "t14", validConfig(), uploadTree(t, "Root/1.jpg", "Root/2.jpg", "Root/3.jpg", "Root/4.jpg"))

	var progress []notify.Event
	for _, ev := range eventsFor(h.bus, "t14") {
		if ev.Type == notify.EventProgress {
			progress = append(progress, ev)
		}
	}
	require.Len(t, progress, 2, "only the opening and closing snapshots")
	assert.Equal(t, 0, progress[0].Percentage)
	assert.Equal(t, 100, progress[1].Percentage)
}

func TestRun_BadScheduleFailsBeforeRemoteWork(t *testing.T) {
	fg := newFakeGraph()
	h := newHarness(t, fg)
	cfg := validConfig()
	cfg.StartTime = "next tuesday"

	out := h.run(t, "t15", cfg, uploadTree(t, "Root/A/1.jpg", "Root/B/2.jpg"))

	assert.Equal(t, task.StatusFailed, out.Status)
	var vErr *campaign.ValidationError
	assert.True(t, errors.As(out.Err, &vErr))
	assert.Empty(t, fg.campaigns)
	assert.Empty(t, fg.adSets)
	assert.Zero(t, fg.tzLookups)

	events := eventsFor(h.bus, "t15")
	assertSingleTerminal(t, events, notify.EventTaskFailed)
	assert.Equal(t, "Invalid configuration", events[len(events)-1].Title)
}

func TestRun_StuckVideoFailsAlone(t *testing.T) {
	fg := newFakeGraph()
	fg.videoStatus = func(videoID string) graph.VideoStatus {
		if videoID == "vid-stuck.mp4" {
			return graph.VideoProcessing
		}
		return graph.VideoReady
	}
	h := newHarness(t, fg)
	h.cfg.MaxWorkers = 2
	h.cfg.PollTimeout = 50 * time.Millisecond

	out := h.run(t, "t16", validConfig(), uploadTree(t, "Root/1.jpg", "Root/stuck.mp4", "Root/3.mp4", "Root/4.png"))

	assert.Equal(t, task.StatusCompleted, out.Status)
	assert.Equal(t, 3, out.Completed)
	assert.Equal(t, 1, out.Failed)
	assert.ErrorIs(t, out.Err, upload.ErrProcessingTimeout)
	require.Len(t, fg.ads, 3)
	for _, ad := range fg.ads {
		assert.NotEqual(t, "stuck", ad.Name)
	}

	events := eventsFor(h.bus, "t16")
	assertSingleTerminal(t, events, notify.EventTaskComplete)
	var failures []notify.Event
	for _, ev := range events {
		if ev.Type == notify.EventError {
			failures = append(failures, ev)
		}
	}
	require.Len(t, failures, 1)
	assert.Equal(t, "Upload failed", failures[0].Title)
}

func TestRun_PanicWaitsForScheduledWorkers(t *testing.T) {
	fg := newFakeGraph()
	var dir string
	statErrs := make(chan error, 1)
	fg.adSetFunc = func(p graph.AdSetParams) (string, error) {
		if p.Name == "B" {
			panic("boom")
		}
		return "", nil
	}
	fg.adFunc = func(graph.AdParams) (string, error) {
		time.Sleep(50 * time.Millisecond)
		_, err := os.Stat(dir)
		statErrs <- err
		return "", nil
	}
	h := newHarness(t, fg)
	dir = uploadTree(t, "Root/A/1.jpg", "Root/B/2.jpg")

	out := h.run(t, "t17", validConfig(), dir)

	assert.Equal(t, task.StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, ErrInternal)
	require.Len(t, statErrs, 1)
	assert.NoError(t, <-statErrs, "upload dir removed while a worker was running")
	assert.Len(t, fg.ads, 1)
	assertSingleTerminal(t, eventsFor(h.bus, "t17"), notify.EventTaskFailed)
}

func TestRun_TransportFailureHidesToken(t *testing.T) {
	const token = "SECRET-TOKEN-123"
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	reg := task.NewRegistry(logger)
	bus := notify.NewEventBus(100, logger)
	clients := graph.NewFactory(graph.Options{BaseURL: base, VideoURL: base, Version: "v19.0"})
	orch := New(&config.Config{MaxWorkers: 1, TZCacheTTL: time.Hour}, reg, bus, clients, frameWriter{}, logger)

	cfg := validConfig()
	cfg.CampaignID = "c1"
	cfg.AccessToken = token
	cfg.AppSecret = "app-secret"
	require.NoError(t, reg.Register("t18"))
	out := orch.Run(context.Background(), &task.Task{ID: "t18", Config: cfg, UploadDir: uploadTree(t, "Root/1.jpg")})

	assert.Equal(t, task.StatusFailed, out.Status)
	events := eventsFor(bus, "t18")
	assertSingleTerminal(t, events, notify.EventTaskFailed)
	assert.Equal(t, "Internal error", events[len(events)-1].Title)
	for _, ev := range events {
		assert.NotContains(t, ev.Title+ev.Message, token)
	}

	require.NotZero(t, logs.Len())
	for _, entry := range logs.All() {
		assert.NotContains(t, fmt.Sprint(entry.Message, entry.ContextMap()), token)
	}
}
