package api

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"adlaunch/campaign"
	"adlaunch/config"
	"adlaunch/graph"
	"adlaunch/media"
	"adlaunch/notify"
	"adlaunch/task"

	"github.com/gin-gonic/gin"
	"github.com/lithammer/shortuuid/v4"
	"go.uber.org/zap"
)

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

type Handler struct {
	taskManager *task.Manager
	bus         *notify.EventBus
	clients     graph.Factory
	cfg         *config.Config
	log         *zap.Logger
}

func NewHandler(tm *task.Manager, bus *notify.EventBus, clients graph.Factory, cfg *config.Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		taskManager: tm,
		bus:         bus,
		clients:     clients,
		cfg:         cfg,
		log:         logger.Named("api"),
	}
}

func formValue(form *multipart.Form, key string) string {
	if v := form.Value[key]; len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

// handleStartCampaign accepts a campaign config plus its media tree and
// queues the launch.
func (h *Handler) handleStartCampaign(c *gin.Context) {
	if h.cfg.MaxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxUploadSize)
	}
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("Upload exceeds %d bytes", tooLarge.Limit)})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Expected a multipart form", "details": err.Error()})
		return
	}

	raw := formValue(form, "config")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "config is required"})
		return
	}
	cfg, err := campaign.Parse([]byte(raw))
	if err != nil {
		var vErr *campaign.ValidationError
		if errors.As(err, &vErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid campaign config", "problems": vErr.Problems})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	taskID := formValue(form, "task_id")
	if taskID == "" {
		taskID = shortuuid.New()
	}
	if !taskIDPattern.MatchString(taskID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id may only contain letters, digits, '-' and '_'"})
		return
	}

	if err := os.MkdirAll(h.cfg.UploadDir, 0o755); err != nil {
		h.log.Error("could not create upload root", zap.String("dir", h.cfg.UploadDir), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create task"})
		return
	}
	dir := filepath.Join(h.cfg.UploadDir, taskID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if os.IsExist(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "Task already exists", "taskId": taskID})
			return
		}
		h.log.Error("could not create upload dir", zap.String("dir", dir), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create task"})
		return
	}

	saved, err := h.saveMedia(c, form, dir)
	if err != nil {
		os.RemoveAll(dir)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t := &task.Task{ID: taskID, UploadDir: dir, Config: cfg}
	if err := h.taskManager.Submit(t); err != nil {
		os.RemoveAll(dir)
		if errors.Is(err, task.ErrDuplicateTask) {
			c.JSON(http.StatusConflict, gin.H{"error": "Task already exists", "taskId": taskID})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to create task", "details": err.Error()})
		return
	}

	h.log.Info("campaign accepted", zap.String("task_id", taskID), zap.Int("files", saved))
	c.JSON(http.StatusAccepted, gin.H{"taskId": taskID, "files": saved})
}

// saveMedia writes every uploaded media file below dir, keeping the
// browser's relative folder path. The path comes from a "path[<name>]" or
// "folder[<name>]" field, falling back to the bare file name.
func (h *Handler) saveMedia(c *gin.Context, form *multipart.Form, dir string) (int, error) {
	saved := 0
	for _, fh := range form.File["media"] {
		rel := formValue(form, "path["+fh.Filename+"]")
		if rel == "" {
			rel = fh.Filename
			if folder := formValue(form, "folder["+fh.Filename+"]"); folder != "" {
				rel = folder + "/" + fh.Filename
			}
		}

		dst, err := safeJoin(dir, rel)
		if err != nil {
			return 0, err
		}
		if hiddenPath(rel) {
			h.log.Debug("skipping hidden upload", zap.String("path", rel))
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return 0, fmt.Errorf("save %s: %w", rel, err)
		}
		if err := c.SaveUploadedFile(fh, dst); err != nil {
			return 0, fmt.Errorf("save %s: %w", rel, err)
		}
		saved++
	}
	return saved, nil
}

// safeJoin resolves rel below dir and rejects anything escaping it.
func safeJoin(dir, rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.ReplaceAll(rel, "\\", "/")))
	if rel == "" || filepath.IsAbs(clean) || clean == "." || clean == ".." ||
		strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid upload path %q", rel)
	}
	return filepath.Join(dir, clean), nil
}

func hiddenPath(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part != "" && media.IsHidden(part) {
			return true
		}
	}
	return false
}

// handleListTasks lists all tasks.
func (h *Handler) handleListTasks(c *gin.Context) {
	tasks := h.taskManager.List()
	c.JSON(http.StatusOK, tasks)
}

// handleGetTaskStatus retrieves the status of a single task.
func (h *Handler) handleGetTaskStatus(c *gin.Context) {
	taskID := c.Param("taskId")
	t, found := h.taskManager.Get(taskID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	c.JSON(http.StatusOK, t)
}

// handleCancelTask requests cancellation of a task. Unknown ids are a 404,
// never a server error.
func (h *Handler) handleCancelTask(c *gin.Context) {
	taskID := c.Param("taskId")
	res := h.taskManager.Cancel(taskID)
	if res == task.CancelNotFound {
		c.JSON(http.StatusNotFound, gin.H{"status": res})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": res})
}

type budgetRequest struct {
	CampaignID  string `json:"campaign_id" binding:"required"`
	AdAccountID string `json:"ad_account_id" binding:"required"`
	graph.Credentials
}

// handleBudgetOptimization reports whether an existing campaign carries its
// own budget.
func (h *Handler) handleBudgetOptimization(c *gin.Context) {
	var req budgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.AccessToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "access_token is required"})
		return
	}

	camp, err := h.clients(req.Credentials).GetCampaign(c.Request.Context(), req.CampaignID)
	if err != nil {
		h.log.Warn("campaign lookup failed", zap.String("campaign_id", req.CampaignID), zap.Error(err))
		title, msg := notify.Describe(err)
		c.JSON(http.StatusBadGateway, gin.H{"error": msg, "title": title})
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaign_budget_optimization": camp.BudgetOptimized()})
}

// handleEvents returns events newer than the "since" sequence number.
func (h *Handler) handleEvents(c *gin.Context) {
	var since int64
	if s := c.Query("since"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a non-negative integer"})
			return
		}
		since = n
	}

	events := h.bus.Since(since)
	if taskID := c.Query("task_id"); taskID != "" {
		filtered := events[:0:0]
		for _, ev := range events {
			if ev.TaskID == taskID {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}
	if events == nil {
		events = []notify.Event{}
	}
	c.JSON(http.StatusOK, events)
}
