// Package upload pushes local media to the ad platform and waits for
// videos to become usable.
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"adlaunch/graph"
	"adlaunch/media"
	"adlaunch/task"

	"go.uber.org/zap"
)

// ErrProcessingTimeout is wrapped when a video never became ready.
var ErrProcessingTimeout = errors.New("video processing timed out")

// Error describes a failed upload of one file.
type Error struct {
	Path  string
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upload %s (%s): %v", filepath.Base(e.Path), e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Title() string {
	var apiErr *graph.APIError
	if errors.As(e.Err, &apiErr) {
		return apiErr.Title()
	}
	return "Upload failed"
}

func (e *Error) UserMessage() string {
	var apiErr *graph.APIError
	if errors.As(e.Err, &apiErr) {
		return apiErr.UserMessage()
	}
	return e.Error()
}

// Client is the part of the platform API the uploader needs.
type Client interface {
	UploadImage(ctx context.Context, accountID, path string) (string, error)
	UploadVideo(ctx context.Context, accountID, path string) (string, error)
	GetVideoStatus(ctx context.Context, videoID string) (graph.VideoStatus, error)
}

type FrameExtractor interface {
	ExtractFrame(ctx context.Context, taskID, videoPath, outPath string) error
}

// Canceler answers whether a task was canceled and wakes waiters when it is.
type Canceler interface {
	Check(taskID string) error
	Done(taskID string) <-chan struct{}
}

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// PollConfig controls how video status is polled: the wait starts at
// Initial, grows by Step up to Max, and gives up after Timeout.
type PollConfig struct {
	Initial time.Duration
	Step    time.Duration
	Max     time.Duration
	Timeout time.Duration
}

type Options struct {
	Poll    PollConfig
	TempDir string
	Clock   Clock
}

// VideoHandle identifies an uploaded video and its thumbnail image.
type VideoHandle struct {
	VideoID       string
	ThumbnailHash string
}

// Uploader uploads media for one ad account.
type Uploader struct {
	client    Client
	accountID string
	extractor FrameExtractor
	canceler  Canceler
	poll      PollConfig
	tempDir   string
	clock     Clock
	log       *zap.Logger
}

func New(client Client, accountID string, extractor FrameExtractor, canceler Canceler, opts Options, logger *zap.Logger) *Uploader {
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Poll.Initial <= 0 {
		opts.Poll.Initial = 5 * time.Second
	}
	if opts.Poll.Max < opts.Poll.Initial {
		opts.Poll.Max = opts.Poll.Initial
	}
	if opts.Poll.Timeout <= 0 {
		opts.Poll.Timeout = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{
		client:    client,
		accountID: accountID,
		extractor: extractor,
		canceler:  canceler,
		poll:      opts.Poll,
		tempDir:   opts.TempDir,
		clock:     opts.Clock,
		log:       logger.Named("upload"),
	}
}

// UploadImage uploads the image at path and returns its hash. WebP files are
// converted to JPEG first.
func (u *Uploader) UploadImage(ctx context.Context, taskID, path string) (string, error) {
	if err := u.canceler.Check(taskID); err != nil {
		return "", err
	}

	src := path
	if media.IsWebP(path) {
		dir, err := os.MkdirTemp(u.tempDir, "webp-")
		if err != nil {
			return "", &Error{Path: path, Stage: "convert", Err: err}
		}
		defer os.RemoveAll(dir)

		src, err = media.ConvertWebPToJPEG(path, dir)
		if err != nil {
			return "", &Error{Path: path, Stage: "convert", Err: err}
		}
	}

	hash, err := u.client.UploadImage(ctx, u.accountID, src)
	if err != nil {
		return "", &Error{Path: path, Stage: "image", Err: err}
	}
	u.log.Info("image uploaded", zap.String("task_id", taskID), zap.String("file", filepath.Base(path)))
	return hash, nil
}

// UploadVideo uploads the video at path together with a still frame for its
// thumbnail and waits until the platform finished processing it.
func (u *Uploader) UploadVideo(ctx context.Context, taskID, path string) (VideoHandle, error) {
	if err := u.canceler.Check(taskID); err != nil {
		return VideoHandle{}, err
	}

	videoID, err := u.client.UploadVideo(ctx, u.accountID, path)
	if err != nil {
		return VideoHandle{}, &Error{Path: path, Stage: "video", Err: err}
	}
	u.log.Info("video uploaded",
		zap.String("task_id", taskID), zap.String("file", filepath.Base(path)), zap.String("video_id", videoID))

	if err := u.canceler.Check(taskID); err != nil {
		return VideoHandle{}, err
	}

	hash, err := u.uploadThumbnail(ctx, taskID, path)
	if err != nil {
		return VideoHandle{}, err
	}

	if err := u.waitReady(ctx, taskID, path, videoID); err != nil {
		return VideoHandle{}, err
	}
	return VideoHandle{VideoID: videoID, ThumbnailHash: hash}, nil
}

func (u *Uploader) uploadThumbnail(ctx context.Context, taskID, path string) (string, error) {
	dir, err := os.MkdirTemp(u.tempDir, "thumb-")
	if err != nil {
		return "", &Error{Path: path, Stage: "thumbnail", Err: err}
	}
	defer os.RemoveAll(dir)

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	thumb := filepath.Join(dir, base+"_thumbnail.jpg")
	if err := u.extractor.ExtractFrame(ctx, taskID, path, thumb); err != nil {
		if errors.Is(err, task.ErrCanceled) {
			return "", err
		}
		return "", &Error{Path: path, Stage: "thumbnail", Err: err}
	}

	hash, err := u.client.UploadImage(ctx, u.accountID, thumb)
	if err != nil {
		return "", &Error{Path: path, Stage: "thumbnail", Err: err}
	}
	return hash, nil
}

// waitReady polls the processing status of videoID with a growing interval
// until it is ready, fails, or the timeout elapses.
func (u *Uploader) waitReady(ctx context.Context, taskID, path, videoID string) error {
	start := u.clock.Now()
	interval := u.poll.Initial

	for {
		if err := u.canceler.Check(taskID); err != nil {
			return err
		}

		status, err := u.client.GetVideoStatus(ctx, videoID)
		switch {
		case err != nil:
			u.log.Warn("video status check failed",
				zap.String("task_id", taskID), zap.String("video_id", videoID), zap.Error(err))
		case status == graph.VideoReady || status == "success":
			return nil
		case status == graph.VideoProcessing || status == graph.VideoUploading || status == "in_progress" || status == "":
			u.log.Debug("video still processing",
				zap.String("video_id", videoID), zap.String("status", string(status)))
		default:
			return &Error{Path: path, Stage: "processing", Err: fmt.Errorf("video %s failed with status %q", videoID, status)}
		}

		elapsed := u.clock.Now().Sub(start)
		if elapsed >= u.poll.Timeout {
			return &Error{Path: path, Stage: "processing",
				Err: fmt.Errorf("%w after %s", ErrProcessingTimeout, u.poll.Timeout)}
		}
		wait := interval
		if left := u.poll.Timeout - elapsed; wait > left {
			wait = left
		}

		select {
		case <-u.clock.After(wait):
		case <-u.canceler.Done(taskID):
			return task.ErrCanceled
		case <-ctx.Done():
			return &Error{Path: path, Stage: "processing", Err: ctx.Err()}
		}

		interval += u.poll.Step
		if interval > u.poll.Max {
			interval = u.poll.Max
		}
	}
}
