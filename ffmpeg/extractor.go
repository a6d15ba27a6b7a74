// Package ffmpeg wraps the external frame extraction tool used to produce
// video thumbnails.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"adlaunch/config"
	"adlaunch/task"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// ThumbnailOffset is where in the video the still frame is taken.
const ThumbnailOffset = "00:00:01.000"

// Tracker records subprocesses so a task cancel can terminate them.
type Tracker interface {
	TrackProcess(taskID string, p task.ProcessHandle) (func(), error)
	Check(taskID string) error
}

type Extractor struct {
	cfg       *config.Config
	bin       string
	extraArgs []string
	tracker   Tracker
	log       *zap.Logger
}

func NewExtractor(cfg *config.Config, tracker Tracker, logger *zap.Logger) (*Extractor, error) {
	bin, err := exec.LookPath(cfg.FFBin)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
	}

	extra, err := SplitCommand(cfg.FFThumbArgs)
	if err != nil {
		return nil, fmt.Errorf("FF_THUMB_ARGS: %w", err)
	}
	if err := SanitizeAndValidateArgs(extra); err != nil {
		return nil, fmt.Errorf("FF_THUMB_ARGS: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		cfg:       cfg,
		bin:       bin,
		extraArgs: extra,
		tracker:   tracker,
		log:       logger.Named("ffmpeg"),
	}, nil
}

// ExtractFrame writes a single still taken one second into videoPath to
// outPath. A cancel of taskID kills the running process and yields
// task.ErrCanceled.
func (x *Extractor) ExtractFrame(ctx context.Context, taskID, videoPath, outPath string) error {
	if err := x.tracker.Check(taskID); err != nil {
		return err
	}
	if err := x.checkResources(filepath.Dir(outPath)); err != nil {
		return fmt.Errorf("insufficient system resources: %w", err)
	}

	if x.cfg.FFTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.cfg.FFTimeout)
		defer cancel()
	}

	args := []string{"-y", "-ss", ThumbnailOffset, "-i", videoPath, "-frames:v", "1"}
	args = append(args, x.extraArgs...)
	args = append(args, outPath)

	cmd := exec.CommandContext(ctx, x.bin, args...)
	cmd.WaitDelay = 5 * time.Second
	var outputBuf bytes.Buffer
	cmd.Stdout = &outputBuf
	cmd.Stderr = &outputBuf

	x.log.Debug("extracting frame",
		zap.String("task_id", taskID),
		zap.String("video", videoPath),
		zap.Strings("args", args))

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	untrack, trackErr := x.tracker.TrackProcess(taskID, task.NewOSProcess(cmd.Process.Pid))
	err := cmd.Wait()
	untrack()

	if trackErr != nil || errors.Is(x.tracker.Check(taskID), task.ErrCanceled) {
		os.Remove(outPath)
		return task.ErrCanceled
	}
	if err != nil {
		os.Remove(outPath)
		return fmt.Errorf("ffmpeg execution failed: %w: %s", err, tail(outputBuf.String(), 512))
	}

	info, err := os.Stat(outPath)
	if err != nil || info.Size() == 0 {
		os.Remove(outPath)
		return fmt.Errorf("ffmpeg produced no frame for %s: %s", filepath.Base(videoPath), tail(outputBuf.String(), 512))
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// checkResources verifies that the host has enough headroom to start a new
// process. A zero threshold disables that check.
func (x *Extractor) checkResources(dir string) error {
	if x.cfg.ThrottleCPU > 0 {
		p, err := cpu.Percent(0, false)
		if err != nil {
			x.log.Warn("could not get CPU usage", zap.Error(err))
		} else if len(p) > 0 && p[0] > (100.0-x.cfg.ThrottleCPU) {
			return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], x.cfg.ThrottleCPU)
		}
	}

	if x.cfg.ThrottleFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			x.log.Warn("could not get memory usage", zap.Error(err))
		} else if vm.Available < uint64(x.cfg.ThrottleFreeMem) {
			return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, x.cfg.ThrottleFreeMem)
		}
	}

	if x.cfg.ThrottleFreeDisk > 0 {
		d, err := disk.Usage(dir)
		if err != nil {
			x.log.Warn("could not get disk usage", zap.String("dir", dir), zap.Error(err))
		} else if d.Free < uint64(x.cfg.ThrottleFreeDisk) {
			return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, x.cfg.ThrottleFreeDisk)
		}
	}
	return nil
}
