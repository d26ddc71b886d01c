package services

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ErrExternalTool wraps failures of the ffmpeg binary.
var ErrExternalTool = errors.New("external tool failed")

type FFmpegService struct {
	binary string
}

func NewFFmpegService(binary string) *FFmpegService {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegService{binary: binary}
}

// WriteConcatManifest writes an ffmpeg concat-demuxer list, one file per
// line, in the given order.
func WriteConcatManifest(manifestPath string, files []string) error {
	if len(files) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}

	f, err := os.Create(manifestPath)
	if err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, path := range files {
		fmt.Fprintf(w, "file '%s'\n", escapeConcatPath(path))
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write concat list: %w", err)
	}
	return f.Close()
}

// escapeConcatPath quotes a path for the concat demuxer: a single quote
// becomes '\'' (close, escaped quote, reopen).
func escapeConcatPath(path string) string {
	return strings.ReplaceAll(path, "'", `'\''`)
}

// ConcatArgs builds the concat invocation. Stream copy by default; reencode
// normalizes clips whose codecs or parameters differ.
func ConcatArgs(manifestPath, outputPath string, reencode bool) []string {
	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", manifestPath,
	}
	if reencode {
		args = append(args,
			"-c:v", "libx264",
			"-pix_fmt", "yuv420p",
			"-c:a", "aac",
		)
	} else {
		args = append(args, "-c", "copy")
	}
	return append(args, "-y", outputPath)
}

// MuxArgs builds the mux invocation: video copied, audio re-encoded to AAC,
// output trimmed to the shorter input.
func MuxArgs(videoPath, audioPath, outputPath string) []string {
	return []string{
		"-i", videoPath, // Input 0: concatenated scenes
		"-i", audioPath, // Input 1: soundtrack
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "192k",
		"-shortest",
		"-y",
		outputPath,
	}
}

// Concat joins the clips listed in manifestPath. If stream copy fails the
// clips are re-encoded once before giving up.
func (s *FFmpegService) Concat(ctx context.Context, manifestPath, outputPath string) error {
	err := s.run(ctx, "concat", ConcatArgs(manifestPath, outputPath, false))
	if err == nil {
		return nil
	}

	log.Warnf("[FFmpeg] Stream-copy concat failed, re-encoding: %v", err)
	return s.run(ctx, "concat (re-encode)", ConcatArgs(manifestPath, outputPath, true))
}

func (s *FFmpegService) Mux(ctx context.Context, videoPath, audioPath, outputPath string) error {
	return s.run(ctx, "mux", MuxArgs(videoPath, audioPath, outputPath))
}

func (s *FFmpegService) run(ctx context.Context, step string, args []string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.binary, append([]string{"-hide_banner", "-loglevel", "error"}, args...)...)
	cmd.Stderr = &stderr

	log.Debugf("[FFmpeg] %s: %s %s", step, s.binary, strings.Join(args, " "))

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: ffmpeg %s: %v: %s", ErrExternalTool, step, err, tail(stderr.String(), 500))
	}
	return nil
}

// tail keeps the last maxLen characters, where ffmpeg puts the actual error.
func tail(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}
