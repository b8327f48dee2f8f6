package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ShiroYasha18/peppo-ai-backend/internal/models"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// FFmpegService: compression stage
// Ensures generated media fits the delivery channel's size and format
// constraints. Already-conforming media passes through untouched after a
// cheap ffprobe check.
// ---------------------------------------------------------------------------

const (
	// Audio budget reserved out of the total bitrate during transcode
	audioBitrateKbps = 64

	// Leave headroom under the byte cap so container overhead doesn't
	// push the result back over the limit
	sizeHeadroom = 0.92

	downloadTimeout = 120 * time.Second
)

// acceptedFormats are the container formats the channel delivers without
// re-encoding. ffprobe reports comma-separated demuxer aliases.
var acceptedFormats = map[string]bool{
	"mp4":  true,
	"mov":  true,
	"m4a":  true,
	"3gp":  true,
	"3g2":  true,
	"mj2":  true,
}

type FFmpegService struct {
	tempDir  string
	maxBytes int64
	client   *http.Client
}

func NewFFmpegService(tempDir string, maxBytes int64) *FFmpegService {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		panic(fmt.Sprintf("failed to create temp dir: %v", err))
	}
	return &FFmpegService{
		tempDir:  tempDir,
		maxBytes: maxBytes,
		client:   &http.Client{Timeout: downloadTimeout},
	}
}

type mediaInfo struct {
	SizeBytes   int64
	DurationSec float64
	FormatName  string
}

// Compress takes a media reference (URL or local path) and returns a local
// file path that satisfies the channel constraints. Download failures are
// transient; probe and transcode failures are deterministic since the
// source bytes won't change on retry.
func (s *FFmpegService) Compress(ctx context.Context, mediaRef string) (string, error) {
	localPath, err := s.fetch(ctx, mediaRef)
	if err != nil {
		return "", err
	}

	info, err := s.probe(ctx, localPath)
	if err != nil {
		return "", models.Deterministic("ffprobe failed for %s: %w", localPath, err)
	}

	if info.SizeBytes <= s.maxBytes && formatAccepted(info.FormatName) {
		log.Printf("[FFmpeg] Media fits constraints (%d bytes, format=%s), passthrough", info.SizeBytes, info.FormatName)
		return localPath, nil
	}

	if info.DurationSec <= 0 {
		return "", models.Deterministic("media has no measurable duration, cannot compute bitrate budget")
	}

	bitrate := targetBitrateKbps(s.maxBytes, info.DurationSec)
	if bitrate < 100 {
		return "", models.Deterministic("media too long to fit %d bytes (would need %dkbps)", s.maxBytes, bitrate)
	}

	outputPath := s.CreateTempFile(fmt.Sprintf("compressed_%s.mp4", uuid.New().String()))
	log.Printf("[FFmpeg] Transcoding %s (%d bytes, format=%s) at %dkbps", localPath, info.SizeBytes, info.FormatName, bitrate)

	if err := s.transcode(ctx, localPath, outputPath, bitrate); err != nil {
		s.Cleanup(outputPath)
		return "", err
	}

	out, err := os.Stat(outputPath)
	if err != nil {
		s.Cleanup(outputPath)
		return "", models.Deterministic("failed to stat transcoded file: %w", err)
	}
	if out.Size() > s.maxBytes {
		s.Cleanup(outputPath)
		return "", models.Deterministic("transcoded file still exceeds limit (%d > %d bytes)", out.Size(), s.maxBytes)
	}

	log.Printf("[FFmpeg] Transcode complete: %d -> %d bytes", info.SizeBytes, out.Size())
	return outputPath, nil
}

// fetch resolves a media reference to a local file, downloading when the
// generation provider handed us a URL.
func (s *FFmpegService) fetch(ctx context.Context, mediaRef string) (string, error) {
	if !strings.HasPrefix(mediaRef, "http://") && !strings.HasPrefix(mediaRef, "https://") {
		if _, err := os.Stat(mediaRef); err != nil {
			return "", models.Deterministic("media file missing: %w", err)
		}
		return mediaRef, nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", mediaRef, nil)
	if err != nil {
		return "", models.Deterministic("failed to create download request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", models.Transient("media download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", models.Transient("media download returned status %d", resp.StatusCode)
		}
		return "", models.Deterministic("media download returned status %d", resp.StatusCode)
	}

	path := s.CreateTempFile(fmt.Sprintf("source_%s.mp4", uuid.New().String()))
	f, err := os.Create(path)
	if err != nil {
		return "", models.Transient("failed to create temp file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		s.Cleanup(path)
		return "", models.Transient("failed to write downloaded media: %w", err)
	}
	return path, nil
}

// probe runs ffprobe and extracts size, duration, and container format.
func (s *FFmpegService) probe(ctx context.Context, path string) (*mediaInfo, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=format_name,duration,size",
		"-of", "json",
		path,
	}

	out, err := exec.CommandContext(ctx, "ffprobe", args...).Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	return parseProbeOutput(out)
}

// parseProbeOutput decodes ffprobe's JSON format section. Split out so
// the parsing is testable without the binary.
func parseProbeOutput(data []byte) (*mediaInfo, error) {
	var parsed struct {
		Format struct {
			FormatName string `json:"format_name"`
			Duration   string `json:"duration"`
			Size       string `json:"size"`
		} `json:"format"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	info := &mediaInfo{FormatName: parsed.Format.FormatName}
	if parsed.Format.Size != "" {
		size, err := strconv.ParseInt(parsed.Format.Size, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad size %q in ffprobe output: %w", parsed.Format.Size, err)
		}
		info.SizeBytes = size
	}
	if parsed.Format.Duration != "" {
		dur, err := strconv.ParseFloat(parsed.Format.Duration, 64)
		if err != nil {
			return nil, fmt.Errorf("bad duration %q in ffprobe output: %w", parsed.Format.Duration, err)
		}
		info.DurationSec = dur
	}
	return info, nil
}

// formatAccepted checks the comma-separated demuxer alias list ffprobe
// reports (e.g. "mov,mp4,m4a,3gp,3g2,mj2").
func formatAccepted(formatName string) bool {
	for _, name := range strings.Split(formatName, ",") {
		if acceptedFormats[strings.TrimSpace(name)] {
			return true
		}
	}
	return false
}

// targetBitrateKbps computes the total bitrate budget that fits maxBytes
// into durationSec, minus the audio reservation.
func targetBitrateKbps(maxBytes int64, durationSec float64) int {
	totalKbps := float64(maxBytes) * 8 * sizeHeadroom / durationSec / 1000
	return int(totalKbps) - audioBitrateKbps
}

func (s *FFmpegService) transcode(ctx context.Context, inputPath, outputPath string, videoBitrateKbps int) error {
	args := []string{
		"-i", inputPath,
		"-c:v", "libx264",
		"-b:v", fmt.Sprintf("%dk", videoBitrateKbps),
		"-maxrate", fmt.Sprintf("%dk", videoBitrateKbps),
		"-bufsize", fmt.Sprintf("%dk", videoBitrateKbps*2),
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", audioBitrateKbps),
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-y",
		outputPath,
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return models.Transient("transcode cancelled: %w", ctx.Err())
		}
		return models.Deterministic("ffmpeg transcode failed: %w", err)
	}
	return nil
}

// CreateTempFile returns a path inside the service temp directory.
func (s *FFmpegService) CreateTempFile(filename string) string {
	return filepath.Join(s.tempDir, filename)
}

// Cleanup removes temp files, ignoring errors for already-gone paths.
func (s *FFmpegService) Cleanup(paths ...string) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("[FFmpeg] Failed to clean up %s: %v", path, err)
		}
	}
}
