package transcoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/media-pipeline/internal/metrics"
	"github.com/amillerrr/media-pipeline/pkg/models"
)

var tracer = otel.Tracer("media-transcoder")

// FFmpegConfig holds configuration for FFmpeg execution.
type FFmpegConfig struct {
	FFmpegPath  string
	FFprobePath string
	Logger      *slog.Logger
}

// FFmpeg is the encoding engine backed by the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	config *FFmpegConfig
}

// NewFFmpeg creates a new FFmpeg engine with the given configuration.
func NewFFmpeg(config *FFmpegConfig) *FFmpeg {
	if config.FFmpegPath == "" {
		config.FFmpegPath = "ffmpeg"
	}
	if config.FFprobePath == "" {
		config.FFprobePath = "ffprobe"
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &FFmpeg{config: config}
}

// Probe measures duration, resolution, frame rate, bit rate and codec of a
// media file. Any failure is reported as ErrUnreadableMedia.
func (f *FFmpeg) Probe(ctx context.Context, inputPath string) (*models.MediaInfo, error) {
	ctx, span := tracer.Start(ctx, "ffprobe")
	defer span.End()

	start := time.Now()
	defer func() { metrics.ProbeDuration.Observe(time.Since(start).Seconds()) }()

	cmd := exec.CommandContext(ctx, f.config.FFprobePath, probeArgs(inputPath)...)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: probe timed out: %v", models.ErrUnreadableMedia, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", models.ErrUnreadableMedia, err)
	}

	info, err := parseProbeOutput(output)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Float64("media.duration", info.DurationSeconds),
		attribute.String("media.resolution", info.Resolution()),
		attribute.String("media.codec", info.Codec),
	)

	return info, nil
}

// Transcode encodes inputPath to a single-file MP4 rendition at the given
// profile and reports the measured properties of the result.
func (f *FFmpeg) Transcode(ctx context.Context, inputPath string, profile models.QualityProfile, outputPath string) (*models.EncodedOutput, error) {
	ctx, span := tracer.Start(ctx, "transcode-rendition")
	defer span.End()
	span.SetAttributes(attribute.String("quality", profile.Label))

	metrics.ActiveEncodes.Inc()
	defer metrics.ActiveEncodes.Dec()

	if err := f.runFFmpeg(ctx, buildTranscodeArgs(inputPath, profile, outputPath)); err != nil {
		_ = os.Remove(outputPath)
		return nil, fmt.Errorf("%w: %s: %w", models.ErrEncodingFailed, profile.Label, err)
	}

	stat, err := os.Stat(outputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: output missing: %v", models.ErrEncodingFailed, profile.Label, err)
	}

	out := &models.EncodedOutput{
		Path:          outputPath,
		FileSizeBytes: stat.Size(),
		BitRateKbps:   profile.VideoBitrateKbps + profile.AudioBitrateKbps,
		Resolution:    profile.Resolution(),
	}

	// Prefer measured values; the profile targets stand in when probing the output fails.
	if info, err := f.Probe(ctx, outputPath); err == nil {
		if info.BitRateKbps > 0 {
			out.BitRateKbps = info.BitRateKbps
		}
		if info.Width > 0 && info.Height > 0 {
			out.Resolution = info.Resolution()
		}
	} else {
		f.config.Logger.WarnContext(ctx, "Failed to probe encoded output", "quality", profile.Label, "error", err)
	}

	return out, nil
}

// ExtractFrame writes a single JPEG frame taken at offsetSeconds into the input.
func (f *FFmpeg) ExtractFrame(ctx context.Context, inputPath string, offsetSeconds float64, outputPath string) error {
	ctx, span := tracer.Start(ctx, "extract-frame")
	defer span.End()
	span.SetAttributes(attribute.Float64("offset", offsetSeconds))

	if err := f.runFFmpeg(ctx, buildFrameArgs(inputPath, offsetSeconds, outputPath)); err != nil {
		return fmt.Errorf("%w: %w", models.ErrThumbnailFailed, err)
	}

	stat, err := os.Stat(outputPath)
	if err != nil || stat.Size() == 0 {
		return fmt.Errorf("%w: no frame at %.2fs", models.ErrThumbnailFailed, offsetSeconds)
	}

	return nil
}

// runFFmpeg executes ffmpeg with args, streaming its output to the logger.
func (f *FFmpeg) runFFmpeg(ctx context.Context, args []string) error {
	ctx, span := tracer.Start(ctx, "ffmpeg-execute")
	defer span.End()

	cmd := exec.CommandContext(ctx, f.config.FFmpegPath, args...)

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// Monitor stderr for progress and errors
	go func() {
		defer wg.Done()
		f.monitorOutput(ctx, stderrPipe)
	}()

	// Drain stdout
	go func() {
		defer wg.Done()
		_, _ = io.Copy(io.Discard, stdoutPipe)
	}()

	wg.Wait()
	cmdErr := cmd.Wait()

	if cmdErr != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", models.ErrFFmpegFailed, ctx.Err())
		}
		return fmt.Errorf("%w: %v", models.ErrFFmpegFailed, cmdErr)
	}

	return nil
}

// monitorOutput reads and logs FFmpeg output.
func (f *FFmpeg) monitorOutput(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if ctx.Err() != nil {
			continue
		}
		if strings.Contains(line, "frame=") || strings.Contains(line, "time=") {
			f.config.Logger.Debug("FFmpeg progress", "output", line)
		} else if strings.Contains(line, "error") || strings.Contains(line, "Error") {
			f.config.Logger.Warn("FFmpeg warning", "output", line)
		}
	}
	if err := scanner.Err(); err != nil {
		f.config.Logger.Warn("FFmpeg output scanner error", "error", err)
	}
}

func probeArgs(inputPath string) []string {
	return []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		inputPath,
	}
}

// buildTranscodeArgs constructs the FFmpeg arguments for one rendition.
func buildTranscodeArgs(inputPath string, p models.QualityProfile, outputPath string) []string {
	return []string{
		"-y",
		"-i", inputPath,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-vf", ScaleFilter(p),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-profile:v", "main",
		"-b:v", kbps(p.VideoBitrateKbps),
		"-maxrate", kbps(p.MaxRateKbps),
		"-bufsize", kbps(p.BufSizeKbps),
		"-c:a", "aac",
		"-b:a", kbps(p.AudioBitrateKbps),
		"-movflags", "+faststart",
		outputPath,
	}
}

// buildFrameArgs constructs the FFmpeg arguments for a single-frame grab.
func buildFrameArgs(inputPath string, offsetSeconds float64, outputPath string) []string {
	return []string{
		"-y",
		"-ss", strconv.FormatFloat(offsetSeconds, 'f', 3, 64),
		"-i", inputPath,
		"-frames:v", "1",
		"-q:v", "2",
		outputPath,
	}
}

func kbps(v int) string {
	return strconv.Itoa(v) + "k"
}
