package sampling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/zombor/receipt-reel/internal/command"
)

// ProbeResult is the subset of ffprobe output the sampler needs
type ProbeResult struct {
	Streams []ProbeStream `json:"streams"`
	Format  ProbeFormat   `json:"format"`
}

// ProbeStream describes a single stream in the container
type ProbeStream struct {
	Index     int    `json:"index"`
	CodecType string `json:"codec_type"`
	Duration  string `json:"duration"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// ProbeFormat captures container-level metadata
type ProbeFormat struct {
	Duration   string `json:"duration"`
	FormatName string `json:"format_name"`
}

// Duration returns the container duration, falling back to the longest video stream
func (r ProbeResult) Duration() time.Duration {
	secs := parseSeconds(r.Format.Duration)
	if secs <= 0 {
		for _, s := range r.Streams {
			if strings.EqualFold(s.CodecType, "video") {
				secs = math.Max(secs, parseSeconds(s.Duration))
			}
		}
	}
	return time.Duration(math.Round(secs*1000)) * time.Millisecond
}

// HasVideo reports whether a video stream exists
func (r ProbeResult) HasVideo() bool {
	for _, s := range r.Streams {
		if strings.EqualFold(s.CodecType, "video") {
			return true
		}
	}
	return false
}

func parseSeconds(value string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(v) || v < 0 {
		return 0
	}
	return v
}

// FFmpegSource opens video files with ffprobe and grabs frames with ffmpeg
type FFmpegSource struct {
	FFmpeg  string
	FFprobe string
	Runner  command.Runner
}

// NewFFmpegSource creates an FFmpegSource using the given binaries
func NewFFmpegSource(ffmpeg, ffprobe string) *FFmpegSource {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	return &FFmpegSource{FFmpeg: ffmpeg, FFprobe: ffprobe, Runner: command.ExecRunner{}}
}

// Probe runs ffprobe against path and decodes the JSON response
func (f *FFmpegSource) Probe(ctx context.Context, path string) (ProbeResult, error) {
	out, errb, err := f.Runner.Run(ctx, f.FFprobe, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("ffprobe: %w: %s", err, strings.TrimSpace(string(errb)))
	}
	var result ProbeResult
	if err := json.Unmarshal(out, &result); err != nil {
		return ProbeResult{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	return result, nil
}

// Open implements Source
func (f *FFmpegSource) Open(ctx context.Context, ref string) (Stream, error) {
	probe, err := f.Probe(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnreadable, err)
	}
	if !probe.HasVideo() {
		return nil, fmt.Errorf("%w: %s has no video stream", ErrSourceUnreadable, ref)
	}
	d := probe.Duration()
	if d <= 0 {
		return nil, fmt.Errorf("%w: %s has no duration", ErrSourceUnreadable, ref)
	}
	return &ffmpegStream{source: f, path: ref, duration: d}, nil
}

type ffmpegStream struct {
	source   *FFmpegSource
	path     string
	duration time.Duration
}

func (s *ffmpegStream) Duration() time.Duration {
	return s.duration
}

// Seek decodes the single frame at offsetMs as PNG on stdout. The input
// seek (-ss before -i) lands on the requested timestamp, not a keyframe.
func (s *ffmpegStream) Seek(ctx context.Context, offsetMs int64) ([]byte, error) {
	ts := strconv.FormatFloat(float64(offsetMs)/1000, 'f', 3, 64)
	out, errb, err := s.source.Runner.Run(ctx, s.source.FFmpeg,
		"-v", "error", "-ss", ts, "-i", s.path,
		"-frames:v", "1", "-f", "image2pipe", "-vcodec", "png", "-")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg at %ss: %w: %s", ts, err, strings.TrimSpace(string(errb)))
	}
	if len(out) == 0 {
		return nil, errors.New("ffmpeg produced no frame")
	}
	return out, nil
}

func (s *ffmpegStream) Close() error {
	return nil
}
