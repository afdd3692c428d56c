package services

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	xlog "github.com/bobarin/beatsync/internal/log"
	"github.com/bobarin/beatsync/internal/models"
)

// DecodeSampleRate is the rate audio is resampled to before beat detection.
const DecodeSampleRate = 22050

// stderrTail bounds how much ffmpeg output is kept for error messages.
const stderrTail = 2048

// VideoInfo is what ffprobe tells us about a source clip.
type VideoInfo struct {
	DurationSeconds float64
	Width           int
	Height          int
	FPS             float64
}

// SegmentJob renders one plan segment to an intermediate file.
type SegmentJob struct {
	SourcePath         string
	StartSeconds       float64
	DurationSeconds    float64
	Width              int
	Height             int
	FPS                int
	Transition         models.TransitionStyle
	TransitionDuration float64
	OutputPath         string
}

// MuxJob joins the concatenated video with the audio track.
type MuxJob struct {
	VideoPath       string
	AudioPath       string
	OutputPath      string
	Format          string
	DurationSeconds float64
	IncludeAudio    bool
	FadeInSeconds   float64
	FadeOutSeconds  float64
}

// MediaTool is the media toolchain the pipeline depends on.
type MediaTool interface {
	ProbeVideo(ctx context.Context, path string) (*VideoInfo, error)
	DecodeAudio(ctx context.Context, path string) (*models.AudioTrack, error)
	RenderSegment(ctx context.Context, job SegmentJob) error
	Concat(ctx context.Context, segmentPaths []string, outputPath string) error
	MuxAudio(ctx context.Context, job MuxJob) error
}

// ---------------------------------------------------------------------------
// FFmpegService
// ---------------------------------------------------------------------------

type FFmpegService struct {
	ffmpegPath  string
	ffprobePath string
	logger      zerolog.Logger
}

func NewFFmpegService(ffmpegPath, ffprobePath string) *FFmpegService {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpegService{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		logger:      xlog.WithComponent("ffmpeg"),
	}
}

// run executes the binary and returns stdout. On failure the tail of
// stderr is folded into the error; a cancelled ctx wins over exit errors.
func (s *FFmpegService) run(ctx context.Context, bin, op string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.logger.Debug().Str("op", op).Strs("args", args).Msg("exec")

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := stderr.String()
		if len(msg) > stderrTail {
			msg = msg[len(msg)-stderrTail:]
		}
		return nil, fmt.Errorf("%s %s failed: %w: %s", filepath.Base(bin), op, err, strings.TrimSpace(msg))
	}
	return stdout.Bytes(), nil
}

type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ProbeVideo reads duration, resolution, and frame rate of the first
// video stream.
func (s *FFmpegService) ProbeVideo(ctx context.Context, path string) (*VideoInfo, error) {
	out, err := s.run(ctx, s.ffprobePath, "probe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate,duration:format=duration",
		"-of", "json",
		path,
	)
	if err != nil {
		return nil, err
	}
	return parseProbe(out)
}

func parseProbe(data []byte) (*VideoInfo, error) {
	var probe probeOutput
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if len(probe.Streams) == 0 {
		return nil, fmt.Errorf("no video stream found")
	}

	stream := probe.Streams[0]
	info := &VideoInfo{Width: stream.Width, Height: stream.Height}

	info.FPS = parseFrameRate(stream.AvgFrameRate)
	if info.FPS <= 0 {
		info.FPS = parseFrameRate(stream.RFrameRate)
	}

	for _, raw := range []string{probe.Format.Duration, stream.Duration} {
		if d, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil && d > 0 {
			info.DurationSeconds = d
			break
		}
	}
	if info.DurationSeconds <= 0 {
		return nil, fmt.Errorf("video has no duration")
	}
	if info.Width <= 0 || info.Height <= 0 {
		return nil, fmt.Errorf("video has no resolution")
	}
	return info, nil
}

// parseFrameRate handles ffprobe's "30000/1001" rationals.
func parseFrameRate(raw string) float64 {
	num, den, found := strings.Cut(strings.TrimSpace(raw), "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// DecodeAudio decodes any ffmpeg-readable file to mono PCM at
// DecodeSampleRate.
func (s *FFmpegService) DecodeAudio(ctx context.Context, path string) (*models.AudioTrack, error) {
	out, err := s.run(ctx, s.ffmpegPath, "decode",
		"-v", "error",
		"-i", path,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(DecodeSampleRate),
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-",
	)
	if err != nil {
		return nil, err
	}
	if len(out) < 2 {
		return nil, fmt.Errorf("decoded audio is empty")
	}
	return models.NewAudioTrack(decodePCM16(out), DecodeSampleRate), nil
}

// decodePCM16 converts little-endian signed 16-bit samples to [-1, 1].
func decodePCM16(data []byte) []float64 {
	samples := make([]float64, len(data)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(data[2*i:]))
		samples[i] = float64(v) / 32768.0
	}
	return samples
}

// RenderSegment trims, scales and pads one source range to the output
// format and applies the incoming transition. Audio is dropped; the
// soundtrack is muxed once at the end.
func (s *FFmpegService) RenderSegment(ctx context.Context, job SegmentJob) error {
	args := []string{
		"-v", "error",
		"-ss", formatSeconds(job.StartSeconds),
		"-t", formatSeconds(job.DurationSeconds),
		"-i", job.SourcePath,
		"-filter_complex", segmentFilter(job),
		"-map", "[v]",
		"-an",
		"-r", strconv.Itoa(job.FPS),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-t", formatSeconds(job.DurationSeconds),
		"-y",
		job.OutputPath,
	}
	_, err := s.run(ctx, s.ffmpegPath, "render segment", args...)
	return err
}

// segmentFilter builds the filter graph for one segment: normalise to the
// output canvas, then the transition on the first TransitionDuration
// seconds. The graph reads [0:v] and writes [v].
//
// Pipeline: source → scale (fit) → pad (letterbox) → fps → transition → [v]
func segmentFilter(job SegmentJob) string {
	w, h, fps := job.Width, job.Height, job.FPS
	base := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black,setsar=1,fps=%d",
		w, h, w, h, fps,
	)

	d := job.TransitionDuration
	if job.Transition == models.TransitionCut || d <= 0 {
		return "[0:v]" + base + "[v]"
	}
	ds := formatSeconds(d)

	switch job.Transition {
	case models.TransitionFade:
		return fmt.Sprintf("[0:v]%s,fade=t=in:st=0:d=%s[v]", base, ds)

	case models.TransitionFlash:
		return fmt.Sprintf("[0:v]%s,fade=t=in:st=0:d=%s:color=white[v]", base, ds)

	case models.TransitionZoom:
		// Punch in to 1.3x and settle back to 1.0 over the transition frames.
		frames := int(d*float64(fps) + 0.5)
		if frames < 1 {
			frames = 1
		}
		return fmt.Sprintf(
			"[0:v]%s,zoompan=z='if(lt(on,%d),1.3-0.3*on/%d,1)':x='iw/2-(iw/zoom/2)':y='ih/2-(ih/zoom/2)':d=1:s=%dx%d:fps=%d[v]",
			base, frames, frames, w, h, fps,
		)

	case models.TransitionGlitch:
		return fmt.Sprintf(
			"[0:v]%s,noise=alls=40:allf=t:enable='lt(t,%s)',rgbashift=rh=8:bh=-8:enable='lt(t,%s)'[v]",
			base, ds, ds,
		)

	case models.TransitionSlide:
		// Incoming clip enters from the right edge over a black canvas.
		return fmt.Sprintf(
			"color=c=black:s=%dx%d:r=%d:d=%s[bg];[0:v]%s[fg];[bg][fg]overlay=x='if(lt(t,%s),W-W*t/%s,0)':y=0:shortest=1[v]",
			w, h, fps, formatSeconds(job.DurationSeconds), base, ds, ds,
		)
	}
	return "[0:v]" + base + "[v]"
}

// Concat joins segments with the concat demuxer without re-encoding.
func (s *FFmpegService) Concat(ctx context.Context, segmentPaths []string, outputPath string) error {
	if len(segmentPaths) == 0 {
		return fmt.Errorf("no segments to concatenate")
	}

	listPath := outputPath + ".txt"
	if err := os.WriteFile(listPath, []byte(concatList(segmentPaths)), 0o644); err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}
	defer os.Remove(listPath)

	_, err := s.run(ctx, s.ffmpegPath, "concat",
		"-v", "error",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y",
		outputPath,
	)
	return err
}

// concatList renders the demuxer list, escaping single quotes in paths.
func concatList(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(p, "'", `'\''`))
	}
	return b.String()
}

// MuxAudio writes the final container: the video stream, the soundtrack
// faded and trimmed to the plan length (or no audio at all).
func (s *FFmpegService) MuxAudio(ctx context.Context, job MuxJob) error {
	_, err := s.run(ctx, s.ffmpegPath, "mux", muxArgs(job)...)
	return err
}

func muxArgs(job MuxJob) []string {
	args := []string{"-v", "error", "-i", job.VideoPath}
	if job.IncludeAudio {
		args = append(args, "-i", job.AudioPath, "-map", "0:v:0", "-map", "1:a:0")
		if af := audioFadeFilter(job); af != "" {
			args = append(args, "-af", af)
		}
	} else {
		args = append(args, "-map", "0:v:0", "-an")
	}

	switch job.Format {
	case "webm":
		// WebM cannot carry the H.264 intermediates.
		args = append(args, "-c:v", "libvpx-vp9", "-b:v", "0", "-crf", "32")
		if job.IncludeAudio {
			args = append(args, "-c:a", "libopus", "-b:a", "160k")
		}
	default:
		args = append(args, "-c:v", "copy")
		if job.IncludeAudio {
			args = append(args, "-c:a", "aac", "-b:a", "192k")
		}
		args = append(args, "-movflags", "+faststart")
	}

	args = append(args, "-t", formatSeconds(job.DurationSeconds), "-y", job.OutputPath)
	return args
}

func audioFadeFilter(job MuxJob) string {
	var filters []string
	if job.FadeInSeconds > 0 {
		filters = append(filters, fmt.Sprintf("afade=t=in:st=0:d=%s", formatSeconds(job.FadeInSeconds)))
	}
	if job.FadeOutSeconds > 0 && job.DurationSeconds > 0 {
		fade := job.FadeOutSeconds
		if fade > job.DurationSeconds {
			fade = job.DurationSeconds
		}
		filters = append(filters, fmt.Sprintf("afade=t=out:st=%s:d=%s",
			formatSeconds(job.DurationSeconds-fade), formatSeconds(fade)))
	}
	return strings.Join(filters, ",")
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
