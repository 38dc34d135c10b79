package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/psantana5/clip-prefetch/pkg/models"
)

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// StreamInfo describes the video stream of a movie clip
type StreamInfo struct {
	FPS    float64
	Frames int // 0 when the container does not say
	Width  int
	Height int
}

// FFmpeg opens movie clips through the ffmpeg and ffprobe binaries
type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string

	run runFunc
}

// NewFFmpeg creates a movie opener. Empty paths resolve from $PATH.
func NewFFmpeg(ffmpegPath, ffprobePath string) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{
		FFmpegPath:  ffmpegPath,
		FFprobePath: ffprobePath,
		run:         runCommand,
	}
}

// Open probes the clip and returns a decoder private to the caller
func (f *FFmpeg) Open(clip *models.Clip) (MovieDecoder, error) {
	if clip.Source != models.SourceMovie {
		return nil, ErrNotMovie
	}

	info, err := f.Probe(context.Background(), clip.Path)
	if err != nil {
		return nil, err
	}

	local := *clip
	return &movieDecoder{
		clip:   &local,
		info:   info,
		ffmpeg: f.FFmpegPath,
		run:    f.run,
	}, nil
}

type probeOutput struct {
	Streams []struct {
		RFrameRate string `json:"r_frame_rate"`
		NbFrames   string `json:"nb_frames"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
	} `json:"streams"`
}

// Probe reads frame rate, frame count and size of the first video stream
func (f *FFmpeg) Probe(ctx context.Context, path string) (StreamInfo, error) {
	out, err := f.run(ctx, f.FFprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=r_frame_rate,nb_frames,width,height",
		"-of", "json",
		path)
	if err != nil {
		return StreamInfo{}, fmt.Errorf("probe %s: %w", path, err)
	}

	var parsed probeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return StreamInfo{}, fmt.Errorf("parse probe output: %w", err)
	}
	if len(parsed.Streams) == 0 {
		return StreamInfo{}, fmt.Errorf("probe %s: no video stream", path)
	}

	s := parsed.Streams[0]
	fps, err := parseFrameRate(s.RFrameRate)
	if err != nil {
		return StreamInfo{}, err
	}
	frames, _ := strconv.Atoi(s.NbFrames)

	return StreamInfo{FPS: fps, Frames: frames, Width: s.Width, Height: s.Height}, nil
}

func parseFrameRate(s string) (float64, error) {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q: %w", s, err)
	}
	d := 1.0
	if found {
		d, err = strconv.ParseFloat(den, 64)
		if err != nil || d == 0 {
			return 0, fmt.Errorf("invalid frame rate %q", s)
		}
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid frame rate %q", s)
	}
	return n / d, nil
}

// movieDecoder seeks and decodes single frames, one ffmpeg run per frame
type movieDecoder struct {
	clip   *models.Clip
	info   StreamInfo
	ffmpeg string
	run    runFunc
	busy   atomic.Bool
	closed atomic.Bool
}

func (d *movieDecoder) DecodeAt(ctx context.Context, key models.VariantKey) (*models.FrameBuffer, error) {
	if !d.busy.CompareAndSwap(false, true) {
		return nil, ErrDecoderBusy
	}
	defer d.busy.Store(false)

	if d.closed.Load() {
		return nil, ErrDecoderClosed
	}

	clipFrame := key.Frame - d.clip.StartFrame
	if clipFrame < 0 || (d.info.Frames > 0 && clipFrame >= d.info.Frames) {
		return nil, fmt.Errorf("%w: frame %d", ErrFrameOutOfRange, key.Frame)
	}

	path, proxied := d.clip.Path, false
	if d.clip.UsesProxyFor(key.Size) {
		proxy := MovieProxyPath(d.clip, key.Size, key.Flag)
		if !key.Flag.Has(models.RenderFallback) || fileExists(proxy) {
			path, proxied = proxy, true
		}
	}

	args := []string{
		"-v", "error",
		"-ss", strconv.FormatFloat(float64(clipFrame)/d.info.FPS, 'f', 6, 64),
		"-i", path,
		"-frames:v", "1",
	}
	if scale := key.Size.Scale(); scale != 1 && !proxied {
		args = append(args, "-vf", fmt.Sprintf("scale=iw*%g:ih*%g", scale, scale))
	}
	args = append(args, "-f", "image2pipe", "-c:v", "png", "-")

	out, err := d.run(ctx, d.ffmpeg, args...)
	if err != nil {
		return nil, fmt.Errorf("decode frame %d: %w", key.Frame, err)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("decode frame %d: %w", key.Frame, err)
	}

	return &models.FrameBuffer{
		Image:      img,
		Colorspace: ColorspaceHint(d.clip, key.Size),
		Metadata:   map[string]string{"source": "movie"},
	}, nil
}

func (d *movieDecoder) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return ErrDecoderClosed
	}
	return nil
}
