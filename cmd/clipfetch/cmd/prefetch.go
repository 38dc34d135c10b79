package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/clip-prefetch/pkg/models"
	"github.com/psantana5/clip-prefetch/pkg/prefetch"
)

var (
	clipID       string
	clipSource   string
	clipStart    int
	clipLength   int
	sceneStart   int
	sceneEnd     int
	currentFrame int
	renderSize   string
	undistorted  bool
	fallback     bool
	useProxy     bool
	proxyDir     string
	colorspace   string
	printMetrics bool
	showProgress bool
)

var movieExtensions = map[string]bool{
	".mov": true, ".mp4": true, ".mkv": true, ".avi": true, ".mxf": true, ".webm": true,
}

// prefetchCmd runs one prefetch job in the foreground
var prefetchCmd = &cobra.Command{
	Use:   "prefetch <path>",
	Short: "Prefetch the frames of a clip around a playback frame",
	Long: `Runs one prefetch job locally and prints what it did. For image sequences
<path> is the first file of the sequence, e.g. /shots/plate.0001.tif; for
movies it is the movie file. Ctrl+C cancels the job and keeps the frames
loaded so far.`,
	Args: cobra.ExactArgs(1),
	RunE: runPrefetch,
}

func init() {
	rootCmd.AddCommand(prefetchCmd)

	for _, c := range []*cobra.Command{prefetchCmd, jobsSubmitCmd} {
		f := c.Flags()
		f.StringVar(&clipID, "clip-id", "", "clip identity in the cache (default: the path)")
		f.StringVar(&clipSource, "source", "", "clip source: sequence or movie (default: from the file extension)")
		f.IntVar(&clipStart, "clip-start", 1, "frame number of the first clip frame")
		f.IntVar(&clipLength, "length", 0, "clip length in frames, 0 when unknown")
		f.IntVar(&sceneStart, "scene-start", 1, "first frame of the scene")
		f.IntVar(&sceneEnd, "scene-end", 250, "last frame of the scene")
		f.IntVar(&currentFrame, "frame", 1, "current playback frame")
		f.StringVar(&renderSize, "size", "full", "render size: full, 25, 50, 75 or 100")
		f.BoolVar(&undistorted, "undistorted", false, "prefetch the undistorted rendition")
		f.BoolVar(&useProxy, "use-proxy", false, "read proxy renditions for non-full sizes")
		f.BoolVar(&fallback, "fallback", false, "read the original footage where a proxy is missing")
		f.StringVar(&proxyDir, "proxy-dir", "", "custom proxy directory")
		f.StringVar(&colorspace, "colorspace", "", "colourspace of the clip")
	}

	f := prefetchCmd.Flags()
	f.BoolVar(&printMetrics, "metrics", false, "print Prometheus metrics after the run")
	f.BoolVar(&showProgress, "progress", true, "print progress while running")
}

func buildClip(path string) (*models.Clip, error) {
	kind := models.SourceKind(clipSource)
	if kind == "" {
		kind = models.SourceSequence
		if movieExtensions[strings.ToLower(filepath.Ext(path))] {
			kind = models.SourceMovie
		}
	}
	id := clipID
	if id == "" {
		id = path
	}
	clip := &models.Clip{
		ID:         id,
		Name:       filepath.Base(path),
		Source:     kind,
		Path:       path,
		StartFrame: clipStart,
		Length:     clipLength,
		UseProxy:   useProxy,
		ProxyDir:   proxyDir,
		Colorspace: colorspace,
	}
	return clip, clip.Validate()
}

func runPrefetch(cmd *cobra.Command, args []string) error {
	clip, err := buildClip(args[0])
	if err != nil {
		return err
	}
	size, err := models.ParseRenderSize(renderSize)
	if err != nil {
		return err
	}
	var flag models.RenderFlag
	if undistorted {
		flag |= models.RenderUndistorted
	}
	if fallback {
		flag |= models.RenderFallback
	}

	var redraw func(string, float64)
	if showProgress && !IsJSONOutput() {
		redraw = func(owner string, progress float64) {
			fmt.Fprintf(os.Stderr, "\rprefetching %s: %5.1f%%", clip.Name, progress*100)
		}
	}
	rt, err := newRuntime(redraw)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.close(ctx); err != nil {
			logger.Warn("Shutdown incomplete", map[string]interface{}{"error": err.Error()})
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	job, started := rt.scheduler.Start(ctx, prefetch.Request{
		Owner:      "cli",
		Clip:       clip,
		SceneStart: sceneStart,
		SceneEnd:   sceneEnd,
		Frame:      currentFrame,
		Size:       size,
		Flag:       flag,
	})

	if started {
		go func() {
			select {
			case <-ctx.Done():
				job.Cancel()
			case <-job.Done():
			}
		}()
		if err := job.Wait(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		if redraw != nil {
			fmt.Fprintln(os.Stderr)
		}
	}

	if err := printJobSummary(job.Record(), job.Stats()); err != nil {
		return err
	}
	if printMetrics {
		fmt.Println()
		return rt.metrics.WriteText(os.Stdout)
	}
	return nil
}

func printJobSummary(rec *models.JobRecord, stats prefetch.Stats) error {
	if IsJSONOutput() {
		out, err := json.MarshalIndent(struct {
			*models.JobRecord
			Stats prefetch.Stats `json:"stats"`
		}{rec, stats}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(out))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Job", rec.ID)
	table.Append("Clip", rec.ClipID)
	table.Append("Source", string(rec.Source))
	table.Append("Status", string(rec.Status))
	table.Append("Range", fmt.Sprintf("%d..%d from %d", rec.Range.Start, rec.Range.End, rec.Range.Initial))
	table.Append("Rendition", fmt.Sprintf("%s/%d", rec.Variant.Size, rec.Variant.Flag))
	table.Append("Workers", fmt.Sprintf("%d", rec.Workers))
	table.Append("Progress", fmt.Sprintf("%.1f%%", rec.Progress*100))
	table.Append("Decoded", fmt.Sprintf("%d", stats.FramesDecoded))
	table.Append("Inserted", fmt.Sprintf("%d", stats.FramesInserted))
	table.Append("Already cached", fmt.Sprintf("%d", stats.FramesCached))
	table.Append("Failed", fmt.Sprintf("%d", stats.FramesFailed))
	if rec.StopReason != models.StopNone {
		table.Append("Stop reason", string(rec.StopReason))
	}
	if n := len(rec.Transitions); n > 0 && rec.Status == models.JobStatusSkipped {
		table.Append("Skipped", rec.Transitions[n-1].Reason)
	}
	if rec.StartedAt != nil && rec.CompletedAt != nil {
		table.Append("Duration", rec.CompletedAt.Sub(*rec.StartedAt).Round(time.Millisecond).String())
	}
	table.Render()
	return nil
}
