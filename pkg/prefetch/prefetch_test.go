package prefetch

import (
	"context"
	"errors"
	"image"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/clip-prefetch/pkg/framecache"
	"github.com/psantana5/clip-prefetch/pkg/jobhost"
	"github.com/psantana5/clip-prefetch/pkg/models"
	"github.com/psantana5/clip-prefetch/pkg/source"
	"github.com/psantana5/clip-prefetch/pkg/store"
)

func frameBuffer(frame int) *models.FrameBuffer {
	return &models.FrameBuffer{
		Image:    image.NewNRGBA(image.Rect(0, 0, 1, 1)),
		Metadata: map[string]string{"frame": strconv.Itoa(frame)},
	}
}

// fakeFrames is a sequence source whose "files" hold their frame number
type fakeFrames struct {
	mu          sync.Mutex
	decodes     map[int]int
	order       []int
	delay       time.Duration
	decodeFails map[int]bool
}

func newFakeFrames() *fakeFrames {
	return &fakeFrames{decodes: make(map[int]int), decodeFails: make(map[int]bool)}
}

func (f *fakeFrames) ResolvePath(clip *models.Clip, key models.VariantKey) (string, error) {
	return strconv.Itoa(key.Frame), nil
}

func (f *fakeFrames) Decode(data []byte, flags source.DecodeFlags, colorspace string) (*models.FrameBuffer, error) {
	frame, err := strconv.Atoi(string(data))
	if err != nil {
		return nil, err
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.decodes[frame]++
	f.order = append(f.order, frame)
	fail := f.decodeFails[frame]
	f.mu.Unlock()

	if fail {
		return nil, errors.New("corrupt frame")
	}
	return frameBuffer(frame), nil
}

func (f *fakeFrames) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

func (f *fakeFrames) counts() map[int]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int]int, len(f.decodes))
	for k, v := range f.decodes {
		out[k] = v
	}
	return out
}

func readFailing(frames ...int) func(string) ([]byte, error) {
	bad := make(map[string]bool)
	for _, f := range frames {
		bad[strconv.Itoa(f)] = true
	}
	return func(path string) ([]byte, error) {
		if bad[path] {
			return nil, source.ErrShortRead
		}
		return []byte(path), nil
	}
}

// fakeMovies opens decoders that record the frames they decode
type fakeMovies struct {
	mu      sync.Mutex
	order   []int
	opened  int
	closed  int
	failAt  map[int]bool
	release chan struct{} // when set, DecodeAt waits on it
}

func (m *fakeMovies) Open(clip *models.Clip) (source.MovieDecoder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
	return &fakeDecoder{m: m}, nil
}

func (m *fakeMovies) decoded() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.order...)
}

type fakeDecoder struct {
	m *fakeMovies
}

func (d *fakeDecoder) DecodeAt(ctx context.Context, key models.VariantKey) (*models.FrameBuffer, error) {
	if d.m.release != nil {
		<-d.m.release
	}
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	d.m.order = append(d.m.order, key.Frame)
	if d.m.failAt[key.Frame] {
		return nil, errors.New("bad packet")
	}
	return frameBuffer(key.Frame), nil
}

func (d *fakeDecoder) Close() error {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	d.m.closed++
	return nil
}

func sequenceClip() *models.Clip {
	return &models.Clip{ID: "seq", Source: models.SourceSequence, Path: "/plates/a.0001.png", StartFrame: 1}
}

func movieClip() *models.Clip {
	return &models.Clip{ID: "mov", Source: models.SourceMovie, Path: "/movies/a.mov", StartFrame: 1}
}

func newTestScheduler(t *testing.T, cfg Config, cache framecache.Cache, frames *fakeFrames, movies *fakeMovies, opts ...Option) *Scheduler {
	t.Helper()
	if cfg.ProgressInterval == 0 {
		cfg.ProgressInterval = 10 * time.Millisecond
	}
	var fs source.FrameSource
	if frames != nil {
		fs = frames
	}
	var mo source.MovieOpener
	if movies != nil {
		mo = movies
	}
	s := NewScheduler(cfg, cache, fs, mo, jobhost.New(nil), opts...)
	s.read = readFailing()
	return s
}

func waitJob(t *testing.T, job *Job) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, job.Wait(ctx))
}

func TestQueueDirectionFlip(t *testing.T) {
	cache := framecache.NewMemory(0, 0)
	progress := &jobhost.Progress{}
	q := NewQueue(cache, "c", models.Range{Start: 0, Initial: 2, End: 4}, models.VariantKey{}, nil, nil, progress)

	var got []int
	var fractions []float64
	for {
		frame, ok := q.Next()
		if !ok {
			break
		}
		got = append(got, frame)
		fractions = append(fractions, progress.Load())
	}

	assert.Equal(t, []int{3, 4, 1, 0}, got)
	assert.Equal(t, []float64{0.25, 0.5, 0.75, 1}, fractions)
	assert.True(t, q.Exhausted())

	_, ok := q.Next()
	assert.False(t, ok, "exhaustion is sticky")
}

func TestQueueSkipsCachedFrames(t *testing.T) {
	cache := framecache.NewMemory(0, 0)
	cache.Put("c", models.VariantKey{Frame: 3}, frameBuffer(3))
	cache.Put("c", models.VariantKey{Frame: 1}, frameBuffer(1))
	// other renditions do not count
	cache.Put("c", models.VariantKey{Frame: 4, Size: models.RenderSizeProxy50}, frameBuffer(4))

	q := NewQueue(cache, "c", models.Range{Start: 0, Initial: 2, End: 4}, models.VariantKey{}, nil, nil, nil)

	var got []int
	for frame, ok := q.Next(); ok; frame, ok = q.Next() {
		got = append(got, frame)
	}
	assert.Equal(t, []int{4, 0}, got)
}

func TestQueueObservesTokens(t *testing.T) {
	cache := framecache.NewMemory(0, 0)
	stop, brk := jobhost.NewToken(), jobhost.NewToken()
	q := NewQueue(cache, "c", models.Range{Start: 0, Initial: 0, End: 10}, models.VariantKey{}, stop, brk, nil)

	frame, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, 1, frame)

	brk.Cancel()
	_, ok = q.Next()
	assert.False(t, ok)
	assert.False(t, q.Exhausted())

	brk.Reset()
	stop.Cancel()
	_, ok = q.Next()
	assert.False(t, ok)
}

func TestQueueSingleFrameRange(t *testing.T) {
	q := NewQueue(framecache.NewMemory(0, 0), "c", models.Range{Start: 7, Initial: 7, End: 7}, models.VariantKey{}, nil, nil, nil)
	_, ok := q.Next()
	assert.False(t, ok)
	assert.True(t, q.Exhausted())
}

func TestQueueConcurrentConsumersNeverShareFrames(t *testing.T) {
	q := NewQueue(framecache.NewMemory(0, 0), "c", models.Range{Start: 0, Initial: 500, End: 1000}, models.VariantKey{}, nil, nil, nil)

	var mu sync.Mutex
	seen := make(map[int]int)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for frame, ok := q.Next(); ok; frame, ok = q.Next() {
				mu.Lock()
				seen[frame]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 1000)
	for frame, n := range seen {
		assert.Equal(t, 1, n, "frame %d handed out twice", frame)
	}
}

func TestRange(t *testing.T) {
	s := newTestScheduler(t, Config{}, framecache.NewMemory(0, 0), newFakeFrames(), nil)
	clip := sequenceClip()

	rng, err := s.Range(Request{Clip: clip, SceneStart: 1, SceneEnd: 100, Frame: 40})
	require.NoError(t, err)
	assert.Equal(t, models.Range{Start: 1, Initial: 40, End: 100}, rng)

	clip.Length = 25
	rng, err = s.Range(Request{Clip: clip, SceneStart: 1, SceneEnd: 100, Frame: 40})
	require.NoError(t, err)
	assert.Equal(t, models.Range{Start: 1, Initial: 25, End: 25}, rng)

	rng, err = s.Range(Request{Clip: clip, SceneStart: 10, SceneEnd: 20, Frame: 2})
	require.NoError(t, err)
	assert.Equal(t, 10, rng.Initial)

	_, err = s.Range(Request{Clip: clip, SceneStart: 20, SceneEnd: 10})
	assert.ErrorIs(t, err, models.ErrInvalidRange)

	_, err = s.Range(Request{})
	assert.ErrorIs(t, err, ErrNoClip)
}

func TestStartWithoutClipIsSkipped(t *testing.T) {
	s := newTestScheduler(t, Config{}, framecache.NewMemory(0, 0), newFakeFrames(), nil)
	assert.True(t, s.EarlyOut(Request{}))

	job, started := s.Start(context.Background(), Request{Owner: "s"})
	assert.False(t, started)
	assert.Equal(t, models.JobStatusSkipped, job.Status())
}

func TestMovieSweepOrderAndIdempotence(t *testing.T) {
	cache := framecache.NewMemory(0, 0)
	movies := &fakeMovies{}
	s := newTestScheduler(t, Config{}, cache, nil, movies)
	req := Request{Owner: "s", Clip: movieClip(), SceneStart: 1, SceneEnd: 10, Frame: 5}

	job, started := s.Start(context.Background(), req)
	require.True(t, started)
	waitJob(t, job)

	assert.Equal(t, []int{5, 6, 7, 8, 9, 10, 4, 3, 2, 1}, movies.decoded())
	assert.Equal(t, 10, cache.Len())
	for frame := 1; frame <= 10; frame++ {
		buf, ok := cache.Get("mov", models.VariantKey{Frame: frame})
		require.True(t, ok, "frame %d missing", frame)
		assert.Equal(t, strconv.Itoa(frame), buf.Metadata["frame"])
	}
	assert.Equal(t, models.JobStatusCompleted, job.Status())
	assert.Equal(t, models.StopExhausted, job.Stats().StopReason)
	assert.Equal(t, 1, movies.closed, "clone released exactly once")

	// a warm cache never starts a second run
	assert.True(t, s.EarlyOut(req))
	again, started := s.Start(context.Background(), req)
	assert.False(t, started)
	assert.Equal(t, models.JobStatusSkipped, again.Status())
	assert.Len(t, movies.decoded(), 10)
	assert.Equal(t, 1, movies.opened)
}

func TestSequenceSweepIsIdempotent(t *testing.T) {
	cache := framecache.NewMemory(0, 0)
	frames := newFakeFrames()
	s := newTestScheduler(t, Config{Workers: 2}, cache, frames, nil)
	req := Request{Owner: "s", Clip: sequenceClip(), SceneStart: 1, SceneEnd: 10, Frame: 1}
	cache.Put("seq", models.VariantKey{Frame: 1}, frameBuffer(1))

	job, started := s.Start(context.Background(), req)
	require.True(t, started)
	waitJob(t, job)
	require.Equal(t, 9, frames.calls())

	_, started = s.Start(context.Background(), req)
	assert.False(t, started)
	assert.Equal(t, 9, frames.calls(), "warm cache decodes nothing")
}

func TestBackpressureStopsMovieSweep(t *testing.T) {
	cache := framecache.NewMemory(0, 3)
	movies := &fakeMovies{}
	s := newTestScheduler(t, Config{}, cache, nil, movies)

	job, started := s.Start(context.Background(), Request{Owner: "s", Clip: movieClip(), SceneStart: 1, SceneEnd: 10, Frame: 1})
	require.True(t, started)
	waitJob(t, job)

	assert.Equal(t, 3, cache.Len())
	assert.Equal(t, []int{1, 2, 3, 4}, movies.decoded(), "nothing decoded after the rejected insert")
	stats := job.Stats()
	assert.EqualValues(t, 3, stats.FramesInserted)
	assert.EqualValues(t, 4, stats.FramesDecoded, "the rejected frame was decoded")
	assert.Equal(t, models.StopCacheFull, stats.StopReason)
	assert.Equal(t, models.JobStatusCompleted, job.Status())

	rec := job.Record()
	assert.Equal(t, stats.FramesDecoded, rec.FramesDecoded)
	assert.Equal(t, models.StopCacheFull, rec.StopReason)
}

func TestBackpressureStopsPool(t *testing.T) {
	cache := framecache.NewMemory(0, 3)
	frames := newFakeFrames()
	s := newTestScheduler(t, Config{Workers: 1}, cache, frames, nil)

	job, started := s.Start(context.Background(), Request{Owner: "s", Clip: sequenceClip(), SceneStart: 1, SceneEnd: 10, Frame: 1})
	require.True(t, started)
	waitJob(t, job)

	assert.Equal(t, 3, cache.Len())
	assert.Equal(t, 4, frames.calls())
	assert.Equal(t, models.StopCacheFull, job.Stats().StopReason)

	many := newFakeFrames()
	cache = framecache.NewMemory(0, 3)
	s = newTestScheduler(t, Config{Workers: 4}, cache, many, nil)
	job, _ = s.Start(context.Background(), Request{Owner: "s", Clip: sequenceClip(), SceneStart: 1, SceneEnd: 10, Frame: 1})
	waitJob(t, job)
	assert.LessOrEqual(t, cache.Len(), 3)
	assert.LessOrEqual(t, job.Stats().FramesInserted, int64(3))
}

func TestConcurrentFanOut(t *testing.T) {
	cache := framecache.NewMemory(0, 0)
	frames := newFakeFrames()
	frames.delay = time.Millisecond
	s := newTestScheduler(t, Config{Workers: 4}, cache, frames, nil)
	// the foreground already decoded the frame on screen
	cache.Put("seq", models.VariantKey{Frame: 1}, frameBuffer(1))

	job, started := s.Start(context.Background(), Request{Owner: "s", Clip: sequenceClip(), SceneStart: 1, SceneEnd: 20, Frame: 1})
	require.True(t, started)
	assert.Equal(t, 4, job.Workers)
	waitJob(t, job)

	counts := frames.counts()
	decoded := make([]int, 0, len(counts))
	for frame, n := range counts {
		assert.Equal(t, 1, n, "frame %d decoded more than once", frame)
		decoded = append(decoded, frame)
	}
	sort.Ints(decoded)
	want := make([]int, 0, 19)
	for f := 2; f <= 20; f++ {
		want = append(want, f)
	}
	assert.Equal(t, want, decoded)
	assert.Equal(t, 20, cache.Len())
	assert.Equal(t, models.StopExhausted, job.Stats().StopReason)
}

func TestCancellationStopsWorkers(t *testing.T) {
	cache := framecache.NewMemory(0, 0)
	frames := newFakeFrames()
	frames.delay = 2 * time.Millisecond
	s := newTestScheduler(t, Config{Workers: 4}, cache, frames, nil)

	job, started := s.Start(context.Background(), Request{Owner: "s", Clip: sequenceClip(), SceneStart: 1, SceneEnd: 2000, Frame: 1})
	require.True(t, started)

	require.Eventually(t, func() bool { return frames.calls() >= 8 }, 5*time.Second, time.Millisecond)
	s.CancelAll()
	waitJob(t, job)

	after := frames.calls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, frames.calls(), "no decode after the job ended")
	assert.Less(t, after, 1999)

	assert.Equal(t, models.JobStatusCancelled, job.Status())
	assert.Equal(t, models.StopCancelled, job.Stats().StopReason)

	// whatever made it into the cache is a valid decode of its frame
	for frame := 1; frame <= 2000; frame++ {
		if buf, ok := cache.Get("seq", models.VariantKey{Frame: frame}); ok {
			assert.Equal(t, strconv.Itoa(frame), buf.Metadata["frame"])
		}
	}

	// the next job is not aborted by the stale cancel
	next, started := s.Start(context.Background(), Request{Owner: "s", Clip: sequenceClip(), SceneStart: 1, SceneEnd: 20, Frame: 1})
	require.True(t, started)
	waitJob(t, next)
	assert.Equal(t, models.JobStatusCompleted, next.Status())
}

func TestReadFailureHaltsByDefault(t *testing.T) {
	cache := framecache.NewMemory(0, 0)
	frames := newFakeFrames()
	s := newTestScheduler(t, Config{Workers: 1}, cache, frames, nil)
	s.read = readFailing(4)

	job, _ := s.Start(context.Background(), Request{Owner: "s", Clip: sequenceClip(), SceneStart: 1, SceneEnd: 10, Frame: 1})
	waitJob(t, job)

	stats := job.Stats()
	assert.Equal(t, models.StopReadFailed, stats.StopReason)
	assert.EqualValues(t, 1, stats.FramesFailed)
	assert.EqualValues(t, 2, stats.FramesInserted)
	assert.Equal(t, models.JobStatusCompleted, job.Status())
}

func TestSkipUnreadableContinues(t *testing.T) {
	cache := framecache.NewMemory(0, 0)
	frames := newFakeFrames()
	frames.decodeFails[6] = true
	s := newTestScheduler(t, Config{Workers: 2, Policy: Policy{SkipUnreadable: true}}, cache, frames, nil)
	s.read = readFailing(4)

	job, _ := s.Start(context.Background(), Request{Owner: "s", Clip: sequenceClip(), SceneStart: 1, SceneEnd: 10, Frame: 1})
	waitJob(t, job)

	stats := job.Stats()
	assert.Equal(t, models.StopExhausted, stats.StopReason)
	assert.EqualValues(t, 2, stats.FramesFailed)
	assert.EqualValues(t, 7, stats.FramesInserted)
	assert.False(t, cache.Has("seq", models.VariantKey{Frame: 4}))
	assert.False(t, cache.Has("seq", models.VariantKey{Frame: 6}))
}

func TestMovieDecodeFailureHalts(t *testing.T) {
	cache := framecache.NewMemory(0, 0)
	movies := &fakeMovies{failAt: map[int]bool{7: true}}
	s := newTestScheduler(t, Config{}, cache, nil, movies)

	job, _ := s.Start(context.Background(), Request{Owner: "s", Clip: movieClip(), SceneStart: 1, SceneEnd: 10, Frame: 5})
	waitJob(t, job)

	assert.Equal(t, []int{5, 6, 7}, movies.decoded())
	assert.Equal(t, models.StopDecodeFailed, job.Stats().StopReason)
	assert.Equal(t, 1, movies.closed)
}

func TestCloseSessionStopsJobAndReleasesClone(t *testing.T) {
	movies := &fakeMovies{release: make(chan struct{})}
	s := newTestScheduler(t, Config{}, framecache.NewMemory(0, 0), nil, movies)

	job, started := s.Start(context.Background(), Request{Owner: "editor-1", Clip: movieClip(), SceneStart: 1, SceneEnd: 100, Frame: 1})
	require.True(t, started)
	_, err := s.Job(job.ID)
	require.NoError(t, err)

	assert.True(t, s.CloseSession("editor-1"))
	close(movies.release)
	waitJob(t, job)

	assert.Equal(t, models.JobStatusCancelled, job.Status())
	assert.Equal(t, 1, movies.closed)
	assert.False(t, s.CloseSession("editor-1"))

	_, err = s.Job(job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	rec, err := s.Record(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, rec.Status)
}

func TestStartReplacesOwnersJob(t *testing.T) {
	movies := &fakeMovies{release: make(chan struct{})}
	s := newTestScheduler(t, Config{}, framecache.NewMemory(0, 0), nil, movies)

	first, started := s.Start(context.Background(), Request{Owner: "s", Clip: movieClip(), SceneStart: 1, SceneEnd: 100, Frame: 1})
	require.True(t, started)
	second, started := s.Start(context.Background(), Request{Owner: "s", Clip: movieClip(), SceneStart: 1, SceneEnd: 3, Frame: 1})
	require.True(t, started)

	close(movies.release)
	waitJob(t, first)
	waitJob(t, second)

	assert.Equal(t, models.JobStatusCancelled, first.Status())
	assert.Equal(t, models.JobStatusCompleted, second.Status())
	assert.Equal(t, 2, movies.closed)
}

func TestHistoryAndRedraw(t *testing.T) {
	var redraws atomic.Int32
	var last atomic.Value
	st := store.NewMemoryStore()
	s := newTestScheduler(t, Config{}, framecache.NewMemory(0, 0), nil, &fakeMovies{},
		WithStore(st),
		WithRedraw(func(owner string, progress float64) {
			redraws.Add(1)
			last.Store(progress)
		}))

	job, _ := s.Start(context.Background(), Request{Owner: "s", Clip: movieClip(), SceneStart: 1, SceneEnd: 10, Frame: 5})
	waitJob(t, job)

	assert.Positive(t, redraws.Load())
	assert.Equal(t, 1.0, last.Load())

	recs, err := s.History(store.Filter{Owner: "s"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.JobStatusCompleted, recs[0].Status)
	assert.Equal(t, models.StopExhausted, recs[0].StopReason)
	assert.EqualValues(t, 10, recs[0].FramesDecoded)
	assert.Equal(t, "mov", recs[0].ClipID)
	require.NotNil(t, recs[0].CompletedAt)

	var path []models.JobStatus
	for _, tr := range recs[0].Transitions {
		path = append(path, tr.To)
	}
	assert.Equal(t, []models.JobStatus{models.JobStatusChecking, models.JobStatusRunning, models.JobStatusCompleted}, path)
}

func TestPolicyHalts(t *testing.T) {
	strict := Policy{}
	lenient := Policy{SkipUnreadable: true}

	assert.True(t, strict.Halts(OutcomeCacheFull))
	assert.True(t, lenient.Halts(OutcomeCacheFull))
	assert.True(t, strict.Halts(OutcomeReadFailed))
	assert.False(t, lenient.Halts(OutcomeReadFailed))
	assert.False(t, lenient.Halts(OutcomeDecodeFailed))
	assert.False(t, strict.Halts(OutcomeInserted))
	assert.False(t, strict.Halts(OutcomeCached))
	assert.Equal(t, models.StopCacheFull, OutcomeCacheFull.StopReason())
	assert.Equal(t, "decode_failed", OutcomeDecodeFailed.String())
}
