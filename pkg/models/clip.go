package models

import (
	"errors"
	"fmt"
	"image"
)

// SourceKind tells how the frames of a clip are stored
type SourceKind string

const (
	// SourceSequence is a clip made of one independently readable file per frame
	SourceSequence SourceKind = "sequence"
	// SourceMovie is a clip stored in a single container with a stateful decoder
	SourceMovie SourceKind = "movie"
)

// RenderSize selects the resolution a frame is decoded at
type RenderSize int

const (
	RenderSizeFull RenderSize = iota
	RenderSizeProxy25
	RenderSizeProxy50
	RenderSizeProxy75
	RenderSizeProxy100
)

func (s RenderSize) String() string {
	switch s {
	case RenderSizeFull:
		return "full"
	case RenderSizeProxy25:
		return "25"
	case RenderSizeProxy50:
		return "50"
	case RenderSizeProxy75:
		return "75"
	case RenderSizeProxy100:
		return "100"
	default:
		return "unknown"
	}
}

// Scale returns the linear scale factor of the render size
func (s RenderSize) Scale() float64 {
	switch s {
	case RenderSizeProxy25:
		return 0.25
	case RenderSizeProxy50:
		return 0.5
	case RenderSizeProxy75:
		return 0.75
	default:
		return 1.0
	}
}

// ParseRenderSize parses "full", "25", "50", "75" or "100"
func ParseRenderSize(s string) (RenderSize, error) {
	switch s {
	case "", "full":
		return RenderSizeFull, nil
	case "25":
		return RenderSizeProxy25, nil
	case "50":
		return RenderSizeProxy50, nil
	case "75":
		return RenderSizeProxy75, nil
	case "100":
		return RenderSizeProxy100, nil
	}
	return RenderSizeFull, fmt.Errorf("unknown render size %q", s)
}

// RenderFlag is a bitset of rendition modifiers
type RenderFlag uint8

const (
	// RenderUndistorted requests the lens-undistorted rendition
	RenderUndistorted RenderFlag = 1 << iota
	// RenderFallback allows falling back to the original footage when a proxy is missing
	RenderFallback
)

// Has reports whether all bits of f are set
func (r RenderFlag) Has(f RenderFlag) bool {
	return r&f == f
}

// VariantKey identifies one decoded rendition of one frame
type VariantKey struct {
	Frame int        `json:"frame"`
	Size  RenderSize `json:"render_size"`
	Flag  RenderFlag `json:"render_flag"`
}

// WithFrame returns a copy of the key for another frame
func (k VariantKey) WithFrame(frame int) VariantKey {
	k.Frame = frame
	return k
}

func (k VariantKey) String() string {
	return fmt.Sprintf("%d@%s/%d", k.Frame, k.Size, k.Flag)
}

// Clip is a video or image-sequence resource open for playback or tracking.
// Jobs reference a clip and never own it.
type Clip struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Source     SourceKind `json:"source"`
	Path       string     `json:"path"`
	StartFrame int        `json:"start_frame"`
	Length     int        `json:"length"` // 0 when unknown
	UseProxy   bool       `json:"use_proxy,omitempty"`
	ProxyDir   string     `json:"proxy_dir,omitempty"`
	Colorspace string     `json:"colorspace,omitempty"`
}

// Validate checks that the clip can be prefetched
func (c *Clip) Validate() error {
	if c.ID == "" {
		return errors.New("clip id is required")
	}
	if c.Path == "" {
		return errors.New("clip path is required")
	}
	switch c.Source {
	case SourceSequence, SourceMovie:
	default:
		return fmt.Errorf("unknown clip source %q", c.Source)
	}
	if c.Length < 0 {
		return fmt.Errorf("negative clip length %d", c.Length)
	}
	return nil
}

// UsesProxyFor reports whether frames of the given size are read from proxies
func (c *Clip) UsesProxyFor(size RenderSize) bool {
	return c.UseProxy && size != RenderSizeFull
}

// FrameBuffer is a decoded pixel buffer
type FrameBuffer struct {
	Image      image.Image       `json:"-"`
	Colorspace string            `json:"colorspace,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SizeBytes returns the memory footprint used for cache accounting
func (b *FrameBuffer) SizeBytes() int64 {
	if b == nil || b.Image == nil {
		return 0
	}
	r := b.Image.Bounds()
	return int64(r.Dx()) * int64(r.Dy()) * 4
}
