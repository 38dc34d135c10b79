// Package source turns clip frames into decoded pixel buffers. Sequence
// clips are many independent files and can be read concurrently; movie clips
// go through a stateful decoder that each background job clones for itself.
package source

import (
	"context"
	"errors"

	"github.com/psantana5/clip-prefetch/pkg/models"
)

var (
	ErrEmptyFile       = errors.New("empty frame file")
	ErrShortRead       = errors.New("short read")
	ErrDecoderBusy     = errors.New("movie decoder used concurrently")
	ErrDecoderClosed   = errors.New("movie decoder closed")
	ErrFrameOutOfRange = errors.New("frame outside of clip")
	ErrNotSequence     = errors.New("clip is not an image sequence")
	ErrNotMovie        = errors.New("clip is not a movie")
)

// DecodeFlags selects what a decode produces
type DecodeFlags uint8

const (
	// FlagRect produces a byte pixel rect
	FlagRect DecodeFlags = 1 << iota
	// FlagMultilayer keeps multi-layer images so they can be normalized
	FlagMultilayer
	// FlagAlphaDetect records whether the image carries meaningful alpha
	FlagAlphaDetect
	// FlagMetadata records file metadata on the buffer
	FlagMetadata
)

// PrefetchFlags are the flags used when prefetching sequence frames
const PrefetchFlags = FlagRect | FlagMultilayer | FlagAlphaDetect | FlagMetadata

// FrameSource resolves and decodes frames of sequence clips. Implementations
// must be safe for concurrent use.
type FrameSource interface {
	ResolvePath(clip *models.Clip, key models.VariantKey) (string, error)
	Decode(data []byte, flags DecodeFlags, colorspace string) (*models.FrameBuffer, error)
}

// MovieDecoder decodes frames of one movie clip. It keeps seek state and is
// not safe for concurrent use.
type MovieDecoder interface {
	DecodeAt(ctx context.Context, key models.VariantKey) (*models.FrameBuffer, error)
	Close() error
}

// MovieOpener creates an independent decoder for a clip. Every call returns
// a new instance sharing no state with other decoders of the same clip.
type MovieOpener interface {
	Open(clip *models.Clip) (MovieDecoder, error)
}

// ColorspaceHint returns the colourspace a frame should be decoded in.
// Proxies are stored in display space and get no hint.
func ColorspaceHint(clip *models.Clip, size models.RenderSize) string {
	if clip.UsesProxyFor(size) {
		return ""
	}
	return clip.Colorspace
}
