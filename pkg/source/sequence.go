package source

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/psantana5/clip-prefetch/pkg/models"
)

// Sequence is the FrameSource for image-sequence clips
type Sequence struct{}

// NewSequence creates a sequence frame source
func NewSequence() *Sequence {
	return &Sequence{}
}

// ResolvePath returns the file holding the requested rendition. The clip
// path names the first file; its trailing digit run is the frame counter.
func (s *Sequence) ResolvePath(clip *models.Clip, key models.VariantKey) (string, error) {
	if clip.Source != models.SourceSequence {
		return "", ErrNotSequence
	}

	clipFrame := key.Frame - clip.StartFrame + 1
	if clipFrame < 1 || (clip.Length > 0 && clipFrame > clip.Length) {
		return "", fmt.Errorf("%w: frame %d", ErrFrameOutOfRange, key.Frame)
	}

	if clip.UsesProxyFor(key.Size) {
		proxy := ProxyPath(clip, key.Size, key.Flag, fmt.Sprintf("%08d.jpg", clipFrame))
		if !key.Flag.Has(models.RenderFallback) || fileExists(proxy) {
			return proxy, nil
		}
	}

	dir, base := filepath.Split(clip.Path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	head, digits := splitTrailingDigits(stem)
	if digits == "" {
		// single still image used as a clip
		return clip.Path, nil
	}

	first, err := strconv.Atoi(digits)
	if err != nil {
		return "", fmt.Errorf("parse frame counter of %s: %w", base, err)
	}
	number := first + clipFrame - 1
	if number < 0 {
		return "", fmt.Errorf("%w: frame %d", ErrFrameOutOfRange, key.Frame)
	}

	name := fmt.Sprintf("%s%0*d%s", head, len(digits), number, ext)
	return filepath.Join(dir, name), nil
}

// ProxyPath returns the location of a sequence proxy frame:
// <proxy dir>/<clip file name>/proxy_<size>[_undistorted]/<file>
// The proxy dir defaults to BL_proxy next to the clip.
func ProxyPath(clip *models.Clip, size models.RenderSize, flag models.RenderFlag, file string) string {
	return filepath.Join(proxyRoot(clip), proxyName(size, flag), file)
}

// MovieProxyPath returns the proxy movie of a rendition:
// <proxy dir>/<clip file name>/proxy_<size>[_undistorted].avi
func MovieProxyPath(clip *models.Clip, size models.RenderSize, flag models.RenderFlag) string {
	return filepath.Join(proxyRoot(clip), proxyName(size, flag)+".avi")
}

func proxyRoot(clip *models.Clip) string {
	dir, base := filepath.Split(clip.Path)
	root := clip.ProxyDir
	if root == "" {
		root = filepath.Join(dir, "BL_proxy")
	}
	return filepath.Join(root, base)
}

func proxyName(size models.RenderSize, flag models.RenderFlag) string {
	name := "proxy_" + size.String()
	if flag.Has(models.RenderUndistorted) {
		name += "_undistorted"
	}
	return name
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func splitTrailingDigits(s string) (head, digits string) {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	return s[:i], s[i:]
}

// Decode decodes an in-memory image file
func (s *Sequence) Decode(data []byte, flags DecodeFlags, colorspace string) (*models.FrameBuffer, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	buf := &models.FrameBuffer{
		Image:      img,
		Colorspace: colorspace,
		Metadata:   make(map[string]string),
	}
	if flags&FlagMetadata != 0 {
		b := img.Bounds()
		buf.Metadata["format"] = format
		buf.Metadata["width"] = strconv.Itoa(b.Dx())
		buf.Metadata["height"] = strconv.Itoa(b.Dy())
	}
	if flags&FlagAlphaDetect != 0 {
		if isOpaque(img) {
			buf.Metadata["alpha"] = "opaque"
		} else {
			buf.Metadata["alpha"] = "straight"
		}
	}
	return buf, nil
}

func isOpaque(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0xffff {
				return false
			}
		}
	}
	return true
}

// Normalize converts a decoded buffer to the canonical in-memory layout
// (non-premultiplied 8-bit RGBA anchored at the origin). Paletted, planar and
// layered decodes are flattened here so the cache holds one layout only.
func Normalize(buf *models.FrameBuffer) *models.FrameBuffer {
	if buf == nil || buf.Image == nil {
		return buf
	}
	if n, ok := buf.Image.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return buf
	}

	b := buf.Image.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Rect, buf.Image, b.Min, draw.Src)
	buf.Image = dst
	return buf
}
