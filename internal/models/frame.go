package models

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sort"
	"strings"
	"unicode"
)

// ErrInvalidTransformName is returned for transform names that cannot be
// split into a From and a To coordinate frame.
var ErrInvalidTransformName = errors.New("invalid transform name")

// PixelType describes how one pixel is laid out in Image.Data.
type PixelType int

const (
	// PixelUint8 is one unsigned byte per pixel.
	PixelUint8 PixelType = iota
	// PixelUint16 is two bytes per pixel, little endian.
	PixelUint16
)

// MaxValue returns the largest intensity a pixel of this type can hold.
func (pt PixelType) MaxValue() float64 {
	if pt == PixelUint16 {
		return 65535
	}
	return 255
}

// Image is a 2D single-channel pixel grid stored row by row.
type Image struct {
	Width  int
	Height int
	Type   PixelType
	Data   []byte
}

// NewImage allocates a zeroed image.
func NewImage(width, height int, pt PixelType) Image {
	img := Image{Width: width, Height: height, Type: pt}
	img.Data = make([]byte, width*height*img.BytesPerPixel())
	return img
}

// BytesPerPixel returns the pixel depth in bytes.
func (img Image) BytesPerPixel() int {
	if img.Type == PixelUint16 {
		return 2
	}
	return 1
}

// Validate checks that the pixel buffer matches the declared dimensions.
func (img Image) Validate() error {
	if img.Width <= 0 || img.Height <= 0 {
		return fmt.Errorf("invalid image size %dx%d", img.Width, img.Height)
	}
	if want := img.Width * img.Height * img.BytesPerPixel(); len(img.Data) != want {
		return fmt.Errorf("image buffer holds %d bytes, want %d", len(img.Data), want)
	}
	return nil
}

// At returns the intensity of pixel (x, y).
func (img Image) At(x, y int) float64 {
	i := y*img.Width + x
	if img.Type == PixelUint16 {
		return float64(binary.LittleEndian.Uint16(img.Data[2*i:]))
	}
	return float64(img.Data[i])
}

// Set stores v at pixel (x, y), clamped to the pixel type's range.
func (img Image) Set(x, y int, v float64) {
	i := y*img.Width + x
	if img.Type == PixelUint16 {
		binary.LittleEndian.PutUint16(img.Data[2*i:], uint16(clampRound(v, 0, 65535)))
		return
	}
	img.Data[i] = uint8(clampRound(v, 0, 255))
}

// Fill sets every pixel to v.
func (img Image) Fill(v float64) {
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			img.Set(x, y, v)
		}
	}
}

// ImageFromGray converts any image.Image to an 8-bit grayscale Image.
func ImageFromGray(src image.Image) Image {
	b := src.Bounds()
	img := NewImage(b.Dx(), b.Dy(), PixelUint8)
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			g := color.GrayModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			img.Data[y*img.Width+x] = g.Y
		}
	}
	return img
}

// clampRound clamps v to [lo, hi] and biases it so that integer conversion rounds.
func clampRound(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v + 0.5
}

// TransformName identifies the transform from one coordinate frame to
// another. Frame names compare case-insensitively.
type TransformName struct {
	From string
	To   string
}

// NewTransformName builds a name from its two coordinate frames.
func NewTransformName(from, to string) TransformName {
	return TransformName{From: from, To: to}
}

// ParseTransformName splits names of the form "ImageToProbe". The "To"
// separator must be followed by an upper case letter and appear exactly once
// in that position.
func ParseTransformName(s string) (TransformName, error) {
	split := -1
	for i := 1; i+2 < len(s); i++ {
		if s[i] == 'T' && s[i+1] == 'o' && unicode.IsUpper(rune(s[i+2])) {
			if split >= 0 {
				return TransformName{}, fmt.Errorf("%w: %q is ambiguous", ErrInvalidTransformName, s)
			}
			split = i
		}
	}
	if split < 0 {
		return TransformName{}, fmt.Errorf("%w: %q", ErrInvalidTransformName, s)
	}
	return TransformName{From: s[:split], To: s[split+2:]}, nil
}

// String returns the "<From>To<To>" form.
func (n TransformName) String() string {
	return n.From + "To" + n.To
}

// Validate reports names with an empty coordinate frame.
func (n TransformName) Validate() error {
	if strings.TrimSpace(n.From) == "" || strings.TrimSpace(n.To) == "" {
		return fmt.Errorf("%w: %q", ErrInvalidTransformName, n.String())
	}
	return nil
}

// Invert swaps the coordinate frames.
func (n TransformName) Invert() TransformName {
	return TransformName{From: n.To, To: n.From}
}

// Equal compares both frames case-insensitively.
func (n TransformName) Equal(o TransformName) bool {
	return strings.EqualFold(n.From, o.From) && strings.EqualFold(n.To, o.To)
}

// FrameTransform is one pose embedded in a tracked frame.
type FrameTransform struct {
	Matrix Matrix
	Valid  bool
	Error  float64
}

// TrackedFrame is one 2D image with the poses that were valid when it was
// acquired. Timestamp is in seconds.
type TrackedFrame struct {
	Image       Image
	Transforms  map[TransformName]FrameTransform
	Timestamp   float64
	FrameNumber uint64
}

// SetTransform stores a pose, replacing an existing entry whose name differs
// only in case.
func (f *TrackedFrame) SetTransform(name TransformName, m Matrix, valid bool) {
	if f.Transforms == nil {
		f.Transforms = make(map[TransformName]FrameTransform)
	}
	for existing := range f.Transforms {
		if existing.Equal(name) {
			delete(f.Transforms, existing)
		}
	}
	f.Transforms[name] = FrameTransform{Matrix: m, Valid: valid}
}

// Transform looks up a pose by name.
func (f *TrackedFrame) Transform(name TransformName) (FrameTransform, bool) {
	if t, ok := f.Transforms[name]; ok {
		return t, true
	}
	for existing, t := range f.Transforms {
		if existing.Equal(name) {
			return t, true
		}
	}
	return FrameTransform{}, false
}

// TransformNames returns the embedded names in a stable order.
func (f *TrackedFrame) TransformNames() []TransformName {
	names := make([]TransformName, 0, len(f.Transforms))
	for n := range f.Transforms {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		return names[i].String() < names[j].String()
	})
	return names
}
