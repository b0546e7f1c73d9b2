// Package visualization exports orthogonal slices of reconstructed volumes
// as images.
package visualization

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"freehand3d/internal/models"
)

// Viewer cuts slices and subregions out of a reconstructed volume.
type Viewer struct {
	vol *models.Volume
}

// NewViewer creates a viewer over vol. The volume is read, never modified.
func NewViewer(vol *models.Volume) (*Viewer, error) {
	if vol == nil {
		return nil, fmt.Errorf("nil volume")
	}
	if len(vol.Data) != vol.NumVoxels() {
		return nil, fmt.Errorf("volume has %d voxels, geometry needs %d", len(vol.Data), vol.NumVoxels())
	}
	return &Viewer{vol: vol}, nil
}

// axisLength returns the number of slices along axis.
func (v *Viewer) axisLength(axis string) (int, error) {
	switch strings.ToLower(axis) {
	case "x":
		return v.vol.Dims[0], nil
	case "y":
		return v.vol.Dims[1], nil
	case "z":
		return v.vol.Dims[2], nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// ExtractSlice extracts the 2D slice at position along axis. An x slice is
// depth wide and height tall, a y slice is width by depth, a z slice is
// width by height.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray, error) {
	n, err := v.axisLength(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= n {
		return nil, fmt.Errorf("position %d outside [0, %d) along %s", position, n, axis)
	}

	w, h, d := v.vol.Dims[0], v.vol.Dims[1], v.vol.Dims[2]
	var img *image.Gray
	switch strings.ToLower(axis) {
	case "x":
		img = image.NewGray(image.Rect(0, 0, d, h))
		for y := 0; y < h; y++ {
			for z := 0; z < d; z++ {
				img.Pix[y*img.Stride+z] = v.vol.At(position, y, z)
			}
		}
	case "y":
		img = image.NewGray(image.Rect(0, 0, w, d))
		for z := 0; z < d; z++ {
			for x := 0; x < w; x++ {
				img.Pix[z*img.Stride+x] = v.vol.At(x, position, z)
			}
		}
	default:
		img = image.NewGray(image.Rect(0, 0, w, h))
		start := v.vol.Index(0, 0, position)
		copy(img.Pix, v.vol.Data[start:start+w*h])
	}
	return img, nil
}

// ExtractRegion copies a box of voxels into a new volume whose origin is
// the physical position of the box corner.
func (v *Viewer) ExtractRegion(start, size [3]int) (*models.Volume, error) {
	for i := range 3 {
		if start[i] < 0 {
			return nil, fmt.Errorf("start coordinates must be non-negative")
		}
		if size[i] <= 0 {
			return nil, fmt.Errorf("size dimensions must be positive")
		}
		if start[i]+size[i] > v.vol.Dims[i] {
			return nil, fmt.Errorf("region extends beyond volume boundaries")
		}
	}

	corner := v.vol.VoxelCenter(start[0], start[1], start[2])
	region := models.NewVolume(models.Geometry{
		Origin:  [3]float64{corner.X, corner.Y, corner.Z},
		Spacing: v.vol.Spacing,
		Dims:    size,
	}, 0)
	for z := 0; z < size[2]; z++ {
		for y := 0; y < size[1]; y++ {
			src := v.vol.Index(start[0], start[1]+y, start[2]+z)
			dst := region.Index(0, y, z)
			copy(region.Data[dst:dst+size[0]], v.vol.Data[src:src+size[0]])
		}
	}
	return region, nil
}

// MaskBounds returns the smallest box holding every non-zero voxel of
// mask, as a start corner and size for ExtractRegion. ok is false when the
// mask is empty.
func MaskBounds(mask *models.Volume) (start, size [3]int, ok bool) {
	lo := mask.Dims
	hi := [3]int{-1, -1, -1}
	for z := 0; z < mask.Dims[2]; z++ {
		for y := 0; y < mask.Dims[1]; y++ {
			for x := 0; x < mask.Dims[0]; x++ {
				if mask.At(x, y, z) == 0 {
					continue
				}
				p := [3]int{x, y, z}
				for i := range 3 {
					lo[i] = min(lo[i], p[i])
					hi[i] = max(hi[i], p[i])
				}
			}
		}
	}
	if hi[0] < 0 {
		return start, size, false
	}
	for i := range 3 {
		start[i] = lo[i]
		size[i] = hi[i] - lo[i] + 1
	}
	return start, size, true
}

// CropToMask returns a viewer over the part of the volume covered by the
// non-zero voxels of mask. An empty mask returns v itself.
func (v *Viewer) CropToMask(mask *models.Volume) (*Viewer, error) {
	if mask == nil || mask.Dims != v.vol.Dims {
		return nil, fmt.Errorf("mask does not match the volume dimensions")
	}
	start, size, ok := MaskBounds(mask)
	if !ok {
		return v, nil
	}
	region, err := v.ExtractRegion(start, size)
	if err != nil {
		return nil, err
	}
	return &Viewer{vol: region}, nil
}

// SaveSlice writes img as PNG, or as JPEG when filename ends in .jpg or .jpeg.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	default:
		err = png.Encode(file, img)
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write slice %s: %w", filename, err)
	}
	return nil
}

// SaveSliceSequence extracts and saves every slice along axis into
// outputDir, named slice_<axis>_<position>.<format>. It returns how many
// files were written.
func (v *Viewer) SaveSliceSequence(axis, outputDir, format string) (int, error) {
	n, err := v.axisLength(axis)
	if err != nil {
		return 0, err
	}
	if format == "" {
		format = "png"
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, err
	}

	for pos := 0; pos < n; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return pos, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.%s", strings.ToLower(axis), pos, format))
		if err := v.SaveSlice(img, filename); err != nil {
			return pos, err
		}
	}
	return n, nil
}
