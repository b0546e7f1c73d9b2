package metafile

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"freehand3d/internal/models"
)

// WriteVolume saves an 8-bit volume with its geometry. Offset is the centre
// of the first voxel, as in the Geometry origin.
func WriteVolume(path string, vol *models.Volume, compressed bool) error {
	if vol == nil {
		return errors.New("nil volume")
	}
	if len(vol.Data) != vol.NumVoxels() {
		return fmt.Errorf("volume holds %d voxels, geometry needs %d", len(vol.Data), vol.NumVoxels())
	}

	data, err := encodeData(vol.Data, compressed)
	if err != nil {
		return err
	}

	h := &header{}
	h.set("ObjectType", "Image")
	h.set("NDims", "3")
	h.set("BinaryData", "True")
	h.set("BinaryDataByteOrderMSB", "False")
	h.set("CompressedData", formatBool(compressed))
	if compressed {
		h.set("CompressedDataSize", strconv.Itoa(len(data)))
	}
	h.set("TransformMatrix", "1 0 0 0 1 0 0 0 1")
	h.set("Offset", formatFloats(vol.Origin[:]...))
	h.set("CenterOfRotation", "0 0 0")
	h.set("ElementSpacing", formatFloats(vol.Spacing[:]...))
	h.set("DimSize", fmt.Sprintf("%d %d %d", vol.Dims[0], vol.Dims[1], vol.Dims[2]))
	h.set("AnatomicalOrientation", "RAI")
	h.set("ElementType", ElementUChar)

	return writeFile(path, h, data)
}

// ReadVolume loads a volume written by WriteVolume or any 3D MET_UCHAR
// MetaImage with local element data.
func ReadVolume(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open volume: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if et, _ := h.get("ElementType"); et != ElementUChar {
		return nil, fmt.Errorf("%w: unsupported element type %q", ErrFormat, et)
	}
	dims, err := h.ints("DimSize", 3)
	if err != nil {
		return nil, err
	}
	n, err := elementCount(dims)
	if err != nil {
		return nil, err
	}
	spacing, err := h.floats("ElementSpacing", 3, 1)
	if err != nil {
		return nil, err
	}
	offset, err := h.floats("Offset", 3, 0)
	if err != nil {
		return nil, err
	}

	g := models.Geometry{
		Origin:  [3]float64{offset[0], offset[1], offset[2]},
		Spacing: [3]float64{spacing[0], spacing[1], spacing[2]},
		Dims:    [3]int{dims[0], dims[1], dims[2]},
	}
	data, err := decodeData(r, n, h.flag("CompressedData"))
	if err != nil {
		return nil, err
	}
	return &models.Volume{Geometry: g, Data: data}, nil
}

func writeFile(path string, h *header, data []byte) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create metafile: %w", err)
	}
	if err := h.write(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write header: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write pixel data: %w", err)
	}
	return f.Close()
}
