package metafile

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"freehand3d/internal/models"
)

const (
	seqPrefix       = "Seq_Frame"
	transformSuffix = "Transform"
	statusSuffix    = "TransformStatus"
	statusOK        = "OK"
	statusInvalid   = "INVALID"
)

// WriteSequence saves tracked frames as one 3D MetaImage whose third
// dimension is the frame index. Every frame's transforms, timestamp and
// frame number are stored in Seq_FrameNNNN_ fields. All frames must share
// size and pixel type.
func WriteSequence(path string, frames []*models.TrackedFrame, compressed bool) error {
	if len(frames) == 0 {
		return errors.New("no frames to write")
	}
	first := frames[0].Image
	element := ElementUChar
	if first.Type == models.PixelUint16 {
		element = ElementUShort
	}

	pixels := make([]byte, 0, len(first.Data)*len(frames))
	for i, f := range frames {
		img := f.Image
		if err := img.Validate(); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		if img.Width != first.Width || img.Height != first.Height || img.Type != first.Type {
			return fmt.Errorf("frame %d is %dx%d, sequence is %dx%d", i, img.Width, img.Height, first.Width, first.Height)
		}
		pixels = append(pixels, img.Data...)
	}
	data, err := encodeData(pixels, compressed)
	if err != nil {
		return err
	}

	h := &header{}
	h.set("ObjectType", "Image")
	h.set("NDims", "3")
	h.set("AnatomicalOrientation", "RAI")
	h.set("BinaryData", "True")
	h.set("BinaryDataByteOrderMSB", "False")
	h.set("CompressedData", formatBool(compressed))
	if compressed {
		h.set("CompressedDataSize", strconv.Itoa(len(data)))
	}
	h.set("DimSize", fmt.Sprintf("%d %d %d", first.Width, first.Height, len(frames)))
	h.set("ElementSpacing", "1 1 1")
	h.set("Offset", "0 0 0")
	h.set("TransformMatrix", "1 0 0 0 1 0 0 0 1")
	h.set("ElementType", element)
	h.set("UltrasoundImageOrientation", "MF")
	h.set("UltrasoundImageType", "BRIGHTNESS")

	for i, f := range frames {
		prefix := fmt.Sprintf("%s%04d_", seqPrefix, i)
		h.set(prefix+"FrameNumber", strconv.FormatUint(f.FrameNumber, 10))
		for _, name := range f.TransformNames() {
			t := f.Transforms[name]
			h.set(prefix+name.String()+transformSuffix, t.Matrix.String())
			status := statusOK
			if !t.Valid {
				status = statusInvalid
			}
			h.set(prefix+name.String()+statusSuffix, status)
		}
		h.set(prefix+"Timestamp", strconv.FormatFloat(f.Timestamp, 'f', -1, 64))
		h.set(prefix+"ImageStatus", statusOK)
	}

	return writeFile(path, h, data)
}

// ReadSequence loads a tracked frame sequence. Transform fields without a
// status field are taken as valid.
func ReadSequence(path string) ([]*models.TrackedFrame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sequence: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}

	dims, err := h.ints("DimSize", 3)
	if err != nil {
		return nil, err
	}
	if _, err := elementCount(dims); err != nil {
		return nil, err
	}
	width, height, count := dims[0], dims[1], dims[2]

	pt := models.PixelUint8
	switch et, _ := h.get("ElementType"); et {
	case ElementUChar:
	case ElementUShort:
		pt = models.PixelUint16
	default:
		return nil, fmt.Errorf("%w: unsupported element type %q", ErrFormat, et)
	}

	frames := make([]*models.TrackedFrame, count)
	for i := range frames {
		frames[i] = &models.TrackedFrame{
			Image:       models.Image{Width: width, Height: height, Type: pt},
			FrameNumber: uint64(i),
		}
	}
	frameSize := width * height * frames[0].Image.BytesPerPixel()

	statuses := make(map[int]map[string]bool)
	for _, fld := range h.fields {
		idx, rest, ok := splitFrameField(fld.key)
		if !ok {
			continue
		}
		if idx >= count {
			return nil, fmt.Errorf("%w: %s refers to frame %d of %d", ErrFormat, fld.key, idx, count)
		}
		frame := frames[idx]
		switch {
		case rest == "Timestamp":
			ts, err := strconv.ParseFloat(fld.value, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrFormat, fld.key, err)
			}
			frame.Timestamp = ts
		case rest == "FrameNumber":
			n, err := strconv.ParseUint(fld.value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrFormat, fld.key, err)
			}
			frame.FrameNumber = n
		case strings.HasSuffix(rest, statusSuffix):
			if statuses[idx] == nil {
				statuses[idx] = make(map[string]bool)
			}
			statuses[idx][strings.TrimSuffix(rest, statusSuffix)] = strings.EqualFold(fld.value, statusOK)
		case strings.HasSuffix(rest, transformSuffix):
			raw := strings.TrimSuffix(rest, transformSuffix)
			name, err := models.ParseTransformName(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrFormat, fld.key, err)
			}
			m, err := models.ParseMatrix(fld.value)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrFormat, fld.key, err)
			}
			frame.SetTransform(name, m, true)
		}
	}
	for idx, byName := range statuses {
		frame := frames[idx]
		for raw, valid := range byName {
			name, err := models.ParseTransformName(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: status for %q: %v", ErrFormat, raw, err)
			}
			t, ok := frame.Transform(name)
			if !ok {
				continue
			}
			frame.SetTransform(name, t.Matrix, valid)
		}
	}

	data, err := decodeData(r, frameSize*count, h.flag("CompressedData"))
	if err != nil {
		return nil, err
	}
	for i, frame := range frames {
		frame.Image.Data = data[i*frameSize : (i+1)*frameSize : (i+1)*frameSize]
	}
	return frames, nil
}

// splitFrameField splits "Seq_Frame0012_ProbeToTrackerTransform" into 12
// and "ProbeToTrackerTransform".
func splitFrameField(key string) (int, string, bool) {
	rest, ok := strings.CutPrefix(key, seqPrefix)
	if !ok {
		return 0, "", false
	}
	num, field, ok := strings.Cut(rest, "_")
	if !ok {
		return 0, "", false
	}
	idx, err := strconv.Atoi(num)
	if err != nil || idx < 0 {
		return 0, "", false
	}
	return idx, field, true
}
