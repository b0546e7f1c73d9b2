// Package metafile reads and writes MetaImage (.mha) files: reconstructed
// volumes and tracked frame sequences with per-frame transforms stored as
// Seq_Frame header fields.
package metafile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// ErrFormat is wrapped by every parse failure.
var ErrFormat = errors.New("malformed metafile")

// Element types supported for pixel data.
const (
	ElementUChar  = "MET_UCHAR"
	ElementUShort = "MET_USHORT"
)

const dataFileKey = "ElementDataFile"

// maxElements bounds the pixel count a header may declare.
const maxElements = 1 << 31

// elementCount returns the product of dims, rejecting non-positive sizes
// and products above maxElements.
func elementCount(dims []int) (int, error) {
	n := 1
	for _, d := range dims {
		if d <= 0 || d > maxElements/n {
			return 0, fmt.Errorf("%w: invalid DimSize %v", ErrFormat, dims)
		}
		n *= d
	}
	return n, nil
}

type field struct {
	key, value string
}

// header keeps fields in file order; lookups are case-sensitive like the
// format itself. index maps each key to its position in fields.
type header struct {
	fields []field
	index  map[string]int
}

func (h *header) set(key, value string) {
	if i, ok := h.index[key]; ok {
		h.fields[i].value = value
		return
	}
	if h.index == nil {
		h.index = make(map[string]int)
	}
	h.index[key] = len(h.fields)
	h.fields = append(h.fields, field{key, value})
}

func (h *header) get(key string) (string, bool) {
	if i, ok := h.index[key]; ok {
		return h.fields[i].value, true
	}
	return "", false
}

func (h *header) require(key string) (string, error) {
	v, ok := h.get(key)
	if !ok {
		return "", fmt.Errorf("%w: missing %s", ErrFormat, key)
	}
	return v, nil
}

func (h *header) ints(key string, n int) ([]int, error) {
	v, err := h.require(key)
	if err != nil {
		return nil, err
	}
	parts := strings.Fields(v)
	if len(parts) != n {
		return nil, fmt.Errorf("%w: %s needs %d values, got %q", ErrFormat, key, n, v)
	}
	out := make([]int, n)
	for i, p := range parts {
		if out[i], err = strconv.Atoi(p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrFormat, key, err)
		}
	}
	return out, nil
}

func (h *header) floats(key string, n int, def float64) ([]float64, error) {
	v, ok := h.get(key)
	if !ok {
		out := make([]float64, n)
		for i := range out {
			out[i] = def
		}
		return out, nil
	}
	parts := strings.Fields(v)
	if len(parts) != n {
		return nil, fmt.Errorf("%w: %s needs %d values, got %q", ErrFormat, key, n, v)
	}
	out := make([]float64, n)
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrFormat, key, err)
		}
		out[i] = f
	}
	return out, nil
}

func (h *header) flag(key string) bool {
	v, _ := h.get(key)
	return strings.EqualFold(v, "true")
}

// write emits the fields followed by ElementDataFile = LOCAL, which must
// be the last header line.
func (h *header) write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, f := range h.fields {
		if _, err := fmt.Fprintf(bw, "%s = %s\n", f.key, f.value); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(bw, "%s = LOCAL\n", dataFileKey); err != nil {
		return err
	}
	return bw.Flush()
}

// readHeader parses "key = value" lines up to ElementDataFile. The reader
// is left positioned at the first byte of pixel data.
func readHeader(r *bufio.Reader) (*header, error) {
	h := &header{}
	for {
		line, err := r.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF {
				return nil, fmt.Errorf("%w: no %s line", ErrFormat, dataFileKey)
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%w: line %q has no '='", ErrFormat, line)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key == dataFileKey {
			if value != "LOCAL" {
				return nil, fmt.Errorf("%w: only LOCAL element data is supported, got %q", ErrFormat, value)
			}
			return h, nil
		}
		h.set(key, value)
	}
}

// encodeData returns raw or zlib compressed pixel data.
func encodeData(data []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return data, nil
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress pixel data: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress pixel data: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeData reads exactly size bytes of pixel data.
func decodeData(r io.Reader, size int, compressed bool) ([]byte, error) {
	if compressed {
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: compressed data: %v", ErrFormat, err)
		}
		defer zr.Close()
		r = zr
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: expected %d bytes of pixel data: %v", ErrFormat, size, err)
	}
	return data, nil
}

func formatFloats(values ...float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}

func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
