package histogram

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	encodingVersion = 1
	headerSize      = 1 + 4 + 4 + 8 + 8 + 2
)

var errInvalidEncoding = errors.New("histogram: invalid encoding")

// Encode serialises h as a versioned fixed header, the name and the counts as
// little-endian float64 values.
func Encode(h *Histogram) ([]byte, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}
	if len(h.Name) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: name too long", ErrBinning)
	}
	buf := make([]byte, headerSize+len(h.Name)+8*len(h.Counts))
	buf[0] = encodingVersion
	binary.LittleEndian.PutUint32(buf[1:], uint32(h.Elements))
	binary.LittleEndian.PutUint32(buf[5:], uint32(h.Bins))
	binary.LittleEndian.PutUint64(buf[9:], math.Float64bits(h.Min))
	binary.LittleEndian.PutUint64(buf[17:], math.Float64bits(h.Max))
	binary.LittleEndian.PutUint16(buf[25:], uint16(len(h.Name)))
	off := headerSize
	off += copy(buf[off:], h.Name)
	for _, c := range h.Counts {
		binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(c))
		off += 8
	}
	return buf, nil
}

// Decode reverses Encode.
func Decode(raw []byte) (*Histogram, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("%w: short header (%d bytes)", errInvalidEncoding, len(raw))
	}
	if raw[0] != encodingVersion {
		return nil, fmt.Errorf("%w: version %d", errInvalidEncoding, raw[0])
	}
	h := &Histogram{
		Elements: int(binary.LittleEndian.Uint32(raw[1:])),
		Bins:     int(binary.LittleEndian.Uint32(raw[5:])),
		Min:      math.Float64frombits(binary.LittleEndian.Uint64(raw[9:])),
		Max:      math.Float64frombits(binary.LittleEndian.Uint64(raw[17:])),
	}
	nameLen := int(binary.LittleEndian.Uint16(raw[25:]))
	off := headerSize
	if len(raw) < off+nameLen {
		return nil, fmt.Errorf("%w: truncated name", errInvalidEncoding)
	}
	h.Name = string(raw[off : off+nameLen])
	off += nameLen
	if err := h.validate(); err != nil {
		return nil, err
	}
	n := h.Elements * h.Bins
	if len(raw)-off != 8*n {
		return nil, fmt.Errorf("%w: %d count bytes for %d bins", errInvalidEncoding, len(raw)-off, n)
	}
	h.Counts = make([]float64, n)
	for i := range h.Counts {
		h.Counts[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[off:]))
		off += 8
	}
	return h, nil
}
