package device

import (
	"encoding/binary"
	"math"

	"github.com/armadaproject/vecsched/internal/common/schederrors"
	"github.com/armadaproject/vecsched/internal/scheduler/task"
)

var segmentMagic = [4]byte{'V', 'S', 'E', 'G'}

const segmentVersion = 1

// Segment is a block of vectors stored under one blob key. Vectors are row major, Dim values per row.
// A built index is a segment tagged with the engine it was built for.
type Segment struct {
	Engine  task.EngineType
	Dim     int
	Ids     []int64
	Vectors []float32
}

func NewSegment(engine task.EngineType, ids []int64, vectors [][]float32) (*Segment, error) {
	if len(ids) != len(vectors) {
		return nil, schederrors.Newf(schederrors.ValidationError, "ids and vectors length mismatch: %d != %d", len(ids), len(vectors))
	}
	seg := &Segment{Engine: engine, Ids: append([]int64(nil), ids...)}
	if len(vectors) == 0 {
		return seg, nil
	}
	seg.Dim = len(vectors[0])
	seg.Vectors = make([]float32, 0, seg.Dim*len(vectors))
	for i, v := range vectors {
		if len(v) != seg.Dim {
			return nil, schederrors.Newf(schederrors.ValidationError, "vector %d has dimension %d, expected %d", i, len(v), seg.Dim)
		}
		seg.Vectors = append(seg.Vectors, v...)
	}
	return seg, nil
}

func (s *Segment) Len() int {
	return len(s.Ids)
}

// Row returns the i-th vector without copying.
func (s *Segment) Row(i int) []float32 {
	return s.Vectors[i*s.Dim : (i+1)*s.Dim]
}

// MarshalBinary layout, little endian: magic[4], version(uint16), engine length(uint16), engine bytes,
// dim(uint32), n(uint32), ids(int64[n]), vectors(float32[n*dim]).
func (s *Segment) MarshalBinary() ([]byte, error) {
	engine := []byte(s.Engine)
	out := make([]byte, 0, 4+2+2+len(engine)+8+8*len(s.Ids)+4*len(s.Vectors))
	out = append(out, segmentMagic[:]...)
	out = binary.LittleEndian.AppendUint16(out, segmentVersion)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(engine)))
	out = append(out, engine...)
	out = binary.LittleEndian.AppendUint32(out, uint32(s.Dim))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(s.Ids)))
	for _, id := range s.Ids {
		out = binary.LittleEndian.AppendUint64(out, uint64(id))
	}
	for _, v := range s.Vectors {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out, nil
}

func (s *Segment) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	magic := r.next(4)
	if r.err != nil || [4]byte(magic) != segmentMagic {
		return schederrors.New(schederrors.ValidationError, "not a segment")
	}
	if version := r.uint16(); version != segmentVersion {
		return schederrors.Newf(schederrors.ValidationError, "unsupported segment version %d", version)
	}
	engine := string(r.next(int(r.uint16())))
	dim := int(r.uint32())
	n := int(r.uint32())
	if r.err != nil {
		return r.err
	}
	if len(r.data)-r.off != n*8+n*dim*4 {
		return schederrors.Newf(schederrors.ValidationError, "segment payload has %d bytes, expected %d", len(r.data)-r.off, n*8+n*dim*4)
	}
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(r.uint64())
	}
	vectors := make([]float32, n*dim)
	for i := range vectors {
		vectors[i] = math.Float32frombits(r.uint32())
	}
	s.Engine = task.EngineType(engine)
	s.Dim = dim
	s.Ids = ids
	s.Vectors = vectors
	return nil
}

func DecodeSegment(data []byte) (*Segment, error) {
	s := &Segment{}
	if err := s.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return s, nil
}

type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = schederrors.New(schederrors.ValidationError, "segment truncated")
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uint16() uint16 {
	if b := r.next(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) uint32() uint32 {
	if b := r.next(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) uint64() uint64 {
	if b := r.next(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}
