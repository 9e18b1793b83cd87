// Package tensor defines the activation-tensor payload that flows on
// pipeshard's data channels, along with its two distinguished encodings:
// the cache-clear sentinel and the error sentinel.
package tensor

import "math"

// DType identifies the element type of a Tensor's raw bytes.
type DType uint8

const (
	// U32 is an unsigned 32-bit element.
	U32 DType = 0x01
	// F32 is an IEEE-754 32-bit float element.
	F32 DType = 0x02
	// BF16 is a bfloat16 element.
	BF16 DType = 0x03
	// ErrorSentinelDType is the reserved dtype byte marking an error
	// sentinel frame (spec §6: "reserved dtype value 0xFF").
	ErrorSentinelDType DType = 0xFF
)

// Sizeof returns the byte width of one element of dtype, or 0 if unknown.
func (d DType) Sizeof() int {
	switch d {
	case U32, F32:
		return 4
	case BF16:
		return 2
	default:
		return 0
	}
}

// UnknownStageIdx is used in an error sentinel when the stage that produced
// it can't be identified, never a guessed 0.
const UnknownStageIdx = ^uint32(0)

// ErrorKind identifies why a stage emitted an error sentinel.
type ErrorKind uint8

const (
	// ErrKindUnspecified is never produced deliberately; its presence on
	// the wire indicates a decode of a frame this build doesn't recognize.
	ErrKindUnspecified ErrorKind = 0
	// ErrKindExecutorFailed means the stage's executor returned an error.
	ErrKindExecutorFailed ErrorKind = 1
	// ErrKindUpstreamFailed means this stage received an error sentinel
	// from its own upstream and is propagating it.
	ErrKindUpstreamFailed ErrorKind = 2
	// ErrKindTransportFailed means a write to the downstream data channel
	// itself failed.
	ErrKindTransportFailed ErrorKind = 3
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindExecutorFailed:
		return "ExecutorFailed"
	case ErrKindUpstreamFailed:
		return "UpstreamFailed"
	case ErrKindTransportFailed:
		return "TransportFailed"
	default:
		return "Unspecified"
	}
}

// Tensor is the single payload currency carried on data channels: a typed,
// shaped, raw byte buffer.
type Tensor struct {
	DType DType
	Shape []uint32
	Data  []byte

	// sentinel fields are only meaningful when IsErrorSentinel is true.
	errSentinel  bool
	errStageIdx  uint32
	errKind      ErrorKind
	errDetail    string
}

// NumElements returns the product of Shape's dimensions.
func (t Tensor) NumElements() uint64 {
	n := uint64(1)
	for _, d := range t.Shape {
		n *= uint64(d)
	}
	return n
}

// IsCacheClear reports whether t is the distinguished cache-clear sentinel:
// dtype U32, shape [0].
func (t Tensor) IsCacheClear() bool {
	return t.DType == U32 && len(t.Shape) == 1 && t.Shape[0] == 0
}

// NewCacheClear builds the cache-clear sentinel tensor.
func NewCacheClear() Tensor {
	return Tensor{DType: U32, Shape: []uint32{0}}
}

// IsErrorSentinel reports whether t is a distinguished error-sentinel
// encoding.
func (t Tensor) IsErrorSentinel() bool {
	return t.errSentinel
}

// ErrorSentinelInfo extracts the stage index, error kind and detail string
// from an error-sentinel tensor. ok is false if t is not an error sentinel.
func (t Tensor) ErrorSentinelInfo() (stageIdx uint32, kind ErrorKind, detail string, ok bool) {
	if !t.errSentinel {
		return 0, 0, "", false
	}
	return t.errStageIdx, t.errKind, t.errDetail, true
}

// NewErrorSentinel builds an error-sentinel tensor carrying the originating
// stage index, an error kind, and a short human-readable detail string.
// detail is truncated to fit the wire format's 16-bit length prefix.
func NewErrorSentinel(stageIdx uint32, kind ErrorKind, detail string) Tensor {
	const maxDetail = math.MaxUint16
	if len(detail) > maxDetail {
		detail = detail[:maxDetail]
	}
	return Tensor{
		DType:       ErrorSentinelDType,
		errSentinel: true,
		errStageIdx: stageIdx,
		errKind:     kind,
		errDetail:   detail,
	}
}

// MatchesSpec reports whether t's dtype and element count are compatible
// with an ActivationSpec's declared hidden_dim (the sequence-length axis is
// deliberately left unchecked here; the executor itself validates seq_len).
func (t Tensor) MatchesSpec(dtype DType, hiddenDim uint32) bool {
	if t.DType != dtype {
		return false
	}
	if len(t.Shape) == 0 {
		return false
	}
	return t.Shape[len(t.Shape)-1] == hiddenDim
}
