// Package wire implements the length-prefixed, versioned, tagged control
// and data-channel frame format of spec §4.1 and §6: a 4-byte big-endian
// length prefix, a version byte, a tag byte, and a payload, carried over
// whatever opaque secure byte stream the deployment adapter hands us.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/luxfi/pipeshard/pipeerr"
	"github.com/luxfi/pipeshard/tensor"
)

// ProtocolVersion is the current control-plane wire version.
const ProtocolVersion = 1

// Tag identifies a control message's type.
type Tag byte

const (
	TagInit                  Tag = 0x01
	TagReady                 Tag = 0x02
	TagEstablishDataChannels Tag = 0x03
	TagDataChannelsUp        Tag = 0x04
	TagStartRequest          Tag = 0x05
	TagRequestComplete       Tag = 0x06
	TagHealthCheck           Tag = 0x07
	TagHealthAck             Tag = 0x08
	// TagPing carries a keep-alive nonce in either direction; the spec's
	// wire table gives Ping and Pong the same tag and distinguishes them
	// only by which peer sent the frame, not by a byte value.
	TagPing       Tag = 0x09
	TagShutdown   Tag = 0x0A
	TagStageError Tag = 0xFE
)

// MaxControlFrameLen bounds a control frame's payload length (spec §4.1).
const MaxControlFrameLen = 1 << 20 // 1 MiB

// MaxTensorFrameLen bounds a tensor frame's payload length (spec §6).
const MaxTensorFrameLen = 64 << 20 // 64 MiB

// tensorFrameTag is the single recognized data-channel frame tag; the
// format reserves a tag byte for future non-tensor frame types.
const tensorFrameTag byte = 0x01

// WriteControlFrame writes one versioned, tagged control frame to w.
func WriteControlFrame(w io.Writer, tag Tag, payload []byte) error {
	if len(payload) > MaxControlFrameLen {
		return pipeerr.Newf(pipeerr.ProtocolMismatch, "wire: control payload of %d bytes exceeds %d byte limit", len(payload), MaxControlFrameLen)
	}
	// length prefix covers version + tag + payload.
	frameLen := uint32(2 + len(payload))
	header := make([]byte, 4+2)
	binary.BigEndian.PutUint32(header[0:4], frameLen)
	header[4] = ProtocolVersion
	header[5] = byte(tag)
	if _, err := w.Write(header); err != nil {
		return pipeerr.Wrap(pipeerr.Transport, err, "wire: writing control frame header")
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return pipeerr.Wrap(pipeerr.Transport, err, "wire: writing control frame payload")
	}
	return nil
}

// ReadControlFrame reads one control frame from r, returning its tag and
// payload. A version mismatch is reported as ProtocolMismatch; the caller
// treats it as fatal for the pipeline.
func ReadControlFrame(r io.Reader) (Tag, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, pipeerr.Wrap(pipeerr.Transport, err, "wire: reading control frame length")
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen < 2 {
		return 0, nil, pipeerr.Newf(pipeerr.ProtocolMismatch, "wire: control frame length %d too short for version+tag", frameLen)
	}
	if frameLen-2 > MaxControlFrameLen {
		return 0, nil, pipeerr.Newf(pipeerr.ProtocolMismatch, "wire: control frame payload of %d bytes exceeds %d byte limit", frameLen-2, MaxControlFrameLen)
	}

	body := make([]byte, frameLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, pipeerr.Wrap(pipeerr.Transport, err, "wire: reading control frame body")
	}

	version := body[0]
	if version != ProtocolVersion {
		return 0, nil, pipeerr.Newf(pipeerr.ProtocolMismatch, "wire: control frame version %d, want %d", version, ProtocolVersion)
	}
	tag := Tag(body[1])
	payload := body[2:]
	return tag, payload, nil
}

// MaxPreambleLen bounds the one-time attestation preamble exchanged
// before a control channel's protocol frames begin.
const MaxPreambleLen = 1 << 20 // 1 MiB

// WritePreamble writes a length-prefixed attestation blob, the one-time
// frame a stage sends before the tagged control protocol begins so the
// orchestrator's deployment adapter can upgrade the raw stream to a
// SecureChannel (spec §4.5.1's "upgrade control_channels[i] ... using
// the verifier").
func WritePreamble(w io.Writer, blob []byte) error {
	if len(blob) > MaxPreambleLen {
		return pipeerr.Newf(pipeerr.ProtocolMismatch, "wire: preamble of %d bytes exceeds %d byte limit", len(blob), MaxPreambleLen)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(blob)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return pipeerr.Wrap(pipeerr.Transport, err, "wire: writing preamble length")
	}
	if len(blob) == 0 {
		return nil
	}
	if _, err := w.Write(blob); err != nil {
		return pipeerr.Wrap(pipeerr.Transport, err, "wire: writing preamble")
	}
	return nil
}

// ReadPreamble reads the length-prefixed attestation blob a stage sends
// before the tagged control protocol begins.
func ReadPreamble(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, pipeerr.Wrap(pipeerr.Transport, err, "wire: reading preamble length")
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxPreambleLen {
		return nil, pipeerr.Newf(pipeerr.ProtocolMismatch, "wire: preamble of %d bytes exceeds %d byte limit", n, MaxPreambleLen)
	}
	blob := make([]byte, n)
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, pipeerr.Wrap(pipeerr.Transport, err, "wire: reading preamble")
	}
	return blob, nil
}

// WriteTensorFrame writes t to w using the data-channel wire format:
// [version:1][tag:1][dtype:1][rank:1][shape: rank*4 BE][payload_len:4 BE][payload].
// An error-sentinel tensor's payload is its structured
// {stage_idx:4, kind:1, detail_len:2, detail} encoding instead of raw data.
func WriteTensorFrame(w io.Writer, t tensor.Tensor) error {
	p := NewPacker(16 + len(t.Data))
	p.Byte(ProtocolVersion)
	p.Byte(tensorFrameTag)
	p.Byte(byte(t.DType))

	if t.IsErrorSentinel() {
		stageIdx, kind, detail, _ := t.ErrorSentinelInfo()
		p.Byte(0) // rank: unused for error sentinels
		payload := NewPacker(7 + len(detail))
		payload.Uint32(stageIdx)
		payload.Byte(byte(kind))
		payload.Bytes16([]byte(detail))
		if payload.Err != nil {
			return pipeerr.Wrap(pipeerr.Config, payload.Err, "wire: encoding error sentinel")
		}
		p.Bytes32(payload.Bytes)
	} else {
		if len(t.Shape) > 255 {
			return pipeerr.Newf(pipeerr.Config, "wire: tensor rank %d exceeds byte-sized rank field", len(t.Shape))
		}
		p.Byte(byte(len(t.Shape)))
		for _, d := range t.Shape {
			p.Uint32(d)
		}
		if len(t.Data) > MaxTensorFrameLen {
			return pipeerr.Newf(pipeerr.ProtocolMismatch, "wire: tensor payload of %d bytes exceeds %d byte limit", len(t.Data), MaxTensorFrameLen)
		}
		p.Bytes32(t.Data)
	}

	if p.Err != nil {
		return pipeerr.Wrap(pipeerr.Config, p.Err, "wire: encoding tensor frame")
	}
	if _, err := w.Write(p.Bytes); err != nil {
		return pipeerr.Wrap(pipeerr.Transport, err, "wire: writing tensor frame")
	}
	return nil
}

// ReadTensorFrame reads one tensor frame from r.
func ReadTensorFrame(r io.Reader) (tensor.Tensor, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return tensor.Tensor{}, pipeerr.Wrap(pipeerr.Transport, err, "wire: reading tensor frame header")
	}
	version, tag, dtype, rank := head[0], head[1], tensor.DType(head[2]), head[3]
	if version != ProtocolVersion {
		return tensor.Tensor{}, pipeerr.Newf(pipeerr.ProtocolMismatch, "wire: tensor frame version %d, want %d", version, ProtocolVersion)
	}
	if tag != tensorFrameTag {
		return tensor.Tensor{}, pipeerr.Newf(pipeerr.ProtocolMismatch, "wire: tensor frame tag %#x, want %#x", tag, tensorFrameTag)
	}

	var shapeBuf [4]byte
	shape := make([]uint32, rank)
	for i := range shape {
		if _, err := io.ReadFull(r, shapeBuf[:]); err != nil {
			return tensor.Tensor{}, pipeerr.Wrap(pipeerr.Transport, err, "wire: reading tensor shape dimension")
		}
		shape[i] = binary.BigEndian.Uint32(shapeBuf[:])
	}

	var plenBuf [4]byte
	if _, err := io.ReadFull(r, plenBuf[:]); err != nil {
		return tensor.Tensor{}, pipeerr.Wrap(pipeerr.Transport, err, "wire: reading tensor payload length")
	}
	plen := binary.BigEndian.Uint32(plenBuf[:])
	if plen > MaxTensorFrameLen {
		return tensor.Tensor{}, pipeerr.Newf(pipeerr.ProtocolMismatch, "wire: tensor payload of %d bytes exceeds %d byte limit", plen, MaxTensorFrameLen)
	}
	payload := make([]byte, plen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return tensor.Tensor{}, pipeerr.Wrap(pipeerr.Transport, err, "wire: reading tensor payload")
	}

	if dtype == tensor.ErrorSentinelDType {
		u := NewUnpacker(payload)
		stageIdx := u.Uint32()
		kind := tensor.ErrorKind(u.Byte())
		detail := string(u.Bytes16())
		if u.Err != nil {
			return tensor.Tensor{}, pipeerr.Wrap(pipeerr.InvalidMessage, u.Err, "wire: decoding error sentinel payload")
		}
		return tensor.NewErrorSentinel(stageIdx, kind, detail), nil
	}

	return tensor.Tensor{DType: dtype, Shape: shape, Data: payload}, nil
}
