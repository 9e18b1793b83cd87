package wire

import (
	"github.com/luxfi/pipeshard/manifest"
	"github.com/luxfi/pipeshard/pipeerr"
	"github.com/luxfi/pipeshard/schedule"
	"github.com/luxfi/pipeshard/tensor"
)

// Init is sent orchestrator -> stage to configure it before it may accept
// data channels (spec §4.1, tag 0x01).
type Init struct {
	StageSpec        manifest.StageSpec
	ActivationSpec   manifest.ActivationSpec
	PrevMeasurements map[uint32][]byte
	NextMeasurements map[uint32][]byte
}

// Encode serializes the message to a control-frame payload.
func (m Init) Encode() ([]byte, error) {
	p := NewPacker(256)
	encodeStageSpec(p, m.StageSpec)
	encodeActivationSpec(p, m.ActivationSpec)
	encodeMeasurements(p, m.PrevMeasurements)
	encodeMeasurements(p, m.NextMeasurements)
	if p.Err != nil {
		return nil, pipeerr.Wrap(pipeerr.Config, p.Err, "wire: encoding Init")
	}
	return p.Bytes, nil
}

// DecodeInit parses an Init payload.
func DecodeInit(payload []byte) (Init, error) {
	u := NewUnpacker(payload)
	var m Init
	m.StageSpec = decodeStageSpec(u)
	m.ActivationSpec = decodeActivationSpec(u)
	m.PrevMeasurements = decodeMeasurements(u)
	m.NextMeasurements = decodeMeasurements(u)
	if u.Err != nil {
		return Init{}, pipeerr.Wrap(pipeerr.InvalidMessage, u.Err, "wire: decoding Init")
	}
	if !u.Done() {
		return Init{}, pipeerr.New(pipeerr.InvalidMessage, "wire: trailing bytes in Init payload")
	}
	return m, nil
}

// Ready is sent stage -> orchestrator once it has accepted Init (tag
// 0x02).
type Ready struct {
	StageIdx        uint32
	AttestationEcho []byte
}

func (m Ready) Encode() ([]byte, error) {
	p := NewPacker(8 + len(m.AttestationEcho))
	p.Uint32(m.StageIdx)
	p.Bytes32(m.AttestationEcho)
	if p.Err != nil {
		return nil, pipeerr.Wrap(pipeerr.Config, p.Err, "wire: encoding Ready")
	}
	return p.Bytes, nil
}

func DecodeReady(payload []byte) (Ready, error) {
	u := NewUnpacker(payload)
	var m Ready
	m.StageIdx = u.Uint32()
	m.AttestationEcho = u.Bytes32()
	if u.Err != nil || !u.Done() {
		return Ready{}, pipeerr.New(pipeerr.InvalidMessage, "wire: decoding Ready")
	}
	return m, nil
}

// StartRequest is sent orchestrator -> every stage to begin a request
// (tag 0x05).
type StartRequest struct {
	RequestID       uint64
	MicroBatchCount uint32
	SeqLen          uint32
	Schedule        []schedule.Op
}

func (m StartRequest) Encode() ([]byte, error) {
	p := NewPacker(16 + 8*len(m.Schedule))
	p.Uint64(m.RequestID)
	p.Uint32(m.MicroBatchCount)
	p.Uint32(m.SeqLen)
	p.Uint32(uint32(len(m.Schedule)))
	for _, op := range m.Schedule {
		p.Uint32(op.Stage)
		p.Uint32(op.MicroBatch)
	}
	if p.Err != nil {
		return nil, pipeerr.Wrap(pipeerr.Config, p.Err, "wire: encoding StartRequest")
	}
	return p.Bytes, nil
}

func DecodeStartRequest(payload []byte) (StartRequest, error) {
	u := NewUnpacker(payload)
	var m StartRequest
	m.RequestID = u.Uint64()
	m.MicroBatchCount = u.Uint32()
	m.SeqLen = u.Uint32()
	n := u.Uint32()
	m.Schedule = make([]schedule.Op, n)
	for i := range m.Schedule {
		m.Schedule[i] = schedule.Op{Stage: u.Uint32(), MicroBatch: u.Uint32()}
	}
	if u.Err != nil || !u.Done() {
		return StartRequest{}, pipeerr.New(pipeerr.InvalidMessage, "wire: decoding StartRequest")
	}
	return m, nil
}

// RequestComplete is sent stage -> orchestrator (tag 0x06).
type RequestComplete struct {
	RequestID uint64
}

func (m RequestComplete) Encode() ([]byte, error) {
	p := NewPacker(8)
	p.Uint64(m.RequestID)
	return p.Bytes, nil
}

func DecodeRequestComplete(payload []byte) (RequestComplete, error) {
	u := NewUnpacker(payload)
	m := RequestComplete{RequestID: u.Uint64()}
	if u.Err != nil || !u.Done() {
		return RequestComplete{}, pipeerr.New(pipeerr.InvalidMessage, "wire: decoding RequestComplete")
	}
	return m, nil
}

// HealthCheck is sent orchestrator -> stage (tag 0x07).
type HealthCheck struct {
	Nonce uint64
}

func (m HealthCheck) Encode() ([]byte, error) {
	p := NewPacker(8)
	p.Uint64(m.Nonce)
	return p.Bytes, nil
}

func DecodeHealthCheck(payload []byte) (HealthCheck, error) {
	u := NewUnpacker(payload)
	m := HealthCheck{Nonce: u.Uint64()}
	if u.Err != nil || !u.Done() {
		return HealthCheck{}, pipeerr.New(pipeerr.InvalidMessage, "wire: decoding HealthCheck")
	}
	return m, nil
}

// HealthAck is sent stage -> orchestrator (tag 0x08).
type HealthAck struct {
	Nonce  uint64
	Status byte // 0 = healthy, nonzero = unhealthy
}

func (m HealthAck) Encode() ([]byte, error) {
	p := NewPacker(9)
	p.Uint64(m.Nonce)
	p.Byte(m.Status)
	return p.Bytes, nil
}

func DecodeHealthAck(payload []byte) (HealthAck, error) {
	u := NewUnpacker(payload)
	m := HealthAck{Nonce: u.Uint64(), Status: u.Byte()}
	if u.Err != nil || !u.Done() {
		return HealthAck{}, pipeerr.New(pipeerr.InvalidMessage, "wire: decoding HealthAck")
	}
	return m, nil
}

// PingPong carries a keep-alive nonce for both directions of the
// TagPing message; a Ping sent by the orchestrator and the stage's Pong
// reply are the same tag and payload shape, distinguished only by sender.
type PingPong struct {
	Nonce uint64
}

func (m PingPong) Encode() ([]byte, error) {
	p := NewPacker(8)
	p.Uint64(m.Nonce)
	return p.Bytes, nil
}

func DecodePingPong(payload []byte) (PingPong, error) {
	u := NewUnpacker(payload)
	m := PingPong{Nonce: u.Uint64()}
	if u.Err != nil || !u.Done() {
		return PingPong{}, pipeerr.New(pipeerr.InvalidMessage, "wire: decoding Ping/Pong")
	}
	return m, nil
}

// StageError is sent stage -> orchestrator on any fault (tag 0xFE).
type StageError struct {
	HasRequestID bool
	RequestID    uint64
	StageIdx     uint32
	Kind         tensor.ErrorKind
	Detail       string
}

func (m StageError) Encode() ([]byte, error) {
	p := NewPacker(32 + len(m.Detail))
	if m.HasRequestID {
		p.Byte(1)
		p.Uint64(m.RequestID)
	} else {
		p.Byte(0)
	}
	p.Uint32(m.StageIdx)
	p.Byte(byte(m.Kind))
	p.Bytes16([]byte(m.Detail))
	if p.Err != nil {
		return nil, pipeerr.Wrap(pipeerr.Config, p.Err, "wire: encoding StageError")
	}
	return p.Bytes, nil
}

func DecodeStageError(payload []byte) (StageError, error) {
	u := NewUnpacker(payload)
	var m StageError
	hasReq := u.Byte()
	if hasReq != 0 {
		m.HasRequestID = true
		m.RequestID = u.Uint64()
	}
	m.StageIdx = u.Uint32()
	m.Kind = tensor.ErrorKind(u.Byte())
	m.Detail = string(u.Bytes16())
	if u.Err != nil || !u.Done() {
		return StageError{}, pipeerr.New(pipeerr.InvalidMessage, "wire: decoding StageError")
	}
	return m, nil
}

func encodeActivationSpec(p *Packer, a manifest.ActivationSpec) {
	p.Byte(byte(a.DType))
	p.Uint32(a.HiddenDim)
	p.Uint32(a.MaxSeqLen)
}

func decodeActivationSpec(u *Unpacker) manifest.ActivationSpec {
	return manifest.ActivationSpec{
		DType:     tensor.DType(u.Byte()),
		HiddenDim: u.Uint32(),
		MaxSeqLen: u.Uint32(),
	}
}

func encodeEndpoint(p *Packer, e manifest.Endpoint) {
	p.String32(string(e.Kind))
	p.String32(e.Address)
}

func decodeEndpoint(u *Unpacker) manifest.Endpoint {
	return manifest.Endpoint{Kind: manifest.TransportKind(u.String32()), Address: u.String32()}
}

func encodeMeasurements(p *Packer, m map[uint32][]byte) {
	p.Uint32(uint32(len(m)))
	for pcr, meas := range m {
		p.Uint32(pcr)
		p.Bytes32(meas)
	}
}

func decodeMeasurements(u *Unpacker) map[uint32][]byte {
	n := u.Uint32()
	if n == 0 {
		return nil
	}
	m := make(map[uint32][]byte, n)
	for i := uint32(0); i < n; i++ {
		pcr := u.Uint32()
		m[pcr] = u.Bytes32()
	}
	return m
}

func encodeStageSpec(p *Packer, s manifest.StageSpec) {
	p.Uint32(s.StageIdx)
	p.Uint32(s.LayerStart)
	p.Uint32(s.LayerEnd)
	p.Uint32(uint32(len(s.WeightHashes)))
	for _, h := range s.WeightHashes {
		p.Bytes32(h)
	}
	encodeMeasurements(p, s.ExpectedMeasurements)
	encodeEndpoint(p, s.Control)
	encodeEndpoint(p, s.DataIn)
	encodeEndpoint(p, s.DataOut)
}

func decodeStageSpec(u *Unpacker) manifest.StageSpec {
	var s manifest.StageSpec
	s.StageIdx = u.Uint32()
	s.LayerStart = u.Uint32()
	s.LayerEnd = u.Uint32()
	n := u.Uint32()
	if n > 0 {
		s.WeightHashes = make([][]byte, n)
		for i := range s.WeightHashes {
			s.WeightHashes[i] = u.Bytes32()
		}
	}
	s.ExpectedMeasurements = decodeMeasurements(u)
	s.Control = decodeEndpoint(u)
	s.DataIn = decodeEndpoint(u)
	s.DataOut = decodeEndpoint(u)
	return s
}
