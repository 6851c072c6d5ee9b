package comm

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	// HeaderSize is the fixed wire size of a message header.
	HeaderSize = 32

	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
)

// Header flag bits.
const (
	FlagUrgent      uint8 = 1 << 0
	FlagProxyUpdate uint8 = 1 << 1
	FlagRequest     uint8 = 1 << 2
	FlagResponse    uint8 = 1 << 3
)

// Header is the fixed-layout, little-endian message header carried in
// front of every payload. The checksum covers the header bytes with the
// checksum field itself zeroed; the payload is opaque.
type Header struct {
	Version   uint16
	HeaderLen uint8
	Flags     uint8
	TotalLen  uint32 // header + payload
	RequestID uint32
	Command   uint32
	GroupID   uint32
	GIDSeq    uint32
	TimeoutMS uint32
}

// NewHeader returns a header for a payload of the given length.
func NewHeader(command uint32, payloadLen int) Header {
	return Header{
		Version:   ProtocolVersion,
		HeaderLen: HeaderSize,
		TotalLen:  uint32(HeaderSize + payloadLen),
		Command:   command,
	}
}

// PayloadLen returns the payload byte count implied by TotalLen.
func (h *Header) PayloadLen() int {
	hl := uint32(h.HeaderLen)
	if hl < HeaderSize {
		hl = HeaderSize
	}
	if h.TotalLen < hl {
		return 0
	}
	return int(h.TotalLen - hl)
}

// IsRequest reports whether the REQUEST flag is set.
func (h *Header) IsRequest() bool { return h.Flags&FlagRequest != 0 }

// IsResponse reports whether the RESPONSE flag is set.
func (h *Header) IsResponse() bool { return h.Flags&FlagResponse != 0 }

// IsProxyUpdate reports whether the PROXY_UPDATE flag is set.
func (h *Header) IsProxyUpdate() bool { return h.Flags&FlagProxyUpdate != 0 }

// IsUrgent reports whether the URGENT flag is set.
func (h *Header) IsUrgent() bool { return h.Flags&FlagUrgent != 0 }

// Marshal writes the header into buf, computing the checksum.
func (h *Header) Marshal(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("buffer too small: %d < %d", len(buf), HeaderSize)
	}

	binary.LittleEndian.PutUint16(buf[0:2], h.Version)
	buf[2] = h.HeaderLen
	buf[3] = h.Flags
	binary.LittleEndian.PutUint32(buf[4:8], 0) // checksum computed below
	binary.LittleEndian.PutUint32(buf[8:12], h.TotalLen)
	binary.LittleEndian.PutUint32(buf[12:16], h.RequestID)
	binary.LittleEndian.PutUint32(buf[16:20], h.Command)
	binary.LittleEndian.PutUint32(buf[20:24], h.GroupID)
	binary.LittleEndian.PutUint32(buf[24:28], h.GIDSeq)
	binary.LittleEndian.PutUint32(buf[28:32], h.TimeoutMS)

	sum := crc32.ChecksumIEEE(buf[:HeaderSize])
	binary.LittleEndian.PutUint32(buf[4:8], sum)
	return nil
}

// UnmarshalHeader parses and checksum-verifies a header from buf.
func UnmarshalHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, fmt.Errorf("buffer too small: %d < %d", len(buf), HeaderSize)
	}

	sum := binary.LittleEndian.Uint32(buf[4:8])

	var scratch [HeaderSize]byte
	copy(scratch[:], buf[:HeaderSize])
	binary.LittleEndian.PutUint32(scratch[4:8], 0)
	if crc32.ChecksumIEEE(scratch[:]) != sum {
		return h, ErrHeaderChecksumFailed
	}

	h.Version = binary.LittleEndian.Uint16(buf[0:2])
	h.HeaderLen = buf[2]
	h.Flags = buf[3]
	h.TotalLen = binary.LittleEndian.Uint32(buf[8:12])
	h.RequestID = binary.LittleEndian.Uint32(buf[12:16])
	h.Command = binary.LittleEndian.Uint32(buf[16:20])
	h.GroupID = binary.LittleEndian.Uint32(buf[20:24])
	h.GIDSeq = binary.LittleEndian.Uint32(buf[24:28])
	h.TimeoutMS = binary.LittleEndian.Uint32(buf[28:32])

	if h.HeaderLen < HeaderSize || h.TotalLen < uint32(h.HeaderLen) {
		return h, ErrInvalidFrame
	}
	return h, nil
}

// EncodeMessage renders header + payload into a single buffer ready for
// the send queue.
func EncodeMessage(h Header, payload []byte) ([]byte, error) {
	buf := make([]byte, HeaderSize+len(payload))
	h.TotalLen = uint32(len(buf))
	if h.Version == 0 {
		h.Version = ProtocolVersion
	}
	if h.HeaderLen == 0 {
		h.HeaderLen = HeaderSize
	}
	if err := h.Marshal(buf); err != nil {
		return nil, err
	}
	copy(buf[HeaderSize:], payload)
	return buf, nil
}
