package procgroup

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

const (
	frameMagic     uint32 = 0x52494e47 // "RING"
	frameVersion   uint16 = 1
	frameHeaderLen        = 20

	// helloMaxBytes bounds the hello payload, which is a
	// run ID, before the peer is known.
	helloMaxBytes = 64
)

type frameKind uint16

const (
	// frameHello opens a connection; its payload is the
	// run ID.
	frameHello frameKind = iota + 1

	// frameTensor carries one encoded tensor.
	frameTensor

	// frameAbort announces that the sender failed; its
	// payload is the reason.
	frameAbort
)

func (k frameKind) String() string {
	switch k {
	case frameHello:
		return "hello"
	case frameTensor:
		return "tensor"
	case frameAbort:
		return "abort"
	default:
		return fmt.Sprintf("frameKind(%d)", int(k))
	}
}

var (
	ErrInvalidMagic       = errors.New("procgroup: invalid frame magic")
	ErrUnsupportedVersion = errors.New("procgroup: unsupported frame version")
	ErrFrameTooLarge      = errors.New("procgroup: frame payload too large")
	ErrShortHeader        = errors.New("procgroup: short frame header")
)

// frameHeader is the fixed wire header preceding every
// frame on a TCP connection.
type frameHeader struct {
	Magic      uint32
	Version    uint16
	Kind       frameKind
	Source     uint32
	PayloadLen uint64
}

type frame struct {
	Header  frameHeader
	Payload []byte
}

func encodeFrameHeader(h frameHeader) []byte {
	buf := make([]byte, frameHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Kind))
	binary.BigEndian.PutUint32(buf[8:12], h.Source)
	binary.BigEndian.PutUint64(buf[12:20], h.PayloadLen)
	return buf
}

func decodeFrameHeader(b []byte) (frameHeader, error) {
	if len(b) != frameHeaderLen {
		return frameHeader{}, fmt.Errorf("procgroup: invalid frame header length: %d", len(b))
	}
	h := frameHeader{
		Magic:      binary.BigEndian.Uint32(b[0:4]),
		Version:    binary.BigEndian.Uint16(b[4:6]),
		Kind:       frameKind(binary.BigEndian.Uint16(b[6:8])),
		Source:     binary.BigEndian.Uint32(b[8:12]),
		PayloadLen: binary.BigEndian.Uint64(b[12:20]),
	}
	if h.Magic != frameMagic {
		return frameHeader{}, ErrInvalidMagic
	}
	if h.Version != frameVersion {
		return frameHeader{}, ErrUnsupportedVersion
	}
	return h, nil
}

func readFrame(r io.Reader, maxPayload uint64) (frame, error) {
	var fixed [frameHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return frame{}, ErrShortHeader
		}
		return frame{}, err
	}
	h, err := decodeFrameHeader(fixed[:])
	if err != nil {
		return frame{}, err
	}
	if h.PayloadLen > maxPayload {
		return frame{}, ErrFrameTooLarge
	}
	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return frame{}, err
	}
	return frame{Header: h, Payload: payload}, nil
}

func writeFrame(w io.Writer, kind frameKind, source int, payload []byte, maxPayload uint64) error {
	if uint64(len(payload)) > maxPayload {
		return ErrFrameTooLarge
	}
	h := encodeFrameHeader(frameHeader{
		Magic:      frameMagic,
		Version:    frameVersion,
		Kind:       kind,
		Source:     uint32(source),
		PayloadLen: uint64(len(payload)),
	})
	bufs := net.Buffers{h, payload}
	_, err := bufs.WriteTo(w)
	return err
}
