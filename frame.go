package emq

import (
	"encoding/binary"
	"errors"
	"io"
)

// Frame errors.
var (
	ErrFrameTooLarge = errors.New("emq: frame exceeds maximum size")
	ErrUnknownReply  = errors.New("emq: unknown reply status")
)

const (
	frameMagic      = 0xEA
	frameHeaderSize = 12

	// MaxFrameSizeDefault is the default limit for a frame body (64MB).
	MaxFrameSizeDefault uint32 = 64 * 1024 * 1024
)

// FrameFlags are the per-frame bit flags.
type FrameFlags byte

const (
	// FlagNoAck asks the broker not to reply to the request.
	FlagNoAck FrameFlags = 1 << iota
	// FlagReply marks a reply to a request.
	FlagReply
	// FlagPush marks a server-initiated event.
	FlagPush
)

// Has reports whether all bits of f are set.
func (fl FrameFlags) Has(f FrameFlags) bool {
	return fl&f == f
}

// Frame is a single self-delimited protocol unit.
type Frame struct {
	Command   Command
	Flags     FrameFlags
	Status    Status
	RequestID uint32
	Body      []byte
}

// IsReply returns true for reply frames.
func (f *Frame) IsReply() bool {
	return f.Flags.Has(FlagReply)
}

// IsPush returns true for push event frames.
func (f *Frame) IsPush() bool {
	return f.Flags.Has(FlagPush)
}

// Decoder returns a decoder over the frame body.
func (f *Frame) Decoder() *Decoder {
	return NewDecoder(f.Body)
}

// Size returns the encoded size of the frame.
func (f *Frame) Size() int {
	return frameHeaderSize + len(f.Body)
}

// NewRequest builds a request frame.
func NewRequest(cmd Command, id uint32, body []byte) *Frame {
	return &Frame{Command: cmd, RequestID: id, Body: body}
}

// NewReply builds a reply frame for the given request.
func NewReply(req *Frame, status Status, body []byte) *Frame {
	return &Frame{
		Command:   req.Command,
		Flags:     FlagReply,
		Status:    status,
		RequestID: req.RequestID,
		Body:      body,
	}
}

// NewPush builds a push event frame.
func NewPush(event Command, body []byte) *Frame {
	return &Frame{Command: event, Flags: FlagPush, Body: body}
}

// ReadFrame reads a complete frame from the reader.
// If maxSize is greater than 0, bodies larger than maxSize return ErrFrameTooLarge.
// Reply frames with a status outside the known enumeration return ErrUnknownReply.
func ReadFrame(r io.Reader, maxSize uint32) (*Frame, int, error) {
	var header [frameHeaderSize]byte
	n, err := io.ReadFull(r, header[:])
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, n, ErrMalformedFrame
		}
		return nil, n, err
	}

	if header[0] != frameMagic {
		return nil, n, ErrMalformedFrame
	}

	f := &Frame{
		Command:   Command(header[1]),
		Flags:     FrameFlags(header[2]),
		Status:    Status(header[3]),
		RequestID: binary.BigEndian.Uint32(header[4:8]),
	}

	bodyLen := binary.BigEndian.Uint32(header[8:12])
	if maxSize > 0 && bodyLen > maxSize {
		return nil, n, ErrFrameTooLarge
	}

	if bodyLen > 0 {
		f.Body = make([]byte, bodyLen)
		bn, err := io.ReadFull(r, f.Body)
		n += bn
		if err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				return nil, n, ErrMalformedFrame
			}
			return nil, n, err
		}
	}

	if f.IsReply() && !f.Status.Valid() {
		return f, n, ErrUnknownReply
	}

	return f, n, nil
}

// WriteFrame writes a complete frame to the writer in a single Write call.
// If maxSize is greater than 0, bodies larger than maxSize return ErrFrameTooLarge.
func WriteFrame(w io.Writer, f *Frame, maxSize uint32) (int, error) {
	if maxSize > 0 && uint64(len(f.Body)) > uint64(maxSize) {
		return 0, ErrFrameTooLarge
	}

	buf := getBytesBuffer()
	defer putBytesBuffer(buf)

	buf.data = appendFrame(buf.data, f)
	return w.Write(buf.data)
}

func appendFrame(dst []byte, f *Frame) []byte {
	dst = append(dst, frameMagic, byte(f.Command), byte(f.Flags), byte(f.Status))
	dst = binary.BigEndian.AppendUint32(dst, f.RequestID)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Body)))
	return append(dst, f.Body...)
}
