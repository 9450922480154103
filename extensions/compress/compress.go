// Package compress provides interceptors that compress message payloads
// with LZ4 or zstd before they are sent and restore them when they are
// consumed.
//
// Compressed payloads start with a 7-byte header: the magic bytes 0xEC 0x5A,
// the algorithm, and the uncompressed size as a big-endian uint32. Payloads
// without the header pass through the consumer unchanged.
package compress

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/vitalvas/emq"
)

// Algorithm identifies the compression applied to a payload. The values are
// written to the payload header.
type Algorithm uint8

const (
	// None stores the payload as is behind the header.
	None Algorithm = 0
	// LZ4 is LZ4 block compression.
	LZ4 Algorithm = 1
	// Zstd is zstd at the default level.
	Zstd Algorithm = 2
)

const (
	magic0     = 0xEC
	magic1     = 0x5A
	headerSize = 7

	// maxDecodedSize caps the declared size of a payload.
	maxDecodedSize = int(emq.MaxFrameSizeDefault)
)

// ErrCorrupt is returned for a payload whose header or body does not decode.
var ErrCorrupt = errors.New("compress: corrupt payload")

var errIncompressible = errors.New("compress: incompressible")

// String returns the algorithm name.
func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", a)
	}
}

// ParseAlgorithm parses an algorithm name.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return 0, fmt.Errorf("unknown compression algorithm: %q", name)
	}
}

// zstd encoders and decoders are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode compresses data with alg and prepends the header. Data that does
// not shrink is stored with None.
func Encode(data []byte, alg Algorithm) ([]byte, error) {
	if len(data) > maxDecodedSize {
		return nil, fmt.Errorf("compress: payload of %d bytes exceeds %d", len(data), maxDecodedSize)
	}

	var body []byte
	var err error
	switch alg {
	case None:
	case LZ4:
		body, err = compressLZ4(data)
	case Zstd:
		body, err = compressZstd(data)
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %d", alg)
	}
	if errors.Is(err, errIncompressible) {
		alg, err = None, nil
	}
	if err != nil {
		return nil, err
	}
	if alg == None {
		body = data
	}

	out := make([]byte, headerSize, headerSize+len(body))
	out[0], out[1], out[2] = magic0, magic1, byte(alg)
	binary.BigEndian.PutUint32(out[3:], uint32(len(data)))
	return append(out, body...), nil
}

// Decode restores a payload written by Encode. It reports false with the
// input unchanged when data has no header.
func Decode(data []byte) ([]byte, bool, error) {
	if len(data) < headerSize || data[0] != magic0 || data[1] != magic1 {
		return data, false, nil
	}

	alg := Algorithm(data[2])
	size := int(binary.BigEndian.Uint32(data[3:headerSize]))
	body := data[headerSize:]
	if size > maxDecodedSize {
		return nil, true, fmt.Errorf("%w: declared size %d", ErrCorrupt, size)
	}

	var out []byte
	var err error
	switch alg {
	case None:
		if len(body) != size {
			return nil, true, fmt.Errorf("%w: stored %d bytes, header says %d", ErrCorrupt, len(body), size)
		}
		out = body
	case LZ4:
		out, err = decompressLZ4(body, size)
	case Zstd:
		out, err = decompressZstd(body, size)
	default:
		return nil, true, fmt.Errorf("%w: unknown algorithm %d", ErrCorrupt, alg)
	}
	if err != nil {
		return nil, true, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return out, true, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// zero means lz4 found nothing to compress
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(compressed, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if n != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
	}
	return dst, nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, size int) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(out) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
	}
	return out, nil
}

// Option configures a Producer or Consumer.
type Option func(*options)

type options struct {
	minSize int
	logger  emq.Logger
}

// WithMinSize stores payloads shorter than n bytes without compressing them.
func WithMinSize(n int) Option {
	return func(o *options) {
		o.minSize = n
	}
}

// WithLogger sets the logger for encode and decode failures.
func WithLogger(l emq.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{minSize: 128, logger: emq.NewNoOpLogger()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Producer is an emq.ProducerInterceptor that compresses outgoing payloads.
type Producer struct {
	alg  Algorithm
	opts options
}

// NewProducer returns a producer interceptor compressing with alg.
func NewProducer(alg Algorithm, opts ...Option) *Producer {
	return &Producer{alg: alg, opts: applyOptions(opts)}
}

// OnSend implements emq.ProducerInterceptor. A payload that fails to encode
// is sent unchanged.
func (p *Producer) OnSend(name string, payload emq.Payload) emq.Payload {
	data := payload.Bytes()

	alg := p.alg
	if len(data) < p.opts.minSize {
		alg = None
	}

	packed, err := Encode(data, alg)
	if err != nil {
		p.opts.logger.Warn("payload not compressed", emq.LogFields{
			emq.LogFieldName:  name,
			emq.LogFieldError: err,
		})
		return payload
	}
	return emq.NewMessageView(packed).WithExpire(payload.Expire())
}

// Consumer is an emq.ConsumerInterceptor that restores compressed payloads.
type Consumer struct {
	opts options
}

// NewConsumer returns a consumer interceptor.
func NewConsumer(opts ...Option) *Consumer {
	return &Consumer{opts: applyOptions(opts)}
}

// OnConsume implements emq.ConsumerInterceptor. Events with a corrupt
// payload are dropped.
func (c *Consumer) OnConsume(ev *emq.Event) *emq.Event {
	if ev.Message == nil {
		return ev
	}

	data, framed, err := Decode(ev.Message.Bytes())
	if err != nil {
		c.opts.logger.Warn("dropping corrupt compressed payload", emq.LogFields{
			emq.LogFieldName:  ev.Name,
			emq.LogFieldTag:   ev.Message.Tag(),
			emq.LogFieldError: err,
		})
		return nil
	}
	if !framed {
		return ev
	}

	out := *ev
	out.Message = ev.Message.WithBytes(data)
	return &out
}
