package rpc

import (
	"context"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// HeaderContentType names the payload encoding of a request or response.
const HeaderContentType = "content-type"

// ContentTypeCBOR marks a payload encoded by NewCBORRequest or NewCBORResponse.
const ContentTypeCBOR = "application/cbor"

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error

	// Core deterministic encoding gives identical bytes for identical values.
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("rpc: CBOR encoder initialization failed: " + err.Error())
	}

	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("rpc: CBOR decoder initialization failed: " + err.Error())
	}
}

// NewCBORRequest returns a request whose payload is v encoded as CBOR.
func NewCBORRequest(v any) (*Request, error) {
	payload, err := cborEnc.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpc: failed to encode request: %w", err)
	}
	return &Request{Payload: payload, Headers: Headers{HeaderContentType: ContentTypeCBOR}}, nil
}

// Decode decodes a CBOR request payload into v.
func (r *Request) Decode(v any) error {
	if err := cborDec.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("rpc: failed to decode request: %w", err)
	}
	return nil
}

// NewCBORResponse returns a response whose payload is v encoded as CBOR.
func NewCBORResponse(v any) (*Response, error) {
	payload, err := cborEnc.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpc: failed to encode response: %w", err)
	}
	return &Response{Payload: payload, Headers: Headers{HeaderContentType: ContentTypeCBOR}}, nil
}

// Decode returns the remote error if there is one, and otherwise decodes
// the CBOR payload into v.
func (r *Response) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if err := cborDec.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("rpc: failed to decode response: %w", err)
	}
	return nil
}

// CallCBOR sends in as a CBOR request and decodes the response into Out.
func CallCBOR[In, Out any](ctx context.Context, h *Handler, queue string, in In) (Out, error) {
	var out Out

	req, err := NewCBORRequest(in)
	if err != nil {
		return out, err
	}
	resp, err := h.Call(ctx, queue, req)
	if err != nil {
		return out, err
	}
	err = resp.Decode(&out)
	return out, err
}

// ServeCBOR adapts a typed function to a ServeFunc. Requests that do not
// decode as In are answered with an error.
func ServeCBOR[In, Out any](fn func(ctx context.Context, in In) (Out, error)) ServeFunc {
	return func(ctx context.Context, req *Request) (*Response, error) {
		var in In
		if err := req.Decode(&in); err != nil {
			return nil, err
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return NewCBORResponse(out)
	}
}
