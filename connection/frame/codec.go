package frame

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the frame message on the wire. They are laid out by hand so that the
// codec has no generated code; unknown fields are skipped on decode.
const (
	fieldKind    protowire.Number = 1
	fieldService protowire.Number = 2
	fieldPeerId  protowire.Number = 3
	fieldIndex   protowire.Number = 4
	fieldOp      protowire.Number = 5
	fieldPayload protowire.Number = 6
	fieldError   protowire.Number = 7

	fieldErrorCode    protowire.Number = 1
	fieldErrorAppCode protowire.Number = 2
	fieldErrorReason  protowire.Number = 3
	fieldErrorDetail  protowire.Number = 4
)

func Marshal(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("cannot marshal nil frame")
	}
	if f.Kind == InvalidFrame {
		return nil, fmt.Errorf("cannot marshal frame without a kind")
	}

	b := make([]byte, 0, 32+len(f.PeerId)+len(f.Op)+len(f.Payload))
	b = appendVarint(b, fieldKind, uint64(f.Kind))
	if f.Service != InstantMessaging {
		b = appendVarint(b, fieldService, uint64(f.Service))
	}
	if f.PeerId != "" {
		b = protowire.AppendTag(b, fieldPeerId, protowire.BytesType)
		b = protowire.AppendString(b, f.PeerId)
	}
	if f.Index != 0 {
		b = appendVarint(b, fieldIndex, uint64(int64(f.Index)))
	}
	if f.Op != "" {
		b = protowire.AppendTag(b, fieldOp, protowire.BytesType)
		b = protowire.AppendString(b, f.Op)
	}
	if len(f.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}
	if f.Error != nil {
		b = protowire.AppendTag(b, fieldError, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalError(f.Error))
	}

	return b, nil
}

func Unmarshal(data []byte) (*Frame, error) {
	f := &Frame{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("malformed frame tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("malformed frame kind: %w", protowire.ParseError(n))
			}
			f.Kind = Kind(v)
			data = data[n:]
		case num == fieldService && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("malformed frame service: %w", protowire.ParseError(n))
			}
			f.Service = Service(v)
			data = data[n:]
		case num == fieldIndex && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("malformed frame index: %w", protowire.ParseError(n))
			}
			f.Index = int32(v)
			data = data[n:]
		case num == fieldPeerId && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("malformed frame peer id: %w", protowire.ParseError(n))
			}
			f.PeerId = v
			data = data[n:]
		case num == fieldOp && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("malformed frame op: %w", protowire.ParseError(n))
			}
			f.Op = v
			data = data[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("malformed frame payload: %w", protowire.ParseError(n))
			}
			f.Payload = append([]byte(nil), v...)
			data = data[n:]
		case num == fieldError && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("malformed frame error: %w", protowire.ParseError(n))
			}
			info, err := unmarshalError(v)
			if err != nil {
				return nil, err
			}
			f.Error = info
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("malformed frame field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	if f.Kind == InvalidFrame {
		return nil, fmt.Errorf("frame has no kind")
	}

	return f, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func marshalError(e *ErrorInfo) []byte {
	var b []byte
	if e.Code != 0 {
		b = appendVarint(b, fieldErrorCode, uint64(int64(e.Code)))
	}
	if e.AppCode != 0 {
		b = appendVarint(b, fieldErrorAppCode, uint64(int64(e.AppCode)))
	}
	if e.Reason != "" {
		b = protowire.AppendTag(b, fieldErrorReason, protowire.BytesType)
		b = protowire.AppendString(b, e.Reason)
	}
	if e.Detail != "" {
		b = protowire.AppendTag(b, fieldErrorDetail, protowire.BytesType)
		b = protowire.AppendString(b, e.Detail)
	}
	return b
}

func unmarshalError(data []byte) (*ErrorInfo, error) {
	e := &ErrorInfo{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("malformed error tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case (num == fieldErrorCode || num == fieldErrorAppCode) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("malformed error code: %w", protowire.ParseError(n))
			}
			if num == fieldErrorCode {
				e.Code = int32(v)
			} else {
				e.AppCode = int32(v)
			}
			data = data[n:]
		case (num == fieldErrorReason || num == fieldErrorDetail) && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("malformed error text: %w", protowire.ParseError(n))
			}
			if num == fieldErrorReason {
				e.Reason = v
			} else {
				e.Detail = v
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("malformed error field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	return e, nil
}
