package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrMalformed       = errors.New("wire: malformed message")
	ErrVersionMismatch = errors.New("wire: protocol version mismatch")
)

// Field numbers of the Smlp protobuf schema:
//
//	message Smlp    { uint32 version = 1; uint64 msg_id = 2; Request request = 3; Reply reply = 4; }
//	message Request { Type type = 1; bytes stdin = 2; }
//	message Reply   { Type type = 1; Code code = 2; string error_msg = 3; Cmd cmd = 4; }
//	message Cmd     { bytes stdout = 1; bytes stderr = 2; int32 status = 3; }
const (
	fieldVersion protowire.Number = 1
	fieldMsgID   protowire.Number = 2
	fieldRequest protowire.Number = 3
	fieldReply   protowire.Number = 4

	fieldReqType  protowire.Number = 1
	fieldReqStdin protowire.Number = 2

	fieldRepType protowire.Number = 1
	fieldRepCode protowire.Number = 2
	fieldRepMsg  protowire.Number = 3
	fieldRepCmd  protowire.Number = 4

	fieldCmdStdout protowire.Number = 1
	fieldCmdStderr protowire.Number = 2
	fieldCmdStatus protowire.Number = 3
)

// Marshal encodes m. Zero-valued scalar fields are omitted as in proto3.
func Marshal(m *Message) ([]byte, error) {
	if (m.Request == nil) == (m.Reply == nil) {
		return nil, fmt.Errorf("%w: exactly one of request and reply must be set", ErrMalformed)
	}
	var b []byte
	b = appendVarint(b, fieldVersion, uint64(m.Version))
	b = appendVarint(b, fieldMsgID, m.ID)
	if m.Request != nil {
		b = protowire.AppendTag(b, fieldRequest, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalRequest(m.Request))
	} else {
		b = protowire.AppendTag(b, fieldReply, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalReply(m.Reply))
	}
	return b, nil
}

func marshalRequest(r *Request) []byte {
	var b []byte
	b = appendVarint(b, fieldReqType, uint64(int64(r.Type)))
	b = appendBytes(b, fieldReqStdin, r.Stdin)
	return b
}

func marshalReply(r *Reply) []byte {
	var b []byte
	b = appendVarint(b, fieldRepType, uint64(int64(r.Type)))
	b = appendVarint(b, fieldRepCode, uint64(int64(r.Code)))
	b = appendBytes(b, fieldRepMsg, []byte(r.Message))
	if r.Cmd != nil {
		var c []byte
		c = appendBytes(c, fieldCmdStdout, r.Cmd.Stdout)
		c = appendBytes(c, fieldCmdStderr, r.Cmd.Stderr)
		c = appendVarint(c, fieldCmdStatus, uint64(int64(r.Cmd.Status)))
		b = protowire.AppendTag(b, fieldRepCmd, protowire.BytesType)
		b = protowire.AppendBytes(b, c)
	}
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// Unmarshal decodes a message and checks its version against Version.
// Byte fields of the result alias b.
func Unmarshal(b []byte) (*Message, error) {
	m := &Message{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			m.Version = uint32(v)
		case num == fieldMsgID && typ == protowire.VarintType:
			m.ID = v
		case num == fieldRequest && typ == protowire.BytesType:
			req, err := unmarshalRequest(raw)
			if err != nil {
				return err
			}
			m.Request = req
		case num == fieldReply && typ == protowire.BytesType:
			rep, err := unmarshalReply(raw)
			if err != nil {
				return err
			}
			m.Reply = rep
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if m.Version != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, m.Version, Version)
	}
	if (m.Request == nil) == (m.Reply == nil) {
		return nil, fmt.Errorf("%w: message %d carries no single payload", ErrMalformed, m.ID)
	}
	return m, nil
}

func unmarshalRequest(b []byte) (*Request, error) {
	r := &Request{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch {
		case num == fieldReqType && typ == protowire.VarintType:
			r.Type = RequestType(int32(v))
		case num == fieldReqStdin && typ == protowire.BytesType:
			r.Stdin = raw
		}
		return nil
	})
	return r, err
}

func unmarshalReply(b []byte) (*Reply, error) {
	r := &Reply{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch {
		case num == fieldRepType && typ == protowire.VarintType:
			r.Type = ReplyType(int32(v))
		case num == fieldRepCode && typ == protowire.VarintType:
			r.Code = Code(int32(v))
		case num == fieldRepMsg && typ == protowire.BytesType:
			r.Message = string(raw)
		case num == fieldRepCmd && typ == protowire.BytesType:
			c := &Command{}
			err := walk(raw, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
				switch {
				case num == fieldCmdStdout && typ == protowire.BytesType:
					c.Stdout = raw
				case num == fieldCmdStderr && typ == protowire.BytesType:
					c.Stderr = raw
				case num == fieldCmdStatus && typ == protowire.VarintType:
					c.Status = int32(v)
				}
				return nil
			})
			if err != nil {
				return err
			}
			r.Cmd = c
		}
		return nil
	})
	return r, err
}

// walk calls fn for every field of an encoded message. Unknown fields are
// skipped; fn receives the varint value or the raw bytes depending on type.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, typ, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, typ, 0, raw); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}
