package tabkv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Encoding selects how rows and table descriptors are serialized. Decoding
// sniffs the format, so a store written with one encoding stays readable
// after switching to the other.
type Encoding int

const (
	MsgPack Encoding = iota
	JSON

	defaultValueEncoding = MsgPack
)

func (enc Encoding) String() string {
	switch enc {
	case MsgPack:
		return "msgpack"
	case JSON:
		return "json"
	default:
		return fmt.Sprintf("encoding(%d)", int(enc))
	}
}

func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(s) {
	case "", "msgpack":
		return MsgPack, nil
	case "json":
		return JSON, nil
	default:
		return 0, fmt.Errorf("unknown encoding %q", s)
	}
}

func (enc Encoding) EncodeValue(buf []byte, obj any) ([]byte, error) {
	switch enc {
	case MsgPack:
		bb := bytesBuilder{buf}
		e := msgpack.GetEncoder()
		e.Reset(&bb)
		e.SetSortMapKeys(true)
		err := e.Encode(obj)
		msgpack.PutEncoder(e)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %T using MsgPack: %w", obj, err)
		}
		return bb.Buf, nil
	case JSON:
		raw, err := json.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %T to JSON: %w", obj, err)
		}
		return appendRaw(buf, raw), nil
	default:
		return nil, invalidf("unsupported %v", enc)
	}
}

// decodeValue decodes either format; JSON documents always start with '{'
// here, which is never a valid first byte of a MsgPack map.
func decodeValue(buf []byte, objPtr any) error {
	if len(buf) > 0 && buf[0] == '{' {
		err := json.Unmarshal(buf, objPtr)
		if err != nil {
			return dataErrf(buf, 0, err, "failed to decode JSON into %T", objPtr)
		}
		return nil
	}
	var r bytes.Reader
	r.Reset(buf)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	err := dec.Decode(objPtr)
	msgpack.PutDecoder(dec)
	if err != nil {
		return dataErrf(buf, 0, err, "failed to decode msgpack into %T", objPtr)
	}
	return nil
}
