package envelope

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// The wire representation is a flat stream of msgpack values, not a single
// map or array:
//
//	version, type, messageID, sourceClientID, sourceBrokerID,
//	brokerIDs[], clientIDs[], payload,
//	(version >= 1) otherFields as a flat [name, value, ...] array,
//	(version >= 2) sourceTenantID, destTenantIDs[],
//	then the type-specific tail:
//	  request:  replyToTopic, serviceID
//	  response: requestMessageID, serviceID
//	  error:    requestMessageID, serviceID, errorCode, errorMessage
//	  event:    nothing
//
// Decode accepts versions 0 through 2 and ignores trailing values written
// by newer protocol revisions.

// Encode serializes m into its wire representation. The stream is always
// written at the current Version.
func Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("envelope: cannot encode nil message")
	}
	if m.Type < TypeRequest || m.Type > TypeError {
		return nil, fmt.Errorf("envelope: cannot encode message type %s", m.Type)
	}

	var buf bytes.Buffer
	w := &wireWriter{enc: msgpack.NewEncoder(&buf)}

	w.writeInt(Version)
	w.writeInt(int64(m.Type))
	w.writeString(m.MessageID)
	w.writeString(m.SourceClientID)
	w.writeString(m.SourceBrokerID)
	w.writeStrings(m.BrokerIDs)
	w.writeStrings(m.ClientIDs)
	w.writeBytes(m.Payload)
	w.writeStrings(flattenFields(m.OtherFields))
	w.writeString(m.SourceTenantID)
	w.writeStrings(m.DestTenantIDs)

	switch m.Type {
	case TypeRequest:
		w.writeString(m.ReplyToTopic)
		w.writeString(m.ServiceID)
	case TypeResponse:
		w.writeString(m.RequestMessageID)
		w.writeString(m.ServiceID)
	case TypeError:
		w.writeString(m.RequestMessageID)
		w.writeString(m.ServiceID)
		w.writeInt(int64(m.ErrorCode))
		w.writeString(m.ErrorMessage)
	case TypeEvent:
		// No type-specific tail.
	}

	if w.err != nil {
		return nil, fmt.Errorf("envelope: encode %s: %w", m.Type, w.err)
	}
	return buf.Bytes(), nil
}

// Decode parses a wire representation produced by any client speaking
// version 2 or older. It never panics on malformed input.
func Decode(data []byte) (*Message, error) {
	r := &wireReader{dec: msgpack.NewDecoder(bytes.NewReader(data))}

	version := r.readInt()
	if r.err != nil {
		return nil, fmt.Errorf("envelope: reading version: %w", r.err)
	}
	if version < 0 {
		return nil, fmt.Errorf("envelope: invalid version %d", version)
	}

	rawType := r.readInt()
	if r.err != nil {
		return nil, fmt.Errorf("envelope: reading message type: %w", r.err)
	}
	t := MessageType(rawType)
	if t < TypeRequest || t > TypeError {
		return nil, fmt.Errorf("envelope: unknown message type %d", rawType)
	}

	m := &Message{
		Type:          t,
		OtherFields:   []Field{},
		DestTenantIDs: []string{},
	}
	m.MessageID = r.readString()
	m.SourceClientID = r.readString()
	m.SourceBrokerID = r.readString()
	m.BrokerIDs = r.readStrings()
	m.ClientIDs = r.readStrings()
	m.Payload = r.readBytes()

	if version >= 1 {
		flat := r.readStrings()
		if r.err == nil {
			fields, err := fieldsFromFlat(flat)
			if err != nil {
				return nil, fmt.Errorf("envelope: decode %s: %w", t, err)
			}
			m.OtherFields = fields
		}
	}
	if version >= 2 {
		m.SourceTenantID = r.readString()
		m.DestTenantIDs = r.readStrings()
	}

	switch t {
	case TypeRequest:
		m.ReplyToTopic = r.readString()
		m.ServiceID = r.readString()
	case TypeResponse:
		m.RequestMessageID = r.readString()
		m.ServiceID = r.readString()
	case TypeError:
		m.RequestMessageID = r.readString()
		m.ServiceID = r.readString()
		m.ErrorCode = int(r.readInt())
		m.ErrorMessage = r.readString()
	case TypeEvent:
	}

	if r.err != nil {
		return nil, fmt.Errorf("envelope: decode %s: %w", t, r.err)
	}
	return m, nil
}

// wireWriter wraps the msgpack encoder with sticky error handling so the
// field sequence above stays readable.
type wireWriter struct {
	enc *msgpack.Encoder
	err error
}

func (w *wireWriter) writeInt(v int64) {
	if w.err == nil {
		w.err = w.enc.EncodeInt(v)
	}
}

func (w *wireWriter) writeString(s string) {
	if w.err == nil {
		w.err = w.enc.EncodeString(s)
	}
}

func (w *wireWriter) writeBytes(b []byte) {
	if w.err == nil {
		if b == nil {
			b = []byte{}
		}
		w.err = w.enc.EncodeBytes(b)
	}
}

func (w *wireWriter) writeStrings(ss []string) {
	if w.err != nil {
		return
	}
	if w.err = w.enc.EncodeArrayLen(len(ss)); w.err != nil {
		return
	}
	for _, s := range ss {
		if w.err = w.enc.EncodeString(s); w.err != nil {
			return
		}
	}
}

// arrayPreallocLimit caps slice pre-allocation while decoding. Array
// headers are part of the input and may claim far more elements than the
// stream actually holds; append grows past the cap when they really exist.
const arrayPreallocLimit = 1024

// wireReader is the decoding counterpart of wireWriter.
type wireReader struct {
	dec *msgpack.Decoder
	err error
}

func (r *wireReader) readInt() int64 {
	if r.err != nil {
		return 0
	}
	v, err := r.dec.DecodeInt64()
	r.err = err
	return v
}

func (r *wireReader) readString() string {
	if r.err != nil {
		return ""
	}
	s, err := r.dec.DecodeString()
	r.err = err
	return s
}

func (r *wireReader) readBytes() []byte {
	if r.err != nil {
		return []byte{}
	}
	b, err := r.dec.DecodeBytes()
	if err != nil {
		r.err = err
		return []byte{}
	}
	if b == nil {
		b = []byte{}
	}
	return b
}

func (r *wireReader) readStrings() []string {
	if r.err != nil {
		return []string{}
	}
	n, err := r.dec.DecodeArrayLen()
	if err != nil {
		r.err = err
		return []string{}
	}
	if n <= 0 {
		return []string{}
	}
	capHint := n
	if capHint > arrayPreallocLimit {
		capHint = arrayPreallocLimit
	}
	ss := make([]string, 0, capHint)
	for i := 0; i < n; i++ {
		s, err := r.dec.DecodeString()
		if err != nil {
			r.err = err
			return []string{}
		}
		ss = append(ss, s)
	}
	return ss
}

func flattenFields(fields []Field) []string {
	flat := make([]string, 0, len(fields)*2)
	for _, f := range fields {
		flat = append(flat, f.Name, f.Value)
	}
	return flat
}

func fieldsFromFlat(flat []string) ([]Field, error) {
	if len(flat)%2 != 0 {
		return nil, fmt.Errorf("odd extension field count %d", len(flat))
	}
	fields := make([]Field, 0, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		fields = append(fields, Field{Name: flat[i], Value: flat[i+1]})
	}
	return fields, nil
}
