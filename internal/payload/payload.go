// Package payload decodes row payloads off the wire. Payloads arrive either
// as JSON objects or as the XML row envelope; both decode into a flat record
// that preserves field arrival order, which the dispatcher relies on when it
// builds column lists.
package payload

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrEmptyPayload is returned when a payload decodes to zero fields.
var ErrEmptyPayload = errors.New("payload contains no fields")

// OldPrefix marks pre-image fields decoded from the <old> envelope.
const OldPrefix = "old_"

// Field is one column/value pair in wire order. Values keep the loosest type
// the encoding offers; the driver coerces on write.
type Field struct {
	Key   string
	Value any
}

// Record is a decoded payload with preserved field order.
type Record struct {
	fields []Field
	index  map[string]int
}

// NewRecord returns an empty record.
func NewRecord() *Record {
	return &Record{index: map[string]int{}}
}

// Set appends the field, or replaces the value in place when the key is
// already present so field order stays stable.
func (r *Record) Set(key string, value any) {
	if i, ok := r.index[key]; ok {
		r.fields[i].Value = value
		return
	}
	r.index[key] = len(r.fields)
	r.fields = append(r.fields, Field{Key: key, Value: value})
}

// Get returns the value for key.
func (r *Record) Get(key string) (any, bool) {
	i, ok := r.index[key]
	if !ok {
		return nil, false
	}
	return r.fields[i].Value, true
}

// Has reports whether key is present.
func (r *Record) Has(key string) bool {
	_, ok := r.index[key]
	return ok
}

// Len returns the number of fields.
func (r *Record) Len() int {
	return len(r.fields)
}

// Fields returns the fields in wire order. Callers must not mutate the slice.
func (r *Record) Fields() []Field {
	return r.fields
}

// Keys returns the field keys in wire order.
func (r *Record) Keys() []string {
	keys := make([]string, len(r.fields))
	for i, f := range r.fields {
		keys[i] = f.Key
	}
	return keys
}

// Decode decodes raw, auto-detecting the encoding by its first significant
// byte: '<' selects the XML grammar, '{' a JSON object.
func Decode(raw []byte) (*Record, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, ErrEmptyPayload
	}
	switch trimmed[0] {
	case '<':
		return decodeXML(trimmed)
	case '{':
		return decodeJSON(trimmed)
	default:
		return nil, fmt.Errorf("unrecognised payload encoding (starts with %q)", trimmed[0])
	}
}

// DecodeRaw decodes a recordData value as delivered inside an event: either a
// JSON object, or a JSON string wrapping an XML document.
func DecodeRaw(msg json.RawMessage) (*Record, error) {
	trimmed := bytes.TrimSpace(msg)
	if len(trimmed) == 0 {
		return nil, ErrEmptyPayload
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, fmt.Errorf("decoding payload string: %w", err)
		}
		return Decode([]byte(s))
	}
	return Decode(trimmed)
}

// decodeJSON walks the object with the token API so key order survives.
func decodeJSON(raw []byte) (*Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("malformed JSON payload: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("JSON payload is not an object")
	}

	rec := NewRecord()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("malformed JSON payload: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("JSON payload has non-string key %v", keyTok)
		}

		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return nil, fmt.Errorf("malformed JSON payload at %q: %w", key, err)
		}
		rec.Set(key, jsonValue(val))
	}
	if rec.Len() == 0 {
		return nil, ErrEmptyPayload
	}
	return rec, nil
}

// jsonValue keeps scalars typed and stores composites as their raw text.
func jsonValue(raw json.RawMessage) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	switch trimmed[0] {
	case 'n':
		return nil
	case 't':
		return true
	case 'f':
		return false
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
		return string(trimmed)
	case '{', '[':
		return string(trimmed)
	default:
		return json.Number(trimmed)
	}
}

// decodeXML flattens the minimal row grammar: a sequence of <tag>value</tag>
// pairs, optionally inside a wrapper element, with <new>/<old> envelopes
// prefixing pre-image keys.
func decodeXML(raw []byte) (*Record, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	rec := NewRecord()

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed XML payload: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if err := parseElement(dec, start.Name.Local, envelopePrefix(start.Name.Local, ""), rec); err != nil {
			return nil, err
		}
	}
	if rec.Len() == 0 {
		return nil, ErrEmptyPayload
	}
	return rec, nil
}

func envelopePrefix(name, inherited string) string {
	switch strings.ToLower(name) {
	case "old":
		return OldPrefix
	case "new":
		return ""
	default:
		return inherited
	}
}

// parseElement consumes the content of an already-opened element. An element
// with no child elements is a pair and lands in rec under prefix+name; one
// with children is a container whose prefix flows down.
func parseElement(dec *xml.Decoder, name, prefix string, rec *Record) error {
	var text strings.Builder
	hasChildren := false

	for {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("malformed XML payload inside <%s>: %w", name, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			hasChildren = true
			if err := parseElement(dec, t.Name.Local, envelopePrefix(t.Name.Local, prefix), rec); err != nil {
				return err
			}
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if !hasChildren {
				rec.Set(prefix+name, strings.TrimSpace(text.String()))
			}
			return nil
		}
	}
}
