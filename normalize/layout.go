package normalize

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/japanese"
)

var (
	ErrMalformed   = errors.New("malformed record")
	ErrUnknownKind = errors.New("unknown record kind")
)

// headerSize covers kind[2] dataKubun[1] makeDate[8].
const headerSize = 11

// Field is one fixed-width column measured in Shift-JIS bytes.
type Field struct {
	Name  string
	Width int
}

func f(name string, width int) Field { return Field{Name: name, Width: width} }

// repeat flattens a repeated group into indexed names, e.g. odds[3].win.
func repeat(prefix string, n int, group ...Field) []Field {
	out := make([]Field, 0, n*len(group))
	for i := 0; i < n; i++ {
		for _, g := range group {
			out = append(out, Field{Name: fmt.Sprintf("%s[%d].%s", prefix, i, g.Name), Width: g.Width})
		}
	}
	return out
}

// Layout describes the byte layout of one record kind.
type Layout struct {
	Kind   string
	Fields []Field
	Size   int
}

func newLayout(kind string, parts ...[]Field) *Layout {
	l := &Layout{Kind: kind}
	l.Fields = append(l.Fields, f("kind", 2), f("data_kubun", 1), f("make_date", 8))
	for _, p := range parts {
		l.Fields = append(l.Fields, p...)
	}
	for _, fd := range l.Fields {
		l.Size += fd.Width
	}
	return l
}

// Row is a decoded record, trimmed field values keyed by field name.
type Row map[string]string

// Str returns the trimmed value of name.
func (r Row) Str(name string) string { return r[name] }

// Int parses name as a decimal. Blank and non-numeric values report false.
func (r Row) Int(name string) (int, bool) {
	v := r[name]
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Decode splits payload into fields. Fields past the end of a short payload
// decode as blank; the header itself must be present.
func (l *Layout) Decode(payload []byte) (Row, error) {
	if len(payload) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes, header needs %d", ErrMalformed, len(payload), headerSize)
	}
	if kind := string(payload[:2]); kind != l.Kind {
		return nil, fmt.Errorf("%w: layout %s got kind %q", ErrMalformed, l.Kind, kind)
	}
	dec := japanese.ShiftJIS.NewDecoder()
	row := make(Row, len(l.Fields))
	off := 0
	for _, fd := range l.Fields {
		end := off + fd.Width
		if off >= len(payload) {
			row[fd.Name] = ""
			off = end
			continue
		}
		raw := payload[off:min(end, len(payload))]
		text, err := dec.Bytes(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %v", ErrMalformed, fd.Name, err)
		}
		row[fd.Name] = strings.Trim(string(text), " 　\x00")
		off = end
	}
	return row, nil
}

// Encode renders row in the layout, space padded. It is the inverse of
// Decode and is used to build vendor dumps and fixtures.
func (l *Layout) Encode(row Row) ([]byte, error) {
	enc := japanese.ShiftJIS.NewEncoder()
	var buf bytes.Buffer
	buf.Grow(l.Size)
	for _, fd := range l.Fields {
		v := row[fd.Name]
		if fd.Name == "kind" && v == "" {
			v = l.Kind
		}
		b, err := enc.Bytes([]byte(v))
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", fd.Name, err)
		}
		if len(b) > fd.Width {
			return nil, fmt.Errorf("encode %s: %d bytes exceeds width %d", fd.Name, len(b), fd.Width)
		}
		buf.Write(b)
		buf.Write(bytes.Repeat([]byte{' '}, fd.Width-len(b)))
	}
	return buf.Bytes(), nil
}
