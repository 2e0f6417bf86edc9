package wire

import (
	"fmt"
	"strconv"
	"strings"
)

type fieldWriter struct {
	buf []byte
}

func (w *fieldWriter) str(s string) {
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, fieldSep)
}

func (w *fieldWriter) int(v int) {
	w.buf = strconv.AppendInt(w.buf, int64(v), 10)
	w.buf = append(w.buf, fieldSep)
}

func (w *fieldWriter) int64(v int64) {
	w.buf = strconv.AppendInt(w.buf, v, 10)
	w.buf = append(w.buf, fieldSep)
}

func (w *fieldWriter) float(v float64) {
	w.buf = strconv.AppendFloat(w.buf, v, 'f', -1, 64)
	w.buf = append(w.buf, fieldSep)
}

func (w *fieldWriter) bool(v bool) {
	if v {
		w.buf = append(w.buf, '1', fieldSep)
		return
	}
	w.buf = append(w.buf, '0', fieldSep)
}

// fieldReader walks a decoded field list. The first failure sticks; later
// reads return zero values so layouts can be written straight through.
type fieldReader struct {
	msgID  int
	fields []string
	pos    int
	err    *MalformedFrameError
}

func (r *fieldReader) fail(idx int, reason string) {
	if r.err == nil {
		r.err = &MalformedFrameError{MsgID: r.msgID, Field: idx, Reason: reason}
	}
}

func (r *fieldReader) next() (string, int, bool) {
	if r.err != nil {
		return "", r.pos, false
	}
	if r.pos >= len(r.fields) {
		r.fail(r.pos, "missing field")
		return "", r.pos, false
	}
	s := r.fields[r.pos]
	r.pos++
	return s, r.pos - 1, true
}

func (r *fieldReader) str() string {
	s, _, _ := r.next()
	return s
}

func (r *fieldReader) int() int {
	return int(r.int64())
}

func (r *fieldReader) int64() int64 {
	s, idx, ok := r.next()
	if !ok || s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		r.fail(idx, fmt.Sprintf("bad integer %q", s))
		return 0
	}
	return v
}

func (r *fieldReader) float() float64 {
	s, idx, ok := r.next()
	if !ok || s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		r.fail(idx, fmt.Sprintf("bad decimal %q", s))
		return 0
	}
	return v
}

func (r *fieldReader) bool() bool {
	s, idx, ok := r.next()
	if !ok {
		return false
	}
	switch strings.ToLower(s) {
	case "1", "true":
		return true
	case "0", "false", "":
		return false
	}
	r.fail(idx, fmt.Sprintf("bad boolean %q", s))
	return false
}

// version consumes a body version field. Any integer is accepted.
func (r *fieldReader) version() {
	_ = r.int()
}

func (r *fieldReader) action() Action {
	s, idx, ok := r.next()
	if !ok {
		return ""
	}
	a := Action(strings.ToUpper(s))
	if !a.Valid() {
		r.fail(idx, fmt.Sprintf("bad action %q", s))
		return ""
	}
	return a
}

// done checks that every field was consumed.
func (r *fieldReader) done() *MalformedFrameError {
	if r.err != nil {
		return r.err
	}
	if r.pos != len(r.fields) {
		return &MalformedFrameError{
			MsgID:  r.msgID,
			Field:  r.pos,
			Reason: fmt.Sprintf("unexpected field count %d, layout has %d", len(r.fields), r.pos),
		}
	}
	return nil
}
