package tailer

import (
	"bytes"
	"fmt"
	"regexp"
	"time"
)

// Record is one reconstructed log record and the file offset just past it
type Record struct {
	Data []byte
	End  int64
}

// Reader turns raw file bytes into records.
// Only newline-terminated lines become records; the trailing partial line is
// held until its newline arrives. Lines matching the continuation pattern are
// appended to the previous record.
type Reader struct {
	cont      *regexp.Regexp
	maxRecord int
	timeout   time.Duration

	pos         int64  // Offset just past the last newline seen
	partial     []byte // Bytes after pos, capped at maxRecord
	overflow    bool   // Current partial line exceeded maxRecord
	overflowLen int64  // Full length of an overflowing line
	fed         int64  // Offset just past the last byte fed

	pending     []byte
	pendingEnd  int64
	pendingSeen time.Time
}

// NewReader creates a reader positioned at offset.
// An empty continuation pattern disables multi-line merging.
func NewReader(continuation string, maxRecord int, timeout time.Duration, offset int64) (*Reader, error) {
	r := &Reader{
		maxRecord: maxRecord,
		timeout:   timeout,
		pos:       offset,
		fed:       offset,
	}
	if continuation != "" {
		re, err := regexp.Compile(continuation)
		if err != nil {
			return nil, fmt.Errorf("invalid continuation pattern %q: %w", continuation, err)
		}
		r.cont = re
	}
	return r, nil
}

// Reset drops all buffered state and repositions the reader
func (r *Reader) Reset(offset int64) {
	r.pos = offset
	r.fed = offset
	r.partial = r.partial[:0]
	r.overflow = false
	r.overflowLen = 0
	r.pending = nil
	r.pendingEnd = 0
}

// Position returns the offset just past the last complete line fed
func (r *Reader) Position() int64 {
	return r.pos
}

// Consumed returns the offset just past the last byte fed, partial line included
func (r *Reader) Consumed() int64 {
	return r.fed
}

// Feed consumes a chunk of file bytes and returns the records it completes
func (r *Reader) Feed(chunk []byte, now time.Time) []Record {
	var out []Record
	r.fed += int64(len(chunk))

	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			r.appendPartial(chunk)
			break
		}

		r.appendPartial(chunk[:i])
		lineLen := int64(len(r.partial))
		if r.overflow {
			lineLen = r.overflowLen
		}
		r.pos += lineLen + 1

		line := bytes.TrimSuffix(r.partial, []byte{'\r'})
		out = r.line(line, now, out)

		r.partial = r.partial[:0]
		r.overflow = false
		r.overflowLen = 0
		chunk = chunk[i+1:]
	}

	return out
}

func (r *Reader) appendPartial(b []byte) {
	if r.overflow {
		r.overflowLen += int64(len(b))
		return
	}

	room := r.maxRecord - len(r.partial)
	if r.maxRecord <= 0 || len(b) <= room {
		r.partial = append(r.partial, b...)
		return
	}

	r.partial = append(r.partial, b[:room]...)
	r.overflow = true
	r.overflowLen = int64(len(r.partial)) + int64(len(b)-room)
}

func (r *Reader) line(line []byte, now time.Time, out []Record) []Record {
	if len(bytes.TrimSpace(line)) == 0 {
		// Blank lines end a multi-line record but are not records themselves
		return r.emitPending(out)
	}

	if r.cont != nil && r.pending != nil && r.cont.Match(line) {
		r.pending = r.appendCapped(r.pending, '\n', line)
		r.pendingEnd = r.pos
		r.pendingSeen = now
		return out
	}

	out = r.emitPending(out)
	r.pending = append([]byte(nil), line...)
	r.pendingEnd = r.pos
	r.pendingSeen = now

	if r.cont == nil {
		out = r.emitPending(out)
	}
	return out
}

func (r *Reader) appendCapped(dst []byte, sep byte, line []byte) []byte {
	if r.maxRecord > 0 && len(dst) >= r.maxRecord {
		return dst
	}
	dst = append(dst, sep)
	dst = append(dst, line...)
	if r.maxRecord > 0 && len(dst) > r.maxRecord {
		dst = dst[:r.maxRecord]
	}
	return dst
}

func (r *Reader) emitPending(out []Record) []Record {
	if r.pending == nil {
		return out
	}
	out = append(out, Record{Data: r.pending, End: r.pendingEnd})
	r.pending = nil
	return out
}

// Expire emits the pending multi-line record once no continuation line has
// arrived for the multi-line timeout
func (r *Reader) Expire(now time.Time) []Record {
	if r.pending == nil || now.Sub(r.pendingSeen) < r.timeout {
		return nil
	}
	return r.emitPending(nil)
}

// Drain emits the pending record regardless of the timeout.
// The partial line is never emitted.
func (r *Reader) Drain() []Record {
	return r.emitPending(nil)
}
