// Package parser turns raw record bytes into NormalizedLog values
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/SteelMorgan/log-shipper/internal/domain"
	"github.com/goccy/go-json"
)

// Formats reported in the "format" field
const (
	FormatCRI        = "cri"
	FormatDockerJSON = "docker_json"
	FormatJSON       = "json"
	FormatSyslog     = "syslog"
	FormatPlain      = "plain"
)

var (
	// ErrEmpty is returned for empty or whitespace-only input
	ErrEmpty = errors.New("empty record")

	// ErrMalformed is returned when a record looks like a known format but cannot be decoded
	ErrMalformed = errors.New("malformed record")
)

var (
	criRe        = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})) (stdout|stderr) ([FP]) ?(.*)$`)
	syslog5424Re = regexp.MustCompile(`^<(\d{1,3})>\d{1,2} (\S+) (\S+) (\S+) (\S+) (\S+) (-|\[.*?\]) ?(.*)$`)
	syslog3164Re = regexp.MustCompile(`^<(\d{1,3})>([A-Z][a-z]{2} [ \d]\d \d{2}:\d{2}:\d{2}) (\S+) ([^:\s]+):? ?(.*)$`)
	levelRe      = regexp.MustCompile(`(?i)\b(trace|debug|info|notice|warn|warning|error|err|fatal|panic|critical|crit)\b`)
)

var (
	timeKeys    = []string{"time", "ts", "@timestamp", "timestamp"}
	levelKeys   = []string{"level", "severity", "lvl"}
	messageKeys = []string{"msg", "message", "log"}
)

// syslog severities by PRI % 8
var syslogSeverity = [8]string{"fatal", "fatal", "fatal", "error", "warn", "info", "info", "debug"}

// Parser parses records; the zero value is not usable, call New
type Parser struct {
	now func() time.Time
}

// New creates a parser stamping records without a timestamp with the current time
func New() *Parser {
	return &Parser{now: time.Now}
}

var defaultParser = New()

// Parse parses raw with the default parser
func Parse(source string, raw []byte) (domain.NormalizedLog, error) {
	return defaultParser.Parse(source, raw)
}

// Parse detects the format of raw and normalizes it.
// Unknown formats are kept as plain text.
func (p *Parser) Parse(source string, raw []byte) (domain.NormalizedLog, error) {
	line := strings.TrimRight(string(raw), "\r\n")
	if strings.TrimSpace(line) == "" {
		return domain.NormalizedLog{}, ErrEmpty
	}

	rec := domain.NormalizedLog{Source: source, Raw: line}
	trimmed := strings.TrimLeft(line, " \t")

	var err error
	switch {
	case criRe.MatchString(trimmed):
		err = p.parseCRI(trimmed, &rec)
	case strings.HasPrefix(trimmed, "{"):
		err = p.parseJSON([]byte(trimmed), &rec)
	case syslog5424Re.MatchString(trimmed):
		p.parseSyslog5424(trimmed, &rec)
	case syslog3164Re.MatchString(trimmed):
		p.parseSyslog3164(trimmed, &rec)
	default:
		p.parsePlain(line, &rec)
	}
	if err != nil {
		return domain.NormalizedLog{}, err
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = p.now().UTC()
	}
	return rec, nil
}

func (p *Parser) parseCRI(line string, rec *domain.NormalizedLog) error {
	m := criRe.FindStringSubmatch(line)
	ts, err := time.Parse(time.RFC3339Nano, m[1])
	if err != nil {
		return fmt.Errorf("%w: cri timestamp %q: %v", ErrMalformed, m[1], err)
	}

	rec.Timestamp = ts.UTC()
	rec.Message = m[4]
	rec.Level = detectLevel(m[4])
	rec.Fields = map[string]string{
		"format": FormatCRI,
		"stream": m[2],
		"flag":   m[3],
	}
	return nil
}

func (p *Parser) parseJSON(data []byte, rec *domain.NormalizedLog) error {
	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		// Not JSON after all
		p.parsePlain(rec.Raw, rec)
		return nil
	}

	format := FormatJSON
	_, hasLog := obj["log"]
	_, hasStream := obj["stream"]
	if hasLog && hasStream {
		format = FormatDockerJSON
	}

	rec.Fields = map[string]string{"format": format}

	for _, k := range timeKeys {
		if v, ok := obj[k]; ok {
			ts, ok := parseTime(v)
			if !ok {
				return fmt.Errorf("%w: %s field %v", ErrMalformed, k, v)
			}
			rec.Timestamp = ts
			delete(obj, k)
			break
		}
	}
	for _, k := range levelKeys {
		if v, ok := obj[k].(string); ok {
			rec.Level = normalizeLevel(v)
			delete(obj, k)
			break
		}
	}
	for _, k := range messageKeys {
		if v, ok := obj[k].(string); ok {
			rec.Message = strings.TrimRight(v, "\r\n")
			delete(obj, k)
			break
		}
	}

	if rec.Level == "" {
		rec.Level = detectLevel(rec.Message)
	}

	// Remaining scalar fields are carried as strings
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			rec.Fields[k] = val
		case json.Number:
			rec.Fields[k] = val.String()
		case bool:
			rec.Fields[k] = fmt.Sprint(val)
		case nil:
		default:
			nested, err := json.Marshal(val)
			if err == nil {
				rec.Fields[k] = string(nested)
			}
		}
	}
	return nil
}

func (p *Parser) parseSyslog5424(line string, rec *domain.NormalizedLog) {
	m := syslog5424Re.FindStringSubmatch(line)
	if ts, err := time.Parse(time.RFC3339Nano, m[2]); err == nil {
		rec.Timestamp = ts.UTC()
	}
	rec.Level = priorityLevel(m[1])
	rec.Message = m[8]
	rec.Fields = map[string]string{
		"format":   FormatSyslog,
		"host":     m[3],
		"app":      m[4],
		"proc_id":  m[5],
		"msg_id":   m[6],
		"rfc":      "5424",
		"priority": m[1],
	}
}

func (p *Parser) parseSyslog3164(line string, rec *domain.NormalizedLog) {
	m := syslog3164Re.FindStringSubmatch(line)
	// RFC 3164 timestamps carry no year
	if ts, err := time.ParseInLocation(time.Stamp, m[2], time.UTC); err == nil {
		now := p.now().UTC()
		ts = ts.AddDate(now.Year(), 0, 0)
		if ts.After(now.Add(24 * time.Hour)) {
			ts = ts.AddDate(-1, 0, 0)
		}
		rec.Timestamp = ts
	}
	rec.Level = priorityLevel(m[1])
	rec.Message = m[5]
	rec.Fields = map[string]string{
		"format":   FormatSyslog,
		"host":     m[3],
		"tag":      m[4],
		"rfc":      "3164",
		"priority": m[1],
	}
}

func (p *Parser) parsePlain(line string, rec *domain.NormalizedLog) {
	rec.Message = line
	rec.Level = detectLevel(line)
	rec.Fields = map[string]string{"format": FormatPlain}
}

func parseTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999", "2006-01-02T15:04:05.999999999"} {
			if ts, err := time.Parse(layout, val); err == nil {
				return ts.UTC(), true
			}
		}
	case json.Number:
		// Unix seconds, possibly fractional
		if f, err := val.Float64(); err == nil {
			sec := int64(f)
			nsec := int64((f - float64(sec)) * 1e9)
			return time.Unix(sec, nsec).UTC(), true
		}
	}
	return time.Time{}, false
}

func priorityLevel(pri string) string {
	var n int
	if _, err := fmt.Sscanf(pri, "%d", &n); err != nil || n < 0 || n > 191 {
		return ""
	}
	return syslogSeverity[n%8]
}

func detectLevel(s string) string {
	m := levelRe.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return normalizeLevel(m[1])
}

func normalizeLevel(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return "trace"
	case "debug":
		return "debug"
	case "info", "notice", "information":
		return "info"
	case "warn", "warning":
		return "warn"
	case "error", "err":
		return "error"
	case "fatal", "panic", "critical", "crit", "emerg", "alert":
		return "fatal"
	default:
		return strings.ToLower(s)
	}
}
