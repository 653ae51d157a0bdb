package domain

import "time"

// NormalizedLog is a structured record produced by the parser
// or received from the network ingress
type NormalizedLog struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     string            `json:"level,omitempty"`
	Message   string            `json:"message"`
	Source    string            `json:"source,omitempty"` // File path or remote origin
	Fields    map[string]string `json:"fields,omitempty"`
	Raw       string            `json:"raw,omitempty"`
}

// Size approximates the in-memory byte size of the record
func (l *NormalizedLog) Size() int {
	n := len(l.Level) + len(l.Message) + len(l.Source) + len(l.Raw) + 24
	for k, v := range l.Fields {
		n += len(k) + len(v)
	}
	return n
}
