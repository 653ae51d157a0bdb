package parser

import (
	"errors"
	"testing"
	"time"
)

func fixedParser() *Parser {
	return &Parser{now: func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantTime  time.Time
		wantLevel string
		wantMsg   string
		wantField map[string]string
	}{
		{
			name:      "cri",
			raw:       "2023-10-06T00:17:09.669794202Z stdout F GET /health 200 info",
			wantTime:  time.Date(2023, 10, 6, 0, 17, 9, 669794202, time.UTC),
			wantLevel: "info",
			wantMsg:   "GET /health 200 info",
			wantField: map[string]string{"format": FormatCRI, "stream": "stdout", "flag": "F"},
		},
		{
			name:      "docker json",
			raw:       `{"log":"connection reset\n","stream":"stderr","time":"2023-03-22T08:54:39.123456789Z"}`,
			wantTime:  time.Date(2023, 3, 22, 8, 54, 39, 123456789, time.UTC),
			wantMsg:   "connection reset",
			wantField: map[string]string{"format": FormatDockerJSON, "stream": "stderr"},
		},
		{
			name:      "json with msg",
			raw:       `{"time":"2025-09-12T16:34:00Z","level":"INFO","msg":"User logged in","user_id":42,"admin":false}`,
			wantTime:  time.Date(2025, 9, 12, 16, 34, 0, 0, time.UTC),
			wantLevel: "info",
			wantMsg:   "User logged in",
			wantField: map[string]string{"format": FormatJSON, "user_id": "42", "admin": "false"},
		},
		{
			name:      "json with severity and epoch ts",
			raw:       `{"ts":1700000000.5,"severity":"Warning","message":"disk 91% full","ctx":{"mount":"/"}}`,
			wantTime:  time.Unix(1700000000, 500000000).UTC(),
			wantLevel: "warn",
			wantMsg:   "disk 91% full",
			wantField: map[string]string{"format": FormatJSON, "ctx": `{"mount":"/"}`},
		},
		{
			name:      "json without time",
			raw:       `{"level":"error","message":"boom"}`,
			wantTime:  time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
			wantLevel: "error",
			wantMsg:   "boom",
		},
		{
			name:      "syslog 5424",
			raw:       "<34>1 2003-10-11T22:14:15.003Z mymachine.example.com su - ID47 - 'su root' failed",
			wantTime:  time.Date(2003, 10, 11, 22, 14, 15, 3000000, time.UTC),
			wantLevel: "fatal",
			wantMsg:   "'su root' failed",
			wantField: map[string]string{"format": FormatSyslog, "host": "mymachine.example.com", "app": "su", "msg_id": "ID47"},
		},
		{
			name:      "syslog 3164",
			raw:       "<14>Mar  1 10:00:00 web01 nginx: worker started",
			wantTime:  time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
			wantLevel: "info",
			wantMsg:   "worker started",
			wantField: map[string]string{"format": FormatSyslog, "host": "web01", "tag": "nginx"},
		},
		{
			name:      "plain text",
			raw:       "2024-05-01 ERROR [main] failed to open socket\r\n",
			wantTime:  time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
			wantLevel: "error",
			wantMsg:   "2024-05-01 ERROR [main] failed to open socket",
			wantField: map[string]string{"format": FormatPlain},
		},
		{
			name:      "brace but not json",
			raw:       "{not json at all",
			wantTime:  time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
			wantMsg:   "{not json at all",
			wantField: map[string]string{"format": FormatPlain},
		},
		{
			name:      "multi-line record",
			raw:       "panic: runtime error\n\tgoroutine 1 [running]:",
			wantTime:  time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
			wantLevel: "fatal",
			wantMsg:   "panic: runtime error\n\tgoroutine 1 [running]:",
		},
	}

	p := fixedParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Parse("/var/log/app.log", []byte(tt.raw))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if !got.Timestamp.Equal(tt.wantTime) {
				t.Errorf("Timestamp = %v, want %v", got.Timestamp, tt.wantTime)
			}
			if got.Level != tt.wantLevel {
				t.Errorf("Level = %q, want %q", got.Level, tt.wantLevel)
			}
			if got.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", got.Message, tt.wantMsg)
			}
			if got.Source != "/var/log/app.log" {
				t.Errorf("Source = %q", got.Source)
			}
			for k, v := range tt.wantField {
				if got.Fields[k] != v {
					t.Errorf("Fields[%s] = %q, want %q", k, got.Fields[k], v)
				}
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{name: "empty", raw: "", want: ErrEmpty},
		{name: "whitespace", raw: " \t\r\n", want: ErrEmpty},
		{name: "bad json time", raw: `{"time":"yesterday","msg":"x"}`, want: ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse("src", []byte(tt.raw)); !errors.Is(err, tt.want) {
				t.Errorf("Parse() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParse_ErrorDoesNotAffectNext(t *testing.T) {
	p := fixedParser()
	if _, err := p.Parse("src", []byte(`{"time":"bad"}`)); err == nil {
		t.Fatalf("expected error")
	}
	got, err := p.Parse("src", []byte("next line warn"))
	if err != nil || got.Level != "warn" {
		t.Errorf("Parse() after error = %+v, %v", got, err)
	}
}
