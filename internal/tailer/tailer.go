package tailer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/SteelMorgan/log-shipper/internal/domain"
	"github.com/SteelMorgan/log-shipper/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// Send policies for a full output channel
const (
	SendBlock = "block"
	SendDrop  = "drop"
)

// Config holds tailer settings
type Config struct {
	PollInterval        time.Duration `yaml:"poll_interval" validate:"gt=0"`
	ChannelCapacity     int           `yaml:"channel_capacity" validate:"min=1"`
	ContinuationPattern string        `yaml:"continuation_pattern"`
	MultilineTimeout    time.Duration `yaml:"multiline_timeout" validate:"gte=0"`
	MaxRecordBytes      int           `yaml:"max_record_bytes" validate:"min=1"`
	MaxPayloadRecords   int           `yaml:"max_payload_records" validate:"min=1"`
	ReadBufferBytes     int           `yaml:"read_buffer_bytes" validate:"min=512"`
	SendPolicy          string        `yaml:"send_policy" validate:"oneof=block drop"`
}

// DefaultConfig returns default tailer settings
func DefaultConfig() Config {
	return Config{
		PollInterval:        250 * time.Millisecond,
		ChannelCapacity:     1024,
		ContinuationPattern: `^[ \t]`,
		MultilineTimeout:    time.Second,
		MaxRecordBytes:      1 << 20,
		MaxPayloadRecords:   256,
		ReadBufferBytes:     64 << 10,
		SendPolicy:          SendBlock,
	}
}

var errAborted = errors.New("final send aborted")

// Tailer follows one file from a starting offset and hands complete
// records to the shared channel
type Tailer struct {
	cfg   Config
	fs    afero.Fs
	out   chan<- domain.TailerPayload
	abort <-chan struct{}

	mu    sync.Mutex
	state domain.FileState
}

func newTailer(cfg Config, fs afero.Fs, id domain.FileIdentity, offset int64, out chan<- domain.TailerPayload, abort <-chan struct{}) *Tailer {
	return &Tailer{
		cfg:   cfg,
		fs:    fs,
		out:   out,
		abort: abort,
		state: domain.FileState{Identity: id, Offset: offset},
	}
}

// State returns the offset of the last record accepted by the channel
func (t *Tailer) State() domain.FileState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tailer) identity() domain.FileIdentity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Identity
}

func (t *Tailer) setPath(path string) {
	t.mu.Lock()
	t.state.Identity.Path = path
	t.mu.Unlock()
}

// run tails until ctx is cancelled, then flushes buffered complete records
func (t *Tailer) run(ctx context.Context) {
	start := t.State()

	reader, err := NewReader(t.cfg.ContinuationPattern, t.cfg.MaxRecordBytes, t.cfg.MultilineTimeout, start.Offset)
	if err != nil {
		log.Error().Err(err).Str("file", start.Identity.Path).Msg("Failed to create record reader")
		return
	}

	var file afero.File
	defer func() {
		if file != nil {
			file.Close()
		}
	}()

	buf := make([]byte, t.cfg.ReadBufferBytes)
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	log.Info().
		Str("file", start.Identity.Path).
		Int64("offset", start.Offset).
		Msg("Tailer started")

	for {
		if file == nil {
			file, err = t.open(reader.Consumed())
			if err != nil {
				log.Warn().Err(err).Str("file", t.identity().Path).Msg("Failed to open file, will retry")
			}
		}

		if file != nil {
			records, readErr := t.poll(file, reader, buf)
			if readErr != nil {
				log.Warn().Err(readErr).Str("file", t.identity().Path).Msg("Failed to read file")
				file.Close()
				file = nil
			}
			records = append(records, reader.Expire(time.Now())...)
			if err := t.emit(ctx, records, false); err != nil {
				return
			}
		}

		select {
		case <-ctx.Done():
			// Hand over everything already reconstructed; the partial line stays unread
			if err := t.emit(ctx, reader.Drain(), true); err != nil {
				log.Warn().
					Str("file", t.identity().Path).
					Msg("Final records discarded on shutdown timeout")
			}
			log.Info().
				Str("file", t.identity().Path).
				Int64("offset", t.State().Offset).
				Msg("Tailer stopped")
			return
		case <-ticker.C:
		}
	}
}

func (t *Tailer) open(offset int64) (afero.File, error) {
	path := t.identity().Path
	f, err := t.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to seek %s to %d: %w", path, offset, err)
	}
	return f, nil
}

// poll reads everything appended since the last poll
func (t *Tailer) poll(file afero.File, reader *Reader, buf []byte) ([]Record, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat: %w", err)
	}

	readPos, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}

	if info.Size() < readPos {
		log.Warn().
			Str("file", t.identity().Path).
			Int64("size", info.Size()).
			Int64("offset", readPos).
			Msg("File truncated, restarting from beginning")
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to seek after truncation: %w", err)
		}
		reader.Reset(0)
		t.mu.Lock()
		t.state.Offset = 0
		t.mu.Unlock()
	}

	var records []Record
	now := time.Now()
	for {
		n, err := file.Read(buf)
		if n > 0 {
			metrics.TailerBytes.Add(float64(n))
			records = append(records, reader.Feed(buf[:n], now)...)
		}
		if err == io.EOF || n == 0 {
			return records, nil
		}
		if err != nil {
			return records, err
		}
	}
}

// emit sends records in payloads of at most MaxPayloadRecords.
// Outside of the final flush a cancelled ctx stops blocking sends early;
// the records stay buffered for the final flush.
func (t *Tailer) emit(ctx context.Context, records []Record, final bool) error {
	for len(records) > 0 {
		n := len(records)
		if n > t.cfg.MaxPayloadRecords {
			n = t.cfg.MaxPayloadRecords
		}
		chunk := records[:n]

		payload := domain.TailerPayload{
			Identity: t.identity(),
			Records:  make([][]byte, len(chunk)),
			Offset:   chunk[len(chunk)-1].End,
		}
		for i, r := range chunk {
			payload.Records[i] = r.Data
		}

		sent, err := t.send(ctx, payload, final)
		if err != nil {
			return err
		}
		if !sent && !final && ctx.Err() != nil {
			// Cancelled while blocked: retry the rest as the final flush
			return t.emit(ctx, records, true)
		}

		if sent {
			t.mu.Lock()
			t.state.Offset = payload.Offset
			t.state.LastRead = time.Now()
			t.mu.Unlock()
		}
		records = records[n:]
	}
	return nil
}

// send returns whether the payload was accepted
func (t *Tailer) send(ctx context.Context, p domain.TailerPayload, final bool) (bool, error) {
	if t.cfg.SendPolicy == SendDrop {
		select {
		case t.out <- p:
			metrics.TailerPayloads.WithLabelValues("sent").Inc()
			return true, nil
		default:
			metrics.TailerPayloads.WithLabelValues("dropped").Inc()
			log.Warn().
				Str("file", p.Identity.Path).
				Int("records", len(p.Records)).
				Msg("Output channel full, payload dropped")
			return false, nil
		}
	}

	if final {
		select {
		case t.out <- p:
			metrics.TailerPayloads.WithLabelValues("sent").Inc()
			return true, nil
		case <-t.abort:
			metrics.TailerPayloads.WithLabelValues("aborted").Inc()
			return false, errAborted
		}
	}

	select {
	case t.out <- p:
		metrics.TailerPayloads.WithLabelValues("sent").Inc()
		return true, nil
	case <-ctx.Done():
		return false, nil
	}
}
