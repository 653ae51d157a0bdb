// Package codec encodes batches for the message-oriented sinks
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/SteelMorgan/log-shipper/internal/domain"
	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Supported compression methods
const (
	None = "none"
	Gzip = "gzip"
	Zstd = "zstd"
	LZ4  = "lz4"
)

// ErrUnknownCompression is returned for a method not in the list above
var ErrUnknownCompression = errors.New("unknown compression")

// envelope is the wire form of a batch
type envelope struct {
	ID        string                 `json:"id"`
	CreatedAt time.Time              `json:"created_at"`
	Records   []domain.NormalizedLog `json:"records"`
}

// ContentEncoding returns the header value for a compression method
func ContentEncoding(compression string) string {
	if compression == None || compression == "" {
		return "identity"
	}
	return compression
}

// EncodeBatch serializes b as JSON and compresses it
func EncodeBatch(b *domain.Batch, compression string) ([]byte, error) {
	raw, err := json.Marshal(envelope{ID: b.ID, CreatedAt: b.CreatedAt, Records: b.Records})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch %s: %w", b.ID, err)
	}
	out, err := compress(raw, compression)
	if err != nil {
		return nil, fmt.Errorf("failed to compress batch %s: %w", b.ID, err)
	}
	return out, nil
}

// DecodeBatch reverses EncodeBatch
func DecodeBatch(data []byte, compression string) (*domain.Batch, error) {
	raw, err := decompress(data, compression)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress batch: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch: %w", err)
	}

	b := &domain.Batch{ID: env.ID, CreatedAt: env.CreatedAt, Records: env.Records}
	for i := range b.Records {
		b.Bytes += b.Records[i].Size()
	}
	return b, nil
}

func compress(raw []byte, compression string) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser

	switch compression {
	case None, "":
		return raw, nil
	case Gzip:
		w = gzip.NewWriter(&buf)
	case Zstd:
		enc, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		w = enc
	case LZ4:
		w = lz4.NewWriter(&buf)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, compression)
	}

	if _, err := w.Write(raw); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte, compression string) ([]byte, error) {
	var r io.Reader

	switch compression {
	case None, "":
		return data, nil
	case Gzip:
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	case Zstd:
		dec, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		r = dec
	case LZ4:
		r = lz4.NewReader(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, compression)
	}

	return io.ReadAll(r)
}
