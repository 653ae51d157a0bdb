package sink

import (
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/SteelMorgan/log-shipper/internal/domain"
	"github.com/zeebo/blake3"
)

// Fingerprint hashes every field that identifies a record so downstream
// tables can collapse retransmitted rows
func Fingerprint(rec *domain.NormalizedLog) string {
	h := blake3.New()

	fmt.Fprintf(h, "%s|", rec.Timestamp.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(h, "%s|", rec.Source)
	fmt.Fprintf(h, "%s|", rec.Level)
	fmt.Fprintf(h, "%s|", rec.Message)
	fmt.Fprintf(h, "%s|", rec.Raw)

	// Fields sorted for a stable digest
	keys := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s|", k, rec.Fields[k])
	}

	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
