package domain

import "time"

// Batch is an ordered group of records shipped as one unit
type Batch struct {
	ID        string
	Records   []NormalizedLog
	CreatedAt time.Time
	Bytes     int
}

// Len returns the number of records in the batch
func (b *Batch) Len() int {
	return len(b.Records)
}
