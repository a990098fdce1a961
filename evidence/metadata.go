package evidence

import (
	"encoding/json"
	"time"
)

// Seconds is a duration stored as integer seconds in locker metadata,
// matching the on-disk index format.
type Seconds time.Duration

// Duration returns the value as a time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(s)
}

// MarshalJSON implements json.Marshaler.
func (s Seconds) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(time.Duration(s) / time.Second))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Seconds) UnmarshalJSON(b []byte) error {
	var secs int64
	if err := json.Unmarshal(b, &secs); err != nil {
		return err
	}
	*s = Seconds(time.Duration(secs) * time.Second)
	return nil
}

// Metadata is the per-record entry kept in the directory index document.
//
// All partitions of one logical record share a single Metadata entry, so
// everything but the partition index is identical across parts.
type Metadata struct {
	LastUpdate  time.Time   `json:"last_update"`
	TTL         Seconds     `json:"ttl"`
	Description string      `json:"description,omitempty"`
	Digest      string      `json:"digest,omitempty"`
	Signature   string      `json:"signature,omitempty"`
	Agent       string      `json:"agent,omitempty"`
	Partitions  int         `json:"partitions,omitempty"`
	PartSize    int         `json:"part_size,omitempty"`
	Compressed  bool        `json:"compressed,omitempty"`
	Binary      bool        `json:"binary,omitempty"`
	Tombstones  []Tombstone `json:"tombstones,omitempty"`
}

// Tombstone records a superseded storage layout for a record. Evidence is
// never physically deleted; replaced partition files remain reachable
// through locker history and the tombstone names when and why the layout
// changed.
type Tombstone struct {
	EOL        time.Time `json:"eol"`
	LastUpdate time.Time `json:"last_update"`
	Reason     string    `json:"reason"`
}
