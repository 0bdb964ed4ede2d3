package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/avelsk/gatherd/internal/domain/checkpoint"
)

// DefaultCompressThreshold is the serialized size above which records are
// gzip-compressed before entering the fast store. Small records skip
// compression; the header overhead outweighs the savings.
const DefaultCompressThreshold = 4 * 1024

// compressMagic prefixes compressed fast-store values so reads can
// distinguish them from plain JSON, which always starts with '{'.
var compressMagic = []byte{0x1f, 0x8b}

// codec serializes records for the fast store, transparently compressing
// anything above the threshold.
type codec struct {
	threshold int
}

func newCodec(threshold int) *codec {
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}
	return &codec{threshold: threshold}
}

// Encode serializes a record, compressing when the JSON form exceeds the
// threshold. The bool reports whether compression was applied.
func (c *codec) Encode(record *checkpoint.Record) ([]byte, bool, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, false, fmt.Errorf("encoding checkpoint record: %w", err)
	}
	if len(raw) <= c.threshold {
		return raw, false, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, false, fmt.Errorf("compressing checkpoint record: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, false, fmt.Errorf("compressing checkpoint record: %w", err)
	}
	return buf.Bytes(), true, nil
}

// Decode deserializes a fast-store value, decompressing when the gzip magic
// prefix is present.
func (c *codec) Decode(value []byte) (*checkpoint.Record, error) {
	raw := value
	if bytes.HasPrefix(value, compressMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(value))
		if err != nil {
			return nil, fmt.Errorf("opening compressed checkpoint record: %w", err)
		}
		defer zr.Close()
		if raw, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("decompressing checkpoint record: %w", err)
		}
	}

	var record checkpoint.Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decoding checkpoint record: %w", err)
	}
	return &record, nil
}
