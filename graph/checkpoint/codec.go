package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// zstdMagic prefixes every zstd frame. Payloads are self-describing, so a
// store can hold a mix of compressed and plain snapshots.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// codec serializes snapshots. EncodeAll and DecodeAll are safe for
// concurrent use, so one codec serves the whole Manager.
type codec struct {
	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

func newCodec(compress bool) (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("checkpoint: zstd decoder: %w", err)
	}
	return &codec{compress: compress, enc: enc, dec: dec}, nil
}

func (c *codec) encode(s *Snapshot) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: marshal snapshot: %w", err)
	}
	if !c.compress {
		return raw, nil
	}
	return c.enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func (c *codec) decode(data []byte) (*Snapshot, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		raw, err := c.dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: decompress snapshot: %w", err)
		}
		data = raw
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("checkpoint: unmarshal snapshot: %w", err)
	}
	if s.Checksum != "" && s.Checksum != computeChecksum(&s) {
		return nil, fmt.Errorf("%w for run %s", ErrCorrupt, s.RunID)
	}
	return &s, nil
}

func (c *codec) close() {
	_ = c.enc.Close()
	c.dec.Close()
}
