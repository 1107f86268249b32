package transport

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// stripeThreshold is the payload size above which capability_invoke/_result
// bodies get FEC-striped before framing, so a single dropped relay datagram
// doesn't force a full application-level retry over the unreliable,
// non-durable relay hub (spec §4.7's relay semantics; §4.6's executor has no
// retry budget of its own for this).
const stripeThreshold = 32 << 10 // 32KiB

// dataShards/parityShards follow reedsolomon's common 10-of-4 ratio: any 10
// of the 14 shards reconstruct the original, tolerating up to 4 losses.
const (
	dataShards   = 10
	parityShards = 4
)

// ShardedPayload is the wire form of a FEC-striped payload: enough parity
// shards that a quorum of dataShards surviving reconstructs Original.
type ShardedPayload struct {
	OriginalSize int      `cbor:"1,keyasint"`
	Shards       [][]byte `cbor:"2,keyasint"`
}

// shardPayload splits data into dataShards+parityShards erasure-coded
// shards, or returns (nil, false) if data is below stripeThreshold and
// shouldn't be striped at all.
func shardPayload(data []byte) (*ShardedPayload, bool, error) {
	if len(data) < stripeThreshold {
		return nil, false, nil
	}

	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, false, fmt.Errorf("transport: construct reedsolomon encoder: %w", err)
	}

	shards, err := enc.Split(data)
	if err != nil {
		return nil, false, fmt.Errorf("transport: split payload into shards: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, false, fmt.Errorf("transport: encode parity shards: %w", err)
	}

	return &ShardedPayload{OriginalSize: len(data), Shards: shards}, true, nil
}

// reconstructPayload rebuilds the original bytes from a ShardedPayload,
// tolerating up to parityShards missing shards (nil entries).
func reconstructPayload(sp *ShardedPayload) ([]byte, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("transport: construct reedsolomon encoder: %w", err)
	}

	ok, err := enc.Verify(sp.Shards)
	if err != nil || !ok {
		if err := enc.Reconstruct(sp.Shards); err != nil {
			return nil, fmt.Errorf("transport: reconstruct shards: %w", err)
		}
	}

	buf := make([]byte, 0, sp.OriginalSize)
	for _, s := range sp.Shards[:dataShards] {
		buf = append(buf, s...)
	}
	if len(buf) < sp.OriginalSize {
		return nil, fmt.Errorf("transport: reconstructed payload shorter than original size")
	}
	return buf[:sp.OriginalSize], nil
}
