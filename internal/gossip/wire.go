package gossip

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
)

// Codec name, carried alongside encoded bytes by the transport layer so
// the receiving engine knows which decoder to use.
type Codec string

const (
	CodecJSON Codec = "json"
	CodecCBOR Codec = "cbor"
)

var cborMode = mustCBORMode()

func mustCBORMode() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("gossip: invalid cbor encoding options: %v", err))
	}
	return mode
}

// Encode serializes an envelope using the preferred on-wire codec. CBOR is
// preferred (more compact, and the codec Atmosphere's other gossip peers
// are expected to speak); JSON remains available for the HTTP/WS surface
// and for interop debugging.
func Encode(a *meshmodel.Announcement, codec Codec) ([]byte, error) {
	switch codec {
	case CodecCBOR, "":
		return cborMode.Marshal(a)
	case CodecJSON:
		return json.Marshal(a)
	default:
		return nil, fmt.Errorf("gossip: unknown codec %q", codec)
	}
}

// Decode parses an envelope, trying CBOR first (the preferred wire codec)
// and falling back to JSON. Unknown top-level fields are preserved in
// Unknown so a forwarding node never silently drops data a newer peer
// added.
func Decode(data []byte) (*meshmodel.Announcement, error) {
	var a meshmodel.Announcement
	if err := cbor.Unmarshal(data, &a); err == nil {
		if extra, err := decodeUnknownCBOR(data); err == nil {
			a.Unknown = extra
		}
		return &a, nil
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("gossip: decode envelope: %w", err)
	}
	if extra, err := decodeUnknownJSON(data); err == nil {
		a.Unknown = extra
	}
	return &a, nil
}

var knownFields = map[string]struct{}{
	"kind": {}, "from_node": {}, "payload": {}, "timestamp": {}, "ttl": {}, "nonce": {},
}

func decodeUnknownJSON(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	for k := range knownFields {
		delete(raw, k)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return raw, nil
}

func decodeUnknownCBOR(data []byte) (map[string]any, error) {
	// CBOR envelopes key fields by integer (see meshmodel.Announcement's
	// cbor tags); anything keyed outside 1-6 is preserved verbatim.
	var raw map[any]any
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	extra := make(map[string]any)
	for k, v := range raw {
		n, ok := k.(uint64)
		if ok && n >= 1 && n <= 6 {
			continue
		}
		extra[fmt.Sprint(k)] = v
	}
	if len(extra) == 0 {
		return nil, nil
	}
	return extra, nil
}
