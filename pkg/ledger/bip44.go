package ledger

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// HardenedKeyStart is the bit marking a hardened BIP32 child index.
const HardenedKeyStart uint32 = 0x80000000

const (
	maxPathString     = 3062 // longest accepted path string
	maxSegmentDigits  = 10   // longest accepted decimal segment
	maxPathComponents = 10   // device limit on derivation depth
)

// ParsePath parses a BIP44 node path string such as "m/44'/0'/0'/0/0"
// into a sequence of child indices. The ' suffix marks a hardened
// child; hardened segments are rejected when hard is false. The leading
// m (or M) is required and may itself carry a ' suffix.
func ParsePath(pathStr string, hard bool) ([]uint32, error) {
	if len(pathStr) > maxPathString {
		return nil, fmt.Errorf("%w: path string too long", ErrInvalidPath)
	}

	parts := strings.Split(pathStr, "/")
	switch parts[0] {
	case "m", "M", "m'", "M'":
		parts = parts[1:]
	default:
		return nil, fmt.Errorf("%w: path must start with m or M", ErrInvalidPath)
	}

	path := make([]uint32, 0, len(parts))
	for _, part := range parts {
		hardened := strings.HasSuffix(part, "'")
		if hardened {
			if !hard {
				return nil, fmt.Errorf("%w: hardened index not allowed", ErrInvalidPath)
			}
			part = part[:len(part)-1]
		}
		if len(part) == 0 || len(part) > maxSegmentDigits {
			return nil, fmt.Errorf("%w: malformed segment %q", ErrInvalidPath, part)
		}

		index, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: segment %q: %v", ErrInvalidPath, part, err)
		}
		if hardened {
			if index >= uint64(HardenedKeyStart) {
				return nil, fmt.Errorf("%w: hardened index %d out of range", ErrInvalidPath, index)
			}
			index += uint64(HardenedKeyStart)
		}
		path = append(path, uint32(index))
	}

	return path, nil
}

// pathData serializes a derivation path into the wire form every keyed
// instruction expects: a count byte followed by one big endian u32 per
// component.
func pathData(path []uint32) ([]byte, error) {
	if len(path) > maxPathComponents {
		return nil, fmt.Errorf("%w: %d components exceeds device limit of %d",
			ErrInvalidPath, len(path), maxPathComponents)
	}
	data := make([]byte, 1+4*len(path))
	data[0] = byte(len(path))
	for i, component := range path {
		binary.BigEndian.PutUint32(data[1+4*i:], component)
	}
	return data, nil
}
