// Package sourcemap implements the source-map resolver (spec §4.E): VLQ
// decode, mappings parsing, and stack-frame remapping with cached fetches.
// The hand-rolled VLQ codec here is deliberately self-contained (no
// third-party dependency) because it is the one piece of this component
// the spec holds to an exact round-trip property (§8); production parsing
// of maps the hand-rolled decoder can't make sense of falls back to
// gopkg.in/sourcemap.v1 (see resolver.go), grounded on the retrieved
// firasghr-GoSessionEngine module's one direct dependency.
package sourcemap

import "strings"

const base64VLQChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

var base64VLQDecodeTable = func() [128]int8 {
	var t [128]int8
	for i := range t {
		t[i] = -1
	}
	for i, c := range base64VLQChars {
		t[c] = int8(i)
	}
	return t
}()

const (
	vlqBaseShift       = 5
	vlqBase            = 1 << vlqBaseShift
	vlqBaseMask        = vlqBase - 1
	vlqContinuationBit = vlqBase
)

// EncodeVLQ renders nums as a base64-VLQ-encoded mappings segment.
func EncodeVLQ(nums []int) string {
	var sb strings.Builder
	for _, n := range nums {
		encodeVLQInt(&sb, n)
	}
	return sb.String()
}

func encodeVLQInt(sb *strings.Builder, n int) {
	var v int
	if n < 0 {
		v = ((-n) << 1) | 1
	} else {
		v = n << 1
	}
	for {
		digit := v & vlqBaseMask
		v >>= vlqBaseShift
		if v > 0 {
			digit |= vlqContinuationBit
		}
		sb.WriteByte(base64VLQChars[digit])
		if v == 0 {
			break
		}
	}
}

// DecodeVLQ decodes a base64-VLQ-encoded mappings segment back into its
// integer deltas.
func DecodeVLQ(s string) ([]int, error) {
	var out []int
	i := 0
	for i < len(s) {
		n, consumed, err := decodeVLQInt(s[i:])
		if err != nil {
			return nil, err
		}
		out = append(out, n)
		i += consumed
	}
	return out, nil
}

func decodeVLQInt(s string) (int, int, error) {
	result := 0
	shift := 0
	i := 0
	for {
		if i >= len(s) {
			return 0, 0, errInvalidVLQ{s}
		}
		c := s[i]
		i++
		if c >= 128 || base64VLQDecodeTable[c] == -1 {
			return 0, 0, errInvalidVLQ{s}
		}
		digit := int(base64VLQDecodeTable[c])
		cont := digit & vlqContinuationBit
		digit &= vlqBaseMask
		result += digit << shift
		shift += vlqBaseShift
		if cont == 0 {
			break
		}
	}
	negate := result & 1
	result >>= 1
	if negate != 0 {
		result = -result
	}
	return result, i, nil
}

type errInvalidVLQ struct{ s string }

func (e errInvalidVLQ) Error() string { return "sourcemap: invalid VLQ sequence: " + e.s }
