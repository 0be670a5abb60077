package webm

// Wire-level constants. These byte values are the contract with the
// recorder's container format and must be reproduced bit-exact.
const (
	// Block element IDs
	SimpleBlockID = 0xA3 // preferred block element
	BlockID       = 0xA1 // alternate block element

	// Valid track-number byte range inside a block element
	TrackNumberMin = 0x80
	TrackNumberMax = 0x9F

	// Canonical doc type values carried by the DocType tag
	DocTypeGeneric   = "matroska"
	DocTypeCanonical = "webm"
)

var (
	// Magic is the 4-byte container signature at the start of a header.
	Magic = []byte{0x1A, 0x45, 0xDF, 0xA3}

	// SegmentID marks the top-level body start of the stream.
	SegmentID = []byte{0x18, 0x53, 0x80, 0x67}

	// DocTypeID tags the declared sub-format string inside the header.
	DocTypeID = []byte{0x42, 0x82}
)

// BlockPattern is one whitelisted block-start signature. Two-byte patterns
// pin the track byte; one-byte patterns accept any track in the valid range.
type BlockPattern struct {
	Name      string
	Signature []byte
}

// BlockPatterns is the full whitelist used for boundary detection. The
// specific two-byte forms come first so they win ties at the same offset.
var BlockPatterns = []BlockPattern{
	{Name: "simpleblock-track1", Signature: []byte{SimpleBlockID, 0x81}},
	{Name: "simpleblock-track2", Signature: []byte{SimpleBlockID, 0x82}},
	{Name: "block-track1", Signature: []byte{BlockID, 0x81}},
	{Name: "block-track2", Signature: []byte{BlockID, 0x82}},
	{Name: "simpleblock-any", Signature: []byte{SimpleBlockID}},
	{Name: "block-any", Signature: []byte{BlockID}},
}

// HasMagic reports whether buf begins with the container magic.
func HasMagic(buf []byte) bool {
	if len(buf) < len(Magic) {
		return false
	}
	for i, b := range Magic {
		if buf[i] != b {
			return false
		}
	}
	return true
}

// IsTrackByte reports whether b falls in the valid track-number range.
func IsTrackByte(b byte) bool {
	return b >= TrackNumberMin && b <= TrackNumberMax
}

// MatchesSignature checks a block signature at the given offset. A 2-byte
// signature must match exactly. A 1-byte signature must match and be
// followed by a byte in the valid track-number range, which rejects an
// accidental lone-byte hit.
func MatchesSignature(buf []byte, offset int, signature []byte) bool {
	if offset < 0 || len(signature) == 0 || offset+len(signature) > len(buf) {
		return false
	}
	for i, b := range signature {
		if buf[offset+i] != b {
			return false
		}
	}
	if len(signature) == 1 {
		if offset+1 >= len(buf) {
			return false
		}
		return IsTrackByte(buf[offset+1])
	}
	return true
}

// VarIntLength returns the total byte length (1-8) of a variable-length
// size field whose first byte is b, determined by the position of the
// leading set bit. Returns -1 when no length marker is present.
func VarIntLength(b byte) int {
	for length := 1; length <= 8; length++ {
		if b&(0x80>>(length-1)) != 0 {
			return length
		}
	}
	return -1
}

// ParseVarIntSize decodes the variable-length size field at offset. The
// leading set bit of the first byte determines the field length; the
// remaining bits plus the following bytes are the magnitude. Returns -1 on
// malformed or out-of-range input. This is a partial decoder: it validates
// well-formedness, not semantic correctness.
func ParseVarIntSize(buf []byte, offset int) int64 {
	if offset < 0 || offset >= len(buf) {
		return -1
	}
	length := VarIntLength(buf[offset])
	if length < 0 {
		return -1
	}
	if offset+length > len(buf) {
		return -1
	}

	// First byte carries the value bits below the length marker.
	value := int64(buf[offset] & (0xFF >> length))
	for i := 1; i < length; i++ {
		value = value<<8 | int64(buf[offset+i])
	}
	return value
}
