package webm

import (
	"bytes"
	"log/slog"
	"sync"
)

// HeaderInfo holds the per-session stream header state. It is created once
// from the first slice of a recording and cached for the session lifetime.
type HeaderInfo struct {
	FullHeader    []byte `json:"-"`
	MinimalHeader []byte `json:"-"`
	HeaderSize    uint32 `json:"header_size"`
	IsValid       bool   `json:"is_valid"`
}

// Effective returns the header bytes to prepend to non-first chunks: the
// real extracted header when extraction succeeded, the minimal fallback
// otherwise.
func (h *HeaderInfo) Effective() []byte {
	if h.IsValid && len(h.FullHeader) > 0 {
		return h.FullHeader
	}
	return h.MinimalHeader
}

// ExtractorConfig controls how far header extraction searches and how it
// estimates the header/body boundary when the body-start signature is
// missing.
type ExtractorConfig struct {
	ScanLimit     int     // bytes searched for the body-start signature
	FallbackMax   int     // upper bound of the fallback boundary estimate
	FallbackRatio float64 // fraction of the slice used as fallback boundary
}

// DefaultExtractorConfig returns the extraction limits used in production.
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		ScanLimit:     4096,
		FallbackMax:   2048,
		FallbackRatio: 0.10,
	}
}

// ExtractorStats summarizes extraction outcomes.
type ExtractorStats struct {
	Extractions uint64 `json:"extractions"`
	Fallbacks   uint64 `json:"fallbacks"`
	Rewrites    uint64 `json:"rewrites"`
}

// Extractor locates, extracts, and repairs stream headers from first
// slices. Extraction fails soft: on any error the result carries a
// synthesized minimal header so the pipeline never blocks.
type Extractor struct {
	cfg    ExtractorConfig
	logger *slog.Logger

	mu    sync.Mutex
	stats ExtractorStats
}

// NewExtractor creates a header extractor. Zero config fields fall back to
// the defaults.
func NewExtractor(cfg ExtractorConfig, logger *slog.Logger) *Extractor {
	def := DefaultExtractorConfig()
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = def.ScanLimit
	}
	if cfg.FallbackMax <= 0 {
		cfg.FallbackMax = def.FallbackMax
	}
	if cfg.FallbackRatio <= 0 || cfg.FallbackRatio > 1 {
		cfg.FallbackRatio = def.FallbackRatio
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{cfg: cfg, logger: logger}
}

// Extract validates the container magic, locates the end of the stream
// header, and rewrites the declared doc type to the canonical value. On
// failure it returns IsValid=false with the minimal fallback header.
func (e *Extractor) Extract(firstSlice []byte) *HeaderInfo {
	e.mu.Lock()
	e.stats.Extractions++
	e.mu.Unlock()

	minimal := CreateMinimalHeader()

	if !HasMagic(firstSlice) {
		e.mu.Lock()
		e.stats.Fallbacks++
		e.mu.Unlock()
		e.logger.Warn("Header extraction failed, using minimal header",
			"reason", "container magic missing",
			"slice_bytes", len(firstSlice))
		return &HeaderInfo{
			MinimalHeader: minimal,
			HeaderSize:    uint32(len(minimal)),
			IsValid:       false,
		}
	}

	boundary := e.findBoundary(firstSlice)
	header := make([]byte, boundary)
	copy(header, firstSlice[:boundary])

	header, rewritten := rewriteDocType(header)
	if rewritten {
		e.mu.Lock()
		e.stats.Rewrites++
		e.mu.Unlock()
	}

	e.logger.Debug("Stream header extracted",
		"header_bytes", len(header),
		"doc_type_rewritten", rewritten)

	return &HeaderInfo{
		FullHeader:    header,
		MinimalHeader: minimal,
		HeaderSize:    uint32(len(header)),
		IsValid:       true,
	}
}

// findBoundary locates the header/body boundary: the end of the body-start
// signature plus its size field. When the signature is not found within the
// scan limit, it falls back to a conservative estimate.
func (e *Extractor) findBoundary(slice []byte) int {
	scanLimit := len(slice)
	if scanLimit > e.cfg.ScanLimit {
		scanLimit = e.cfg.ScanLimit
	}

	idx := bytes.Index(slice[:scanLimit], SegmentID)
	if idx >= 0 {
		end := idx + len(SegmentID)
		if end < len(slice) {
			if n := VarIntLength(slice[end]); n > 0 && end+n <= len(slice) {
				end += n
			}
		}
		return end
	}

	e.mu.Lock()
	e.stats.Fallbacks++
	e.mu.Unlock()

	fallback := int(float64(len(slice)) * e.cfg.FallbackRatio)
	if fallback > e.cfg.FallbackMax {
		fallback = e.cfg.FallbackMax
	}
	if fallback < len(Magic) {
		// Slices too small to estimate are kept whole.
		fallback = len(slice)
	}
	e.logger.Warn("Body-start signature not found, using fallback boundary",
		"boundary_bytes", fallback,
		"slice_bytes", len(slice))
	return fallback
}

// GetStats returns extraction counters.
func (e *Extractor) GetStats() ExtractorStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// rewriteDocType locates the DocType tag and rewrites the generic value to
// the canonical one, shrinking the buffer by the length difference. It
// no-ops when already canonical and fails soft (original bytes unchanged)
// when the tag or its size encoding is unrecognized. The enclosing
// element's declared size is not adjusted.
func rewriteDocType(header []byte) ([]byte, bool) {
	idx := bytes.Index(header, DocTypeID)
	if idx < 0 {
		return header, false
	}

	sizePos := idx + len(DocTypeID)
	if sizePos >= len(header) {
		return header, false
	}
	sizeByte := header[sizePos]
	if sizeByte&0x80 == 0 {
		// Multi-byte size encoding on the doc type tag is not expected.
		return header, false
	}
	strLen := int(sizeByte & 0x7F)
	valueEnd := sizePos + 1 + strLen
	if valueEnd > len(header) {
		return header, false
	}

	value := string(header[sizePos+1 : valueEnd])
	if value != DocTypeGeneric {
		return header, false
	}

	rewritten := make([]byte, 0, len(header)-len(DocTypeGeneric)+len(DocTypeCanonical))
	rewritten = append(rewritten, header[:sizePos]...)
	rewritten = append(rewritten, byte(0x80|len(DocTypeCanonical)))
	rewritten = append(rewritten, DocTypeCanonical...)
	rewritten = append(rewritten, header[valueEnd:]...)
	return rewritten, true
}

// BuildChunk prepends the session header to a chunk payload. Chunk 1 never
// gets this treatment (it already is both header and payload); every later
// chunk does.
func BuildChunk(header, payload []byte) []byte {
	out := make([]byte, 0, len(header)+len(payload))
	out = append(out, header...)
	out = append(out, payload...)
	return out
}

// CreateMinimalHeader returns a deterministic, hand-built stream header:
// the required descriptor fields declaring the canonical doc type, followed
// by an open-ended body-start marker. It guarantees every emitted chunk is
// at least structurally openable even when real extraction fails.
func CreateMinimalHeader() []byte {
	return []byte{
		0x1A, 0x45, 0xDF, 0xA3, // container magic
		0x9F,                   // descriptor size: 31 bytes
		0x42, 0x86, 0x81, 0x01, // EBMLVersion = 1
		0x42, 0xF7, 0x81, 0x01, // EBMLReadVersion = 1
		0x42, 0xF2, 0x81, 0x04, // EBMLMaxIDLength = 4
		0x42, 0xF3, 0x81, 0x08, // EBMLMaxSizeLength = 8
		0x42, 0x82, 0x84, 'w', 'e', 'b', 'm', // DocType = "webm"
		0x42, 0x87, 0x81, 0x04, // DocTypeVersion = 4
		0x42, 0x85, 0x81, 0x02, // DocTypeReadVersion = 2
		0x18, 0x53, 0x80, 0x67, // body start
		0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, // unknown size
	}
}
