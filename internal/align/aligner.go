package align

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/iwabuchi404/koe-note-sub002/internal/webm"
)

// Action tells the caller what to do with the buffer that produced a Result.
type Action string

const (
	// ActionUseAligned means AlignedData starts at a verified block boundary.
	ActionUseAligned Action = "use_aligned"
	// ActionUseOriginal means no trustworthy boundary was applied; the
	// caller should keep the original bytes untouched.
	ActionUseOriginal Action = "use_original"
	// ActionRejectChunk means the buffer carries no usable audio at all.
	ActionRejectChunk Action = "reject_chunk"
)

// Config holds the tunable thresholds of the aligner. Zero values are
// replaced with defaults by New.
type Config struct {
	// MinChunkSize is the smallest buffer worth analyzing. Anything
	// shorter is rejected outright.
	MinChunkSize int
	// MaxSearchBytes bounds how deep into the buffer block signatures
	// are searched.
	MaxSearchBytes int
	// ConfidenceThreshold is the minimum confidence required before an
	// alignment is applied instead of passing the original through.
	ConfidenceThreshold float64
	// MaxTrimBytes is the absolute cap on how many leading bytes an
	// alignment may discard.
	MaxTrimBytes int
	// MaxTrimRatio caps the trim relative to the buffer length.
	MaxTrimRatio float64
	// EntropyThreshold is the bits-per-byte level above which the bytes
	// following a candidate block header count as encoded audio.
	EntropyThreshold float64
}

// DefaultConfig returns the aligner defaults tuned for 20-second
// MediaRecorder-style slices.
func DefaultConfig() Config {
	return Config{
		MinChunkSize:        1024,
		MaxSearchBytes:      1024,
		ConfidenceThreshold: 0.6,
		MaxTrimBytes:        150,
		MaxTrimRatio:        0.08,
		EntropyThreshold:    6.5,
	}
}

// Scan phase boundaries and acceptance bars. Phase 1 covers the region
// where real boundaries land for interval-sized slices; phase 2 probes
// deeper with a stricter early-stop bar.
const (
	phase1Limit       = 200
	phase2Limit       = 500
	phase1AcceptScore = 0.7
	phase1MinScore    = 0.3
	phase2AcceptScore = 0.8
)

// Validation score weights. The score starts at scoreBase and accumulates
// bonuses for each structural property of the candidate block.
const (
	scoreBase            = 0.4
	scorePreferredID     = 0.3
	scoreAlternateID     = 0.25
	scoreTrackInRange    = 0.2
	scoreTrackCommon     = 0.15
	scoreTrackOutOfRange = 0.05
	scoreSizeWellFormed  = 0.15
	scoreSizeAudioSized  = 0.25
	scoreEntropyBonus    = 0.1

	maxValidationIssues = 2
	minAudioSizedBytes  = 100
	entropyProbeBytes   = 256
)

// Confidence weights applied to the winning candidate.
const (
	confidenceBase        = 0.3
	confidenceScoreWeight = 0.4
	bonusPreferredBlock   = 0.2
	bonusAlternateBlock   = 0.15
	bonusPositionWeight   = 0.15
	bonusSizeAudioSized   = 0.1
	penaltySizeInvalid    = 0.15
	bonusMultiCandidate   = 0.05
	bonusNonZeroOffset    = 0.1

	farOffsetBytes  = 100
	farOffsetFactor = 0.7
	midOffsetBytes  = 50
	midOffsetFactor = 0.85

	notFoundConfidence = 0.1
	headerConfidence   = 0.95
)

// Raw payload walk parameters. Non-container payloads are scanned in
// coarse non-overlapping windows; the delta entropy of a 64-byte window
// tops out near log2(63), so the audio bar sits below the container one.
const (
	rawWindowBytes      = 64
	rawEntropyThreshold = 5.0
	rawJumpBits         = 1.5
	rawBaseConfidence   = 0.5
	rawEntropyWeight    = 0.25
	rawEntropyCap       = 2.0
)

// Diagnostics carries the evidence behind an alignment decision.
type Diagnostics struct {
	HasMagic        bool     `json:"has_magic"`
	IsHeaderOnly    bool     `json:"is_header_only"`
	RawPayload      bool     `json:"raw_payload"`
	Phase           int      `json:"phase"`
	PatternName     string   `json:"pattern_name,omitempty"`
	ValidationScore float64  `json:"validation_score"`
	Candidates      int      `json:"candidates"`
	SearchedBytes   int      `json:"searched_bytes"`
	GateDiscarded   bool     `json:"gate_discarded"`
	Issues          []string `json:"issues,omitempty"`
}

// Result describes the outcome of aligning one buffer.
type Result struct {
	AlignedData  []byte      `json:"-"`
	TrimmedBytes int         `json:"trimmed_bytes"`
	Found        bool        `json:"found"`
	Confidence   float64     `json:"confidence"`
	Action       Action      `json:"action"`
	Diagnostics  Diagnostics `json:"diagnostics"`
}

// Quality grades a buffer for the folder ingestion path.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityUnusable  Quality = "unusable"
)

// Diagnosis summarizes what a buffer looks like before any processing.
type Diagnosis struct {
	Quality      Quality `json:"quality"`
	HasHeader    bool    `json:"has_header"`
	BlockCount   int     `json:"block_count"`
	SizeBytes    int     `json:"size_bytes"`
	IsHeaderOnly bool    `json:"is_header_only"`
}

const diagExcellentBlocks = 3

// Stats tracks aggregate aligner activity.
type Stats struct {
	Processed     uint64  `json:"processed"`
	Aligned       uint64  `json:"aligned"`
	PassedThrough uint64  `json:"passed_through"`
	Rejected      uint64  `json:"rejected"`
	TrimmedBytes  uint64  `json:"trimmed_bytes_total"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// Aligner locates block boundaries in raw buffers and decides whether
// trimming to them is safe. Safe for concurrent use.
type Aligner struct {
	logger *slog.Logger

	mu            sync.RWMutex
	cfg           Config
	stats         Stats
	confidenceSum float64
}

// New creates an aligner. Zero config fields fall back to defaults.
func New(cfg Config, logger *slog.Logger) *Aligner {
	defaults := DefaultConfig()
	if cfg.MinChunkSize <= 0 {
		cfg.MinChunkSize = defaults.MinChunkSize
	}
	if cfg.MaxSearchBytes <= 0 {
		cfg.MaxSearchBytes = defaults.MaxSearchBytes
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = defaults.ConfidenceThreshold
	}
	if cfg.MaxTrimBytes <= 0 {
		cfg.MaxTrimBytes = defaults.MaxTrimBytes
	}
	if cfg.MaxTrimRatio <= 0 {
		cfg.MaxTrimRatio = defaults.MaxTrimRatio
	}
	if cfg.EntropyThreshold <= 0 {
		cfg.EntropyThreshold = defaults.EntropyThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aligner{cfg: cfg, logger: logger}
}

// UpdateConfidenceThreshold changes the apply/pass-through bar at runtime.
func (a *Aligner) UpdateConfidenceThreshold(threshold float64) error {
	if threshold <= 0 || threshold > 1 {
		return fmt.Errorf("confidence threshold must be between 0 and 1, got %f", threshold)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	old := a.cfg.ConfidenceThreshold
	a.cfg.ConfidenceThreshold = threshold
	a.logger.Info("Confidence threshold updated",
		slog.Float64("old_threshold", old),
		slog.Float64("new_threshold", threshold))
	return nil
}

// GetConfig returns a copy of the current configuration.
func (a *Aligner) GetConfig() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// GetStats returns a snapshot of aggregate aligner activity.
func (a *Aligner) GetStats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stats
}

// ResetStats clears the aggregate counters.
func (a *Aligner) ResetStats() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats = Stats{}
	a.confidenceSum = 0
}

// Align inspects buf and returns the boundary decision. The input is
// never modified; AlignedData aliases buf when no trim is applied.
func (a *Aligner) Align(buf []byte) *Result {
	a.mu.RLock()
	cfg := a.cfg
	a.mu.RUnlock()

	result := a.align(buf, cfg)
	a.record(result)
	return result
}

func (a *Aligner) align(buf []byte, cfg Config) *Result {
	if len(buf) < cfg.MinChunkSize {
		return &Result{
			Action:     ActionRejectChunk,
			Confidence: 0,
			Diagnostics: Diagnostics{
				SearchedBytes: len(buf),
			},
		}
	}

	window := cfg.MaxSearchBytes
	if len(buf) < window {
		window = len(buf)
	}
	hasMagic := webm.HasMagic(buf)
	blockCount := countBlockSignatures(buf, blockScanStart(hasMagic), window)

	if hasMagic {
		// A buffer that opens with the container magic already sits on a
		// legal top-level boundary; the only question is whether any
		// audio follows the header.
		if blockCount == 0 {
			a.logger.Warn("Header-only chunk rejected",
				slog.Int("size_bytes", len(buf)),
				slog.Int("searched_bytes", window))
			return &Result{
				Action:     ActionRejectChunk,
				Confidence: 0,
				Diagnostics: Diagnostics{
					HasMagic:      true,
					IsHeaderOnly:  true,
					SearchedBytes: window,
				},
			}
		}
		return &Result{
			AlignedData: buf,
			Found:       true,
			Confidence:  headerConfidence,
			Action:      ActionUseAligned,
			Diagnostics: Diagnostics{
				HasMagic:      true,
				Candidates:    blockCount,
				SearchedBytes: window,
			},
		}
	}

	if blockCount == 0 {
		return a.alignRaw(buf, cfg, window)
	}
	return a.alignContainer(buf, cfg, window)
}

// alignContainer runs the two-phase signature scan over a buffer that
// carries container block structure but no leading header.
func (a *Aligner) alignContainer(buf []byte, cfg Config, window int) *Result {
	winner, candidates := a.scanForBlock(buf, cfg, window)
	if winner == nil {
		return &Result{
			AlignedData: buf,
			Confidence:  notFoundConfidence,
			Action:      ActionUseOriginal,
			Diagnostics: Diagnostics{
				Candidates:    candidates,
				SearchedBytes: window,
			},
		}
	}

	diag := Diagnostics{
		Phase:           winner.phase,
		PatternName:     winner.pattern.Name,
		ValidationScore: winner.val.Score,
		Candidates:      candidates,
		SearchedBytes:   window,
		Issues:          winner.val.Issues,
	}

	if exceedsTrimGate(winner.offset, len(buf), cfg) {
		diag.GateDiscarded = true
		a.logger.Debug("Alignment discarded by trim gate",
			slog.Int("offset", winner.offset),
			slog.Int("buffer_size", len(buf)))
		return &Result{
			AlignedData: buf,
			Confidence:  notFoundConfidence,
			Action:      ActionUseOriginal,
			Diagnostics: diag,
		}
	}

	confidence := confidenceFor(len(buf), winner, candidates)
	if confidence < cfg.ConfidenceThreshold {
		return &Result{
			AlignedData: buf,
			Confidence:  confidence,
			Action:      ActionUseOriginal,
			Diagnostics: diag,
		}
	}

	a.logger.Debug("Block boundary applied",
		slog.Int("offset", winner.offset),
		slog.String("pattern", winner.pattern.Name),
		slog.Float64("confidence", confidence))
	return &Result{
		AlignedData:  buf[winner.offset:],
		TrimmedBytes: winner.offset,
		Found:        true,
		Confidence:   confidence,
		Action:       ActionUseAligned,
		Diagnostics:  diag,
	}
}

// alignRaw handles payloads with no container structure at all, walking
// coarse windows of delta entropy to find where encoded audio begins.
func (a *Aligner) alignRaw(buf []byte, cfg Config, window int) *Result {
	diag := Diagnostics{
		RawPayload:    true,
		SearchedBytes: window,
	}

	boundary, entropy, found := findFrameBoundary(buf[:window])
	if !found {
		return &Result{
			AlignedData: buf,
			Confidence:  notFoundConfidence,
			Action:      ActionUseOriginal,
			Diagnostics: diag,
		}
	}

	if exceedsTrimGate(boundary, len(buf), cfg) {
		diag.GateDiscarded = true
		return &Result{
			AlignedData: buf,
			Confidence:  notFoundConfidence,
			Action:      ActionUseOriginal,
			Diagnostics: diag,
		}
	}

	excess := entropy - rawEntropyThreshold
	if excess > rawEntropyCap {
		excess = rawEntropyCap
	}
	confidence := rawBaseConfidence + rawEntropyWeight*excess
	confidence = applyOffsetPenalty(clamp01(confidence), boundary)
	if confidence < cfg.ConfidenceThreshold {
		return &Result{
			AlignedData: buf,
			Confidence:  confidence,
			Action:      ActionUseOriginal,
			Diagnostics: diag,
		}
	}

	a.logger.Debug("Raw payload boundary applied",
		slog.Int("offset", boundary),
		slog.Float64("delta_entropy", entropy))
	return &Result{
		AlignedData:  buf[boundary:],
		TrimmedBytes: boundary,
		Found:        true,
		Confidence:   confidence,
		Action:       ActionUseAligned,
		Diagnostics:  diag,
	}
}

// DiagnoseQuality grades a buffer without altering aligner state.
func (a *Aligner) DiagnoseQuality(buf []byte) Diagnosis {
	a.mu.RLock()
	cfg := a.cfg
	a.mu.RUnlock()

	window := cfg.MaxSearchBytes
	if len(buf) < window {
		window = len(buf)
	}
	hasHeader := webm.HasMagic(buf)
	d := Diagnosis{
		HasHeader:  hasHeader,
		BlockCount: countBlockSignatures(buf, blockScanStart(hasHeader), window),
		SizeBytes:  len(buf),
	}
	d.IsHeaderOnly = d.HasHeader && d.BlockCount == 0

	switch {
	case len(buf) < cfg.MinChunkSize:
		d.Quality = QualityUnusable
	case d.IsHeaderOnly:
		d.Quality = QualityUnusable
	case d.HasHeader && d.BlockCount >= diagExcellentBlocks:
		d.Quality = QualityExcellent
	case d.HasHeader || d.BlockCount >= diagExcellentBlocks:
		d.Quality = QualityGood
	default:
		d.Quality = QualityPoor
	}
	return d
}

func (a *Aligner) record(r *Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.Processed++
	switch r.Action {
	case ActionUseAligned:
		a.stats.Aligned++
	case ActionUseOriginal:
		a.stats.PassedThrough++
	case ActionRejectChunk:
		a.stats.Rejected++
	}
	a.stats.TrimmedBytes += uint64(r.TrimmedBytes)
	a.confidenceSum += r.Confidence
	a.stats.AvgConfidence = a.confidenceSum / float64(a.stats.Processed)
}

// candidate is one scored signature hit.
type candidate struct {
	offset  int
	phase   int
	pattern webm.BlockPattern
	val     validation
}

// scanForBlock runs the two-phase candidate search. Phase 1 accepts a
// strong hit immediately and otherwise remembers the best plausible
// one; phase 2 only runs when phase 1 came up empty and demands a
// stricter score before stopping early.
func (a *Aligner) scanForBlock(buf []byte, cfg Config, window int) (*candidate, int) {
	phase1End := phase1Limit
	if window < phase1End {
		phase1End = window
	}

	var best *candidate
	candidates := 0
	for offset := 0; offset < phase1End; offset++ {
		c := bestPatternAt(buf, offset, cfg.EntropyThreshold)
		if c == nil {
			continue
		}
		candidates++
		c.phase = 1
		if c.val.Score >= phase1AcceptScore {
			return c, candidates
		}
		if c.val.Score >= phase1MinScore && (best == nil || c.val.Score > best.val.Score) {
			best = c
		}
	}
	if best != nil {
		return best, candidates
	}

	phase2End := phase2Limit
	if window < phase2End {
		phase2End = window
	}
	for offset := phase1End; offset < phase2End; offset++ {
		c := bestPatternAt(buf, offset, cfg.EntropyThreshold)
		if c == nil {
			continue
		}
		candidates++
		c.phase = 2
		if c.val.Score >= phase2AcceptScore {
			return c, candidates
		}
		if best == nil || c.val.Score > best.val.Score {
			best = c
		}
	}
	return best, candidates
}

// bestPatternAt scores every whitelisted pattern matching at offset and
// returns the strongest valid one, or nil.
func bestPatternAt(buf []byte, offset int, entropyThreshold float64) *candidate {
	var best *candidate
	for _, pattern := range webm.BlockPatterns {
		if !webm.MatchesSignature(buf, offset, pattern.Signature) {
			continue
		}
		val := validateBlockStructure(buf, offset, entropyThreshold)
		if !val.Valid {
			continue
		}
		if best == nil || val.Score > best.val.Score {
			best = &candidate{offset: offset, pattern: pattern, val: val}
		}
	}
	return best
}

// validation is the outcome of structural checks on one candidate.
type validation struct {
	Valid       bool
	Score       float64
	AudioSized  bool
	SizeInvalid bool
	Issues      []string
}

// validateBlockStructure scores the block layout at offset: element ID,
// track byte, size field, and the entropy of the bytes that follow. The
// candidate stays valid while the element ID is recognized, the size
// field carries a plausible length marker, and at most two issues
// accumulate.
func validateBlockStructure(buf []byte, offset int, entropyThreshold float64) validation {
	val := validation{Valid: true, Score: scoreBase}

	switch buf[offset] {
	case webm.SimpleBlockID:
		val.Score += scorePreferredID
	case webm.BlockID:
		val.Score += scoreAlternateID
	default:
		val.Issues = append(val.Issues, "unrecognized element id")
		val.Valid = false
	}

	trackPos := offset + 1
	if trackPos >= len(buf) {
		val.Issues = append(val.Issues, "track byte missing")
	} else if webm.IsTrackByte(buf[trackPos]) {
		val.Score += scoreTrackInRange
		if buf[trackPos] == 0x81 || buf[trackPos] == 0x82 {
			val.Score += scoreTrackCommon
		}
	} else {
		val.Score += scoreTrackOutOfRange
		val.Issues = append(val.Issues, "track byte outside expected range")
	}

	sizePos := offset + 2
	sizeLen := 0
	switch {
	case sizePos >= len(buf):
		val.Issues = append(val.Issues, "size field missing")
		val.SizeInvalid = true
		val.Valid = false
	case webm.VarIntLength(buf[sizePos]) <= 0:
		val.Issues = append(val.Issues, "size field has no length marker")
		val.SizeInvalid = true
		val.Valid = false
	default:
		sizeLen = webm.VarIntLength(buf[sizePos])
		size := webm.ParseVarIntSize(buf, sizePos)
		switch {
		case size < 0:
			val.Issues = append(val.Issues, "size field truncated")
			val.SizeInvalid = true
		case int64(sizePos+sizeLen)+size > int64(len(buf)):
			val.Issues = append(val.Issues, "declared size exceeds buffer")
		case size >= minAudioSizedBytes:
			val.Score += scoreSizeAudioSized
			val.AudioSized = true
		default:
			val.Score += scoreSizeWellFormed
		}
	}

	if sizeLen > 0 {
		probeStart := sizePos + sizeLen
		if probeStart < len(buf) {
			probeEnd := probeStart + entropyProbeBytes
			if probeEnd > len(buf) {
				probeEnd = len(buf)
			}
			if Entropy(buf[probeStart:probeEnd]) > entropyThreshold {
				val.Score += scoreEntropyBonus
			}
		}
	}

	if len(val.Issues) > maxValidationIssues {
		val.Valid = false
	}
	if val.Score > 1 {
		val.Score = 1
	}
	return val
}

// confidenceFor converts a winning candidate into the final confidence
// used for the apply/pass-through decision.
func confidenceFor(bufLen int, c *candidate, candidates int) float64 {
	confidence := confidenceBase + confidenceScoreWeight*c.val.Score

	if c.pattern.Signature[0] == webm.SimpleBlockID {
		confidence += bonusPreferredBlock
	} else {
		confidence += bonusAlternateBlock
	}

	confidence += (1 - float64(c.offset)/float64(bufLen)) * bonusPositionWeight

	if c.val.AudioSized {
		confidence += bonusSizeAudioSized
	}
	if c.val.SizeInvalid {
		confidence -= penaltySizeInvalid
	}
	if candidates >= 2 {
		confidence += bonusMultiCandidate
	}
	if c.offset > 0 {
		confidence += bonusNonZeroOffset
	}

	return applyOffsetPenalty(clamp01(confidence), c.offset)
}

// applyOffsetPenalty discounts confidence for boundaries far from the
// buffer start, where a stray matching byte pair is more likely than a
// real cut point.
func applyOffsetPenalty(confidence float64, offset int) float64 {
	if offset > farOffsetBytes {
		return confidence * farOffsetFactor
	}
	if offset > midOffsetBytes {
		return confidence * midOffsetFactor
	}
	return confidence
}

// exceedsTrimGate reports whether trimming offset bytes is outside the
// safety envelope.
func exceedsTrimGate(offset, bufLen int, cfg Config) bool {
	if offset > cfg.MaxTrimBytes {
		return true
	}
	return float64(offset) > cfg.MaxTrimRatio*float64(bufLen)
}

// blockScanStart returns the first offset eligible for signature
// matching. The magic's trailing byte is the preferred block ID, and a
// one-byte descriptor size after it lands in the track range, so a
// magic-prefixed buffer must be scanned past its own signature.
func blockScanStart(hasMagic bool) int {
	if hasMagic {
		return len(webm.Magic)
	}
	return 0
}

// countBlockSignatures counts offsets in [from, window) where any
// whitelisted block signature matches.
func countBlockSignatures(buf []byte, from, window int) int {
	count := 0
	for offset := from; offset < window; offset++ {
		for _, pattern := range webm.BlockPatterns {
			if webm.MatchesSignature(buf, offset, pattern.Signature) {
				count++
				break
			}
		}
	}
	return count
}

// findFrameBoundary walks non-overlapping windows of buf and returns the
// start of the first window whose delta entropy reaches the raw audio
// bar, requiring a sharp jump from the previous window except at the
// very start. Returns the window offset, its entropy, and whether a
// boundary was found.
func findFrameBoundary(buf []byte) (int, float64, bool) {
	if len(buf) < rawWindowBytes {
		return 0, 0, false
	}
	prev := -1.0
	for start := 0; start+rawWindowBytes <= len(buf); start += rawWindowBytes {
		entropy := deltaEntropy(buf[start : start+rawWindowBytes])
		if entropy >= rawEntropyThreshold {
			if start == 0 || entropy-prev >= rawJumpBits {
				return start, entropy, true
			}
		}
		prev = entropy
	}
	return 0, 0, false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
