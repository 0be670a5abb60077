// Package align implements the block boundary aligner: byte-level
// heuristics that locate the first well-formed audio block element in a
// raw buffer so mid-stream slices can be trimmed to a legal boundary.
// It scores candidates with a weighted validation table, applies
// conservative safety gates, and never fabricates a cut point.
package align
