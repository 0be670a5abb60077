// Package webm implements the container wire layer for Matroska-family
// streams: block signature matching, variable-length size field decoding,
// and stream header extraction and repair.
package webm
