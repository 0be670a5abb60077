// Package watcher polls a folder for chunk files written by an
// external recorder. Files are surfaced once, after a stability delay
// that guards against reading a file mid-write.
package watcher
