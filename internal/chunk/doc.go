// Package chunk turns a stream of recorder slices into self-contained,
// individually playable audio chunks. The generator buffers incoming
// slices, closes a window on every configured interval, aligns the
// window to a block boundary, and prepends the cached stream header so
// every chunk after the first can be decoded on its own.
package chunk
