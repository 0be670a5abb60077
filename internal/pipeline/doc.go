// Package pipeline composes the recorder pipeline: chunk generation,
// block alignment, the processing queue and the transcription
// collaborator, plus the folder watcher ingestion path for chunks
// produced out-of-process.
package pipeline
