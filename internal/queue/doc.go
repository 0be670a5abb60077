// Package queue implements the transcription work queue: a priority
// queue with a bounded worker pool, exponential retry backoff, and
// terminal bookkeeping for completed and failed items.
package queue
