// Package transcription implements the HTTP client for the
// transcription API. It posts chunk audio as multipart form data with
// recording metadata and limits concurrent requests with a semaphore.
// Retries are owned by the processing queue, not the client.
package transcription
