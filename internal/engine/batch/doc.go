// Package batch splits work into fixed-size chunks.
//
// ProcessPaced runs every item of a chunk concurrently, waits for the chunk
// to finish, then pauses before starting the next one. Free-tier market data
// APIs cap requests per minute; pacing chunks trades latency for staying
// under those caps without a token bucket.
//
// Progress reports chunk and item completion for log lines and the CLI.
package batch
