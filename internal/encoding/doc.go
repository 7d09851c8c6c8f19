// Package encoding turns finished capture sessions into timelapse videos.
//
// The coordinator scans the primary store for session directories carrying
// the ready marker, claims one at a time with an atomic marker transition,
// and drives the ffmpeg encoder over the session's frame sequence. The
// encoder writes to local scratch space first and relocates the finished
// artifact onto the store, keeping encoder I/O off the network filesystem
// during the CPU-bound pass. A startup recovery pass reclaims sessions a
// crashed encoder left in-progress and derives missing ready markers from
// abandoned frame sets.
package encoding
