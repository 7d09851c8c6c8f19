// Package store persists timelapse frames across two tiers: a primary
// (network-mounted) root and a local fallback root with an identical
// layout. Writes try the primary under a hard deadline and divert to the
// fallback when the primary misbehaves; once the primary recovers, the
// reconcile pass moves fallback frames back frame-by-frame, deleting each
// local copy only after a verified transfer.
//
// Layout under either root: <session>/frames/frame_NNNNNN.jpg plus the
// session's marker files, <session>.mp4, and encoding.log.
package store
