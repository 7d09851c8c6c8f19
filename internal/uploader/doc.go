// Package uploader pushes periodic camera snapshots to the Prusa Connect
// webcam endpoint so the printer's web view stays live. The loop shares the
// camera with timelapse capture but no session state; the daemon runs it
// only when a camera token is configured.
package uploader
