// Package preflight provides readiness checks for the external pieces
// printlapse depends on: capture and encode binaries, storage directories,
// the primary mount, the Prusa Connect status API, and the ntfy endpoint.
//
// These checks run in two contexts:
//   - The CLI "printlapse check" command runs RunAll and renders the results.
//   - The daemon run command executes them at startup and logs failures
//     without refusing to start, since a temporarily absent mount or printer
//     is an expected degraded state, not a deployment error.
//
// Each check is gated by its config toggle -- unconfigured features are skipped.
package preflight
