// Package daemon composes the printlapse runtime and owns its process
// lifecycle.
//
// It wires the frame store, capture loop, encoding coordinator, and
// snapshot uploader into a single supervised unit with flock-based locking
// to prevent multiple instances, writes the PID file, and watches udev for
// camera hotplug events. The daemon aggregates runtime state for IPC and
// the status command.
//
// Keep orchestration logic here: session, storage, and encoding semantics
// live in their respective packages while the daemon focuses on startup,
// shutdown, and high level coordination.
package daemon
