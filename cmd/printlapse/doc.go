// Package main hosts the printlapse CLI entrypoint and command graph.
//
// The Cobra-based command tree runs the capture daemon in the foreground,
// translates status queries into IPC calls against a running daemon, manages
// manual session requests through the capture control file, drives one-shot
// encode passes, and scaffolds configuration. It centralizes configuration
// resolution and socket discovery so subcommands can focus on user
// experience instead of wiring.
//
// Keep this package lean: add new functionality by extending the internal
// packages first, then surface it through dedicated commands or flags here.
package main
