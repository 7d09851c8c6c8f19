// Package config loads, normalizes, and validates printlapse configuration
// data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// PRUSA_CONNECT_API_KEY. The Config type centralizes every knob the daemon
// and CLI need, from printer credentials to storage roots and encoder
// settings, so they can all be discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
