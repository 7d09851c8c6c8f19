// Package services defines the shared error vocabulary consumed by the
// capture and encoding loops and their external integrations.
//
// The exported sentinels classify failures the way the loops react to them:
// transient and timeout failures are retried on the next tick, external tool
// failures mark the unit failed and move on, validation and configuration
// failures surface to the operator. Wrap tags an error with one of the
// sentinels while preserving component and operation context for logs.
package services
