// Package notifications delivers operator events via ntfy.
//
// The default implementation publishes to the topic configured in
// config.toml and degrades to a no-op when none is set. Per-category
// toggles let an operator keep encode notifications while silencing
// per-session chatter. Delivery is best effort: failures are logged and
// never propagate into the loops that raised the event.
package notifications
