// Package capture owns the print-session lifecycle: it interprets polled
// printer status (debounced against API blips), opens and names sessions,
// paces frame capture through normal, finishing, and post-print modes, and
// finalizes sessions by handing them to the encoder via the ready marker.
//
// All loop state lives in an explicit State struct threaded through ticks,
// so every transition is unit-testable with synthetic tick sequences.
package capture
