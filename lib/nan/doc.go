// Package nan implements the WiFi NAN (Neighbor Awareness Networking)
// control-plane broker.
//
// A single StateManager sits between many API clients and one radio driver.
// Every public call is queued onto a single worker goroutine, which owns all
// client, session and pending-transaction state. Commands sent to the radio
// carry a 16-bit transaction id; the radio answers later through the
// NativeCallbacks interface and the worker correlates the answer with the
// pending entry. Unsolicited radio events (match, message, termination) are
// routed by the radio-assigned publish/subscribe id instead.
//
// Main components:
//   - TransactionTable: pending command correlation
//   - Client / Session: per-client and per-discovery-session state
//   - MergeConfigRequests: combines all clients' configuration requests
//   - StateManager: the serialized orchestrator and callback dispatcher
//   - NativeBridge / NativeCallbacks: the radio driver contract
package nan
