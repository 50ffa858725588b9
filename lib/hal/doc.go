// Package hal simulates NAN radios for the broker in lib/nan.
//
// A Medium stands in for the air: every Radio attached to it that is
// enabled joins the same cluster and runs discovery against the services of
// the other radios. Each Radio implements nan.NativeBridge and answers
// commands asynchronously through the nan.NativeCallbacks registered with
// SetCallbacks, in order, from its own delivery goroutine.
//
// Discovery follows the NAN rules the broker cares about: unsolicited and
// solicited publishes, passive and active subscribes, length-value match
// filters, a Bloom filter service response filter, publish and subscribe
// counts and TTLs, and follow-up messages between matched peers. Faults can
// be injected per command (FailNext, RejectNext, DropResponses) and the
// firmware can be taken down with NanDown.
package hal
