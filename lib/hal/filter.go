package hal

import (
	"net"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/samber/oops"
)

// SRF geometry: a 64 octet bit field probed by four hashes, the largest
// Bloom filter a NAN service response filter attribute carries.
const (
	srfBits   = 64 * 8
	srfHashes = 4
)

// EncodeMatchFilter packs filter elements as length-value pairs, the on-air
// layout of NAN tx/rx match filters.
func EncodeMatchFilter(elems ...[]byte) []byte {
	var out []byte
	for _, e := range elems {
		out = append(out, byte(len(e)))
		out = append(out, e...)
	}
	return out
}

// DecodeMatchFilter splits a length-value encoded match filter.
func DecodeMatchFilter(b []byte) ([][]byte, error) {
	var out [][]byte
	for len(b) > 0 {
		n := int(b[0])
		if 1+n > len(b) {
			return nil, oops.Errorf("match filter element of %d bytes overruns %d remaining", n, len(b)-1)
		}
		out = append(out, b[1:1+n])
		b = b[1+n:]
	}
	return out, nil
}

// filtersMatch compares a receiver's rx filter with a sender's tx filter
// element by element. A zero-length element on either side is a wildcard
// and an empty filter matches everything.
func filtersMatch(rx, tx []byte) bool {
	rxElems, err := DecodeMatchFilter(rx)
	if err != nil {
		return false
	}
	txElems, err := DecodeMatchFilter(tx)
	if err != nil {
		return false
	}
	for i, want := range rxElems {
		if len(want) == 0 {
			continue
		}
		if i >= len(txElems) {
			return false
		}
		if got := txElems[i]; len(got) != 0 && string(got) != string(want) {
			return false
		}
	}
	return true
}

// responseFilter is the subscriber's service response filter: only
// publishers whose interface address is in the set may answer.
type responseFilter struct {
	bits *bloom.BloomFilter
}

func newResponseFilter(addrs []net.HardwareAddr) *responseFilter {
	if len(addrs) == 0 {
		return nil
	}
	f := &responseFilter{bits: bloom.New(srfBits, srfHashes)}
	for _, a := range addrs {
		f.bits.Add(a)
	}
	return f
}

// admits reports whether addr may be in the filter. A nil filter admits
// every publisher.
func (f *responseFilter) admits(addr net.HardwareAddr) bool {
	if f == nil {
		return true
	}
	return f.bits.Test(addr)
}
