package hal

import (
	"net"
	"sort"
	"sync"

	"github.com/go-nan/go-nan/lib/nan"
	"github.com/go-nan/go-nan/lib/util/logger"
)

// Medium is the shared air all simulated radios discover each other on.
// Every enabled radio is a member of the one cluster the medium hosts.
type Medium struct {
	mu       sync.Mutex
	radios   map[string]*Radio
	cluster  net.HardwareAddr
	members  int
	nextAddr uint16
}

// NewMedium creates an empty medium.
func NewMedium() *Medium {
	return &Medium{radios: make(map[string]*Radio)}
}

func (m *Medium) allocAddr() net.HardwareAddr {
	m.nextAddr++
	return net.HardwareAddr{0x02, 0x4e, 0x41, 0x4e, byte(m.nextAddr >> 8), byte(m.nextAddr)}
}

func clusterAddr(id int) net.HardwareAddr {
	return net.HardwareAddr{0x50, 0x6f, 0x9a, 0x01, byte(id >> 8), byte(id)}
}

// join adds r to the cluster, starting one if r is the first member.
func (m *Medium) join(r *Radio) (nan.ClusterEventFlag, net.HardwareAddr) {
	m.members++
	if m.members == 1 {
		m.cluster = clusterAddr(r.config.ClusterLow)
		return nan.ClusterStarted, m.cluster
	}
	return nan.ClusterJoined, m.cluster
}

func (m *Medium) leave() {
	m.members--
	if m.members <= 0 {
		m.members = 0
		m.cluster = nil
	}
}

func (m *Medium) sortedRadios() []*Radio {
	keys := make([]string, 0, len(m.radios))
	for k := range m.radios {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*Radio, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.radios[k])
	}
	return out
}

// evaluate matches svc on r against every counterpart service on the other
// enabled radios.
func (m *Medium) evaluate(r *Radio, svc *service) {
	for _, o := range m.sortedRadios() {
		if o == r || !o.enabled {
			continue
		}
		for _, other := range o.sortedServices() {
			if svc.gone {
				return
			}
			switch {
			case svc.publish && !other.publish:
				m.tryMatch(r, svc, o, other)
			case !svc.publish && other.publish:
				m.tryMatch(o, other, r, svc)
			}
		}
	}
}

// tryMatch runs NAN discovery between one publisher and one subscriber.
// The subscriber sees unsolicited publishes, and any publish when it
// subscribes actively; a solicited publisher additionally learns active
// subscribers that it answers.
func (m *Medium) tryMatch(pubR *Radio, pub *service, subR *Radio, sub *service) {
	if pub.gone || sub.gone || pub.pubData.ServiceName != sub.subData.ServiceName {
		return
	}
	pubKey := peerKey{addr: pubR.addr.String(), id: pub.id}
	if sub.matched[pubKey] {
		return
	}
	unsolicited := pub.pubSettings.Type == nan.PublishUnsolicited
	active := sub.subSettings.Type == nan.SubscribeActive
	if !unsolicited && !active {
		return
	}
	if !sub.srf.admits(pubR.addr) {
		log.WithFields(logger.Fields{
			"at":        "hal.Medium.tryMatch",
			"publisher": pubR.addr.String(),
			"service":   pub.pubData.ServiceName,
		}).Debug("filtered_by_service_response_filter")
		return
	}
	if !filtersMatch(sub.subData.RxFilter, pub.pubData.TxFilter) {
		return
	}

	sub.matched[pubKey] = true
	subPeer := subR.peerFor(pubKey)
	pubAddr, ssi, tx := pubR.addr, clone(pub.pubData.ServiceSpecificInfo), clone(pub.pubData.TxFilter)
	subR.event(func(cb nan.NativeCallbacks) {
		cb.OnMatch(sub.id, subPeer, pubAddr, ssi, tx)
	})

	subKey := peerKey{addr: subR.addr.String(), id: sub.id}
	if !unsolicited && active && filtersMatch(pub.pubData.RxFilter, sub.subData.TxFilter) && !pub.matched[subKey] {
		pub.matched[subKey] = true
		pubPeer := pubR.peerFor(subKey)
		subAddr, ssi, tx := subR.addr, clone(sub.subData.ServiceSpecificInfo), clone(sub.subData.TxFilter)
		pubR.event(func(cb nan.NativeCallbacks) {
			cb.OnMatch(pub.id, pubPeer, subAddr, ssi, tx)
		})
	}

	sub.matches++
	if sub.subSettings.Count > 0 && sub.matches >= sub.subSettings.Count {
		subR.terminate(sub, nan.TerminatedCountReached)
	}
	pub.matches++
	if pub.pubSettings.Count > 0 && pub.matches >= pub.pubSettings.Count {
		pubR.terminate(pub, nan.TerminatedCountReached)
	}
}
