package nan

import "github.com/samber/oops"

// MergeConfigRequests combines the requests of all clients into the one
// configuration the shared radio runs with. Band support is OR'd, master
// preference is the maximum, and the cluster range is the union of the
// ranges that differ from the default full range. Requests that keep the
// default range do not constrain the others.
func MergeConfigRequests(reqs []ConfigRequest) (ConfigRequest, error) {
	switch len(reqs) {
	case 0:
		return ConfigRequest{}, oops.Wrapf(ErrNoConfigRequests, "merge")
	case 1:
		return reqs[0], nil
	}

	merged := ConfigRequest{
		ClusterLow:  ClusterIDMax,
		ClusterHigh: ClusterIDMin,
	}
	narrowed := false
	for _, r := range reqs {
		merged.Support5gBand = merged.Support5gBand || r.Support5gBand
		if r.MasterPreference > merged.MasterPreference {
			merged.MasterPreference = r.MasterPreference
		}
		if r.HasDefaultClusterRange() {
			continue
		}
		narrowed = true
		if r.ClusterLow < merged.ClusterLow {
			merged.ClusterLow = r.ClusterLow
		}
		if r.ClusterHigh > merged.ClusterHigh {
			merged.ClusterHigh = r.ClusterHigh
		}
	}
	if !narrowed {
		merged.ClusterLow = ClusterIDMin
		merged.ClusterHigh = ClusterIDMax
	}
	return merged, nil
}

// mergedConfig merges the stored requests of the given clients. ok is false
// when none of them has requested a configuration.
func mergedConfig(clients []*Client) (ConfigRequest, bool) {
	var reqs []ConfigRequest
	for _, c := range clients {
		if c.config != nil {
			reqs = append(reqs, *c.config)
		}
	}
	merged, err := MergeConfigRequests(reqs)
	if err != nil {
		return ConfigRequest{}, false
	}
	return merged, true
}
