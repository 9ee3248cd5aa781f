package kiroku

import "slices"

// Capability describes what a module can process and what resources it requires.
type Capability struct {
	Name             string
	Description      string
	Interest         InterestSet
	RequiredServices []string
	Metadata         map[string]string
}

// InterestSet describes event selection criteria for capability negotiation.
type InterestSet struct {
	Kinds          []EventKind
	PeerKinds      []PeerKind
	Sources        []EventSource
	RequireMessage bool
}

// Matches reports whether an event satisfies the declared interest set.
func (i InterestSet) Matches(event *Event) bool {
	if event == nil {
		return false
	}
	if len(i.Kinds) > 0 && !slices.Contains(i.Kinds, event.Kind) {
		return false
	}
	if len(i.PeerKinds) > 0 && !slices.Contains(i.PeerKinds, event.Peer.Kind) {
		return false
	}
	if len(i.Sources) > 0 && !sourceMatchesAny(i.Sources, event.Source) {
		return false
	}
	if i.RequireMessage && event.Message == nil {
		return false
	}

	return true
}

// Allows reports whether this interest set can safely satisfy another filter.
func (i InterestSet) Allows(filter InterestSet) bool {
	if len(i.Kinds) > 0 && !allIncluded(filter.Kinds, i.Kinds) {
		return false
	}
	if len(i.PeerKinds) > 0 && !allIncluded(filter.PeerKinds, i.PeerKinds) {
		return false
	}
	if i.RequireMessage && !filter.RequireMessage {
		return false
	}

	return true
}

// sourceMatchesAny treats empty selector fields as wildcards.
func sourceMatchesAny(selectors []EventSource, source EventSource) bool {
	for _, selector := range selectors {
		if selector.Platform != "" && selector.Platform != source.Platform {
			continue
		}
		if selector.ID != "" && selector.ID != source.ID {
			continue
		}

		return true
	}

	return false
}

// allIncluded reports whether subset is non-empty and fully contained in allowed.
// An empty subset means "everything", which a restricted set cannot allow.
func allIncluded[T comparable](subset, allowed []T) bool {
	if len(subset) == 0 {
		return false
	}
	for _, item := range subset {
		if !slices.Contains(allowed, item) {
			return false
		}
	}

	return true
}
