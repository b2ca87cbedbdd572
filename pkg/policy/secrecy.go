// Copyright (c) 2024 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/tf-encrypted/aggregator.
//
// SPDX-License-Identifier: Apache-2.0
package policy

import (
	"sort"
	"strings"

	. "github.com/tf-encrypted/aggregator/pkg/types"
)

// SecrecySet is the set of players permitted to observe a plaintext value.
// The zero value is the bottom set: no player may observe the value.
type SecrecySet struct {
	universal bool
	players   map[PlayerName]struct{}
}

// Unrestricted returns the universal secrecy set. It is the implicit default
// for public values: every player may observe them.
func Unrestricted() SecrecySet {
	return SecrecySet{universal: true}
}

// Bottom returns the empty secrecy set, a value with no permitted viewer.
func Bottom() SecrecySet {
	return SecrecySet{}
}

// Of returns a secrecy set containing exactly the given players.
func Of(players ...PlayerName) SecrecySet {
	s := SecrecySet{players: make(map[PlayerName]struct{}, len(players))}
	for _, p := range players {
		s.players[p] = struct{}{}
	}
	return s
}

// IsUnrestricted returns true for the universal set.
func (s SecrecySet) IsUnrestricted() bool {
	return s.universal
}

// IsBottom returns true if no player is permitted to observe the value.
func (s SecrecySet) IsBottom() bool {
	return !s.universal && len(s.players) == 0
}

// Contains returns true if the player may observe the value.
func (s SecrecySet) Contains(p PlayerName) bool {
	if s.universal {
		return true
	}
	_, ok := s.players[p]
	return ok
}

// SubsetOf returns true if every player of s is also permitted by other.
func (s SecrecySet) SubsetOf(other SecrecySet) bool {
	if other.universal {
		return true
	}
	if s.universal {
		return false
	}
	for p := range s.players {
		if _, ok := other.players[p]; !ok {
			return false
		}
	}
	return true
}

// Equal returns true if both sets permit exactly the same players.
func (s SecrecySet) Equal(other SecrecySet) bool {
	return s.SubsetOf(other) && other.SubsetOf(s)
}

// Union returns the set permitting the players of both sets.
func (s SecrecySet) Union(other SecrecySet) SecrecySet {
	if s.universal || other.universal {
		return Unrestricted()
	}
	u := SecrecySet{players: make(map[PlayerName]struct{}, len(s.players)+len(other.players))}
	for p := range s.players {
		u.players[p] = struct{}{}
	}
	for p := range other.players {
		u.players[p] = struct{}{}
	}
	return u
}

// Players returns the permitted players in lexicographic order.
// It returns nil for the universal set.
func (s SecrecySet) Players() []PlayerName {
	if s.universal {
		return nil
	}
	ps := make([]PlayerName, 0, len(s.players))
	for p := range s.players {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })
	return ps
}

// String renders the set for logs and error messages.
func (s SecrecySet) String() string {
	if s.universal {
		return "{ALL}"
	}
	names := make([]string, 0, len(s.players))
	for _, p := range s.Players() {
		names = append(names, string(p))
	}
	return "{" + strings.Join(names, ",") + "}"
}

// Narrow restricts the secrecy set to owners. Only restriction is permitted:
// owners must be a subset of the current set, otherwise a PolicyViolation is
// returned. This implements the classify operation.
func Narrow(s SecrecySet, owners SecrecySet) (SecrecySet, error) {
	if !owners.SubsetOf(s) {
		return Bottom(), &PolicyViolation{
			Reason: "classify may only restrict secrecy, " + owners.String() + " is not a subset of " + s.String(),
		}
	}
	return owners, nil
}

// Widen extends the secrecy set by extra players. It is the only way to
// increase the visible-player set; it is a no-op at runtime but exists as an
// explicit, auditable call. This implements the broaden operation.
func Widen(s SecrecySet, extra SecrecySet) SecrecySet {
	return s.Union(extra)
}

// Acceptable reports whether a value with secrecy set actual may flow into an
// operation requiring secrecy set required. Narrower-or-equal secrecy is
// always acceptable, never wider.
func Acceptable(required, actual SecrecySet) bool {
	return actual.SubsetOf(required)
}

// ObservableOn reports whether a plaintext with the given secrecy may be
// materialized on a device: every owning player must be in the secrecy set.
func ObservableOn(s SecrecySet, d Device) bool {
	for _, p := range d.Players {
		if !s.Contains(p) {
			return false
		}
	}
	return true
}
