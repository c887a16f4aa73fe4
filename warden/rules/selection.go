// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package rules

import (
	"math/rand"
	"sort"
	"strconv"

	"storj.io/common/uuid"

	"github.com/drovelabs/drove/warden/catalog"
)

// candidate is one storage element considered as a destination for a
// grouping class.
type candidate struct {
	rse catalog.RSE

	// weight from the rule's weight attribute; only meaningful when the
	// rule samples by weight.
	weight int64

	// hasReplica marks elements already holding available replicas of the
	// class, satisfiable without a transfer.
	hasReplica bool

	// freeRatio is free/(used+free) of the element, 0 when unreported.
	freeRatio float64
}

// selectDestinations picks copies elements out of the candidates.
//
// With weights, sampling is without replacement proportional to the weight;
// zero-weight elements are eligible only once the positive-weight pool is
// exhausted. Without weights the order of preference is: elements already
// holding an available replica, then free-space ratio, then id. Ties always
// break by element id.
func selectDestinations(rnd *rand.Rand, candidates []candidate, copies int, weighted bool) ([]catalog.RSE, error) {
	if len(candidates) < copies {
		return nil, ErrInvalidReplicationRule.New(
			"%d candidate rses cannot satisfy %d copies", len(candidates), copies)
	}

	// stable base order so that ties break by id
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].rse.ID.Less(candidates[j].rse.ID)
	})

	if weighted {
		return sampleByWeight(rnd, candidates, copies), nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].hasReplica != candidates[j].hasReplica {
			return candidates[i].hasReplica
		}
		return candidates[i].freeRatio > candidates[j].freeRatio
	})

	selected := make([]catalog.RSE, copies)
	for i := range selected {
		selected[i] = candidates[i].rse
	}
	return selected, nil
}

func sampleByWeight(rnd *rand.Rand, candidates []candidate, copies int) []catalog.RSE {
	pool := append([]candidate(nil), candidates...)
	selected := make([]catalog.RSE, 0, copies)

	for len(selected) < copies {
		var total int64
		for _, c := range pool {
			total += c.weight
		}
		if total == 0 {
			// positive weights exhausted; fall back to the zero-weight
			// remainder in id order
			for _, c := range pool {
				selected = append(selected, c.rse)
				if len(selected) == copies {
					break
				}
			}
			break
		}

		pick := rnd.Int63n(total)
		for i, c := range pool {
			if pick < c.weight {
				selected = append(selected, c.rse)
				pool = append(pool[:i], pool[i+1:]...)
				break
			}
			pick -= c.weight
		}
	}
	return selected
}

// parseWeight interprets the weight attribute value of an element.
// Anything but a non-negative integer rejects the rule.
func parseWeight(attr, value string, rseID uuid.UUID) (int64, error) {
	weight, err := strconv.ParseInt(value, 10, 64)
	if err != nil || weight < 0 {
		return 0, ErrInvalidReplicationRule.New(
			"weight attribute %q of rse %s is %q, want a non-negative integer", attr, rseID, value)
	}
	return weight, nil
}
