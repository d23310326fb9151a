package voting

import (
	"hash/fnv"
	"math/rand"
	"sort"
	"time"
)

// Tie-break methods recorded in Results.TieBreak.
const (
	tieBreakConfidence = "confidence"
	tieBreakExpertise  = "expertise"
	tieBreakTimestamp  = "timestamp"
	tieBreakRandom     = "random"
)

// selects predicates: whether a ballot counts as supporting an option for
// tie-break purposes.
func selectsChoice(v Vote, opt string) bool     { return v.Choice == opt }
func selectsAllocation(v Vote, opt string) bool { return v.Allocation[opt] > 0 }
func selectsFirstRank(v Vote, opt string) bool {
	return len(v.Rankings) > 0 && v.Rankings[0] == opt
}

// breakTie settles a winner among tied options. The chain is applied in
// order, each stage narrowing the tied set: total ballot confidence, then
// expertise weight, then earliest supporting ballot, then a pseudo-random
// pick seeded by the session id so reruns agree. The returned method names
// the stage that settled it ("" when no tie existed).
func breakTie(sessionID string, tied []string, votes []Vote, selects func(Vote, string) bool) (string, string) {
	if len(tied) == 1 {
		return tied[0], ""
	}

	// Stage 1: higher total confidence of supporting ballots.
	if winner, rest := narrowMax(tied, func(opt string) float64 {
		sum := 0.0
		for _, v := range votes {
			if selects(v, opt) {
				sum += v.confidence()
			}
		}
		return sum
	}); winner != "" {
		return winner, tieBreakConfidence
	} else {
		tied = rest
	}

	// Stage 2: higher expertise weight among supporting ballots.
	if winner, rest := narrowMax(tied, func(opt string) float64 {
		sum := 0.0
		for _, v := range votes {
			if selects(v, opt) {
				if v.AgentLevel >= expertLevel {
					sum += 2
				} else {
					sum++
				}
			}
		}
		return sum
	}); winner != "" {
		return winner, tieBreakExpertise
	} else {
		tied = rest
	}

	// Stage 3: earliest supporting ballot.
	if winner, rest := narrowMax(tied, func(opt string) float64 {
		earliest := time.Time{}
		for _, v := range votes {
			if selects(v, opt) && (earliest.IsZero() || v.Timestamp.Before(earliest)) {
				earliest = v.Timestamp
			}
		}
		if earliest.IsZero() {
			return 0
		}
		// Earlier timestamps score higher.
		return -float64(earliest.UnixNano())
	}); winner != "" {
		return winner, tieBreakTimestamp
	} else {
		tied = rest
	}

	// Stage 4: deterministic pseudo-random pick seeded by session id.
	sort.Strings(tied)
	h := fnv.New64a()
	h.Write([]byte(sessionID))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	return tied[rng.Intn(len(tied))], tieBreakRandom
}

// narrowMax returns the single option maximizing score, or "" plus the
// narrowed tied set when the maximum is shared.
func narrowMax(tied []string, score func(string) float64) (string, []string) {
	best := score(tied[0])
	rest := []string{tied[0]}
	for _, opt := range tied[1:] {
		s := score(opt)
		switch {
		case s > best:
			best = s
			rest = []string{opt}
		case s == best:
			rest = append(rest, opt)
		}
	}
	if len(rest) == 1 {
		return rest[0], nil
	}
	return "", rest
}
