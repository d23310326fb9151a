package voting

import (
	"math"
	"sort"
)

// expertLevel is the minimum agent level counted as an expert for quorum
// and tie-break purposes.
const expertLevel = 4

// tally dispatches to the algorithm selected by the session config. Each
// algorithm is a pure function over a deterministic snapshot of the ballots:
// ballots are sorted by agent id and options are iterated in declared order,
// so arrival order never influences the outcome.
func tally(sessionID string, cfg Config, votes map[string]Vote) Results {
	snapshot := sortVotes(votes)
	switch cfg.Algorithm {
	case ConfidenceWeighted:
		return tallyConfidenceWeighted(sessionID, cfg, snapshot)
	case Quadratic:
		return tallyQuadratic(sessionID, cfg, snapshot)
	case Consensus:
		return tallyConsensus(sessionID, cfg, snapshot)
	case RankedChoice:
		return tallyRankedChoice(sessionID, cfg, snapshot)
	default:
		return tallySimpleMajority(sessionID, cfg, snapshot)
	}
}

func sortVotes(votes map[string]Vote) []Vote {
	out := make([]Vote, 0, len(votes))
	for _, v := range votes {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func averageConfidence(votes []Vote) float64 {
	if len(votes) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range votes {
		sum += v.confidence()
	}
	return sum / float64(len(votes))
}

// leaders returns the options holding the maximum score, in declared option
// order. Options absent from scores count as zero.
func leaders(options []string, scores map[string]float64) []string {
	best := math.Inf(-1)
	var out []string
	for _, opt := range options {
		s := scores[opt]
		switch {
		case s > best:
			best = s
			out = out[:0]
			out = append(out, opt)
		case s == best:
			out = append(out, opt)
		}
	}
	return out
}

func tallySimpleMajority(sessionID string, cfg Config, votes []Vote) Results {
	scores := make(map[string]float64, len(cfg.Options))
	for _, opt := range cfg.Options {
		scores[opt] = 0
	}
	for _, v := range votes {
		scores[v.Choice]++
	}

	res := Results{
		Algorithm:         cfg.Algorithm,
		Scores:            scores,
		TotalBallots:      len(votes),
		AverageConfidence: averageConfidence(votes),
	}
	if len(votes) == 0 {
		return res
	}
	res.Winner, res.TieBreak = breakTie(sessionID, leaders(cfg.Options, scores), votes, selectsChoice)
	res.WinnerPercentage = scores[res.Winner] / float64(len(votes))
	return res
}

func tallyConfidenceWeighted(sessionID string, cfg Config, votes []Vote) Results {
	scores := make(map[string]float64, len(cfg.Options))
	for _, opt := range cfg.Options {
		scores[opt] = 0
	}
	total := 0.0
	for _, v := range votes {
		c := v.confidence()
		scores[v.Choice] += c
		total += c
	}

	res := Results{
		Algorithm:         cfg.Algorithm,
		Scores:            scores,
		TotalBallots:      len(votes),
		AverageConfidence: averageConfidence(votes),
	}
	if len(votes) == 0 {
		return res
	}
	res.Winner, res.TieBreak = breakTie(sessionID, leaders(cfg.Options, scores), votes, selectsChoice)
	if total > 0 {
		res.WinnerPercentage = scores[res.Winner] / total
	}
	return res
}

func tallyQuadratic(sessionID string, cfg Config, votes []Vote) Results {
	scores := make(map[string]float64, len(cfg.Options))
	for _, opt := range cfg.Options {
		scores[opt] = 0
	}
	total := 0.0
	for _, v := range votes {
		// Iterate options, not the allocation map, for determinism.
		for _, opt := range cfg.Options {
			if tokens := v.Allocation[opt]; tokens > 0 {
				w := math.Sqrt(float64(tokens))
				scores[opt] += w
				total += w
			}
		}
	}

	res := Results{
		Algorithm:         cfg.Algorithm,
		Scores:            scores,
		TotalBallots:      len(votes),
		AverageConfidence: averageConfidence(votes),
	}
	if len(votes) == 0 {
		return res
	}
	res.Winner, res.TieBreak = breakTie(sessionID, leaders(cfg.Options, scores), votes, selectsAllocation)
	if total > 0 {
		res.WinnerPercentage = scores[res.Winner] / total
	}
	return res
}

func tallyConsensus(sessionID string, cfg Config, votes []Vote) Results {
	res := tallySimpleMajority(sessionID, cfg, votes)
	res.Algorithm = Consensus
	res.ConsensusReached = len(votes) > 0 && res.WinnerPercentage >= cfg.ConsensusThreshold
	if res.ConsensusReached {
		res.ConsensusOutcome = ConsensusAchieved
	} else {
		res.ConsensusOutcome = NoConsensus
	}
	return res
}

// tallyRankedChoice runs instant-runoff counting. Each round tallies every
// ballot's highest-ranked non-eliminated option; a candidate holding at
// least half of the live ballots wins, otherwise the lowest candidate is
// eliminated (ties eliminated by smallest option string) and counting
// repeats. Elimination down to a single candidate ends the race.
func tallyRankedChoice(sessionID string, cfg Config, votes []Vote) Results {
	res := Results{
		Algorithm:         cfg.Algorithm,
		Scores:            make(map[string]float64, len(cfg.Options)),
		TotalBallots:      len(votes),
		AverageConfidence: averageConfidence(votes),
	}
	for _, opt := range cfg.Options {
		res.Scores[opt] = 0
	}
	if len(votes) == 0 {
		return res
	}

	eliminated := make(map[string]bool, len(cfg.Options))
	for {
		counts := make(map[string]int)
		live := 0
		for _, v := range votes {
			for _, opt := range v.Rankings {
				if !eliminated[opt] {
					counts[opt]++
					live++
					break
				}
			}
		}
		round := Round{Counts: counts}

		remaining := make([]string, 0, len(cfg.Options))
		for _, opt := range cfg.Options {
			if !eliminated[opt] {
				remaining = append(remaining, opt)
			}
		}
		if len(remaining) == 1 {
			res.Rounds = append(res.Rounds, round)
			res.Winner = remaining[0]
			if live > 0 {
				res.WinnerPercentage = float64(counts[res.Winner]) / float64(live)
			}
			break
		}

		topCount := -1
		lowCount := math.MaxInt
		for _, opt := range remaining {
			c := counts[opt]
			if c > topCount {
				topCount = c
			}
			if c < lowCount {
				lowCount = c
			}
		}
		if live > 0 && topCount*2 >= live {
			// Majority reached; a top-count tie falls through to the
			// standard tie-break chain on first preferences.
			tied := make([]string, 0, 2)
			for _, opt := range remaining {
				if counts[opt] == topCount {
					tied = append(tied, opt)
				}
			}
			res.Rounds = append(res.Rounds, round)
			res.Winner, res.TieBreak = breakTie(sessionID, tied, votes, selectsFirstRank)
			res.WinnerPercentage = float64(counts[res.Winner]) / float64(live)
			break
		}

		// Eliminate the lowest; ties broken by smallest option string.
		var drop string
		for _, opt := range remaining {
			if counts[opt] == lowCount && (drop == "" || opt < drop) {
				drop = opt
			}
		}
		eliminated[drop] = true
		round.Eliminated = drop
		res.Rounds = append(res.Rounds, round)
		res.EliminationRounds++
	}

	for opt, c := range res.Rounds[len(res.Rounds)-1].Counts {
		res.Scores[opt] = float64(c)
	}
	return res
}
