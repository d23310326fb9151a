package voting

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func castAll(t *testing.T, sys *System, id string, ballots []Ballot) {
	t.Helper()
	for _, b := range ballots {
		require.NoError(t, sys.CastVote(id, b))
	}
}

func Test_SimpleMajority(t *testing.T) {
	t.Parallel()
	sys := NewSystem()
	id, err := sys.Open(testConfig(SimpleMajority))
	require.NoError(t, err)
	castAll(t, sys, id, []Ballot{
		{AgentID: "a", Choice: "alpha"},
		{AgentID: "b", Choice: "beta"},
		{AgentID: "c", Choice: "alpha"},
	})

	res, err := sys.Close(id)
	require.NoError(t, err)
	require.Equal(t, "alpha", res.Winner)
	require.Equal(t, 2.0, res.Scores["alpha"])
	require.Equal(t, 1.0, res.Scores["beta"])
	require.Equal(t, 0.0, res.Scores["gamma"])
	require.InDelta(t, 2.0/3.0, res.WinnerPercentage, 1e-9)
	require.Equal(t, 1.0, res.AverageConfidence)
	require.Empty(t, res.TieBreak)
}

func Test_ConfidenceWeighted(t *testing.T) {
	t.Parallel()
	sys := NewSystem()
	id, err := sys.Open(testConfig(ConfidenceWeighted))
	require.NoError(t, err)
	castAll(t, sys, id, []Ballot{
		{AgentID: "a", Choice: "alpha", Confidence: floatPtr(0.9)},
		{AgentID: "b", Choice: "beta", Confidence: floatPtr(0.8)},
		{AgentID: "c", Choice: "alpha", Confidence: floatPtr(0.5)},
		// No confidence given counts as 1.0.
		{AgentID: "d", Choice: "beta"},
	})

	res, err := sys.Close(id)
	require.NoError(t, err)
	require.InDelta(t, 1.4, res.Scores["alpha"], 1e-9)
	require.InDelta(t, 1.8, res.Scores["beta"], 1e-9)
	require.Equal(t, "beta", res.Winner)
	require.InDelta(t, 1.8/3.2, res.WinnerPercentage, 1e-9)
	require.InDelta(t, 3.2/4.0, res.AverageConfidence, 1e-9)
}

func Test_ConfidenceWeighted_WeightedScores(t *testing.T) {
	t.Parallel()
	sys := NewSystem()
	id, err := sys.Open(Config{
		Options:   []string{"A", "B"},
		Algorithm: ConfidenceWeighted,
		Quorum:    Quorum{TotalAgents: 3},
		Duration:  time.Hour,
	})
	require.NoError(t, err)
	castAll(t, sys, id, []Ballot{
		{AgentID: "a", Choice: "A", Confidence: floatPtr(0.95), AgentLevel: 5},
		{AgentID: "b", Choice: "B", Confidence: floatPtr(0.40), AgentLevel: 2},
		{AgentID: "c", Choice: "A", Confidence: floatPtr(0.70), AgentLevel: 3},
	})

	res, err := sys.Close(id)
	require.NoError(t, err)
	require.Equal(t, "A", res.Winner)
	require.InDelta(t, 1.65, res.Scores["A"], 1e-9)
	require.InDelta(t, 0.40, res.Scores["B"], 1e-9)
	require.InDelta(t, 1.65/2.05, res.WinnerPercentage, 1e-9)
	require.InDelta(t, 2.05/3.0, res.AverageConfidence, 1e-9)
	require.Empty(t, res.TieBreak)
}

func Test_Quadratic(t *testing.T) {
	t.Parallel()
	sys := NewSystem()
	id, err := sys.Open(testConfig(Quadratic))
	require.NoError(t, err)
	castAll(t, sys, id, []Ballot{
		{AgentID: "a", Allocation: map[string]int{"alpha": 9}},
		{AgentID: "b", Allocation: map[string]int{"alpha": 4, "beta": 4}},
		{AgentID: "c", Allocation: map[string]int{"beta": 9}},
	})

	res, err := sys.Close(id)
	require.NoError(t, err)
	// alpha: sqrt(9)+sqrt(4) = 5; beta: sqrt(4)+sqrt(9) = 5 -> tie, settled
	// deterministically.
	require.InDelta(t, 5.0, res.Scores["alpha"], 1e-9)
	require.InDelta(t, 5.0, res.Scores["beta"], 1e-9)
	require.NotEmpty(t, res.TieBreak)
	require.Contains(t, []string{"alpha", "beta"}, res.Winner)

	// Rerunning the same ballots yields the same winner.
	id2, err := sys.Open(testConfig(Quadratic))
	require.NoError(t, err)
	castAll(t, sys, id2, []Ballot{
		{AgentID: "a", Allocation: map[string]int{"alpha": 9}},
		{AgentID: "b", Allocation: map[string]int{"alpha": 4, "beta": 4}},
		{AgentID: "c", Allocation: map[string]int{"beta": 9}},
	})
	res2 := tally(id, sys.sessions[id2].cfg, sys.sessions[id2].votes)
	require.Equal(t, res.Winner, res2.Winner)
}

func Test_Quadratic_DominantAllocation(t *testing.T) {
	t.Parallel()
	sys := NewSystem()
	id, err := sys.Open(testConfig(Quadratic))
	require.NoError(t, err)
	castAll(t, sys, id, []Ballot{
		{AgentID: "a", Allocation: map[string]int{"alpha": 9}},
		{AgentID: "b", Allocation: map[string]int{"beta": 1}},
	})

	res, err := sys.Close(id)
	require.NoError(t, err)
	require.Equal(t, "alpha", res.Winner)
	require.InDelta(t, 3.0/4.0, res.WinnerPercentage, 1e-9)
}

func Test_Consensus(t *testing.T) {
	t.Parallel()
	sys := NewSystem()

	// 3 of 4 on alpha: 0.75 >= 0.7 threshold.
	id, err := sys.Open(testConfig(Consensus))
	require.NoError(t, err)
	castAll(t, sys, id, []Ballot{
		{AgentID: "a", Choice: "alpha"},
		{AgentID: "b", Choice: "alpha"},
		{AgentID: "c", Choice: "alpha"},
		{AgentID: "d", Choice: "beta"},
	})
	res, err := sys.Close(id)
	require.NoError(t, err)
	require.True(t, res.ConsensusReached)
	require.Equal(t, ConsensusAchieved, res.ConsensusOutcome)
	require.Equal(t, "alpha", res.Winner)

	// 2 of 4 on alpha: below threshold.
	id, err = sys.Open(testConfig(Consensus))
	require.NoError(t, err)
	castAll(t, sys, id, []Ballot{
		{AgentID: "a", Choice: "alpha"},
		{AgentID: "b", Choice: "alpha"},
		{AgentID: "c", Choice: "beta"},
		{AgentID: "d", Choice: "gamma"},
	})
	res, err = sys.Close(id)
	require.NoError(t, err)
	require.False(t, res.ConsensusReached)
	require.Equal(t, NoConsensus, res.ConsensusOutcome)
}

func Test_RankedChoice_InstantRunoff(t *testing.T) {
	t.Parallel()
	sys := NewSystem()
	id, err := sys.Open(testConfig(RankedChoice))
	require.NoError(t, err)
	// First preferences: alpha 2, beta 2, gamma 1. No majority; gamma is
	// eliminated and its ballot transfers to beta, which then holds 3 of 5.
	castAll(t, sys, id, []Ballot{
		{AgentID: "a", Rankings: []string{"alpha", "beta", "gamma"}},
		{AgentID: "b", Rankings: []string{"alpha", "gamma", "beta"}},
		{AgentID: "c", Rankings: []string{"beta", "alpha", "gamma"}},
		{AgentID: "d", Rankings: []string{"beta", "gamma", "alpha"}},
		{AgentID: "e", Rankings: []string{"gamma", "beta", "alpha"}},
	})

	res, err := sys.Close(id)
	require.NoError(t, err)
	require.Equal(t, "beta", res.Winner)
	require.Equal(t, 1, res.EliminationRounds)
	require.Len(t, res.Rounds, 2)
	require.Equal(t, "gamma", res.Rounds[0].Eliminated)
	require.Equal(t, map[string]int{"alpha": 2, "beta": 2, "gamma": 1}, res.Rounds[0].Counts)
	require.Equal(t, map[string]int{"alpha": 2, "beta": 3}, res.Rounds[1].Counts)
	require.InDelta(t, 3.0/5.0, res.WinnerPercentage, 1e-9)
	require.Equal(t, 3.0, res.Scores["beta"])
}

func Test_RankedChoice_FirstRoundMajority(t *testing.T) {
	t.Parallel()
	sys := NewSystem()
	id, err := sys.Open(testConfig(RankedChoice))
	require.NoError(t, err)
	castAll(t, sys, id, []Ballot{
		{AgentID: "a", Rankings: []string{"alpha", "beta", "gamma"}},
		{AgentID: "b", Rankings: []string{"alpha", "gamma", "beta"}},
		{AgentID: "c", Rankings: []string{"beta", "alpha", "gamma"}},
	})

	res, err := sys.Close(id)
	require.NoError(t, err)
	require.Equal(t, "alpha", res.Winner)
	require.Equal(t, 0, res.EliminationRounds)
	require.Len(t, res.Rounds, 1)
}

func Test_RankedChoice_FourOptionFirstRoundMajority(t *testing.T) {
	t.Parallel()
	sys := NewSystem()
	id, err := sys.Open(Config{
		Options:   []string{"R", "V", "S", "A"},
		Algorithm: RankedChoice,
		Quorum:    Quorum{TotalAgents: 5},
		Duration:  time.Hour,
	})
	require.NoError(t, err)
	castAll(t, sys, id, []Ballot{
		{AgentID: "a", Rankings: []string{"R", "V", "S", "A"}},
		{AgentID: "b", Rankings: []string{"V", "R", "S", "A"}},
		{AgentID: "c", Rankings: []string{"R", "S", "V", "A"}},
		{AgentID: "d", Rankings: []string{"S", "R", "V", "A"}},
		{AgentID: "e", Rankings: []string{"R", "V", "S", "A"}},
	})

	// R holds 3 of 5 first preferences, an immediate majority.
	res, err := sys.Close(id)
	require.NoError(t, err)
	require.Equal(t, "R", res.Winner)
	require.Equal(t, 0, res.EliminationRounds)
	require.Len(t, res.Rounds, 1)
	require.Equal(t, map[string]int{"R": 3, "V": 1, "S": 1}, res.Rounds[0].Counts)
	require.InDelta(t, 3.0/5.0, res.WinnerPercentage, 1e-9)
	require.Empty(t, res.TieBreak)
}

func Test_TieBreak_Confidence(t *testing.T) {
	t.Parallel()
	sys := NewSystem()
	id, err := sys.Open(testConfig(SimpleMajority))
	require.NoError(t, err)
	// One ballot each, but alpha's supporter is more confident.
	castAll(t, sys, id, []Ballot{
		{AgentID: "a", Choice: "alpha", Confidence: floatPtr(0.9)},
		{AgentID: "b", Choice: "beta", Confidence: floatPtr(0.4)},
	})

	res, err := sys.Close(id)
	require.NoError(t, err)
	require.Equal(t, "alpha", res.Winner)
	require.Equal(t, "confidence", res.TieBreak)
}

func Test_TieBreak_Expertise(t *testing.T) {
	t.Parallel()
	sys := NewSystem()
	id, err := sys.Open(testConfig(SimpleMajority))
	require.NoError(t, err)
	// Equal counts and confidence; beta's supporter is an expert.
	castAll(t, sys, id, []Ballot{
		{AgentID: "a", Choice: "alpha", AgentLevel: 2},
		{AgentID: "b", Choice: "beta", AgentLevel: 5},
	})

	res, err := sys.Close(id)
	require.NoError(t, err)
	require.Equal(t, "beta", res.Winner)
	require.Equal(t, "expertise", res.TieBreak)
}

func Test_TieBreak_Timestamp(t *testing.T) {
	t.Parallel()
	sys := NewSystem()
	base := time.Now()
	clock := base
	sys.now = func() time.Time { return clock }

	id, err := sys.Open(testConfig(SimpleMajority))
	require.NoError(t, err)
	// Identical confidence and expertise; beta's ballot landed first.
	require.NoError(t, sys.CastVote(id, Ballot{AgentID: "b", Choice: "beta", AgentLevel: 1}))
	clock = base.Add(time.Second)
	require.NoError(t, sys.CastVote(id, Ballot{AgentID: "a", Choice: "alpha", AgentLevel: 1}))

	res, err := sys.Close(id)
	require.NoError(t, err)
	require.Equal(t, "beta", res.Winner)
	require.Equal(t, "timestamp", res.TieBreak)
}

func Test_TieBreak_Random_Deterministic(t *testing.T) {
	t.Parallel()
	// Identical confidence, expertise and timestamps: the last stage picks
	// pseudo-randomly, seeded by session id, so reruns agree.
	votes := []Vote{
		{Ballot: Ballot{AgentID: "a", Choice: "alpha", AgentLevel: 1}, Timestamp: time.UnixMilli(1000)},
		{Ballot: Ballot{AgentID: "b", Choice: "beta", AgentLevel: 1}, Timestamp: time.UnixMilli(1000)},
	}
	winner1, method := breakTie("session-x", []string{"alpha", "beta"}, votes, selectsChoice)
	winner2, _ := breakTie("session-x", []string{"beta", "alpha"}, votes, selectsChoice)
	require.Equal(t, "random", method)
	require.Equal(t, winner1, winner2)
}

func Test_Tally_EmptyBallotSet(t *testing.T) {
	t.Parallel()
	for _, alg := range []Algorithm{SimpleMajority, ConfidenceWeighted, Quadratic, Consensus, RankedChoice} {
		res := tally("s", testConfig(alg), map[string]Vote{})
		require.Empty(t, res.Winner, "algorithm %s", alg)
		require.Equal(t, 0, res.TotalBallots)
		require.False(t, math.IsNaN(res.AverageConfidence))
	}
}
