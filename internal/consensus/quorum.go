package consensus

import (
	"math"
	"slices"
	"strings"

	"coordline/internal/domain"
)

// Tally counts the votes that count toward a proposal.
type Tally struct {
	Yes         int `json:"yes"`
	No          int `json:"no"`
	Abstain     int `json:"abstain"`
	Outstanding int `json:"outstanding"`
}

// Result is the outcome of evaluating one vote set under one rule.
type Result struct {
	Decided             bool     `json:"decided"`
	Outcome             string   `json:"outcome,omitempty"`
	AggregateConfidence *float64 `json:"aggregate_confidence,omitempty"`
	YesFraction         float64  `json:"yes_fraction"`
	Tally               Tally    `json:"tally"`
}

// WeightFunc returns a vote's weight for aggregation; it must be positive.
type WeightFunc func(domain.Vote) float64

// EvidenceFactor grows with the number of evidence items and is 1 for none.
func EvidenceFactor(n int) float64 {
	if n < 0 {
		n = 0
	}
	return 1 + math.Log1p(float64(n))
}

// UnitWeight weights every vote by its evidence only.
func UnitWeight(v domain.Vote) float64 {
	return EvidenceFactor(v.EvidenceCount)
}

// Evaluate applies p's rule to votes. It only looks at the vote set: votes are
// put in agent order first, so arrival order cannot change the result.
func Evaluate(p domain.Proposal, votes []domain.Vote, weight WeightFunc) Result {
	if weight == nil {
		weight = UnitWeight
	}
	votes = counted(p, votes)

	var (
		res                 Result
		weightSum, weighted float64
		yesWeighted         float64
	)
	for _, v := range votes {
		switch v.Choice {
		case domain.ChoiceYes:
			res.Tally.Yes++
		case domain.ChoiceNo:
			res.Tally.No++
		default:
			res.Tally.Abstain++
			continue
		}
		w := weight(v)
		if w <= 0 || math.IsNaN(w) {
			w = 1
		}
		weightSum += w
		weighted += w * v.Confidence
		if v.Choice == domain.ChoiceYes {
			yesWeighted += w * v.Confidence
		}
	}
	if weightSum > 0 {
		a := weighted / weightSum
		res.AggregateConfidence = &a
	}
	if len(p.Roster) > 0 {
		res.Tally.Outstanding = len(p.Roster) - len(votes)
	}
	voted := len(votes)

	switch p.Rule {
	case domain.RuleMajority:
		if len(p.Roster) == 1 {
			res.Decided, res.Outcome = unanimous(res.Tally, len(p.Roster))
			break
		}
		res.Decided, res.Outcome = majority(res.Tally, voted, len(p.Roster))
	case domain.RuleUnanimous:
		res.Decided, res.Outcome = unanimous(res.Tally, len(p.Roster))
	case domain.RuleThreshold:
		// members who have not voted count with weight 1 against the fraction
		denom := weightSum + float64(res.Tally.Outstanding)
		if denom > 0 {
			res.YesFraction = yesWeighted / denom
		}
		switch {
		case res.Tally.Yes > 0 && res.YesFraction >= p.Threshold-1e-9:
			res.Decided, res.Outcome = true, domain.ChoiceYes
		case len(p.Roster) > 0 && res.Tally.Outstanding == 0:
			res.Decided, res.Outcome = true, domain.ChoiceNo
		}
	}
	if p.Rule != domain.RuleThreshold && weightSum > 0 {
		res.YesFraction = float64(res.Tally.Yes) / float64(res.Tally.Yes+res.Tally.No)
	}
	return res
}

// counted drops votes from agents outside a non-empty roster and sorts the
// rest by agent.
func counted(p domain.Proposal, votes []domain.Vote) []domain.Vote {
	out := make([]domain.Vote, 0, len(votes))
	for _, v := range votes {
		if len(p.Roster) > 0 && !slices.Contains(p.Roster, v.AgentID) {
			continue
		}
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b domain.Vote) int { return strings.Compare(a.AgentID, b.AgentID) })
	return slices.CompactFunc(out, func(a, b domain.Vote) bool { return a.AgentID == b.AgentID })
}

func majority(t Tally, voted, expected int) (bool, string) {
	if expected == 0 {
		if t.Yes > t.No {
			return true, domain.ChoiceYes
		}
		return false, ""
	}
	if voted*2 < expected {
		return false, ""
	}
	switch {
	case t.Yes > t.No:
		return true, domain.ChoiceYes
	case t.Yes+t.Outstanding <= t.No:
		return true, domain.ChoiceNo
	}
	return false, ""
}

func unanimous(t Tally, expected int) (bool, string) {
	switch {
	case t.No > 0:
		return true, domain.ChoiceNo
	case expected > 0 && t.Yes == expected:
		return true, domain.ChoiceYes
	case expected > 0 && t.Outstanding == 0:
		// everyone voted but someone abstained
		return true, domain.ChoiceNo
	}
	return false, ""
}
