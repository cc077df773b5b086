package strategy

// Outcome is the combined result of running the active profile's strategies
// against one snapshot.
type Outcome struct {
	Direction Direction
	Score     float64 // weighted ensemble score, 0..1
	Agreement int     // strategies agreeing on the winning direction
	Leader    string  // highest-weighted agreeing strategy
}

// Combine folds per-strategy verdicts into one ensemble outcome using the
// profile weights. The winning direction is the one with the larger weighted
// score; its score is normalized by the total configured weight so a profile
// running at half conviction cannot hit a full-conviction threshold.
func Combine(verdicts map[string]*Verdict, weights map[string]float64) *Outcome {
	var totalWeight float64
	for _, w := range weights {
		if w > 0 {
			totalWeight += w
		}
	}
	if totalWeight == 0 {
		return nil
	}

	type side struct {
		score     float64
		agreement int
		leader    string
		leaderW   float64
	}
	buy, sell := side{}, side{}

	for name, verdict := range verdicts {
		if verdict == nil {
			continue
		}
		w := weights[name]
		if w <= 0 {
			continue
		}
		target := &buy
		if verdict.Direction == DirectionSell {
			target = &sell
		}
		target.score += w * verdict.Strength
		target.agreement++
		if w > target.leaderW {
			target.leaderW = w
			target.leader = name
		}
	}

	winner := buy
	dir := DirectionBuy
	if sell.score > buy.score {
		winner = sell
		dir = DirectionSell
	}
	if winner.agreement == 0 {
		return nil
	}
	return &Outcome{
		Direction: dir,
		Score:     winner.score / totalWeight,
		Agreement: winner.agreement,
		Leader:    winner.leader,
	}
}
