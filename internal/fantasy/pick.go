package fantasy

import (
	"sort"
	"time"
)

// CurrentRound picks the round a watcher should track:
// an in-progress round wins, then an open market, then the next
// upcoming round, and finally the most recent completed one.
// Returns nil when rounds is empty.
func CurrentRound(rounds []Round) *Round {
	if best := pick(rounds, RoundInProgress, true); best != nil {
		return best
	}
	if best := pick(rounds, RoundMarketOpen, false); best != nil {
		return best
	}
	if best := pick(rounds, RoundUpcoming, false); best != nil {
		return best
	}
	return pick(rounds, RoundCompleted, true)
}

// pick returns the matching round with the highest (or lowest)
// IndexInSplit.
func pick(rounds []Round, status RoundStatus, highest bool) *Round {
	var best *Round
	for i := range rounds {
		r := &rounds[i]
		if r.Status != status {
			continue
		}
		if best == nil {
			best = r
			continue
		}
		if highest && r.IndexInSplit > best.IndexInSplit {
			best = r
		}
		if !highest && r.IndexInSplit < best.IndexInSplit {
			best = r
		}
	}
	return best
}

// LatestRound returns the in-progress round if any, otherwise the round
// with the most recent market close time. Used to derive the watch phase.
func LatestRound(rounds []Round) *Round {
	if best := pick(rounds, RoundInProgress, true); best != nil {
		return best
	}
	var best *Round
	var bestTS time.Time
	for i := range rounds {
		r := &rounds[i]
		ts, _ := r.MarketCloseTime()
		if best == nil || ts.After(bestTS) {
			best, bestTS = r, ts
		}
	}
	return best
}

// PreviousRound returns the completed round immediately before current
// in split order, or nil if current is the first.
func PreviousRound(rounds []Round, current Round) *Round {
	var best *Round
	for i := range rounds {
		r := &rounds[i]
		if r.Status != RoundCompleted || r.IndexInSplit >= current.IndexInSplit {
			continue
		}
		if best == nil || r.IndexInSplit > best.IndexInSplit {
			best = r
		}
	}
	return best
}

// FindRound locates a round by ID.
func FindRound(rounds []Round, id string) *Round {
	for i := range rounds {
		if rounds[i].ID == id {
			return &rounds[i]
		}
	}
	return nil
}

// CompletedThrough returns the completed rounds with IndexInSplit <= index,
// ordered by split position.
func CompletedThrough(rounds []Round, index int) []Round {
	var out []Round
	for _, r := range rounds {
		if r.Status == RoundCompleted && r.IndexInSplit <= index {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IndexInSplit < out[j].IndexInSplit })
	return out
}
