package watch

import "ltabot/internal/fantasy"

// ScoreArrows compares the new scores against the previous poll and
// returns a per-team "⬆️"/"⬇️"/"" marker. Teams without a previous score
// get no arrow.
func ScoreArrows(prev map[string]float64, cur []fantasy.TeamScore) map[string]string {
	arrows := make(map[string]string, len(cur))
	for _, row := range cur {
		old, ok := prev[row.Team]
		switch {
		case !ok:
			arrows[row.Team] = ""
		case row.Points > old:
			arrows[row.Team] = "⬆️"
		case row.Points < old:
			arrows[row.Team] = "⬇️"
		default:
			arrows[row.Team] = ""
		}
	}
	return arrows
}

// anyArrow reports whether at least one team moved.
func anyArrow(arrows map[string]string) bool {
	for _, a := range arrows {
		if a != "" {
			return true
		}
	}
	return false
}

// RankingChanged reports whether the ordered team sequence differs from
// the stored one. It is unconditionally false while suppress is set, so
// a freshly resumed watcher never manufactures a change out of its own
// persisted data.
func RankingChanged(prev, cur []string, suppress bool) bool {
	if suppress {
		return false
	}
	if prev == nil {
		return false
	}
	if len(prev) != len(cur) {
		return true
	}
	for i := range prev {
		if prev[i] != cur[i] {
			return true
		}
	}
	return false
}
