package fantasy

import (
	"context"
	"sort"

	logx "ltabot/pkg/logx"
)

// RoundScores returns the live standing of a round, best team first.
// The ranking endpoint lags during play, so each team's roster is
// consulted for partial points; the ranking score is the fallback.
func (c *Client) RoundScores(ctx context.Context, league, roundID string) ([]TeamScore, error) {
	rows, err := c.Ranking(ctx, league, roundID)
	if err != nil {
		return nil, err
	}

	for i := range rows {
		r, err := c.roster(ctx, roundID, rows[i].TeamID)
		if err != nil {
			if IsAuthError(err) {
				return nil, err
			}
			// a single missing roster shouldn't sink the whole poll
			c.log.Debug("roster fetch failed",
				logx.String("team", rows[i].Team), logx.Err(err))
			continue
		}
		switch {
		case r.RoundRoster.PointsPartial != nil:
			rows[i].Points = *r.RoundRoster.PointsPartial
		case r.RoundRoster.Points != nil:
			rows[i].Points = *r.RoundRoster.Points
		}
	}

	sortScores(rows)
	return rows, nil
}

// SplitStandings aggregates per-round scores across the completed rounds of
// the split, up to and including maxIndex.
func (c *Client) SplitStandings(ctx context.Context, league string, rounds []Round, maxIndex int) ([]TeamScore, error) {
	completed := CompletedThrough(rounds, maxIndex)

	totals := make(map[string]*TeamScore)
	for _, round := range completed {
		rows, err := c.Ranking(ctx, league, round.ID)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			t, ok := totals[row.TeamID]
			if !ok {
				t = &TeamScore{TeamID: row.TeamID, Team: row.Team, Owner: row.Owner}
				totals[row.TeamID] = t
			}
			t.Points += row.Points
		}
	}

	out := make([]TeamScore, 0, len(totals))
	for _, t := range totals {
		out = append(out, *t)
	}
	sortScores(out)
	return out, nil
}

// BudgetReport collects each team's budget movement from the given
// (completed) round, for the market-open announcement.
func (c *Client) BudgetReport(ctx context.Context, league, roundID string) ([]TeamBudget, error) {
	rows, err := c.Ranking(ctx, league, roundID)
	if err != nil {
		return nil, err
	}

	out := make([]TeamBudget, 0, len(rows))
	for _, row := range rows {
		r, err := c.roster(ctx, roundID, row.TeamID)
		if err != nil {
			if IsAuthError(err) {
				return nil, err
			}
			c.log.Debug("budget roster fetch failed",
				logx.String("team", row.Team), logx.Err(err))
			continue
		}

		tb := TeamBudget{
			Team:       row.Team,
			Owner:      row.Owner,
			PreBudget:  r.RoundRoster.PreRoundBudget,
			PostBudget: r.RoundRoster.PostRoundBudget,
		}
		for _, p := range r.RosterPlayers {
			ep := p.RoundEsportsPlayer
			if ep.PreRoundPrice == ep.PostRoundPrice {
				continue
			}
			tb.Changes = append(tb.Changes, PlayerPriceChange{
				Role:      p.Role,
				Player:    ep.ProPlayer.Name,
				PrePrice:  ep.PreRoundPrice,
				PostPrice: ep.PostRoundPrice,
			})
		}
		out = append(out, tb)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].PostBudget > out[j].PostBudget })
	return out, nil
}

// sortScores orders best-first and rewrites ranks 1..n.
func sortScores(rows []TeamScore) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Points > rows[j].Points })
	for i := range rows {
		rows[i].Rank = i + 1
	}
}
