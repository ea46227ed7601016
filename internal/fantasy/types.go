package fantasy

import "time"

type RoundStatus string

const (
	RoundUpcoming   RoundStatus = "upcoming"
	RoundMarketOpen RoundStatus = "market_open"
	RoundInProgress RoundStatus = "in_progress"
	RoundCompleted  RoundStatus = "completed"
)

// Round is a snapshot of one competition round as reported by the API.
type Round struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Status         RoundStatus `json:"status"`
	IndexInSplit   int         `json:"indexInSplit"`
	MarketClosesAt string      `json:"marketClosesAt"` // RFC3339, may be empty
}

// MarketCloseTime parses MarketClosesAt. ok is false when the field is
// missing or malformed.
func (r Round) MarketCloseTime() (t time.Time, ok bool) {
	if r.MarketClosesAt == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, r.MarketClosesAt)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// rankingItem mirrors the API's ranking payload.
type rankingItem struct {
	Rank     int     `json:"rank"`
	Score    float64 `json:"score"`
	UserTeam struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		OwnerName string `json:"ownerName"`
	} `json:"userTeam"`
}

// TeamScore is one row of a ranking, ordered best-first.
type TeamScore struct {
	Rank   int
	TeamID string
	Team   string
	Owner  string
	Points float64
}

// TeamNames projects the ordered team-name sequence used for delta detection.
func TeamNames(rows []TeamScore) []string {
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, r.Team)
	}
	return names
}

// rosterPayload mirrors the per-round roster endpoint.
type rosterPayload struct {
	RoundRoster struct {
		Points         *float64 `json:"points"`
		PointsPartial  *float64 `json:"pointsPartial"`
		PreRoundBudget float64  `json:"preRoundBudget"`
		PostRoundBudget float64 `json:"postRoundBudget"`
	} `json:"roundRoster"`
	RosterPlayers []struct {
		Role               string `json:"role"`
		RoundEsportsPlayer struct {
			PreRoundPrice  float64 `json:"preRoundPrice"`
			PostRoundPrice float64 `json:"postRoundPrice"`
			ProPlayer      struct {
				Name string `json:"name"`
			} `json:"proPlayer"`
		} `json:"roundEsportsPlayer"`
	} `json:"rosterPlayers"`
}

// PlayerPriceChange is one roster player whose price moved between rounds.
type PlayerPriceChange struct {
	Role     string
	Player   string
	PrePrice float64
	PostPrice float64
}

// TeamBudget summarizes a team's budget movement for the market-open report.
type TeamBudget struct {
	Team       string
	Owner      string
	PreBudget  float64
	PostBudget float64
	Changes    []PlayerPriceChange
}
