// Package format builds the HTML notification texts.
package format

import (
	"fmt"
	"strings"
	"time"

	"ltabot/internal/fantasy"
)

var saoPaulo = func() *time.Location {
	if loc, err := time.LoadLocation("America/Sao_Paulo"); err == nil {
		return loc
	}
	return time.FixedZone("BRT", -3*60*60)
}()

func EscapeHTML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

// BRTTime renders a timestamp in the league's local timezone.
func BRTTime(t time.Time) string {
	return t.In(saoPaulo).Format("2006-01-02 15:04 BRT")
}

func medal(rank int) string {
	switch rank {
	case 1:
		return "🥇"
	case 2:
		return "🥈"
	case 3:
		return "🥉"
	default:
		return fmt.Sprintf("%2d.", rank)
	}
}

// Arrows maps team name to "⬆️", "⬇️" or "".
type Arrows map[string]string

// Standings renders a ranking table. scoreType is "Round" or "Split".
func Standings(league, roundName, roundStatus string, rows []fantasy.TeamScore, arrows Arrows, withTimestamp bool, scoreType string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🏆 <b>%s</b>\n", EscapeHTML(league))
	fmt.Fprintf(&b, "🧭 <b>%s</b> (%s)\n", EscapeHTML(roundName), EscapeHTML(roundStatus))
	fmt.Fprintf(&b, "📊 <i>%s Scores</i>\n\n", scoreType)

	if len(rows) == 0 {
		b.WriteString("<i>No teams</i>")
	} else {
		lines := make([]string, 0, len(rows))
		for _, r := range rows {
			line := fmt.Sprintf("%s <b>%s</b> — %s · <code>%.2f</code>",
				medal(r.Rank), EscapeHTML(r.Team), EscapeHTML(r.Owner), r.Points)
			if a := arrows[r.Team]; a != "" {
				line += " " + a
			}
			lines = append(lines, line)
		}
		b.WriteString(strings.Join(lines, "\n"))
	}

	if withTimestamp {
		fmt.Fprintf(&b, "\n\n🕒 <i>Updated at %s</i>", time.Now().In(saoPaulo).Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

// SplitAccumulated renders the split total standing after a completed round.
func SplitAccumulated(league, completedRoundName string, rows []fantasy.TeamScore) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🏆 <b>%s</b>\n", EscapeHTML(league))
	fmt.Fprintf(&b, "📊 <b>Split (acumulado)</b> após %s\n\n", EscapeHTML(completedRoundName))

	if len(rows) == 0 {
		b.WriteString("<i>No teams</i>")
		return b.String()
	}
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, fmt.Sprintf("%s <b>%s</b> — %s · <code>%.2f</code>",
			medal(r.Rank), EscapeHTML(r.Team), EscapeHTML(r.Owner), r.Points))
	}
	b.WriteString(strings.Join(lines, "\n"))
	return b.String()
}

func priceEmoji(delta float64) string {
	switch {
	case delta > 0:
		return "📈"
	case delta < 0:
		return "📉"
	default:
		return "🟰"
	}
}

// MarketOpen renders the market-open announcement with the previous round's
// budget movements.
func MarketOpen(roundName string, roundStatus fantasy.RoundStatus, closesAt time.Time, budgets []fantasy.TeamBudget) string {
	var b strings.Builder
	b.WriteString("📣 <b>Mercado ABERTO!</b>\n")
	fmt.Fprintf(&b, "🧭 Rodada: <b>%s</b> (%s)\n", EscapeHTML(roundName), EscapeHTML(string(roundStatus)))
	if !closesAt.IsZero() {
		fmt.Fprintf(&b, "⏳ Fecha em: <b>%s</b>\n", BRTTime(closesAt))
	}
	b.WriteString("\n")

	if len(budgets) == 0 {
		b.WriteString("💰 Boa sorte a todos os participantes!")
		return b.String()
	}

	b.WriteString("💼 <b>Orçamentos finais da rodada anterior:</b>\n")
	sections := make([]string, 0, len(budgets))
	for _, tb := range budgets {
		sections = append(sections, teamBudgetSection(tb))
	}
	b.WriteString(strings.Join(sections, "\n"))
	return b.String()
}

func teamBudgetSection(tb fantasy.TeamBudget) string {
	delta := tb.PostBudget - tb.PreBudget
	s := fmt.Sprintf("%s <b>%s</b> (%s): %.1f → %.1f",
		priceEmoji(delta), EscapeHTML(tb.Team), EscapeHTML(tb.Owner), tb.PreBudget, tb.PostBudget)
	if delta != 0 {
		s += fmt.Sprintf(" (%+.1f)", delta)
	}

	if len(tb.Changes) > 0 {
		details := make([]string, 0, len(tb.Changes))
		for _, c := range sortByRole(tb.Changes) {
			d := c.PostPrice - c.PrePrice
			if d == 0 {
				details = append(details, fmt.Sprintf("%s: 0.0", EscapeHTML(c.Player)))
				continue
			}
			details = append(details, fmt.Sprintf("%s %s: %+.1f", priceEmoji(d), EscapeHTML(c.Player), d))
		}
		s += "<blockquote expandable>" + strings.Join(details, "\n") + "\n</blockquote>"
	}
	return s
}

var roleOrder = map[string]int{"top": 0, "jungle": 1, "mid": 2, "bottom": 3, "support": 4}

func sortByRole(changes []fantasy.PlayerPriceChange) []fantasy.PlayerPriceChange {
	out := append([]fantasy.PlayerPriceChange(nil), changes...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && rolePos(out[j].Role) < rolePos(out[j-1].Role); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func rolePos(role string) int {
	if p, ok := roleOrder[role]; ok {
		return p
	}
	return 999
}

// Reminder24h is the market-close reminder a day ahead.
func Reminder24h(closesAt time.Time) string {
	return fmt.Sprintf("⏰ Lembrete: o mercado fecha em 24 horas (%s)\n⚠️ Últimas 24h para fazer alterações no seu time!", BRTTime(closesAt))
}

// Reminder1h is the final market-close reminder.
func Reminder1h() string {
	return "⏰ Lembrete: o mercado fecha em 1 hora!\n🏃‍♂️ Última chance para fazer alterações no seu time!"
}

// MarketClosed announces the switch to live tracking.
func MarketClosed() string {
	return "▶️ Mercado fechado. Começamos a acompanhar os jogos ao vivo!"
}

// RankingChanged prefixes a standing that reordered since the last poll.
func RankingChanged(standings string) string {
	return "🔄 <b>RANKING CHANGED!</b>\n\n" + standings
}

// SplitRankingChanged prefixes a split standing that reordered.
func SplitRankingChanged(standings string) string {
	return "🔄 <b>SPLIT RANKING CHANGED!</b>\n\n" + standings
}

// RoundCompleted appends the completion footer to the final standing.
func RoundCompleted(finalStandings string) string {
	return finalStandings + "\n\n🏁 <b>ROUND COMPLETED!</b>\n<i>Final scores above.</i>"
}

// RoundCompletedNoScores is the fallback when final scores can't be fetched.
func RoundCompletedNoScores(err error) string {
	return fmt.Sprintf("🏁 <b>Round completed!</b> Stopped watching.\n❌ Could not fetch final scores: %v", err)
}
