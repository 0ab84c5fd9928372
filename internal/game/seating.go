package game

import "sort"

// AlternatingGenderOrder is the deterministic seating used when no ranking
// service answers: men and women interleaved, the larger group first, anyone
// else appended. Each group is ordered by nickname then user id.
func AlternatingGenderOrder(players []StockUser) []string {
	var men, women, rest []StockUser
	for _, p := range players {
		switch normalizeGender(p.UserInfo.Gender) {
		case "M":
			men = append(men, p)
		case "F":
			women = append(women, p)
		default:
			rest = append(rest, p)
		}
	}
	for _, g := range [][]StockUser{men, women, rest} {
		sort.Slice(g, func(i, j int) bool {
			if g[i].UserInfo.Nickname != g[j].UserInfo.Nickname {
				return g[i].UserInfo.Nickname < g[j].UserInfo.Nickname
			}
			return g[i].UserID < g[j].UserID
		})
	}

	first, second := men, women
	if len(women) > len(men) {
		first, second = women, men
	}
	out := make([]string, 0, len(players))
	for i := 0; i < len(first) || i < len(second); i++ {
		if i < len(first) {
			out = append(out, first[i].UserID)
		}
		if i < len(second) {
			out = append(out, second[i].UserID)
		}
	}
	for _, p := range rest {
		out = append(out, p.UserID)
	}
	return out
}
