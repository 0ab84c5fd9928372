package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"tradesim/internal/engine"
	"tradesim/internal/game"

	"github.com/fatih/color"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

type sessionsPayload struct {
	Sessions []game.Stock `json:"sessions"`
}

type rankingPayload struct {
	Ranking []engine.RankEntry `json:"ranking"`
}

type deadLettersPayload struct {
	Messages   []game.OutboxMessage `json:"messages"`
	MaxRetries int                  `json:"max_retries"`
}

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func renderSession(raw map[string]any) error {
	st, err := decodeInto[game.Stock](raw)
	if err != nil {
		return err
	}
	tick := st.Tick(time.Now().UTC())
	accent.Printf("\n== SESSION %s ==\n", st.ID)
	fmt.Printf("Phase:        %s\n", st.Phase)
	fmt.Printf("Round:        %d\n", st.Round)
	fmt.Printf("Trading open: %t\n", st.IsTransaction)
	fmt.Printf("Ranking:      %s\n", visibility(st.IsVisibleRank))
	if !st.StartedTime.IsZero() {
		fmt.Printf("Started:      %s (tick %d/%d)\n", st.StartedTime.Local().Format("15:04:05"), tick, game.TickCount-1)
	}
	if len(st.Companies) == 0 {
		fmt.Println()
		printInfo("No market generated yet.")
		return nil
	}

	fmt.Println()
	fmt.Printf("%-20s %12s %12s %10s  %s\n", "COMPANY", "PRICE", "CHANGE", "FLOAT", "HINTS")
	for _, name := range sortedCompanies(st.Companies) {
		series := st.Companies[name]
		price, _ := st.PriceAt(name, tick)
		change := int64(0)
		if tick > 0 {
			prev, _ := st.PriceAt(name, tick-1)
			change = price - prev
		}
		fmt.Printf("%-20s %12s %12s %10s  %s\n",
			truncate(name, 20),
			comma(price),
			colorizeDelta(change),
			fmt.Sprintf("%d/%d", st.RemainingStocks[name], st.InitialStocks[name]),
			hintSummary(series, tick),
		)
	}
	fmt.Println()
	return nil
}

// hintSummary lists the future ticks whose price is visible to the caller.
func hintSummary(series []game.PricePoint, tick int) string {
	var parts []string
	for i := tick + 1; i < len(series); i++ {
		if series[i].Price > 0 {
			parts = append(parts, fmt.Sprintf("t%d=%s", i, comma(series[i].Price)))
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

func renderSessionList(raw map[string]any) error {
	payload, err := decodeInto[sessionsPayload](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== SESSIONS ==")
	if len(payload.Sessions) == 0 {
		printInfo("No sessions yet.")
		return nil
	}
	fmt.Printf("%-24s %-13s %6s %8s %10s\n", "ID", "PHASE", "ROUND", "TRADING", "COMPANIES")
	for _, s := range payload.Sessions {
		fmt.Printf("%-24s %-13s %6d %8t %10d\n", truncate(s.ID, 24), s.Phase, s.Round, s.IsTransaction, len(s.Companies))
	}
	fmt.Println()
	return nil
}

func renderPlayer(raw map[string]any) error {
	u, err := decodeInto[game.StockUser](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== %s ==\n", u.UserInfo.Nickname)
	fmt.Printf("Cash:   %s\n", comma(u.Money))
	fmt.Printf("Loans:  %d\n", u.LoanCount)
	if u.UserInfo.Introduction != nil && *u.UserInfo.Introduction != "" {
		fmt.Printf("Intro:  %s\n", *u.UserInfo.Introduction)
	}
	fmt.Println()
	held := 0
	for _, s := range u.StockStorages {
		if s.StockCountCurrent == 0 {
			continue
		}
		if held == 0 {
			fmt.Printf("%-20s %10s\n", "COMPANY", "SHARES")
		}
		held++
		fmt.Printf("%-20s %10d\n", truncate(s.CompanyName, 20), s.StockCountCurrent)
	}
	if held == 0 {
		printInfo("No shares held.")
	}
	for round, r := range u.ResultByRound {
		if r != nil {
			fmt.Printf("Round %d result: %s\n", round, colorizeDelta(*r))
		}
	}
	fmt.Println()
	return nil
}

func renderOrderResult(raw map[string]any, action game.Action, company string, amount, price int64) error {
	out, err := decodeInto[engine.TradeResult](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== %s ==\n", action)
	fmt.Printf("Company:  %s\n", company)
	fmt.Printf("Shares:   %d\n", amount)
	fmt.Printf("Price:    %s\n", comma(price))
	fmt.Printf("Notional: %s\n", comma(price*amount))
	fmt.Printf("Status:   %s\n", out.Status)
	if out.Status == game.TradeSuccess {
		fmt.Printf("Cash:     %s\n", comma(out.Money))
		fmt.Printf("Holding:  %d\n", out.Holding)
	}
	if out.Replayed {
		printWarn("Already processed, showing the recorded result.")
	}
	fmt.Println()
	return nil
}

func renderDraw(raw map[string]any) error {
	out, err := decodeInto[engine.DrawResult](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== HINT ==")
	fmt.Printf("%s at tick %d: %s (%s)\n", out.Company, out.Tick, comma(out.Price), out.Direction)
	fmt.Printf("Cash: %s\n", comma(out.Money))
	fmt.Println()
	return nil
}

func renderLoan(raw map[string]any, settle bool) error {
	out, err := decodeInto[engine.LoanResult](raw)
	if err != nil {
		return err
	}
	if settle {
		printSuccess(fmt.Sprintf("Loans repaid. Charged %s, cash now %s.", comma(out.Charged), comma(out.Money)))
		return nil
	}
	printSuccess(fmt.Sprintf("Loan granted. Cash now %s, %d loan(s) open.", comma(out.Money), out.LoanCount))
	return nil
}

func renderRanking(raw map[string]any) error {
	payload, err := decodeInto[rankingPayload](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== RANKING ==")
	if len(payload.Ranking) == 0 {
		printInfo("No players yet.")
		return nil
	}
	fmt.Printf("%-5s %-18s %14s %14s %14s\n", "RANK", "PLAYER", "CASH", "HOLDINGS", "TOTAL")
	for _, r := range payload.Ranking {
		fmt.Printf("%-5d %-18s %14s %14s %14s\n",
			r.Rank, truncate(r.Nickname, 18), comma(r.Money), comma(r.HoldingsValue), comma(r.Total))
	}
	fmt.Println()
	return nil
}

func renderSettlement(raw map[string]any) error {
	rep, err := decodeInto[engine.SettlementReport](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== SETTLEMENT %s round %d (tick %d) ==\n", rep.StockID, rep.Round, rep.Tick)
	fmt.Printf("%-24s %14s %14s\n", "PLAYER", "CASH", "LOAN PENALTY")
	for _, p := range rep.Players {
		fmt.Printf("%-24s %14s %14s\n", truncate(p.UserID, 24), comma(p.Money), comma(p.LoanPenalty))
	}
	for _, f := range rep.Failed {
		printError(fmt.Sprintf("%s: %s", f.UserID, f.Error))
	}
	fmt.Println()
	return nil
}

func renderReconcile(raw map[string]any) error {
	rep, err := decodeInto[engine.ReconcileReport](raw)
	if err != nil {
		return err
	}
	if len(rep.Drift) == 0 {
		printSuccess("Market float matches player holdings.")
		return nil
	}
	warn.Printf("Repaired %d compan(ies):\n", len(rep.Drift))
	for _, d := range rep.Drift {
		fmt.Printf("  %-20s %d -> %d\n", truncate(d.Company, 20), d.Recorded, d.Expected)
	}
	return nil
}

func renderDeadLetters(raw map[string]any) error {
	payload, err := decodeInto[deadLettersPayload](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== DEAD LETTERS (max retries %d) ==\n", payload.MaxRetries)
	if len(payload.Messages) == 0 {
		printInfo("None.")
		return nil
	}
	fmt.Printf("%-36s %-11s %7s  %s\n", "ID", "EVENT", "RETRIES", "ERROR")
	for _, m := range payload.Messages {
		fmt.Printf("%-36s %-11s %7d  %s\n", m.ID, m.EventType, m.RetryCount, truncate(m.ErrorMessage, 48))
	}
	fmt.Println()
	return nil
}

func visibility(v bool) string {
	if v {
		return "visible"
	}
	return "hidden"
}

func sortedCompanies(m map[string][]game.PricePoint) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func decodeInto[T any](in any) (T, error) {
	var out T
	raw, err := json.Marshal(in)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

func colorizeDelta(v int64) string {
	text := comma(v)
	switch {
	case v > 0:
		return success.Sprint("+" + text)
	case v < 0:
		return danger.Sprint(text)
	default:
		return neutral.Sprint(text)
	}
}

func comma(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	s := strconv.FormatInt(v, 10)
	if len(s) <= 3 {
		return sign + s
	}
	var b strings.Builder
	b.WriteString(sign)
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
		b.WriteByte(',')
	}
	for i := pre; i < len(s); i += 3 {
		b.WriteString(s[i : i+3])
		if i+3 < len(s) {
			b.WriteByte(',')
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
