package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"tradesim/internal/auth"
	cl "tradesim/internal/cli"
	"tradesim/internal/config"
	"tradesim/internal/game"
	"tradesim/internal/syncq"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL

	root := &cobra.Command{
		Use:          "tsim",
		Short:        "Trading simulation client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&apiBase, "api", apiBase, "API base URL")

	root.AddCommand(
		newSignupCmd(&apiBase),
		newLoginCmd(&apiBase),
		newTokenCmd(cfg),
		newLogoutCmd(),
		newUseCmd(),
		newSessionCmd(&apiBase),
		newJoinCmd(&apiBase),
		newMeCmd(&apiBase),
		newOrderCmd(&apiBase, game.ActionBuy),
		newOrderCmd(&apiBase, game.ActionSell),
		newDrawInfoCmd(&apiBase),
		newLoanCmd(&apiBase),
		newRankingCmd(&apiBase),
		newSyncCmd(&apiBase),
		newOutboxCmd(&apiBase),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(apiBase *string) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(*apiBase), "/"))
}

func requireSession() (cl.Session, error) {
	sess, err := cl.LoadSession()
	if err != nil {
		return cl.Session{}, fmt.Errorf("login required: %w", err)
	}
	return sess, nil
}

// stockIDFrom resolves the --session flag or the saved default.
func stockIDFrom(cmd *cobra.Command, sess cl.Session) (string, error) {
	id, _ := cmd.Flags().GetString("session")
	if id = strings.TrimSpace(id); id != "" {
		return id, nil
	}
	if sess.StockID != "" {
		return sess.StockID, nil
	}
	return "", errors.New("no session selected, pass --session or run `tsim use <id>`")
}

func withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}

func newSignupCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "signup",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := promptRequired("Email")
			if err != nil {
				return err
			}
			password, err := promptRequired("Password")
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			session, err := newClient(apiBase).Signup(ctx, email, password)
			if err != nil {
				return err
			}
			if strings.TrimSpace(session.AccessToken) == "" {
				printWarn("Signup created. Verify email, then run `tsim login`.")
				return nil
			}
			if err := cl.SaveSession(cl.Session{
				AccessToken:  session.AccessToken,
				RefreshToken: session.RefreshToken,
				Email:        session.User.Email,
				UserID:       session.User.ID,
			}); err != nil {
				return err
			}
			printSuccess("Signup complete. Session saved.")
			return nil
		},
	}
}

func newLoginCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := promptRequired("Email")
			if err != nil {
				return err
			}
			password, err := promptRequired("Password")
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			session, err := newClient(apiBase).Login(ctx, email, password)
			if err != nil {
				return err
			}
			prev, _ := cl.LoadSession()
			if err := cl.SaveSession(cl.Session{
				AccessToken:  session.AccessToken,
				RefreshToken: session.RefreshToken,
				Email:        session.User.Email,
				UserID:       session.User.ID,
				StockID:      prev.StockID,
			}); err != nil {
				return err
			}
			printSuccess("Login successful.")
			return nil
		},
	}
}

func newTokenCmd(cfg config.CLIConfig) *cobra.Command {
	var admin bool
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Sign a local development token with TRADESIM_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := auth.IssueToken(cfg.JWTSecret, args[0], admin, ttl)
			if err != nil {
				return err
			}
			prev, _ := cl.LoadSession()
			if err := cl.SaveSession(cl.Session{AccessToken: tok, UserID: args[0], StockID: prev.StockID}); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Signed in as %s (admin=%v).", args[0], admin))
			return nil
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin role")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear local session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearSession(); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

func newUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <session-id>",
		Short: "Select the game session other commands act on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			sess.StockID = strings.TrimSpace(args[0])
			if err := cl.SaveSession(sess); err != nil {
				return err
			}
			printSuccess("Using session " + sess.StockID + ".")
			return nil
		},
	}
}

func newSessionCmd(apiBase *string) *cobra.Command {
	sc := &cobra.Command{
		Use:   "session",
		Short: "Game session commands",
	}
	sc.PersistentFlags().String("session", "", "session id (defaults to `tsim use`)")

	sc.AddCommand(&cobra.Command{
		Use:   "create [id]",
		Short: "Create a session (admin)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(apiBase).CreateSession(ctx, sess.AccessToken, id)
			if err != nil {
				return err
			}
			return renderSession(out)
		},
	})
	sc.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(apiBase).ListSessions(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			return renderSessionList(out)
		},
	})
	sc.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the market",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			stockID, err := stockIDFrom(cmd, sess)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(apiBase).Session(ctx, sess.AccessToken, stockID)
			if err != nil {
				return err
			}
			return renderSession(out)
		},
	})
	sc.AddCommand(&cobra.Command{
		Use:   "phase <phase>",
		Short: "Move the session to another phase (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := game.ParsePhase(args[0]); err != nil {
				return err
			}
			sess, err := requireSession()
			if err != nil {
				return err
			}
			stockID, err := stockIDFrom(cmd, sess)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(apiBase).SetPhase(ctx, sess.AccessToken, stockID, strings.ToUpper(args[0]))
			if err != nil {
				return err
			}
			return renderSession(out)
		},
	})
	sc.AddCommand(&cobra.Command{
		Use:   "init <round>",
		Short: "Generate the market for a round and reset players (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			round, err := strconv.Atoi(args[0])
			if err != nil || round < 0 {
				return fmt.Errorf("round must be a non-negative number")
			}
			sess, err := requireSession()
			if err != nil {
				return err
			}
			stockID, err := stockIDFrom(cmd, sess)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(apiBase).InitRound(ctx, sess.AccessToken, stockID, round)
			if err != nil {
				return err
			}
			return renderSession(out)
		},
	})
	for _, end := range []bool{false, true} {
		use, short := "settle", "Close trading and liquidate every player (admin)"
		if end {
			use, short = "end", "Settle and reveal the final ranking (admin)"
		}
		sc.AddCommand(&cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := requireSession()
				if err != nil {
					return err
				}
				stockID, err := stockIDFrom(cmd, sess)
				if err != nil {
					return err
				}
				ctx, cancel := withTimeout(cmd)
				defer cancel()
				out, err := newClient(apiBase).Settle(ctx, sess.AccessToken, stockID, end)
				if err != nil {
					return err
				}
				return renderSettlement(out)
			},
		})
	}
	sc.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Recompute the remaining float from player holdings (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			stockID, err := stockIDFrom(cmd, sess)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(apiBase).Reconcile(ctx, sess.AccessToken, stockID)
			if err != nil {
				return err
			}
			return renderReconcile(out)
		},
	})
	return sc
}

func newJoinCmd(apiBase *string) *cobra.Command {
	var gender, intro string
	cmd := &cobra.Command{
		Use:   "join <nickname>",
		Short: "Join the selected session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			stockID, err := stockIDFrom(cmd, sess)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(apiBase).Join(ctx, sess.AccessToken, stockID, args[0], gender, intro)
			if err != nil {
				return err
			}
			return renderPlayer(out)
		},
	}
	cmd.Flags().String("session", "", "session id")
	cmd.Flags().StringVar(&gender, "gender", "", "M or F")
	cmd.Flags().StringVar(&intro, "intro", "", "self introduction")
	return cmd
}

func newMeCmd(apiBase *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "me",
		Short: "Show your cash, loans and holdings",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			stockID, err := stockIDFrom(cmd, sess)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(apiBase).Me(ctx, sess.AccessToken, stockID)
			if err != nil {
				return err
			}
			return renderPlayer(out)
		},
	}
	cmd.Flags().String("session", "", "session id")
	return cmd
}

func newOrderCmd(apiBase *string, action game.Action) *cobra.Command {
	var price int64
	var round int
	verb := strings.ToLower(string(action))
	cmd := &cobra.Command{
		Use:   verb + " <company> <amount>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " shares at the current price",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive whole number")
			}
			sess, err := requireSession()
			if err != nil {
				return err
			}
			stockID, err := stockIDFrom(cmd, sess)
			if err != nil {
				return err
			}
			client := newClient(apiBase)
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			if price == 0 || round < 0 {
				q, err := currentQuote(ctx, client, sess.AccessToken, stockID, args[0])
				if err != nil {
					return err
				}
				if price == 0 {
					price = q.price
				}
				if round < 0 {
					round = q.round
				}
			}
			return placeOrder(ctx, client, sess.AccessToken, stockID, action, args[0], amount, price, round)
		},
	}
	cmd.Flags().String("session", "", "session id")
	cmd.Flags().Int64Var(&price, "price", 0, "quoted unit price (defaults to the current price)")
	cmd.Flags().IntVar(&round, "round", -1, "round the quote belongs to (defaults to the current round)")
	return cmd
}

type quote struct {
	price int64
	round int
}

func currentQuote(ctx context.Context, client *cl.Client, token, stockID, company string) (quote, error) {
	raw, err := client.Session(ctx, token, stockID)
	if err != nil {
		return quote{}, err
	}
	st, err := decodeInto[game.Stock](raw)
	if err != nil {
		return quote{}, err
	}
	p, ok := st.PriceAt(company, st.Tick(time.Now().UTC()))
	if !ok {
		return quote{}, fmt.Errorf("%w: %s", game.ErrCompanyNotFound, company)
	}
	return quote{price: p, round: st.Round}, nil
}

// placeOrder queues the order locally when the API cannot be reached; `tsim
// sync` replays it later with the same idempotency key.
func placeOrder(ctx context.Context, client *cl.Client, token, stockID string, action game.Action, company string, amount, price int64, round int) error {
	idem := uuid.NewString()
	command := syncq.Command{
		Method:         http.MethodPost,
		Path:           cl.OrderPath(stockID, string(action)),
		Body:           cl.OrderBody(company, amount, price, round),
		IdempotencyKey: idem,
	}
	out, err := client.Do(ctx, command.Method, command.Path, token, command.Body, idem)
	if err != nil {
		return queueOnNetworkError(err, command)
	}
	return renderOrderResult(out, action, company, amount, price)
}

func newDrawInfoCmd(apiBase *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "draw-info",
		Short: "Buy a hint about a future price",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			stockID, err := stockIDFrom(cmd, sess)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(apiBase).DrawInfo(ctx, sess.AccessToken, stockID, uuid.NewString())
			if err != nil {
				return err
			}
			return renderDraw(out)
		},
	}
	cmd.Flags().String("session", "", "session id")
	return cmd
}

func newLoanCmd(apiBase *string) *cobra.Command {
	var settle bool
	cmd := &cobra.Command{
		Use:   "loan",
		Short: "Take a loan, or repay every loan with --settle",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			stockID, err := stockIDFrom(cmd, sess)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(apiBase).Loan(ctx, sess.AccessToken, stockID, uuid.NewString(), settle)
			if err != nil {
				return err
			}
			return renderLoan(out, settle)
		},
	}
	cmd.Flags().String("session", "", "session id")
	cmd.Flags().BoolVar(&settle, "settle", false, "repay all loans")
	return cmd
}

func newRankingCmd(apiBase *string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "ranking",
		Short: "Show the leaderboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			stockID, err := stockIDFrom(cmd, sess)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(apiBase).Ranking(ctx, sess.AccessToken, stockID, force)
			if err != nil {
				return err
			}
			return renderRanking(out)
		},
	}
	cmd.Flags().String("session", "", "session id")
	cmd.Flags().BoolVar(&force, "force", false, "show a hidden ranking (admin)")
	return cmd
}

func newSyncCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay orders queued while offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			queue, err := syncq.Default()
			if err != nil {
				return err
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			rep, err := queue.Replay(ctx, func(ctx context.Context, q syncq.Command) syncq.Outcome {
				out, err := client.Do(ctx, q.Method, q.Path, sess.AccessToken, q.Body, q.IdempotencyKey)
				switch {
				case err == nil:
					printSuccess(fmt.Sprintf("Replayed %s: %v", q.IdempotencyKey, out["message"]))
					return syncq.Done
				case cl.IsOffline(err), isInFlight(err):
					printWarn(fmt.Sprintf("Still pending %s: %v", q.IdempotencyKey, err))
					return syncq.Retry
				default:
					printError(fmt.Sprintf("Rejected %s: %v", q.IdempotencyKey, err))
					return syncq.Done
				}
			})
			if err != nil {
				return err
			}
			if rep.Replayed == 0 && rep.Remaining == 0 {
				printInfo("Sync queue is empty.")
				return nil
			}
			printSuccess(fmt.Sprintf("Sync complete: replayed=%d remaining=%d", rep.Replayed, rep.Remaining))
			return nil
		},
	}
}

func newOutboxCmd(apiBase *string) *cobra.Command {
	oc := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect undeliverable events (admin)",
	}
	var limit int
	dl := &cobra.Command{
		Use:   "dead-letters",
		Short: "List events that exhausted their retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := newClient(apiBase).DeadLetters(ctx, sess.AccessToken, limit)
			if err != nil {
				return err
			}
			return renderDeadLetters(out)
		},
	}
	dl.Flags().IntVar(&limit, "limit", 50, "max rows")
	oc.AddCommand(dl)
	oc.AddCommand(&cobra.Command{
		Use:   "requeue <id>",
		Short: "Reset a dead letter to PENDING",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			if _, err := newClient(apiBase).Requeue(ctx, sess.AccessToken, args[0]); err != nil {
				return err
			}
			printSuccess("Requeued " + args[0] + ".")
			return nil
		},
	})
	return oc
}

func queueOnNetworkError(err error, command syncq.Command) error {
	if err == nil {
		return nil
	}
	if !cl.IsOffline(err) {
		return err
	}
	queue, qerr := syncq.Default()
	if qerr != nil {
		return fmt.Errorf("request failed and could not be queued: %w", err)
	}
	if qerr := queue.Push(command); qerr != nil {
		return fmt.Errorf("request failed and could not be queued: %w", err)
	}
	printWarn(fmt.Sprintf("API unreachable, order queued as %s. Run `tsim sync` later.", command.IdempotencyKey))
	return nil
}

func isInFlight(err error) bool {
	var apiErr *cl.APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict &&
		strings.Contains(apiErr.Body, string(game.TradeQueuing))
}
