package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bountyboard/internal/app"
	"bountyboard/internal/db"
	"bountyboard/internal/domain"
	"bountyboard/internal/engine"
	"bountyboard/internal/repo"
	"bountyboard/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bb",
	Short: "Bounty board CLI",
	Long: `Crowdfunded task bounties: post a task as a draft, pay to publish it,
let anyone top up the bounty with donations, vote on posts, and pay out
the bounty to the approved solution. Payments are confirmed through the
gateway; the board never trusts client-side amounts.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BOUNTYBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "acting user identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(postCmd())
	rootCmd.AddCommand(voteCmd())
	rootCmd.AddCommand(solutionCmd())
	rootCmd.AddCommand(payoutAccountCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func postCmd() *cobra.Command {
	post := &cobra.Command{Use: "post", Short: "Manage bounty posts"}
	post.AddCommand(postCreateCmd())
	post.AddCommand(postListCmd())
	post.AddCommand(postDraftsCmd())
	post.AddCommand(postShowCmd())
	post.AddCommand(postDeleteCmd())
	return post
}

func postCreateCmd() *cobra.Command {
	var title, description string
	var price int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft post",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreatePost(ctx, viper.GetString("user-id"), title, description, price)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "post title")
	cmd.Flags().StringVar(&description, "description", "", "post description")
	cmd.Flags().Int64Var(&price, "price", 0, "bounty price in minor currency units")
	return cmd
}

func postListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List public posts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListPublicPosts(ctx, limit)
				if err != nil {
					return err
				}
				return printPosts(items)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max posts")
	return cmd
}

func postDraftsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "drafts",
		Short: "List your draft posts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListDrafts(ctx, viper.GetString("user-id"), limit)
				if err != nil {
					return err
				}
				return printPosts(items)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max posts")
	return cmd
}

func postShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <post-id>",
		Short: "Show a post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetPost(ctx, args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	return cmd
}

func postDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <post-id>",
		Short: "Delete a post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeletePost(ctx, args[0], viper.GetString("user-id"))
			})
		},
	}
	return cmd
}

func voteCmd() *cobra.Command {
	var direction string
	cmd := &cobra.Command{
		Use:   "vote <post-id>",
		Short: "Vote on a post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				outcome, err := e.Vote(ctx, args[0], viper.GetString("user-id"), direction)
				if err != nil {
					return err
				}
				return printJSON(map[string]string{"outcome": outcome})
			})
		},
	}
	cmd.Flags().StringVar(&direction, "direction", domain.VoteUp, "up or down")
	return cmd
}

func solutionCmd() *cobra.Command {
	sol := &cobra.Command{Use: "solution", Short: "Manage solutions"}
	sol.AddCommand(solutionSubmitCmd())
	sol.AddCommand(solutionListCmd())
	sol.AddCommand(solutionApproveCmd())
	return sol
}

func solutionSubmitCmd() *cobra.Command {
	var content string
	cmd := &cobra.Command{
		Use:   "submit <post-id>",
		Short: "Submit a solution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SubmitSolution(ctx, args[0], viper.GetString("user-id"), content)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "solution content")
	return cmd
}

func solutionListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list <post-id>",
		Short: "List a post's solutions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListSolutions(ctx, args[0], viper.GetString("user-id"), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Submitter", "Approved", "Created"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.SubmitterID, s.Approved, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max solutions")
	return cmd
}

func solutionApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <solution-id>",
		Short: "Approve a solution and pay out the bounty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ApproveSolution(ctx, args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	return cmd
}

func payoutAccountCmd() *cobra.Command {
	acct := &cobra.Command{Use: "payout-account", Short: "Manage payout account linkage"}
	link := &cobra.Command{
		Use:   "link <account-ref>",
		Short: "Link your gateway account reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.LinkPayoutAccount(ctx, viper.GetString("user-id"), args[0])
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	acct.AddCommand(link)
	return acct
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile <session-id>",
		Short: "Reconcile a checkout session against the gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Reconcile(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// tokenCmd mints a short-lived HS256 token for local development. Production
// tokens come from the identity provider, not from this CLI.
func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a dev JWT for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()
			secret := a.Config.Auth.JWTSecret
			if secret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured (set BOUNTYBOARD_JWT_SECRET)")
			}
			now := time.Now()
			claims := jwt.RegisteredClaims{
				Subject:   viper.GetString("user-id"),
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			}
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw := make([]byte, 32)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				key := "bb_" + hex.EncodeToString(raw)
				rec := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   viper.GetString("user-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, rec); err != nil {
					return err
				}
				// The plaintext key is shown once and never stored.
				fmt.Println(key)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	ak.AddCommand(create)
	return ak
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()
			if addr != "" {
				a.Config.Server.Addr = addr
			}
			if basePath != "" {
				a.Config.Server.BasePath = basePath
			}
			if a.Config.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is required for bearer auth (set BOUNTYBOARD_JWT_SECRET)")
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: a.Config.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:              a.Config.Auth.JWTSecret,
					AllowLegacyActorHeader: a.Config.Auth.AllowLegacyActorHeader,
				},
				WebhookSecret: a.Config.Payments.WebhookSecret,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: a.Config.Server.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving bounty board API on http://%s%s (OpenAPI at %s/openapi.json)\n",
				a.Config.Server.Addr, a.Config.Server.BasePath, a.Config.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func printPosts(items []domain.BountyPost) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Bounty", "Visibility", "Up", "Down"})
	for _, p := range items {
		tw.AppendRow(table.Row{p.ID, p.Title, p.BountyPrice, p.Visibility, p.Upvotes, p.Downvotes})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
