package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taxline/internal/app"
	"taxline/internal/config"
	"taxline/internal/db"
	"taxline/internal/engine"
	"taxline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Taxline CLI",
	Long: `Taxline drives tax-advisory agreements from draft to completed strategy.
Core concepts:
- Workspace: your .taxline directory holding the database; taxline.yml holds provider secrets.
- Agreement: one client engagement; it walks DRAFT -> PENDING_SIGNATURE -> PENDING_PAYMENT ->
  PENDING_TODOS_COMPLETION -> PENDING_STRATEGY -> PENDING_STRATEGY_REVIEW -> COMPLETED.
- Envelope / checkout: the e-signature and payment sessions opened with external providers;
  their webhooks move the agreement forward (tl serve exposes the endpoints).
- Todos: the client's onboarding checklist, gated before strategy work starts.
- Strategy review: compliance approves first, then the client; a rejection sends the
  strategist back to the drawing board.
- Event log: diary of changes, view with 'tl log tail'.`,
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
	viper.SetEnvPrefix("TAXLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(agreementCmd())
	rootCmd.AddCommand(todoCmd())
	rootCmd.AddCommand(documentCmd())
	rootCmd.AddCommand(strategyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(deliveriesCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default taxline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func agreementCmd() *cobra.Command {
	agr := &cobra.Command{Use: "agreement", Short: "Manage agreements"}
	agr.AddCommand(agreementCreateCmd())
	agr.AddCommand(agreementListCmd())
	agr.AddCommand(agreementShowCmd())
	agr.AddCommand(agreementStatusCmd())
	agr.AddCommand(agreementEnvelopeCmd())
	agr.AddCommand(agreementCheckoutCmd())
	agr.AddCommand(agreementAdvanceCmd())
	agr.AddCommand(agreementCancelCmd())
	return agr
}

func agreementCreateCmd() *cobra.Command {
	var clientID, strategistID, desc, contractName string
	var todoLabels []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create agreement",
		RunE: func(cmd *cobra.Command, args []string) error {
			if clientID == "" {
				return fmt.Errorf("--client required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if strategistID == "" {
					strategistID = viper.GetString("actor-id")
				}
				a, err := e.CreateAgreement(ctx, engine.CreateAgreementInput{
					ClientID:     clientID,
					StrategistID: strategistID,
					Description:  desc,
					ContractName: contractName,
					TodoLabels:   todoLabels,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "client id")
	cmd.Flags().StringVar(&strategistID, "strategist", "", "strategist id (defaults to --actor-id)")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&contractName, "contract-name", "", "contract document name")
	cmd.Flags().StringSliceVar(&todoLabels, "todo", nil, "onboarding todo label (repeatable)")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func agreementListCmd() *cobra.Command {
	var f repo.AgreementFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agreements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAgreements(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Client", "Strategist", "Status", "Version", "Created"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.ClientID, a.StrategistID, a.Status, a.Version, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ClientID, "client", "", "client filter")
	cmd.Flags().StringVar(&f.StrategistID, "strategist", "", "strategist filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func agreementShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAgreement(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func agreementStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show the client-facing status of an agreement",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAgreement(ctx, args[0])
				if err != nil {
					return err
				}
				clientStatus, err := e.ClientStatus(ctx, a)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"agreement_id":  a.ID,
					"status":        a.Status,
					"client_status": clientStatus,
				})
			})
		},
		Args: cobra.ExactArgs(1),
	}
	return cmd
}

func agreementEnvelopeCmd() *cobra.Command {
	var envelopeID string
	cmd := &cobra.Command{
		Use:   "envelope <id>",
		Short: "Record the e-signature envelope and send the contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if envelopeID == "" {
				return fmt.Errorf("--envelope required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SendEnvelope(ctx, args[0], envelopeID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&envelopeID, "envelope", "", "provider envelope id")
	_ = cmd.MarkFlagRequired("envelope")
	return cmd
}

func agreementCheckoutCmd() *cobra.Command {
	var checkoutID, currency string
	var amountCents int64
	cmd := &cobra.Command{
		Use:   "checkout <id>",
		Short: "Record the payment checkout session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if checkoutID == "" {
				return fmt.Errorf("--checkout required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCheckout(ctx, args[0], checkoutID, amountCents, currency, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&checkoutID, "checkout", "", "provider checkout id")
	cmd.Flags().Int64Var(&amountCents, "amount-cents", 0, "amount in cents")
	cmd.Flags().StringVar(&currency, "currency", "usd", "currency")
	_ = cmd.MarkFlagRequired("checkout")
	return cmd
}

func agreementAdvanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance <id>",
		Short: "Advance past the todos phase once the checklist is done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AdvanceTodos(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func agreementCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Cancel(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func todoCmd() *cobra.Command {
	todo := &cobra.Command{Use: "todo", Short: "Onboarding todos"}
	todo.AddCommand(todoListCmd())
	todo.AddCommand(todoCompleteCmd())
	return todo
}

func todoListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <agreement-id>",
		Short: "List todo lists for an agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				lists, err := e.Repo.ListAgreementTodoLists(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(lists)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"List", "Todo", "Label", "Status"})
				for _, l := range lists {
					for _, t := range l.Todos {
						tw.AppendRow(table.Row{l.Title, t.ID, t.Label, t.Status})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func todoCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <todo-id>",
		Short: "Complete a todo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CompleteTodo(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func documentCmd() *cobra.Command {
	doc := &cobra.Command{Use: "document", Short: "Agreement documents"}
	doc.AddCommand(documentListCmd())
	doc.AddCommand(documentAcceptCmd())
	return doc
}

func documentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <agreement-id>",
		Short: "List documents for an agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				docs, err := e.Repo.ListAgreementDocuments(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(docs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Signature", "Acceptance"})
				for _, d := range docs {
					acceptance := ""
					if d.AcceptanceStatus != nil {
						acceptance = *d.AcceptanceStatus
					}
					tw.AppendRow(table.Row{d.ID, d.Name, d.Type, d.SignatureStatus, acceptance})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func documentAcceptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accept <document-id>",
		Short: "Accept an uploaded document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.AcceptUpload(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func strategyCmd() *cobra.Command {
	str := &cobra.Command{Use: "strategy", Short: "Strategy review"}
	str.AddCommand(strategyAttachCmd())
	str.AddCommand(strategyApproveComplianceCmd())
	str.AddCommand(strategyApproveClientCmd())
	str.AddCommand(strategyRejectCmd())
	return str
}

func strategyAttachCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "attach <agreement-id>",
		Short: "Attach the strategy document and request compliance review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.AttachStrategyDocument(ctx, args[0], name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "strategy document name")
	return cmd
}

func strategyApproveComplianceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve-compliance <agreement-id>",
		Short: "Record compliance approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.ApproveCompliance(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func strategyApproveClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve-client <agreement-id>",
		Short: "Record client approval and complete the agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.ApproveClient(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func strategyRejectCmd() *cobra.Command {
	var reviewer, reason string
	cmd := &cobra.Command{
		Use:   "reject <agreement-id>",
		Short: "Reject the strategy and send it back to the strategist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RejectStrategy(ctx, args[0], reviewer, reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reviewer, "reviewer", engine.ReviewerCompliance, "reviewer (compliance or client)")
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var agreementID, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, agreementID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&agreementID, "agreement", "", "agreement filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func deliveriesCmd() *cobra.Command {
	var f repo.DeliveryFilters
	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "Received webhook deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.Limit <= 0 {
					f.Limit = 50
				}
				items, err := e.Repo.ListWebhookDeliveries(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Provider", "Type", "External ID", "Agreement", "Received"})
				for _, d := range items {
					agreement := ""
					if d.AgreementID != nil {
						agreement = *d.AgreementID
					}
					tw.AppendRow(table.Row{d.ID, d.Provider, d.EventType, d.ExternalID, agreement, d.ReceivedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Provider, "provider", "", "provider filter (esign, payment)")
	cmd.Flags().BoolVar(&f.Uncorrelated, "uncorrelated", false, "only deliveries with no matching agreement")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			if secret := os.Getenv("TAXLINE_JWT_SECRET"); secret != "" {
				a.Config.Auth.JWTSecret = secret
			}
			handler, err := a.Handler()
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Taxline API on http://%s/v0 (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	a, err := app.Open(workspace)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
