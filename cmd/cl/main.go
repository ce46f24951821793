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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"closeline/internal/app"
	"closeline/internal/config"
	"closeline/internal/db"
	"closeline/internal/domain"
	"closeline/internal/engine"
	"closeline/internal/migrate"
	"closeline/internal/notify"
	"closeline/internal/repo"
	"closeline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Closeline CLI",
	Long: `Closeline tracks real-estate transactions through a gated step workflow.
Core concepts:
- Workspace: your .closeline directory with the database; agency configs live in the DB.
- Transaction: one purchase or sale moving through ordered steps (intake -> offer -> ... -> closing).
- Steps: exactly one step is active; advancing is gated by the step's conditions.
- Conditions: blocking ones stop advancement, required ones need a recorded resolution,
  recommended ones never gate. Evidence (files, links, notes) backs resolutions.
- Escape hatch: a blocking condition with no evidence can only close as skipped_with_risk,
  with a written reason, and that stays on the record.
- Parties: buyers, sellers, notaries...; compliance rules react when the roster changes.
- Event log: a diary of everything, view with 'cl log tail'.`,
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
	viper.SetEnvPrefix("CLOSELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("agency", "", "agency id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("agency", rootCmd.PersistentFlags().Lookup("agency"))
}

func registerCommands() {
	rootCmd.AddCommand(txnCmd())
	rootCmd.AddCommand(partyCmd())
	rootCmd.AddCommand(condCmd())
	rootCmd.AddCommand(offerCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- transactions ---

func txnCmd() *cobra.Command {
	txn := &cobra.Command{Use: "txn", Short: "Manage transactions"}
	txn.AddCommand(txnCreateCmd())
	txn.AddCommand(txnListCmd())
	txn.AddCommand(txnShowCmd())
	txn.AddCommand(txnAdvanceCmd())
	txn.AddCommand(txnSkipCmd())
	txn.AddCommand(txnGotoCmd())
	txn.AddCommand(txnCheckCmd())
	txn.AddCommand(txnCancelCmd())
	txn.AddCommand(txnArchiveCmd())
	txn.AddCommand(txnComplianceCmd())
	return txn
}

func txnCreateCmd() *cobra.Command {
	var kind, reference string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				txn, err := e.CreateTransaction(ctx, engine.TxnCreateOptions{
					AgencyID:  e.Config.Agency.ID,
					Kind:      kind,
					Reference: reference,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(txn)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", domain.TxnKindPurchase, "purchase or sale")
	cmd.Flags().StringVar(&reference, "reference", "", "external reference (file number, MLS id)")
	return cmd
}

func txnListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListTransactions(ctx, e.Config.Agency.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Status", "Reference", "Updated"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Kind, t.Status, t.Reference, t.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func txnShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <transaction-id>",
		Short: "Show a transaction with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				txn, steps, err := e.GetTransaction(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"transaction": txn, "steps": steps})
				}
				fmt.Printf("%s (%s, %s)\n", txn.ID, txn.Kind, txn.Status)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Step", "Status", "Entered", "Completed"})
				for _, s := range steps {
					tw.AppendRow(table.Row{s.StepOrder, s.Name, s.Status, deref(s.EnteredAt), deref(s.CompletedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func txnAdvanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance <transaction-id>",
		Short: "Complete the active step and move on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				txn, err := e.AdvanceStep(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return gateError(err)
				}
				return printJSONOrTable(txn)
			})
		},
	}
	return cmd
}

func txnSkipCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skip <transaction-id>",
		Short: "Skip the active step (same gates as advance)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				txn, err := e.SkipStep(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return gateError(err)
				}
				return printJSONOrTable(txn)
			})
		},
	}
	return cmd
}

func txnGotoCmd() *cobra.Command {
	var order int
	cmd := &cobra.Command{
		Use:   "goto <transaction-id>",
		Short: "Jump directly to a step by order (bypasses gates)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				txn, err := e.GoToStep(ctx, args[0], order, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(txn)
			})
		},
	}
	cmd.Flags().IntVar(&order, "step", 0, "target step order")
	_ = cmd.MarkFlagRequired("step")
	return cmd
}

func txnCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <transaction-id>",
		Short: "Evaluate gates for the active step without advancing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.CheckStepAdvancement(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	return cmd
}

func txnCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <transaction-id>",
		Short: "Cancel a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				txn, err := e.CancelTransaction(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(txn)
			})
		},
	}
	return cmd
}

func txnArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <transaction-id>",
		Short: "Archive a completed or cancelled transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				txn, err := e.ArchiveTransaction(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(txn)
			})
		},
	}
	return cmd
}

func txnComplianceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compliance <transaction-id>",
		Short: "Aggregate compliance of rule-created conditions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ok, err := e.IsCompliant(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]bool{"compliant": ok})
			})
		},
	}
	return cmd
}

// --- parties ---

func partyCmd() *cobra.Command {
	party := &cobra.Command{Use: "party", Short: "Manage transaction parties"}
	party.AddCommand(partyAddCmd())
	party.AddCommand(partyListCmd())
	party.AddCommand(partyRemoveCmd())
	party.AddCommand(partyVerifyCmd())
	return party
}

func partyAddCmd() *cobra.Command {
	var txnID, role, name, email string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a party to a transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.AddParty(ctx, engine.PartyAddOptions{
					TransactionID: txnID,
					Role:          role,
					FullName:      name,
					Email:         email,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&txnID, "txn", "", "transaction id")
	cmd.Flags().StringVar(&role, "role", "buyer", "party role")
	cmd.Flags().StringVar(&name, "name", "", "full name")
	cmd.Flags().StringVar(&email, "email", "", "email")
	_ = cmd.MarkFlagRequired("txn")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func partyListCmd() *cobra.Command {
	var txnID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List parties",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListParties(ctx, txnID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Role", "Name", "Email"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Role, p.FullName, p.Email})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&txnID, "txn", "", "transaction id")
	_ = cmd.MarkFlagRequired("txn")
	return cmd
}

func partyRemoveCmd() *cobra.Command {
	var txnID string
	cmd := &cobra.Command{
		Use:   "remove <party-id>",
		Short: "Remove a party (archives its rule conditions)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveParty(ctx, txnID, args[0], viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&txnID, "txn", "", "transaction id")
	_ = cmd.MarkFlagRequired("txn")
	return cmd
}

func partyVerifyCmd() *cobra.Command {
	var txnID, method string
	cmd := &cobra.Command{
		Use:   "verify <party-id>",
		Short: "Record a passed identity check for a party",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.MarkIdentityVerified(ctx, txnID, args[0], method, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&txnID, "txn", "", "transaction id")
	cmd.Flags().StringVar(&method, "method", "document", "verification method")
	_ = cmd.MarkFlagRequired("txn")
	return cmd
}

// --- conditions ---

func condCmd() *cobra.Command {
	cond := &cobra.Command{Use: "cond", Short: "Manage conditions"}
	cond.AddCommand(condAddCmd())
	cond.AddCommand(condListCmd())
	cond.AddCommand(condShowCmd())
	cond.AddCommand(condResolveCmd())
	cond.AddCommand(condDeleteCmd())
	cond.AddCommand(condHistoryCmd())
	cond.AddCommand(evidenceCmd())
	return cond
}

func condAddCmd() *cobra.Command {
	var txnID, step, title, titleFR, level, condType, due string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a condition on a step",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCondition(ctx, engine.ConditionCreateOptions{
					TransactionID: txnID,
					StepSlug:      step,
					Title:         title,
					TitleFR:       titleFR,
					Level:         level,
					Type:          condType,
					DueDate:       optionalString(due),
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&txnID, "txn", "", "transaction id")
	cmd.Flags().StringVar(&step, "step", "", "step slug (defaults to the active step)")
	cmd.Flags().StringVar(&title, "title", "", "condition title")
	cmd.Flags().StringVar(&titleFR, "title-fr", "", "French title")
	cmd.Flags().StringVar(&level, "level", domain.LevelRequired, "blocking, required, or recommended")
	cmd.Flags().StringVar(&condType, "type", "", "condition type")
	cmd.Flags().StringVar(&due, "due", "", "due date (RFC3339)")
	_ = cmd.MarkFlagRequired("txn")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func condListCmd() *cobra.Command {
	var txnID string
	var includeArchived, byStep bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conditions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				if byStep {
					grouped, err := e.ConditionsGroupedByStep(ctx, txnID, actorID)
					if err != nil {
						return err
					}
					return printJSONOrTable(grouped)
				}
				items, err := e.ListConditions(ctx, txnID, actorID, includeArchived)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Level", "Status", "Due", "Archived"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Title, c.Level, conditionStatus(c), deref(c.DueDate), c.Archived})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&txnID, "txn", "", "transaction id")
	cmd.Flags().BoolVar(&includeArchived, "archived", false, "include archived conditions")
	cmd.Flags().BoolVar(&byStep, "by-step", false, "group by step order")
	_ = cmd.MarkFlagRequired("txn")
	return cmd
}

func condShowCmd() *cobra.Command {
	var txnID string
	cmd := &cobra.Command{
		Use:   "show <condition-id>",
		Short: "Show a condition with its evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, evidence, err := e.GetConditionDetail(ctx, txnID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"condition": c, "evidence": evidence})
			})
		},
	}
	cmd.Flags().StringVar(&txnID, "txn", "", "transaction id")
	_ = cmd.MarkFlagRequired("txn")
	return cmd
}

func condResolveCmd() *cobra.Command {
	var txnID, resolutionType, note, escapeReason string
	var escape bool
	cmd := &cobra.Command{
		Use:   "resolve <condition-id>",
		Short: "Resolve a condition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.ResolveCondition(ctx, txnID, args[0], resolutionType, viper.GetString("actor-id"), engine.ResolveOptions{
					Note:                note,
					EscapedWithoutProof: escape,
					EscapeReason:        escapeReason,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&txnID, "txn", "", "transaction id")
	cmd.Flags().StringVar(&resolutionType, "type", domain.ResolutionCompleted, "completed, waived, not_applicable, or skipped_with_risk")
	cmd.Flags().StringVar(&note, "note", "", "resolution note")
	cmd.Flags().BoolVar(&escape, "escape", false, "close a blocking condition without evidence")
	cmd.Flags().StringVar(&escapeReason, "reason", "", "justification for --escape")
	_ = cmd.MarkFlagRequired("txn")
	return cmd
}

func condDeleteCmd() *cobra.Command {
	var txnID string
	cmd := &cobra.Command{
		Use:   "delete <condition-id>",
		Short: "Delete a condition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteCondition(ctx, txnID, args[0], viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&txnID, "txn", "", "transaction id")
	_ = cmd.MarkFlagRequired("txn")
	return cmd
}

func condHistoryCmd() *cobra.Command {
	var txnID string
	cmd := &cobra.Command{
		Use:   "history <condition-id>",
		Short: "Audit trail of a condition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ConditionHistory(ctx, txnID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Actor", "Payload"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.TS, evt.Type, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&txnID, "txn", "", "transaction id")
	_ = cmd.MarkFlagRequired("txn")
	return cmd
}

func evidenceCmd() *cobra.Command {
	ev := &cobra.Command{Use: "evidence", Short: "Manage condition evidence"}
	ev.AddCommand(evidenceAddCmd())
	ev.AddCommand(evidenceRemoveCmd())
	return ev
}

func evidenceAddCmd() *cobra.Command {
	var txnID, condID, kind, title, url, note string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Attach evidence to a condition",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.AddEvidence(ctx, txnID, condID, engine.EvidenceOptions{
					Kind:  kind,
					Title: title,
					URL:   url,
					Note:  note,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&txnID, "txn", "", "transaction id")
	cmd.Flags().StringVar(&condID, "cond", "", "condition id")
	cmd.Flags().StringVar(&kind, "kind", "note", "file, link, or note")
	cmd.Flags().StringVar(&title, "title", "", "evidence title")
	cmd.Flags().StringVar(&url, "url", "", "link or file URL")
	cmd.Flags().StringVar(&note, "note", "", "free text")
	_ = cmd.MarkFlagRequired("txn")
	_ = cmd.MarkFlagRequired("cond")
	return cmd
}

func evidenceRemoveCmd() *cobra.Command {
	var txnID, condID string
	cmd := &cobra.Command{
		Use:   "remove <evidence-id>",
		Short: "Remove evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveEvidence(ctx, txnID, condID, args[0], viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&txnID, "txn", "", "transaction id")
	cmd.Flags().StringVar(&condID, "cond", "", "condition id")
	_ = cmd.MarkFlagRequired("txn")
	_ = cmd.MarkFlagRequired("cond")
	return cmd
}

// --- offers ---

func offerCmd() *cobra.Command {
	offer := &cobra.Command{Use: "offer", Short: "Manage offers"}
	offer.AddCommand(offerSubmitCmd())
	offer.AddCommand(offerDecideCmd())
	return offer
}

func offerSubmitCmd() *cobra.Command {
	var txnID string
	var amount int64
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an offer on a transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var amt *int64
				if cmd.Flags().Changed("amount") {
					amt = &amount
				}
				offer, err := e.SubmitOffer(ctx, txnID, amt, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(offer)
			})
		},
	}
	cmd.Flags().StringVar(&txnID, "txn", "", "transaction id")
	cmd.Flags().Int64Var(&amount, "amount", 0, "offer amount in cents")
	_ = cmd.MarkFlagRequired("txn")
	return cmd
}

func offerDecideCmd() *cobra.Command {
	var txnID, status string
	cmd := &cobra.Command{
		Use:   "decide <offer-id>",
		Short: "Accept, reject, or expire an offer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SetOfferStatus(ctx, txnID, args[0], status, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&txnID, "txn", "", "transaction id")
	cmd.Flags().StringVar(&status, "status", "accepted", "accepted, rejected, or expired")
	_ = cmd.MarkFlagRequired("txn")
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage agency config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show agency config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import agency config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			agencyID := cfg.Agency.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if agencyID == "" {
					agencyID = e.Config.Agency.ID
				}
				if err := e.Repo.UpsertAgencyConfig(ctx, agencyID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// --- api keys ---

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := make([]byte, 32)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				secret := "cl_" + hex.EncodeToString(raw)
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				// The secret is shown once and only its hash is stored.
				fmt.Printf("API key created (id=%s): %s\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

// --- log + serve ---

func logCmd() *cobra.Command {
	lc := &cobra.Command{Use: "log", Short: "Activity log"}
	lc.AddCommand(logTailCmd())
	return lc
}

func logTailCmd() *cobra.Command {
	var n int
	var txnID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, txnID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&txnID, "txn", "", "transaction filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveAgencyAndConfig(cmd.Context(), viper.GetString("agency"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("CLOSELINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CLOSELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			notify.Start(r, cfg)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Closeline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		_, cfg, err := app.ResolveAgencyAndConfig(ctx, viper.GetString("agency"), viper.GetString("actor-id"), r)
		if err != nil {
			return err
		}
		e := engine.New(r.DB, cfg)
		return fn(ctx, e)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// gateError rewrites gate failures into actionable CLI messages.
func gateError(err error) error {
	var blocked engine.BlockingConditionsError
	if errors.As(err, &blocked) {
		var titles []string
		for _, c := range blocked.Conditions {
			titles = append(titles, c.Title)
		}
		return fmt.Errorf("%s: %s", err.Error(), strings.Join(titles, "; "))
	}
	var required engine.RequiredResolutionsError
	if errors.As(err, &required) {
		var titles []string
		for _, c := range required.Conditions {
			titles = append(titles, c.Title)
		}
		return fmt.Errorf("%s: %s", err.Error(), strings.Join(titles, "; "))
	}
	return err
}

func conditionStatus(c domain.Condition) string {
	if c.ResolutionType != nil {
		return *c.ResolutionType
	}
	return c.Status
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
