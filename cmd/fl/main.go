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

	"flockline/internal/app"
	"flockline/internal/config"
	"flockline/internal/db"
	"flockline/internal/domain"
	"flockline/internal/engine"
	"flockline/internal/migrate"
	"flockline/internal/repo"
	"flockline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Flockline CLI",
	Long: `Flockline tracks how people move through engagement journeys.
Core concepts:
- Workspace: your .flockline directory holding only the database; configs live in the DB and are imported explicitly.
- Organization: the tenant that owns journeys, people, and history.
- Journey: a pipeline of ordered stages. Every journey keeps an entry stage at position 0 where newcomers land.
- Stage: a column on the board. Rename, add, and reorder freely; the entry stage stays first and cannot be deleted.
- Person: a visitor or member. They sit on exactly one stage of their journey; moving them records history.
- History: the audit diary of every move, view with 'fl log tail'.`,
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
	viper.SetEnvPrefix("FLOCKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("org", "", "organization id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
}

func registerCommands() {
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(journeyCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(personCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Manage organizations"}
	org.AddCommand(orgListCmd())
	org.AddCommand(orgConfigCmd())
	return org
}

func orgListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List organizations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListOrgs(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func orgConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage org config",
	}
	cfg.AddCommand(orgConfigShowCmd())
	cfg.AddCommand(orgConfigImportCmd())
	cfg.AddCommand(orgConfigInitCmd())
	return cfg
}

func orgConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show org config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, org domain.OrgContext) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func orgConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import org config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, org domain.OrgContext) error {
				orgID := cfg.Org.ID
				if orgID == "" {
					orgID = org.OrgID
				}
				if err := e.Repo.UpsertOrgConfig(ctx, orgID, cfg); err != nil {
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

func orgConfigInitCmd() *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Print a default org config YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if orgID == "" {
				return fmt.Errorf("--id required")
			}
			fmt.Print(config.GenerateDefault(orgID))
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "id", "", "organization id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func journeyCmd() *cobra.Command {
	j := &cobra.Command{
		Use:   "journey",
		Short: "Manage journeys",
		Long:  "Journeys are pipelines of ordered stages. Creating one also creates its entry stage, where new people land.",
	}
	j.AddCommand(journeyCreateCmd())
	j.AddCommand(journeyListCmd())
	j.AddCommand(journeyShowCmd())
	j.AddCommand(journeyDeleteCmd())
	j.AddCommand(journeyStatusCmd())
	return j
}

func journeyCreateCmd() *cobra.Command {
	var title, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a journey",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, org domain.OrgContext) error {
				j, err := e.CreateJourney(ctx, org, title, desc)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "journey title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func journeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List journeys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, org domain.OrgContext) error {
				items, err := e.Repo.ListJourneys(ctx, org.OrgID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Created"})
				for _, j := range items {
					tw.AppendRow(table.Row{j.ID, j.Title, j.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func journeyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a journey and its stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, org domain.OrgContext) error {
				j, err := e.Repo.GetJourney(ctx, args[0])
				if err != nil {
					return err
				}
				stages, err := e.Repo.ListStages(ctx, j.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"journey": j, "stages": stages})
			})
		},
	}
	return cmd
}

func journeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a journey, its stages, and detach its members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, org domain.OrgContext) error {
				return e.DeleteJourney(ctx, org, args[0])
			})
		},
	}
	return cmd
}

func journeyStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show per-stage people counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, org domain.OrgContext) error {
				view, err := e.Board(ctx, org, args[0])
				if err != nil {
					return err
				}
				counts := map[string]int{}
				total := 0
				for _, s := range view.Stages {
					n := len(view.PeopleByStage[s.ID])
					counts[s.Title] = n
					total += n
				}
				out := map[string]any{
					"journey_id":   view.Journey.ID,
					"title":        view.Journey.Title,
					"stage_counts": counts,
					"people":       total,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Journey: %s (%s)\n", view.Journey.Title, view.Journey.ID)
				for _, s := range view.Stages {
					fmt.Printf("  %s: %d\n", s.Title, counts[s.Title])
				}
				fmt.Printf("Total active people: %d\n", total)
				return nil
			})
		},
	}
	return cmd
}

func stageCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "stage",
		Short: "Manage stages",
		Long:  "Stages are the board columns. The entry stage stays at position 0; deleting a stage moves its people back to the entry stage.",
	}
	s.AddCommand(stageAddCmd())
	s.AddCommand(stageListCmd())
	s.AddCommand(stageRenameCmd())
	s.AddCommand(stageReorderCmd())
	s.AddCommand(stageDeleteCmd())
	return s
}

func stageAddCmd() *cobra.Command {
	var journeyID, title string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append a stage to a journey",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, org domain.OrgContext) error {
				s, err := e.AddStage(ctx, org, journeyID, title)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&journeyID, "journey", "", "journey id")
	cmd.Flags().StringVar(&title, "title", "", "stage title")
	_ = cmd.MarkFlagRequired("journey")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func stageListCmd() *cobra.Command {
	var journeyID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stages of a journey",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, org domain.OrgContext) error {
				items, err := e.Repo.ListStages(ctx, journeyID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Pos", "ID", "Title"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.Position, s.ID, s.Title})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&journeyID, "journey", "", "journey id")
	_ = cmd.MarkFlagRequired("journey")
	return cmd
}

func stageRenameCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "rename <id>",
		Short: "Rename a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, org domain.OrgContext) error {
				if err := e.RenameStage(ctx, org, args[0], title); err != nil {
					return err
				}
				s, err := e.Repo.GetStage(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func stageReorderCmd() *cobra.Command {
	var journeyID string
	var order []string
	cmd := &cobra.Command{
		Use:   "reorder",
		Short: "Reorder a journey's stages",
		Long:  "Pass every stage id in the desired order. An order that would displace the entry stage from the front is ignored.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, org domain.OrgContext) error {
				if err := e.ReorderStages(ctx, org, journeyID, order); err != nil {
					return err
				}
				items, err := e.Repo.ListStages(ctx, journeyID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&journeyID, "journey", "", "journey id")
	cmd.Flags().StringSliceVar(&order, "order", nil, "comma-separated stage ids, entry stage first")
	_ = cmd.MarkFlagRequired("journey")
	_ = cmd.MarkFlagRequired("order")
	return cmd
}

func stageDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a stage, moving its people to the entry stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, org domain.OrgContext) error {
				return e.DeleteStage(ctx, org, args[0])
			})
		},
	}
	return cmd
}

func personCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "person",
		Short: "Manage people",
		Long:  "People sit on one stage of one journey. Moving them records a history event; archiving hides them from the board without deleting anything.",
	}
	p.AddCommand(personCreateCmd())
	p.AddCommand(personListCmd())
	p.AddCommand(personGetCmd())
	p.AddCommand(personMoveCmd())
	p.AddCommand(personSetJourneyCmd())
	p.AddCommand(personArchiveCmd())
	p.AddCommand(personRestoreCmd())
	return p
}

func personCreateCmd() *cobra.Command {
	var name, journeyID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a person",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, org domain.OrgContext) error {
				p, err := e.CreatePerson(ctx, org, name, journeyID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "person name")
	cmd.Flags().StringVar(&journeyID, "journey", "", "journey id (optional; lands on its entry stage)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func personListCmd() *cobra.Command {
	var journeyID, stageID string
	var includeArchived bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List people",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, org domain.OrgContext) error {
				items, err := e.Repo.ListPeople(ctx, repo.PersonFilters{
					OrgID:           org.OrgID,
					JourneyID:       journeyID,
					StageID:         stageID,
					IncludeArchived: includeArchived,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Journey", "Stage", "Archived"})
				for _, p := range items {
					journey := ""
					if p.JourneyID != nil {
						journey = *p.JourneyID
					}
					stage := ""
					if p.StageID != nil {
						stage = *p.StageID
					}
					tw.AppendRow(table.Row{p.ID, p.Name, journey, stage, p.Archived})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&journeyID, "journey", "", "journey filter")
	cmd.Flags().StringVar(&stageID, "stage", "", "stage filter")
	cmd.Flags().BoolVar(&includeArchived, "archived", false, "include archived people")
	return cmd
}

func personGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a person",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, org domain.OrgContext) error {
				p, err := e.Repo.GetPerson(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func personMoveCmd() *cobra.Command {
	var stageID string
	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Move a person to a stage of their journey",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, org domain.OrgContext) error {
				p, err := e.SetStage(ctx, org, args[0], stageID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "target stage id")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func personSetJourneyCmd() *cobra.Command {
	var journeyID string
	cmd := &cobra.Command{
		Use:   "set-journey <id>",
		Short: "Move a person to another journey's entry stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, org domain.OrgContext) error {
				p, err := e.SetJourney(ctx, org, args[0], journeyID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&journeyID, "journey", "", "target journey id")
	_ = cmd.MarkFlagRequired("journey")
	return cmd
}

func personArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a person",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, org domain.OrgContext) error {
				return e.SetArchived(ctx, org, args[0], true)
			})
		},
	}
	return cmd
}

func personRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <id>",
		Short: "Restore an archived person",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, org domain.OrgContext) error {
				return e.SetArchived(ctx, org, args[0], false)
			})
		},
	}
	return cmd
}

func boardCmd() *cobra.Command {
	var journeyID string
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Render a journey board",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, org domain.OrgContext) error {
				view, err := e.Board(ctx, org, journeyID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				header := table.Row{}
				rows := 0
				for _, s := range view.Stages {
					header = append(header, fmt.Sprintf("%s (%d)", s.Title, len(view.PeopleByStage[s.ID])))
					if n := len(view.PeopleByStage[s.ID]); n > rows {
						rows = n
					}
				}
				tw.AppendHeader(header)
				for i := 0; i < rows; i++ {
					row := table.Row{}
					for _, s := range view.Stages {
						people := view.PeopleByStage[s.ID]
						if i < len(people) {
							row = append(row, people[i].Name)
						} else {
							row = append(row, "")
						}
					}
					tw.AppendRow(row)
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&journeyID, "journey", "", "journey id")
	_ = cmd.MarkFlagRequired("journey")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "History log",
		Long:  "The diary of pipeline changes: stage moves, journey switches, archives, and more.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var personID, action string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail history events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, org domain.OrgContext) error {
				events, err := e.Repo.ListHistory(ctx, repo.HistoryFilters{
					OrgID:    org.OrgID,
					PersonID: personID,
					Action:   action,
					Limit:    n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "When", "Action", "Person", "Before", "After", "Actor"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.CreatedAt, ev.Action, ev.PersonID, ev.Before, ev.After, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&personID, "person", "", "person filter")
	cmd.Flags().StringVar(&action, "action", "", "action filter")
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "RBAC management",
	}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, org domain.OrgContext) error {
				who, err := e.WhoAmI(ctx, org, org.ActorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	}
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, org domain.OrgContext) error {
				return e.GrantRole(ctx, org, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, org domain.OrgContext) error {
				return e.RevokeRole(ctx, org, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "API keys",
	}
	cmd.AddCommand(apikeyCreateCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key; the raw key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, org domain.OrgContext) error {
				key, raw, err := e.CreateAPIKey(ctx, org, actor, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      raw,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
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
			_, cfg, err := app.ResolveOrg(cmd.Context(), viper.GetString("org"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("FLOCKLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("FLOCKLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Flockline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, domain.OrgContext) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	orgID, cfg, err := app.ResolveOrg(ctx, viper.GetString("org"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	org := domain.OrgContext{OrgID: orgID, ActorID: viper.GetString("actor-id")}
	return fn(ctx, e, org)
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
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
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
