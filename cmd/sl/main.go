package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"scanline/internal/app"
	"scanline/internal/config"
	"scanline/internal/db"
	"scanline/internal/engine"
	"scanline/internal/migrate"
	"scanline/internal/repo"
	"scanline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Scanline CLI",
	Long: `Scanline tracks a neuroimaging dataset from raw DICOM through BIDS
conversion to processed derivatives.
Core concepts:
- Dataset: a directory tree with a .scanline/ workspace holding the config and the sqlite store.
- Manifest: the recruitment-side list of participant visits; a session id marks an imaged visit.
- Doughnut: the curation ledger, one row per imaged participant-session (downloaded, organized, converted).
- Bagel: the processing ledger, one row per imaged participant-session per pipeline version.
- Trackers: per-pipeline checks over expected output files, rolled up into a completion status.
- Runs: pipeline invocations recorded with status, exit code and timestamps.
- Event log: diary of every change, view with 'sl log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
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
	viper.SetEnvPrefix("SCANLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("dataset", "d", "", "dataset root (default: walk up from the working directory)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "actor recorded in the event log")
	_ = viper.BindPFlag("dataset", rootCmd.PersistentFlags().Lookup("dataset"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(manifestCmd())
	rootCmd.AddCommand(doughnutCmd())
	rootCmd.AddCommand(trackCmd())
	rootCmd.AddCommand(bagelCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a dataset workspace",
		Long:  "Creates .scanline/ with the default config, the sqlite store and the standard dataset directory skeleton. Refuses to touch an already initialized dataset.",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := app.ResolveDataset(viper.GetString("dataset"))
			if err != nil {
				return err
			}
			if name == "" {
				name = filepath.Base(root)
			}
			conn, err := db.Open(db.Config{Dataset: root})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, nil, root)
			cfg, err := e.InitDataset(cmd.Context(), name, viper.GetString("actor"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{
					"dataset": cfg.Dataset.Name,
					"root":    root,
					"config":  config.Path(root),
				})
			}
			fmt.Printf("Initialized dataset %s at %s\n", cfg.Dataset.Name, root)
			fmt.Printf("Config: %s\n", config.Path(root))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "dataset name (default: directory name)")
	return cmd
}

func manifestCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "manifest",
		Short: "Inspect the participant manifest",
	}
	m.AddCommand(manifestCheckCmd())
	return m
}

func manifestCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Load and validate the manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sum, err := e.CheckManifest(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				fmt.Printf("Manifest: %s\n", sum.Path)
				fmt.Printf("Records: %d (%d imaged)\n", sum.Records, sum.Imaged)
				fmt.Printf("Participants: %d\n", sum.Participants)
				fmt.Printf("Sessions: %s\n", strings.Join(sum.Sessions, ", "))
				return nil
			})
		},
	}
	return cmd
}

func doughnutCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "doughnut",
		Short: "Manage the curation ledger",
		Long:  "The doughnut records, per imaged participant-session, whether the raw DICOMs were downloaded, organized under sourcedata, and converted to BIDS.",
	}
	d.AddCommand(doughnutUpdateCmd())
	d.AddCommand(doughnutShowCmd())
	return d
}

func doughnutUpdateCmd() *cobra.Command {
	var regenerate, empty bool
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Reconcile the doughnut against the manifest and the dataset directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.UpdateDoughnut(ctx, engine.DoughnutOptions{
					Regenerate: regenerate,
					Empty:      empty,
					Actor:      viper.GetString("actor"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Wrote {
					fmt.Printf("Wrote %s (%d rows)\n", res.Path, res.Rows)
					if res.Backup != "" {
						fmt.Printf("Backup: %s\n", res.Backup)
					}
				} else {
					fmt.Printf("No changes (%d rows)\n", res.Rows)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&regenerate, "regenerate", false, "ignore the prior ledger and probe every imaged pair")
	cmd.Flags().BoolVar(&empty, "empty", false, "write rows with every stage false, without probing")
	return cmd
}

func doughnutShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the curation ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rows, err := e.Doughnut(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Participant", "Session", "DICOM ID", "BIDS ID", "Downloaded", "Organized", "Converted"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.ParticipantID, r.SessionID, r.DicomID, r.BidsID, r.Downloaded, r.Organized, r.Converted})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func trackCmd() *cobra.Command {
	var version, runID string
	var workers int
	cmd := &cobra.Command{
		Use:   "track <pipeline>",
		Short: "Run a pipeline's completion checks and refresh the bagel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Track(ctx, engine.TrackOptions{
					Pipeline: args[0],
					Version:  version,
					RunID:    runID,
					Workers:  workers,
					Actor:    viper.GetString("actor"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Tracked %s@%s: %d subjects, %d rows in %s\n", res.Pipeline, res.Version, res.Subjects, res.Rows, res.Path)
				for status, c := range res.StatusCounts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				for _, col := range res.MissingChecks {
					fmt.Printf("warning: no check registered for column %s\n", col)
				}
				if !res.Wrote {
					fmt.Println("No changes")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "pipeline version")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id recorded in the bagel")
	cmd.Flags().IntVar(&workers, "workers", 0, "parallel check workers (0 = one per CPU)")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func bagelCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "bagel",
		Short: "Inspect the processing ledger",
	}
	b.AddCommand(bagelShowCmd())
	return b
}

func bagelShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the processing ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rows, cols, err := e.Bagel(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"columns": cols, "rows": rows})
				}
				header := table.Row{"Participant", "Session", "Pipeline", "Version"}
				for _, col := range cols {
					header = append(header, col)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(header)
				for _, r := range rows {
					row := table.Row{r.ParticipantID, r.SessionID, r.PipelineName, r.PipelineVersion}
					for _, col := range cols {
						row = append(row, string(r.Statuses[col]))
					}
					tw.AppendRow(row)
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the dataset status overview",
		Long:  "See the scoreboard for your dataset: manifest shape, doughnut stage counts, and per-pipeline completion counts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sum, err := e.Summary(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				fmt.Printf("Dataset: %s (%s)\n", sum.Name, sum.Root)
				fmt.Printf("Manifest: %d records, %d imaged, %d participants\n", sum.Manifest.Records, sum.Manifest.Imaged, sum.Manifest.Participants)
				fmt.Printf("Doughnut: %d rows (downloaded %d, organized %d, converted %d)\n", sum.Doughnut.Rows, sum.Doughnut.Downloaded, sum.Doughnut.Organized, sum.Doughnut.Converted)
				if len(sum.Pipelines) == 0 {
					fmt.Println("Pipelines: none tracked")
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Pipeline", "Version", "Subjects", "SUCCESS", "FAIL", "INCOMPLETE", "UNAVAILABLE"})
				for _, p := range sum.Pipelines {
					tw.AppendRow(table.Row{
						p.Name, p.Version, p.Subjects,
						p.Counts["SUCCESS"], p.Counts["FAIL"], p.Counts["INCOMPLETE"], p.Counts["UNAVAILABLE"],
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	var version, participant, session string
	cmd := &cobra.Command{
		Use:   "run <pipeline>",
		Short: "Run a configured pipeline per imaged participant-session",
		Long:  "Launches the pipeline's configured command once per matching imaged participant-session pair. A failing subject is recorded and the batch continues.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RunPipeline(ctx, engine.RunOptions{
					Pipeline:    args[0],
					Version:     version,
					Participant: participant,
					Session:     session,
					Actor:       viper.GetString("actor"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				for _, run := range res.Runs {
					fmt.Printf("%s %s/%s: %s\n", run.ID, run.ParticipantID, run.SessionID, run.Status)
				}
				fmt.Printf("Ran %s@%s: %d succeeded, %d failed\n", args[0], version, res.Succeeded, res.Failed)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "pipeline version")
	cmd.Flags().StringVar(&participant, "participant", "", "restrict to one participant id")
	cmd.Flags().StringVar(&session, "session", "", "restrict to one session id")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func runsCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "runs",
		Short: "Inspect pipeline runs",
	}
	r.AddCommand(runsListCmd())
	return r
}

func runsListCmd() *cobra.Command {
	var f repo.RunFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runs, err := e.Repo.ListRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Pipeline", "Version", "Participant", "Session", "Status", "Started", "Finished"})
				for _, run := range runs {
					finished := ""
					if run.FinishedAt != nil {
						finished = *run.FinishedAt
					}
					tw.AppendRow(table.Row{run.ID, run.PipelineName, run.PipelineVersion, run.ParticipantID, run.SessionID, run.Status, run.StartedAt, finished})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Pipeline, "pipeline", "", "pipeline name filter")
	cmd.Flags().StringVar(&f.Version, "version", "", "pipeline version filter")
	cmd.Flags().StringVar(&f.ParticipantID, "participant", "", "participant filter")
	cmd.Flags().StringVar(&f.SessionID, "session", "", "session filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (running, succeeded, failed)")
	cmd.Flags().IntVar(&f.Limit, "n", 50, "number of runs")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: ledger writes, no-ops, run lifecycle, dataset init.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
				for _, evt := range events {
					entity := evt.EntityKind
					if evt.EntityID != "" {
						entity += "/" + evt.EntityID
					}
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, entity, evt.Actor})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := app.ResolveConfig(viper.GetString("dataset"))
			if err != nil {
				return err
			}
			secret := os.Getenv("SCANLINE_JWT_SECRET")
			if secret == "" {
				secret = cfg.API.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("no JWT secret configured; set api.jwt_secret or SCANLINE_JWT_SECRET")
			}
			tok, err := server.IssueToken(secret, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{
					"token":      tok,
					"subject":    subject,
					"expires_at": time.Now().Add(ttl).UTC().Format(time.RFC3339),
				})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, recorded as the actor on API writes")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, cfg, err := app.ResolveConfig(viper.GetString("dataset"))
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Dataset: root})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, cfg, root)
			secret := os.Getenv("SCANLINE_JWT_SECRET")
			if secret == "" {
				secret = cfg.API.JWTSecret
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: server.AuthConfig{JWTSecret: secret}})
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.API.Addr
			}
			if addr == "" {
				addr = "127.0.0.1:8080"
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			if secret == "" {
				fmt.Println("warning: no JWT secret configured, API is open")
			}
			fmt.Printf("Serving Scanline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: api.addr from config, else 127.0.0.1:8080)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	root, cfg, err := app.ResolveConfig(viper.GetString("dataset"))
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Dataset: root})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg, root))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
