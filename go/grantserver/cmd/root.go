package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.skia.org/infra/go/metrics2"
	"go.skia.org/infra/go/sklog"

	"github.com/grantline/grantline/go/config"
	"github.com/grantline/grantline/go/filter"
	"github.com/grantline/grantline/go/jobqueue"
	"github.com/grantline/grantline/go/jobqueue/sqljobqueue"
	"github.com/grantline/grantline/go/llm/gemini"
	"github.com/grantline/grantline/go/opportunitystore"
	"github.com/grantline/grantline/go/opportunitystore/sqlopportunitystore"
	"github.com/grantline/grantline/go/pipeline"
	"github.com/grantline/grantline/go/runtracker"
	"github.com/grantline/grantline/go/runtracker/sqlruntracker"
	"github.com/grantline/grantline/go/worker"
)

const maxSQLConnections = 10

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "grantserver",
	Short: "The main grantline application.",
	Long: `The main grantline application.

The different parts of the pipeline are run as sub-commands, for example
to run a job-processing worker:

	grantserver worker --config=instance_config.json

`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	workerInit()
	frontendInit()
	maintenanceInit()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// serverFlags are shared by all subcommands.
type serverFlags struct {
	ConfigFile string
	PromPort   string
}

func (f *serverFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.ConfigFile, "config", "", "Instance config file. Must be supplied.")
	flags.StringVar(&f.PromPort, "prom_port", ":20000", "Metrics service address (e.g., ':20000')")
}

// deps is everything a subcommand needs, built from the instance config.
type deps struct {
	cfg        *config.InstanceConfig
	db         *pgxpool.Pool
	queue      jobqueue.Queue
	store      opportunitystore.Store
	tracker    runtracker.Tracker
	sqlTracker *sqlruntracker.SQLRunTracker
	pipeline   *pipeline.Pipeline
	worker     *worker.Worker
}

// newDeps loads the config, connects to the database, and wires the full
// stack. The LLM client is only built when withLLM is set; maintenance does
// not need one.
func newDeps(ctx context.Context, flags serverFlags, withLLM bool) (*deps, error) {
	instanceConfig, schemaViolations, err := config.InstanceConfigFromFile(flags.ConfigFile)
	if err != nil {
		for _, v := range schemaViolations {
			sklog.Errorf("Schema violation: %s", v)
		}
		return nil, err
	}
	metrics2.InitPrometheus(flags.PromPort)

	conf, err := pgxpool.ParseConfig(instanceConfig.Database.ConnectionString)
	if err != nil {
		return nil, err
	}
	conf.MaxConns = maxSQLConnections
	db, err := pgxpool.ConnectConfig(ctx, conf)
	if err != nil {
		return nil, err
	}
	sklog.Infof("Connected to SQL database.")

	tracker := sqlruntracker.New(db)
	rv := &deps{
		cfg:        instanceConfig,
		db:         db,
		queue:      sqljobqueue.New(db),
		store:      sqlopportunitystore.New(db),
		tracker:    tracker,
		sqlTracker: tracker,
	}
	if withLLM {
		client, err := gemini.New(ctx, instanceConfig.LLM.Model, os.Getenv(instanceConfig.LLM.APIKeyEnv))
		if err != nil {
			return nil, err
		}
		rv.pipeline = pipeline.New(rv.store, client, rv.tracker)
		rv.pipeline.SetFilterConfig(filter.Config{
			ExcludeIfTwoZeros: instanceConfig.Filter.ExcludeIfTwoZeros,
			EnableLogging:     instanceConfig.Filter.EnableLogging,
		})
		rv.worker = worker.New(rv.queue, rv.store, rv.pipeline, rv.tracker, pollInterval(instanceConfig))
	}
	return rv, nil
}

func pollInterval(c *config.InstanceConfig) time.Duration {
	return time.Duration(c.Worker.PollIntervalMs) * time.Millisecond
}
