package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/user"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mirajehossain/mongomigratex/internal/applier"
	"github.com/mirajehossain/mongomigratex/internal/config"
	"github.com/mirajehossain/mongomigratex/internal/db"
	"github.com/mirajehossain/mongomigratex/internal/lock"
	"github.com/mirajehossain/mongomigratex/internal/logger"
	"github.com/mirajehossain/mongomigratex/internal/metrics"
	"github.com/mirajehossain/mongomigratex/internal/migrator"
)

type globalFlags struct {
	configPath      string
	dir             string
	subdir          string
	mongoURI        string
	stateBackend    string
	stateDSN        string
	lockBackend     string
	redisAddr       string
	appliedBy       string
	metricsTextfile string

	json          bool
	dryRun        bool
	verbose       bool
	transactional bool

	operationTimeout time.Duration
	lockTTL          time.Duration
	parallelism      int
}

type app struct {
	stdout io.Writer
	stderr io.Writer

	flags   globalFlags
	cfg     *config.Config
	log     *zap.Logger
	metrics *metrics.Collector

	// connect wires the runner to its backends. The returned func releases
	// them.
	connect func(ctx context.Context) (*migrator.Runner, func(), error)
}

func newApp(stdout, stderr io.Writer) *app {
	a := &app{stdout: stdout, stderr: stderr, log: zap.NewNop()}
	a.connect = a.open
	return a
}

func (a *app) rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Schema migrations for MongoDB namespaces",
		Long: `Apply, revert and inspect versioned MongoDB migrations.

Each directory under --dir is a namespace with its own version history.
Files are named <version>_<description>.<up|down>.<js|json|yaml|yml> and hold
a list of database commands.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error { return a.setup(cmd) },
	}

	f := cmd.PersistentFlags()
	f.StringVar(&a.flags.configPath, "config", "", "Optional YAML config path")
	f.StringVar(&a.flags.dir, "dir", "", "Migrations root directory (or MIGRATIONS_DIR, default ./migrations)")
	f.StringVar(&a.flags.subdir, "subdir", "", "Directory inside each namespace holding its files, e.g. schema")
	f.StringVar(&a.flags.mongoURI, "mongo-uri", "", "MongoDB connection string (or MONGO_URI)")
	f.StringVar(&a.flags.stateBackend, "state-backend", "", "Where records are kept: mongo or mysql")
	f.StringVar(&a.flags.stateDSN, "state-dsn", "", "MySQL DSN for the mysql state backend (or STATE_DSN)")
	f.StringVar(&a.flags.lockBackend, "lock-backend", "", "Lease backend: state or redis")
	f.StringVar(&a.flags.redisAddr, "redis-addr", "", "Redis address for the redis lock backend")
	f.StringVar(&a.flags.appliedBy, "applied-by", "", "Override applied_by value")
	f.StringVar(&a.flags.metricsTextfile, "metrics-textfile", "", "Write Prometheus metrics to this file on exit")
	f.BoolVar(&a.flags.json, "json", false, "JSON logs and output")
	f.BoolVar(&a.flags.dryRun, "dry-run", false, "Plan only; do not execute")
	f.BoolVar(&a.flags.verbose, "verbose", false, "Verbose per-operation logs")
	f.BoolVar(&a.flags.transactional, "transactional", false, "Run each unit and its record in one transaction (replica set required)")
	f.DurationVar(&a.flags.operationTimeout, "operation-timeout", 0, "Timeout per operation (default 60s, or OPERATION_TIMEOUT_SEC)")
	f.DurationVar(&a.flags.lockTTL, "lock-ttl", 0, "Lease lifetime (default 10m, or LOCK_TTL_SEC)")
	f.IntVar(&a.flags.parallelism, "parallelism", 0, "Namespaces migrated at once when no --namespace is given")

	cmd.AddCommand(
		a.upCommand(),
		a.downCommand(),
		a.statusCommand(),
		a.resolveCommand(),
		a.createCommand(),
		a.namespacesCommand(),
	)
	return cmd
}

// setup resolves the configuration: defaults, then the YAML file, then the
// environment, then flags given on the command line.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.LoadYAML(a.flags.configPath)
	if err != nil {
		return err
	}
	cfg = config.MergeEnv(cfg)
	a.applyFlags(cmd, cfg)
	a.cfg = cfg
	a.log = logger.New(a.stderr, logger.Config{JSON: cfg.JSON, Level: logger.LevelFor(cfg.Verbose)})
	if cfg.MetricsTextfile != "" {
		a.metrics = metrics.NewCollector()
	}
	return nil
}

func (a *app) applyFlags(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	str := []struct {
		flag string
		src  string
		dst  *string
	}{
		{"dir", a.flags.dir, &cfg.Dir},
		{"subdir", a.flags.subdir, &cfg.Subdir},
		{"mongo-uri", a.flags.mongoURI, &cfg.MongoURI},
		{"state-backend", a.flags.stateBackend, &cfg.StateBackend},
		{"state-dsn", a.flags.stateDSN, &cfg.StateDSN},
		{"lock-backend", a.flags.lockBackend, &cfg.LockBackend},
		{"redis-addr", a.flags.redisAddr, &cfg.RedisAddr},
		{"applied-by", a.flags.appliedBy, &cfg.AppliedBy},
		{"metrics-textfile", a.flags.metricsTextfile, &cfg.MetricsTextfile},
	}
	for _, s := range str {
		if changed(s.flag) {
			*s.dst = s.src
		}
	}
	if changed("json") {
		cfg.JSON = a.flags.json
	}
	if changed("dry-run") {
		cfg.DryRun = a.flags.dryRun
	}
	if changed("verbose") {
		cfg.Verbose = a.flags.verbose
	}
	if changed("transactional") {
		cfg.Transactional = a.flags.transactional
	}
	if changed("operation-timeout") {
		cfg.SetOperationTimeout(a.flags.operationTimeout)
	}
	if changed("lock-ttl") {
		cfg.SetLockTTL(a.flags.lockTTL)
	}
	if changed("parallelism") {
		cfg.Parallelism = a.flags.parallelism
	}
	if cfg.AppliedBy == "" {
		cfg.AppliedBy = defaultAppliedBy()
	}
}

func defaultAppliedBy() string {
	u, err := user.Current()
	if err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

func (a *app) source() *migrator.Source {
	return &migrator.Source{
		FS:          os.DirFS(a.cfg.Dir),
		Subdir:      a.cfg.Subdir,
		RequireDown: a.cfg.RequireDown,
	}
}

// open connects to MongoDB and the configured state and lock backends.
func (a *app) open(ctx context.Context) (*migrator.Runner, func(), error) {
	cfg := a.cfg
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*migrator.Runner, func(), error) {
		cleanup()
		return nil, nil, err
	}

	client, err := db.ConnectMongo(ctx, cfg.MongoURI)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() { _ = client.Disconnect(context.Background()) })

	var (
		store  migrator.Store
		locker lock.Locker
	)
	switch cfg.StateBackend {
	case config.BackendMongo:
		s := db.NewMongoStore(client, cfg.StateDatabase, cfg.StateCollection)
		if err := s.EnsureIndexes(ctx); err != nil {
			return fail(fmt.Errorf("ensure state indexes: %w", err))
		}
		store = s
		locker = lock.NewMongo(client.Database(cfg.StateDatabase).Collection(cfg.StateCollection+"_lock"), clock.New())
	case config.BackendMySQL:
		sqlDB, err := db.OpenMySQL(cfg.StateDSN)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = sqlDB.Close() })
		s := db.NewMySQLStore(sqlDB, cfg.StateCollection)
		if err := s.EnsureTable(ctx); err != nil {
			return fail(fmt.Errorf("ensure state table: %w", err))
		}
		store = s
		locker = lock.NewMySQL(sqlDB)
	}
	if cfg.LockBackend == config.LockRedis {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		closers = append(closers, func() { _ = rc.Close() })
		locker = lock.NewRedis(rc)
	}

	r := &migrator.Runner{
		Source: a.source(),
		Store:  store,
		Locker: locker,
		Appliers: func(ns string) (migrator.Registry, error) {
			reg := migrator.Registry{}
			applier.Register(reg, client.Database(cfg.DatabaseFor(ns)))
			return reg, nil
		},
		LockScope:        cfg.StateCollection,
		LockTTL:          cfg.LockTTL(),
		OperationTimeout: cfg.OperationTimeout(),
		AppliedBy:        cfg.AppliedBy,
		Transactional:    cfg.Transactional,
		DryRun:           cfg.DryRun,
		Parallelism:      cfg.Parallelism,
		Log:              a.log,
	}
	return r, cleanup, nil
}

func (a *app) writeMetrics() error {
	if a.metrics == nil || a.cfg == nil {
		return nil
	}
	return a.metrics.WriteTextfile(a.cfg.MetricsTextfile)
}
