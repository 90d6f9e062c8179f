package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/pipestream-io/pipestream/internal/config"
	"github.com/pipestream-io/pipestream/internal/connector"
	_ "github.com/pipestream-io/pipestream/internal/connector/apiconn"
	"github.com/pipestream-io/pipestream/internal/connector/sqlconn"
	"github.com/pipestream-io/pipestream/internal/dataset"
	"github.com/pipestream-io/pipestream/internal/logging"
	"github.com/pipestream-io/pipestream/internal/notify"
	"github.com/pipestream-io/pipestream/internal/pipe"
	"github.com/pipestream-io/pipestream/internal/pool"
	"github.com/pipestream-io/pipestream/internal/progress"
	"github.com/pipestream-io/pipestream/internal/secrets"
	"github.com/pipestream-io/pipestream/internal/util"
	"github.com/pipestream-io/pipestream/internal/version"
)

// pipeFlags identify the pipe a command operates on.
var pipeFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "connector-keys",
		Aliases:  []string{"C"},
		Usage:    "Source connector keys, type:label",
		Required: true,
	},
	&cli.StringFlag{
		Name:     "metric-key",
		Aliases:  []string{"m"},
		Usage:    "Metric key",
		Required: true,
	},
	&cli.StringFlag{
		Name:    "location-key",
		Aliases: []string{"l"},
		Usage:   "Location key (omit for no location)",
	},
}

var boundsFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "begin",
		Usage: "Lower datetime bound (RFC 3339 or YYYY-MM-DD)",
	},
	&cli.StringFlag{
		Name:  "end",
		Usage: "Upper datetime bound",
	},
}

func main() {
	app := &cli.App{
		Name:    version.Name,
		Usage:   version.Description,
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file (defaults to a local sqlite instance)",
			},
			&cli.StringFlag{
				Name:    "instance",
				Aliases: []string{"i"},
				Usage:   "Instance connector keys, overriding the configured default",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "",
				Usage: "Log level: debug, info, warn, error",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "sync",
				Usage:  "Fetch new rows from the pipe's source and append the unseen remainder",
				Action: runSync,
				Flags: append(append([]cli.Flag{}, pipeFlags...), append(boundsFlags,
					&cli.BoolFlag{
						Name:  "skip-check-existing",
						Usage: "Write fetched rows without deduplication",
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Retry a failed sync",
					},
					&cli.IntFlag{
						Name:  "chunksize",
						Usage: "Rows per fetched chunk (0 uses the configured default)",
					},
					&cli.BoolFlag{
						Name:  "sync-chunks",
						Usage: "Write each chunk while the next is being fetched",
					},
					&cli.BoolFlag{
						Name:  "cache",
						Usage: "Write synced rows through to a local sqlite cache",
					},
				)...),
			},
			{
				Name:   "sync-all",
				Usage:  "Sync every registered pipe matching the key filters",
				Action: runSyncAll,
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:    "connector-keys",
						Aliases: []string{"C"},
						Usage:   "Comma-separated connector keys; prefix with _ to exclude",
					},
					&cli.StringFlag{
						Name:    "metric-keys",
						Aliases: []string{"m"},
						Usage:   "Comma-separated metric keys",
					},
					&cli.StringFlag{
						Name:    "location-keys",
						Aliases: []string{"l"},
						Usage:   "Comma-separated location keys; None matches no location",
					},
					&cli.IntFlag{
						Name:    "workers",
						Aliases: []string{"w"},
						Value:   4,
						Usage:   "Pipes synced concurrently",
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Retry failed syncs",
					},
				}, boundsFlags...),
			},
			{
				Name:   "register",
				Usage:  "Create the pipe's registry entry",
				Action: runRegister,
				Flags: append(append([]cli.Flag{}, pipeFlags...),
					&cli.StringFlag{
						Name:  "params",
						Usage: "Parameters document as inline YAML",
					},
				),
			},
			{
				Name:   "edit",
				Usage:  "Replace the pipe's parameters document",
				Action: runEdit,
				Flags: append(append([]cli.Flag{}, pipeFlags...),
					&cli.StringFlag{
						Name:     "params",
						Usage:    "Parameters document as inline YAML",
						Required: true,
					},
				),
			},
			{
				Name:   "show",
				Usage:  "List registered pipes matching the key filters",
				Action: runShow,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "connector-keys",
						Aliases: []string{"C"},
						Usage:   "Comma-separated connector keys; prefix with _ to exclude",
					},
					&cli.StringFlag{
						Name:    "metric-keys",
						Aliases: []string{"m"},
						Usage:   "Comma-separated metric keys",
					},
					&cli.StringFlag{
						Name:    "location-keys",
						Aliases: []string{"l"},
						Usage:   "Comma-separated location keys; None matches no location",
					},
				},
			},
			{
				Name:   "rowcount",
				Usage:  "Count the pipe's rows within the bounds",
				Action: runRowCount,
				Flags:  append(append([]cli.Flag{}, pipeFlags...), boundsFlags...),
			},
			{
				Name:   "clear",
				Usage:  "Delete the pipe's rows within [begin, end)",
				Action: runClear,
				Flags:  append(append([]cli.Flag{}, pipeFlags...), boundsFlags...),
			},
			{
				Name:   "drop",
				Usage:  "Drop the pipe's table, keeping its registration",
				Action: runDrop,
				Flags:  append([]cli.Flag{}, pipeFlags...),
			},
			{
				Name:   "delete",
				Usage:  "Drop the pipe and remove its registration",
				Action: runDelete,
				Flags:  append([]cli.Flag{}, pipeFlags...),
			},
			{
				Name:   "test",
				Usage:  "Probe a connector until it answers or retries run out",
				Action: runTest,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "keys",
						Aliases:  []string{"k"},
						Usage:    "Connector keys, type:label",
						Required: true,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// setup loads configuration and pushes it into the process-wide
// registries.
func setup(c *cli.Context) (*config.Config, error) {
	var cfg *config.Config
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	creds, err := secrets.Load(secrets.FilePath())
	if err != nil {
		return nil, err
	}
	creds.Overlay(cfg)

	level := cfg.Logging.Level
	if v := c.String("verbosity"); v != "" {
		level = v
	}
	parsed, err := logging.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logging.SetLevel(parsed)
	logging.SetFormat(cfg.Logging.Format)

	if err := cfg.Apply(); err != nil {
		return nil, err
	}
	connector.SetAttributeSource(cfg.ConnectorAttributes)
	sqlconn.SetDefaultChunksize(cfg.Sync.Chunksize)

	instance := cfg.Instance
	if i := c.String("instance"); i != "" {
		instance = i
	}
	pipe.SetDefaultInstance(instance)
	return cfg, nil
}

// pipeFromFlags builds the pipe the command's identity flags name.
func pipeFromFlags(c *cli.Context) (*pipe.Pipe, error) {
	return pipe.New(
		c.String("connector-keys"),
		c.String("metric-key"),
		c.String("location-key"),
	)
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nInterrupted.")
		cancel()
	}()
	return ctx, cancel
}

// parseTimeFlag accepts RFC 3339 and the common date shapes.
func parseTimeFlag(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, value); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized datetime %q", value)
}

func boundsFromFlags(c *cli.Context) (begin, end *time.Time, err error) {
	begin, err = parseTimeFlag(c.String("begin"))
	if err != nil {
		return nil, nil, err
	}
	end, err = parseTimeFlag(c.String("end"))
	if err != nil {
		return nil, nil, err
	}
	return begin, end, nil
}

func runSync(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	p, err := pipeFromFlags(c)
	if err != nil {
		return err
	}
	begin, end, err := boundsFromFlags(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if c.Bool("cache") {
		if err := p.EnableCache(ctx); err != nil {
			return err
		}
	}

	notifier := notify.New(&cfg.Notify)
	started := time.Now()
	tracker := progress.New("Syncing " + p.TargetName())
	opts := pipe.SyncOptions{
		Begin:             begin,
		End:               end,
		BacktrackMinutes:  cfg.Sync.BacktrackMinutes,
		SkipCheckExisting: c.Bool("skip-check-existing"),
		Force:             c.Bool("force"),
		Retries:           cfg.Sync.Retries,
		MinSeconds:        cfg.Sync.MinSeconds,
		Chunksize:         c.Int("chunksize"),
		SyncChunks:        c.Bool("sync-chunks"),
		ChunkHook: func(chunk *dataset.Dataset, inserted int) {
			tracker.Observe(chunk.Len(), inserted)
		},
	}

	result := p.Sync(ctx, opts)
	tracker.Finish()
	if !result.Success {
		if err := notifier.SyncFailed(p.TargetName(), result.Message); err != nil {
			logging.Warn("notification failed: %v", err)
		}
		return fmt.Errorf("sync failed: %s", result.Message)
	}
	if err := notifier.SyncCompleted(p.TargetName(), result.Fetched, result.Inserted, time.Since(started)); err != nil {
		logging.Warn("notification failed: %v", err)
	}
	fmt.Println(result.Message)
	return nil
}

func runSyncAll(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	inst, err := resolveInstance()
	if err != nil {
		return err
	}
	begin, end, err := boundsFromFlags(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	filter := pipe.KeysFilter{
		ConnectorKeys: util.SplitCSV(c.String("connector-keys")),
		MetricKeys:    util.SplitCSV(c.String("metric-keys")),
		LocationKeys:  util.SplitLocationKeys(c.String("location-keys")),
	}
	keys, err := inst.FetchPipesKeys(ctx, filter)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Println("No pipes match.")
		return nil
	}

	jobs := make([]pool.Job, 0, len(keys))
	for _, k := range keys {
		p, err := pipe.New(k.ConnectorKeys, k.MetricKey, k.LocationKey,
			pipe.WithInstance(k.InstanceKeys))
		if err != nil {
			return err
		}
		jobs = append(jobs, pool.Job{
			Pipe: p,
			Options: pipe.SyncOptions{
				Begin:            begin,
				End:              end,
				BacktrackMinutes: cfg.Sync.BacktrackMinutes,
				Force:            c.Bool("force"),
				Retries:          cfg.Sync.Retries,
				MinSeconds:       cfg.Sync.MinSeconds,
			},
		})
	}

	started := time.Now()
	sp := pool.New(c.Int("workers"))
	sp.Run(ctx, jobs)

	notifier := notify.New(&cfg.Notify)
	if err := notifier.FleetCompleted(len(jobs), sp.Failures(), sp.TotalInserted(), time.Since(started)); err != nil {
		logging.Warn("notification failed: %v", err)
	}

	fmt.Printf("Synced %d pipes: %d rows inserted, %d failures.\n",
		len(jobs), sp.TotalInserted(), sp.Failures())
	if sp.Failures() > 0 {
		return fmt.Errorf("%d of %d pipes failed to sync", sp.Failures(), len(jobs))
	}
	return nil
}

func runRegister(c *cli.Context) error {
	if _, err := setup(c); err != nil {
		return err
	}
	p, err := pipeFromFlags(c)
	if err != nil {
		return err
	}
	if doc := c.String("params"); doc != "" {
		params := map[string]interface{}{}
		if err := yaml.Unmarshal([]byte(doc), &params); err != nil {
			return fmt.Errorf("parsing --params: %w", err)
		}
		p.SetParameters(params)
	}
	ctx, cancel := signalContext()
	defer cancel()
	if err := p.Register(ctx); err != nil {
		return err
	}
	fmt.Printf("Registered %s\n", p)
	return nil
}

func runEdit(c *cli.Context) error {
	if _, err := setup(c); err != nil {
		return err
	}
	p, err := pipeFromFlags(c)
	if err != nil {
		return err
	}
	params := map[string]interface{}{}
	if err := yaml.Unmarshal([]byte(c.String("params")), &params); err != nil {
		return fmt.Errorf("parsing --params: %w", err)
	}
	p.SetParameters(params)
	ctx, cancel := signalContext()
	defer cancel()
	if err := p.Edit(ctx); err != nil {
		return err
	}
	fmt.Printf("Edited %s\n", p)
	return nil
}

func runShow(c *cli.Context) error {
	if _, err := setup(c); err != nil {
		return err
	}
	inst, err := resolveInstance()
	if err != nil {
		return err
	}
	filter := pipe.KeysFilter{
		ConnectorKeys: util.SplitCSV(c.String("connector-keys")),
		MetricKeys:    util.SplitCSV(c.String("metric-keys")),
		LocationKeys:  util.SplitLocationKeys(c.String("location-keys")),
	}
	ctx, cancel := signalContext()
	defer cancel()
	keys, err := inst.FetchPipesKeys(ctx, filter)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Println("No pipes match.")
		return nil
	}
	for _, k := range keys {
		fmt.Println(k)
	}
	return nil
}

func runRowCount(c *cli.Context) error {
	if _, err := setup(c); err != nil {
		return err
	}
	p, err := pipeFromFlags(c)
	if err != nil {
		return err
	}
	begin, end, err := boundsFromFlags(c)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	count, err := p.GetRowCount(ctx, pipe.DataOptions{Begin: begin, End: end})
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d rows\n", p, count)
	return nil
}

func runClear(c *cli.Context) error {
	if _, err := setup(c); err != nil {
		return err
	}
	p, err := pipeFromFlags(c)
	if err != nil {
		return err
	}
	begin, end, err := boundsFromFlags(c)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	if err := p.Clear(ctx, begin, end); err != nil {
		return err
	}
	fmt.Printf("Cleared %s\n", p)
	return nil
}

func runDrop(c *cli.Context) error {
	if _, err := setup(c); err != nil {
		return err
	}
	p, err := pipeFromFlags(c)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	if err := p.Drop(ctx); err != nil {
		return err
	}
	fmt.Printf("Dropped %s\n", p)
	return nil
}

func runDelete(c *cli.Context) error {
	if _, err := setup(c); err != nil {
		return err
	}
	p, err := pipeFromFlags(c)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	if err := p.Delete(ctx); err != nil {
		return err
	}
	fmt.Printf("Deleted %s\n", p)
	return nil
}

func runTest(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	conn, err := connector.Get(c.String("keys"))
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	wait := time.Duration(cfg.Connect.WaitSeconds) * time.Second
	result, err := connector.RetryConnect(ctx, conn, cfg.Connect.MaxRetries, wait, nil)
	if result != connector.Connected {
		return fmt.Errorf("connector %s is unreachable (%s): %v", conn.Keys(), result, err)
	}
	fmt.Printf("Connector %s is reachable.\n", conn.Keys())
	return nil
}

// resolveInstance returns the effective instance connector. The
// --instance flag was already folded into the default during setup.
func resolveInstance() (pipe.Instance, error) {
	keys := pipe.DefaultInstance()
	conn, err := connector.Get(keys)
	if err != nil {
		return nil, err
	}
	inst, ok := conn.(pipe.Instance)
	if !ok {
		return nil, fmt.Errorf("connector %s cannot store pipes", keys)
	}
	return inst, nil
}
