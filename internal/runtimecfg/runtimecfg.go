// Package runtimecfg builds the explicit runtime context every cmd/etlctl
// subcommand threads through the ETL core: one struct, constructed once in
// main(), holding every collaborator (connection, calendar, fetcher,
// writer, checker, stage registry, pipeline coordinator). No package-level
// singleton anywhere in the core packages carries this state — Design Note
// "Global mutable state" — so this package exists purely to assemble it.
// Environment settings are read through internal/config's typed getters,
// the same helpers internal/api/middleware already uses; a YAML overlay
// (gopkg.in/yaml.v3, mirroring internal/pipeline's descriptor loader)
// supplies the vendor API descriptors and their quality assertions, which
// have no natural ETL_* env-var shape.
package runtimecfg

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashare-etl/etl/internal/adminapi"
	"github.com/ashare-etl/etl/internal/api/middleware"
	"github.com/ashare-etl/etl/internal/calendar"
	"github.com/ashare-etl/etl/internal/config"
	"github.com/ashare-etl/etl/internal/fetch"
	"github.com/ashare-etl/etl/internal/pipeline"
	"github.com/ashare-etl/etl/internal/quality"
	"github.com/ashare-etl/etl/internal/ratelimit"
	"github.com/ashare-etl/etl/internal/runlog"
	"github.com/ashare-etl/etl/internal/stage"
	"github.com/ashare-etl/etl/internal/stagefn"
	"github.com/ashare-etl/etl/internal/storage"
	"github.com/ashare-etl/etl/internal/watermark"
	"github.com/ashare-etl/etl/internal/write"
)

// EnvConfig holds every ETL_*-prefixed setting read from the environment.
// Loaded once in main() via LoadEnvConfig.
type EnvConfig struct {
	Exchange    string
	TimeZone    string
	VendorBase  string
	VendorToken string

	DescriptorsPath string // vendor API descriptors + quality assertions, YAML
	PipelinesPath   string // named pipeline definitions, YAML (internal/pipeline.LoadDescriptor)

	RateLimitTokensPerMinute int
	RateLimitBurst           int

	WriterBatchSize int
	WorkerPoolSize  int

	ZombieThreshold time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	Admin adminapi.ServerConfig
}

// LoadEnvConfig reads every setting from the environment with the same
// typed-getter style internal/api/middleware.LoadConfig and
// internal/storage.LoadConfig use.
func LoadEnvConfig() EnvConfig {
	return EnvConfig{
		Exchange:    config.GetEnvStr("ETL_EXCHANGE", "XSHG"),
		TimeZone:    config.GetEnvStr("ETL_TIMEZONE", "Asia/Shanghai"),
		VendorBase:  config.GetEnvStr("ETL_VENDOR_BASE_URL", ""),
		VendorToken: config.GetEnvStr("ETL_VENDOR_TOKEN", ""),

		DescriptorsPath: config.GetEnvStr("ETL_DESCRIPTORS_PATH", "configs/descriptors.yaml"),
		PipelinesPath:   config.GetEnvStr("ETL_PIPELINES_PATH", "configs/pipelines.yaml"),

		RateLimitTokensPerMinute: config.GetEnvInt("ETL_VENDOR_RATE_TOKENS_PER_MINUTE", 120),
		RateLimitBurst:           config.GetEnvInt("ETL_VENDOR_RATE_BURST", 0),

		WriterBatchSize: config.GetEnvInt("ETL_WRITER_BATCH_SIZE", 1000),
		WorkerPoolSize:  config.GetEnvInt("ETL_WORKER_POOL_SIZE", 4),

		ZombieThreshold: config.GetEnvDuration("ETL_ZOMBIE_THRESHOLD", 2*time.Hour),

		KafkaBrokers: config.ParseCommaSeparatedList(config.GetEnvStr("ETL_KAFKA_BROKERS", "")),
		KafkaTopic:   config.GetEnvStr("ETL_KAFKA_TOPIC", "etl.pipeline.summary"),

		Admin: adminapi.LoadServerConfig(),
	}
}

// vendorDescriptorFile is the YAML shape of ETL_DESCRIPTORS_PATH: one
// Descriptor plus the quality assertions run against it after ingest,
// since fetch.Descriptor and quality.Assertion carry no yaml tags of their
// own (they are pure Go domain types, not config structs).
type vendorDescriptorFile struct {
	APIs []vendorDescriptorYAML `yaml:"apis"`
}

type vendorDescriptorYAML struct {
	Name              string             `yaml:"name"`
	Cursor            string             `yaml:"cursor"`
	RateBucket        string             `yaml:"rate_bucket"`
	PageSize          int                `yaml:"page_size"`
	TargetTable       string             `yaml:"target_table"`
	PrimaryKey        []string           `yaml:"primary_key"`
	ReadinessLagHours int                `yaml:"readiness_lag_hours"`
	Core              bool               `yaml:"core"`
	Path              string             `yaml:"path"`
	RowCountFloor     *rowCountFloorYAML `yaml:"row_count_floor"`
}

type rowCountFloorYAML struct {
	Floor int `yaml:"floor"`
}

func loadVendorDescriptors(path string) ([]vendorDescriptorYAML, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runtimecfg: read descriptors %s: %w", path, err)
	}

	var f vendorDescriptorFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("runtimecfg: parse descriptors %s: %w", path, err)
	}

	return f.APIs, nil
}

func (d vendorDescriptorYAML) toDescriptor() fetch.Descriptor {
	return fetch.Descriptor{
		Name:              d.Name,
		Cursor:            fetch.CursorKind(d.Cursor),
		RateBucket:        d.RateBucket,
		PageSize:          d.PageSize,
		TargetTable:       d.TargetTable,
		PrimaryKey:        d.PrimaryKey,
		ReadinessLagHours: d.ReadinessLagHours,
		Core:              d.Core,
		Path:              d.Path,
	}
}

// Context is the fully-wired runtime context, threaded explicitly through
// every cmd/etlctl subcommand. Close releases every held resource.
type Context struct {
	Env EnvConfig

	Conn     *storage.Connection
	Calendar *calendar.Calendar
	Limiter  *ratelimit.Limiter
	Writer   *write.Writer
	Checker  *quality.Checker

	Registry   *stage.Registry
	Runners    map[string]*stage.Runner
	Watermarks map[string]*watermark.Store
	RunLog     *runlog.Log
	Guard      *runlog.Guard

	Coordinator        *pipeline.Coordinator
	PipelineDescriptor pipeline.Descriptor

	Notifier pipeline.Notifier
	Logger   *slog.Logger

	kafkaNotifier *pipeline.KafkaNotifier
}

// Build assembles a Context from env, opening the database connection and
// loading both YAML overlays. Every ingest/transform/check stage function
// is registered by name so pipeline descriptors can reference it.
func Build(ctx context.Context, env EnvConfig, logger *slog.Logger) (*Context, error) {
	if logger == nil {
		logger = slog.Default()
	}

	loc, err := time.LoadLocation(env.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("runtimecfg: load location %s: %w", env.TimeZone, err)
	}

	conn, err := storage.NewConnection(storage.LoadConfig())
	if err != nil {
		return nil, fmt.Errorf("runtimecfg: open database: %w", err)
	}

	cal := calendar.New(calendar.NewPersistentCalendarStore(conn), env.Exchange, loc)

	limiter := ratelimit.New(ratelimit.Config{
		DefaultBucket: ratelimit.BucketConfig{
			TokensPerMinute: env.RateLimitTokensPerMinute,
			Burst:           env.RateLimitBurst,
		},
	})

	fetcher := fetch.New(&http.Client{}, limiter, env.VendorBase, env.VendorToken, fetch.DefaultRetryPolicy())
	writer := write.New(conn, env.WriterBatchSize)
	checker := quality.New(conn)
	runLog := runlog.New(conn)
	guard := runlog.NewGuard(conn, runLog, env.ZombieThreshold)

	descriptors, err := loadVendorDescriptors(env.DescriptorsPath)
	if err != nil {
		return nil, err
	}

	registry := stage.NewRegistry()
	runners := make(map[string]*stage.Runner, len(descriptors)*2)
	watermarks := make(map[string]*watermark.Store, len(descriptors))

	for _, d := range descriptors {
		descriptor := d.toDescriptor()

		ingestName := "ingest-" + descriptor.Name
		wm := watermark.New(conn, cal, ingestName, ingestName)

		registry.Register(stage.Definition{
			Name:       ingestName,
			Kind:       stage.KindIngest,
			APIName:    descriptor.Name,
			Fn:         stagefn.DailyIngest(fetcher, descriptor, writer, cal),
			Lenient:    !descriptor.Core,
			WorkerPool: env.WorkerPoolSize,
		})
		runners[ingestName] = stage.New(cal, wm, runLog)
		watermarks[descriptor.Name] = wm

		if d.RowCountFloor != nil {
			checkName := "check-" + descriptor.Name
			wmCheck := watermark.New(conn, cal, checkName, checkName)

			assertions := []quality.Assertion{
				quality.RowCountFloor{Table: descriptor.TargetTable, DateColumn: "trade_date", Floor: d.RowCountFloor.Floor},
			}

			registry.Register(stage.Definition{
				Name:       checkName,
				Kind:       stage.KindCheck,
				APIName:    descriptor.Name,
				Fn:         stagefn.Check(checker, ingestName, checkName, assertions),
				Lenient:    !descriptor.Core,
				WorkerPool: 1,
				DependsOn:  []string{ingestName},
			})
			runners[checkName] = stage.New(cal, wmCheck, runLog)
		}
	}

	standardizeWM := watermark.New(conn, cal, "standardize", "standardize")
	registry.Register(stage.Definition{
		Name:       "standardize",
		Kind:       stage.KindTransform,
		APIName:    "standardize",
		Fn:         stagefn.Standardize(conn, writer, cal),
		WorkerPool: 1,
	})
	runners["standardize"] = stage.New(cal, standardizeWM, runLog)

	compositeWM := watermark.New(conn, cal, "composite-score", "composite-score")
	registry.Register(stage.Definition{
		Name:       "composite-score",
		Kind:       stage.KindTransform,
		APIName:    "composite-score",
		Fn:         stagefn.CompositeScore(conn, writer),
		WorkerPool: 1,
		DependsOn:  []string{"standardize"},
	})
	runners["composite-score"] = stage.New(cal, compositeWM, runLog)

	descriptorDoc, err := pipeline.LoadDescriptor(env.PipelinesPath)
	if err != nil {
		return nil, err
	}

	var notifier pipeline.Notifier = pipeline.NoopNotifier{}

	var kafkaNotifier *pipeline.KafkaNotifier

	if len(env.KafkaBrokers) > 0 {
		kafkaNotifier = pipeline.NewKafkaNotifier(env.KafkaBrokers, env.KafkaTopic)
		notifier = kafkaNotifier
	}

	coordinator := pipeline.New(registry, runners, cal, watermarks, guard, notifier, logger)

	return &Context{
		Env:                env,
		Conn:                conn,
		Calendar:            cal,
		Limiter:             limiter,
		Writer:              writer,
		Checker:             checker,
		Registry:            registry,
		Runners:             runners,
		Watermarks:          watermarks,
		RunLog:              runLog,
		Guard:               guard,
		Coordinator:         coordinator,
		PipelineDescriptor:  descriptorDoc,
		Notifier:            notifier,
		Logger:              logger,
		kafkaNotifier:       kafkaNotifier,
	}, nil
}

// AdminRateLimiter builds the three-tier middleware.RateLimiter used by the
// adminapi server, sourced from internal/api/middleware's own env-driven
// Config loader.
func AdminRateLimiter() middleware.RateLimiter {
	return middleware.NewInMemoryRateLimiter(middleware.LoadConfig())
}

// Close releases every held resource: the Kafka writer (if any), the rate
// limiter's cleanup goroutine, and the database connection pool.
func (c *Context) Close() error {
	if c.kafkaNotifier != nil {
		if err := c.kafkaNotifier.Close(); err != nil {
			c.Logger.Error("runtimecfg: close kafka notifier failed", "error", err)
		}
	}

	c.Limiter.Close()

	return c.Conn.Close()
}
