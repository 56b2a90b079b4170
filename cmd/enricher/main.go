package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gustycube/netenrich/internal/config"
	"github.com/gustycube/netenrich/internal/dedup"
	"github.com/gustycube/netenrich/internal/emit"
	"github.com/gustycube/netenrich/internal/enrich"
	"github.com/gustycube/netenrich/internal/health"
	"github.com/gustycube/netenrich/internal/inventory"
	"github.com/gustycube/netenrich/internal/logging"
	"github.com/gustycube/netenrich/internal/metrics"
	"github.com/gustycube/netenrich/internal/output"
	"github.com/gustycube/netenrich/internal/pipeline"
	"github.com/gustycube/netenrich/internal/queue"
	"github.com/gustycube/netenrich/internal/telemetry"
)

const version = "1.0.0"

func main() {
	var configFile string
	var wait bool
	var waitTimeout time.Duration
	var showVersion bool

	flag.StringVar(&configFile, "config", "", "path to config file (YAML or JSON)")
	flag.String("input", "", "JSONL record file, - for stdin")
	flag.String("netbox_url", "", "NetBox base URL")
	flag.String("netbox_token", "", "NetBox API token")
	flag.String("datasets", "", "comma-separated provider.dataset allow-list, or all")
	flag.String("default_site", "", "site used when a record carries none")
	flag.Bool("enabled", true, "enable inventory enrichment")
	flag.Bool("autopopulate", false, "create devices for unknown hosts")
	flag.Bool("verbose", false, "verbose logging")
	flag.Int("concurrency", 0, "concurrent workers")
	flag.String("output_format", "", "stdout format (jsonl, json, csv)")
	flag.String("ingest", "", "ingest endpoint (optional). If empty, writes records to stdout")
	flag.String("metrics_addr", "", "metrics and health listen addr")
	flag.Int("batch_max_records", 0, "max records per batch before flush")
	flag.Int("batch_flush_sec", 0, "seconds timer to flush a batch")
	flag.String("spool_dir", "", "spool dir for failed batches")
	flag.String("mtls_cert", "", "client cert (PEM) for mTLS to ingest")
	flag.String("mtls_key", "", "client key (PEM) for mTLS to ingest")
	flag.String("mtls_ca", "", "CA bundle (PEM) for mTLS to ingest")
	flag.String("otel_endpoint", "", "OTLP HTTP endpoint (host:port)")
	flag.Bool("otel_insecure", true, "OTLP insecure (no TLS)")
	flag.String("otel_service", "", "OTEL service.name")
	flag.BoolVar(&wait, "wait", false, "wait for NetBox to answer before starting")
	flag.DurationVar(&waitTimeout, "wait_timeout", 5*time.Minute, "how long -wait keeps trying")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "netenrich: enriches network traffic metadata with NetBox inventory\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -netbox_url=http://netbox:8080 -netbox_token=... < conn.jsonl\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config=netenrich.yaml -wait\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  NETBOX_URL, NETBOX_TOKEN    inventory backend\n")
		fmt.Fprintf(os.Stderr, "  NETBOX_ENRICHMENT*, NETBOX_CACHE_*, NETBOX_DEFAULT_*  enrichment settings\n")
		fmt.Fprintf(os.Stderr, "  REDIS_ADDR                  Redis server for auto-population claims\n")
		fmt.Fprintf(os.Stderr, "  REDIS_QUEUE_ADDR            Redis server for the record queue\n")
		fmt.Fprintf(os.Stderr, "  NATS_URL                    NATS server for the JetStream record source\n")
		fmt.Fprintf(os.Stderr, "  LOG_LEVEL                   Log level (debug, info, warn, error)\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Println("netenrich v" + version)
		fmt.Println("Built with Go", strings.TrimPrefix(runtime.Version(), "go"))
		os.Exit(0)
	}

	// Load configuration: file < env < flags, defaults fill the rest
	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			fatal(err)
		}
	} else {
		cfg = &config.Config{}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		fatal(err)
	}
	flags := make(map[string]interface{})
	flag.Visit(func(f *flag.Flag) {
		if g, ok := f.Value.(flag.Getter); ok {
			flags[f.Name] = g.Get()
		}
	})
	cfg.MergeWithFlags(flags)
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}
	ecfg, err := cfg.Enrich()
	if err != nil {
		fatal(err)
	}

	log := logging.New(cfg.Verbose)
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.OTELService,
		Version:     version,
		Insecure:    cfg.OTELIsInsecure(),
	})
	if err != nil {
		log.Warnw("otel init failed", "err", err)
	} else {
		defer shutdown(context.Background())
	}

	healthHandler := health.NewHandler(log)
	healthHandler.SetMetadata("version", version)
	healthHandler.SetMetadata("enrichment", strconv.FormatBool(ecfg.Enabled))

	if cfg.MetricsAddr != "" {
		go metrics.ServeWithHealth(cfg.MetricsAddr, healthHandler, log)
		log.Infow("metrics and health server started", "addr", cfg.MetricsAddr)
	}

	// Inventory backend
	var inv enrich.Inventory
	if ecfg.Enabled {
		nb, err := inventory.NewNetBox(cfg.Inventory(), log)
		if err != nil {
			log.Fatalw("inventory client", "err", err)
		}
		if wait {
			if err := nb.WaitReady(ctx, waitTimeout); err != nil {
				log.Fatalw("inventory did not become available", "url", cfg.NetBoxURL, "err", err)
			}
		}
		healthHandler.RegisterChecker("inventory", health.NewPingChecker("NetBox", nb.Ping, false))
		healthHandler.RegisterChecker("inventory_breaker", health.NewBreakerChecker(nb.BreakerState))
		inv = nb
	}

	// Auto-population claims
	var claims dedup.Claimer
	if cfg.RedisAddr != "" {
		rd, err := dedup.NewRedis(cfg.RedisAddr, max(ecfg.CacheTTL, ecfg.NegativeTTL, time.Minute), log)
		if err != nil {
			log.Fatalw("redis init", "err", err)
		}
		defer rd.Close()
		log.Infow("redis claims enabled", "addr", cfg.RedisAddr)
		claims = rd
		healthHandler.RegisterChecker("redis", health.NewPingChecker("Redis", rd.Ping, false))
	}

	enricher := enrich.New(ecfg, inv, claims, log)
	defer enricher.Close()

	src, err := openSource(ctx, cfg, healthHandler, log)
	if err != nil {
		log.Fatalw("record source", "err", err)
	}
	defer src.Close()

	var writer *output.Writer
	if cfg.Ingest == "" {
		writer, err = output.NewStdoutWriter(cfg.OutputFormat)
		if err != nil {
			log.Fatalw("output writer", "err", err)
		}
	}
	emitter, err := emit.NewEmitter(emit.Options{
		Ingest:     cfg.Ingest,
		BatchMax:   cfg.BatchMaxRecords,
		FlushEvery: time.Duration(cfg.BatchFlushSec) * time.Second,
		SpoolDir:   cfg.SpoolDir,
		MTLSCert:   cfg.MTLSCert,
		MTLSKey:    cfg.MTLSKey,
		MTLSCA:     cfg.MTLSCA,
		Writer:     writer,
	})
	if err != nil {
		log.Fatalw("emitter", "err", err)
	}

	runner := pipeline.New(enricher, log)
	healthHandler.RegisterChecker("workers", health.NewWorkerPoolChecker(runner.Active, cfg.Concurrency))

	deliveries := make(chan queue.Delivery, cfg.Concurrency*2)
	records := make(chan queue.Delivery, cfg.BatchMaxRecords)
	go pipeline.Feed(ctx, src, deliveries, log)
	emitted := make(chan struct{})
	go func() {
		emitter.Run(ctx, records, log)
		close(emitted)
	}()

	log.Infow("starting netenrich",
		"enrichment", ecfg.Enabled,
		"datasets", cfg.Datasets,
		"autopopulate", ecfg.Autopopulate,
		"concurrency", cfg.Concurrency,
		"config_file", configFile,
	)
	healthHandler.SetReady(true)

	runner.Run(ctx, deliveries, records, cfg.Concurrency)
	close(records)
	<-emitted

	healthHandler.SetReady(false)
	emitter.Drain(log)
	if writer != nil {
		_ = writer.Flush()
	}
	log.Info("shutdown complete")
}

func openSource(ctx context.Context, cfg *config.Config, hh *health.Handler, log *logging.Logger) (queue.Source, error) {
	switch {
	case cfg.RedisQueueAddr != "":
		q, err := queue.NewRedis(cfg.RedisQueueAddr, cfg.RedisQueueKey)
		if err != nil {
			return nil, err
		}
		if n, err := q.Recover(ctx); err != nil {
			log.Warnw("recovering leased records", "err", err)
		} else if n > 0 {
			log.Infow("requeued unacked records", "count", n)
		}
		hh.RegisterChecker("queue", health.NewPingChecker("Redis queue", q.Ping, true))
		log.Infow("redis queue enabled", "addr", cfg.RedisQueueAddr, "key", cfg.RedisQueueKey)
		return q, nil
	case cfg.NATSURL != "":
		q, err := queue.NewNATS(queue.NATSOptions{
			URL:      cfg.NATSURL,
			Stream:   cfg.NATSStream,
			Consumer: cfg.NATSConsumer,
			Subject:  cfg.NATSSubject,
			Batch:    cfg.Concurrency,
		}, log)
		if err != nil {
			return nil, err
		}
		hh.RegisterChecker("queue", health.NewPingChecker("NATS", q.Ping, true))
		log.Infow("jetstream source enabled", "url", cfg.NATSURL, "stream", cfg.NATSStream, "consumer", cfg.NATSConsumer)
		return q, nil
	}
	return queue.Open(cfg.Input)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "netenrich:", err)
	os.Exit(2)
}
