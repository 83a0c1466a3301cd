package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/twpayne/go-demparquet"
	"github.com/twpayne/go-demparquet/internal/config"
	"github.com/twpayne/go-demparquet/internal/logger"
	"github.com/twpayne/go-demparquet/internal/status"
)

func run() error {
	cfg := config.FromEnv()
	flag.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "object storage endpoint")
	flag.StringVar(&cfg.S3Region, "s3-region", cfg.S3Region, "object storage region")
	flag.StringVar(&cfg.Bucket, "bucket", cfg.Bucket, "bucket")
	flag.StringVar(&cfg.Prefix, "prefix", cfg.Prefix, "key prefix")
	flag.BoolVar(&cfg.Anonymous, "anonymous", cfg.Anonymous, "use anonymous credentials")
	flag.StringVar(&cfg.RawDir, "raw-dir", cfg.RawDir, "directory for fetched tiles")
	flag.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "directory for Parquet files")
	flag.StringVar(&cfg.Region, "region", cfg.Region, "region preset ("+strings.Join(demparquet.RegionNames(), ", ")+")")
	flag.StringVar(&cfg.Bands, "bands", cfg.Bands, "custom region bands, e.g. N50-53/E3-7, overrides -region")
	flag.IntVar(&cfg.MaxFetches, "max-fetches", cfg.MaxFetches, "maximum concurrent fetches")
	flag.IntVar(&cfg.CPUWorkers, "cpu-workers", cfg.CPUWorkers, "maximum concurrent decodes and encodes")
	flag.StringVar(&cfg.Compression, "compression", cfg.Compression, "Parquet compression ("+strings.Join(demparquet.CodecNames(), ", ")+")")
	flag.BoolVar(&cfg.KeepGoing, "keep-going", cfg.KeepGoing, "continue after a tile fails")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	flag.BoolVar(&cfg.LogConsole, "log-console", cfg.LogConsole, "human readable logs")
	flag.StringVar(&cfg.StatusAddr, "status-addr", cfg.StatusAddr, "status server address, empty to disable")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		Component: "demparquet",
	}, os.Stderr)

	region, err := selectRegion(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return err
	}

	writer, err := demparquet.NewParquetWriter(demparquet.WithCompression(cfg.Compression))
	if err != nil {
		return err
	}

	pipeline := demparquet.NewPipeline(
		demparquet.NewCatalog(client, cfg.Bucket, demparquet.WithPrefix(cfg.Prefix)),
		demparquet.NewFetcher(client, cfg.Bucket, cfg.RawDir),
		writer,
		cfg.OutputDir,
		demparquet.WithMaxFetches(cfg.MaxFetches),
		demparquet.WithCPUWorkers(cfg.CPUWorkers),
		demparquet.WithKeepGoing(cfg.KeepGoing),
		demparquet.WithLogger(log),
	)

	if cfg.StatusAddr != "" {
		status.Serve(ctx, cfg.StatusAddr, status.NewRouter(prometheus.DefaultGatherer, pipeline.Progress), log)
	}

	log.Info().
		Str("endpoint", cfg.Endpoint).
		Str("bucket", cfg.Bucket).
		Str("prefix", cfg.Prefix).
		Str("region", region.Name).
		Int("maxFetches", cfg.MaxFetches).
		Int("cpuWorkers", cfg.CPUWorkers).
		Bool("keepGoing", cfg.KeepGoing).
		Msg("starting")

	summary, err := pipeline.Run(ctx, region)
	if err != nil {
		return err
	}
	if !summary.OK() {
		return fmt.Errorf("%d of %d tiles failed: %w", summary.Failed, summary.Total, summary.Err())
	}
	return nil
}

func selectRegion(cfg config.Config) (*demparquet.Region, error) {
	if cfg.Bands != "" {
		return demparquet.ParseBands("custom", cfg.Bands)
	}
	return demparquet.LookupRegion(cfg.Region)
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	optFns := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Anonymous {
		return s3.New(s3.Options{
			Region:      cfg.S3Region,
			Credentials: aws.AnonymousCredentials{},
		}, optFns...), nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg, optFns...), nil
}

func main() {
	if err := run(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
