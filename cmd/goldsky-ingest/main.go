// Package main is the command-line entrypoint for the ingestion engine. It
// parses flags, wires the AWS-backed implementations of each package's
// interfaces together, and dispatches to one of three subcommands: run (a
// single incremental ingestion), backfill (a range-bounded run isolated
// from the primary pointer table), and retention (the standalone clean-up
// job).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/gurre/s3streamer"

	"github.com/opensource-observer/goldsky-ingest/internal/awsclient"
	"github.com/opensource-observer/goldsky-ingest/internal/cbt"
	"github.com/opensource-observer/goldsky-ingest/internal/checkpoint"
	"github.com/opensource-observer/goldsky-ingest/internal/cluster"
	"github.com/opensource-observer/goldsky-ingest/internal/config"
	"github.com/opensource-observer/goldsky-ingest/internal/loader"
	"github.com/opensource-observer/goldsky-ingest/internal/metrics"
	"github.com/opensource-observer/goldsky-ingest/internal/objectstore"
	"github.com/opensource-observer/goldsky-ingest/internal/orchestrator"
	"github.com/opensource-observer/goldsky-ingest/internal/permcheck"
	"github.com/opensource-observer/goldsky-ingest/internal/pointer"
	"github.com/opensource-observer/goldsky-ingest/internal/retention"
	"github.com/opensource-observer/goldsky-ingest/internal/rowcodec"
	"github.com/opensource-observer/goldsky-ingest/internal/schemaoverrides"
	"github.com/opensource-observer/goldsky-ingest/internal/warehouseclient"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: goldsky-ingest <run|backfill|retention> [flags]")
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(os.Args[2:])
	case "backfill":
		err = backfillCommand(os.Args[2:])
	case "retention":
		err = retentionCommand(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q (want run|backfill|retention)\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// sharedFlags are the configuration and AWS wiring flags common to run,
// backfill, and retention.
type sharedFlags struct {
	sourceName       *string
	sourceBucket     *string
	sourceGoldskyDir *string

	destBucket       *string
	destDataset      *string
	workingDataset   *string
	workingPreload   *string
	destTable        *string
	projectID        *string

	pointerSize      *int
	maxObjects       *int
	loadTimeout      *time.Duration
	transformTimeout *time.Duration

	dedupeModel        *string
	mergeModel         *string
	dedupeUniqueColumn *string
	dedupeOrderColumn  *string

	retentionFiles *int
	region         *string

	backend          *string
	schemaOverrides  *string
	principalARN     *string
	permcheckActions *string
	permcheckARNs    *string
}

func registerSharedFlags(fs *flag.FlagSet) *sharedFlags {
	return &sharedFlags{
		sourceName:       fs.String("source-name", "", "logical source identifier"),
		sourceBucket:     fs.String("source-bucket", "", "object store bucket holding source blobs"),
		sourceGoldskyDir: fs.String("source-goldsky-dir", "goldsky", "prefix under the source bucket where blobs live"),

		destBucket:     fs.String("dest-bucket", "", "bucket backing staging/working tables"),
		destDataset:    fs.String("dest-dataset", "", "dataset holding the final merged table"),
		workingDataset: fs.String("working-dataset", "", "dataset holding raw/deduped staging tables"),
		workingPreload: fs.String("working-preload-path", "preload", "prefix for per-run staging objects"),
		destTable:      fs.String("dest-table", "", "final merged table name"),
		projectID:      fs.String("project-id", "", "warehouse project identifier"),

		pointerSize:      fs.Int("pointer-size", 500, "number of loaded blobs per pointer commit"),
		maxObjects:       fs.Int("max-objects", 100000, "per-worker dequeue cap for a single run"),
		loadTimeout:      fs.Duration("load-timeout", 10*time.Minute, "per-batch warehouse load timeout"),
		transformTimeout: fs.Duration("transform-timeout", 10*time.Minute, "dedupe/merge transform timeout"),

		dedupeModel:        fs.String("dedupe-model", "dedupe", "transform model used to produce deduped_{worker}"),
		mergeModel:         fs.String("merge-model", "merge_workers", "transform model used to merge into the destination"),
		dedupeUniqueColumn: fs.String("dedupe-unique-column", "id", "column identifying duplicate rows"),
		dedupeOrderColumn:  fs.String("dedupe-order-column", "_checkpoint", "column used to pick the surviving row of a duplicate set"),

		retentionFiles: fs.Int("retention-files", 10, "blobs retained per worker by the retention job"),
		region:         fs.String("region", os.Getenv("AWS_REGION"), "AWS region"),

		backend:          fs.String("backend", "direct", "load backend: direct|parallel"),
		schemaOverrides:  fs.String("schema-overrides-key", "", "optional S3 key (in the dest bucket) of a JSONL schema override manifest"),
		principalARN:     fs.String("principal-arn", "", "optional IAM principal ARN to pre-flight check before running"),
		permcheckActions: fs.String("permcheck-actions", "s3:GetObject,s3:PutObject,dynamodb:Query,dynamodb:BatchWriteItem", "comma-separated IAM actions to pre-flight check"),
		permcheckARNs:    fs.String("permcheck-resources", "", "comma-separated resource ARNs to pre-flight check"),
	}
}

func (f *sharedFlags) toConfig() *config.Config {
	return &config.Config{
		SourceName:                    *f.sourceName,
		SourceBucketName:              *f.sourceBucket,
		SourceGoldskyDir:              *f.sourceGoldskyDir,
		DestinationBucketName:         *f.destBucket,
		DestinationDatasetName:        *f.destDataset,
		WorkingDestinationDatasetName: *f.workingDataset,
		WorkingDestinationPreloadPath: *f.workingPreload,
		DestinationTableName:          *f.destTable,
		ProjectID:                     *f.projectID,
		PointerSize:                   *f.pointerSize,
		MaxObjectsToLoad:              *f.maxObjects,
		LoadTableTimeout:              *f.loadTimeout,
		TransformTimeout:              *f.transformTimeout,
		DedupeModel:                   *f.dedupeModel,
		MergeWorkersModel:             *f.mergeModel,
		DedupeUniqueColumn:            *f.dedupeUniqueColumn,
		DedupeOrderColumn:             *f.dedupeOrderColumn,
		RetentionFiles:                *f.retentionFiles,
		Region:                        *f.region,
	}
}

// wiring bundles together the dependencies every subcommand needs, built
// once from an AWS config and the parsed shared flags.
type wiring struct {
	cfg           *config.Config
	sourceObjects objectstore.Client
	destObjects   objectstore.Client
	pointerStore  pointer.Store
	warehouse     warehouseclient.Client
	metrics       *metrics.Metrics
	iamClient     awsclient.IAMClient
	dynamoClient  awsclient.DynamoDBClient
}

func buildWiring(ctx context.Context, f *sharedFlags) (*wiring, error) {
	cfg := f.toConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	rawS3 := s3.NewFromConfig(awsCfg)
	s3Client := awsclient.NewS3Client(rawS3)
	dynamoClient := awsclient.NewDynamoDBClient(dynamodb.NewFromConfig(awsCfg))
	iamClient := awsclient.NewIAMClient(iam.NewFromConfig(awsCfg))

	sourceObjects := objectstore.New(s3Client, cfg.SourceBucketName)
	destObjects := objectstore.New(s3Client, cfg.DestinationBucketName)

	decoder := rowcodec.NewAttributeValueDecoder()
	warehouse := warehouseclient.New(dynamoClient, sourceObjects, decoder)

	pointerTable := pointer.TableName(cfg.DestinationTableName, "")
	pointerStore := pointer.NewDynamoStore(dynamoClient, pointerTable)
	if err := pointerStore.Ensure(ctx); err != nil {
		return nil, fmt.Errorf("ensure pointer table: %w", err)
	}

	if len(cfg.SchemaOverrides) == 0 && *f.schemaOverrides != "" {
		overridesLoader := schemaoverrides.NewS3Loader(s3streamer.NewS3Streamer(rawS3))
		overrides, err := overridesLoader.Load(ctx, cfg.DestinationBucketName, *f.schemaOverrides)
		if err != nil {
			return nil, fmt.Errorf("load schema overrides: %w", err)
		}
		for _, o := range overrides {
			cfg.SchemaOverrides = append(cfg.SchemaOverrides, config.SchemaOverride{
				FieldName: o.FieldName,
				Type:      string(o.Type),
				Precision: o.Precision,
				Scale:     o.Scale,
			})
		}
	}

	return &wiring{
		cfg:           cfg,
		sourceObjects: sourceObjects,
		destObjects:   destObjects,
		pointerStore:  pointerStore,
		warehouse:     warehouse,
		metrics:       metrics.NewMetrics(),
		iamClient:     iamClient,
		dynamoClient:  dynamoClient,
	}, nil
}

func (w *wiring) preflightCheck(ctx context.Context, f *sharedFlags) error {
	if *f.principalARN == "" {
		return nil
	}
	resources := strings.Split(*f.permcheckARNs, ",")
	actions := strings.Split(*f.permcheckActions, ",")
	checker := permcheck.New(w.iamClient)
	if err := checker.Check(ctx, *f.principalARN, actions, resources); err != nil {
		return fmt.Errorf("permission pre-flight failed: %w", err)
	}
	return nil
}

func (w *wiring) buildBackend(jobID string, backend string) (orchestrator.LoaderBackend, error) {
	switch backend {
	case "direct":
		return loader.NewDirectLoader(w.warehouse, w.pointerStore, w.cfg.SourceBucketName, w.cfg.LoadTableTimeout, w.metrics), nil
	case "parallel":
		clusterFactory := func() (cluster.Client, error) { return cluster.NewLocalClient(), nil }
		parallel := loader.NewParallelLoader(clusterFactory, w.warehouse, w.pointerStore, w.sourceObjects, w.destObjects, w.cfg.DestinationBucketName, w.cfg.LoadTableTimeout, w.metrics)
		stagingPrefix := joinPath(w.cfg.WorkingDestinationPreloadPath, jobID)
		return orchestrator.NewParallelBackend(parallel, jobID, stagingPrefix), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want direct|parallel)", backend)
	}
}

func joinPath(parts ...string) string {
	return strings.Join(parts, "/")
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	shared := registerSharedFlags(fs)
	jobID := fs.String("job-id", "", "run identifier (defaults to a generated uuid)")
	checkpointStart := fs.Int64("checkpoint-start-timestamp", 0, "lower-bound timestamp for this run's checkpoint range")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	w, err := buildWiring(ctx, shared)
	if err != nil {
		return err
	}
	if err := w.preflightCheck(ctx, shared); err != nil {
		return err
	}

	id := *jobID
	if id == "" {
		id = uuid.NewString()
	}

	backend, err := w.buildBackend(id, *shared.backend)
	if err != nil {
		return err
	}
	transformer := cbt.NewFakeTransformer()

	o := orchestrator.New(w.cfg, w.sourceObjects, w.pointerStore, w.warehouse, backend, transformer, w.metrics)

	start := checkpoint.Checkpoint{Timestamp: *checkpointStart}
	fmt.Printf("Starting run %s for source %s\n", id, w.cfg.SourceName)
	if err := o.Run(ctx, id, checkpoint.NewOpenRange(start)); err != nil {
		return fmt.Errorf("run failed: %w", err)
	}
	fmt.Printf("Run %s completed: %s\n", id, o.State())
	return nil
}

func backfillCommand(args []string) error {
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	shared := registerSharedFlags(fs)
	jobID := fs.String("job-id", "", "run identifier (defaults to a generated uuid)")
	label := fs.String("backfill-label", "", "backfill label, isolates this run's pointer table from the primary one")
	startTimestamp := fs.Int64("start-timestamp", 0, "inclusive lower-bound timestamp")
	endTimestamp := fs.Int64("end-timestamp", 0, "exclusive upper-bound timestamp (0 means unbounded)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *label == "" {
		return fmt.Errorf("backfill requires -backfill-label")
	}

	ctx := context.Background()
	w, err := buildWiring(ctx, shared)
	if err != nil {
		return err
	}
	if err := w.preflightCheck(ctx, shared); err != nil {
		return err
	}

	id := *jobID
	if id == "" {
		id = uuid.NewString()
	}

	backend, err := w.buildBackend(id, *shared.backend)
	if err != nil {
		return err
	}
	transformer := cbt.NewFakeTransformer()

	backfillTable := pointer.TableName(w.cfg.DestinationTableName, *label)
	backfillStore := pointer.NewDynamoStore(w.dynamoClient, backfillTable)
	if err := backfillStore.Ensure(ctx); err != nil {
		return fmt.Errorf("ensure backfill pointer table: %w", err)
	}

	start := checkpoint.Checkpoint{Timestamp: *startTimestamp}
	var cpRange checkpoint.Range
	if *endTimestamp == 0 {
		cpRange = checkpoint.NewOpenRange(start)
	} else {
		cpRange = checkpoint.NewBoundedRange(start, checkpoint.Checkpoint{Timestamp: *endTimestamp})
	}

	fmt.Printf("Starting backfill %s (label=%s) for source %s\n", id, *label, w.cfg.SourceName)
	if err := orchestrator.RunBackfill(ctx, w.cfg, w.sourceObjects, backfillStore, w.warehouse, backend, transformer, w.metrics, id, cpRange); err != nil {
		return fmt.Errorf("backfill failed: %w", err)
	}
	fmt.Printf("Backfill %s completed\n", id)
	return nil
}

func retentionCommand(args []string) error {
	fs := flag.NewFlagSet("retention", flag.ExitOnError)
	shared := registerSharedFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	w, err := buildWiring(ctx, shared)
	if err != nil {
		return err
	}

	sourcePrefix := joinPath(w.cfg.SourceGoldskyDir, w.cfg.SourceName)
	job := retention.New(w.sourceObjects, w.pointerStore, sourcePrefix, w.cfg.RetentionFiles, w.metrics)
	fmt.Printf("Running retention for source %s (prefix %s)\n", w.cfg.SourceName, sourcePrefix)
	if err := job.Run(ctx); err != nil {
		return fmt.Errorf("retention failed: %w", err)
	}
	fmt.Println("Retention completed")
	return nil
}
