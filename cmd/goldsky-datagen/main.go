// Package main generates synthetic Parquet blobs that follow the Goldsky
// source naming convention, for exercising the ingestion engine locally
// without a real upstream exporter. It plays the role the teacher's
// ddb-datagen tool plays for PITR fixtures: a throwaway data producer
// with no dependency on the engine it feeds.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/opensource-observer/goldsky-ingest/internal/awsclient"
	"github.com/opensource-observer/goldsky-ingest/internal/objectstore"
)

// syntheticRow is the fixed row shape every generated blob carries: an
// identifier, an event category, a numeric amount, and an emission time,
// enough columns to exercise schema inference's boolean/int/float/string
// branches and the dedupe/merge stages' unique and order columns.
type syntheticRow struct {
	ID        string  `parquet:"id"`
	EventType string  `parquet:"event_type"`
	Amount    float64 `parquet:"amount"`
	Active    bool    `parquet:"active"`
	CreatedAt int64   `parquet:"created_at"`
}

var eventTypes = []string{"deposit", "withdrawal", "transfer", "mint", "burn"}

func randomRow(r *rand.Rand, now int64) syntheticRow {
	return syntheticRow{
		ID:        uuid.NewString(),
		EventType: eventTypes[r.Intn(len(eventTypes))],
		Amount:    r.Float64() * 1000,
		Active:    r.Float32() > 0.5,
		CreatedAt: now,
	}
}

// blobName builds a Goldsky-convention object name:
// "{timestamp}-{job_id}-{worker}-{checkpoint}.parquet".
func blobName(timestamp int64, jobID string, worker int, checkpoint int64) string {
	return fmt.Sprintf("%d-%s-%d-%d.parquet", timestamp, jobID, worker, checkpoint)
}

func encodeRows(rows []syntheticRow) ([]byte, error) {
	buf := &bytes.Buffer{}
	writer := parquet.NewGenericWriter[syntheticRow](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}
	return buf.Bytes(), nil
}

type generatorConfig struct {
	workers        int
	filesPerWorker int
	rowsPerFile    int
	startTimestamp int64
	timestampStep  int64
	jobID          string
	seed           int64

	outDir string

	bucket string
	prefix string
	region string
}

func run(ctx context.Context, cfg generatorConfig) error {
	r := rand.New(rand.NewSource(cfg.seed))

	var objects objectstore.Client
	if cfg.bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.region))
		if err != nil {
			return fmt.Errorf("load AWS config: %w", err)
		}
		s3Client := awsclient.NewS3Client(s3.NewFromConfig(awsCfg))
		objects = objectstore.New(s3Client, cfg.bucket)
	}

	for worker := 0; worker < cfg.workers; worker++ {
		timestamp := cfg.startTimestamp
		for file := 0; file < cfg.filesPerWorker; file++ {
			checkpoint := int64(file + 1)
			rows := make([]syntheticRow, cfg.rowsPerFile)
			for i := range rows {
				rows[i] = randomRow(r, timestamp)
			}

			data, err := encodeRows(rows)
			if err != nil {
				return fmt.Errorf("encode worker %d file %d: %w", worker, file, err)
			}

			name := blobName(timestamp, cfg.jobID, worker, checkpoint)

			if objects != nil {
				key := cfg.prefix + "/" + name
				if err := objects.Upload(ctx, key, data); err != nil {
					return fmt.Errorf("upload %s: %w", key, err)
				}
				fmt.Printf("uploaded s3://%s/%s (%d rows)\n", cfg.bucket, key, len(rows))
			}

			if cfg.outDir != "" {
				path := filepath.Join(cfg.outDir, name)
				if err := os.WriteFile(path, data, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", path, err)
				}
				fmt.Printf("wrote %s (%d rows)\n", path, len(rows))
			}

			timestamp += cfg.timestampStep
		}
	}

	return nil
}

func main() {
	var cfg generatorConfig
	flag.IntVar(&cfg.workers, "workers", 2, "number of worker partitions to generate")
	flag.IntVar(&cfg.filesPerWorker, "files-per-worker", 5, "number of blobs to generate per worker")
	flag.IntVar(&cfg.rowsPerFile, "rows-per-file", 100, "number of rows per blob")
	flag.Int64Var(&cfg.startTimestamp, "start-timestamp", time.Now().Unix(), "timestamp of the first generated blob")
	flag.Int64Var(&cfg.timestampStep, "timestamp-step", 60, "seconds added to the timestamp between consecutive blobs")
	flag.StringVar(&cfg.jobID, "job-id", "", "job id embedded in every blob name (defaults to a generated uuid)")
	flag.Int64Var(&cfg.seed, "seed", 0, "random seed (0 = time-based)")
	flag.StringVar(&cfg.outDir, "out-dir", "", "local directory to write generated blobs into")
	flag.StringVar(&cfg.bucket, "bucket", "", "S3 bucket to upload generated blobs to")
	flag.StringVar(&cfg.prefix, "prefix", "goldsky/mysource", "S3 key prefix (under -bucket) for generated blobs")
	flag.StringVar(&cfg.region, "region", os.Getenv("AWS_REGION"), "AWS region, used only when -bucket is set")
	flag.Parse()

	if cfg.jobID == "" {
		cfg.jobID = uuid.NewString()
	}
	if cfg.seed == 0 {
		cfg.seed = time.Now().UnixNano()
	}
	if cfg.outDir == "" && cfg.bucket == "" {
		log.Fatal("specify at least one of -out-dir or -bucket")
	}
	if cfg.outDir != "" {
		if err := os.MkdirAll(cfg.outDir, 0o755); err != nil {
			log.Fatalf("create output directory: %v", err)
		}
	}

	fmt.Printf("Generating with job id %s, seed %d\n", cfg.jobID, cfg.seed)
	if err := run(context.Background(), cfg); err != nil {
		log.Fatalf("Error: %v", err)
	}
	fmt.Println("Done")
}
