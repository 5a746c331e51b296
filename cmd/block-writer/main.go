package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-block-writer/internal/config"
	"github.com/withObsrvr/obsrvr-block-writer/internal/events"
	"github.com/withObsrvr/obsrvr-block-writer/internal/ingest"
	"github.com/withObsrvr/obsrvr-block-writer/internal/kv"
	"github.com/withObsrvr/obsrvr-block-writer/internal/logging"
	"github.com/withObsrvr/obsrvr-block-writer/internal/metrics"
	"github.com/withObsrvr/obsrvr-block-writer/internal/source"
	"github.com/withObsrvr/obsrvr-block-writer/internal/storage"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var cfgPath string
	root := &cobra.Command{
		Use:           "block-writer",
		Short:         "Write partitioned message batches into block blobs exactly once",
		Version:       fmt.Sprintf("%s (%s)", Version, GitSHA),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", os.Getenv("BLOCKWRITER_CONFIG"), "path to YAML config file")

	load := func() (config.Config, *logging.Gate, error) {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return config.Config{}, nil, err
		}
		return cfg, logging.Setup(cfg.Log()), nil
	}

	var readPartition, readBlob int
	var readRun string
	readCmd := &cobra.Command{
		Use:   "read",
		Short: "Print the committed content of one blob",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			return read(cmd.Context(), cfg, readPartition, readBlob, readRun)
		},
	}
	readCmd.Flags().IntVar(&readPartition, "partition", 0, "partition index")
	readCmd.Flags().IntVar(&readBlob, "blob", 1, "blob sequence number")
	readCmd.Flags().StringVar(&readRun, "run", "", "container suffix of the run to read, e.g. 2024-03-05-07-09-00")

	root.AddCommand(
		readCmd,
		&cobra.Command{
			Use:   "run",
			Short: "Consume the source and write blocks until stopped",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, gate, err := load()
				if err != nil {
					return err
				}
				return run(cmd.Context(), cfg, gate)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print each partition's recovery record",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, _, err := load()
				if err != nil {
					return err
				}
				return status(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Delete the recovery records of every partition",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, _, err := load()
				if err != nil {
					return err
				}
				return reset(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "send",
			Short: "Generate synthetic device events into the configured source",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, _, err := load()
				if err != nil {
					return err
				}
				return send(cmd.Context(), cfg)
			},
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Fatalf("[main] %v", err)
	}
}

func run(ctx context.Context, cfg config.Config, gate *logging.Gate) error {
	log := logging.Component("main")
	log.Info("block writer starting", "version", Version, "git_sha", GitSHA)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New("block_writer", reg)
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address, reg); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
		log.Info("metrics server listening", "address", cfg.Metrics.Address)
	}

	state, err := kv.Open(ctx, cfg.KV())
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer state.Close()

	start := time.Now().UTC()
	blobs, err := storage.NewBlobStore(ctx, cfg.BlobStorage(), start)
	if err != nil {
		return fmt.Errorf("open blob storage: %w", err)
	}
	defer blobs.Close()
	log.Info("blob storage ready", "backend", cfg.Storage.Backend, "container", cfg.BlobStorage().ContainerName(start))

	src, err := source.New(ctx, cfg.MessageSource())
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	ing := ingest.New(cfg.Ingestion(), src, state, storage.NewBlockWriter(blobs, gate, m), gate, m)
	log.Info("ingest starting", "run_id", ing.RunID(), "partitions", src.Partitions())

	err = ing.Run(ctx)
	for _, st := range ing.Stats() {
		log.Info("partition summary",
			"partition", st.Partition,
			"batches", st.Batches,
			"messages", st.Messages,
			"dropped", st.Dropped,
			"retries", st.Retries,
			"last_txid", st.LastTxid,
			"last_block", st.LastBlock.String(),
			"source_offset", st.SourceOffset,
		)
	}
	if err != nil {
		return fmt.Errorf("ingest failed: %w", err)
	}
	log.Info("block writer stopped cleanly")
	return nil
}

// partitions returns the configured partitions, or asks the source.
func partitions(ctx context.Context, cfg config.Config) ([]int, error) {
	if len(cfg.Source.Partitions) > 0 {
		return cfg.Source.Partitions, nil
	}
	src, err := source.New(ctx, cfg.MessageSource())
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer src.Close()
	return src.Partitions(), nil
}

func status(ctx context.Context, cfg config.Config) error {
	parts, err := partitions(ctx, cfg)
	if err != nil {
		return err
	}
	state, err := kv.Open(ctx, cfg.KV())
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer state.Close()

	naming := cfg.Naming()
	st, err := ingest.Status(ctx, state, cfg.KeyFormats(), naming, parts)
	if err != nil {
		return err
	}
	for _, s := range st {
		switch {
		case s.Err != nil:
			fmt.Printf("partition %d: inconsistent: %v\n", s.Partition, s.Err)
		case !s.Found:
			fmt.Printf("partition %d: no record\n", s.Partition)
		default:
			fmt.Printf("partition %d: txid=%d first=%s last=%s\n",
				s.Partition, s.Record.Txid,
				naming.FormatPointer(s.Record.FirstBlock), naming.FormatPointer(s.Record.LastBlock))
		}
	}
	return nil
}

func reset(ctx context.Context, cfg config.Config) error {
	parts, err := partitions(ctx, cfg)
	if err != nil {
		return err
	}
	state, err := kv.Open(ctx, cfg.KV())
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer state.Close()

	if err := ingest.Reset(ctx, state, cfg.KeyFormats(), parts); err != nil {
		return err
	}
	slog.Info("recovery records cleared", "partitions", parts)
	return nil
}

func read(ctx context.Context, cfg config.Config, partition, blobSeq int, runSuffix string) error {
	var start time.Time
	if cfg.Storage.ContainerSuffix {
		if runSuffix == "" {
			return fmt.Errorf("--run is required when storage.container_suffix is set")
		}
		var err error
		start, err = time.Parse(strings.TrimPrefix(storage.ContainerSuffixLayout, "-"), runSuffix)
		if err != nil {
			return fmt.Errorf("parse --run: %w", err)
		}
	}
	blobs, err := storage.NewBlobStore(ctx, cfg.BlobStorage(), start)
	if err != nil {
		return fmt.Errorf("open blob storage: %w", err)
	}
	defer blobs.Close()

	data, err := blobs.ReadBlob(ctx, cfg.Naming().Blob(partition, blobSeq))
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func send(ctx context.Context, cfg config.Config) error {
	var (
		sink events.Sink
		err  error
	)
	switch cfg.Source.Backend {
	case "kafka":
		sink, err = events.NewKafkaSink(cfg.Source.Brokers, cfg.Source.Topic)
	case "file":
		n := 1
		for _, p := range cfg.Source.Partitions {
			n = max(n, p+1)
		}
		sink, err = events.NewFileSink(cfg.Source.Dir, n)
	default:
		err = fmt.Errorf("%w: %s", source.ErrInvalidSourceMode, cfg.Source.Backend)
	}
	if err != nil {
		return err
	}

	g := events.NewGenerator(cfg.Events.Devices, cfg.Events.Seed)
	sent, runErr := events.Run(ctx, g, sink, cfg.Events.Interval, cfg.Events.Count)
	closeErr := sink.Close()
	slog.Info("events sent", "count", sent)
	return errors.Join(runErr, closeErr)
}
