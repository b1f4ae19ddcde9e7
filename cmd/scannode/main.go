package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cuemby/gridscan/pkg/config"
	"github.com/cuemby/gridscan/pkg/log"
	"github.com/cuemby/gridscan/pkg/monitor"
	"github.com/cuemby/gridscan/pkg/scan"
	"github.com/cuemby/gridscan/pkg/store"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "scannode",
	Short:   "gridscan node: the scan-execution core of a distributed key-value store",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("scannode version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(serveCmd, loadCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scan node: config load, store open, monitor API, signal handling",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dbPath, _ := cmd.Flags().GetString("db-path")
		monitorAddr, _ := cmd.Flags().GetString("monitor-addr")

		cfg, err := config.LoadFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if dbPath != "" {
			cfg.DBPath = dbPath
		}
		if monitorAddr != "" {
			cfg.MonitorAddress = monitorAddr
		}

		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		manager := scan.NewScanManager(
			st,
			func(namespace string) scan.AdmissionCaps { return cfg.AdmissionCaps(namespace) },
			cfg.WorkerPoolSize,
			cfg.FinishedJobCapacity,
		)

		runtime := scan.NewLuaUDFRuntime(cfg.UDFDisabledFlag())
		dispatcher := store.NewInlineDispatcher(st, runtime)
		compiler := scan.NewPredicateCompiler()

		ln, err := net.Listen("tcp", cfg.ListenAddress)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.ListenAddress, err)
		}

		monitorServer := monitor.New(cfg.MonitorAddress, manager)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 2)
		go func() {
			errCh <- monitorServer.Start(ctx)
		}()
		go func() {
			errCh <- scan.Serve(ctx, ln, scan.Collaborators{
				Manager:              manager,
				Store:                st,
				Compiler:             compiler,
				Runtime:              runtime,
				Dispatcher:           dispatcher,
				ValueEncode:          defaultValueEncode,
				BackgroundScanMaxRPS: cfg.BackgroundScanMaxRPS,
			})
		}()

		log.Logger.Info().
			Str("listen_address", cfg.ListenAddress).
			Str("db_path", cfg.DBPath).
			Str("monitor_address", cfg.MonitorAddress).
			Int("worker_pool_size", cfg.WorkerPoolSize).
			Msg("scannode started")

		select {
		case <-ctx.Done():
			manager.AbortAll()
			manager.Stop()
			return <-errCh
		case err := <-errCh:
			manager.Stop()
			return err
		}
	},
}

// defaultValueEncode renders an aggregation output value as text; a real
// deployment would swap this for whatever wire format the client SDKs
// expect (matching the store's own value encoding).
func defaultValueEncode(val any) []byte {
	return []byte(fmt.Sprint(val))
}

func init() {
	addServeFlags(serveCmd.Flags())
}

func addServeFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a YAML config file")
	fs.String("db-path", "", "Override the store's on-disk path")
	fs.String("monitor-addr", "", "Override the monitoring API listen address")
}

// loadCmd seeds the store with synthetic records spread across the
// partition space, for smoke-testing scans against a fresh node.
var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Seed the store with synthetic records",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, _ := cmd.Flags().GetString("db-path")
		namespace, _ := cmd.Flags().GetString("namespace")
		setName, _ := cmd.Flags().GetString("set")
		count, _ := cmd.Flags().GetInt("count")

		st, err := store.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		setID := scan.InvalidSetID
		if setName != "" {
			setID = st.DefineSet(namespace, setName)
		}

		for i := 0; i < count; i++ {
			digest := store.DigestForPartition(i%scan.NumPartitions, uint64(i))
			bins := map[string][]byte{"seq": []byte(fmt.Sprintf("%d", i))}
			if err := st.Put(namespace, digest, setID, bins); err != nil {
				return fmt.Errorf("put record %d: %w", i, err)
			}
		}
		log.Logger.Info().Int("count", count).Str("namespace", namespace).Msg("records loaded")
		return nil
	},
}

func init() {
	loadCmd.Flags().String("db-path", "scan.db", "Store database path")
	loadCmd.Flags().String("namespace", "test", "Namespace to load into")
	loadCmd.Flags().String("set", "", "Set name for the loaded records")
	loadCmd.Flags().Int("count", 10000, "Number of records to load")
}
