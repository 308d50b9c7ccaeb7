package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/CZERTAINLY/wizvms/internal/log"
	"github.com/CZERTAINLY/wizvms/internal/model"
	"github.com/CZERTAINLY/wizvms/internal/service"
)

var (
	userConfigPath string // /default/config/path/wizvms on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	logCloser      io.Closer

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "wizvms")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is wizvms.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initWizVMs

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(inputsCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("wizvms failed", "err", err)
	}
	if logCloser != nil {
		_ = logCloser.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "wizvms",
	Short:        "Collects the virtual machine inventory of Wiz projects",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run reads the configuration and collects in manual or timer mode",
	RunE:  doRun,
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "collect runs a single collection regardless of the service mode",
	RunE:  doCollect,
}

var inputsCmd = &cobra.Command{
	Use:   "inputs",
	Short: "inputs lists the configured inputs",
	RunE:  doInputs,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a wizvms",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("wizvms: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("wizvms: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("wizvms",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	collector, err := service.NewCollector(ctx, config)
	if err != nil {
		return err
	}
	supervisor, err := service.NewSupervisor(ctx, config.Service, collector)
	if err != nil {
		return err
	}
	return supervisor.Do(ctx)
}

func doCollect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("wizvms",
		slog.String("cmd", "collect"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	svc := config.Service
	svc.Mode = model.ServiceModeManual
	collector, err := service.NewCollector(ctx, config)
	if err != nil {
		return err
	}
	supervisor, err := service.NewSupervisor(ctx, svc, collector)
	if err != nil {
		return err
	}
	return supervisor.Do(ctx)
}

func doInputs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	collector, err := service.NewCollector(ctx, config)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	for _, def := range collector.Definitions(ctx) {
		source := def.Source
		if source == "" {
			source = configPath
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", def.Name, def.Kind, source)
	}
	return nil
}

func initWizVMs(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("WIZVMSCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "wizvms.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "wizvms.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		enc.SetIndent(2)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	// initialize logging
	var logger *slog.Logger
	logger, logCloser = log.New(config.Service.Verbose, config.Service.Log)
	slog.SetDefault(logger)

	slog.Debug("wizvms run", "configPath", configPath)
	slog.Debug("wizvms run", "workers", config.Engine.Workers, "mode", config.Service.Mode, "sinks", len(config.Sinks))
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
