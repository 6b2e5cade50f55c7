package main

import (
	"context"
	"embed"
	"flag"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cropwatch/irrigation.report/internal/archive"
	"github.com/cropwatch/irrigation.report/internal/browser"
	"github.com/cropwatch/irrigation.report/internal/config"
	"github.com/cropwatch/irrigation.report/internal/control"
	"github.com/cropwatch/irrigation.report/internal/journal"
	"github.com/cropwatch/irrigation.report/internal/learning"
	"github.com/cropwatch/irrigation.report/internal/run"
	"github.com/cropwatch/irrigation.report/internal/timeutil"
	"github.com/cropwatch/irrigation.report/internal/version"
)

var (
	//go:embed static/*
	staticFiles embed.FS

	manager    = flag.String("manager", "", "Start a run for this manager immediately instead of waiting for the dashboard")
	maxFarms   = flag.Int("max-farms", 0, "Farm limit for an immediate run (0 = all)")
	headless   = flag.Bool("headless", true, "Run the browser headless")
	listen     = flag.Int("listen", 0, "Control-plane base port (increments when taken; 0 = config default)")
	configPath = flag.String("config", "config/app.yaml", "Path to the YAML config file")
)

func main() {
	flag.Parse()

	app, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := app.EnsureDirs(); err != nil {
		log.Fatalf("failed to create working directories: %v", err)
	}

	headlessOn := app.GetHeadless()
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "headless" {
			headlessOn = *headless
		}
	})
	basePort := app.GetListenPort()
	if *listen > 0 {
		basePort = *listen
	}

	log.Printf("irrigation.report %s (%s) starting", version.Version, version.GitSHA)

	var arc *archive.Archive
	if a, err := archive.Open(app.GetArchivePath()); err != nil {
		log.Printf("capture archive unavailable: %v", err)
	} else if err := a.MigrateUp(app.GetMigrationsDir()); err != nil {
		log.Printf("capture archive migration failed: %v", err)
		a.Close()
	} else {
		arc = a
		defer arc.Close()
	}

	j := journal.New(nil, app.GetJournalPath())
	training := learning.NewStore(nil, app.GetTrainingPath())
	signals := control.NewSignals()
	bus := control.NewBroadcaster()
	clock := timeutil.RealClock{}

	static, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatalf("failed to open embedded static files: %v", err)
	}
	server := control.NewServer(signals, bus, j, training, arc, app, static)

	ln, port, err := server.Listen(basePort)
	if err != nil {
		log.Fatalf("failed to bind control plane: %v", err)
	}
	log.Printf("dashboard listening on http://localhost:%d", port)

	driver := browser.NewChrome(headlessOn)
	orchestrator, err := run.New(driver, clock, signals, bus, j, training, arc, app, nil)
	if err != nil {
		log.Fatalf("failed to build orchestrator: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// An immediate run from the CLI pre-starts the signals; the dashboard is
	// still available for stop/mode/add-farms.
	if *manager != "" {
		mode := config.ModeNormal
		if app.GetTrainingMode() {
			mode = config.ModeLearning
		}
		cfg := config.RunConfig{Manager: *manager, Mode: mode, MaxFarms: *maxFarms}
		if err := signals.Start(cfg); err != nil {
			log.Fatalf("failed to start run: %v", err)
		}
		log.Printf("run started from CLI: manager=%s mode=%s", *manager, mode)
	}

	var wg sync.WaitGroup
	exitCode := 0

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Serve(ctx, ln); err != nil {
			log.Printf("control-plane server error: %v", err)
		}
		log.Print("control-plane server stopped")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stop()
		if err := orchestrator.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("run failed: %v", err)
			exitCode = 1
		}
		log.Print("orchestrator stopped")
	}()

	wg.Wait()
	log.Print("shutdown complete")
	os.Exit(exitCode)
}
