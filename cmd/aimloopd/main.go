// aimloopd runs the target alignment control loop: it accepts detections
// over HTTP, converges the pointing device on the aim reference and
// drives the trigger sequence. SIGINT or SIGTERM disengages cleanly and
// persists calibration.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gimbalworks/aimloop/internal/actuator"
	"github.com/gimbalworks/aimloop/internal/api"
	"github.com/gimbalworks/aimloop/internal/calib"
	"github.com/gimbalworks/aimloop/internal/config"
	"github.com/gimbalworks/aimloop/internal/geom"
	"github.com/gimbalworks/aimloop/internal/motion"
	"github.com/gimbalworks/aimloop/internal/pipeline"
	"github.com/gimbalworks/aimloop/internal/storage/sqlite"
	"github.com/gimbalworks/aimloop/internal/trigger"
	"github.com/gimbalworks/aimloop/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to tuning config JSON (defaults baked in when empty)")
	dbPath     = flag.String("db", "aimloop.db", "Path to the calibration database")
	listen     = flag.String("listen", ":8080", "Status and detection listen address")
	serialPort = flag.String("port", "", "Serial actuator port (simulator when empty)")
	dryRun     = flag.Bool("dry-run", false, "Use the simulator backend and an in-memory database")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

func loadTuning() *config.TuningConfig {
	if *configPath == "" {
		return config.EmptyTuningConfig()
	}
	cfg, err := config.LoadTuningConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load tuning config: %v", err)
	}
	return cfg
}

// buildGateway assembles the actuator chain: serial hardware first when
// configured, the simulator otherwise, with a no-op terminal so total
// backend loss degrades to observation instead of an error storm.
func buildGateway(timeout time.Duration) (actuator.Gateway, actuator.InputState, func()) {
	sim := actuator.NewSim()
	if *serialPort == "" || *dryRun {
		log.Printf("using simulator actuator backend")
		return actuator.WithTimeout(sim, timeout), actuator.ReleaseWithTimeout(sim, timeout), func() {}
	}
	serial, err := actuator.OpenSerial(*serialPort)
	if err != nil {
		log.Fatalf("failed to open serial actuator on %s: %v", *serialPort, err)
	}
	chain := actuator.NewChain(
		actuator.WithTimeout(serial, timeout),
		actuator.Noop{},
	)
	return chain, actuator.ReleaseWithTimeout(serial, timeout), func() { serial.Close() }
}

func main() {
	flag.Parse()
	if *showVer {
		log.Printf("aimloopd %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	tuning := loadTuning()
	if err := tuning.Validate(); err != nil {
		log.Fatalf("invalid tuning config: %v", err)
	}

	gateway, input, closeGateway := buildGateway(tuning.GetActuatorTimeout())
	defer closeGateway()

	storePath := *dbPath
	if *dryRun {
		storePath = ":memory:"
	}
	store, err := sqlite.Open(storePath)
	if err != nil {
		log.Fatalf("failed to open calibration database: %v", err)
	}
	defer store.Close()

	cal := calib.NewState(calib.ParamsFromTuning(tuning))
	ctrl := motion.NewController(motion.ConfigFromTuning(tuning), cal, gateway)
	trig := trigger.NewMachine(trigger.ConfigFromTuning(tuning), gateway, input)

	opts := pipeline.Options{
		Geometry:   geom.GeometryFromTuning(tuning),
		Controller: ctrl,
		Trigger:    trig,
		Calib:      cal,
		Store:      store,
	}
	opts.ApplyTuning(tuning)
	loop, err := pipeline.New(opts)
	if err != nil {
		log.Fatalf("failed to build control loop: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log.Printf("aimloopd %s starting (session %s)", version.Version, loop.SessionID())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := loop.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("control loop error: %v", err)
		}
		log.Print("control loop stopped")
	}()

	srv := api.NewServer(loop, cal)
	mux := srv.ServeMux()
	mux.HandleFunc("/api/detections", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var target geom.Target
		if err := json.NewDecoder(r.Body).Decode(&target); err != nil {
			http.Error(w, "invalid detection payload", http.StatusBadRequest)
			return
		}
		if target.Timestamp.IsZero() {
			target.Timestamp = time.Now()
		}
		loop.Offer(target)
		w.WriteHeader(http.StatusAccepted)
	})

	httpSrv := &http.Server{Addr: *listen, Handler: mux}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	wg.Wait()
	log.Printf("graceful shutdown complete")
}
