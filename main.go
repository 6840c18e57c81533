// Command gazetrack runs the eye-tracking server: the camera capture loop,
// the pupil/Purkinje detection pipeline, the calibration estimator, the TCP
// control protocol for the experiment host and the HTTP monitor surface.
package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/opengaze/gazetrack/internal/camera"
	"github.com/opengaze/gazetrack/internal/config"
	"github.com/opengaze/gazetrack/internal/db"
	"github.com/opengaze/gazetrack/internal/fsutil"
	"github.com/opengaze/gazetrack/internal/gaze"
	"github.com/opengaze/gazetrack/internal/monitor"
	"github.com/opengaze/gazetrack/internal/monitoring"
	"github.com/opengaze/gazetrack/internal/protocol"
	"github.com/opengaze/gazetrack/internal/usbio"
)

var (
	configDir  = flag.String("configdir", "config", "Directory holding the configuration file")
	dataDir    = flag.String("datadir", "data", "Directory data files are written to")
	configFile = flag.String("config", config.DefaultConfigName, "Configuration file name")
	listen     = flag.String("listen", ":8080", "Monitor HTTP listen address (empty disables)")
	dbFile     = flag.String("db", "gazetrack.db", "Session database file (empty disables)")
	devMode    = flag.Bool("dev", false, "Run against the synthetic camera with fast frame pacing")
)

func main() {
	flag.Parse()

	cfgPath := filepath.Join(*configDir, *configFile)
	var cfg *config.Config
	if fsutil.Exists(cfgPath) {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			log.Fatalf("failed to load configuration: %v", err)
		}
		log.Printf("configuration file is %s", cfgPath)
	} else {
		cfg = config.Default()
		if err := cfg.Validate(); err != nil {
			log.Fatalf("invalid default configuration: %v", err)
		}
		if err := cfg.SaveFile(cfgPath); err != nil {
			log.Fatalf("failed to write default configuration: %v", err)
		}
		log.Printf("wrote default configuration to %s", cfgPath)
	}

	if err := fsutil.EnsureDir(*dataDir); err != nil {
		log.Fatalf("failed to create data directory: %v", err)
	}

	buffers, err := gaze.NewBuffers(cfg)
	if err != nil {
		log.Fatalf("failed to allocate buffers: %v", err)
	}
	engine := gaze.NewEngine(cfg, buffers)
	menu := config.NewMenu(cfg)

	// The in-tree backend is the synthetic camera; hardware backends plug in
	// here by satisfying camera.Driver.
	driver := camera.NewSynthetic(cfg.CameraWidth, cfg.CameraHeight)
	if !*devMode {
		driver.Interval = 8 * time.Millisecond
	}
	if err := driver.Init(cfg.Camera, cfg.CameraWidth, cfg.CameraHeight); err != nil {
		log.Fatalf("failed to initialize camera: %v", err)
	}
	defer driver.Release()

	var sink gaze.EventSink
	var sessionDB *db.DB
	if *dbFile != "" {
		sessionDB, err = db.NewDB(*dbFile)
		if err != nil {
			log.Fatalf("failed to open session database: %v", err)
		}
		defer sessionDB.Close()
		sink = sessionDB
	}

	var sampler gaze.IOSampler
	var board *usbio.Board
	if cfg.UseUSBIO() {
		board, err = usbio.Open(cfg.USBIOBoard, cfg.USBIOAD, cfg.USBIODI)
		if err != nil {
			log.Fatalf("failed to initialize I/O board: %v", err)
		}
		defer board.Close()
		sampler = board
	}

	session := gaze.NewSession(cfg, buffers, engine, sampler, sink)
	// The synthetic backend tags each frame with its sequence number.
	session.SetCameraMeta(true)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	// Capture loop: grab a frame into the source buffer, run detection, route
	// the result through the state machine.
	mon := monitor.NewServer(session)
	metrics := mon.Metrics()
	wg.Add(1)
	go func() {
		defer wg.Done()
		var overflows int64
		for ctx.Err() == nil {
			meta, err := driver.Grab(ctx, buffers.Src)
			if err != nil {
				if ctx.Err() == nil {
					monitoring.Logf("camera grab failed, capture stopped: %v", err)
				}
				break
			}
			det := session.ProcessFrame(meta)
			metrics.Frames.Inc()
			if det.Tag != 0 {
				metrics.DetectErrors.Inc()
			}
			metrics.RingDepth.Set(float64(session.SampleCount()))
			if n := session.Snapshot().Overflows; n > overflows {
				metrics.Overflows.Add(float64(n - overflows))
				overflows = n
			}
		}
		monitoring.Logf("capture loop terminated")
	}()

	// I/O board monitor.
	if board != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := board.Monitor(ctx); err != nil && err != context.Canceled {
				monitoring.Logf("I/O board monitor failed: %v", err)
			}
		}()
	}

	// Control protocol for the experiment host.
	proto := protocol.NewServer(cfg, session, menu, *dataDir)
	proto.Quit = stop
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := proto.ListenAndServe(ctx); err != nil && err != context.Canceled {
			log.Fatalf("control protocol failed: %v", err)
		}
		monitoring.Logf("control protocol terminated")
	}()

	// Monitor HTTP server.
	if *listen != "" {
		server := &http.Server{Addr: *listen, Handler: mon.ServeMux()}
		wg.Add(1)
		go func() {
			defer wg.Done()
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("failed to start monitor server: %v", err)
				}
			}()
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				monitoring.Logf("monitor server shutdown error: %v", err)
			}
		}()
	}

	wg.Wait()

	// A lost shutdown race could leave a recording open; end it cleanly so
	// the data file stays valid.
	if session.State() == gaze.StateRecording {
		session.StopRecording("Shutdown")
	}
	session.CloseDataFile()

	saveConfig(cfg, driver, cfgPath)
	log.Printf("graceful shutdown complete")
}

// saveConfig writes the current (possibly menu-adjusted) parameters and the
// camera backend parameters back to the configuration file.
func saveConfig(cfg *config.Config, driver camera.Driver, path string) {
	var camParams bytes.Buffer
	if err := driver.SaveParams(&camParams); err != nil {
		monitoring.Logf("failed to collect camera parameters: %v", err)
	}
	scan := bufio.NewScanner(&camParams)
	for scan.Scan() {
		if key, value, ok := strings.Cut(scan.Text(), "="); ok {
			cfg.Camera[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	if err := cfg.SaveFile(path); err != nil {
		monitoring.Logf("failed to save configuration: %v", err)
	}
}
