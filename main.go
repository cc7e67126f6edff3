package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"platecam/capture"
	"platecam/config"
	"platecam/predict"
	"platecam/serve"
	"platecam/session"
	"platecam/video/sink"
	"platecam/video/source"
	"platecam/video/source/webcam"
)

var (
	port       = flag.Int("port", 8080, "Port to host web frontend.")
	configPath = flag.String("config", "", "Configuration file (.json or .yaml). Empty configures from the environment.")
	webDir     = flag.String("web", "", "Directory holding the external UI shell, served at /. Not served when empty.")
	verbose    = flag.Bool("v", false, "Verbose logging.")
)

func main() {
	flag.Parse()
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := config.Load(ctx, *configPath); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.Get()

	preview := sink.NewMJPEGServer()
	defer preview.Close()

	opener := &webcam.Opener{
		Devices: map[source.Facing]string{
			source.Rear:  cfg.RearDevice,
			source.Front: cfg.FrontDevice,
		},
		Width:     cfg.CaptureWidth,
		Height:    cfg.CaptureHeight,
		Preview:   preview,
		Timestamp: cfg.PreviewTimestamp,
	}
	var camera capture.Camera
	if cfg.RearDevice != "" || cfg.FrontDevice != "" {
		camera = source.NewDevice(opener, cfg.ReadyTimeout())
	} else {
		log.Warnf("No capture device configured; only uploads will work")
	}

	client, err := predict.NewClient(predict.Options{
		Endpoint: cfg.Endpoint,
		Field:    cfg.ImageField,
		Timeout:  cfg.RequestTimeout(),
	})
	if err != nil {
		log.Fatalf("Failed to create prediction client: %v", err)
	}

	// The inline token is read per submission so a reload applies to the next
	// upload. The token file is re-read every time as well.
	tokens := session.First{
		session.Func(func() (string, bool) { return session.Static(config.Get().Token).Token() }),
	}
	if cfg.TokenFile != "" {
		tokens = append(tokens, &session.File{Path: cfg.TokenFile})
	}

	ctrl := capture.New(capture.Options{
		Camera:      camera,
		Client:      client,
		Tokens:      tokens,
		JPEGQuality: cfg.JPEGQuality,
	})

	sentinels := serve.Sentinels(func() []string { return config.Get().SentinelLabels })
	updater := serve.NewStateUpdater(sentinels)
	ctrl.AddListener(updater)
	ctrl.AddListener(capture.ListenerFunc(func(s capture.State) {
		// Don't leave a stale frame up once the camera is gone.
		if s.Kind == capture.CameraUnavailable || s.Kind == capture.Released {
			preview.Clear()
		}
	}))
	updater.StateChanged(ctrl.State())

	if err := ctrl.Arm(); err != nil {
		log.Errorf("Failed to arm camera: %v", err)
	}

	for _, action := range []string{serve.Arm, serve.Capture, serve.Retake, serve.Upload} {
		http.Handle("/"+action, &serve.ControlServer{
			Ctrl:        ctrl,
			Sentinels:   sentinels,
			Action:      action,
			UploadField: cfg.ImageField,
		})
	}
	http.Handle("/state", &serve.StateServer{Ctrl: ctrl, Sentinels: sentinels})
	http.Handle("/statews", updater)
	http.Handle("/captured", &serve.CapturedServer{Ctrl: ctrl})
	http.Handle("/preview", preview)
	http.Handle("/metrics", promhttp.Handler())
	mountUI(http.DefaultServeMux, *webDir)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)
	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", *port),
		Handler: handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(
			handlers.LoggingHandler(log.StandardLogger().WriterLevel(log.DebugLevel), cors(http.DefaultServeMux))),
	}

	go func() {
		log.Infof("Hosting web frontend on port %d", *port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Infof("Caught signal %v", sig)

	ctrl.Close()
	updater.Close()
	preview.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("HTTP shutdown: %v", err)
	}
}

// mountUI serves the UI shell from dir. With no dir only the API is served.
func mountUI(mux *http.ServeMux, dir string) {
	if dir == "" {
		log.Infof("No UI directory given; serving the API only")
		return
	}
	mux.Handle("/", http.FileServer(http.Dir(dir)))
}
