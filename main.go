package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kwv/gazeaoi/aoi"
	"github.com/kwv/gazeaoi/internal/log"
)

// Version is set at build time via -ldflags
var Version = "dev"

var (
	configFile     = flag.String("config", "config.yaml", "Path to configuration file")
	envFile        = flag.String("env-file", ".env", "Optional KEY=value file loaded into the environment")
	surfacesFile   = flag.String("surfaces", "", "Surface definitions file (overrides config)")
	intrinsicsFile = flag.String("intrinsics", "", "Local camera intrinsics JSON (overrides config)")
	serial         = flag.String("serial", "", "Scene camera serial for the calibration service (overrides config)")
	inspectFile    = flag.String("inspect", "", "Print the surfaces in a definitions file and exit")
	undistortFile  = flag.String("undistort", "", "Undistort an image file and exit")
	mapImage       = flag.String("map-image", "", "Map gaze on a single image and exit")
	gazeSpec       = flag.String("gaze", "", "Gaze for --map-image: x,y[;x,y...] in pixels")
	outputFile     = flag.String("output", "", "Output file for --undistort and --map-image")
	mqttMode       = flag.Bool("mqtt", false, "Subscribe to gaze and publish AOI results over MQTT")
	httpMode       = flag.Bool("http", false, "Enable HTTP server for results, overlays and the gaze websocket")
	httpPort       = flag.Int("http-port", 0, "HTTP server port (default: config, then 8080)")
	logLevel       = flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFile        = flag.String("log-file", "", "Also write logs to this rotating file")
)

func main() {
	flag.Parse()
	fmt.Printf("gazeaoi version: %s\n", Version)

	if err := aoi.LoadDotEnv(*envFile); err != nil {
		log.Warn(log.Fields{"error": err}, "failed to load env file")
	}
	if err := log.Configure(log.Options{Level: *logLevel, File: *logFile}); err != nil {
		log.Fatal(log.Fields{"error": err}, "invalid logging options")
	}

	app := NewApp()
	app.ApplyOptions(AppOptions{
		ConfigFile:     *configFile,
		SurfacesFile:   *surfacesFile,
		IntrinsicsFile: *intrinsicsFile,
		Serial:         *serial,
		OutputFile:     *outputFile,
		LogLevel:       *logLevel,
		HttpPort:       *httpPort,
		MqttMode:       *mqttMode,
		HttpMode:       *httpMode,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, app); err != nil {
		log.Fatal(log.Fields{"error": err}, "gazeaoi failed")
	}
}

func run(ctx context.Context, app *App) error {
	switch {
	case *inspectFile != "":
		return app.RunInspect(os.Stdout, *inspectFile)

	case *undistortFile != "":
		if err := app.loadOptionalConfig(); err != nil {
			return err
		}
		return app.RunUndistort(ctx, *undistortFile)

	case *mapImage != "":
		gaze, err := parseGaze(*gazeSpec)
		if err != nil {
			return err
		}
		if err := app.loadOptionalConfig(); err != nil {
			return err
		}
		return app.RunMapImage(ctx, os.Stdout, *mapImage, gaze)

	case *mqttMode || *httpMode:
		if err := app.RunService(ctx); err != nil {
			return err
		}
		fmt.Println("Service stopped")
		return nil
	}

	fmt.Println("Use --inspect FILE to list surface definitions")
	fmt.Println("Use --undistort IMAGE [--output OUT] to remove lens distortion")
	fmt.Println("Use --map-image IMAGE --gaze x,y to map gaze on one image")
	fmt.Println("Use --mqtt and/or --http to run the service")
	fmt.Println("\nConfiguration:")
	fmt.Println("  config.yaml - camera, surfaces, video, MQTT and HTTP settings")
	fmt.Println("  .env        - optional environment overrides (MQTT_BROKER, LOG_LEVEL, ...)")
	return nil
}
