package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kwv/gazeaoi/aoi"
	"github.com/kwv/gazeaoi/apriltag"
	"github.com/kwv/gazeaoi/internal/log"
)

const defaultHTTPPort = 8080

// App encapsulates the application state and dependencies
type App struct {
	Config       *aoi.Config
	Camera       *aoi.Camera
	Mapper       *aoi.MarkerMapper
	StateTracker *aoi.StateTracker
	MQTTClient   *aoi.MQTTClient
	Publisher    *aoi.Publisher
	GazeBuffer   *aoi.GazeBuffer

	// DetectorFactory and OpenGrabber are replaced in tests.
	DetectorFactory aoi.DetectorFactory
	OpenGrabber     func(device string) (aoi.FrameGrabber, error)

	// CLI Flags (effectively dependencies)
	ConfigFile     string
	SurfacesFile   string
	IntrinsicsFile string
	Serial         string
	OutputFile     string
	LogLevel       string
	HttpPort       int
	MqttMode       bool
	HttpMode       bool
}

// AppOptions carries CLI flag values into the App.
type AppOptions struct {
	ConfigFile     string
	SurfacesFile   string
	IntrinsicsFile string
	Serial         string
	OutputFile     string
	LogLevel       string
	HttpPort       int
	MqttMode       bool
	HttpMode       bool
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		StateTracker:    aoi.NewStateTracker(),
		GazeBuffer:      aoi.NewGazeBuffer(1024),
		DetectorFactory: apriltag.Factory,
		OpenGrabber: func(device string) (aoi.FrameGrabber, error) {
			return apriltag.OpenCapture(device)
		},
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.SurfacesFile = opts.SurfacesFile
	a.IntrinsicsFile = opts.IntrinsicsFile
	a.Serial = opts.Serial
	a.OutputFile = opts.OutputFile
	a.LogLevel = opts.LogLevel
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// RunInspect prints every surface in a definitions file.
func (a *App) RunInspect(w io.Writer, path string) error {
	surfaces, err := aoi.LoadSurfaceDefinitions(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Found %d surface(s) in %s\n\n", len(surfaces), path)
	for _, s := range surfaces {
		fmt.Fprintf(w, "=== %s ===\n", s.Name)
		fmt.Fprintf(w, "UID: %s\n", s.UID)
		fmt.Fprintf(w, "Orientation: rotation=%d flipX=%v flipY=%v\n",
			s.Orientation.Rotation, s.Orientation.FlipX, s.Orientation.FlipY)
		fmt.Fprintf(w, "Markers (%d):\n", s.NumMarkers())
		for _, id := range s.MarkerIDs() {
			m, _ := s.RegisteredMarker(id)
			fmt.Fprintf(w, "  %-16s", id)
			for _, v := range m.Vertices() {
				fmt.Fprintf(w, " (%.3f, %.3f)", v.X, v.Y)
			}
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w)
	}
	return nil
}

// RunUndistort removes lens distortion from an image file and writes a PNG.
func (a *App) RunUndistort(ctx context.Context, inPath string) error {
	cam, err := a.loadCamera(ctx)
	if err != nil {
		return err
	}
	img, err := readImage(inPath)
	if err != nil {
		return err
	}
	out := a.OutputFile
	if out == "" {
		out = strings.TrimSuffix(inPath, filepath.Ext(inPath)) + "-undistorted.png"
	}

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("creating %s: %w", out, err)
	}
	defer f.Close()
	if err := png.Encode(f, cam.UndistortImage(img)); err != nil {
		return fmt.Errorf("encoding %s: %w", out, err)
	}
	log.Info(log.Fields{"input": inPath, "output": out}, "wrote undistorted image")
	return nil
}

// RunMapImage processes a single image with the given gaze samples and
// prints the frame summary as JSON. With OutputFile set, the overlay is
// written there as well (.png or .svg).
func (a *App) RunMapImage(ctx context.Context, w io.Writer, imgPath string, gaze []aoi.GazeSample) error {
	if err := a.setupMapper(ctx); err != nil {
		return err
	}
	defer a.Mapper.Close()

	img, err := readImage(imgPath)
	if err != nil {
		return err
	}
	result, err := a.Mapper.ProcessFrame(img, gaze)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result.Summary()); err != nil {
		return err
	}

	if a.OutputFile == "" {
		return nil
	}
	f, err := os.Create(a.OutputFile)
	if err != nil {
		return fmt.Errorf("creating %s: %w", a.OutputFile, err)
	}
	defer f.Close()

	renderer := aoi.NewOverlayRenderer(a.Camera)
	renderer.Background = img
	if strings.EqualFold(filepath.Ext(a.OutputFile), ".svg") {
		return renderer.RenderSVG(f, img.Bounds(), result, gaze)
	}
	return renderer.RenderPNG(f, img.Bounds(), result, gaze)
}

// RunService runs the frame loop until ctx is cancelled or the video source
// ends, with MQTT and the HTTP server as configured.
func (a *App) RunService(ctx context.Context) error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	if err := a.setupMapper(ctx); err != nil {
		return err
	}
	defer a.Mapper.Close()

	if a.MqttMode {
		client, err := aoi.NewMQTTClient(a.Config, a.GazeBuffer.Push)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		if client == nil {
			return errors.New("MQTT mode requested but mqtt.broker is not configured")
		}
		a.MQTTClient = client
		a.Publisher = aoi.NewPublisher(client.Client(), a.Config.MQTT.PublishPrefix)
		client.Start(ctx)
		defer client.Disconnect()
	}

	if a.HttpMode {
		port := a.HttpPort
		if port == 0 {
			port = a.Config.HTTP.Port
		}
		if port == 0 {
			port = defaultHTTPPort
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", port),
			Handler:           newHTTPServer(a.StateTracker, a.Mapper.Surfaces(), a.Camera),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info(log.Fields{"addr": srv.Addr}, "starting HTTP server")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(log.Fields{"error": err}, "HTTP server error")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	grabber, err := a.OpenGrabber(a.Config.Video.Device)
	if err != nil {
		return err
	}
	source := &aoi.MatchedSource{Grabber: grabber, Gaze: a.GazeBuffer}
	defer source.Close()

	a.printServiceInfo()
	return a.processLoop(ctx, source)
}

// processLoop drives the mapper one frame at a time.
func (a *App) processLoop(ctx context.Context, source aoi.FrameSource) error {
	for {
		frame, gaze, err := source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Info(log.Fields{"frames": a.StateTracker.FrameCount()}, "video source ended")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}

		result, err := a.Mapper.ProcessFrame(frame, gaze)
		if err != nil {
			if errors.Is(err, aoi.ErrNotConfigured) {
				log.Warn(nil, "skipping frame: mapper not configured")
				continue
			}
			log.Error(log.Fields{"error": err}, "frame processing failed")
			continue
		}

		a.StateTracker.Update(result, frame.Bounds(), gaze)
		if a.Publisher != nil {
			if err := a.Publisher.PublishFrame(result); err != nil && !errors.Is(err, aoi.ErrPublisherDisconnected) {
				log.Warn(log.Fields{"error": err}, "failed to publish frame result")
			}
		}
	}
}

// loadConfig reads the config file and lets CLI flags override it.
func (a *App) loadConfig() error {
	config, err := aoi.ReadConfig(a.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a.applyFlagOverrides(config)
	if err := config.Validate(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a.Config = config
	if a.LogLevel == "" {
		if err := log.SetLevel(config.LogLevel); err != nil {
			return err
		}
	}
	log.Info(log.Fields{"path": a.ConfigFile}, "loaded config")
	return nil
}

// applyFlagOverrides copies --surfaces, --intrinsics and --serial into
// config. Either camera flag replaces the whole camera source.
func (a *App) applyFlagOverrides(config *aoi.Config) {
	if a.SurfacesFile != "" {
		config.Surfaces = a.SurfacesFile
	}
	if a.IntrinsicsFile != "" || a.Serial != "" {
		config.Camera.IntrinsicsFile = a.IntrinsicsFile
		config.Camera.Serial = a.Serial
	}
}

// loadOptionalConfig loads the config file only if it exists.
func (a *App) loadOptionalConfig() error {
	if _, err := os.Stat(a.ConfigFile); err != nil {
		return nil
	}
	return a.loadConfig()
}

// loadCamera resolves intrinsics from flags first, then from config.
func (a *App) loadCamera(ctx context.Context) (*aoi.Camera, error) {
	if a.Camera != nil {
		return a.Camera, nil
	}

	intrinsicsFile, serial := a.IntrinsicsFile, a.Serial
	var opts []aoi.FetchOption
	if a.Config != nil {
		if intrinsicsFile == "" && serial == "" {
			intrinsicsFile, serial = a.Config.Camera.IntrinsicsFile, a.Config.Camera.Serial
		}
		opts = append(opts,
			aoi.WithEndpoint(a.Config.Camera.Endpoint),
			aoi.WithCacheDir(a.Config.Camera.CacheDir),
		)
	}

	var (
		cam *aoi.Camera
		err error
	)
	switch {
	case intrinsicsFile != "":
		var in *aoi.Intrinsics
		if in, err = aoi.LoadIntrinsicsFile(intrinsicsFile); err == nil {
			cam, err = in.Camera()
		}
	case serial != "":
		cam, err = aoi.CameraForSerial(ctx, serial, opts...)
	default:
		return nil, errors.New("no camera intrinsics: set --intrinsics or --serial (or camera in config)")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load camera intrinsics: %w", err)
	}
	a.Camera = cam
	return cam, nil
}

// setupMapper builds the camera, the mapper and loads surfaces.
func (a *App) setupMapper(ctx context.Context) error {
	cam, err := a.loadCamera(ctx)
	if err != nil {
		return err
	}

	var opts []aoi.MapperOption
	if a.Config != nil && a.Config.Parallel {
		opts = append(opts, aoi.WithParallelLocalization())
	}
	mapper, err := aoi.NewMarkerMapper(a.DetectorFactory, cam, nil, opts...)
	if err != nil {
		return err
	}

	surfacesFile := a.SurfacesFile
	if surfacesFile == "" && a.Config != nil {
		surfacesFile = a.Config.Surfaces
	}
	if surfacesFile == "" {
		mapper.Close()
		return errors.New("no surface definitions: set --surfaces or surfaces in config")
	}
	if err := mapper.AddSurfaceDefinitionsFromFile(surfacesFile); err != nil {
		mapper.Close()
		return err
	}
	a.Mapper = mapper
	return nil
}

func (a *App) printServiceInfo() {
	fmt.Println("\nService Running")
	fmt.Println("===============")
	fmt.Printf("Surfaces: %d\n", len(a.Mapper.Surfaces()))
	for _, s := range a.Mapper.Surfaces() {
		fmt.Printf("  - %s (%s, %d markers)\n", s.Name, s.UID, s.NumMarkers())
	}

	if a.MqttMode {
		fmt.Println("\nMQTT:")
		fmt.Printf("  Gaze topic: %s\n", a.Config.MQTT.GazeTopic)
		fmt.Printf("  Publishing to: %s\n", a.Publisher.AOITopic("{surfaceUID}"))
		fmt.Printf("  Combined frame: %s\n", a.Publisher.FrameTopic())
	}

	if a.HttpMode {
		fmt.Println("\nHTTP endpoints:")
		fmt.Println("  GET /health              - Health check")
		fmt.Println("  GET /surfaces            - Surface definitions")
		fmt.Println("  GET /result              - Latest frame result")
		fmt.Println("  GET /overlay.svg|png     - Markers, AOIs and gaze of the latest frame")
		fmt.Println("  GET /aoi/{uid}/gaze.svg  - Gaze mapped onto one AOI")
		fmt.Println("  GET /ws                  - Websocket stream of mapped gaze")
	}

	fmt.Println("\nPress Ctrl+C to stop")
}

func readImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return img, nil
}

// parseGaze parses "x,y[;x,y...]" pixel coordinates.
func parseGaze(spec string) ([]aoi.GazeSample, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, nil
	}
	var samples []aoi.GazeSample
	for _, pair := range strings.Split(spec, ";") {
		parts := strings.Split(strings.TrimSpace(pair), ",")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid gaze %q: want x,y", pair)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid gaze x %q: %w", parts[0], err)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid gaze y %q: %w", parts[1], err)
		}
		samples = append(samples, aoi.GazeSample{X: x, Y: y})
	}
	return samples, nil
}
