package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/MrCodeEU/livecheck/pkg/camera"
	"github.com/MrCodeEU/livecheck/pkg/config"
	"github.com/MrCodeEU/livecheck/pkg/detector"
	"github.com/MrCodeEU/livecheck/pkg/liveness"
	"github.com/MrCodeEU/livecheck/pkg/logging"
	"github.com/MrCodeEU/livecheck/pkg/server"
	"github.com/MrCodeEU/livecheck/pkg/verifier"
)

const version = "0.1.0"

// Command represents a CLI command.
type Command struct {
	Name        string
	Description string
	Usage       string
	Run         func(args []string) error
}

var (
	cfg      *config.Config
	commands map[string]*Command
)

// commandOrder is the order commands are listed in usage output.
var commandOrder = []string{"run", "serve", "download-models", "config", "version", "help"}

func init() {
	commands = map[string]*Command{
		"run": {
			Name:        "run",
			Description: "Run one liveness session on the local camera",
			Usage:       "livecheck run",
			Run:         cmdRun,
		},
		"serve": {
			Name:        "serve",
			Description: "Serve the session API and websocket for a browser shell",
			Usage:       "livecheck serve [listen-address]",
			Run:         cmdServe,
		},
		"download-models": {
			Name:        "download-models",
			Description: "Download the face detection models",
			Usage:       "livecheck download-models [model-dir]",
			Run:         cmdDownloadModels,
		},
		"config": {
			Name:        "config",
			Description: "Show current configuration",
			Usage:       "livecheck config",
			Run:         cmdConfig,
		},
		"version": {
			Name:        "version",
			Description: "Show version information",
			Usage:       "livecheck version",
			Run:         cmdVersion,
		},
		"help": {
			Name:        "help",
			Description: "Show help information",
			Usage:       "livecheck help [command]",
			Run:         cmdHelp,
		},
	}
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	args := flag.Args()

	var loadErr error
	if *configFile != "" {
		cfg, loadErr = config.Load(*configFile)
	} else {
		cfg, loadErr = config.LoadDefault()
	}
	cfg.ExpandPaths()

	if err := logging.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
	if *debug {
		logging.SetLevel("debug")
		cfg.Verifier.Debug = true
	}
	if loadErr != nil {
		logging.Warnf("Could not load config, using defaults and environment: %v", loadErr)
	}

	logging.WithFields(logging.Fields{
		"version": version,
		"mode":    cfg.Mode,
	}).Debug("livecheck starting")

	if len(args) < 1 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	cmdName := args[0]
	cmd, ok := commands[cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmdName)
		printUsage(os.Stderr)
		os.Exit(1)
	}

	if err := cmd.Run(args[1:]); err != nil {
		logging.WithError(err).Errorf("Command '%s' failed", cmdName)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitSystemError)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "livecheck - camera liveness verification")
	fmt.Fprintf(w, "Version: %s\n\n", version)
	fmt.Fprintln(w, "Usage: livecheck [options] <command> [arguments]")
	fmt.Fprintln(w, "\nOptions:")
	fmt.Fprintln(w, "  -config <file>   Path to configuration file")
	fmt.Fprintln(w, "  -debug           Enable debug logging and verifier debug data")
	fmt.Fprintln(w, "\nCommands:")
	for _, name := range commandOrder {
		cmd := commands[name]
		fmt.Fprintf(w, "  %-16s %s\n", cmd.Name, cmd.Description)
	}
	fmt.Fprintln(w, "\nExamples:")
	fmt.Fprintln(w, "  livecheck download-models     # Fetch the cascade and dlib models")
	fmt.Fprintln(w, "  livecheck run                 # Run one session, exit 0 when live")
	fmt.Fprintln(w, "  livecheck -debug serve :3000  # Serve the browser bridge")
	fmt.Fprintln(w, "\nRun 'livecheck help <command>' for more information on a command.")
}

// components are the collaborators of one controller.
type components struct {
	ctrl  *liveness.Controller
	focus *liveness.FocusBroker
	cam   *camera.Device
	det   detector.Detector
}

func (c *components) Close() {
	if c.ctrl != nil {
		_ = c.ctrl.Close()
	}
	if c.cam != nil {
		_ = c.cam.StopStreaming()
	}
	if closer, ok := c.det.(io.Closer); ok {
		_ = closer.Close()
	}
}

// buildController wires camera, detector and verifier from cfg.
func buildController(cfg *config.Config) (*components, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cam := camera.NewDevice(
		camera.NewFFmpegSource(cfg.Camera.FFmpegPath, cfg.Camera.FPS),
		camera.Options{
			Device:  cfg.Camera.Device,
			Quality: cfg.Camera.PictureQuality,
			Viewport: camera.Size{
				Width:  cfg.Camera.ViewportWidth,
				Height: cfg.Camera.ViewportHeight,
			},
		},
	)

	c := &components{
		focus: liveness.NewFocusBroker(),
		cam:   cam,
	}

	// Classic mode leaves face finding to the verifier
	if cfg.Mode != string(liveness.ModeClassic) {
		det, err := detector.New(cfg.Detector)
		if err != nil {
			return nil, fmt.Errorf("failed to load face detector (try 'livecheck download-models'): %w", err)
		}
		c.det = det
	}

	ctrl, err := liveness.New(liveness.OptionsFromConfig(cfg), liveness.Deps{
		Camera:   cam,
		Detector: c.det,
		Verifier: verifier.NewFromConfig(cfg.Verifier),
		Focus:    c.focus,
	})
	if err != nil {
		c.Close()
		return nil, err
	}
	c.ctrl = ctrl
	return c, nil
}

func cmdRun(args []string) error {
	c, err := buildController(cfg)
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	code := runSession(c.ctrl, os.Stdout, sigs)
	signal.Stop(sigs)
	c.Close()
	os.Exit(code)
	return nil
}

func cmdServe(args []string) error {
	listen := cfg.Server.Listen
	if len(args) > 0 {
		listen = args[0]
	}

	c, err := buildController(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	srv := server.New(c.ctrl, c.focus, server.Options{Version: version})

	if cfg.Session.AutoStart {
		if err := c.ctrl.Start(); err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(listen)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case err := <-errCh:
		return fmt.Errorf("server stopped: %w", err)
	case sig := <-sigs:
		logging.Infof("Received %s, shutting down", sig)
	}

	c.ctrl.Stop()
	if err := srv.Shutdown(); err != nil {
		logging.Errorf("Server shutdown failed: %v", err)
		return err
	}
	return nil
}

func cmdConfig(args []string) error {
	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println()

	fmt.Printf("Mode:              %s\n", cfg.Mode)
	fmt.Println()

	fmt.Println("[Session]")
	fmt.Printf("  Detection:       every %v\n", cfg.Session.DetectionInterval())
	fmt.Printf("  Countdown:       %d x %v\n", cfg.Session.CaptureCountdown, cfg.Session.CountdownStep())
	fmt.Printf("  Timeout:         %v\n", cfg.Session.SessionTimeout())
	fmt.Printf("  Auto start:      %v\n", cfg.Session.AutoStart)
	fmt.Printf("  Anomaly check:   %v\n", cfg.Session.AnomalyDetection)
	fmt.Printf("  Face indicator:  %v\n", cfg.Session.FaceIndicator)
	if cfg.Mode == string(liveness.ModeClassic) {
		fmt.Printf("  Instructions:    %d of %v\n", cfg.Session.MaxInstructions, cfg.Session.Instructions)
	}
	fmt.Println()

	fmt.Println("[Camera]")
	fmt.Printf("  Device:          %s\n", cfg.Camera.Device)
	fmt.Printf("  Facing:          %s\n", cfg.Camera.FacingMode)
	fmt.Printf("  Resolution:      %dx%d @ %d fps\n", cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)
	fmt.Printf("  Viewport:        %dx%d\n", cfg.Camera.ViewportWidth, cfg.Camera.ViewportHeight)
	fmt.Printf("  Max picture:     %dx%d\n", cfg.Camera.MaxPictureWidth, cfg.Camera.MaxPictureHeight)
	fmt.Println()

	fmt.Println("[Detector]")
	fmt.Printf("  Backend:         %s\n", cfg.Detector.Backend)
	fmt.Printf("  Cascade:         %s\n", cfg.Detector.CascadePath)
	fmt.Printf("  Models:          %s\n", cfg.Detector.ModelPath)
	fmt.Println()

	fmt.Println("[Geometry]")
	fmt.Printf("  Normal:          size %.0f-%.0f%%, offset <= %.0f%%\n",
		cfg.Geometry.Normal.MinFaceSize, cfg.Geometry.Normal.MaxFaceSize, cfg.Geometry.Normal.MaxCenterOffset)
	fmt.Printf("  Zoomed:          size %.0f-%.0f%%, offset <= %.0f%%\n",
		cfg.Geometry.Zoomed.MinFaceSize, cfg.Geometry.Zoomed.MaxFaceSize, cfg.Geometry.Zoomed.MaxCenterOffset)
	fmt.Println()

	fmt.Println("[Verifier]")
	fmt.Printf("  Server:          %s\n", cfg.Verifier.ServerURL)
	fmt.Printf("  API key:         %s\n", maskSecret(cfg.Verifier.APIKey))
	fmt.Printf("  Timeout:         %v\n", cfg.Verifier.RequestTimeout())
	fmt.Println()

	fmt.Println("[Server]")
	fmt.Printf("  Listen:          %s\n", cfg.Server.Listen)
	fmt.Println()

	fmt.Println("[Logging]")
	fmt.Printf("  Level:           %s\n", cfg.Logging.Level)
	fmt.Printf("  Format:          %s\n", cfg.Logging.Format)
	fmt.Printf("  File:            %s\n", cfg.Logging.File)

	if err := cfg.Validate(); err != nil {
		fmt.Printf("\nWarning: %v\n", err)
	}
	return nil
}

func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

func cmdVersion(args []string) error {
	fmt.Printf("livecheck v%s\n", version)
	fmt.Println("Camera liveness verification")
	fmt.Println()
	fmt.Println("Build Information:")
	fmt.Printf("  Go version: %s\n", runtime.Version())
	fmt.Printf("  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
	return nil
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		printUsage(os.Stdout)
		return nil
	}

	cmdName := args[0]
	cmd, ok := commands[cmdName]
	if !ok {
		return fmt.Errorf("unknown command: %s", cmdName)
	}

	fmt.Printf("Command: %s\n", cmd.Name)
	fmt.Printf("Description: %s\n", cmd.Description)
	fmt.Printf("Usage: %s\n", cmd.Usage)

	switch cmdName {
	case "run":
		fmt.Println("\nExit codes:")
		fmt.Println("  0  liveness verified")
		fmt.Println("  1  liveness rejected, timed out or interrupted")
		fmt.Println("  3  camera, connection or credential problem")
	case "serve":
		fmt.Println("\nEndpoints:")
		fmt.Println("  GET  /api/session        current snapshot")
		fmt.Println("  POST /api/session/start  start a session")
		fmt.Println("  POST /api/session/stop   stop the running session")
		fmt.Println("  PUT  /api/viewport       report the preview size")
		fmt.Println("  POST /api/focus          report focusout/blur/focusin")
		fmt.Println("  GET  /ws                 snapshot and event stream")
	case "config":
		fmt.Println("\nConfiguration Locations:")
		fmt.Println("  System: /etc/livecheck/livecheck.yaml")
		fmt.Println("  User:   ~/.config/livecheck/livecheck.yaml")
		fmt.Println("\nLIVECHECK_MODE, LIVECHECK_SERVER_URL, LIVECHECK_API_KEY,")
		fmt.Println("LIVECHECK_LOG_LEVEL and LIVECHECK_LISTEN override the file.")
		fmt.Println("\nUse -config flag to specify a custom config file.")
	}

	return nil
}
