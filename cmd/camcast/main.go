package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"camcast/native/internal/config"
	"camcast/native/internal/console"
	"camcast/native/internal/orientation"
	"camcast/native/internal/permission"
	"camcast/native/internal/session"
	"camcast/native/internal/webrtc"

	"github.com/sirupsen/logrus"
)

const helpText = `camcast - Publish H264 video to a WebRTC ingest

Usage:
  camcast [options]
  camcast prefs show
  camcast prefs set-uri <uri>
  camcast logs export <dir>

Annex-B H264 is read from CAMCAST_VIDEO_SOURCE (stdin by default) and
published to the destination once streaming is toggled on. Send SIGUSR1
to toggle streaming; SIGINT or SIGTERM stops and exits.

Destinations:
  ws://, wss://      JSON offer/answer signaling over WebSocket
  http://, https://  WHIP (a token query parameter becomes a bearer token)

Environment Variables:
  CAMCAST_SERVER_URI     Default destination
  CAMCAST_PREFS_FILE     Preferences file (camcast.yaml)
  CAMCAST_VIDEO_SOURCE   H264 input, "-" for stdin
  CAMCAST_ROTATION_FILE  File holding the device rotation in degrees
  CAMCAST_LOG_LEVEL      debug, info, warn, error
  CAMCAST_LOG_DIR        Also write logs to a file in this directory;
                         "logs export" copies them elsewhere

Examples:
  # Stream a webcam
  ffmpeg -f v4l2 -i /dev/video0 -c:v libx264 -tune zerolatency \
    -bsf:v h264_mp4toannexb -f h264 - | camcast -live

  # Toggle a running instance
  pkill -USR1 camcast

Options:
`

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "prefs":
			os.Exit(runPrefs(os.Args[2:]))
		case "logs":
			os.Exit(runLogs(os.Args[2:]))
		}
	}
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("camcast", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), helpText)
		fs.PrintDefaults()
	}
	uriFlag := fs.String("uri", "", "destination, overrides preferences")
	live := fs.Bool("live", false, "start streaming as soon as devices are accessible")
	showVersion := fs.Bool("version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}
	if *showVersion {
		fmt.Printf("camcast %s\n", version)
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "camcast: %v\n", err)
		return 1
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "camcast: %v\n", err)
		return 1
	}
	defer closeLog()
	log := logger.WithField("component", "main")
	log.Infof("camcast %s", version)

	if *uriFlag != "" {
		if *uriFlag, err = config.ValidateServerURI(*uriFlag); err != nil {
			log.Errorf("-uri: %v", err)
			return 2
		}
	}

	store := config.NewPrefsStore(cfg.PrefsFile, cfg.ServerURI)
	destination := func() string {
		if *uriFlag != "" {
			return *uriFlag
		}
		prefs, err := store.Load()
		if err != nil {
			log.Warnf("load preferences: %v", err)
			return cfg.ServerURI
		}
		return prefs.ServerURI
	}

	pub := webrtc.NewPublisher(webrtc.PublisherOptions{
		ICEServers: cfg.ICE(),
		Video: webrtc.VideoParams{
			Width:   cfg.Video.Width,
			Height:  cfg.Video.Height,
			FPS:     cfg.Video.FPS,
			Bitrate: cfg.Video.Bitrate,
		},
		OpenSource: webrtc.OpenFile(cfg.VideoSource),
	}, logger)

	con := console.New(os.Stdout, destination, logger)

	opts := []session.Option{
		session.WithLogger(logger),
		session.WithOrientationLock(con),
		session.WithStartTimeout(cfg.StartTimeout),
		session.WithStopTimeout(cfg.StopTimeout),
	}
	if cfg.RotationFile != "" {
		src := orientation.NewFileSource(cfg.RotationFile, cfg.RotationPoll, logger)
		opts = append(opts, session.WithOrientationSource(src))
	}

	ctrl := session.New(pub, con, opts...)
	con.SetSession(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer ossignal.Stop(sigCh)

	ctrl.Bind(ctx)

	denied := make(chan struct{})
	gate := permission.NewGate([]string{cfg.VideoSource, cfg.RotationFile}, permission.Callbacks{
		OnAllGranted: func() {
			ctrl.OnPermissionsGranted()
			if *live {
				con.Toggle()
			}
		},
		OnRationale: func(missing []string, retry func()) {
			log.Warnf("cannot read %s, fix device permissions; retrying once", strings.Join(missing, ", "))
			retry()
		},
		OnDenied: func(missing []string) {
			ctrl.OnPermissionsDenied(fmt.Sprintf("cannot access %s", strings.Join(missing, ", ")))
			close(denied)
		},
	}, logger)
	log.Infof("devices: %s", gate.Request())

	code := 0
loop:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGUSR1 {
				con.Toggle()
				continue
			}
			log.Infof("received %s, shutting down", sig)
			break loop
		case <-denied:
			code = 1
			break loop
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.StopTimeout)
	defer stopCancel()
	if err := ctrl.Unbind(stopCtx); err != nil {
		log.Warnf("shutdown: %v", err)
		code = 1
	}

	log.Info("done")
	return code
}

func newLogger(cfg *config.Config) (*logrus.Logger, func(), error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000000",
	})

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("CAMCAST_LOG_LEVEL: %w", err)
	}
	logger.SetLevel(level)

	if cfg.LogDir == "" {
		return logger, func() {}, nil
	}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	name := filepath.Join(cfg.LogDir, "camcast-"+time.Now().Format("20060102-150405")+".log")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger.SetOutput(io.MultiWriter(os.Stderr, f))
	return logger, func() { f.Close() }, nil
}

func runPrefs(args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "camcast: %v\n", err)
		return 1
	}
	store := config.NewPrefsStore(cfg.PrefsFile, cfg.ServerURI)

	switch {
	case len(args) == 1 && args[0] == "show":
		prefs, err := store.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "camcast: %v\n", err)
			return 1
		}
		fmt.Printf("server_uri: %s\n", prefs.ServerURI)
		return 0

	case len(args) == 2 && args[0] == "set-uri":
		uri, err := store.SetServerURI(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "camcast: %v\n", err)
			return 1
		}
		fmt.Printf("server_uri: %s\n", uri)
		return 0

	default:
		fmt.Fprint(os.Stderr, "usage: camcast prefs show | camcast prefs set-uri <uri>\n")
		return 2
	}
}
