package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/neo321654/kiroclicker/internal/clicker"
	"github.com/neo321654/kiroclicker/internal/config"
	"github.com/neo321654/kiroclicker/internal/events"
	"github.com/neo321654/kiroclicker/internal/gateway"
	"github.com/neo321654/kiroclicker/internal/logging"
	"github.com/neo321654/kiroclicker/internal/store"
	"github.com/neo321654/kiroclicker/pkg/templates"
)

func main() {
	var (
		settingsPath = flag.String("settings", "Settings.ini", "path to the settings file")
		configName   = flag.String("config", "", "name of a saved run config to load")
		templateRef  = flag.String("template", "", "template name or image path to click")
		interval     = flag.Duration("interval", 500*time.Millisecond, "pause between clicks")
		repeat       = flag.Int("repeat", clicker.RepeatUnbounded, "number of clicks, -1 for unbounded")
		threshold    = flag.Float64("threshold", templates.DefaultThreshold, "minimum match confidence")
		offsetX      = flag.Int("offset-x", 0, "click offset from the match, x")
		offsetY      = flag.Int("offset-y", 0, "click offset from the match, y")
		press        = flag.Duration("press", 0, "long-press duration, 0 for a plain tap")
		saveAs       = flag.String("save", "", "save the given run flags under this name and exit")
		list         = flag.Bool("list", false, "list saved config names and exit")
		deleteName   = flag.String("delete", "", "delete a saved config and exit")
	)
	flag.Parse()

	if err := run(*settingsPath, runFlags{
		configName:  *configName,
		templateRef: *templateRef,
		interval:    *interval,
		repeat:      *repeat,
		threshold:   *threshold,
		offset:      image.Pt(*offsetX, *offsetY),
		press:       *press,
		saveAs:      *saveAs,
		list:        *list,
		deleteName:  *deleteName,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type runFlags struct {
	configName  string
	templateRef string
	interval    time.Duration
	repeat      int
	threshold   float64
	offset      image.Point
	press       time.Duration
	saveAs      string
	list        bool
	deleteName  string
}

func run(settingsPath string, flags runFlags) error {
	settings, err := config.LoadFromINI(settingsPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		settings = config.Defaults()
	}

	log := logging.New("kiroclicker").SetMinLevel(logging.ParseLevel(settings.LogLevel))

	db, err := store.Open(filepath.Join(settings.DataDir, "configs.db"))
	if err != nil {
		return err
	}
	defer db.Close()

	switch {
	case flags.list:
		return listConfigs(db)
	case flags.deleteName != "":
		return db.Delete(flags.deleteName)
	case flags.saveAs != "":
		return db.Save(flags.saveAs, flags.toConfig(), nil)
	}

	cfg := flags.toConfig()
	if flags.configName != "" {
		cfg, err = db.LoadByName(flags.configName)
		if err != nil {
			return err
		}
	}
	if cfg.TemplateRef == "" {
		return fmt.Errorf("nothing to do: pass -template or -config (see -h)")
	}

	registry := templates.NewRegistry(settings.TemplatesDir)
	if _, statErr := os.Stat(settings.TemplatesDir); statErr == nil {
		if err := registry.LoadFromDirectory(settings.TemplatesDir); err != nil {
			return err
		}
	}

	gw, cleanup, err := buildGateway(settings, log)
	if err != nil {
		return err
	}
	defer cleanup()

	loop := clicker.New(gw, registry,
		clicker.WithLogger(logging.New("clicker").SetMinLevel(logging.ParseLevel(settings.LogLevel))),
		clicker.WithBackoff(settings.NotFoundDelay, settings.ErrorRetryDelay))

	terminal := make(chan events.Event, 1)
	loop.Bus().Subscribe(func(ev events.Event) {
		log.InfoWithFields("Transition", map[string]interface{}{
			"state": ev.Tag, "clicks": ev.ClickCount,
		})
		if ev.Tag == string(clicker.TagCompleted) || ev.Tag == string(clicker.TagError) {
			select {
			case terminal <- ev:
			default:
			}
		}
	})

	if err := loop.Start(cfg); err != nil {
		return err
	}
	defer loop.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("Interrupted, stopping")
		return nil
	case ev := <-terminal:
		if ev.Tag == string(clicker.TagError) {
			return fmt.Errorf("run failed: %s", ev.Message)
		}
		log.Infof("Done after %d clicks", ev.ClickCount)
		return nil
	}
}

func (f runFlags) toConfig() clicker.RunConfig {
	return clicker.RunConfig{
		TemplateRef:   f.templateRef,
		ClickOffset:   f.offset,
		Interval:      f.interval,
		RepeatCount:   f.repeat,
		Threshold:     f.threshold,
		PressDuration: f.press,
	}
}

func listConfigs(db *store.Store) error {
	names, err := db.ListNames()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("No saved configs.")
		return nil
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

// buildGateway constructs the backend selected in settings. The cleanup
// func disconnects ADB when that backend is in use.
func buildGateway(settings config.Settings, log *logging.Logger) (gateway.Gateway, func(), error) {
	switch settings.Gateway {
	case config.GatewayDesktop:
		return gateway.NewDesktop(settings.DisplayIndex), func() {}, nil
	case config.GatewayADB:
		adb := gateway.NewADB(settings.ADBPath, strconv.Itoa(settings.ADBPort))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := adb.Connect(ctx); err != nil {
			return nil, nil, fmt.Errorf("adb connect failed: %w", err)
		}
		log.Infof("Connected to device via %s", settings.ADBPath)
		return adb, func() { adb.Disconnect() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown gateway %q", settings.Gateway)
	}
}
