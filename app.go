package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"garaged/bridge"
	"garaged/button"
	"garaged/door"
	"garaged/eventpipe"
	"garaged/hwio"
	"garaged/indicator"
	"garaged/metrics"
	"garaged/schedule"
	"garaged/sensor"
)

// App holds the application state and dependencies.
type App struct {
	cfg     *Config
	log     zerolog.Logger
	port    hwio.Port
	doors   map[string]*door.Door
	buttons []*button.Evdev
	mqtt    *bridge.Client
	bridge  *bridge.Bridge
	pipe    *eventpipe.EventPipe
	metrics *metrics.Metrics
}

// NewApp wires every component from the configuration. On error the partial
// wiring is torn down.
func NewApp(cfg *Config, log zerolog.Logger) (*App, error) {
	app := &App{
		cfg:   cfg,
		log:   log,
		doors: make(map[string]*door.Door, len(cfg.Doors)),
	}

	port, err := hwio.New(cfg.GPIO)
	if err != nil {
		return nil, fmt.Errorf("init gpio: %w", err)
	}
	app.port = port

	app.metrics = metrics.New(cfg.Metrics, log)

	clock := schedule.System()
	for _, dc := range cfg.Doors {
		d, err := app.buildDoor(dc, clock)
		if err != nil {
			app.shutdown()
			return nil, fmt.Errorf("init door %s: %w", dc.Name, err)
		}
		app.doors[dc.Name] = d
	}

	for _, bc := range cfg.Buttons {
		d := app.doors[bc.Door]
		doorName := bc.Door
		b, err := button.NewEvdev(bc, func() {
			app.metrics.RecordActivation(doorName, "button")
			d.PressButton()
		}, log.With().Str("door", bc.Door).Logger())
		if err != nil {
			app.shutdown()
			return nil, fmt.Errorf("init button for %s: %w", bc.Door, err)
		}
		app.buttons = append(app.buttons, b)
	}

	controls := make([]bridge.DoorControl, 0, len(app.doors))
	for _, d := range app.doors {
		controls = append(controls, d)
	}

	app.mqtt, err = bridge.NewClient(cfg.MQTT, cfg.ClientID, bridge.Handlers{
		OnConnect: func() {
			if app.bridge != nil {
				app.bridge.Announce()
			}
		},
		OnMessage: func(topic string, payload []byte) {
			app.bridge.HandleMessage(topic, payload)
		},
	}, log)
	if err != nil {
		app.shutdown()
		return nil, fmt.Errorf("init mqtt: %w", err)
	}
	app.bridge = bridge.New(app.mqtt, controls, log)

	app.pipe, err = eventpipe.New(cfg.EventPipe, app.handlePipeEvent, log)
	if err != nil {
		app.shutdown()
		return nil, fmt.Errorf("init event pipe: %w", err)
	}

	return app, nil
}

func (app *App) buildDoor(dc DoorConfig, clock schedule.Clock) (*door.Door, error) {
	log := app.log.With().Str("door", dc.Name).Logger()

	ind, err := indicator.New(dc.Indicator, app.port, log)
	if err != nil {
		return nil, fmt.Errorf("indicator: %w", err)
	}

	doorName := dc.Name
	d, err := door.New(dc.Config, door.Deps{
		Port:      app.port,
		Clock:     clock,
		Log:       app.log,
		Indicator: ind,
	}, door.Handlers{
		OnWatchdogExpired: func(door.State) {
			app.metrics.RecordWatchdogExpiry(doorName)
		},
	})
	if err != nil {
		return nil, err
	}

	openSensor, err := app.buildSensor(dc, door.FunctionOpen, d, clock, log)
	if err != nil {
		return nil, err
	}
	closeSensor, err := app.buildSensor(dc, door.FunctionClose, d, clock, log)
	if err != nil {
		return nil, err
	}
	d.SetSensors(openSensor, closeSensor)

	d.OnStateChange(func(_, new door.State) {
		app.metrics.RecordStateChange(doorName, new)
	})
	app.metrics.SetLocked(doorName, d.Locked())

	return d, nil
}

func (app *App) buildSensor(dc DoorConfig, fn door.Function, d *door.Door, clock schedule.Clock, log zerolog.Logger) (sensor.Sensor, error) {
	var sc SensorConfig
	for _, candidate := range dc.Sensors {
		if candidate.Function == fn.String() {
			sc = candidate
			break
		}
	}

	deps := sensor.Deps{
		Port:  app.port,
		Clock: clock,
		Log:   log.With().Str("function", fn.String()).Logger(),
	}
	doorName := dc.Name
	handlers := sensor.Handlers{
		OnResult: app.sensorResultHandler(doorName, fn, d.ResultSink(fn)),
		OnDistance: func(meters float64) {
			app.metrics.SetDistance(doorName, meters)
			if app.bridge != nil {
				app.bridge.PublishDistance(doorName, meters)
			}
		},
	}

	switch sc.Class {
	case "sonar":
		return sensor.NewSonar(*sc.Sonar, deps, handlers)
	case "proximity":
		return sensor.NewProximity(*sc.Proximity, deps, handlers)
	case "serial":
		return sensor.NewSerialRanger(*sc.Serial, deps, handlers)
	}
	return nil, fmt.Errorf("unknown sensor class %q", sc.Class)
}

// sensorResultHandler stamps the report-time gauge before delivering the
// result to the door.
func (app *App) sensorResultHandler(doorName string, fn door.Function, sink func(sensor.DetectionResult)) func(sensor.DetectionResult) {
	return func(r sensor.DetectionResult) {
		app.metrics.RecordSensorReport(doorName, fn.String(), time.Now())
		sink(r)
	}
}

func (app *App) handlePipeEvent(ev eventpipe.Event) {
	d, ok := app.doors[ev.Door]
	if !ok {
		app.log.Warn().Str("door", ev.Door).Msg("pipe command for unknown door")
		return
	}
	switch ev.Kind {
	case eventpipe.KindButton:
		app.metrics.RecordActivation(ev.Door, "pipe")
		d.PressButton()
	case eventpipe.KindActivate:
		app.metrics.RecordActivation(ev.Door, "pipe")
		d.ActivateDoor()
	case eventpipe.KindLock:
		d.SetLocked(ev.Locked)
		app.metrics.SetLocked(ev.Door, ev.Locked)
	case eventpipe.KindIdentify:
		d.IdentifyDoor()
	case eventpipe.KindLevel:
		// Bench injection: the level stands in for the polarity-corrected
		// sensor outcome and is delivered on the door's result path.
		fn := door.FunctionOpen
		if ev.Function == "close" {
			fn = door.FunctionClose
		}
		r := sensor.ResultUndetected
		if ev.Level {
			r = sensor.ResultDetected
		}
		d.ResultSink(fn)(r)
	}
}

// Run starts every component and blocks until SIGINT or SIGTERM.
func (app *App) Run() error {
	started := 0
	for name, d := range app.doors {
		if !d.Start() {
			app.log.Error().Str("door", name).Msg("door failed to start")
			continue
		}
		started++
	}
	if started == 0 {
		app.shutdown()
		return fmt.Errorf("no door started")
	}

	for _, b := range app.buttons {
		go b.Run()
	}
	if app.pipe != nil {
		go app.pipe.Start()
	}
	app.metrics.Serve()

	go func() {
		if err := app.mqtt.Connect(); err != nil {
			app.log.Error().Err(err).Msg("mqtt connect")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	app.log.Info().Msg("shutting down")
	app.shutdown()
	app.log.Info().Msg("shutdown complete")
	return nil
}

// shutdown tears components down in the reverse order of wiring. Safe on a
// partially constructed App.
func (app *App) shutdown() {
	if app.pipe != nil {
		app.pipe.Close()
		app.pipe = nil
	}
	if app.mqtt != nil {
		app.mqtt.Disconnect()
		app.mqtt = nil
	}
	for _, b := range app.buttons {
		b.Close()
	}
	app.buttons = nil
	for _, d := range app.doors {
		d.Terminate()
	}
	if app.metrics != nil {
		app.metrics.Shutdown()
	}
	if app.port != nil {
		app.port.Close()
		app.port = nil
	}
}
