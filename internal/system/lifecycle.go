package system

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/KevinKickass/OpenCellCycler/internal/api/rest"
	"github.com/KevinKickass/OpenCellCycler/internal/auth"
	"github.com/KevinKickass/OpenCellCycler/internal/calibration"
	"github.com/KevinKickass/OpenCellCycler/internal/config"
	"github.com/KevinKickass/OpenCellCycler/internal/hardware"
	"github.com/KevinKickass/OpenCellCycler/internal/interfaces"
	"github.com/KevinKickass/OpenCellCycler/internal/machine"
	"github.com/KevinKickass/OpenCellCycler/internal/simulator"
	"github.com/KevinKickass/OpenCellCycler/internal/status"
	"github.com/KevinKickass/OpenCellCycler/internal/storage"
	"github.com/KevinKickass/OpenCellCycler/internal/types"
	"github.com/KevinKickass/OpenCellCycler/internal/uart"
)

// healthService is the gRPC health service name reported for the tick loop.
const healthService = "opencellcycler.Scheduler"

type LifecycleManager struct {
	config *config.Config
	logger *zap.Logger

	table       *calibration.Table
	store       *status.Store
	sink        storage.Sink
	history     storage.History
	scheduler   *Scheduler
	controllers map[string]*machine.Controller
	order       []string
	transports  []io.Closer

	restServer *rest.Server
	grpcServer *grpc.Server
	health     *health.Server

	stateMu      sync.RWMutex
	currentState SystemState
	lastError    string

	listenersMu     sync.RWMutex
	statusListeners []chan interfaces.SystemStatus

	shutdownOnce sync.Once
}

// NewLifecycleManager opens storage and every device the tests use and
// builds one controller per test. Nothing is commanded until Run.
func NewLifecycleManager(ctx context.Context, cfg *config.Config, tests []*types.TestConfig, logger *zap.Logger) (*LifecycleManager, error) {
	table, err := cfg.Calibration.Table()
	if err != nil {
		return nil, fmt.Errorf("calibration: %w", err)
	}

	lm := &LifecycleManager{
		config:       cfg,
		logger:       logger,
		table:        table,
		store:        status.NewStore(),
		scheduler:    NewScheduler(cfg.Scheduler.TickInterval, logger),
		controllers:  make(map[string]*machine.Controller, len(tests)),
		currentState: StateInitializing,
	}

	if err := lm.openStorage(ctx); err != nil {
		return nil, err
	}

	clients := make(map[string]*uart.Client)
	for _, test := range tests {
		client, ok := clients[test.Device]
		if !ok {
			client, err = lm.openDevice(test.Device)
			if err != nil {
				lm.closeResources()
				return nil, err
			}
			clients[test.Device] = client
		}

		bank, err := hardware.NewBank(test.Name, client, test.Channels, test.Master, test.SlaveVoltageMargin, logger)
		if err != nil {
			lm.closeResources()
			return nil, fmt.Errorf("test %s: %w", test.Name, err)
		}

		ctrl := machine.NewController(test, bank, table, lm.sink, lm.store, logger)
		lm.controllers[test.Name] = ctrl
		lm.order = append(lm.order, test.Name)
		lm.scheduler.Add(ctrl, bank)
	}

	return lm, nil
}

func (lm *LifecycleManager) openStorage(ctx context.Context) error {
	var sinks storage.MultiSink

	switch lm.config.Storage.Driver {
	case "postgres":
		pg, err := storage.NewPostgresClient(ctx, lm.config.Storage.Postgres)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return fmt.Errorf("failed to create schema: %w", err)
		}
		sinks = append(sinks, pg)
		lm.history = pg
	case "sqlite":
		db, err := storage.NewSQLiteRecorder(ctx, lm.config.Storage.SQLite.Path)
		if err != nil {
			return err
		}
		sinks = append(sinks, db)
		lm.history = db
	}

	if lm.config.Storage.LogMeasurements {
		sinks = append(sinks, storage.NewLogRecorder(lm.logger))
	}
	lm.sink = sinks

	lm.logger.Info("Storage ready",
		zap.String("driver", lm.config.Storage.Driver),
		zap.Bool("log_measurements", lm.config.Storage.LogMeasurements))
	return nil
}

func (lm *LifecycleManager) openDevice(name string) (*uart.Client, error) {
	dev, ok := lm.config.Device(name)
	if !ok {
		return nil, fmt.Errorf("device %q is not configured", name)
	}

	var transport uart.Transport
	if dev.Simulated || lm.config.Simulator.Enabled {
		sim := lm.config.Simulator
		model := simulator.DefaultModel()
		model.CapacityAh = sim.CapacityAh
		model.InternalResistance = sim.InternalResistance
		model.InitialSoC = sim.InitialSoC
		transport = simulator.New(dev.Name, model, lm.table, lm.logger, simulator.WithTimeScale(sim.TimeScale))

		lm.logger.Info("Device simulated",
			zap.String("device", dev.Name),
			zap.Float64("time_scale", sim.TimeScale))
	} else {
		baud := dev.BaudRate
		if baud == 0 {
			baud = lm.config.Protocol.BaudRate
		}
		port, err := uart.OpenSerial(dev.Port, baud)
		if err != nil {
			return nil, err
		}
		lm.transports = append(lm.transports, port)
		transport = port

		lm.logger.Info("Device opened",
			zap.String("device", dev.Name),
			zap.String("port", dev.Port),
			zap.Int("baud_rate", baud))
	}

	client := uart.NewClient(dev.Name, transport, lm.config.Protocol.Timing, lm.logger)
	lm.store.RegisterTransport(dev.Name, client.Metrics())
	return client, nil
}

// Run starts the observation servers and drives the tests until ctx is
// cancelled or a test fails fatally. All channels are off when it returns.
func (lm *LifecycleManager) Run(ctx context.Context) error {
	lm.logger.Info("Starting OpenCellCycler", zap.Strings("tests", lm.order))

	if err := lm.beginRuns(ctx); err != nil {
		lm.setError(err)
		return err
	}

	if lm.config.Server.Enabled {
		if err := lm.startGRPCServer(); err != nil {
			lm.setError(fmt.Errorf("failed to start gRPC: %w", err))
			return err
		}
		if err := lm.startRESTServer(); err != nil {
			lm.setError(fmt.Errorf("failed to start REST API: %w", err))
			return err
		}
	}

	lm.setState(StateRunning)
	lm.setServing(true)

	err := lm.scheduler.Run(ctx)

	lm.setServing(false)
	if err != nil {
		lm.setError(err)
		return err
	}
	return nil
}

func (lm *LifecycleManager) beginRuns(ctx context.Context) error {
	now := time.Now()
	for _, name := range lm.order {
		ctrl := lm.controllers[name]
		doc, err := json.Marshal(ctrl.Config())
		if err != nil {
			return fmt.Errorf("test %s: encode config: %w", name, err)
		}
		run := storage.NewRun(ctrl.RunID(), ctrl.Config(), doc, now)
		if err := lm.sink.BeginRun(ctx, run); err != nil {
			return fmt.Errorf("test %s: begin run: %w", name, err)
		}
		if err := ctrl.Prepare(); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown stops the servers and releases storage and serial ports. It must
// be called after Run has returned.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		failed := lm.State() == StateError
		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)
		lm.closeResources()

		if failed {
			lm.setState(StateError)
		} else {
			lm.setState(StateStopped)
		}

		lm.listenersMu.Lock()
		for _, ch := range lm.statusListeners {
			close(ch)
		}
		lm.statusListeners = nil
		lm.listenersMu.Unlock()
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := lm.restServer.Shutdown(ctx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.logger.Info("Stopping gRPC server")
			lm.grpcServer.GracefulStop()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(errChan)
		var errs []error
		for err := range errChan {
			errs = append(errs, err)
		}
		if len(errs) == 0 {
			lm.logger.Info("Graceful shutdown completed")
		}
		return errors.Join(errs...)
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		if lm.grpcServer != nil {
			lm.grpcServer.Stop()
		}
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

func (lm *LifecycleManager) closeResources() {
	if lm.sink != nil {
		if err := lm.sink.Close(); err != nil {
			lm.logger.Error("Failed to close storage", zap.Error(err))
		}
	}
	for _, t := range lm.transports {
		if err := t.Close(); err != nil {
			lm.logger.Error("Failed to close serial port", zap.Error(err))
		}
	}
	lm.transports = nil
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()
	lm.health = health.NewServer()
	lm.health.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(lm.grpcServer, lm.health)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.Int("port", lm.config.Server.GRPCPort),
			zap.String("services", "grpc.health.v1.Health"))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	authService := auth.NewAuthService(lm.config.Auth, lm.logger)
	if !lm.config.Auth.IsProductionReady() {
		lm.logger.Warn("JWT secret not set or too short, using development secret",
			zap.String("env", lm.config.Auth.JWTSecretEnv))
	}
	lm.restServer = rest.NewServer(lm.config, lm, authService, lm.logger)
	lm.restServer.BroadcastSystemStatus(lm.SubscribeStatus())
	return lm.restServer.Start()
}

func (lm *LifecycleManager) setServing(serving bool) {
	if lm.health == nil {
		return
	}
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	lm.health.SetServingStatus(healthService, st)
	lm.health.SetServingStatus("", st)
}

// StopTest switches test name off on its next tick and keeps it parked.
func (lm *LifecycleManager) StopTest(name string) error {
	ctrl, ok := lm.controllers[name]
	if !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrUnknownTest, name)
	}
	ctrl.RequestStop()
	lm.logger.Info("Stop requested", zap.String("test", name))
	return nil
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Debug("Unexpected state transition", zap.Error(err))
	}
	lm.currentState = state
	lm.stateMu.Unlock()

	lm.broadcastStatus()
}

func (lm *LifecycleManager) setError(err error) {
	lm.stateMu.Lock()
	lm.currentState = StateError
	lm.lastError = err.Error()
	lm.stateMu.Unlock()

	lm.broadcastStatus()
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	st := interfaces.SystemStatus{
		State:     lm.currentState.String(),
		Tests:     len(lm.controllers),
		Timestamp: time.Now().Unix(),
		Error:     lm.lastError,
	}
	lm.stateMu.RUnlock()

	for _, ts := range lm.store.List() {
		switch {
		case ts.Failed:
			st.Failed++
		case ts.Mode != types.ModeOff || ts.NextMode != types.ModeOff:
			st.Active++
		}
	}
	return st
}

func (lm *LifecycleManager) broadcastStatus() {
	status := lm.GetCurrentStatus()

	lm.listenersMu.RLock()
	defer lm.listenersMu.RUnlock()

	for _, listener := range lm.statusListeners {
		select {
		case listener <- status:
		default:
			// Channel full, skip
		}
	}
}

// SubscribeStatus subscribes to status updates. The channel is closed on
// Shutdown.
func (lm *LifecycleManager) SubscribeStatus() <-chan interfaces.SystemStatus {
	ch := make(chan interfaces.SystemStatus, 10)

	lm.listenersMu.Lock()
	lm.statusListeners = append(lm.statusListeners, ch)
	lm.listenersMu.Unlock()

	return ch
}

func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

func (lm *LifecycleManager) Store() *status.Store {
	return lm.store
}

func (lm *LifecycleManager) History() storage.History {
	return lm.history
}
