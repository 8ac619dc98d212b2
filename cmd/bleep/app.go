package main

import (
	"context"

	"github.com/godbus/dbus/v5"

	"github.com/Mauddib28/bleep-tool/internal/adapter"
	"github.com/Mauddib28/bleep-tool/internal/aoi"
	"github.com/Mauddib28/bleep-tool/internal/bleeplog"
	"github.com/Mauddib28/bleep-tool/internal/classic"
	"github.com/Mauddib28/bleep-tool/internal/classifier"
	"github.com/Mauddib28/bleep-tool/internal/config"
	"github.com/Mauddib28/bleep-tool/internal/ipc"
	"github.com/Mauddib28/bleep-tool/internal/orchestrator"
	"github.com/Mauddib28/bleep-tool/internal/pairing"
	"github.com/Mauddib28/bleep-tool/internal/refdata"
	"github.com/Mauddib28/bleep-tool/internal/reliability"
	"github.com/Mauddib28/bleep-tool/internal/signalrouter"
	"github.com/Mauddib28/bleep-tool/internal/store"
)

// app wires the full stack for one CLI invocation. The signal fan-out keeps
// the router fed on its own subscription while scans and enumerations take
// theirs, so nobody steals anyone else's events.
type app struct {
	cfg    *config.Context
	st     *store.Store
	tables *refdata.Tables
	router *signalrouter.Router
	orch   *orchestrator.Orchestrator
	bonds  *pairing.BondStore

	handle *ipc.Handle
	fan    *ipc.Fanout

	cancel context.CancelFunc
}

func newApp(parent context.Context) (*app, context.Context, error) {
	ctx, cancel := context.WithCancel(parent)

	cfg, err := config.NewContext()
	if err != nil {
		cancel()
		return nil, nil, err
	}

	st, err := store.Open(ctx, cfg.Layout.DBPath)
	if err != nil {
		cfg.Close()
		cancel()
		return nil, nil, err
	}

	tables := refdata.MustLoad()
	exec := signalrouter.NewExecutor(cfg.Layout.Reports, st, cfg.Logs)
	router := signalrouter.NewRouter(exec, cfg.Logs)
	for _, r := range signalrouter.DefaultRoutes() {
		router.AddRoute(r)
	}

	adapterPath := dbus.ObjectPath(config.AdapterPath())
	ad := adapter.New(cfg.Pool, cfg.Metrics, adapterPath)
	recovery := reliability.NewRecoveryManager(config.AdapterPath())
	cls := classifier.New(tables, st)
	analyzer := aoi.New(tables, st, cfg.Layout.AoIDir, cfg.Logs.Logger(bleeplog.General))
	discoverer := classic.NewDiscoverer(cfg.Pool, cfg.Metrics, config.AdapterPath())

	bonds, err := pairing.OpenBondStore(cfg.Layout.Bonds)
	if err != nil {
		_ = st.Close()
		cfg.Close()
		cancel()
		return nil, nil, err
	}

	orch := orchestrator.New(orchestrator.Deps{
		Pool:       cfg.Pool,
		Metrics:    cfg.Metrics,
		Recovery:   recovery,
		Store:      st,
		Router:     router,
		Adapter:    ad,
		Classifier: cls,
		AoI:        analyzer,
		Classic:    discoverer,
		Logs:       cfg.Logs,
		ReportsDir: cfg.Layout.Reports,
	})

	a := &app{
		cfg:    cfg,
		st:     st,
		tables: tables,
		router: router,
		orch:   orch,
		bonds:  bonds,
		cancel: cancel,
	}

	// Signal subscription is lazy: commands that never touch the bus
	// (translate, bonds, routes) shouldn't require a running daemon.
	return a, ctx, nil
}

// connectSignals subscribes to the stack's signal stream and starts the
// router's dispatch loop. Idempotent.
func (a *app) connectSignals(ctx context.Context) error {
	if a.fan != nil {
		return nil
	}
	h, err := a.cfg.Pool.WithBus(ctx)
	if err != nil {
		return err
	}
	raw, err := a.cfg.Pool.SubscribeAll(h, "/org/bluez")
	if err != nil {
		h.Release()
		return err
	}
	a.handle = h
	a.fan = ipc.NewFanout(raw)
	go a.router.Run(ctx, a.fan.Subscribe(256))
	a.cfg.Health.Start(ctx)
	return nil
}

// events returns a fresh subscription for one scan/enumeration flow.
func (a *app) events() <-chan ipc.Event {
	return a.fan.Subscribe(256)
}

func (a *app) close() {
	a.cancel()
	if a.fan != nil {
		a.fan.Close()
	}
	if a.handle != nil {
		a.handle.Release()
	}
	_ = a.st.Close()
	a.cfg.Close()
}
