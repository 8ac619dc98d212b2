package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Mauddib28/bleep-tool/internal/adapter"
	"github.com/Mauddib28/bleep-tool/internal/bleeplog"
	"github.com/Mauddib28/bleep-tool/internal/classic"
	"github.com/Mauddib28/bleep-tool/internal/config"
	"github.com/Mauddib28/bleep-tool/internal/gatt"
	"github.com/Mauddib28/bleep-tool/internal/ipc"
	"github.com/Mauddib28/bleep-tool/internal/model"
	"github.com/Mauddib28/bleep-tool/internal/orchestrator"
	"github.com/Mauddib28/bleep-tool/internal/pairing"
	"github.com/Mauddib28/bleep-tool/internal/signalrouter"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func parseVariant(s string) (orchestrator.Variant, error) {
	switch orchestrator.Variant(s) {
	case orchestrator.Passive, orchestrator.Naggy, orchestrator.Pokey, orchestrator.Brute:
		return orchestrator.Variant(s), nil
	}
	return "", fmt.Errorf("unknown variant %q", s)
}

func runScan(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("scan: variant required")
	}
	variant, err := parseVariant(args[0])
	if err != nil {
		return err
	}
	timeout := 30 * time.Second
	if len(args) > 1 {
		secs, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("scan: bad timeout %q", args[1])
		}
		timeout = time.Duration(secs) * time.Second
	}
	target := ""
	if len(args) > 2 {
		target = model.NormalizeMAC(args[2])
	}

	parent, stop := signalContext()
	defer stop()
	a, ctx, err := newApp(parent)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.connectSignals(ctx); err != nil {
		return err
	}

	opts := adapter.ScanOptions{
		Variant: adapter.Variant(variant),
		Timeout: timeout,
		Target:  target,
	}
	if err := a.orch.Scan(ctx, opts, a.events()); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func runEnum(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("enum: variant and mac required")
	}
	variant, err := parseVariant(args[0])
	if err != nil {
		return err
	}
	mac := model.NormalizeMAC(args[1])

	parent, stop := signalContext()
	defer stop()
	a, ctx, err := newApp(parent)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.connectSignals(ctx); err != nil {
		return err
	}

	res, err := a.orch.ScanAndEnumerate(ctx, mac, variant, 15*time.Second, gatt.EnumOptions{}, a.events())
	if err != nil {
		return err
	}
	path, err := a.orch.WriteReport(res, variant)
	if err != nil {
		return err
	}
	fmt.Printf("classification: %s (%.2f)\n", res.Classification.Type, res.Classification.Confidence)
	fmt.Printf("report: %s\n", path)
	if res.AoISnapshot != "" {
		fmt.Printf("aoi: %s\n", res.AoISnapshot)
	}
	return nil
}

func runSweep(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("sweep: variant and at least one mac required")
	}
	variant, err := parseVariant(args[0])
	if err != nil {
		return err
	}
	macs := args[1:]

	parent, stop := signalContext()
	defer stop()
	a, ctx, err := newApp(parent)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.connectSignals(ctx); err != nil {
		return err
	}

	results, err := a.orch.EnumerateMany(ctx, macs, variant, gatt.EnumOptions{}, a.events)
	if err != nil {
		return err
	}
	for mac, res := range results {
		if res == nil || res.Mapping == nil {
			fmt.Printf("%s: failed\n", mac)
			continue
		}
		fmt.Printf("%s: %s, %d services\n", mac, res.Classification.Type, len(res.Mapping.Services))
		if _, werr := a.orch.WriteReport(res, variant); werr != nil {
			fmt.Printf("%s: report write failed: %v\n", mac, werr)
		}
	}
	return nil
}

func runBrute(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("brute: mac, char-uuid and payload-spec required")
	}
	mac := model.NormalizeMAC(args[0])
	charUUID := args[1]
	payloads, err := gatt.ParsePayloadSpec(args[2])
	if err != nil {
		return err
	}
	verify, force := false, false
	for _, flag := range args[3:] {
		switch flag {
		case "--verify":
			verify = true
		case "--force":
			force = true
		}
	}

	parent, stop := signalContext()
	defer stop()
	a, ctx, err := newApp(parent)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.connectSignals(ctx); err != nil {
		return err
	}

	opts := gatt.EnumOptions{
		BruteCharUUID: charUUID,
		BrutePayloads: payloads,
		BruteVerify:   verify,
		Force:         force,
	}
	res, err := a.orch.ConnectAndEnumerate(ctx, mac, orchestrator.Brute, opts, a.events())
	if err != nil {
		return err
	}
	for _, r := range res.Mapping.BruteResults {
		line := fmt.Sprintf("%s -> ok=%v", hex.EncodeToString(r.Payload), r.OK)
		if r.HasVerify {
			line += fmt.Sprintf(" read=%s", hex.EncodeToString(r.VerifiedRead))
		}
		if r.Err != nil {
			line += fmt.Sprintf(" err=%v", r.Err)
		}
		fmt.Println(line)
	}
	return nil
}

func runSDP(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("sdp: mac required")
	}
	mac := model.NormalizeMAC(args[0])
	analyze := len(args) > 1 && args[1] == "--analyze"

	parent, stop := signalContext()
	defer stop()
	a, ctx, err := newApp(parent)
	if err != nil {
		return err
	}
	defer a.close()

	d := classic.NewDiscoverer(a.cfg.Pool, a.cfg.Metrics, config.AdapterPath())
	records, err := d.DiscoverConnectionless(ctx, mac, classic.DefaultPingPrecheck)
	if err != nil {
		return err
	}
	for _, rec := range records {
		line := rec.UUID
		if rec.Name != "" {
			line += " " + rec.Name
		}
		if rec.RFCOMMChannel != nil {
			line += fmt.Sprintf(" (rfcomm %d)", *rec.RFCOMMChannel)
		}
		fmt.Println(line)
		if err := a.st.UpsertClassicRecord(ctx, mac, rec); err != nil {
			logger := a.cfg.Logs.Logger(bleeplog.Database)
			logger.Error().Err(err).Msg("classic record persist failed")
		}
	}
	if analyze {
		blob, _ := json.MarshalIndent(classic.Analyze(records), "", "  ")
		fmt.Println(string(blob))
	}
	return nil
}

func runPBAP(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("pbap: mac required")
	}
	mac := model.NormalizeMAC(args[0])

	parent, stop := signalContext()
	defer stop()
	a, ctx, err := newApp(parent)
	if err != nil {
		return err
	}
	defer a.close()

	opts := classic.DefaultPullOptions
	if len(args) > 1 {
		opts.DestFolder = args[1]
	} else {
		opts.DestFolder = a.cfg.Layout.Reports
	}

	res, err := classic.PullPhonebook(ctx, a.cfg.Metrics, mac, opts)
	if err != nil {
		return err
	}
	if err := classic.RecordTransfer(ctx, a.st, mac, opts.Repository, res); err != nil {
		return err
	}
	fmt.Printf("pulled %d entries to %s (sha256 %s)\n", res.EntryCount, res.DestPath, res.ContentHash)
	return nil
}

func runAgent(args []string) error {
	capability := pairing.CapKeyboardDisplay
	if len(args) > 0 {
		c, err := pairing.ParseCapability(args[0])
		if err != nil {
			return err
		}
		capability = c
	}

	parent, stop := signalContext()
	defer stop()
	a, ctx, err := newApp(parent)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.connectSignals(ctx); err != nil {
		return err
	}

	agent := pairing.NewAgent(
		a.cfg.Pool, a.cfg.Metrics,
		pairing.NewTerminalIO(os.Stdin, os.Stdout),
		a.bonds, config.AdapterPath(),
		a.cfg.Logs.Logger(bleeplog.Agent),
		pairing.Callbacks{},
	)
	if err := agent.Register(ctx, capability, true); err != nil {
		return err
	}
	agent.WatchHealth(a.cfg.Health)
	fmt.Printf("agent registered (%s); ctrl-c to exit\n", capability)
	<-ctx.Done()
	return agent.Unregister(context.Background())
}

func runPair(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("pair: mac required")
	}
	mac := model.NormalizeMAC(args[0])
	capability := pairing.CapNoInputNoOutput
	if len(args) > 1 {
		c, err := pairing.ParseCapability(args[1])
		if err != nil {
			return err
		}
		capability = c
	}

	parent, stop := signalContext()
	defer stop()
	a, ctx, err := newApp(parent)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.connectSignals(ctx); err != nil {
		return err
	}

	agent := pairing.NewAgent(
		a.cfg.Pool, a.cfg.Metrics,
		pairing.NewAutoAcceptIO(),
		a.bonds, config.AdapterPath(),
		a.cfg.Logs.Logger(bleeplog.Agent),
		pairing.Callbacks{},
	)
	if err := agent.Register(ctx, capability, true); err != nil {
		return err
	}
	defer agent.Unregister(context.Background())

	devPath := ipc.DeviceObjectPath(config.AdapterPath(), mac)
	if err := agent.Pair(ctx, devPath, mac, nil); err != nil {
		return err
	}
	fmt.Printf("paired with %s (state %s)\n", mac, agent.Machine().State())
	return nil
}

func runBonds() error {
	parent, stop := signalContext()
	defer stop()
	a, _, err := newApp(parent)
	if err != nil {
		return err
	}
	defer a.close()

	macs, err := a.bonds.List()
	if err != nil {
		return err
	}
	for _, mac := range macs {
		rec, ok, err := a.bonds.Load(mac)
		if err != nil || !ok {
			fmt.Printf("%s (unreadable)\n", mac)
			continue
		}
		fmt.Printf("%s capability=%s updated=%s\n", mac, rec.Capability, rec.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func runTranslate(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("translate: uuid required")
	}
	parent, stop := signalContext()
	defer stop()
	a, _, err := newApp(parent)
	if err != nil {
		return err
	}
	defer a.close()

	tr, err := a.tables.TranslateUUID(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s (%s)\n", tr.Normalized128, tr.Format)
	for _, m := range tr.Matches {
		fmt.Printf("  %-15s %s\n", m.Category, m.Name)
	}
	return nil
}

func runRoutes(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("routes: subcommand required")
	}
	parent, stop := signalContext()
	defer stop()
	a, _, err := newApp(parent)
	if err != nil {
		return err
	}
	defer a.close()

	dir := a.cfg.Layout.Signals
	switch args[0] {
	case "list":
		names, err := signalrouter.ListConfigs(dir)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	case "save":
		if len(args) < 2 {
			return fmt.Errorf("routes save: name required")
		}
		return signalrouter.SaveConfig(dir, signalrouter.NewConfig(args[1], "saved from cli"))
	case "load":
		if len(args) < 2 {
			return fmt.Errorf("routes load: name required")
		}
		cfg, err := signalrouter.LoadConfig(dir, args[1])
		if err != nil {
			return err
		}
		a.router.ReloadConfig(cfg)
		fmt.Printf("loaded %q (%d routes)\n", cfg.Name, len(cfg.Routes))
		return nil
	case "delete":
		if len(args) < 2 {
			return fmt.Errorf("routes delete: name required")
		}
		return signalrouter.DeleteConfig(dir, args[1])
	default:
		return fmt.Errorf("routes: unknown subcommand %q", args[0])
	}
}

func runCTF(args []string) error {
	mac := config.CTFTarget()
	if len(args) > 0 {
		mac = args[0]
	}
	if mac == "" {
		return fmt.Errorf("ctf: set BLE_CTF_MAC or pass a mac")
	}

	parent, stop := signalContext()
	defer stop()
	a, ctx, err := newApp(parent)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.connectSignals(ctx); err != nil {
		return err
	}

	res, err := a.orch.SolveCTF(ctx, mac, a.events())
	if err != nil {
		return err
	}
	fmt.Printf("score: %s -> %s\n", res.ScoreStart, res.ScoreEnd)
	for _, f := range res.Flags {
		status := "skipped"
		if f.Submitted {
			status = "submitted"
		} else if f.Err != nil {
			status = "error: " + f.Err.Error()
		}
		fmt.Printf("  %s (%s) confidence=%.2f %s\n", f.Label, f.CharName, f.Confidence, status)
	}
	return nil
}
