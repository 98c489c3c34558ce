package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"murmur/apperr"
	"murmur/audio"
	"murmur/beep"
	"murmur/clipboard"
	"murmur/config"
	"murmur/doctor"
	"murmur/entitlement"
	"murmur/hotkey"
	"murmur/log"
	"murmur/models"
	"murmur/session"
	"murmur/shutdown"
	"murmur/store"
	"murmur/worker"
)

var version = "dev"

var (
	shutdownOnce sync.Once
	shutdownCh   = make(chan struct{})
)

func gracefulShutdown() {
	shutdownOnce.Do(func() { close(shutdownCh) })
}

func initCrashLog(dir string) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return
	}
	crashPath := filepath.Join(dir, "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
	debug.SetCrashOutput(crashFile, debug.CrashOptions{})
}

func deviceLineText(dev *audio.DeviceInfo) string {
	if dev == nil {
		return "mic: system default"
	}
	if audio.IsBluetooth(dev.Name) {
		return "mic: " + dev.Name + " (bluetooth)"
	}
	return "mic: " + dev.Name
}

type daemonOptions struct {
	configDir string
	device    string
	setup     bool
	tui       bool
	autopaste bool
	quiet     bool
}

func run() {
	configFlag := flag.String("config", "", "config directory (default: OS-specific location)")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	workerFlag := flag.Bool("worker", false, "run as inference worker (internal)")
	modelFlag := flag.String("model", "", "model file for -worker")
	ctlFlag := flag.Bool("ctl", false, "send a command to the running daemon: toggle, models, download <id>, delete <id>, use <id>, language <code>, shortcut <combo>, license import <path>, license remove, checkout, status")
	statusFlag := flag.Bool("status", false, "print the running daemon's status and exit")
	doctorFlag := flag.Bool("doctor", false, "run system diagnostics and exit")
	liveFlag := flag.Bool("live", false, "with -doctor, record and transcribe a short clip")
	setupFlag := flag.Bool("setup", false, "select microphone device interactively")
	deviceFlag := flag.String("device", "", "use named microphone device")
	tuiFlag := flag.Bool("tui", false, "run with terminal UI")
	autoPasteFlag := flag.Bool("autopaste", true, "paste into the focused window after transcription")
	quietFlag := flag.Bool("quiet", false, "disable start/stop sounds")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("murmur %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *workerFlag {
		os.Exit(runWorker(cfg, *modelFlag))
	}

	logPath, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}

	switch {
	case *statusFlag:
		os.Exit(printStatus(cfg))
	case *ctlFlag:
		os.Exit(runCtl(cfg, flag.Args()))
	case *doctorFlag:
		active := models.DefaultModel
		if kv, err := store.Open(cfg.StatePath()); err == nil {
			if sc, err := session.NewConfigStore(kv).Load(); err == nil {
				active = sc.ActiveModel
			}
		}
		os.Exit(doctor.Run(os.Stdout, doctor.Checks(doctor.Options{
			Config: cfg,
			Active: active,
			LogDir: log.Dir(),
			Live:   *liveFlag,
		})))
	}

	initCrashLog(log.Dir())

	// config.yaml sets the default; an explicit flag wins
	autopaste := cfg.Autopaste
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "autopaste" {
			autopaste = *autoPasteFlag
		}
	})

	err = runDaemon(cfg, daemonOptions{
		configDir: *configFlag,
		device:    *deviceFlag,
		setup:     *setupFlag,
		tui:       *tuiFlag,
		autopaste: autopaste,
		quiet:     *quietFlag,
	})
	if err != nil {
		log.Errorf("daemon: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runWorker is the inference worker process: one model, requests on stdin,
// responses on stdout, diagnostics on stderr.
func runWorker(cfg *config.Config, modelPath string) int {
	log.InitWriter(os.Stderr)
	if modelPath == "" {
		log.Error("worker: -model is required")
		return 2
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dec := worker.NewDecoder(cfg.WhisperBin, cfg.Threads)
	err := worker.Serve(ctx, dec, modelPath, os.Stdin, os.Stdout, worker.ServeOptions{Fallback: cfg.DefaultLanguage})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("worker: %v", err)
		return 1
	}
	return 0
}

func runDaemon(cfg *config.Config, opts daemonOptions) error {
	lock, err := shutdown.Acquire(filepath.Join(cfg.RunDir(), pidFileName))
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()
	if opts.quiet {
		beep.Disable()
	}

	kv, err := store.Open(cfg.StatePath())
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	cfgStore := session.NewConfigStore(kv)
	scfg, err := cfgStore.Load()
	if err != nil {
		log.Warnf("load session config: %v", err)
	}

	modelStore, err := models.New(models.Options{
		Dir:     cfg.ModelsDir(),
		BaseURL: cfg.ModelBaseURL,
		Active:  scfg.ActiveModel,
		Persist: cfgStore.PersistActiveModel,
	})
	if err != nil {
		return err
	}
	defer modelStore.Close()
	if id := modelStore.EnsureActive(); id != scfg.ActiveModel {
		log.Infof("active model %s -> %s", scfg.ActiveModel, id)
	}

	keys, err := cfg.ReadLicenseKeys()
	if err != nil {
		log.Warnf("license keys: %v", err)
	}
	var checkout *entitlement.CheckoutClient
	if cfg.CheckoutEndpoint != "" {
		checkout = entitlement.NewCheckoutClient(cfg.CheckoutEndpoint, cfg.CheckoutToken)
	}
	gate, err := entitlement.Open(entitlement.Options{
		Store:     kv,
		FreeQuota: cfg.FreeQuota,
		Verifier:  entitlement.NewVerifier(keys, cfg.LicenseIssuer),
		Checkout:  checkout,
	})
	if err != nil {
		return err
	}
	ent := gate.Revalidate()
	log.Infof("entitlement: plan=%s free_left=%d license=%s", ent.Plan, ent.FreeLeft, ent.LicenseStatus)

	var workerArgs []string
	if opts.configDir != "" {
		workerArgs = append(workerArgs, "-config", opts.configDir)
	}
	sup := worker.NewSupervisor(worker.Options{Command: worker.SelfCommand(workerArgs...)})

	actx, err := audio.NewContext()
	if err != nil {
		return fmt.Errorf("audio context: %w", err)
	}
	defer actx.Close()

	var device *audio.DeviceInfo
	if opts.setup && opts.device == "" {
		device, err = audio.SelectDevice(actx)
		if err != nil {
			log.Warnf("device selection failed: %v", err)
			fmt.Println("Falling back to default device")
		}
	} else if device, err = audio.FindDevice(actx, opts.device); err != nil {
		return err
	}
	rec := audio.NewRecorder(actx, device, 1)
	defer rec.Close()

	if opts.autopaste {
		if err := clipboard.Init(); err != nil {
			log.Warnf("paste init failed: %v", err)
			fmt.Printf("Warning: paste init failed: %v\n", err)
			fmt.Println("Fix with: sudo chmod 660 /dev/uinput && sudo chgrp input /dev/uinput")
		}
	}
	injector := clipboard.NewDesktop(opts.autopaste)

	engine, err := session.New(session.Options{
		Config:      cfgStore,
		Capture:     rec,
		Models:      modelStore,
		Transcriber: sup,
		Gate:        gate,
	})
	if err != nil {
		sup.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	binding := newHotkeyBinding(engine.Toggle)
	sc, err := hotkey.Parse(engine.Config().Shortcut)
	if err != nil {
		log.Warnf("stored shortcut invalid, using %s: %v", hotkey.DefaultShortcut, err)
		sc, _ = hotkey.Parse(hotkey.DefaultShortcut)
	}
	if err := binding.bind(sc); err != nil {
		// still reachable through -ctl toggle
		log.Errorf("hotkey register error: %v", err)
		fmt.Printf("Warning: could not register hotkey %s: %v\n", sc, err)
	}

	ctl := newController(ctx, engine, cfg.RunDir(), binding.bind)

	if opts.tui {
		tuiMu.Lock()
		tuiProgram = NewTUIProgram()
		tuiMu.Unlock()
		go func() {
			if _, err := tuiProgram.Run(); err != nil {
				log.Errorf("TUI error: %v", err)
			}
			gracefulShutdown()
		}()
	}
	sendConfig := func() {
		tuiSend(ConfigMsg{Config: engine.Config(), Entitlement: engine.Entitlement(), Device: deviceLineText(device)})
	}
	sendConfig()

	var consumers sync.WaitGroup
	consume := func(fn func()) {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			fn()
		}()
	}

	statusCh, _ := engine.StatusStream().Subscribe()
	consume(func() {
		prev := session.StateIdle
		for st := range statusCh {
			log.Info("state: " + string(st.State))
			switch {
			case st.State == session.StateRecording:
				beep.Play(beep.CueStart)
			case st.State == session.StateProcessing && prev == session.StateRecording:
				beep.Play(beep.CueStop)
			case st.State == session.StateError:
				beep.Play(beep.CueError)
				logToTUI("%s: %s", st.Code, st.Message)
			}
			prev = st.State
			tuiSend(StatusMsg{Status: st})
			sendConfig()
			ctl.writeStatus()
		}
	})

	resultCh, _ := engine.Results().Subscribe()
	consume(func() {
		for r := range resultCh {
			path, err := injector.Inject(r.Text)
			if err != nil {
				log.Warnf("inject: %v", err)
			} else {
				log.Info("delivered via " + string(path))
			}
			tuiSend(ResultMsg{Result: r, Path: path, Err: err})
			ctl.noteTranscript(r, path, err)
		}
	})

	progressCh, _ := engine.Progress().Subscribe()
	consume(func() {
		for p := range progressCh {
			if p.Err != nil {
				log.Warnf("download %s: %v", p.ID, p.Err)
				logToTUI("download %s failed: %s", p.ID, apperr.From(p.Err, apperr.CodeDownloadFailed).Message)
			}
			tuiSend(ProgressMsg{Progress: p})
			ctl.noteProgress(p)
		}
	})

	go ctl.watch()

	sigChan := make(chan os.Signal, 1)
	shutdown.Notify(sigChan)
	go func() {
		select {
		case <-sigChan:
		case <-shutdownCh:
		}
		gracefulShutdown()
	}()

	cur := engine.Config()
	log.SessionStart(cur.ActiveModel, cur.Language, cur.Shortcut)
	if !opts.tui {
		fmt.Printf("murmur %s ready: press %s to dictate (model %s)\n", version, cur.Shortcut, cur.ActiveModel)
	}

	<-shutdownCh
	log.Info("shutting down")
	binding.close()
	cancel()
	ctl.Wait()
	engine.Close()
	consumers.Wait()
	injector.Wait()
	ctl.writeStatus()
	tuiMu.Lock()
	if tuiProgram != nil {
		tuiProgram.Quit()
	}
	tuiMu.Unlock()
	return nil
}

const toggleDebounce = 150 * time.Millisecond

// hotkeyBinding owns the registered global shortcut and its toggle loop.
type hotkeyBinding struct {
	toggle func() session.Status

	mu   sync.Mutex
	hk   hotkey.Hotkey
	stop chan struct{}
	done chan struct{}
}

func newHotkeyBinding(toggle func() session.Status) *hotkeyBinding {
	return &hotkeyBinding{toggle: toggle}
}

// bind registers sc, replacing any previous shortcut. On failure the old
// shortcut stays active.
func (b *hotkeyBinding) bind(sc hotkey.Shortcut) error {
	hk, err := hotkey.New(sc)
	if err != nil {
		return err
	}
	if err := hk.Register(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
	b.hk = hk
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	toggles := hotkey.Toggles(hk, toggleDebounce, b.stop)
	go func(done chan struct{}) {
		defer close(done)
		for range toggles {
			log.Info("hotkey toggle")
			b.toggle()
		}
	}(b.done)
	log.Info("hotkey registered: " + sc.String())
	return nil
}

func (b *hotkeyBinding) closeLocked() {
	if b.hk == nil {
		return
	}
	close(b.stop)
	<-b.done
	b.hk.Unregister()
	b.hk = nil
}

func (b *hotkeyBinding) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

// runCtl implements `murmur -ctl <command>`.
func runCtl(cfg *config.Config, args []string) int {
	pidPath := filepath.Join(cfg.RunDir(), pidFileName)
	if _, ok := shutdown.Running(pidPath); !ok {
		fmt.Fprintln(os.Stderr, "Error: murmur is not running")
		return 1
	}
	res, err := sendCommand(cfg.RunDir(), args, ctlWait+5*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if !res.OK {
		fmt.Fprintf(os.Stderr, "%s: %s\n", res.Code, res.Message)
		return 1
	}
	if res.Output != nil {
		out, _ := json.MarshalIndent(res.Output, "", "  ")
		fmt.Println(string(out))
	} else {
		fmt.Println("ok")
	}
	return 0
}

func printStatus(cfg *config.Config) int {
	pidPath := filepath.Join(cfg.RunDir(), pidFileName)
	if _, ok := shutdown.Running(pidPath); !ok {
		fmt.Println("murmur is not running")
		return 1
	}
	data, err := os.ReadFile(filepath.Join(cfg.RunDir(), statusFileName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	os.Stdout.Write(data)
	return 0
}
