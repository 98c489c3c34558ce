package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"murmur/apperr"
	"murmur/clipboard"
	"murmur/entitlement"
	"murmur/hotkey"
	"murmur/log"
	"murmur/models"
	"murmur/session"
	"murmur/store"
)

const (
	cmdPrefix      = "cmd-"
	cmdSuffix      = ".json"
	statusFileName = "status.json"
	pidFileName    = "murmur.pid"
	ctlWait        = 30 * time.Second
	// recentCommands bounds the results kept in status.json.
	recentCommands = 16
)

// ctlCommand is one request dropped into the run directory by `murmur -ctl`.
type ctlCommand struct {
	ID   string    `json:"id"`
	Args []string  `json:"args"`
	Sent time.Time `json:"sent"`
}

type ctlResult struct {
	ID      string      `json:"id"`
	Command string      `json:"command"`
	OK      bool        `json:"ok"`
	Code    apperr.Code `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
	Output  any         `json:"output,omitempty"`
	At      time.Time   `json:"at"`
}

type downloadState struct {
	Downloaded int64  `json:"downloaded"`
	Total      int64  `json:"total"`
	Done       bool   `json:"done"`
	Error      string `json:"error,omitempty"`
}

type lastTranscript struct {
	Length     int            `json:"length"`
	ModelID    string         `json:"modelId"`
	Language   string         `json:"language,omitempty"`
	DurationMs int64          `json:"durationMs"`
	Path       clipboard.Path `json:"path,omitempty"`
	Error      string         `json:"error,omitempty"`
	At         time.Time      `json:"at"`
}

// statusSnapshot is what the daemon publishes in status.json.
type statusSnapshot struct {
	PID            int                      `json:"pid"`
	Version        string                   `json:"version"`
	Status         session.Status           `json:"status"`
	Config         session.Config           `json:"config"`
	Models         []models.Record          `json:"models"`
	Downloads      map[string]downloadState `json:"downloads,omitempty"`
	Entitlement    entitlement.State        `json:"entitlement"`
	Transcriptions int                      `json:"transcriptions"`
	LastTranscript *lastTranscript          `json:"last_transcript,omitempty"`
	RecentCommands []ctlResult              `json:"recent_commands,omitempty"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

// command returns the result for id, if it is still among the recent ones.
func (s *statusSnapshot) command(id string) *ctlResult {
	for i := len(s.RecentCommands) - 1; i >= 0; i-- {
		if s.RecentCommands[i].ID == id {
			return &s.RecentCommands[i]
		}
	}
	return nil
}

// engineAPI is the part of the session engine the controller drives.
type engineAPI interface {
	Toggle() session.Status
	Status() session.Status
	Count() int
	Config() session.Config
	SetShortcut(s string) (hotkey.Shortcut, error)
	SetLanguage(lang string) error
	SetActiveModel(id string) error
	Models() []models.Record
	DownloadModel(ctx context.Context, id string) error
	DeleteModel(id string) error
	ImportLicense(path string) error
	RemoveLicense() error
	Checkout(ctx context.Context) (entitlement.Checkout, error)
	Entitlement() entitlement.State
}

// controller executes -ctl commands and keeps status.json current.
type controller struct {
	engine engineAPI
	dir    string
	ctx    context.Context
	// rebind re-registers the global shortcut after a change.
	rebind func(hotkey.Shortcut) error

	mu        sync.Mutex
	downloads map[string]downloadState
	last      *lastTranscript
	recent    []ctlResult
	wg        sync.WaitGroup
}

func newController(ctx context.Context, engine engineAPI, dir string, rebind func(hotkey.Shortcut) error) *controller {
	return &controller{
		engine:    engine,
		dir:       dir,
		ctx:       ctx,
		rebind:    rebind,
		downloads: make(map[string]downloadState),
	}
}

func (c *controller) statusPath() string { return filepath.Join(c.dir, statusFileName) }

// writeStatus replaces status.json with the current snapshot.
func (c *controller) writeStatus() {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := statusSnapshot{
		PID:            os.Getpid(),
		Version:        version,
		Status:         c.engine.Status(),
		Config:         c.engine.Config(),
		Models:         c.engine.Models(),
		Entitlement:    c.engine.Entitlement(),
		Transcriptions: c.engine.Count(),
		LastTranscript: c.last,
		RecentCommands: append([]ctlResult(nil), c.recent...),
		UpdatedAt:      time.Now(),
	}
	if len(c.downloads) > 0 {
		snap.Downloads = make(map[string]downloadState, len(c.downloads))
		for k, v := range c.downloads {
			snap.Downloads[k] = v
		}
	}
	if err := store.WriteJSON(c.statusPath(), snap); err != nil {
		log.Warnf("write status: %v", err)
	}
}

func (c *controller) noteProgress(p models.Progress) {
	c.mu.Lock()
	ds := downloadState{Downloaded: p.Downloaded, Total: p.Total, Done: p.Done}
	if p.Err != nil {
		ds.Error = p.Err.Error()
	}
	c.downloads[p.ID] = ds
	c.mu.Unlock()
	c.writeStatus()
}

func (c *controller) noteTranscript(r session.Result, path clipboard.Path, err error) {
	c.mu.Lock()
	lt := &lastTranscript{
		Length:     len(r.Text),
		ModelID:    r.ModelID,
		Language:   r.Language,
		DurationMs: r.DurationMs,
		Path:       path,
		At:         time.Now(),
	}
	if err != nil {
		lt.Error = err.Error()
	}
	c.last = lt
	c.mu.Unlock()
	c.writeStatus()
}

// watch runs until ctx ends, executing commands as their files appear.
func (c *controller) watch() {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		log.Errorf("create run dir: %v", err)
		return
	}
	c.drain()
	c.writeStatus()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warnf("fsnotify not available, falling back to polling: %v", err)
		c.poll()
		return
	}
	defer watcher.Close()
	if err := watcher.Add(c.dir); err != nil {
		log.Warnf("watch %s failed, falling back to polling: %v", c.dir, err)
		c.poll()
		return
	}
	log.Info("command watcher started (fsnotify)")

	// fsnotify can miss events on some filesystems
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				log.Warn("fsnotify watcher closed, switching to polling")
				c.poll()
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) != 0 && isCommandFile(ev.Name) {
				c.drain()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				log.Warn("fsnotify error channel closed, switching to polling")
				c.poll()
				return
			}
			log.Warnf("command watcher: %v", err)
		case <-ticker.C:
			c.drain()
		}
	}
}

func (c *controller) poll() {
	log.Info("command watcher started (polling, 1s interval)")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.drain()
		}
	}
}

func isCommandFile(path string) bool {
	name := filepath.Base(path)
	return strings.HasPrefix(name, cmdPrefix) && strings.HasSuffix(name, cmdSuffix)
}

// drain executes every pending command file, oldest first. Each file is
// removed before it runs so a command executes at most once.
func (c *controller) drain() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	var cmds []ctlCommand
	for _, e := range entries {
		if e.IsDir() || !isCommandFile(e.Name()) {
			continue
		}
		path := filepath.Join(c.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		os.Remove(path)
		var cmd ctlCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			log.Warnf("discarding malformed command %s: %v", e.Name(), err)
			continue
		}
		cmds = append(cmds, cmd)
	}
	sort.SliceStable(cmds, func(i, j int) bool { return cmds[i].Sent.Before(cmds[j].Sent) })
	for _, cmd := range cmds {
		c.handle(cmd)
	}
}

func (c *controller) handle(cmd ctlCommand) {
	name := strings.Join(cmd.Args, " ")
	log.Info("ctl: " + name)
	out, err := c.execute(cmd.Args)
	res := ctlResult{ID: cmd.ID, Command: name, OK: err == nil, Output: out, At: time.Now()}
	if err != nil {
		e := apperr.From(err, apperr.CodeInternal)
		res.Code = e.Code
		res.Message = e.Message
		log.Warnf("ctl %s: %v", name, err)
	}
	c.mu.Lock()
	c.recent = append(c.recent, res)
	if len(c.recent) > recentCommands {
		c.recent = append(c.recent[:0], c.recent[len(c.recent)-recentCommands:]...)
	}
	c.mu.Unlock()
	c.writeStatus()
}

func usageErr(format string, args ...any) error {
	return apperr.Newf(apperr.CodeInvalidConfig, format, args...)
}

func (c *controller) execute(args []string) (any, error) {
	if len(args) == 0 {
		return nil, usageErr("missing command")
	}
	arg := func(n int) (string, error) {
		if len(args) != n+1 {
			return "", usageErr("usage: %s <value>", args[0])
		}
		return args[n], nil
	}

	switch args[0] {
	case "status":
		return nil, nil

	case "toggle":
		st := c.engine.Toggle()
		if st.State == session.StateError {
			return st, apperr.Newf(st.Code, "%s", st.Message)
		}
		return st, nil

	case "models":
		return c.engine.Models(), nil

	case "download":
		id, err := arg(1)
		if err != nil {
			return nil, err
		}
		return c.download(id)

	case "delete":
		id, err := arg(1)
		if err != nil {
			return nil, err
		}
		return nil, c.engine.DeleteModel(id)

	case "use":
		id, err := arg(1)
		if err != nil {
			return nil, err
		}
		return nil, c.engine.SetActiveModel(id)

	case "language":
		lang, err := arg(1)
		if err != nil {
			return nil, err
		}
		return nil, c.engine.SetLanguage(lang)

	case "shortcut":
		if len(args) < 2 {
			return nil, usageErr("usage: shortcut <combo>")
		}
		sc, err := c.engine.SetShortcut(strings.Join(args[1:], ""))
		if err != nil {
			return nil, err
		}
		if c.rebind != nil {
			if err := c.rebind(sc); err != nil {
				return sc.String(), apperr.Wrap(apperr.CodeInvalidConfig, err)
			}
		}
		return sc.String(), nil

	case "license":
		if len(args) < 2 {
			return nil, usageErr("usage: license import <path> | license remove")
		}
		switch args[1] {
		case "import":
			path, err := arg(2)
			if err != nil {
				return nil, err
			}
			if abs, err := filepath.Abs(path); err == nil {
				path = abs
			}
			if err := c.engine.ImportLicense(path); err != nil {
				return nil, err
			}
			return c.engine.Entitlement(), nil
		case "remove":
			if err := c.engine.RemoveLicense(); err != nil {
				return nil, err
			}
			return c.engine.Entitlement(), nil
		}
		return nil, usageErr("unknown license command %q", args[1])

	case "checkout":
		ctx, cancel := context.WithTimeout(c.ctx, ctlWait)
		defer cancel()
		return c.engine.Checkout(ctx)
	}
	return nil, usageErr("unknown command %q", args[0])
}

// download starts a transfer in the background. Errors raised before any
// bytes move are reported to the caller; later ones land in status.json.
func (c *controller) download(id string) (any, error) {
	errc := make(chan error, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		errc <- c.engine.DownloadModel(c.ctx, id)
	}()
	select {
	case err := <-errc:
		if err != nil {
			return nil, err
		}
		return "installed", nil
	case <-time.After(200 * time.Millisecond):
		return "started", nil
	}
}

// Wait blocks until background downloads have returned.
func (c *controller) Wait() { c.wg.Wait() }

// sendCommand hands args to the running daemon and waits for its result.
func sendCommand(runDir string, args []string, timeout time.Duration) (*ctlResult, error) {
	if len(args) == 0 {
		return nil, errors.New("no command given")
	}
	cmd := ctlCommand{ID: uuid.NewString(), Args: args, Sent: time.Now()}
	path := filepath.Join(runDir, cmdPrefix+cmd.ID+cmdSuffix)
	if err := store.WriteJSON(path, cmd); err != nil {
		return nil, fmt.Errorf("write command: %w", err)
	}

	statusPath := filepath.Join(runDir, statusFileName)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if snap, err := readStatus(statusPath); err == nil {
			if res := snap.command(cmd.ID); res != nil {
				return res, nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	os.Remove(path)
	return nil, fmt.Errorf("daemon did not answer within %s", timeout)
}

func readStatus(path string) (*statusSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap statusSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
