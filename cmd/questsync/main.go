// Package main provides the CLI entrypoint for questsync.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/questsync/questsync/internal/api"
	"github.com/questsync/questsync/internal/cache"
	"github.com/questsync/questsync/internal/config"
	"github.com/questsync/questsync/internal/logger"
	"github.com/questsync/questsync/internal/render"
	"github.com/questsync/questsync/internal/sync"
)

const probeTimeout = 3 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		os.Exit(1)
	}
}

// run executes one command line and releases the database afterwards,
// including when the command fails.
func run(args []string, out io.Writer) error {
	a := &app{out: out, now: time.Now}
	return a.execute(args)
}

func (a *app) execute(args []string) error {
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(a.out)
	err := root.Execute()
	if cerr := a.close(); err == nil {
		err = cerr
	}
	return err
}

// app holds what every command needs once the root pre-run has opened it.
type app struct {
	out io.Writer
	now func() time.Time

	configPath string
	apiBase    string
	dataDir    string
	logLevel   string
	logFile    string
	offline    bool

	cfg    config.Config
	db     *cache.DB
	client *api.Client
	engine *sync.Engine
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "questsync",
		Short: "Offline-first client for the habit-RPG quest server",
		Long: `questsync keeps your quests, domains and settings on this device.

Every change is applied locally at once and queued. Queued changes are sent
to the server in order whenever it is reachable, so the app stays usable
without a connection.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.open,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/questsync/config.yaml)")
	flags.StringVar(&a.apiBase, "api", "", "API base URL, overriding the saved one")
	flags.StringVar(&a.dataDir, "data-dir", "", "directory holding the local database")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVar(&a.logFile, "log-file", "", "also append log lines to this file")
	flags.BoolVar(&a.offline, "offline", false, "do not contact the server")

	root.AddCommand(
		a.bootstrapCmd(),
		a.addCmd(),
		a.editCmd(),
		a.postponeCmd(),
		a.doneCmd(),
		a.rmCmd(),
		a.listCmd(),
		a.domainsCmd(),
		a.domainCmd(),
		a.configCmd(),
		a.syncCmd(),
		a.statusCmd(),
		a.watchCmd(),
		a.resetCmd(),
	)
	return root
}

// open loads configuration, opens the local database and starts the engine.
func (a *app) open(cmd *cobra.Command, args []string) error {
	path := a.configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if a.dataDir != "" {
		cfg.DataDir = a.dataDir
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.logFile != "" {
		cfg.LogFile = a.logFile
	}
	a.cfg = cfg

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	if cfg.LogFile != "" {
		if err := logger.SetLogFile(cfg.LogFile); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := cache.InitDB(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.db = db

	deviceID, err := a.deviceID()
	if err != nil {
		return err
	}
	base, err := a.resolveAPIBase()
	if err != nil {
		return err
	}
	a.client = api.NewWithHTTPClient(base, deviceID, &http.Client{Timeout: cfg.RequestTimeout})

	online := !a.offline && a.prober(deviceID).Probe(a.ctx(cmd))
	engine, err := sync.NewEngine(db, a.client, deviceID, sync.Options{
		MaxAttempts: cfg.MaxAttempts,
		Offline:     !online,
		Now:         a.now,
		OnNotice: func(n sync.Notice) {
			fmt.Fprintln(a.out, render.Notice(n))
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start sync engine: %w", err)
	}
	a.engine = engine
	logger.Debug("Opened %s as device %s against %s (online=%v)", cfg.DBPath(), deviceID, base, online)
	return nil
}

func (a *app) close() error {
	defer logger.Close()
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

// deviceID returns the persisted device identifier, generating one on first use.
func (a *app) deviceID() (string, error) {
	id, ok, err := a.db.GetMeta(cache.MetaDeviceID)
	if err != nil {
		return "", err
	}
	if ok && id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := a.db.SetMeta(cache.MetaDeviceID, id); err != nil {
		return "", err
	}
	logger.Info("Registered new device %s", id)
	return id, nil
}

// resolveAPIBase picks the API base: --api, then the environment, then the
// base saved with "config set-api", then the config file.
func (a *app) resolveAPIBase() (string, error) {
	if a.apiBase != "" {
		if err := config.ValidateAPIBase(a.apiBase); err != nil {
			return "", err
		}
		return a.apiBase, nil
	}
	if os.Getenv(config.EnvAPIBase) != "" {
		return a.cfg.APIBase, nil
	}
	saved, ok, err := a.db.GetMeta(cache.MetaAPIBase)
	if err != nil {
		return "", err
	}
	if ok && saved != "" {
		return saved, nil
	}
	return a.cfg.APIBase, nil
}

func (a *app) prober(deviceID string) *sync.HTTPProber {
	return &sync.HTTPProber{
		BaseURL:  a.client.BaseURL,
		DeviceID: deviceID,
		Client:   &http.Client{Timeout: probeTimeout},
	}
}

// resolveQuest maps a full id, a confirmed temporary id or a unique id
// prefix to the id the engine knows the quest by.
func (a *app) resolveQuest(arg string) (string, error) {
	if q, ok := a.engine.Quest(arg); ok {
		return q.ID, nil
	}
	var matches []string
	for _, q := range a.engine.State().Quests {
		if strings.HasPrefix(q.ID, arg) {
			matches = append(matches, q.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no quest matches %q", arg)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q is ambiguous: matches %d quests", arg, len(matches))
	}
}

// parseDate accepts "today", "tomorrow" or a YYYY-MM-DD date.
func (a *app) parseDate(value string) (string, error) {
	today := api.FormatDate(a.now())
	switch strings.ToLower(value) {
	case "", "today":
		return today, nil
	case "tomorrow":
		return api.AddDays(today, 1)
	}
	date, ok := api.NormalizeDate(value)
	if !ok {
		return "", fmt.Errorf("invalid date %q: must be YYYY-MM-DD, today or tomorrow", value)
	}
	return date, nil
}

// parseRewards parses "level:text" pairs.
func parseRewards(values []string) ([]api.Reward, error) {
	if len(values) == 0 {
		return nil, nil
	}
	rewards := make([]api.Reward, 0, len(values))
	for _, v := range values {
		level, text, ok := strings.Cut(v, ":")
		if !ok || strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("invalid reward %q: must be level:text", v)
		}
		var n int
		if _, err := fmt.Sscanf(level, "%d", &n); err != nil || n < 1 {
			return nil, fmt.Errorf("invalid reward level in %q", v)
		}
		rewards = append(rewards, api.Reward{Level: n, Text: strings.TrimSpace(text)})
	}
	return rewards, nil
}

// reportQueued tells the user when a change is waiting for the server.
func (a *app) reportQueued(q sync.LocalQuest) {
	if !q.Optimistic {
		return
	}
	if a.engine.Online() {
		fmt.Fprintln(a.out, "queued: will retry on next sync")
	} else {
		fmt.Fprintln(a.out, "queued: offline, will sync when the server is reachable")
	}
}

func (a *app) ctx(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
