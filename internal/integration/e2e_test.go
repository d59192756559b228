//go:build integration

// Package integration contains end-to-end tests that run the engine and
// the connectivity monitor against an in-process server.
// Run with: go test -tags=integration ./internal/integration/...
package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questsync/questsync/internal/api"
	"github.com/questsync/questsync/internal/cache"
	"github.com/questsync/questsync/internal/sync"
)

const (
	deviceID = "e2e-device"
	waitFor  = 5 * time.Second
	tick     = 10 * time.Millisecond
)

var today = time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local)

type device struct {
	t      *testing.T
	server *api.MockServer
	path   string
	db     *cache.DB
	engine *sync.Engine
	cancel context.CancelFunc
	done   chan error
}

func newServer(t *testing.T) *api.MockServer {
	server := api.NewMockServer()
	server.SetNow(func() time.Time { return today })
	t.Cleanup(server.Close)
	return server
}

// openDevice opens (or reopens) the device database at path and starts a
// monitor that probes the server.
func openDevice(t *testing.T, server *api.MockServer, path string, online bool) *device {
	t.Helper()
	db, err := cache.InitDB(path)
	require.NoError(t, err)

	client := api.New(server.URL, deviceID)
	engine, err := sync.NewEngine(db, client, deviceID, sync.Options{
		Offline: !online,
		Now:     func() time.Time { return today },
	})
	require.NoError(t, err)

	d := &device{t: t, server: server, path: path, db: db, engine: engine}
	t.Cleanup(d.stop)
	return d
}

func (d *device) startMonitor() {
	ctx, cancel := context.WithCancel(context.Background())
	prober := &sync.HTTPProber{BaseURL: func() string { return d.server.URL }, DeviceID: deviceID}
	mon := sync.NewMonitor(d.engine, prober, sync.MonitorOptions{
		ProbeInterval:   20 * time.Millisecond,
		RefreshInterval: 40 * time.Millisecond,
	})
	d.cancel = cancel
	d.done = make(chan error, 1)
	go func() { d.done <- mon.Run(ctx) }()
}

func (d *device) stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
		d.cancel = nil
	}
	if d.db != nil {
		d.db.Close()
		d.db = nil
	}
}

func (d *device) pending() int {
	return d.engine.Status().Pending
}

func TestE2E_OfflineWorkSyncsOnReconnect(t *testing.T) {
	server := newServer(t)
	d := openDevice(t, server, filepath.Join(t.TempDir(), "questsync.db"), true)
	ctx := context.Background()
	require.NoError(t, d.engine.Bootstrap(ctx, api.BootstrapRequest{}))

	server.SetDown(true)
	d.startMonitor()
	require.Eventually(t, func() bool { return !d.engine.Online() }, waitFor, tick)

	q, err := d.engine.CreateQuest(ctx, api.QuestInput{Title: "Morning run", DomainName: "체력", XP: 15})
	require.NoError(t, err)
	assert.True(t, sync.IsTempID(q.ID))

	title := "Morning run, 5k"
	_, err = d.engine.UpdateQuest(ctx, q.ID, api.QuestPatch{Title: &title})
	require.NoError(t, err)
	_, err = d.engine.CompleteQuest(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, d.pending())
	assert.Empty(t, server.Quests(deviceID))

	server.SetDown(false)
	require.Eventually(t, func() bool { return d.engine.Online() && d.pending() == 0 }, waitFor, tick)

	quests := server.Quests(deviceID)
	require.Len(t, quests, 1)
	assert.Equal(t, "Morning run, 5k", quests[0].Title)
	assert.True(t, quests[0].IsCompleted)
	assert.Equal(t, float64(15), server.Domain(deviceID, "체력").XP)

	require.Eventually(t, func() bool {
		local, ok := d.engine.Quest(quests[0].ID)
		dom, _ := d.engine.State().Domain("체력")
		return ok && !local.Optimistic && local.IsCompleted && dom.XP == 15
	}, waitFor, tick)
	_, ok := d.engine.Quest(q.ID)
	assert.True(t, ok, "temporary id should still resolve")
}

func TestE2E_QueueSurvivesRestart(t *testing.T) {
	server := newServer(t)
	path := filepath.Join(t.TempDir(), "questsync.db")
	ctx := context.Background()

	first := openDevice(t, server, path, true)
	require.NoError(t, first.engine.Bootstrap(ctx, api.BootstrapRequest{}))
	first.engine.SetOnline(false)
	_, err := first.engine.CreateQuest(ctx, api.QuestInput{Title: "Read", DomainName: "지력", XP: 40})
	require.NoError(t, err)
	willpower := 0.0
	_, err = first.engine.UpdateConfig(ctx, api.ConfigPatch{WillpowerXPPerAnyQuest: &willpower})
	require.NoError(t, err)
	first.stop()

	second := openDevice(t, server, path, false)
	require.Equal(t, 2, second.pending())
	st := second.engine.State()
	require.Len(t, st.Quests, 1)
	assert.True(t, st.Quests[0].Optimistic)
	assert.Equal(t, float64(0), st.Config.WillpowerXPPerAnyQuest)

	second.startMonitor()
	require.Eventually(t, func() bool { return second.pending() == 0 }, waitFor, tick)

	require.Len(t, server.Quests(deviceID), 1)
	cfg := second.engine.State().Config
	assert.Equal(t, float64(0), cfg.WillpowerXPPerAnyQuest)
}

func TestE2E_FlakyServerRetriesUntilDelivered(t *testing.T) {
	server := newServer(t)
	d := openDevice(t, server, filepath.Join(t.TempDir(), "questsync.db"), true)
	ctx := context.Background()
	require.NoError(t, d.engine.Bootstrap(ctx, api.BootstrapRequest{}))

	// the immediate attempt and the first queued retry both fail
	server.FailNext(2, 503)
	q, err := d.engine.CreateQuest(ctx, api.QuestInput{Title: "Call mom", DomainName: "감성", XP: 20})
	require.NoError(t, err)
	require.Equal(t, 1, d.pending())
	assert.True(t, q.Optimistic)

	d.startMonitor()
	require.Eventually(t, func() bool { return d.pending() == 0 }, waitFor, tick)

	quests := server.Quests(deviceID)
	require.Len(t, quests, 1)
	assert.Equal(t, "Call mom", quests[0].Title)
	for _, n := range d.engine.Status().Notices {
		assert.NotEqual(t, sync.NoticeAbandoned, n.Kind, n.Message)
	}
}

func TestE2E_ServerChangesArriveByRefresh(t *testing.T) {
	server := newServer(t)
	d := openDevice(t, server, filepath.Join(t.TempDir(), "questsync.db"), true)
	ctx := context.Background()
	require.NoError(t, d.engine.Bootstrap(ctx, api.BootstrapRequest{}))
	d.startMonitor()

	added := server.AddQuest(deviceID, api.Quest{
		Title:      "Added elsewhere",
		DomainName: "말씀",
		XP:         10,
		Date:       api.FormatDate(today),
	})

	require.Eventually(t, func() bool {
		_, ok := d.engine.Quest(added.ID)
		return ok
	}, waitFor, tick)
	assert.NotEmpty(t, d.engine.Status().LastSyncedAt)
}

func TestE2E_PendingEditSurvivesRefreshWhileDown(t *testing.T) {
	server := newServer(t)
	d := openDevice(t, server, filepath.Join(t.TempDir(), "questsync.db"), true)
	ctx := context.Background()
	require.NoError(t, d.engine.Bootstrap(ctx, api.BootstrapRequest{}))

	q, err := d.engine.CreateQuest(ctx, api.QuestInput{Title: "Meditate", DomainName: "영성", XP: 10})
	require.NoError(t, err)
	require.False(t, q.Optimistic)

	server.SetDown(true)
	d.startMonitor()
	require.Eventually(t, func() bool { return !d.engine.Online() }, waitFor, tick)

	title := "Meditate 20 min"
	_, err = d.engine.UpdateQuest(ctx, q.ID, api.QuestPatch{Title: &title})
	require.NoError(t, err)

	server.SetDown(false)
	require.Eventually(t, func() bool { return d.pending() == 0 }, waitFor, tick)

	// later refreshes must keep the delivered title
	time.Sleep(100 * time.Millisecond)
	local, ok := d.engine.Quest(q.ID)
	require.True(t, ok)
	assert.Equal(t, "Meditate 20 min", local.Title)
	assert.Equal(t, "Meditate 20 min", server.Quests(deviceID)[0].Title)
}
