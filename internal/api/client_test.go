package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

const testDevice = "device-test"

func newTestClient(t *testing.T) (*Client, *MockServer) {
	t.Helper()
	mock := NewMockServer()
	t.Cleanup(mock.Close)
	return New(mock.URL, testDevice), mock
}

func fixedNow() time.Time {
	return time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
}

func TestNew_TrimsTrailingSlash(t *testing.T) {
	c := New("http://localhost:4000/", "d")
	if c.BaseURL() != "http://localhost:4000" {
		t.Errorf("BaseURL() = %q", c.BaseURL())
	}
	c.SetBaseURL("http://example.com//")
	if c.BaseURL() != "http://example.com" {
		t.Errorf("BaseURL() after SetBaseURL = %q", c.BaseURL())
	}
}

func TestClient_MissingDeviceIDNeverSends(t *testing.T) {
	mock := NewMockServer()
	defer mock.Close()

	c := New(mock.URL, "")
	_, err := c.Snapshot(context.Background())
	if err == nil {
		t.Fatal("expected error without device id")
	}
	if StatusOf(err) != 0 {
		t.Errorf("StatusOf() = %d, want 0", StatusOf(err))
	}
	if len(mock.Requests()) != 0 {
		t.Errorf("expected no requests, got %v", mock.Requests())
	}
}

func TestClient_BootstrapSeedsDefaults(t *testing.T) {
	c, mock := newTestClient(t)
	mock.SetNow(fixedNow)

	wp := 7.0
	snap, err := c.Bootstrap(context.Background(), BootstrapRequest{
		WillpowerXP: &wp,
		InitialDailyQuests: []QuestInput{
			{Title: "Stretch", DomainName: "체력", XP: 10},
			{Title: "", DomainName: "체력", XP: 10},
			{Title: "Bad domain", DomainName: "nope", XP: 10},
		},
	})
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	if len(snap.Domains) != 6 {
		t.Errorf("expected 6 default domains, got %d", len(snap.Domains))
	}
	if snap.Config.WillpowerXPPerAnyQuest != 7 {
		t.Errorf("willpower = %v, want 7", snap.Config.WillpowerXPPerAnyQuest)
	}
	if len(snap.Quests) != 1 || snap.Quests[0].Title != "Stretch" {
		t.Fatalf("expected only the valid seed quest, got %+v", snap.Quests)
	}
	if !snap.Quests[0].IsDaily || snap.Quests[0].Date != "2024-01-01" {
		t.Errorf("seed quest should be daily and dated today, got %+v", snap.Quests[0])
	}
	if len(snap.QuestsByDate.Today) != 1 {
		t.Errorf("expected seed quest in today bucket, got %+v", snap.QuestsByDate)
	}
}

func TestClient_CreateQuestValidation(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		in         QuestInput
		wantStatus int
	}{
		{"valid", QuestInput{Title: "Run 5k", DomainName: "체력", XP: 50, Date: "2024-01-01"}, 0},
		{"missing title", QuestInput{Title: "  ", DomainName: "체력", XP: 50}, http.StatusBadRequest},
		{"missing domain", QuestInput{Title: "x", XP: 50}, http.StatusBadRequest},
		{"unknown domain", QuestInput{Title: "x", DomainName: "unknown", XP: 50}, http.StatusBadRequest},
		{"zero xp", QuestInput{Title: "x", DomainName: "체력", XP: 0}, http.StatusBadRequest},
		{"malformed date", QuestInput{Title: "x", DomainName: "체력", XP: 5, Date: "01/02/2024"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := c.CreateQuest(ctx, tt.in)
			if tt.wantStatus == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if q.ID == "" {
					t.Error("expected server-assigned id")
				}
				return
			}
			if StatusOf(err) != tt.wantStatus {
				t.Errorf("status = %d, want %d (err=%v)", StatusOf(err), tt.wantStatus, err)
			}
		})
	}
}

func TestClient_UpdateAndDeleteQuest(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	q, err := c.CreateQuest(ctx, QuestInput{Title: "Read", DomainName: "지력", XP: 20, Date: "2024-01-01"})
	if err != nil {
		t.Fatalf("CreateQuest failed: %v", err)
	}

	title := "Read 30 pages"
	updated, err := c.UpdateQuest(ctx, q.ID, QuestPatch{Title: &title})
	if err != nil {
		t.Fatalf("UpdateQuest failed: %v", err)
	}
	if updated.Title != title || updated.XP != 20 {
		t.Errorf("unexpected update result: %+v", updated)
	}

	if err := c.DeleteQuest(ctx, q.ID); err != nil {
		t.Fatalf("DeleteQuest failed: %v", err)
	}
	if err := c.DeleteQuest(ctx, q.ID); !IsNotFound(err) {
		t.Errorf("second delete should be 404, got %v", err)
	}
	if _, err := c.UpdateQuest(ctx, q.ID, QuestPatch{Title: &title}); !IsNotFound(err) {
		t.Errorf("update of deleted quest should be 404, got %v", err)
	}
}

func TestClient_CompleteDailyQuestWithWillpower(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	q, err := c.CreateQuest(ctx, QuestInput{Title: "Run", DomainName: "체력", XP: 120, Date: "2024-01-01", IsDaily: true})
	if err != nil {
		t.Fatalf("CreateQuest failed: %v", err)
	}

	res, err := c.CompleteQuest(ctx, q.ID)
	if err != nil {
		t.Fatalf("CompleteQuest failed: %v", err)
	}

	if !res.Quest.IsCompleted || res.Quest.CompletedAt == nil {
		t.Errorf("quest should be completed: %+v", res.Quest)
	}
	if len(res.Domains) != 2 {
		t.Fatalf("expected quest domain and willpower, got %d domains", len(res.Domains))
	}
	if res.Domains[0].Name != "체력" || res.Domains[0].XP != 120 || res.Domains[0].Level != 2 {
		t.Errorf("unexpected quest domain: %+v", res.Domains[0])
	}
	if res.Domains[1].Name != WillpowerDomain || res.Domains[1].XP != DefaultWillpowerXP {
		t.Errorf("unexpected willpower domain: %+v", res.Domains[1])
	}
	if len(res.LevelUpEvents) != 1 || !res.LevelUpEvents[0].HasReward() {
		t.Errorf("expected one rewarded level-up, got %+v", res.LevelUpEvents)
	}
	if res.NextQuest == nil || res.NextQuest.Date != "2024-01-02" || !res.NextQuest.IsDaily {
		t.Errorf("expected daily next quest on 2024-01-02, got %+v", res.NextQuest)
	}

	again, err := c.CompleteQuest(ctx, q.ID)
	if err != nil {
		t.Fatalf("second CompleteQuest failed: %v", err)
	}
	if len(again.Domains) != 0 || again.NextQuest != nil {
		t.Errorf("completing twice should be a no-op, got %+v", again)
	}
}

func TestClient_WillpowerDisabled(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	zero := 0.0
	if _, err := c.UpdateConfig(ctx, ConfigPatch{WillpowerXPPerAnyQuest: &zero}); err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}
	q, _ := c.CreateQuest(ctx, QuestInput{Title: "Pray", DomainName: "영성", XP: 10, Date: "2024-01-01"})
	res, err := c.CompleteQuest(ctx, q.ID)
	if err != nil {
		t.Fatalf("CompleteQuest failed: %v", err)
	}
	if len(res.Domains) != 1 {
		t.Errorf("expected only the quest domain, got %+v", res.Domains)
	}
	if res.NextQuest != nil {
		t.Errorf("non-daily quest should not roll over")
	}
}

func TestClient_ConfigAndDomain(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	neg := -1.0
	if _, err := c.UpdateConfig(ctx, ConfigPatch{WillpowerXPPerAnyQuest: &neg}); StatusOf(err) != http.StatusBadRequest {
		t.Errorf("negative willpower should be 400, got %v", err)
	}

	cfg, err := c.UpdateConfig(ctx, ConfigPatch{DefaultLevelThresholds: []float64{0, 10, 20}})
	if err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}
	if len(cfg.DefaultLevelThresholds) != 3 {
		t.Errorf("thresholds not updated: %+v", cfg)
	}

	got, err := c.GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}
	if got.WillpowerXPPerAnyQuest != DefaultWillpowerXP {
		t.Errorf("willpower changed unexpectedly: %v", got.WillpowerXPPerAnyQuest)
	}

	dom, err := c.UpdateDomain(ctx, DomainPatch{Name: "지력", LevelThresholds: []float64{0, 50}})
	if err != nil {
		t.Fatalf("UpdateDomain failed: %v", err)
	}
	if len(dom.LevelThresholds) != 2 || dom.NextLevelThreshold != 50 {
		t.Errorf("unexpected domain: %+v", dom)
	}
	if _, err := c.UpdateDomain(ctx, DomainPatch{Name: "missing"}); !IsNotFound(err) {
		t.Errorf("unknown domain should be 404, got %v", err)
	}
}

func TestClient_Reset(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	q, _ := c.CreateQuest(ctx, QuestInput{Title: "Run", DomainName: "체력", XP: 500, Date: "2024-01-01"})
	if _, err := c.CompleteQuest(ctx, q.ID); err != nil {
		t.Fatalf("CompleteQuest failed: %v", err)
	}

	res, err := c.Reset(ctx)
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	for _, d := range res.Domains {
		if d.Level != 1 || d.XP != 0 {
			t.Errorf("domain %s not reset: %+v", d.Name, d)
		}
	}
	snap, _ := c.Snapshot(ctx)
	if len(snap.Quests) != 0 {
		t.Errorf("expected no quests after reset, got %d", len(snap.Quests))
	}
}

func TestClient_FaultInjection(t *testing.T) {
	c, mock := newTestClient(t)
	ctx := context.Background()

	mock.FailNext(1, http.StatusServiceUnavailable)
	_, err := c.Snapshot(ctx)
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 api error, got %v", err)
	}

	mock.SetDown(true)
	_, err = c.CreateQuest(ctx, QuestInput{Title: "x", DomainName: "체력", XP: 1})
	if err == nil || StatusOf(err) != 0 {
		t.Fatalf("expected transport error, got %v", err)
	}
	mock.SetDown(false)

	if _, err := c.Snapshot(ctx); err != nil {
		t.Fatalf("server should recover: %v", err)
	}
}

func TestEnrichDomain(t *testing.T) {
	tests := []struct {
		name      string
		domain    Domain
		wantNext  float64
		wantToNxt float64
		wantRatio float64
	}{
		{"fresh", Domain{Level: 1, XP: 0, LevelThresholds: DefaultLevelThresholds}, 100, 100, 0},
		{"halfway", Domain{Level: 1, XP: 50, LevelThresholds: DefaultLevelThresholds}, 100, 50, 0.5},
		{"max level", Domain{Level: 10, XP: 3000, LevelThresholds: DefaultLevelThresholds}, 2800, 0, 1},
		{"no thresholds", Domain{Level: 1, XP: 0}, 100, 100, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := enrichDomain(tt.domain)
			if got.NextLevelThreshold != tt.wantNext {
				t.Errorf("next = %v, want %v", got.NextLevelThreshold, tt.wantNext)
			}
			if got.XPToNextLevel != tt.wantToNxt {
				t.Errorf("xp to next = %v, want %v", got.XPToNextLevel, tt.wantToNxt)
			}
			if got.LevelProgressRatio != tt.wantRatio {
				t.Errorf("ratio = %v, want %v", got.LevelProgressRatio, tt.wantRatio)
			}
		})
	}
}

func TestApplyXP_MultipleLevels(t *testing.T) {
	d := Domain{Name: "체력", Level: 1, LevelThresholds: DefaultLevelThresholds, LevelupRewards: DefaultRewards}
	events := applyXP(&d, 460)

	if d.Level != 4 {
		t.Fatalf("level = %d, want 4", d.Level)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if !events[0].HasReward() || events[1].HasReward() || events[2].HasReward() {
		t.Errorf("only level 2 carries a reward: %+v", events)
	}
}

func TestGroupByDate(t *testing.T) {
	today := fixedNow()
	quests := []Quest{
		{ID: "overdue", Date: "2023-12-30"},
		{ID: "today", Date: "2024-01-01"},
		{ID: "tomorrow", Date: "2024-01-02"},
		{ID: "later", Date: "2024-02-01"},
		{ID: "done", Date: "2024-01-01", IsCompleted: true},
	}

	b := GroupByDate(quests, today)
	if len(b.Today) != 2 || b.Today[0].ID != "overdue" || b.Today[1].ID != "today" {
		t.Errorf("today = %+v", b.Today)
	}
	if len(b.Tomorrow) != 1 || b.Tomorrow[0].ID != "tomorrow" {
		t.Errorf("tomorrow = %+v", b.Tomorrow)
	}
	if len(b.Upcoming) != 1 || b.Upcoming[0].ID != "later" {
		t.Errorf("upcoming = %+v", b.Upcoming)
	}
}

func TestNormalizeDateAndAddDays(t *testing.T) {
	if d, ok := NormalizeDate("2024-01-31"); !ok || d != "2024-01-31" {
		t.Errorf("NormalizeDate(date) = %q, %v", d, ok)
	}
	if d, ok := NormalizeDate("2024-01-31T10:00:00Z"); !ok || d != "2024-01-31" {
		t.Errorf("NormalizeDate(rfc3339) = %q, %v", d, ok)
	}
	if _, ok := NormalizeDate("yesterday"); ok {
		t.Error("NormalizeDate should reject free text")
	}
	next, err := AddDays("2024-01-31", 1)
	if err != nil || next != "2024-02-01" {
		t.Errorf("AddDays = %q, %v", next, err)
	}
}
