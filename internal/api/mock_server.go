package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WillpowerDomain is credited on every completion when the device's
// willpower_xp_per_any_quest is positive.
const WillpowerDomain = "의지"

// DefaultLevelThresholds are the thresholds new devices start with.
var DefaultLevelThresholds = []float64{0, 100, 250, 450, 700, 1000, 1350, 1750, 2200, 2800}

// DefaultRewards are the level-up rewards new devices start with.
var DefaultRewards = []Reward{
	{Level: 2, Text: "레벨 2 달성! 좋아하는 간식을 즐기세요.", Icon: "reward-snack", Sound: "reward-chime"},
	{Level: 5, Text: "레벨 5 달성! 특별한 산책으로 축하해요.", Icon: "reward-walk", Sound: "reward-fanfare"},
	{Level: 8, Text: "레벨 8 달성! 취미 시간을 넉넉히 확보하세요.", Icon: "reward-hobby", Sound: "reward-chime"},
	{Level: 10, Text: "레벨 10 달성! 친구와 축하 파티!", Icon: "reward-celebrate", Sound: "reward-fanfare"},
}

// DefaultWillpowerXP is the willpower credit new devices start with.
const DefaultWillpowerXP = 5

var defaultDomains = []struct{ name, icon, color string }{
	{"체력", "icon-vitality", "#f97316"},
	{"지력", "icon-wisdom", "#38bdf8"},
	{"감성", "icon-empathy", "#f472b6"},
	{WillpowerDomain, "icon-willpower", "#22c55e"},
	{"영성", "icon-spirit", "#a855f7"},
	{"말씀", "icon-word", "#facc15"},
}

// MockServer is an in-memory habit-RPG backend for tests. It implements
// the full API contract, including leveling, and can inject failures.
type MockServer struct {
	*httptest.Server

	mu       sync.Mutex
	devices  map[string]*mockDevice
	now      func() time.Time
	faults   []int
	down     bool
	requests []string
}

type mockDevice struct {
	config  Config
	domains []*Domain
	quests  map[string]*Quest
	created map[string]int
	seq     int
}

// NewMockServer starts a mock API server.
func NewMockServer() *MockServer {
	m := &MockServer{
		devices: make(map[string]*mockDevice),
		now:     time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/bootstrap", m.handleBootstrap)
	mux.HandleFunc("GET /api/snapshot", m.handleSnapshot)
	mux.HandleFunc("POST /api/quests", m.handleCreateQuest)
	mux.HandleFunc("GET /api/quests/{id}", m.handleGetQuest)
	mux.HandleFunc("PATCH /api/quests/{id}", m.handleUpdateQuest)
	mux.HandleFunc("DELETE /api/quests/{id}", m.handleDeleteQuest)
	mux.HandleFunc("POST /api/quests/{id}/complete", m.handleCompleteQuest)
	mux.HandleFunc("GET /api/config", m.handleGetConfig)
	mux.HandleFunc("PATCH /api/config", m.handleUpdateConfig)
	mux.HandleFunc("GET /api/domains", m.handleListDomains)
	mux.HandleFunc("PATCH /api/domains", m.handleUpdateDomain)
	mux.HandleFunc("POST /api/reset", m.handleReset)

	m.Server = httptest.NewServer(m.middleware(mux))
	return m
}

// SetNow overrides the server clock used for dates and buckets.
func (m *MockServer) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// FailNext makes the next n requests fail with status. A status of 0
// drops the connection without a response, which clients see as a
// transport error.
func (m *MockServer) FailNext(n, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.faults = append(m.faults, status)
	}
}

// SetDown drops every connection while down is true.
func (m *MockServer) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// Requests returns "METHOD path" for every request received so far.
func (m *MockServer) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}

// ResetRequests clears the request log.
func (m *MockServer) ResetRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}

// Quests returns the quests stored for a device (for test assertions).
func (m *MockServer) Quests(deviceID string) []Quest {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deviceLocked(deviceID)
	return d.sortedQuests()
}

// Domain returns the named domain of a device (for test assertions).
func (m *MockServer) Domain(deviceID, name string) *Domain {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.deviceLocked(deviceID).domain(name); d != nil {
		cp := *d
		return &cp
	}
	return nil
}

// AddQuest stores a quest directly, bypassing validation. Missing ids
// are generated.
func (m *MockServer) AddQuest(deviceID string, q Quest) Quest {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deviceLocked(deviceID)
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	d.put(&q)
	return q
}

func (m *MockServer) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requests = append(m.requests, r.Method+" "+r.URL.Path)
		fault, faulted := -1, false
		if m.down {
			fault, faulted = 0, true
		} else if len(m.faults) > 0 {
			fault, faulted = m.faults[0], true
			m.faults = m.faults[1:]
		}
		m.mu.Unlock()

		if faulted {
			if fault == 0 {
				dropConnection(w)
				return
			}
			writeError(w, fault, http.StatusText(fault))
			return
		}

		if r.Header.Get(DeviceHeader) == "" {
			writeError(w, http.StatusBadRequest, "X-Device-ID header is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// deviceLocked returns the device, seeding defaults on first contact.
func (m *MockServer) deviceLocked(deviceID string) *mockDevice {
	if d, ok := m.devices[deviceID]; ok {
		return d
	}
	d := &mockDevice{
		config:  defaultConfig(),
		quests:  make(map[string]*Quest),
		created: make(map[string]int),
	}
	for _, dd := range defaultDomains {
		d.domains = append(d.domains, &Domain{
			ID:              uuid.NewString(),
			Name:            dd.name,
			Icon:            dd.icon,
			Color:           dd.color,
			Level:           1,
			LevelThresholds: append([]float64(nil), DefaultLevelThresholds...),
			LevelupRewards:  append([]Reward(nil), DefaultRewards...),
		})
	}
	m.devices[deviceID] = d
	return d
}

func defaultConfig() Config {
	return Config{
		WillpowerXPPerAnyQuest: DefaultWillpowerXP,
		DefaultLevelThresholds: append([]float64(nil), DefaultLevelThresholds...),
		DefaultLevelupRewards:  append([]Reward(nil), DefaultRewards...),
	}
}

func (d *mockDevice) domain(name string) *Domain {
	for _, dom := range d.domains {
		if dom.Name == name {
			return dom
		}
	}
	return nil
}

func (d *mockDevice) put(q *Quest) {
	if _, ok := d.created[q.ID]; !ok {
		d.seq++
		d.created[q.ID] = d.seq
	}
	d.quests[q.ID] = q
}

func (d *mockDevice) sortedQuests() []Quest {
	out := make([]Quest, 0, len(d.quests))
	for _, q := range d.quests {
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return d.created[out[i].ID] < d.created[out[j].ID]
	})
	return out
}

func (d *mockDevice) enrichedDomains() []Domain {
	out := make([]Domain, len(d.domains))
	for i, dom := range d.domains {
		out[i] = enrichDomain(*dom)
	}
	return out
}

func (d *mockDevice) applyConfig(p ConfigPatch) {
	d.config = p.Apply(d.config)
	for _, dom := range d.domains {
		if p.DefaultLevelThresholds != nil {
			dom.LevelThresholds = append([]float64(nil), p.DefaultLevelThresholds...)
		}
		if p.DefaultLevelupRewards != nil {
			dom.LevelupRewards = append([]Reward(nil), p.DefaultLevelupRewards...)
		}
	}
}

// enrichDomain fills the derived progress fields.
func enrichDomain(d Domain) Domain {
	t := d.LevelThresholds
	next := d.XP + 100
	switch {
	case d.Level < len(t):
		next = t[d.Level]
	case len(t) > 0:
		next = t[len(t)-1]
	}
	prev := 0.0
	if i := max(0, d.Level-1); i < len(t) {
		prev = t[i]
	}
	d.NextLevelThreshold = next
	d.XPToNextLevel = max(0, next-d.XP)
	required := max(1, next-prev)
	d.LevelProgressRatio = min(1, max(0, (d.XP-prev)/required))
	return d
}

// applyXP adds gain to d and levels it up past every threshold reached.
func applyXP(d *Domain, gain float64) []LevelUpEvent {
	thresholds := d.LevelThresholds
	if len(thresholds) == 0 {
		thresholds = DefaultLevelThresholds
	}
	d.XP += gain

	var events []LevelUpEvent
	for d.Level < len(thresholds) && d.XP >= thresholds[d.Level] {
		d.Level++
		ev := LevelUpEvent{DomainName: d.Name, NewLevel: d.Level}
		for _, r := range d.LevelupRewards {
			if r.Level == d.Level {
				text, icon, sound := r.Text, r.Icon, r.Sound
				ev.RewardText, ev.RewardIcon, ev.RewardSound = &text, &icon, &sound
				break
			}
		}
		events = append(events, ev)
	}
	return events
}

func decodeBody(r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	return json.NewDecoder(r.Body).Decode(v) == nil
}

func (m *MockServer) snapshotLocked(d *mockDevice) Snapshot {
	quests := d.sortedQuests()
	return Snapshot{
		Domains:      d.enrichedDomains(),
		Config:       d.config,
		Quests:       quests,
		QuestsByDate: GroupByDate(quests, m.now()),
		ServerTime:   m.now().UTC().Format(time.RFC3339),
	}
}

func (m *MockServer) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	var req BootstrapRequest
	if !decodeBody(r, &req) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deviceLocked(r.Header.Get(DeviceHeader))

	var patch ConfigPatch
	if len(req.Thresholds) > 0 {
		patch.DefaultLevelThresholds = req.Thresholds
	}
	if len(req.Rewards) > 0 {
		patch.DefaultLevelupRewards = req.Rewards
	}
	patch.WillpowerXPPerAnyQuest = req.WillpowerXP
	d.applyConfig(patch)

	today := FormatDate(m.now())
	for _, in := range req.InitialDailyQuests {
		if strings.TrimSpace(in.Title) == "" || d.domain(in.DomainName) == nil || in.XP <= 0 {
			continue
		}
		d.put(m.newQuest(in, today, true))
	}

	writeJSON(w, http.StatusCreated, m.snapshotLocked(d))
}

func (m *MockServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	writeJSON(w, http.StatusOK, m.snapshotLocked(m.deviceLocked(r.Header.Get(DeviceHeader))))
}

func (m *MockServer) newQuest(in QuestInput, date string, daily bool) *Quest {
	now := m.now().UTC().Format(time.RFC3339)
	return &Quest{
		ID:         uuid.NewString(),
		Title:      strings.TrimSpace(in.Title),
		DomainName: in.DomainName,
		XP:         in.XP,
		Date:       date,
		IsDaily:    daily,
		Notes:      in.Notes,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (m *MockServer) handleCreateQuest(w http.ResponseWriter, r *http.Request) {
	var in QuestInput
	if !decodeBody(r, &in) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deviceLocked(r.Header.Get(DeviceHeader))

	if strings.TrimSpace(in.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if in.DomainName == "" {
		writeError(w, http.StatusBadRequest, "domain_name is required")
		return
	}
	if d.domain(in.DomainName) == nil {
		writeError(w, http.StatusBadRequest, "Unknown domain_name")
		return
	}
	if in.XP <= 0 {
		writeError(w, http.StatusBadRequest, "xp must be a positive number")
		return
	}
	date := FormatDate(m.now())
	if in.Date != "" {
		var ok bool
		if date, ok = NormalizeDate(in.Date); !ok {
			writeError(w, http.StatusBadRequest, "date must be an ISO-8601 date string (YYYY-MM-DD)")
			return
		}
	}

	q := m.newQuest(in, date, in.IsDaily)
	d.put(q)
	writeJSON(w, http.StatusCreated, questEnvelope{Quest: *q})
}

func (m *MockServer) handleGetQuest(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.deviceLocked(r.Header.Get(DeviceHeader)).quests[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "Quest not found")
		return
	}
	writeJSON(w, http.StatusOK, questEnvelope{Quest: *q})
}

func (m *MockServer) handleUpdateQuest(w http.ResponseWriter, r *http.Request) {
	var p QuestPatch
	if !decodeBody(r, &p) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deviceLocked(r.Header.Get(DeviceHeader))

	if p.DomainName != nil && d.domain(*p.DomainName) == nil {
		writeError(w, http.StatusBadRequest, "Unknown domain_name")
		return
	}
	if p.XP != nil && *p.XP <= 0 {
		writeError(w, http.StatusBadRequest, "xp must be a positive number")
		return
	}
	if p.Date != nil {
		date, ok := NormalizeDate(*p.Date)
		if !ok {
			writeError(w, http.StatusBadRequest, "date must be an ISO-8601 date string (YYYY-MM-DD)")
			return
		}
		p.Date = &date
	}
	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		p.Title = &title
	}

	q, ok := d.quests[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "Quest not found")
		return
	}
	if !p.Empty() {
		*q = p.Apply(*q)
		q.UpdatedAt = m.now().UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, questEnvelope{Quest: *q})
}

func (m *MockServer) handleDeleteQuest(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deviceLocked(r.Header.Get(DeviceHeader))
	id := r.PathValue("id")
	if _, ok := d.quests[id]; !ok {
		writeError(w, http.StatusNotFound, "Quest not found")
		return
	}
	delete(d.quests, id)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (m *MockServer) handleCompleteQuest(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deviceLocked(r.Header.Get(DeviceHeader))

	q, ok := d.quests[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "Quest not found")
		return
	}
	if q.IsCompleted {
		writeJSON(w, http.StatusOK, CompletionResult{Quest: *q, Domains: []Domain{}, LevelUpEvents: []LevelUpEvent{}})
		return
	}

	dom := d.domain(q.DomainName)
	if dom == nil {
		writeError(w, http.StatusInternalServerError, "domain "+q.DomainName+" not found")
		return
	}

	result := CompletionResult{Domains: []Domain{}, LevelUpEvents: []LevelUpEvent{}}
	result.LevelUpEvents = append(result.LevelUpEvents, applyXP(dom, float64(q.XP))...)
	result.Domains = append(result.Domains, enrichDomain(*dom))

	if d.config.WillpowerXPPerAnyQuest > 0 {
		if wp := d.domain(WillpowerDomain); wp != nil {
			result.LevelUpEvents = append(result.LevelUpEvents, applyXP(wp, d.config.WillpowerXPPerAnyQuest)...)
			result.Domains = append(result.Domains, enrichDomain(*wp))
		}
	}

	now := m.now().UTC().Format(time.RFC3339)
	q.IsCompleted = true
	q.CompletedAt = &now
	q.UpdatedAt = now
	result.Quest = *q

	if q.IsDaily {
		if nextDate, err := AddDays(q.Date, 1); err == nil {
			next := m.newQuest(QuestInput{Title: q.Title, DomainName: q.DomainName, XP: q.XP, Notes: q.Notes}, nextDate, true)
			d.put(next)
			result.NextQuest = next
		}
	}

	writeJSON(w, http.StatusOK, result)
}

func (m *MockServer) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	writeJSON(w, http.StatusOK, configEnvelope{Config: m.deviceLocked(r.Header.Get(DeviceHeader)).config})
}

func (m *MockServer) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var p ConfigPatch
	if !decodeBody(r, &p) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if p.WillpowerXPPerAnyQuest != nil && *p.WillpowerXPPerAnyQuest < 0 {
		writeError(w, http.StatusBadRequest, "willpower_xp_per_any_quest must be a non-negative number")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deviceLocked(r.Header.Get(DeviceHeader))
	d.applyConfig(p)
	writeJSON(w, http.StatusOK, configEnvelope{Config: d.config})
}

func (m *MockServer) handleListDomains(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string][]Domain{"domains": m.deviceLocked(r.Header.Get(DeviceHeader)).enrichedDomains()})
}

func (m *MockServer) handleUpdateDomain(w http.ResponseWriter, r *http.Request) {
	var p DomainPatch
	if !decodeBody(r, &p) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if p.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required to update a domain")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	dom := m.deviceLocked(r.Header.Get(DeviceHeader)).domain(p.Name)
	if dom == nil {
		writeError(w, http.StatusNotFound, "Domain not found")
		return
	}
	if p.LevelThresholds != nil {
		dom.LevelThresholds = append([]float64(nil), p.LevelThresholds...)
	}
	if p.LevelupRewards != nil {
		dom.LevelupRewards = append([]Reward(nil), p.LevelupRewards...)
	}
	writeJSON(w, http.StatusOK, map[string]Domain{"domain": enrichDomain(*dom)})
}

func (m *MockServer) handleReset(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deviceLocked(r.Header.Get(DeviceHeader))

	d.quests = make(map[string]*Quest)
	d.created = make(map[string]int)
	d.config = defaultConfig()
	for _, dom := range d.domains {
		dom.Level = 1
		dom.XP = 0
		dom.LevelThresholds = append([]float64(nil), DefaultLevelThresholds...)
		dom.LevelupRewards = append([]Reward(nil), DefaultRewards...)
	}

	writeJSON(w, http.StatusOK, ResetResult{
		Message: "All progress has been reset.",
		Domains: d.enrichedDomains(),
		Config:  d.config,
	})
}
