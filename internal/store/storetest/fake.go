// Package storetest provides an in-memory Store used by engine, retention,
// and handler tests. It mirrors the Postgres implementation's semantics for
// the paths those tests exercise: transition guards, the 7-day token window,
// purge idempotence, and history upsert-ignore.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BZM2000/ai-toolkit/internal/store"
	"github.com/BZM2000/ai-toolkit/pkg/models"
)

type historyRow struct {
	id        int64
	userID    uuid.UUID
	moduleKey string
	jobKey    string
	createdAt time.Time
}

// FakeStore implements store.Store in memory. Safe for concurrent use.
type FakeStore struct {
	mu sync.Mutex

	users    map[uuid.UUID]*models.User
	sessions map[uuid.UUID]*models.Session
	jobs     map[uuid.UUID]*models.Job
	items    map[uuid.UUID]*models.JobItem
	events   []*models.UsageEvent
	groups   map[uuid.UUID]*models.UsageGroup
	limits   map[uuid.UUID]map[string]*int64
	history  []historyRow
	configs  map[string]*models.ModuleConfig

	historySeq int64

	// SubmitErr, when set, is returned by SubmitJob after the admit check.
	SubmitErr error
}

func New() *FakeStore {
	return &FakeStore{
		users:    make(map[uuid.UUID]*models.User),
		sessions: make(map[uuid.UUID]*models.Session),
		jobs:     make(map[uuid.UUID]*models.Job),
		items:    make(map[uuid.UUID]*models.JobItem),
		groups:   make(map[uuid.UUID]*models.UsageGroup),
		limits:   make(map[uuid.UUID]map[string]*int64),
		configs:  make(map[string]*models.ModuleConfig),
	}
}

func (f *FakeStore) Ping(context.Context) error { return nil }

// --- Users & Sessions ---

func (f *FakeStore) CreateUser(_ context.Context, user *models.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Username == user.Username {
			return store.ErrDuplicateKey
		}
	}
	clone := *user
	f.users[user.ID] = &clone
	return nil
}

func (f *FakeStore) GetUserByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *u
	return &clone, nil
}

func (f *FakeStore) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == username {
			clone := *u
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *FakeStore) ListUsers(context.Context) ([]*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	users := make([]*models.User, 0, len(f.users))
	for _, u := range f.users {
		clone := *u
		users = append(users, &clone)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (f *FakeStore) HasAdmin(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.IsAdmin {
			return true, nil
		}
	}
	return false, nil
}

func (f *FakeStore) CreateSession(_ context.Context, session *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *session
	f.sessions[session.ID] = &clone
	return nil
}

func (f *FakeStore) GetSessionsByPrefix(_ context.Context, prefix string) ([]*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Session
	now := time.Now()
	for _, s := range f.sessions {
		if s.TokenPrefix == prefix && s.ExpiresAt.After(now) {
			clone := *s
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (f *FakeStore) TouchSession(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		now := time.Now().UTC()
		s.LastUsedAt = &now
	}
	return nil
}

func (f *FakeStore) DeleteSession(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.sessions, id)
	return nil
}

// --- Jobs ---

func (f *FakeStore) SubmitJob(_ context.Context, job *models.Job, items []*models.JobItem, admit store.AdmitFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if admit != nil {
		snapshot := f.snapshotLocked(job.UserID, job.ModuleKey)
		if err := admit(snapshot); err != nil {
			return err
		}
	}
	if f.SubmitErr != nil {
		return f.SubmitErr
	}

	jobClone := *job
	f.jobs[job.ID] = &jobClone
	for _, item := range items {
		clone := *item
		f.items[item.ID] = &clone
	}

	jobKey := job.ID.String()
	for _, h := range f.history {
		if h.moduleKey == job.ModuleKey && h.jobKey == jobKey {
			return nil
		}
	}
	f.historySeq++
	f.history = append(f.history, historyRow{
		id:        f.historySeq,
		userID:    job.UserID,
		moduleKey: job.ModuleKey,
		jobKey:    jobKey,
		createdAt: job.CreatedAt,
	})
	return nil
}

func (f *FakeStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *j
	return &clone, nil
}

func (f *FakeStore) ListJobItems(_ context.Context, jobID uuid.UUID) ([]*models.JobItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.JobItem
	for _, it := range f.items {
		if it.JobID == jobID {
			clone := *it
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Round != out[j].Round {
			return out[i].Round < out[j].Round
		}
		return out[i].Ordinal < out[j].Ordinal
	})
	return out, nil
}

func (f *FakeStore) GetJobItem(_ context.Context, id uuid.UUID) (*models.JobItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *it
	return &clone, nil
}

var legalTransitions = map[string][]string{
	models.JobStatusPending:    {models.JobStatusProcessing, models.JobStatusFailed},
	models.JobStatusProcessing: {models.JobStatusCompleted, models.JobStatusFailed},
}

func (f *FakeStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}

	allowed := false
	for _, to := range legalTransitions[j.Status] {
		if to == status {
			allowed = true
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, status)
	}

	params := store.ApplyJobOptions(opts)
	j.Status = status
	j.UpdatedAt = time.Now().UTC()
	if params.StatusDetail != nil {
		j.StatusDetail = *params.StatusDetail
	}
	if params.ErrorMessage != nil {
		j.ErrorMessage = params.ErrorMessage
	}
	if params.OutputPath != nil {
		j.OutputPath = params.OutputPath
	}
	if params.UsageTokens != nil {
		j.UsageTokens = *params.UsageTokens
	}
	if params.UsageUnits != nil {
		j.UsageUnits = *params.UsageUnits
	}
	return nil
}

func (f *FakeStore) UpdateJobDetail(_ context.Context, id uuid.UUID, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != models.JobStatusProcessing {
		return store.ErrNotFound
	}
	j.StatusDetail = detail
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *FakeStore) UpdateItemStatus(_ context.Context, id uuid.UUID, status string, opts ...store.ItemUpdateOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[id]
	if !ok {
		return store.ErrNotFound
	}
	params := store.ApplyItemOptions(opts)
	it.Status = status
	it.UpdatedAt = time.Now().UTC()
	if params.StatusDetail != nil {
		it.StatusDetail = params.StatusDetail
	}
	if params.ErrorMessage != nil {
		it.ErrorMessage = params.ErrorMessage
	}
	if params.OutputPath != nil {
		it.OutputPath = params.OutputPath
	}
	if params.Tokens != nil {
		it.Tokens = *params.Tokens
	}
	if params.AttemptCount != nil {
		it.AttemptCount = *params.AttemptCount
	}
	return nil
}

// --- Usage ledger ---

func (f *FakeStore) InsertUsageEvent(_ context.Context, event *models.UsageEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *event
	if clone.Tokens < 0 {
		clone.Tokens = 0
	}
	if clone.Units < 0 {
		clone.Units = 0
	}
	f.events = append(f.events, &clone)
	return nil
}

func (f *FakeStore) snapshotLocked(userID uuid.UUID, moduleKey string) models.UsageSnapshot {
	var snapshot models.UsageSnapshot
	windowStart := time.Now().UTC().Add(-7 * 24 * time.Hour)
	for _, ev := range f.events {
		if ev.UserID != userID {
			continue
		}
		if ev.OccurredAt.After(windowStart) {
			snapshot.Tokens += ev.Tokens
		}
		if ev.ModuleKey == moduleKey {
			snapshot.Units += ev.Units
		}
	}
	if u, ok := f.users[userID]; ok {
		if g, ok := f.groups[u.UsageGroupID]; ok {
			snapshot.TokenBudget = g.TokenBudget
		}
		if caps, ok := f.limits[u.UsageGroupID]; ok {
			snapshot.UnitCap = caps[moduleKey]
		}
	}
	return snapshot
}

func (f *FakeStore) LoadUsageSnapshot(_ context.Context, userID uuid.UUID, moduleKey string) (models.UsageSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked(userID, moduleKey), nil
}

func (f *FakeStore) UsageForUsers(_ context.Context, userIDs []uuid.UUID) (map[uuid.UUID]map[string]models.UsageSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make(map[uuid.UUID]map[string]models.UsageSnapshot)
	windowStart := time.Now().UTC().Add(-7 * 24 * time.Hour)
	for _, ev := range f.events {
		matched := false
		for _, id := range userIDs {
			if ev.UserID == id {
				matched = true
			}
		}
		if !matched || ev.OccurredAt.Before(windowStart) {
			continue
		}
		if result[ev.UserID] == nil {
			result[ev.UserID] = make(map[string]models.UsageSnapshot)
		}
		snap := result[ev.UserID][ev.ModuleKey]
		snap.Tokens += ev.Tokens
		snap.Units += ev.Units
		result[ev.UserID][ev.ModuleKey] = snap
	}
	return result, nil
}

// Events returns a copy of the recorded usage events.
func (f *FakeStore) Events() []*models.UsageEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.UsageEvent, len(f.events))
	copy(out, f.events)
	return out
}

// --- Usage groups ---

func (f *FakeStore) AddGroup(group *models.UsageGroup, unitCaps map[string]*int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *group
	f.groups[group.ID] = &clone
	if unitCaps != nil {
		f.limits[group.ID] = unitCaps
	}
}

// AddUser registers a user directly, bypassing duplicate checks.
func (f *FakeStore) AddUser(user *models.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *user
	f.users[user.ID] = &clone
}

func (f *FakeStore) GetUsageGroup(_ context.Context, id uuid.UUID) (*models.UsageGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *g
	return &clone, nil
}

func (f *FakeStore) GetUsageGroupByName(_ context.Context, name string) (*models.UsageGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.groups {
		if g.Name == name {
			clone := *g
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *FakeStore) ListGroupLimits(_ context.Context, groupID uuid.UUID) ([]*models.GroupLimit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.GroupLimit
	for moduleKey, cap := range f.limits[groupID] {
		out = append(out, &models.GroupLimit{GroupID: groupID, ModuleKey: moduleKey, UnitCap: cap})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleKey < out[j].ModuleKey })
	return out, nil
}

func (f *FakeStore) UpsertGroupLimits(_ context.Context, groupID uuid.UUID, tokenBudget *int64, unitCaps map[string]*int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[groupID]
	if !ok {
		return store.ErrNotFound
	}
	g.TokenBudget = tokenBudget
	f.limits[groupID] = unitCaps
	return nil
}

// --- History ---

func (f *FakeStore) FetchRecentJobs(_ context.Context, userID uuid.UUID, moduleFilter string, limit int, window time.Duration) ([]*models.HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 {
		limit = 20
	}
	cutoff := time.Now().UTC().Add(-window)

	rows := make([]historyRow, 0)
	for _, h := range f.history {
		if h.userID != userID || h.createdAt.Before(cutoff) {
			continue
		}
		if moduleFilter != "" && h.moduleKey != moduleFilter {
			continue
		}
		rows = append(rows, h)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].createdAt.After(rows[j].createdAt) })
	if len(rows) > limit {
		rows = rows[:limit]
	}

	out := make([]*models.HistoryEntry, 0, len(rows))
	for _, h := range rows {
		entry := &models.HistoryEntry{
			ID:        h.id,
			UserID:    h.userID,
			ModuleKey: h.moduleKey,
			JobKey:    h.jobKey,
			CreatedAt: h.createdAt,
		}
		if jobID, err := uuid.Parse(h.jobKey); err == nil {
			if j, ok := f.jobs[jobID]; ok {
				status := j.Status
				detail := j.StatusDetail
				updated := j.UpdatedAt
				entry.Status = &status
				entry.StatusDetail = &detail
				entry.UpdatedAt = &updated
				entry.FilesPurged = j.FilesPurgedAt != nil
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

func (f *FakeStore) PruneHistory(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.history[:0]
	var removed int64
	for _, h := range f.history {
		if h.createdAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, h)
	}
	f.history = kept
	return removed, nil
}

// --- Retention ---

func (f *FakeStore) ListPurgeableJobs(_ context.Context, cutoff time.Time) ([]*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Job
	for _, j := range f.jobs {
		if !models.TerminalStatus(j.Status) || j.FilesPurgedAt != nil {
			continue
		}
		if j.CreatedAt.Before(cutoff) {
			clone := *j
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *FakeStore) MarkJobPurged(_ context.Context, jobID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok || j.FilesPurgedAt != nil || !models.TerminalStatus(j.Status) {
		return nil
	}
	now := time.Now().UTC()
	j.FilesPurgedAt = &now
	j.OutputPath = nil
	for _, it := range f.items {
		if it.JobID == jobID {
			it.OutputPath = nil
		}
	}
	return nil
}

// --- Module configuration ---

func (f *FakeStore) GetModuleConfig(_ context.Context, moduleKey string) (*models.ModuleConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.configs[moduleKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *cfg
	return &clone, nil
}

func (f *FakeStore) UpsertModuleConfig(_ context.Context, cfg *models.ModuleConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *cfg
	clone.UpdatedAt = time.Now().UTC()
	f.configs[cfg.ModuleKey] = &clone
	return nil
}

func (f *FakeStore) EnsureModuleConfig(_ context.Context, moduleKey string, modelsJSON, promptsJSON []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.configs[moduleKey]; ok {
		return nil
	}
	f.configs[moduleKey] = &models.ModuleConfig{
		ModuleKey: moduleKey,
		Models:    modelsJSON,
		Prompts:   promptsJSON,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

// HistoryCount reports rows for a (user, module) pair.
func (f *FakeStore) HistoryCount(userID uuid.UUID, moduleKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, h := range f.history {
		if h.userID == userID && strings.EqualFold(h.moduleKey, moduleKey) {
			n++
		}
	}
	return n
}

var _ store.Store = (*FakeStore)(nil)
