package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kbagent/core/pkg/model"
)

// Memory is an in-process Store backed by plain maps, guarded by a single
// RWMutex. It exists for fast unit and pipeline tests that don't need a
// real database — grounded on tarsy's pattern of providing an
// ent-client-free fake for its executor unit tests.
type Memory struct {
	mu sync.RWMutex

	items map[string]model.Item
	tasks map[string]model.Task
	stats map[string]model.PhaseStat
	kb    map[string]KBItemRow // keyed by item ID
}

// NewMemory constructs an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]model.Item),
		tasks: make(map[string]model.Task),
		stats: make(map[string]model.PhaseStat),
		kb:    make(map[string]KBItemRow),
	}
}

func samePath(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (m *Memory) GetItem(_ context.Context, itemID string) (model.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[itemID]
	if !ok {
		return model.Item{}, ErrNotFound
	}
	return item, nil
}

func (m *Memory) PutItem(_ context.Context, item model.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Only a write that actually changes this item's kb_dir_path needs the
	// uniqueness scan: re-persisting an unrelated field (e.g. the
	// validator annotating a phase error) against an already-committed
	// path must not trip on a collision the item itself is party to.
	changed := true
	if existing, ok := m.items[item.ID]; ok {
		changed = !samePath(existing.KBDirPath, item.KBDirPath)
	}

	if changed && item.KBDirPath != nil && *item.KBDirPath != "" {
		for id, other := range m.items {
			if id == item.ID {
				continue
			}
			if other.KBDirPath != nil && *other.KBDirPath == *item.KBDirPath {
				return ErrKBDirPathCollision
			}
		}
	}

	item.UpdatedAt = item.CreatedAt // no modification time is tracked; UpdatedAt mirrors CreatedAt
	m.items[item.ID] = item
	return nil
}

func (m *Memory) BulkListEligible(_ context.Context) ([]model.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Item, 0, len(m.items))
	for _, item := range m.items {
		if !item.AllFlagsTrue() {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListAll(_ context.Context) ([]model.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Item, 0, len(m.items))
	for _, item := range m.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateTask(_ context.Context, task model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task
	return nil
}

func (m *Memory) UpdateTaskStatus(_ context.Context, taskID string, status model.TaskStatus, errMsg string, result *model.ResultSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	task.Status = status
	task.ErrorMessage = errMsg
	task.ResultSummary = result
	now := time.Now()
	if status.IsTerminal() {
		task.CompletedAt = &now
	}
	m.tasks[taskID] = task
	return nil
}

func (m *Memory) GetTask(_ context.Context, taskID string) (model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return model.Task{}, ErrNotFound
	}
	return task, nil
}

func (m *Memory) ListTasksByStatus(_ context.Context, status model.TaskStatus) ([]model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Task
	for _, task := range m.tasks {
		if task.Status == status {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) HeartbeatTask(_ context.Context, taskID string, phase, phaseMessage string, progressPercent int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	task.LastHeartbeatAt = &now
	task.CurrentPhase = &phase
	task.CurrentPhaseMessage = phaseMessage
	task.ProgressPercent = progressPercent
	m.tasks[taskID] = task
	return nil
}

func (m *Memory) ClaimNextTask(_ context.Context) (model.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var claimed *model.Task
	for id, task := range m.tasks {
		if task.Status != model.TaskStatusPending {
			continue
		}
		if claimed == nil || task.CreatedAt.Before(claimed.CreatedAt) {
			t := task
			t.ID = id
			claimed = &t
		}
	}
	if claimed == nil {
		return model.Task{}, false, nil
	}

	now := time.Now()
	claimed.Status = model.TaskStatusRunning
	claimed.StartedAt = &now
	claimed.LastHeartbeatAt = &now
	m.tasks[claimed.ID] = *claimed
	return *claimed, true, nil
}

func (m *Memory) ClaimTaskByID(_ context.Context, taskID string) (model.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok || task.Status != model.TaskStatusPending {
		return model.Task{}, false, nil
	}

	now := time.Now()
	task.Status = model.TaskStatusRunning
	task.StartedAt = &now
	task.LastHeartbeatAt = &now
	m.tasks[taskID] = task
	return task, true, nil
}

func (m *Memory) CancelTask(_ context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok || task.Status.IsTerminal() {
		return false, nil
	}

	now := time.Now()
	task.Status = model.TaskStatusCanceled
	task.CompletedAt = &now
	m.tasks[taskID] = task
	return true, nil
}

func (m *Memory) UpsertPhaseStats(_ context.Context, phaseID string, itemsDelta int64, durationDelta float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats[phaseID]
	s.PhaseID = phaseID
	s.ItemsProcessedTotal += itemsDelta
	s.DurationSecondsTotal += durationDelta
	m.stats[phaseID] = s
	return nil
}

func (m *Memory) GetPhaseStats(_ context.Context) ([]model.PhaseStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.PhaseStat, 0, len(m.stats))
	for _, s := range m.stats {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PhaseID < out[j].PhaseID })
	return out, nil
}

func (m *Memory) UpsertKBItem(_ context.Context, row KBItemRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, other := range m.kb {
		if id == row.ItemID {
			continue
		}
		if other.KBDirPath == row.KBDirPath {
			return ErrKBDirPathCollision
		}
	}
	m.kb[row.ItemID] = row
	return nil
}

func (m *Memory) KBDirPathInUse(_ context.Context, dirPath, excludeItemID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, item := range m.items {
		if id == excludeItemID {
			continue
		}
		if item.KBDirPath != nil && *item.KBDirPath == dirPath {
			return true, nil
		}
	}
	for id, row := range m.kb {
		if id == excludeItemID {
			continue
		}
		if row.KBDirPath == dirPath {
			return true, nil
		}
	}
	return false, nil
}

var _ Store = (*Memory)(nil)
