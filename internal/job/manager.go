// Package job はダウンロードジョブの重複排除とライフサイクル管理を提供する。
// ブロードキャスターごとに有効（pending/running）なジョブは高々1件に制限される。
package job

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/livecatch/internal/model"
)

// shardCount はブロードキャスターIDを分散させるロックの数。
const shardCount = 32

// defaultRetention は終端状態のジョブを保持する既定の期間。
const defaultRetention = 24 * time.Hour

// legalTransitions は許可された状態遷移。
var legalTransitions = map[model.JobState]map[model.JobState]bool{
	model.JobStatePending: {
		model.JobStateRunning: true,
		model.JobStateFailed:  true,
	},
	model.JobStateRunning: {
		model.JobStateCompleted: true,
		model.JobStateFailed:    true,
	},
}

// Store はジョブの永続化インターフェース。
// Managerはインメモリの状態を正とし、Storeには書き込みのみを行う。
type Store interface {
	Create(ctx context.Context, job *model.Job) error
	UpdateState(ctx context.Context, job *model.Job) error
}

// MetricsCollector はジョブ関連のメトリクス収集インターフェース。
type MetricsCollector interface {
	RecordJobCreated()
	RecordJobConflict()
	RecordJobTransition(state string)
}

// Config はManagerの設定。
type Config struct {
	// Retention は終端状態のジョブをメモリに保持する期間（デフォルト: 24時間）。
	Retention time.Duration
}

// shard はブロードキャスターIDの部分集合に対する有効ジョブのスロットを保持する。
type shard struct {
	mu     sync.Mutex
	active map[string]string // broadcasterID -> jobID
}

// Manager はジョブIDの払い出し、重複排除、状態遷移を行う唯一の主体。
// 重複チェックと作成はブロードキャスターIDのシャードロック内で1つの操作として行う。
type Manager struct {
	shards [shardCount]shard

	mu   sync.RWMutex
	jobs map[string]*model.Job

	store     Store
	metrics   MetricsCollector
	logger    *slog.Logger
	retention time.Duration
	now       func() time.Time
	newID     func() string
}

// NewManager はManagerの新しいインスタンスを生成する。
// storeとmetricsはnilでもよい。
func NewManager(store Store, metrics MetricsCollector, logger *slog.Logger, config Config) *Manager {
	if config.Retention <= 0 {
		config.Retention = defaultRetention
	}
	m := &Manager{
		jobs:      make(map[string]*model.Job),
		store:     store,
		metrics:   metrics,
		logger:    logger,
		retention: config.Retention,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for i := range m.shards {
		m.shards[i].active = make(map[string]string)
	}
	return m
}

// TryCreate はブロードキャスターに有効なジョブがなければpending状態のジョブを作成する。
// 既に有効なジョブがある場合は既存ジョブIDを持つ*ConflictErrorを返す。
func (m *Manager) TryCreate(ctx context.Context, broadcasterID, userID string, quality model.Quality) (*model.Job, error) {
	sh := m.shardFor(broadcasterID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if existing, ok := sh.active[broadcasterID]; ok {
		if m.metrics != nil {
			m.metrics.RecordJobConflict()
		}
		return nil, &ConflictError{BroadcasterID: broadcasterID, JobID: existing}
	}

	now := m.now()
	j := &model.Job{
		ID:            m.newID(),
		BroadcasterID: broadcasterID,
		UserID:        userID,
		Quality:       quality,
		State:         model.JobStatePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if m.store != nil {
		if err := m.store.Create(ctx, j); err != nil {
			return nil, fmt.Errorf("ジョブの保存に失敗しました: %w", err)
		}
	}

	m.mu.Lock()
	m.jobs[j.ID] = j
	m.mu.Unlock()
	sh.active[broadcasterID] = j.ID

	if m.metrics != nil {
		m.metrics.RecordJobCreated()
	}

	created := *j
	return &created, nil
}

// Transition はジョブを新しい状態に遷移させる。
// 許可されていない遷移は*InvalidTransitionErrorを返し、状態は変更しない。
// 終端状態に遷移した場合はブロードキャスターのスロットを解放する。
func (m *Manager) Transition(ctx context.Context, jobID string, to model.JobState, errMsg string) error {
	m.mu.RLock()
	j, ok := m.jobs[jobID]
	var broadcasterID string
	if ok {
		broadcasterID = j.BroadcasterID
	}
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	sh := m.shardFor(broadcasterID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	m.mu.Lock()
	from := j.State
	if !legalTransitions[from][to] {
		m.mu.Unlock()
		err := &InvalidTransitionError{JobID: jobID, From: from, To: to}
		m.logger.Warn("rejected job state transition",
			slog.String("job_id", jobID),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
		return err
	}

	now := m.now()
	j.State = to
	j.UpdatedAt = now
	if to.IsTerminal() {
		j.FinishedAt = now
		j.Error = errMsg
	}
	updated := *j
	m.mu.Unlock()

	if to.IsTerminal() && sh.active[broadcasterID] == jobID {
		delete(sh.active, broadcasterID)
	}

	if m.metrics != nil {
		m.metrics.RecordJobTransition(string(to))
	}

	if m.store != nil {
		if err := m.store.UpdateState(ctx, &updated); err != nil {
			m.logger.Error("failed to persist job state",
				slog.String("job_id", jobID),
				slog.String("state", string(to)),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// Get は指定IDのジョブのコピーを返す。
func (m *Manager) Get(jobID string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	cp := *j
	return &cp, nil
}

// GetStatus は指定IDのジョブの状態を返す。
func (m *Manager) GetStatus(jobID string) (model.JobState, error) {
	j, err := m.Get(jobID)
	if err != nil {
		return "", err
	}
	return j.State, nil
}

// FindPendingByBroadcaster はブロードキャスターの有効（pending/running）なジョブを返す。
func (m *Manager) FindPendingByBroadcaster(broadcasterID string) (*model.Job, bool) {
	sh := m.shardFor(broadcasterID)
	sh.mu.Lock()
	jobID, ok := sh.active[broadcasterID]
	sh.mu.Unlock()
	if !ok {
		return nil, false
	}

	j, err := m.Get(jobID)
	if err != nil {
		return nil, false
	}
	return j, true
}

// EvictExpired は保持期間を超過した終端状態のジョブをメモリから削除し、削除件数を返す。
// 有効なジョブは削除しない。
func (m *Manager) EvictExpired() int {
	cutoff := m.now().Add(-m.retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, j := range m.jobs {
		if j.State.IsTerminal() && j.FinishedAt.Before(cutoff) {
			delete(m.jobs, id)
			evicted++
		}
	}
	return evicted
}

// Len は保持しているジョブ数を返す。
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}

func (m *Manager) shardFor(broadcasterID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(broadcasterID))
	return &m.shards[h.Sum32()%shardCount]
}
