package job

import (
	"errors"
	"fmt"

	"github.com/hitoshi/livecatch/internal/model"
)

// ErrJobNotFound は指定IDのジョブが存在しない場合のエラー。
var ErrJobNotFound = errors.New("job: not found")

// ConflictError は同一ブロードキャスターで有効なジョブが既に存在する場合のエラー。
type ConflictError struct {
	BroadcasterID string
	JobID         string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job: broadcaster %s already has active job %s", e.BroadcasterID, e.JobID)
}

// ExistingJobID は既存ジョブのIDを返す。
func (e *ConflictError) ExistingJobID() string {
	return e.JobID
}

// InvalidTransitionError は許可されていない状態遷移のエラー。
type InvalidTransitionError struct {
	JobID string
	From  model.JobState
	To    model.JobState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job: invalid transition %s -> %s for job %s", e.From, e.To, e.JobID)
}
