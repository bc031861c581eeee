package domain

import (
	"time"

	"github.com/google/uuid"
)

// BatchFinalized is published after a batch reaches a terminal status.
type BatchFinalized struct {
	BatchID    uuid.UUID   `json:"batch_id"`
	Status     QueueStatus `json:"status"`
	EntryUUIDs []uuid.UUID `json:"entry_uuids"`
	FinishedAt time.Time   `json:"finished_at"`
}
