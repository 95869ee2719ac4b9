package history

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunModel is the GORM model for a recorded command run.
type RunModel struct {
	ID         string    `gorm:"type:varchar(36);primaryKey"`
	Program    string    `gorm:"not null"`
	Args       string    `gorm:"type:text"`
	Mode       string    `gorm:"type:varchar(16);not null"`
	Dir        string    `gorm:"type:text"`
	Status     string    `gorm:"type:varchar(32);not null;index"`
	ExitCode   int       `gorm:"not null;default:0"`
	Error      string    `gorm:"type:text"`
	DurationMS int64     `gorm:"not null;default:0"`
	StartedAt  time.Time `gorm:"not null;index"`
	CreatedAt  time.Time
}

// TableName overrides the GORM default.
func (RunModel) TableName() string { return "command_runs" }

func toRunModel(e Entry) RunModel {
	args, _ := json.Marshal(e.Args)
	return RunModel{
		ID:         e.ID.String(),
		Program:    e.Program,
		Args:       string(args),
		Mode:       e.Mode,
		Dir:        e.Dir,
		Status:     string(e.Status),
		ExitCode:   e.ExitCode,
		Error:      e.Error,
		DurationMS: e.Duration.Milliseconds(),
		StartedAt:  e.StartedAt.UTC(),
	}
}

func toEntry(m *RunModel) Entry {
	var args []string
	if m.Args != "" {
		_ = json.Unmarshal([]byte(m.Args), &args)
	}
	id, _ := uuid.Parse(m.ID)
	return Entry{
		ID:        id,
		Program:   m.Program,
		Args:      args,
		Mode:      m.Mode,
		Dir:       m.Dir,
		Status:    Status(m.Status),
		ExitCode:  m.ExitCode,
		Error:     m.Error,
		Duration:  time.Duration(m.DurationMS) * time.Millisecond,
		StartedAt: m.StartedAt,
	}
}
