package audit

import "time"

// Record is one executed command as persisted for the audit trail. The
// command stored here is the caller's text, never the rewritten one, so no
// secret-feeding artifacts can leak through the trail.
type Record struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Handle         string    `gorm:"index;not null" json:"handle"`
	Profile        string    `gorm:"index;not null" json:"profile"`
	Command        string    `gorm:"type:text;not null" json:"command"`
	Phase          string    `gorm:"not null;default:execute" json:"phase"`
	Rewritten      bool      `gorm:"not null;default:false" json:"rewritten"`
	Recovered      bool      `gorm:"not null;default:false" json:"recovered"`
	ExitStatus     *int      `json:"exit_status"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	Error          string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
