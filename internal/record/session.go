package record

import (
	"time"

	"github.com/google/uuid"
)

// SessionState describes where a recording session is in its lifecycle.
type SessionState string

const (
	SessionActive     SessionState = "active"
	SessionComplete   SessionState = "complete"
	SessionIncomplete SessionState = "incomplete" // forced finalize, e.g. camera disconnect
)

// Session is one encode-to-file operation for one camera. All fields are
// snapshots; live counters are owned by the worker and copied out on request.
type Session struct {
	ID        string       `json:"id"`
	CameraID  string       `json:"camera_id"`
	Path      string       `json:"path"`
	Codec     Codec        `json:"codec"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at,omitempty"`
	Written   uint64       `json:"frames_written"`
	Dropped   uint64       `json:"frames_dropped"`
	Observed  uint64       `json:"frames_observed"`
	State     SessionState `json:"state"`
}

// Duration is how long the session has been (or was) recording.
func (s Session) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.EndedAt.Sub(s.StartedAt)
}

func newSession(cameraID, path string, codec Codec) Session {
	return Session{
		ID:        uuid.NewString(),
		CameraID:  cameraID,
		Path:      path,
		Codec:     codec,
		StartedAt: time.Now(),
		State:     SessionActive,
	}
}
