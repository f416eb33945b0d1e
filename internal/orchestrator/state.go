package orchestrator

import (
	"encoding/json"
	"time"

	"voxmind/internal/safety"
)

type Mode int

const (
	Idle Mode = iota
	Listening
	Active
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Active:
		return "active_conversation"
	default:
		return "unknown"
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

type Stats struct {
	StartTime              time.Time     `json:"start_time"`
	TotalInteractions      int           `json:"total_interactions"`
	SuccessfulInteractions int           `json:"successful_interactions"`
	Errors                 int           `json:"errors"`
	Uptime                 time.Duration `json:"uptime"`
}

// SuccessRate is the share of interactions that succeeded, 0 when there were
// none.
func (s Stats) SuccessRate() float64 {
	if s.TotalInteractions == 0 {
		return 0
	}
	return float64(s.SuccessfulInteractions) / float64(s.TotalInteractions)
}

func (s Stats) MarshalJSON() ([]byte, error) {
	type plain Stats
	return json.Marshal(struct {
		plain
		Uptime      string  `json:"uptime"`
		SuccessRate float64 `json:"success_rate"`
	}{plain(s), s.Uptime.Round(time.Second).String(), s.SuccessRate()})
}

type State struct {
	Mode         Mode        `json:"mode"`
	LastActivity time.Time   `json:"last_activity"`
	SafetyTier   safety.Tier `json:"safety_tier"`
	Stats        Stats       `json:"stats"`
}
