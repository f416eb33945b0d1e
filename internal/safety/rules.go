package safety

import (
	"fmt"
	"strings"
)

// Tier gates system-affecting actions. Higher tiers allow more.
type Tier int

const (
	TierOff Tier = iota
	TierSafer
	TierGod
)

func (t Tier) String() string {
	switch t {
	case TierOff:
		return "off"
	case TierSafer:
		return "safer"
	case TierGod:
		return "god"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off":
		return TierOff, nil
	case "safer", "":
		return TierSafer, nil
	case "god":
		return TierGod, nil
	default:
		return TierOff, fmt.Errorf("unknown safety level %q (want off, safer or god)", s)
	}
}

// Action categories.
const (
	CategoryFileRead   = "file_read"
	CategoryFileList   = "file_list"
	CategoryFileWrite  = "file_write"
	CategorySystemInfo = "system_info"
	CategoryCommand    = "command"

	// AnyCategory in a tier's allowed set admits every category.
	AnyCategory = "*"
)

type TierRule struct {
	AllowedActions      []string `mapstructure:"allowed_actions" json:"allowed_actions"`
	RequireConfirmation bool     `mapstructure:"require_confirmation" json:"require_confirmation"`
}

func (r TierRule) allows(category string) bool {
	for _, a := range r.AllowedActions {
		if a == AnyCategory || a == category {
			return true
		}
	}
	return false
}

// Rules is the declarative policy. Blocked commands and sensitive paths apply
// at every tier.
type Rules struct {
	Tiers           map[string]TierRule `mapstructure:"tiers" json:"tiers"`
	BlockedCommands []string            `mapstructure:"blocked_commands" json:"blocked_commands"`
	SensitivePaths  []string            `mapstructure:"sensitive_paths" json:"sensitive_paths"`
}

func DefaultRules() Rules {
	return Rules{
		Tiers: map[string]TierRule{
			TierOff.String(): {},
			TierSafer.String(): {
				AllowedActions: []string{CategoryFileRead, CategoryFileList, CategorySystemInfo},
			},
			TierGod.String(): {
				AllowedActions: []string{AnyCategory},
			},
		},
		BlockedCommands: []string{
			"rm -rf /",
			"dd if=/dev/zero",
			":(){ :|:& };:",
			"chmod -R 777 /",
			"mkfs",
			"fdisk",
		},
		SensitivePaths: []string{
			"/etc/passwd",
			"/etc/shadow",
			"/etc/sudoers",
			"/boot",
			"/sys",
			"/proc",
		},
	}
}

// WithConfirmation returns a copy of r with confirmation required at every
// tier that allows anything.
func (r Rules) WithConfirmation() Rules {
	out := r
	out.Tiers = make(map[string]TierRule, len(r.Tiers))
	for name, tr := range r.Tiers {
		if len(tr.AllowedActions) > 0 {
			tr.RequireConfirmation = true
		}
		out.Tiers[name] = tr
	}
	return out
}

// Merge fills empty sections of r from defaults.
func (r Rules) Merge(defaults Rules) Rules {
	if len(r.Tiers) == 0 {
		r.Tiers = defaults.Tiers
	}
	if len(r.BlockedCommands) == 0 {
		r.BlockedCommands = defaults.BlockedCommands
	}
	if len(r.SensitivePaths) == 0 {
		r.SensitivePaths = defaults.SensitivePaths
	}
	return r
}
