package filter

import (
	"github.com/quarry-trading/quarry/internal/solana"
)

// ---------------------------------------------------------------------------
// Mint risk classification
// ---------------------------------------------------------------------------

// RiskLevel classifies a mint from a monotonic count of red flags.
type RiskLevel string

const (
	RiskSafe    RiskLevel = "safe"
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
	RiskExtreme RiskLevel = "extreme"
)

// levelFromFlagCount maps the number of red flags to a level.
var levelFromFlagCount = [...]RiskLevel{RiskSafe, RiskLow, RiskMedium, RiskHigh, RiskExtreme}

// ClassifyRisk derives a risk level from raw authority flags. Each active
// flag raises the level one step; a blacklisted authority is always extreme
// regardless of the other flags.
func ClassifyRisk(rf solana.RiskFactors, minDecimals, maxDecimals uint8) (RiskLevel, []string) {
	if rf.IsBlacklisted {
		return RiskExtreme, []string{"blacklisted_authority"}
	}

	var flags []string
	if rf.HasMintAuthority {
		flags = append(flags, "active_mint_authority")
	}
	if rf.HasFreezeAuthority {
		flags = append(flags, "active_freeze_authority")
	}
	if rf.Decimals < minDecimals || rf.Decimals > maxDecimals {
		flags = append(flags, "abnormal_decimals")
	}

	count := len(flags)
	if count >= len(levelFromFlagCount) {
		count = len(levelFromFlagCount) - 1
	}
	return levelFromFlagCount[count], flags
}
