// Package deadline converts payload sizes, transfer-rate assumptions and
// protocol constants into the time budgets that drive subtask deadlines.
// Everything here is pure arithmetic: no I/O, no mutable state. The
// non-custom verification window must agree bit-for-bit with the upstream
// protocol's reference formula, so the formula is not a design freedom.
package deadline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/concent-network/concent/pkg/config"
)

// Calculator evaluates the deadline formulas for one protocol profile.
type Calculator struct {
	profile *config.ProtocolProfile
}

// NewCalculator returns a calculator bound to the given profile.
func NewCalculator(p *config.ProtocolProfile) *Calculator {
	return &Calculator{profile: p}
}

// VerificationWindow returns the time a requestor has to verify a
// reported computation of the given result-package size. With custom
// protocol times the window is the deployment's fixed constant; otherwise
// it follows the reference formula
//
//	3*messagingTime + 4*downloadBudget(size)
func (c *Calculator) VerificationWindow(resultPackageSize uint64) time.Duration {
	if c.profile.CustomProtocolTimes {
		return c.profile.CustomVerificationTime
	}
	return 3*c.profile.ConcentMessagingTime + 4*c.DownloadBudget(resultPackageSize)
}

// DownloadBudget returns the time budget for transferring size bytes at
// the profile's minimum upload rate: leadInTime + ceil(size/rate).
func (c *Calculator) DownloadBudget(size uint64) time.Duration {
	return DownloadBudget(size, c.profile.MinimumUploadRate, c.profile.DownloadLeadinTime)
}

// DownloadDeadline returns the absolute time by which a result package
// must be downloadable: computationDeadline + verificationWindow. A
// deadline already in the past is valid; the sweep handles it on its next
// pass.
func (c *Calculator) DownloadDeadline(computationDeadline time.Time, resultPackageSize uint64) time.Time {
	return computationDeadline.Add(c.VerificationWindow(resultPackageSize))
}

// DownloadBudget is the profile-independent core of the transfer budget:
// leadIn + ceil(size/rate) seconds. rate must be positive.
func DownloadBudget(size, rateBytesPerSec uint64, leadIn time.Duration) time.Duration {
	if rateBytesPerSec == 0 {
		return leadIn
	}
	secs := size / rateBytesPerSec
	if size%rateBytesPerSec != 0 {
		secs++
	}
	return leadIn + time.Duration(secs)*time.Second
}

// ParseByteCount parses a byte count that upstream senders encode
// inconsistently: sometimes as a JSON number, sometimes as a decimal
// string. Both forms must produce identical budgets, so defensive parsing
// lives here rather than at each call site.
func ParseByteCount(v any) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case int:
		if n < 0 {
			return 0, fmt.Errorf("negative byte count %d", n)
		}
		return uint64(n), nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("negative byte count %d", n)
		}
		return uint64(n), nil
	case float64:
		if n < 0 || n != float64(uint64(n)) {
			return 0, fmt.Errorf("byte count %v is not a non-negative integer", n)
		}
		return uint64(n), nil
	case json.Number:
		return parseDecimal(n.String())
	case string:
		return parseDecimal(n)
	default:
		return 0, fmt.Errorf("unsupported byte count type %T", v)
	}
}

func parseDecimal(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte count %q: %w", s, err)
	}
	return n, nil
}
