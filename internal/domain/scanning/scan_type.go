package scanning

import (
	"fmt"
	"strings"
)

// ScanType selects how much of the rule catalog the worker runs.
type ScanType string

const (
	ScanTypeFull   ScanType = "FULL"
	ScanTypeQuick  ScanType = "QUICK"
	ScanTypeCustom ScanType = "CUSTOM"
)

func (t ScanType) String() string { return string(t) }

// ParseScanType converts a string to a ScanType. An empty string yields
// ScanTypeFull.
func ParseScanType(s string) (ScanType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "FULL":
		return ScanTypeFull, nil
	case "QUICK":
		return ScanTypeQuick, nil
	case "CUSTOM":
		return ScanTypeCustom, nil
	default:
		return "", fmt.Errorf("unknown scan type %q", s)
	}
}
