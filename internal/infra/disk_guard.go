package infra

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
)

// DiskGuard refuses writes when the store volume is nearly full.
type DiskGuard struct {
	path    string
	reserve uint64
	usage   func(path string) (*disk.UsageStat, error)
}

// NewDiskGuard checks the volume holding path and keeps reserveBytes free.
func NewDiskGuard(path string, reserveBytes uint64) *DiskGuard {
	return &DiskGuard{path: path, reserve: reserveBytes, usage: disk.Usage}
}

// EnsureFree returns domain.ErrInsufficientSpace if need plus the reserve
// does not fit. A failed usage probe does not block writes.
func (g *DiskGuard) EnsureFree(need int64) error {
	stat, err := g.usage(g.path)
	if err != nil {
		return nil
	}
	if need < 0 {
		need = 0
	}
	if stat.Free < uint64(need)+g.reserve {
		return fmt.Errorf("%w: %d bytes free on %s, need %d plus %d reserved",
			domain.ErrInsufficientSpace, stat.Free, g.path, need, g.reserve)
	}
	return nil
}

// Ensure DiskGuard implements domain.SpaceChecker.
var _ domain.SpaceChecker = (*DiskGuard)(nil)
