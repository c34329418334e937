//go:build govips && cgo

package pipeline

import (
	"runtime"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var (
	startupOnce sync.Once
	shutdownMu  sync.Mutex
	started     bool
)

func Startup() error {
	startupOnce.Do(func() {
		vips.LoggingSettings(nil, vips.LogLevelWarning)
		// Every walk frame is new, so libvips' operation cache never hits.
		vips.Startup(&vips.Config{
			ConcurrencyLevel: runtime.NumCPU(),
			MaxCacheFiles:    0,
			MaxCacheMem:      0,
			MaxCacheSize:     0,
		})

		shutdownMu.Lock()
		started = true
		shutdownMu.Unlock()
	})
	return nil
}

func Shutdown() {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()
	if !started {
		return
	}
	vips.Shutdown()
	started = false
}

func Backend() string {
	return "govips"
}

func newSharpener() (Filter, error) {
	if err := Startup(); err != nil {
		return nil, err
	}
	return govipsSharpener{sigma: 1.0, flat: 1.0, jagged: 2.0}, nil
}
