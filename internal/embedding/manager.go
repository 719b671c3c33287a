package embedding

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Model turns text into a raw, not necessarily normalized, vector.
type Model interface {
	Name() string
	// Dimensions is the native output size, or 0 when not yet known.
	Dimensions() int
	Embed(ctx context.Context, text string) ([]float32, error)
	Close(ctx context.Context) error
}

// Loader constructs a model on first use.
type Loader func(ctx context.Context) (Model, error)

// ErrNoModel is returned by Acquire when the manager has no loader.
var ErrNoModel = errors.New("no embedding model configured")

// Manager loads the model lazily and unloads it after an idle period. Load
// and unload happen under the same lock, and a model with in-flight users
// is never unloaded.
type Manager struct {
	load   Loader
	idle   time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	model    Model
	inFlight int
	lastUsed time.Time
	loads    int
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(load Loader, idle time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		load:   load,
		idle:   idle,
		logger: logger,
		now:    time.Now,
	}
}

// Acquire returns the loaded model, loading it if needed. The caller must
// call release once done with the model.
func (m *Manager) Acquire(ctx context.Context) (Model, func(), error) {
	if m.load == nil {
		return nil, nil, ErrNoModel
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.model == nil {
		start := m.now()
		model, err := m.load(ctx)
		if err != nil {
			return nil, nil, err
		}
		m.model = model
		m.loads++
		m.logger.Info("embedding model loaded", "model", model.Name(), "took", m.now().Sub(start))
	}
	m.inFlight++
	m.lastUsed = m.now()
	model := m.model

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			m.inFlight--
			m.lastUsed = m.now()
			m.mu.Unlock()
		})
	}
	return model, release, nil
}

// IsLoaded reports whether a model is resident.
func (m *Manager) IsLoaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model != nil
}

// Loads returns how many times the model has been loaded.
func (m *Manager) Loads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

// CheckIdle unloads the model when it has been unused for the idle timeout.
// It reports whether an unload happened.
func (m *Manager) CheckIdle(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == nil || m.inFlight > 0 || m.idle <= 0 {
		return false
	}
	if m.now().Sub(m.lastUsed) < m.idle {
		return false
	}
	m.unloadLocked(ctx, "idle")
	return true
}

// Unload drops the model now unless it is in use.
func (m *Manager) Unload(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == nil || m.inFlight > 0 {
		return false
	}
	m.unloadLocked(ctx, "explicit")
	return true
}

func (m *Manager) unloadLocked(ctx context.Context, reason string) {
	before := residentBytes()
	name := m.model.Name()
	if err := m.model.Close(ctx); err != nil {
		m.logger.Warn("embedding model close failed", "model", name, "error", err)
	}
	m.model = nil

	runtime.GC()
	debug.FreeOSMemory()

	m.logger.Info("embedding model unloaded",
		"model", name,
		"reason", reason,
		"rss_before_mb", before>>20,
		"rss_after_mb", residentBytes()>>20,
	)
}

// Start runs the idle check on a ticker until ctx is cancelled or Shutdown
// is called.
func (m *Manager) Start(ctx context.Context) {
	if m.idle <= 0 {
		return
	}
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	interval := m.idle / 2
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckIdle(ctx)
			}
		}
	}()
}

// Shutdown stops the idle watcher and unloads the model unconditionally.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model != nil {
		m.unloadLocked(ctx, "shutdown")
	}
}

func residentBytes() uint64 {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := p.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return info.RSS
}
