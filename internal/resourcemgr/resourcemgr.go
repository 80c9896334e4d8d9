// Package resourcemgr implements the Resource Manager (§4.2): the tables of
// pools and channels owned by this node, with the idempotent create/destroy
// rules spec.md demands.
//
// Grounded on the teacher's services/channel.go "mutate-then-persist,
// idempotent by id" contract and processmgr.ProcessManager's
// create-if-absent/delete-if-present map handling.
package resourcemgr

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dragon-hpc/localservices/internal/messages"
	"github.com/dragon-hpc/localservices/internal/primitives"
	"go.uber.org/zap"
)

var (
	ErrAlreadyExists = errors.New("resourcemgr: id already bound")
	ErrNotFound      = errors.New("resourcemgr: id does not exist")
)

// Manager owns pools: m_uid -> Pool and channels: c_uid -> Channel (§4.2).
// Touched only from the Main Dispatch goroutine and, after all workers have
// joined, from Shutdown — so no lock is required per §5. The mutex below is
// kept anyway since the diagnostics snapshot (§4.8) reads these tables
// concurrently from its own goroutine.
type Manager struct {
	log *zap.Logger

	mu       sync.Mutex
	pools    map[int64]*primitives.Pool
	channels map[int64]*primitives.Channel
}

func New(log *zap.Logger) *Manager {
	return &Manager{
		log:      log.Named("resourcemgr"),
		pools:    make(map[int64]*primitives.Pool),
		channels: make(map[int64]*primitives.Channel),
	}
}

// CreatePool creates and registers a new pool. Fails if m_uid is already
// bound.
func (m *Manager) CreatePool(muid int64, size uint64, name string) (*primitives.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pools[muid]; exists {
		return nil, fmt.Errorf("%w: m_uid=%d", ErrAlreadyExists, muid)
	}

	p := primitives.NewPool(muid, size, name)
	m.pools[muid] = p
	return p, nil
}

// DestroyPool removes and destroys a pool. The table entry is removed
// before the destructor runs (§4.2): a destructor error is logged and
// reported, but the entry stays removed.
func (m *Manager) DestroyPool(muid int64) error {
	m.mu.Lock()
	p, exists := m.pools[muid]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: m_uid=%d", ErrNotFound, muid)
	}
	delete(m.pools, muid)
	m.mu.Unlock()

	if err := p.Destroy(); err != nil {
		m.log.Warn("pool destructor failed", zap.Int64("m_uid", muid), zap.Error(err))
		return err
	}
	return nil
}

// CreateChannel creates and registers a new channel inside an existing
// pool. Fails if c_uid is already bound or m_uid is unknown (§4.2).
func (m *Manager) CreateChannel(cuid, muid int64, opts messages.ChannelOptions) (*primitives.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.channels[cuid]; exists {
		return nil, fmt.Errorf("%w: c_uid=%d", ErrAlreadyExists, cuid)
	}
	if _, exists := m.pools[muid]; !exists {
		return nil, fmt.Errorf("resourcemgr: %w: m_uid=%d", ErrNotFound, muid)
	}

	ch := primitives.NewChannel(cuid, muid, opts.Capacity)
	m.channels[cuid] = ch
	return ch, nil
}

// DestroyChannel removes and destroys a channel, same ordering rule as
// DestroyPool.
func (m *Manager) DestroyChannel(cuid int64) error {
	m.mu.Lock()
	ch, exists := m.channels[cuid]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: c_uid=%d", ErrNotFound, cuid)
	}
	delete(m.channels, cuid)
	m.mu.Unlock()

	if err := ch.Destroy(); err != nil {
		m.log.Warn("channel destructor failed", zap.Int64("c_uid", cuid), zap.Error(err))
		return err
	}
	return nil
}

// Channel looks up a channel by c_uid without removing it.
func (m *Manager) Channel(cuid int64) (*primitives.Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[cuid]
	return ch, ok
}

// Pool looks up a pool by m_uid without removing it.
func (m *Manager) Pool(muid int64) (*primitives.Pool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[muid]
	return p, ok
}

// Snapshot returns the current m_uid and c_uid keys, for diagnostics (§4.8)
// and DumpState (§4.1).
func (m *Manager) Snapshot() (poolIDs, channelIDs []int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	poolIDs = make([]int64, 0, len(m.pools))
	for id := range m.pools {
		poolIDs = append(poolIDs, id)
	}
	channelIDs = make([]int64, 0, len(m.channels))
	for id := range m.channels {
		channelIDs = append(channelIDs, id)
	}
	return poolIDs, channelIDs
}

// Shutdown destroys every pool and channel (§4.7 step 3 / §4.7 step 5).
// Destructor errors are logged but never block progress.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	channels := m.channels
	pools := m.pools
	m.channels = make(map[int64]*primitives.Channel)
	m.pools = make(map[int64]*primitives.Pool)
	m.mu.Unlock()

	for cuid, ch := range channels {
		if err := ch.Destroy(); err != nil {
			m.log.Warn("shutdown: channel destroy failed", zap.Int64("c_uid", cuid), zap.Error(err))
		}
	}
	for muid, p := range pools {
		if err := p.Destroy(); err != nil {
			m.log.Warn("shutdown: pool destroy failed", zap.Int64("m_uid", muid), zap.Error(err))
		}
	}
}
