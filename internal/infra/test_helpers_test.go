package infra

import (
	"sync"
)

// mockProcessManager is a test double for ProcessManager
type mockProcessManager struct {
	mu          sync.Mutex
	runningPIDs map[int]bool
	killedPIDs  []int
}

func newMockProcessManager() *mockProcessManager {
	return &mockProcessManager{
		runningPIDs: make(map[int]bool),
	}
}

func (m *mockProcessManager) FindByName(pattern string) ([]int, error) {
	return nil, nil
}

func (m *mockProcessManager) Kill(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killedPIDs = append(m.killedPIDs, pid)
	delete(m.runningPIDs, pid)
	return nil
}

func (m *mockProcessManager) IsRunning(pid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningPIDs[pid]
}

func (m *mockProcessManager) SetRunning(pid int, running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runningPIDs[pid] = running
}
