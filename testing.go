package tsp

import (
	"sort"
	"sync"

	"github.com/dsroberts/go-tsp/internal/interfaces"
)

// MockStore provides an in-memory implementation of interfaces.Store for
// unit tests that exercise admission, reporting, or CLI logic without a
// real SQLite database. It tracks call counts the way the teacher's
// MockBackend did, so callers can assert on interaction counts as well
// as return values.
type MockStore struct {
	mu sync.RWMutex

	jobs    map[int64]interfaces.JobRecord
	byUUID  map[string]int64
	stdout  map[int64][]byte
	stderr  map[int64][]byte
	rawCmd  map[int64][]byte
	cwd     map[int64]string
	environ map[int64][]byte
	nextID  int64
	closed  bool

	// Allocate, when set, overrides the default behavior of AllocateSlots
	// (admit with the first requested coreIDs, or defer when requested
	// exceeds len(coreIDs)).
	Allocate func(uuid string, coreIDs []int, requested int) ([]int, error)

	InsertJobCalls     int
	AllocateSlotsCalls int
	ReleaseSlotsCalls  int
}

// NewMockStore creates an empty mock store.
func NewMockStore() *MockStore {
	return &MockStore{
		jobs:    make(map[int64]interfaces.JobRecord),
		byUUID:  make(map[string]int64),
		stdout:  make(map[int64][]byte),
		stderr:  make(map[int64][]byte),
		rawCmd:  make(map[int64][]byte),
		cwd:     make(map[int64]string),
		environ: make(map[int64][]byte),
	}
}

func (m *MockStore) InsertJob(uuid, command string, commandRaw []byte, category string, pid, slots int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.InsertJobCalls++
	m.nextID++
	id := m.nextID
	m.jobs[id] = interfaces.JobRecord{
		ID:       id,
		UUID:     uuid,
		Command:  command,
		Category: category,
		PID:      pid,
		Slots:    slots,
	}
	m.byUUID[uuid] = id
	m.rawCmd[id] = commandRaw
	return id, nil
}

func (m *MockStore) RecordQTime(uuid string, timeUs int64) error {
	return m.updateByUUID(uuid, func(j *interfaces.JobRecord) {
		j.QTime = timeUs
		j.HasQTime = true
	})
}

func (m *MockStore) RecordSTime(uuid string, timeUs int64) error {
	return m.updateByUUID(uuid, func(j *interfaces.JobRecord) {
		j.STime = timeUs
		j.HasSTime = true
	})
}

func (m *MockStore) RecordETime(uuid string, timeUs int64, exitStatus int) error {
	return m.updateByUUID(uuid, func(j *interfaces.JobRecord) {
		j.ETime = timeUs
		j.HasETime = true
		j.ExitStatus = exitStatus
	})
}

func (m *MockStore) updateByUUID(uuid string, fn func(*interfaces.JobRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byUUID[uuid]
	if !ok {
		return NewError("mock_store", ErrCodeJobNotFound, "unknown uuid: "+uuid)
	}
	j := m.jobs[id]
	fn(&j)
	m.jobs[id] = j
	return nil
}

func (m *MockStore) StoreState(uuid, cwd string, environBlob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byUUID[uuid]
	if !ok {
		return NewError("mock_store", ErrCodeJobNotFound, "unknown uuid: "+uuid)
	}
	m.cwd[id] = cwd
	m.environ[id] = environBlob
	return nil
}

func (m *MockStore) SaveOutput(uuid string, stdout, stderr []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byUUID[uuid]
	if !ok {
		return NewError("mock_store", ErrCodeJobNotFound, "unknown uuid: "+uuid)
	}
	m.stdout[id] = stdout
	m.stderr[id] = stderr
	return nil
}

func (m *MockStore) AllocateSlots(uuid string, coreIDs []int, requested int) ([]int, error) {
	m.mu.Lock()
	m.AllocateSlotsCalls++
	allocate := m.Allocate
	m.mu.Unlock()

	if allocate != nil {
		return allocate(uuid, coreIDs, requested)
	}

	if requested > len(coreIDs) {
		return nil, nil
	}
	cores := make([]int, requested)
	copy(cores, coreIDs[:requested])
	return cores, nil
}

func (m *MockStore) ReleaseSlots(uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReleaseSlotsCalls++
	return nil
}

func (m *MockStore) LastJobID() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextID, nil
}

func (m *MockStore) JobByID(id int64) (interfaces.JobRecord, error) {
	return m.JobDetailsByID(id)
}

func (m *MockStore) JobDetailsByID(id int64) (interfaces.JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return interfaces.JobRecord{}, NewJobError("job_details", id, ErrCodeJobNotFound, "no such job")
	}
	return j, nil
}

// JobsByCategory mirrors internal/store.Store's overload of "category":
// the lifecycle names ("", "all", "queued", "running", "finished",
// "failed") filter by state; anything else is matched against the job's
// -L label.
func (m *MockStore) JobsByCategory(category string) ([]interfaces.JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []int64
	for id := range m.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []interfaces.JobRecord
	for _, id := range ids {
		j := m.jobs[id]
		switch category {
		case "", "all":
			out = append(out, j)
		case "queued":
			if !j.HasSTime {
				out = append(out, j)
			}
		case "running":
			if j.HasSTime && !j.HasETime {
				out = append(out, j)
			}
		case "finished":
			if j.HasETime {
				out = append(out, j)
			}
		case "failed":
			if j.HasETime && j.ExitStatus != 0 {
				out = append(out, j)
			}
		default:
			if j.Category == category {
				out = append(out, j)
			}
		}
	}
	return out, nil
}

func (m *MockStore) StdoutByID(id int64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stdout[id], nil
}

func (m *MockStore) StderrByID(id int64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stderr[id], nil
}

func (m *MockStore) RawCmdByID(id int64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rawCmd[id], nil
}

func (m *MockStore) StartStateByID(id int64) (cwd string, environBlob []byte, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cwd[id], m.environ[id], nil
}

func (m *MockStore) SiblingPIDsExcluding(pid int) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []int
	for _, j := range m.jobs {
		if j.PID != 0 && j.PID != pid && !j.HasETime {
			out = append(out, j.PID)
		}
	}
	return out, nil
}

func (m *MockStore) ExternIDByUUID(uuid string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byUUID[uuid]
	if !ok {
		return 0, NewError("extern_id", ErrCodeJobNotFound, "unknown uuid: "+uuid)
	}
	return id, nil
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// IsClosed reports whether Close has been called; a testing convenience
// with no Store interface equivalent.
func (m *MockStore) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

var _ interfaces.Store = (*MockStore)(nil)

// MockCommandRunner is a fake interfaces.CommandRunner that records the
// argv it was asked to run and returns a pre-configured result instead of
// actually forking a process.
type MockCommandRunner struct {
	mu sync.Mutex

	ExitStatus int
	Stdout     []byte
	Stderr     []byte
	Err        error

	Calls     int
	LastArgv  []string
	LastCwd   string
	LastEnv   []string
	LastCores []int
}

func (m *MockCommandRunner) Run(spec interfaces.RunSpec) (int, []byte, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls++
	m.LastArgv = spec.Argv
	m.LastCwd = spec.Cwd
	m.LastEnv = spec.Environ
	m.LastCores = spec.Cores

	if spec.Discard {
		return m.ExitStatus, nil, nil, m.Err
	}
	return m.ExitStatus, m.Stdout, m.Stderr, m.Err
}

var _ interfaces.CommandRunner = (*MockCommandRunner)(nil)
