package submission

import (
	"fmt"
	"os"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/jcelaya/stars/internal/address"
	"github.com/jcelaya/stars/internal/staerr"
	"github.com/jcelaya/stars/internal/wire"
)

// Snapshot is the serializable form of a Manager's bookkeeping, taken on
// clean shutdown and restored on the next start. Summaries are never
// persisted; only the submitter-side application/instance/request state
// the original TaskBagAppDatabase keeps durable.
type Snapshot struct {
	Apps          map[string]wire.TaskDescription `msgpack:"apps"`
	Instances     []InstanceSnapshot              `msgpack:"instances"`
	NextRequestID uint64                          `msgpack:"nextRequestId"`
}

// InstanceSnapshot is one ApplicationInstance's durable state.
type InstanceSnapshot struct {
	ID          string               `msgpack:"id"`
	AppName     string               `msgpack:"app"`
	Description wire.TaskDescription `msgpack:"desc"`
	Created     time.Time            `msgpack:"created"`
	Tasks       []TaskSnapshot       `msgpack:"tasks"`
	Requests    []RequestSnapshot    `msgpack:"requests"`
}

// TaskSnapshot is one RemoteTask's durable state. Host is only meaningful
// when State is Executing.
type TaskSnapshot struct {
	Index uint32          `msgpack:"index"`
	State int             `msgpack:"state"`
	Host  address.Address `msgpack:"host"`
}

// RequestSnapshot is one outstanding Request's durable state. Slots maps
// request-local task id to the owning instance's task index.
type RequestSnapshot struct {
	ID           uint64            `msgpack:"id"`
	ReleaseTime  time.Time         `msgpack:"release"`
	LastActivity time.Time         `msgpack:"lastActivity"`
	Attempt      int               `msgpack:"attempt"`
	Slots        map[uint32]uint32 `msgpack:"slots"`
	Accepted     int               `msgpack:"accepted"`
}

// Store is the abstract bookkeeping persistence contract: the backend that
// actually holds bytes is an external collaborator, STaRS only needs
// "save this snapshot" and "give me the last one, if any".
type Store interface {
	// Save replaces the stored snapshot.
	Save(snap *Snapshot) error
	// Load returns the stored snapshot, or (nil, nil) when none exists. A
	// snapshot that exists but cannot be decoded is a corruption error,
	// fatal at startup.
	Load() (*Snapshot, error)
}

// Snapshot captures the Manager's current bookkeeping. Tasks still
// Searching are recorded as Ready: the search's timeout timer dies with
// the process, so on reload they are simply re-collected into a fresh
// request rather than left stranded in a state nothing will ever advance.
// Executing tasks keep their host, so TaskFinished/TaskAborted messages
// arriving after a restart still resolve.
func (m *Manager) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &Snapshot{
		Apps:          make(map[string]wire.TaskDescription, len(m.apps)),
		NextRequestID: m.nextRequestID,
	}
	for name, desc := range m.apps {
		snap.Apps[name] = desc
	}
	for _, inst := range m.instances {
		is := InstanceSnapshot{
			ID:          inst.ID,
			AppName:     inst.AppName,
			Description: inst.Description,
			Created:     inst.Created,
			Tasks:       make([]TaskSnapshot, len(inst.Tasks)),
		}
		for i, t := range inst.Tasks {
			state := t.State
			if state == Searching {
				state = Ready
			}
			is.Tasks[i] = TaskSnapshot{Index: t.Index, State: int(state), Host: t.Host}
		}
		for _, req := range inst.requests {
			rs := RequestSnapshot{
				ID:           req.ID,
				ReleaseTime:  req.ReleaseTime,
				LastActivity: req.LastActivity,
				Attempt:      req.Attempt,
				Slots:        make(map[uint32]uint32),
				Accepted:     req.accepted,
			}
			for localID, t := range req.slots {
				if t.State != Executing {
					continue // Searching slots revert to Ready, see above
				}
				rs.Slots[localID] = t.Index
			}
			if len(rs.Slots) == 0 {
				continue
			}
			is.Requests = append(is.Requests, rs)
		}
		snap.Instances = append(snap.Instances, is)
	}
	return snap
}

// Restore replaces the Manager's bookkeeping with snap's, re-linking every
// surviving request slot to its task. Call before the peer's event loop
// starts; it is not meant to merge into live state.
func (m *Manager) Restore(snap *Snapshot) {
	if snap == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.apps = make(map[string]wire.TaskDescription, len(snap.Apps))
	for name, desc := range snap.Apps {
		m.apps[name] = desc
	}
	m.instances = make(map[string]*ApplicationInstance, len(snap.Instances))
	m.requests = make(map[uint64]*Request)
	m.nextRequestID = snap.NextRequestID

	for _, is := range snap.Instances {
		inst := &ApplicationInstance{
			ID:          is.ID,
			AppName:     is.AppName,
			Description: is.Description,
			Created:     is.Created,
			Tasks:       make([]*RemoteTask, len(is.Tasks)),
			requests:    make(map[uint64]*Request),
		}
		for i, ts := range is.Tasks {
			inst.Tasks[i] = &RemoteTask{Index: ts.Index, State: RemoteTaskState(ts.State), Host: ts.Host}
		}
		for _, rs := range is.Requests {
			req := &Request{
				ID:             rs.ID,
				InstanceID:     is.ID,
				ReleaseTime:    rs.ReleaseTime,
				LastActivity:   rs.LastActivity,
				Attempt:        rs.Attempt,
				slots:          make(map[uint32]*RemoteTask, len(rs.Slots)),
				accepted:       rs.Accepted,
				acceptingHosts: make(map[address.Address]struct{}),
			}
			for localID, taskIdx := range rs.Slots {
				if int(taskIdx) >= len(inst.Tasks) {
					m.log.Warn("snapshot request slot references a task out of range, skipping",
						"requestId", rs.ID, "taskIndex", taskIdx)
					continue
				}
				t := inst.Tasks[taskIdx]
				t.request = req
				t.localID = localID
				req.slots[localID] = t
				if t.State == Executing {
					req.acceptingHosts[t.Host] = struct{}{}
				}
			}
			inst.requests[req.ID] = req
			m.requests[req.ID] = req
		}
		m.instances[is.ID] = inst
	}
	m.log.Info("bookkeeping restored", "apps", len(m.apps), "instances", len(m.instances))
}

// InstanceIDs lists every instance the Manager currently tracks, so a
// restarted peer can resume its periodic re-release sweep over them.
func (m *Manager) InstanceIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.instances))
	for id := range m.instances {
		out = append(out, id)
	}
	return out
}

// FileStore is the reference Store: one msgpack file, written atomically
// via a temp file and rename so a crash mid-save leaves the previous
// snapshot intact.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore persisting to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Save(snap *Snapshot) error {
	data, err := msgpack.Marshal(snap)
	if err != nil {
		return fmt.Errorf("submission: encode snapshot: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("submission: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("submission: commit snapshot: %w", err)
	}
	return nil
}

func (s *FileStore) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, staerr.Wrap(staerr.KindConfiguration, "read bookkeeping snapshot", err)
	}
	var snap Snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, staerr.Wrap(staerr.KindConfiguration, "bookkeeping snapshot corrupt", err)
	}
	return &snap, nil
}
