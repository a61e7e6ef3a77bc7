// Persistent State Store (C1, spec.md §4.1). Each of the three records
// (state, init, pg) is a fixed 1024-byte file, written atomically via
// temp-file + rename, and versioned by a leading integer so a reader that
// meets an unknown version returns ErrStateVersionMismatch rather than
// misinterpreting its bytes. Grounded on the teacher's "write small files
// that describe durable daemon state, rename into place" idiom seen across
// cluster/*.go (e.g. SetDataDir/SetServiceName callers writing unit files);
// no teacher file does binary fixed-record encoding, so the wire format here
// follows spec.md §6 directly ("fixed 1024-byte record, little-endian").
package keeper

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const recordSize = 1024

// StateFormatVersion is bumped only for incompatible layout changes; new
// fields are appended before the padding so old binaries can still read a
// file written by a newer one (spec.md §4.1, "additive trailing fields").
const StateFormatVersion = 1

// Sentinel errors per spec.md §4.1.
var (
	ErrStateMissing         = errors.New("state missing")
	ErrStateCorrupt         = errors.New("state corrupt")
	ErrStateVersionMismatch = errors.New("state version mismatch")
)

// KeeperState is the persisted record described in spec.md §3. assigned_role
// is carried on the struct for convenience but is never treated as
// authoritative on load (spec.md invariant): callers must re-fetch it from
// the monitor every cycle.
type KeeperState struct {
	FormatVersion int32

	PGVersion        uint32
	ControlVersion   uint32
	CatalogVersion   uint32
	SystemIdentifier uint64

	CurrentNodeID  int64
	CurrentGroupID int32

	AssignedRole NodeRole
	CurrentRole  NodeRole

	LastMonitorContact int64
	LastPeerContact    int64

	XlogLag int64 // -1 == unknown

	Paused bool
}

func (s KeeperState) encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	fields := []any{
		s.FormatVersion,
		s.PGVersion, s.ControlVersion, s.CatalogVersion, s.SystemIdentifier,
		s.CurrentNodeID, s.CurrentGroupID,
		int32(s.AssignedRole), int32(s.CurrentRole),
		s.LastMonitorContact, s.LastPeerContact,
		s.XlogLag,
		s.Paused,
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	return padTo(buf.Bytes(), recordSize)
}

func decodeKeeperState(b []byte) (KeeperState, error) {
	var s KeeperState
	var assigned, current int32
	r := bytes.NewReader(b)
	for _, f := range []any{
		&s.FormatVersion,
		&s.PGVersion, &s.ControlVersion, &s.CatalogVersion, &s.SystemIdentifier,
		&s.CurrentNodeID, &s.CurrentGroupID,
		&assigned, &current,
		&s.LastMonitorContact, &s.LastPeerContact,
		&s.XlogLag,
		&s.Paused,
	} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return KeeperState{}, errors.Wrap(ErrStateCorrupt, err.Error())
		}
	}
	s.AssignedRole = NodeRole(assigned)
	s.CurrentRole = NodeRole(current)
	if s.FormatVersion != StateFormatVersion {
		return KeeperState{}, ErrStateVersionMismatch
	}
	return s, nil
}

// InitStage describes the pre-takeover condition of the on-disk database
// (spec.md §3 InitState), so a restarted initialization is idempotent.
type InitStage int32

const (
	InitUnknown InitStage = iota
	InitEmpty
	InitExists
	InitRunning
	InitPrimary
)

type InitState struct {
	FormatVersion int32
	Stage         InitStage
}

func (s InitState) encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	for _, f := range []any{s.FormatVersion, int32(s.Stage)} {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	return padTo(buf.Bytes(), recordSize)
}

func decodeInitState(b []byte) (InitState, error) {
	var s InitState
	var stage int32
	r := bytes.NewReader(b)
	for _, f := range []any{&s.FormatVersion, &stage} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return InitState{}, errors.Wrap(ErrStateCorrupt, err.Error())
		}
	}
	s.Stage = InitStage(stage)
	if s.FormatVersion != StateFormatVersion {
		return InitState{}, ErrStateVersionMismatch
	}
	return s, nil
}

// ExpectedStatus is spec.md §3's ExpectedPostgresStatus: written exclusively
// by the node-active loop, read-only for the DB controller process.
type ExpectedStatus int32

const (
	ExpectedUnknown ExpectedStatus = iota
	ExpectedStopped
	ExpectedRunning
	ExpectedRunningAsSubprocess
)

type ExpectedPostgresStatus struct {
	FormatVersion int32
	Status        ExpectedStatus
}

// ExpectedStatusReader is the DB controller's read-only view of
// ExpectedPostgresStatus (spec.md §3 Ownership). *Store satisfies it, but a
// collaborator given only this interface cannot call WriteExpectedStatus.
type ExpectedStatusReader interface {
	ReadExpectedStatus() (ExpectedPostgresStatus, error)
}

func (s ExpectedPostgresStatus) encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	for _, f := range []any{s.FormatVersion, int32(s.Status)} {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	return padTo(buf.Bytes(), recordSize)
}

func decodeExpectedStatus(b []byte) (ExpectedPostgresStatus, error) {
	var s ExpectedPostgresStatus
	var status int32
	r := bytes.NewReader(b)
	for _, f := range []any{&s.FormatVersion, &status} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return ExpectedPostgresStatus{}, errors.Wrap(ErrStateCorrupt, err.Error())
		}
	}
	s.Status = ExpectedStatus(status)
	if s.FormatVersion != StateFormatVersion {
		return ExpectedPostgresStatus{}, ErrStateVersionMismatch
	}
	return s, nil
}

func padTo(b []byte, size int) ([]byte, error) {
	if len(b) > size {
		return nil, fmt.Errorf("record of %d bytes exceeds fixed size %d", len(b), size)
	}
	out := make([]byte, size)
	copy(out, b)
	return out, nil
}

// Store owns the three fixed-record files inside a configuration directory.
// It is exclusively owned by the node-active loop process (spec.md
// "Ownership"); the DB-controller process only reads ExpectedPostgresStatus.
type Store struct {
	dir string
}

func NewStore(configDir string) *Store {
	return &Store{dir: configDir}
}

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

// writeAtomic implements "write-to-temp + rename" for every record type
// (spec.md §4.1 and §6).
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readFixed(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrStateMissing
		}
		return nil, err
	}
	if len(b) != recordSize {
		return nil, ErrStateCorrupt
	}
	return b, nil
}

func (s *Store) ReadState() (KeeperState, error) {
	b, err := readFixed(s.path("state"))
	if err != nil {
		return KeeperState{}, err
	}
	return decodeKeeperState(b)
}

func (s *Store) WriteState(st KeeperState) error {
	st.FormatVersion = StateFormatVersion
	b, err := st.encode()
	if err != nil {
		return err
	}
	return writeAtomic(s.path("state"), b)
}

func (s *Store) ReadInit() (InitState, error) {
	b, err := readFixed(s.path("init"))
	if err != nil {
		return InitState{}, err
	}
	return decodeInitState(b)
}

func (s *Store) WriteInit(st InitState) error {
	st.FormatVersion = StateFormatVersion
	b, err := st.encode()
	if err != nil {
		return err
	}
	return writeAtomic(s.path("init"), b)
}

func (s *Store) ReadExpectedStatus() (ExpectedPostgresStatus, error) {
	b, err := readFixed(s.path("pg"))
	if err != nil {
		return ExpectedPostgresStatus{}, err
	}
	return decodeExpectedStatus(b)
}

func (s *Store) WriteExpectedStatus(st ExpectedPostgresStatus) error {
	st.FormatVersion = StateFormatVersion
	b, err := st.encode()
	if err != nil {
		return err
	}
	return writeAtomic(s.path("pg"), b)
}
