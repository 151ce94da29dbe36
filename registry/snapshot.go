package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/c360/hubkit/errors"
)

// snapshotFile is the on-disk registry image. It is a convenience for
// observability across restarts, never a correctness requirement: the hub
// tolerates starting from empty state and components re-register.
type snapshotFile struct {
	TakenAt       time.Time      `json:"taken_at"`
	Registrations []Registration `json:"registrations"`
}

// writeSnapshot atomically persists the active registrations.
func (r *Registry) writeSnapshot() error {
	r.mu.RLock()
	snap := snapshotFile{TakenAt: r.now()}
	for _, reg := range r.active {
		snap.Registrations = append(snap.Registrations, reg.clone())
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Wrap(err, "Registry", "writeSnapshot", "marshal")
	}

	tmp := r.cfg.SnapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.WrapTransient(err, "Registry", "writeSnapshot", "write temp file")
	}
	if err := os.Rename(tmp, r.cfg.SnapshotPath); err != nil {
		return errors.WrapTransient(err, "Registry", "writeSnapshot", "rename")
	}
	return nil
}

// restoreSnapshot loads registrations from disk. Restored entries are marked
// DEGRADED pending a fresh heartbeat: their processes may or may not have
// survived the hub restart.
func (r *Registry) restoreSnapshot() error {
	data, err := os.ReadFile(filepath.Clean(r.cfg.SnapshotPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.WrapTransient(err, "Registry", "restoreSnapshot", "read")
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return errors.WrapInvalid(err, "Registry", "restoreSnapshot", "unmarshal")
	}

	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	for i := range snap.Registrations {
		reg := snap.Registrations[i]
		if reg.ComponentID == "" || reg.State.Terminal() {
			continue
		}
		reg.State = StateDegraded
		reg.History = appendHistory(reg.History, TransitionRecord{
			From:        StateUnknown,
			To:          StateDegraded,
			Reason:      "snapshot_restore",
			Description: "restored from snapshot, awaiting heartbeat",
			At:          now,
			Accepted:    true,
		}, r.cfg.HistoryLimit)
		stored := reg
		r.active[reg.ComponentID] = &stored
		restored++
	}

	if restored > 0 {
		r.logger.Info("registry restored from snapshot",
			"path", r.cfg.SnapshotPath, "registrations", restored, "taken_at", snap.TakenAt)
	}
	return nil
}
