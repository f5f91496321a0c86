// Package jobtable implements spec §4.2: the set of Jobs keyed by name
// (or name/instance), plus a pid index kept consistent with the live
// main/aux pid fields on each Job.
package jobtable

import (
	"fmt"

	"github.com/coreinit/initd/pkg/job"
)

// Slot identifies which of a Job's two pid fields an index entry refers
// to.
type Slot int

const (
	SlotMain Slot = iota
	SlotAux
)

// Table is the JobTable component of spec §2.5. Per spec §5 it is owned
// by the main loop and mutated only from loop-driven code.
type Table struct {
	byName map[string]*job.Job
	byPid  map[int]pidEntry
}

type pidEntry struct {
	j    *job.Job
	slot Slot
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		byName: make(map[string]*job.Job),
		byPid:  make(map[int]pidEntry),
	}
}

// Put inserts or replaces a Job under its Key(). It does not touch the
// pid index — use IndexPid once the job's Slot is populated.
func (t *Table) Put(j *job.Job) {
	t.byName[j.Key()] = j
}

// Get looks up a job by its Key() ("name" or "name/instance").
func (t *Table) Get(key string) (*job.Job, bool) {
	j, ok := t.byName[key]
	return j, ok
}

// Remove deletes a job from both indexes. Call only when the job has
// reached WAITING (spec §3's lifecycle rule).
func (t *Table) Remove(key string) {
	j, ok := t.byName[key]
	if !ok {
		return
	}
	delete(t.byName, key)
	if j.Slot.MainPid != 0 {
		delete(t.byPid, j.Slot.MainPid)
	}
	if j.Slot.AuxPid != 0 {
		delete(t.byPid, j.Slot.AuxPid)
	}
}

// All returns every job currently in the table. The returned slice is a
// snapshot; mutating jobs through it is fine (they are pointers), but
// insertions/removals during iteration should go through Put/Remove
// afterwards.
func (t *Table) All() []*job.Job {
	out := make([]*job.Job, 0, len(t.byName))
	for _, j := range t.byName {
		out = append(out, j)
	}
	return out
}

// IndexPid records that pid belongs to j's given slot, keeping the pid
// index consistent with the job's Slot fields. Call after Spawner
// reports a new pid.
func (t *Table) IndexPid(j *job.Job, slot Slot, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("jobtable: invalid pid %d for job %s", pid, j.Key())
	}
	if existing, ok := t.byPid[pid]; ok && existing.j != j {
		return fmt.Errorf("jobtable: pid %d already indexed to job %s", pid, existing.j.Key())
	}
	t.byPid[pid] = pidEntry{j: j, slot: slot}
	switch slot {
	case SlotMain:
		j.Slot.MainPid = pid
	case SlotAux:
		j.Slot.AuxPid = pid
	}
	return nil
}

// UnindexPid removes pid from the pid index and clears the corresponding
// slot field on its job. Call from the Reaper once a pid has been
// observed to exit.
func (t *Table) UnindexPid(pid int) {
	entry, ok := t.byPid[pid]
	if !ok {
		return
	}
	delete(t.byPid, pid)
	switch entry.slot {
	case SlotMain:
		entry.j.Slot.MainPid = 0
	case SlotAux:
		entry.j.Slot.AuxPid = 0
	}
}

// FindByPid succeeds for both the main and auxiliary pid slots of
// whichever job owns pid.
func (t *Table) FindByPid(pid int) (j *job.Job, slot Slot, ok bool) {
	entry, found := t.byPid[pid]
	if !found {
		return nil, 0, false
	}
	return entry.j, entry.slot, true
}

// Len reports how many jobs are tracked.
func (t *Table) Len() int {
	return len(t.byName)
}
