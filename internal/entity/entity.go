// Package entity holds what calendar and sensor entities share: the
// Home Assistant device block for a pupil and the read-only view of a
// coordinator that entities resolve pupil data through.
package entity

import (
	"fmt"
	"sync"

	"github.com/lilphil/homeassistant-classcharts/internal/buildinfo"
	"github.com/lilphil/homeassistant-classcharts/internal/classcharts"
)

const (
	Manufacturer = "ClassCharts"
	Model        = "Pupil"
)

// DeviceInfo is the Home Assistant device registry block. Every entity
// for one pupil references the same identifiers so HA groups them on a
// single device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// DeviceID is the device identifier for a pupil within an entry.
func DeviceID(entryID string, pupilID int) string {
	return fmt.Sprintf("%s_%d", entryID, pupilID)
}

// NewDeviceInfo builds the device block for a pupil.
func NewDeviceInfo(entryID string, pupil classcharts.Pupil) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{DeviceID(entryID, pupil.ID)},
		Name:         pupil.Name,
		Manufacturer: Manufacturer,
		Model:        Model,
		SWVersion:    buildinfo.Version,
	}
}

// Roster is the coordinator state entities read. Entities hold only
// this and a pupil id, never a copy of the pupil.
type Roster interface {
	Pupil(id int) (classcharts.Pupil, bool)
	LastUpdateSuccess() bool
}

// Base is embedded by every per-pupil entity.
type Base struct {
	EntryID string
	PupilID int

	roster Roster

	mu     sync.Mutex
	device DeviceInfo
	known  bool
}

// NewBase creates the shared part of a pupil entity.
func NewBase(roster Roster, entryID string, pupilID int) *Base {
	b := &Base{EntryID: entryID, PupilID: pupilID, roster: roster}
	b.DeviceInfo()
	return b
}

// Pupil re-resolves the pupil from the current roster.
func (b *Base) Pupil() (classcharts.Pupil, bool) {
	return b.roster.Pupil(b.PupilID)
}

// Available reports whether the last refresh succeeded and the pupil
// is still on the roster.
func (b *Base) Available() bool {
	if !b.roster.LastUpdateSuccess() {
		return false
	}
	_, ok := b.Pupil()
	return ok
}

// DeviceInfo returns the device block, rebuilt from the roster when the
// pupil is present. If the pupil has dropped off the roster the last
// known block is returned; ok is false only if the pupil was never seen.
func (b *Base) DeviceInfo() (DeviceInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.Pupil(); ok {
		b.device = NewDeviceInfo(b.EntryID, p)
		b.known = true
	}
	return b.device, b.known
}
