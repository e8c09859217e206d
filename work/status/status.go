package status

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"ziggotv-proxy/work/logger"
	"ziggotv-proxy/work/store"
)

// State is the broker's cross-process readiness value. The UI process
// polls it before issuing its first RPC.
type State string

const (
	Starting State = "starting"
	Started  State = "started"
	Stopping State = "stopping"
	Stopped  State = "stopped"
)

const statusFile = "status.json"

// flagFile is the on-disk shape of the readiness flag.
type flagFile struct {
	State     State     `json:"state"`
	ChangedAt time.Time `json:"changedAt"`
}

// Flag is a file-backed readiness flag in the profile directory. Writes
// go through the store's atomic replace so a polling reader in another
// process never sees a torn file.
type Flag struct {
	st *store.Store
}

// NewFlag returns a Flag over the given store.
func NewFlag(st *store.Store) *Flag {
	return &Flag{st: st}
}

// Set records the new state.
func (f *Flag) Set(s State) {
	if err := f.st.Save(statusFile, &flagFile{State: s, ChangedAt: time.Now()}); err != nil {
		logger.Warn("{status - Set} failed to write readiness flag: %v", err)
		return
	}
	logger.Info("{status - Set} broker state: %s", s)
}

// Get reads the current state; a missing file reads as Stopped.
func (f *Flag) Get() State {
	var ff flagFile
	if err := f.st.Load(statusFile, &ff); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("{status - Get} failed to read readiness flag: %v", err)
		}
		return Stopped
	}
	return ff.State
}

// WaitStarted polls until the flag reaches Started or the timeout
// expires. Poll granularity is half a second, matching what the UI does.
func (f *Flag) WaitStarted(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if f.Get() == Started {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("broker did not reach started state within %s", timeout)
		}
		time.Sleep(500 * time.Millisecond)
	}
}
