package config

import "brewos-go/types"

// Saver debounces persisted writes: a burst of peer commands becomes one
// flash write once the settings stop changing. Owned by the comm context;
// nothing here blocks except the storage write itself.
type Saver struct {
	storage    Storage
	debounceMs int64
	dirtyAt    int64 // 0 = clean
}

const DefaultDebounceMs = 2000

func NewSaver(s Storage) *Saver {
	return &Saver{storage: s, debounceMs: DefaultDebounceMs}
}

// Changed restarts the debounce window.
func (sv *Saver) Changed(nowMs int64) {
	sv.dirtyAt = nowMs
}

// Dirty reports whether a save is still pending.
func (sv *Saver) Dirty() bool { return sv.dirtyAt != 0 }

// Tick writes once the window has elapsed since the last change. The
// snapshot callback runs only when a write is actually due.
func (sv *Saver) Tick(nowMs int64, snapshot func() types.RuntimeConfig) error {
	if sv.dirtyAt == 0 || nowMs-sv.dirtyAt < sv.debounceMs {
		return nil
	}
	err := Save(sv.storage, snapshot())
	if err != nil {
		// Keep dirty; retry next window rather than losing the change.
		sv.dirtyAt = nowMs
		return err
	}
	sv.dirtyAt = 0
	return nil
}
