package lock

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/pgembed/internal/process"
)

// Owner identifies the process that holds or last held a lock.
type Owner struct {
	PID        int       `json:"pid"`
	StartTime  int64     `json:"start_time"` // unix seconds, 0 if unknown
	Host       string    `json:"host"`
	Nonce      string    `json:"nonce"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func currentOwner() Owner {
	host, _ := os.Hostname()
	pid := os.Getpid()
	return Owner{
		PID:        pid,
		StartTime:  process.StartTime(pid),
		Host:       host,
		Nonce:      uuid.NewString(),
		AcquiredAt: time.Now().UTC(),
	}
}

// Stale reports whether the owner is known to be gone: it ran on this host
// and its pid is dead or now belongs to a different process. Owners from
// other hosts are never considered stale.
func (o Owner) Stale() bool {
	host, _ := os.Hostname()
	if o.Host != host || o.PID <= 0 {
		return false
	}
	if !process.Alive(o.PID) {
		return true
	}
	if o.StartTime > 0 {
		if cur := process.StartTime(o.PID); cur > 0 && cur != o.StartTime {
			return true
		}
	}
	return false
}

func writeOwner(f *os.File, o Owner) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func readOwner(path string) (Owner, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Owner{}, err
	}
	var o Owner
	if err := json.Unmarshal(b, &o); err != nil {
		return Owner{}, err
	}
	return o, nil
}

// Info describes the state of a lock file.
type Info struct {
	Owner Owner // zero when no token was ever written
	Held  bool  // some process currently holds the lock
	Stale bool  // the recorded owner is gone
}

// Inspect reads the owner token of lockFile and probes whether the lock is
// currently held. A missing file yields a zero Info.
func Inspect(lockFile string) (Info, error) {
	var info Info
	if t, err := readOwner(lockFile + ".held"); err == nil {
		stale := t.Stale()
		return Info{Owner: t, Held: !stale, Stale: stale}, nil
	}
	o, err := readOwner(lockFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return info, nil
	case err == nil:
		info.Owner = o
		info.Stale = o.Stale()
	}
	fl, ok, err := TryAcquire(lockFile)
	if err != nil {
		return info, err
	}
	if ok {
		_ = fl.Release()
	} else {
		info.Held = true
		info.Stale = false
	}
	return info, nil
}
