// Package identity derives the machine id written into lock records.
package identity

import (
	"os"
	"os/user"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/host"
)

// Source looks up the host and user names. Tests replace it.
type Source struct {
	Hostname func() (string, error)
	Username func() (string, error)
}

// System reads the names from the running machine.
func System() Source {
	return Source{
		Hostname: hostname,
		Username: username,
	}
}

func hostname() (string, error) {
	info, err := host.Info()
	if err == nil && info.Hostname != "" {
		return info.Hostname, nil
	}
	return os.Hostname()
}

func username() (string, error) {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username, nil
	}
	for _, env := range []string{"USER", "LOGNAME", "USERNAME"} {
		if v := os.Getenv(env); v != "" {
			return v, nil
		}
	}
	return "", os.ErrNotExist
}

// MachineID returns "<host>-<user>", e.g. "hostA-alice". A part that cannot be
// determined is replaced by a short random id so two unknown hosts never collide.
func (s Source) MachineID() string {
	h := lookup(s.Hostname)
	u := lookup(s.Username)
	if h == "" {
		h = "host-" + uuid.New().String()[:8]
	}
	if u == "" {
		return h
	}
	return h + "-" + u
}

// MachineID is System().MachineID().
func MachineID() string {
	return System().MachineID()
}

func lookup(fn func() (string, error)) string {
	if fn == nil {
		return ""
	}
	v, err := fn()
	if err != nil {
		return ""
	}
	return Sanitize(v)
}

// Sanitize strips characters the lock record format cannot carry.
func Sanitize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return -1
		}
		// Windows accounts come back as DOMAIN\user.
		if r == '\\' {
			return '_'
		}
		return r
	}, s)
	return s
}
