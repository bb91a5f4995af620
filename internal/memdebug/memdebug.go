// Package memdebug implements the allocation tracking switched on by the
// CURL_MEMDEBUG and CURL_MEMLIMIT environment variables.
//
// CURL_MEMDEBUG names a file that receives one line per tracked allocation
// and release. CURL_MEMLIMIT=N lets N allocations succeed and fails every
// allocation after that, which is how setup failure paths are exercised.
package memdebug

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
)

const (
	EnvLogFile = "CURL_MEMDEBUG"
	EnvLimit   = "CURL_MEMLIMIT"

	// logNameMax bounds the log file name, longer values are truncated.
	logNameMax = 512
)

// ErrLimit is returned by Alloc once the allocation limit is reached.
var ErrLimit = errors.New("memdebug: allocation limit reached")

// Tracker counts allocations. A nil *Tracker accepts every allocation.
type Tracker struct {
	mu      sync.Mutex
	log     io.Writer
	closer  io.Closer
	limit   int64
	remain  int64
	allocs  int64
	frees   int64
	limited bool
}

// New returns a tracker logging to w (may be nil) with the given limit; a
// limit <= 0 disables failing allocations.
func New(w io.Writer, limit int64) *Tracker {
	t := &Tracker{log: w}
	if limit > 0 {
		t.limit, t.remain, t.limited = limit, limit, true
	}
	return t
}

// FromEnv builds a tracker from the environment. It returns nil when neither
// variable is set. An invalid CURL_MEMLIMIT is ignored. When the log file
// cannot be created the error is returned along with a tracker that still
// enforces the limit.
func FromEnv(getenv func(string) string) (*Tracker, error) {
	name := getenv(EnvLogFile)
	limitStr := getenv(EnvLimit)
	if name == "" && limitStr == "" {
		return nil, nil
	}

	var limit int64
	if limitStr != "" {
		if n, err := strconv.ParseInt(limitStr, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}

	t := New(nil, limit)
	if name != "" {
		if len(name) >= logNameMax {
			name = name[:logNameMax-1]
		}
		f, err := os.Create(name)
		if err != nil {
			return t, fmt.Errorf("memdebug log: %w", err)
		}
		t.log, t.closer = f, f
	}
	return t, nil
}

// Alloc records one allocation of what, or fails it when over the limit.
func (t *Tracker) Alloc(what string) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.limited {
		if t.remain == 0 {
			t.logf("LIMIT %s reached memlimit\n", what)
			return fmt.Errorf("%w (%d)", ErrLimit, t.limit)
		}
		t.remain--
	}
	t.allocs++
	t.logf("MEM alloc(%s) #%d\n", what, t.allocs)
	return nil
}

// Free records the release of what.
func (t *Tracker) Free(what string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frees++
	t.logf("MEM free(%s) #%d\n", what, t.frees)
}

// Outstanding returns allocations not yet freed.
func (t *Tracker) Outstanding() int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocs - t.frees
}

// Close closes the log file if the tracker opened one.
func (t *Tracker) Close() error {
	if t == nil || t.closer == nil {
		return nil
	}
	err := t.closer.Close()
	t.closer, t.log = nil, nil
	return err
}

func (t *Tracker) logf(format string, args ...any) {
	if t.log != nil {
		fmt.Fprintf(t.log, format, args...)
	}
}
