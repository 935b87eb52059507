//go:build !unix

package audit

import (
	"errors"
	"os"
)

// On non-POSIX platforms advisory file locking is unavailable; per
// spec.md §9's documented open question, multi-writer correctness
// degrades to the last-line re-read alone (still correct for a single
// writer, racy only across concurrent processes on these platforms).
var errNoFlock = errors.New("audit: advisory locking unsupported on this platform")

func flockExclusive(f *os.File) error { return errNoFlock }
func flockShared(f *os.File) error    { return errNoFlock }
func funlock(f *os.File) error        { return nil }
