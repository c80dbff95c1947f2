package binary

import "github.com/pkg/errors"

// OpenPlan names the buffer files one plane needs for a pipeline run.
// Empty paths mark buffers the configuration does not use (no raw copy
// kept, single channel); those slots stay nil and closing them is a
// no-op.
type OpenPlan struct {
	Ly, Lx, NFrames int

	// RegPath is the registered primary-channel buffer, rewritten in
	// place during registration.
	RegPath string

	// RawPath is the retained pre-registration primary buffer, opened
	// read-only so the original data survives registration.
	RawPath string

	RegChan2Path string
	RawChan2Path string
}

// BufferSet holds the up-to-four buffers of one plane as a single
// scoped acquisition. It is exclusively owned by the plane run that
// opened it.
type BufferSet struct {
	Reg      *File
	Raw      *File
	RegChan2 *File
	RawChan2 *File

	closed bool
}

// OpenBuffers opens every buffer named in plan, all-or-nothing: if any
// open fails, the buffers already opened are closed before the error
// is returned.
func OpenBuffers(plan OpenPlan) (*BufferSet, error) {
	if plan.RegPath == "" {
		return nil, errors.New("binary: plan has no registered buffer path")
	}
	set := &BufferSet{}
	open := func(path string, mode Mode) (*File, error) {
		if path == "" {
			return nil, nil
		}
		return Open(path, plan.Ly, plan.Lx, plan.NFrames, mode)
	}

	var err error
	if set.Reg, err = open(plan.RegPath, ReadWrite); err == nil {
		if set.Raw, err = open(plan.RawPath, ReadOnly); err == nil {
			if set.RegChan2, err = open(plan.RegChan2Path, ReadWrite); err == nil {
				set.RawChan2, err = open(plan.RawChan2Path, ReadOnly)
			}
		}
	}
	if err != nil {
		set.Close()
		return nil, err
	}
	return set, nil
}

// Close releases every open handle. It never masks one close failure
// with another; the first error is returned after all handles have
// been released. Safe to call more than once.
func (s *BufferSet) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var first error
	for _, b := range []*File{s.Reg, s.Raw, s.RegChan2, s.RawChan2} {
		if b == nil {
			continue
		}
		if err := b.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
