package errors

import "errors"

// CriticalErrorOnly remembers the most severe error observed during a
// multi-step operation. Later, less severe errors never replace it.
//
// Severity: Full > Corrupt/NotADatabase > IOError > anything else > OK.
type CriticalErrorOnly struct {
	err      error
	severity int
}

// SetCriticalError records err if it is at least as severe as the current
// one. It returns true if err became the critical error.
func (c *CriticalErrorOnly) SetCriticalError(err error) bool {
	if err == nil {
		return false
	}
	severity := CodeOf(err).Severity()
	if c.err != nil && severity < c.severity {
		return false
	}
	c.err = err
	c.severity = severity
	return true
}

// TryUpgradeError records err only if it is strictly more severe.
func (c *CriticalErrorOnly) TryUpgradeError(err error) bool {
	if err == nil {
		return false
	}
	if c.err != nil && CodeOf(err).Severity() <= c.severity {
		return false
	}
	return c.SetCriticalError(err)
}

// CriticalError returns the most severe error recorded, or nil.
func (c *CriticalErrorOnly) CriticalError() error {
	return c.err
}

// CriticalCode returns the code of the critical error.
func (c *CriticalErrorOnly) CriticalCode() Code {
	return CodeOf(c.err)
}

// CriticalLevel returns the level of the critical error.
func (c *CriticalErrorOnly) CriticalLevel() Level {
	return LevelOf(c.err)
}

// IsCriticalErrorFatal reports whether the critical error ends the pass:
// full disks and I/O failures on the write side cannot be worked around.
func (c *CriticalErrorOnly) IsCriticalErrorFatal() bool {
	if c.err == nil {
		return false
	}
	var e *Error
	if errors.As(c.err, &e) && e.Level == LevelFatal {
		return true
	}
	code := CodeOf(c.err)
	return code == CodeFull || code == CodeNoMemory
}

// Reset forgets the recorded error.
func (c *CriticalErrorOnly) Reset() {
	c.err = nil
	c.severity = 0
}
