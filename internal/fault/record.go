package fault

import (
	"errors"
	"fmt"
)

// Severity of one ERROR-TAIL record.
type Severity uint8

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return fmt.Sprintf("severity(%d)", uint8(s))
	}
}

func (s Severity) Valid() bool {
	return s <= SeverityFatal
}

// Record is one ERROR-TAIL entry.
type Record struct {
	Severity Severity
	Code     int32
	Location string
	Message  string
}

func (r Record) String() string {
	return fmt.Sprintf("%s code=%d location=%s: %s", r.Severity, r.Code, r.Location, r.Message)
}

// Stack accumulates tail records in the order they were raised.
type Stack struct {
	records []Record
}

func (s *Stack) Push(r Record) {
	s.records = append(s.records, r)
}

func (s *Stack) Warn(location string, code int32, format string, args ...any) {
	s.Push(Record{Severity: SeverityWarning, Code: code, Location: location, Message: fmt.Sprintf(format, args...)})
}

func (s *Stack) Fail(location string, code int32, format string, args ...any) {
	s.Push(Record{Severity: SeverityError, Code: code, Location: location, Message: fmt.Sprintf(format, args...)})
}

// PushError appends err as an error record.
func (s *Stack) PushError(location string, err error) {
	if err == nil {
		return
	}
	s.Push(FromError(location, err))
}

func (s *Stack) Records() []Record {
	if s == nil || len(s.records) == 0 {
		return nil
	}
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

func (s *Stack) Len() int {
	if s == nil {
		return 0
	}
	return len(s.records)
}

// HasErrors reports whether any record is at error severity or above.
func (s *Stack) HasErrors() bool {
	if s == nil {
		return false
	}
	for _, r := range s.records {
		if r.Severity >= SeverityError {
			return true
		}
	}
	return false
}

// FromError renders err as a tail record. The code is the error kind, or the
// handler code for dispatch failures that carry one.
func FromError(location string, err error) Record {
	rec := Record{Severity: SeverityError, Location: location, Message: err.Error()}
	var fe *Error
	if errors.As(err, &fe) {
		rec.Code = int32(fe.Kind)
		if fe.Kind == KindDispatch && fe.Code != 0 {
			rec.Code = fe.Code
		}
		if fe.Kind == KindTransport {
			rec.Severity = SeverityFatal
		}
	}
	return rec
}
