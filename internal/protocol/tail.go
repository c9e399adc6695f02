package protocol

import (
	"github.com/danmuck/udactl/internal/fault"
)

// appendTail writes count then each record.
func (w *Writer) appendTail(records []fault.Record) error {
	if len(records) > w.lim.MaxTailRecords {
		return fault.Malformed("protocol.tail", nil, "%d tail records exceed bound %d", len(records), w.lim.MaxTailRecords)
	}
	w.putU32(uint32(len(records)))
	for _, rec := range records {
		if !rec.Severity.Valid() {
			return fault.Malformed("protocol.tail", nil, "severity %d", rec.Severity)
		}
		w.buf = append(w.buf, byte(rec.Severity))
		w.putU32(uint32(rec.Code))
		if err := w.putString(rec.Location); err != nil {
			return err
		}
		if err := w.putString(rec.Message); err != nil {
			return err
		}
	}
	return nil
}
