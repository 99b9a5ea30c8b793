package serverlog

import "time"

func (l *Log) SetClock(now func() time.Time) {
	l.now = now
}
