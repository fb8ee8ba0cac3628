package clock

import "time"

// Clock abstracts time for the waiting-period check so lifecycle tests
// can move time explicitly.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// System returns the wall clock in UTC.
func System() Clock {
	return systemClock{}
}
