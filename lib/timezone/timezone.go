package timezone

import "time"

var Location *time.Location

func init() {
	var err error
	Location, err = time.LoadLocation("Asia/Shanghai")
	if err != nil {
		panic(err)
	}
}

// the booking site opens its release windows on Beijing wall-clock time,
// so start-time math must happen in Asia/Shanghai regardless of where
// the process runs
func Now() time.Time {
	return time.Now().In(Location)
}
