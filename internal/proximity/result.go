package proximity

import "time"

// Result — тегированный результат вместо bool, чтобы не терять причину.
type Result string

const (
	Verified    Result = "verified"
	NotVerified Result = "not_verified"
	TimedOut    Result = "timed_out"
	Unavailable Result = "unavailable"
)

func (r Result) OK() bool { return r == Verified }

type GeofenceReading struct {
	Result Result `json:"result"`
	// DistanceM — измеренное расстояние до якоря, если позицию удалось получить.
	DistanceM *float64 `json:"distance_m,omitempty"`
}

// Signals — последний снимок обоих сигналов на момент проверки.
type Signals struct {
	Beacon   Result          `json:"beacon"`
	Geofence GeofenceReading `json:"geofence"`
	// Err — FatalPrecondition (нет разрешений), если был.
	Err error     `json:"-"`
	At  time.Time `json:"at"`
}

func (s Signals) BeaconFound() bool      { return s.Beacon.OK() }
func (s Signals) GeofenceVerified() bool { return s.Geofence.Result.OK() }
