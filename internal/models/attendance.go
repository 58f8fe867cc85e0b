package models

import "time"

// AttendanceStatus: отсутствие — это отсутствие строки, поэтому значение одно.
type AttendanceStatus string

const StatusPresent AttendanceStatus = "present"

type VerificationMethod string

const (
	MethodBeaconAndGPS VerificationMethod = "beacon_and_gps"
	MethodCode         VerificationMethod = "code"
	MethodManual       VerificationMethod = "manual"
)

type AttendanceRecord struct {
	ID                string             `db:"id" json:"id"`
	SessionID         string             `db:"session_id" json:"session_id"`
	StudentID         string             `db:"student_id" json:"student_id"`
	Status            AttendanceStatus   `db:"status" json:"status"`
	Method            VerificationMethod `db:"verification_method" json:"verification_method"`
	LocationVerified  bool               `db:"location_verified" json:"location_verified"`
	BluetoothVerified bool               `db:"bluetooth_verified" json:"bluetooth_verified"`
	MarkedAt          time.Time          `db:"marked_at" json:"marked_at"`
}

// NewAttendance — то, что пишется при вставке; id и marked_at ставит хранилище.
type NewAttendance struct {
	SessionID         string
	StudentID         string
	Method            VerificationMethod
	LocationVerified  bool
	BluetoothVerified bool
}

// AttendeeRow — запись посещения вместе с именем студента.
type AttendeeRow struct {
	AttendanceRecord
	StudentName string `db:"student_name" json:"student_name"`
}

// HistoryRow — запись из истории студента с подписью занятия.
type HistoryRow struct {
	AttendanceRecord
	ClassName        string    `db:"class_name" json:"class_name"`
	Room             string    `db:"room" json:"room"`
	SessionCreatedAt time.Time `db:"session_created_at" json:"session_created_at"`
}

type RosterView struct {
	PresentCount int       `json:"present_count"`
	TotalCount   int       `json:"total_count"`
	Percentage   int       `json:"percentage"`
	RefreshedAt  time.Time `json:"refreshed_at"`
}

type RosterEntry struct {
	Student User              `json:"student"`
	Present bool              `json:"present"`
	Record  *AttendanceRecord `json:"record,omitempty"`
}
