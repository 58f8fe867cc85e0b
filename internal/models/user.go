package models

type Role string

const (
	Student Role = "student"
	Teacher Role = "teacher"
	Admin   Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case Student, Teacher, Admin:
		return true
	}
	return false
}

type User struct {
	ID       string `db:"id" json:"id"`
	FullName string `db:"full_name" json:"full_name"`
	Role     Role   `db:"role" json:"role"`
}
