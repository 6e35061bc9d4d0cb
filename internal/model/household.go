package model

import "time"

// Household roles.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Household is the group assignments belong to.
type Household struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type HouseholdMember struct {
	ID          int64     `json:"id"`
	HouseholdID int64     `json:"household_id"`
	UserID      int64     `json:"user_id"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (m HouseholdMember) IsAdmin() bool {
	return m.Role == RoleAdmin
}
