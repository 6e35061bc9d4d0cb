package store

import (
	"database/sql"
	"testing"

	"github.com/dukerupert/chorecheck/internal/database"
	"github.com/dukerupert/chorecheck/internal/model"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type fixture struct {
	db        *sql.DB
	household *model.Household
	admin     *model.User
	member    *model.User
	task      *model.Task
}

// seedFixture creates a household with one admin, one member and one task.
func seedFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	us := NewUserStore(db)
	hs := NewHouseholdStore(db)

	h, err := hs.Create("Smith House")
	if err != nil {
		t.Fatalf("create household: %v", err)
	}
	admin, err := us.Create("parent@example.com", "Parent")
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}
	member, err := us.Create("kid@example.com", "Kid")
	if err != nil {
		t.Fatalf("create member: %v", err)
	}
	if _, err := hs.AddMember(h.ID, admin.ID, model.RoleAdmin); err != nil {
		t.Fatalf("add admin: %v", err)
	}
	if _, err := hs.AddMember(h.ID, member.ID, model.RoleMember); err != nil {
		t.Fatalf("add member: %v", err)
	}
	task, err := NewTaskStore(db).Create(h.ID, "Dishes", "Load and run the dishwasher", 5)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return &fixture{db: db, household: h, admin: admin, member: member, task: task}
}

func (f *fixture) assignment(t *testing.T, dueDate string, slot *model.TimeSlot) *model.Assignment {
	t.Helper()
	a, err := NewAssignmentStore(f.db).Create(model.Assignment{
		TaskID:      f.task.ID,
		UserID:      f.member.ID,
		HouseholdID: f.household.ID,
		DueDate:     dueDate,
		TimeSlot:    slot,
	})
	if err != nil {
		t.Fatalf("create assignment: %v", err)
	}
	return a
}
