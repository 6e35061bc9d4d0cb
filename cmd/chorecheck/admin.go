package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/dukerupert/chorecheck/internal/database"
	"github.com/dukerupert/chorecheck/internal/model"
	"github.com/dukerupert/chorecheck/internal/push"
	"github.com/dukerupert/chorecheck/internal/store"
)

func withDB(dbPath string, fn func(db *sql.DB) error) error {
	db, err := database.Open(dbPath)
	if err != nil {
		return goerr.Wrap(err, "failed to open database", goerr.V("path", dbPath))
	}
	defer db.Close()
	return fn(db)
}

// findOrCreateUser looks a user up by email and creates them when missing.
func findOrCreateUser(us *store.UserStore, email, name string) (*model.User, error) {
	u, err := us.GetByEmail(email)
	if err != nil {
		return nil, err
	}
	if u != nil {
		return u, nil
	}
	if name == "" {
		return nil, goerr.New("user does not exist; --name is required to create it", goerr.V("email", email))
	}
	return us.Create(email, name)
}

func cmdHousehold() *cli.Command {
	var dbPath, name, email, userName, role string
	var householdID int64

	return &cli.Command{
		Name:  "household",
		Usage: "Manage households and members",
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create a household with its first admin",
				Flags: []cli.Flag{
					dbPathFlag(&dbPath),
					&cli.StringFlag{Name: "name", Required: true, Destination: &name},
					&cli.StringFlag{Name: "admin-email", Required: true, Destination: &email},
					&cli.StringFlag{Name: "admin-name", Destination: &userName},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return withDB(dbPath, func(db *sql.DB) error {
						hs := store.NewHouseholdStore(db)
						u, err := findOrCreateUser(store.NewUserStore(db), email, userName)
						if err != nil {
							return err
						}
						h, err := hs.Create(name)
						if err != nil {
							return err
						}
						if _, err := hs.AddMember(h.ID, u.ID, model.RoleAdmin); err != nil {
							return err
						}
						fmt.Fprintf(c.Root().Writer, "household %d %q created, admin user %d\n", h.ID, h.Name, u.ID)
						return nil
					})
				},
			},
			{
				Name:  "add-member",
				Usage: "Add a user to a household",
				Flags: []cli.Flag{
					dbPathFlag(&dbPath),
					&cli.Int64Flag{Name: "household-id", Required: true, Destination: &householdID},
					&cli.StringFlag{Name: "email", Required: true, Destination: &email},
					&cli.StringFlag{Name: "name", Destination: &userName},
					&cli.StringFlag{Name: "role", Value: model.RoleMember, Usage: "admin or member", Destination: &role},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					if role != model.RoleAdmin && role != model.RoleMember {
						return goerr.New("role must be admin or member", goerr.V("role", role))
					}
					return withDB(dbPath, func(db *sql.DB) error {
						hs := store.NewHouseholdStore(db)
						h, err := hs.GetByID(householdID)
						if err != nil {
							return err
						}
						if h == nil {
							return goerr.New("household not found", goerr.V("household_id", householdID))
						}
						u, err := findOrCreateUser(store.NewUserStore(db), email, userName)
						if err != nil {
							return err
						}
						if _, err := hs.AddMember(h.ID, u.ID, role); err != nil {
							return err
						}
						fmt.Fprintf(c.Root().Writer, "user %d added to household %d as %s\n", u.ID, h.ID, role)
						return nil
					})
				},
			},
		},
	}
}

func cmdSession() *cli.Command {
	var dbPath, email string
	var householdID int64

	return &cli.Command{
		Name:  "session",
		Usage: "Manage API sessions",
		Commands: []*cli.Command{
			{
				Name:  "issue",
				Usage: "Issue a session token for a household member",
				Flags: []cli.Flag{
					dbPathFlag(&dbPath),
					&cli.StringFlag{Name: "email", Required: true, Destination: &email},
					&cli.Int64Flag{Name: "household-id", Required: true, Destination: &householdID},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return withDB(dbPath, func(db *sql.DB) error {
						u, err := store.NewUserStore(db).GetByEmail(email)
						if err != nil {
							return err
						}
						if u == nil {
							return goerr.New("user not found", goerr.V("email", email))
						}
						m, err := store.NewHouseholdStore(db).GetMember(householdID, u.ID)
						if err != nil {
							return err
						}
						if m == nil {
							return goerr.New("user is not a member of the household", goerr.V("email", email), goerr.V("household_id", householdID))
						}
						sess, err := store.NewSessionStore(db).Create(u.ID, householdID)
						if err != nil {
							return err
						}
						fmt.Fprintln(c.Root().Writer, sess.Token)
						return nil
					})
				},
			},
			{
				Name:  "revoke",
				Usage: "Revoke every session of a user",
				Flags: []cli.Flag{
					dbPathFlag(&dbPath),
					&cli.StringFlag{Name: "email", Required: true, Destination: &email},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return withDB(dbPath, func(db *sql.DB) error {
						u, err := store.NewUserStore(db).GetByEmail(email)
						if err != nil {
							return err
						}
						if u == nil {
							return goerr.New("user not found", goerr.V("email", email))
						}
						return store.NewSessionStore(db).DeleteByUserID(u.ID)
					})
				},
			},
		},
	}
}

func cmdVAPID() *cli.Command {
	return &cli.Command{
		Name:  "vapid",
		Usage: "Generate a VAPID key pair for Web Push",
		Action: func(ctx context.Context, c *cli.Command) error {
			pub, priv, err := push.GenerateVAPIDKeys()
			if err != nil {
				return err
			}
			fmt.Fprintf(c.Root().Writer, "CHORECHECK_VAPID_PUBLIC_KEY=%s\nCHORECHECK_VAPID_PRIVATE_KEY=%s\n", pub, priv)
			return nil
		},
	}
}
