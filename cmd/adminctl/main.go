// Command adminctl runs one-off account maintenance against the user
// database: schema migration, bootstrapping staff accounts and clearing
// lockouts without going through the HTTP API.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/storefront-auth/internal/config"
	"github.com/iliyamo/storefront-auth/internal/database"
	"github.com/iliyamo/storefront-auth/internal/model"
	"github.com/iliyamo/storefront-auth/internal/repository"
	"github.com/iliyamo/storefront-auth/internal/utils"
)

type opener func() (*sql.DB, error)

func openFromEnv() (*sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return database.Open(cfg)
}

func main() {
	if err := newRootCmd(openFromEnv).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(open opener) *cobra.Command {
	root := &cobra.Command{
		Use:          "adminctl",
		Short:        "Account maintenance for storefront-auth",
		SilenceUsage: true,
	}
	root.PersistentFlags().Int("bcrypt-cost", bcrypt.DefaultCost, "bcrypt cost for new password hashes")

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create the users table if missing",
		RunE: withDB(open, func(cmd *cobra.Command, db *sql.DB) error {
			if err := database.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			cmd.Println("schema up to date")
			return nil
		}),
	})

	createCmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an active staff account",
		RunE:  withDB(open, runCreateAdmin),
	}
	createCmd.Flags().String("email", "", "login email")
	createCmd.Flags().String("name", "Administrator", "display name")
	createCmd.Flags().String("role", string(model.RoleSuperAdmin), "one of super_admin, admin, manager, sales_staff, employee")
	createCmd.Flags().String("password", "", "initial password")
	_ = createCmd.MarkFlagRequired("email")
	_ = createCmd.MarkFlagRequired("password")
	root.AddCommand(createCmd)

	passwordCmd := &cobra.Command{
		Use:   "set-password",
		Short: "Replace a user's password; older tokens stop working",
		RunE:  withDB(open, runSetPassword),
	}
	passwordCmd.Flags().Uint64("id", 0, "user id")
	passwordCmd.Flags().String("password", "", "new password")
	_ = passwordCmd.MarkFlagRequired("id")
	_ = passwordCmd.MarkFlagRequired("password")
	root.AddCommand(passwordCmd)

	unlockCmd := &cobra.Command{
		Use:   "unlock",
		Short: "Clear failed login attempts and any lock",
		RunE: withDB(open, func(cmd *cobra.Command, db *sql.DB) error {
			id, _ := cmd.Flags().GetUint64("id")
			if err := repository.NewUserRepo(db).ResetFailedAttempts(cmd.Context(), id); err != nil {
				return describe(err, id)
			}
			cmd.Printf("user %d unlocked\n", id)
			return nil
		}),
	}
	unlockCmd.Flags().Uint64("id", 0, "user id")
	_ = unlockCmd.MarkFlagRequired("id")
	root.AddCommand(unlockCmd)

	stateCmd := &cobra.Command{
		Use:   "set-state",
		Short: "Set a user's state to active, verify or ban",
		RunE:  withDB(open, runSetState),
	}
	stateCmd.Flags().Uint64("id", 0, "user id")
	stateCmd.Flags().String("state", "", "active, verify or ban")
	_ = stateCmd.MarkFlagRequired("id")
	_ = stateCmd.MarkFlagRequired("state")
	root.AddCommand(stateCmd)

	return root
}

// withDB opens the database for one command and closes it afterwards.
func withDB(open opener, run func(cmd *cobra.Command, db *sql.DB) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		db, err := open()
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		cmd.SetContext(ctx)
		return run(cmd, db)
	}
}

func runCreateAdmin(cmd *cobra.Command, db *sql.DB) error {
	email, _ := cmd.Flags().GetString("email")
	name, _ := cmd.Flags().GetString("name")
	rawRole, _ := cmd.Flags().GetString("role")
	password, _ := cmd.Flags().GetString("password")

	email = strings.TrimSpace(email)
	if !utils.ValidEmail(email) {
		return fmt.Errorf("invalid email %q", email)
	}
	role, err := model.ParseRole(rawRole)
	if err != nil {
		return err
	}
	if role == model.RoleUser {
		return errors.New("create-admin only creates staff accounts")
	}
	hash, err := hashPassword(cmd, password)
	if err != nil {
		return err
	}

	id, err := repository.NewUserRepo(db).Create(cmd.Context(), model.User{
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		Status:       model.StatusActive,
	})
	if errors.Is(err, repository.ErrEmailExists) {
		return fmt.Errorf("%s is already registered", email)
	}
	if err != nil {
		return err
	}
	cmd.Printf("created %s %s with id %d\n", role, email, id)
	return nil
}

func runSetPassword(cmd *cobra.Command, db *sql.DB) error {
	id, _ := cmd.Flags().GetUint64("id")
	password, _ := cmd.Flags().GetString("password")
	hash, err := hashPassword(cmd, password)
	if err != nil {
		return err
	}
	// one second back so a token minted right after still validates
	changedAt := time.Now().Add(-time.Second)
	if err := repository.NewUserRepo(db).UpdatePassword(cmd.Context(), id, hash, changedAt); err != nil {
		return describe(err, id)
	}
	cmd.Printf("password of user %d replaced\n", id)
	return nil
}

func runSetState(cmd *cobra.Command, db *sql.DB) error {
	id, _ := cmd.Flags().GetUint64("id")
	raw, _ := cmd.Flags().GetString("state")
	status, err := model.ParseStatus(raw)
	if err != nil {
		return err
	}
	if err := repository.NewUserRepo(db).SetStatus(cmd.Context(), id, status); err != nil {
		return describe(err, id)
	}
	cmd.Printf("user %d is now %s\n", id, status)
	return nil
}

func hashPassword(cmd *cobra.Command, password string) (string, error) {
	if problem := utils.PasswordProblem(password); problem != "" {
		return "", errors.New(problem)
	}
	cost, _ := cmd.Flags().GetInt("bcrypt-cost")
	return utils.HashPassword(password, cost)
}

func describe(err error, id uint64) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("user %d not found", id)
	}
	return err
}
