// Command authzctl administers the Inkwell authorization engine: permission
// catalog, role and user grants, and the dependency graph.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/inkwell-social/inkwell/internal/app"
	"github.com/inkwell-social/inkwell/internal/authz"
	"github.com/inkwell-social/inkwell/internal/platform/cache"
	"github.com/inkwell-social/inkwell/internal/platform/db"
	"github.com/inkwell-social/inkwell/internal/roles"
	"github.com/inkwell-social/inkwell/jobs"
)

const usage = `usage: authzctl <command> [flags]

commands:
  list-permissions
  create-permission   -name N [-desc D]
  delete-permission   -name N
  add-dependency      -permission P -depends-on Q
  remove-dependency   -permission P -depends-on Q
  grant-role          -role R -permission P
  revoke-role         -role R -permission P
  grant-user          -user U -permission P
  revoke-user         -user U -permission P
  assign-role         -user U -role R
  unassign-role       -user U -role R
  check               -user U -permission P
  effective           -user U
  explain             -user U -permission P

global flags (before the command): -actor <uuid>
`

type cli struct {
	engine *authz.Engine
	roles  *roles.Service
	out    *os.File
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "authzctl:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	globals := flag.NewFlagSet("authzctl", flag.ExitOnError)
	actorFlag := globals.String("actor", "", "acting administrator id for audit events")
	globals.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := globals.Parse(os.Args[1:]); err != nil {
		return err
	}
	args := globals.Args()
	if len(args) == 0 {
		globals.Usage()
		return errors.New("missing command")
	}
	command, args := args[0], args[1:]

	if *actorFlag != "" {
		actorID, err := uuid.Parse(*actorFlag)
		if err != nil {
			return fmt.Errorf("parse actor id: %w", err)
		}
		ctx = authz.ContextWithActor(ctx, actorID)
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		_ = redisClient.Close()
	}()

	queue, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		return err
	}
	defer func() {
		_ = queue.Close()
	}()

	rolesSvc := roles.NewService(roles.NewRepository(pool))
	engine, err := authz.NewEngine(authz.Config{
		Repository:      authz.NewPostgresRepository(pool),
		Membership:      rolesSvc,
		Audit:           jobs.AuditEnqueuer{Client: queue, Logger: logger},
		Broadcaster:     authz.NewRedisBroadcaster(redisClient, cfg.InvalidationChannel),
		Logger:          logger,
		MutationTimeout: cfg.MutationTimeout,
	})
	if err != nil {
		return err
	}
	if err := engine.Load(ctx); err != nil {
		return err
	}

	c := &cli{engine: engine, roles: rolesSvc, out: os.Stdout}
	return c.dispatch(ctx, command, args)
}

func (c *cli) dispatch(ctx context.Context, command string, args []string) error {
	switch command {
	case "list-permissions":
		return c.listPermissions()
	case "create-permission":
		return c.createPermission(ctx, args)
	case "delete-permission":
		return c.deletePermission(ctx, args)
	case "add-dependency":
		return c.dependency(ctx, args, c.engine.AddDependency)
	case "remove-dependency":
		return c.dependency(ctx, args, c.engine.RemoveDependency)
	case "grant-role":
		return c.roleGrant(ctx, args, c.engine.GrantRole)
	case "revoke-role":
		return c.roleGrant(ctx, args, c.engine.RevokeRole)
	case "grant-user":
		return c.userGrant(ctx, args, c.engine.GrantUser)
	case "revoke-user":
		return c.userGrant(ctx, args, c.engine.RevokeUser)
	case "assign-role":
		return c.membership(ctx, args, c.roles.AssignRole)
	case "unassign-role":
		return c.membership(ctx, args, c.roles.RemoveRole)
	case "check":
		return c.check(ctx, args)
	case "effective":
		return c.effective(ctx, args)
	case "explain":
		return c.explain(ctx, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func (c *cli) listPermissions() error {
	for _, perm := range c.engine.ListPermissions() {
		fmt.Fprintf(c.out, "%s\t%s\t%s\n", perm.ID, perm.Name, perm.Description)
	}
	return nil
}

func (c *cli) createPermission(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create-permission", flag.ExitOnError)
	name := fs.String("name", "", "permission name")
	desc := fs.String("desc", "", "permission description")
	if err := fs.Parse(args); err != nil {
		return err
	}
	perm, err := c.engine.CreatePermission(ctx, *name, *desc)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "created %s (%s)\n", perm.Name, perm.ID)
	return nil
}

func (c *cli) deletePermission(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete-permission", flag.ExitOnError)
	name := fs.String("name", "", "permission name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := c.engine.DeletePermission(ctx, *name); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "deleted %s\n", *name)
	return nil
}

func (c *cli) dependency(ctx context.Context, args []string, op func(context.Context, string, string) error) error {
	fs := flag.NewFlagSet("dependency", flag.ExitOnError)
	perm := fs.String("permission", "", "permission name")
	dependsOn := fs.String("depends-on", "", "required permission name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := op(ctx, *perm, *dependsOn); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "ok: %s / %s\n", *perm, *dependsOn)
	return nil
}

func (c *cli) roleGrant(ctx context.Context, args []string, op func(context.Context, uuid.UUID, string) error) error {
	fs := flag.NewFlagSet("role-grant", flag.ExitOnError)
	role := fs.String("role", "", "role name or id")
	perm := fs.String("permission", "", "permission name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	roleID, err := c.resolveRole(ctx, *role)
	if err != nil {
		return err
	}
	if err := op(ctx, roleID, *perm); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "ok: role %s / %s\n", *role, *perm)
	return nil
}

func (c *cli) userGrant(ctx context.Context, args []string, op func(context.Context, uuid.UUID, string) error) error {
	fs := flag.NewFlagSet("user-grant", flag.ExitOnError)
	user := fs.String("user", "", "user id")
	perm := fs.String("permission", "", "permission name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	userID, err := uuid.Parse(*user)
	if err != nil {
		return fmt.Errorf("parse user id: %w", err)
	}
	if err := op(ctx, userID, *perm); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "ok: user %s / %s\n", userID, *perm)
	return nil
}

func (c *cli) membership(ctx context.Context, args []string, op func(context.Context, uuid.UUID, uuid.UUID) error) error {
	fs := flag.NewFlagSet("membership", flag.ExitOnError)
	user := fs.String("user", "", "user id")
	role := fs.String("role", "", "role name or id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	userID, err := uuid.Parse(*user)
	if err != nil {
		return fmt.Errorf("parse user id: %w", err)
	}
	roleID, err := c.resolveRole(ctx, *role)
	if err != nil {
		return err
	}
	if err := op(ctx, userID, roleID); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "ok: user %s / role %s\n", userID, *role)
	return nil
}

func (c *cli) check(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	user := fs.String("user", "", "user id")
	perm := fs.String("permission", "", "permission name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	userID, err := uuid.Parse(*user)
	if err != nil {
		return fmt.Errorf("parse user id: %w", err)
	}
	held, err := c.engine.HasPermission(ctx, userID, *perm)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s %s: %v\n", userID, *perm, held)
	return nil
}

func (c *cli) effective(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("effective", flag.ExitOnError)
	user := fs.String("user", "", "user id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	userID, err := uuid.Parse(*user)
	if err != nil {
		return fmt.Errorf("parse user id: %w", err)
	}
	perms, err := c.engine.EffectivePermissions(ctx, userID)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, strings.Join(perms, "\n"))
	return nil
}

func (c *cli) explain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("explain", flag.ExitOnError)
	user := fs.String("user", "", "user id")
	perm := fs.String("permission", "", "permission name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	userID, err := uuid.Parse(*user)
	if err != nil {
		return fmt.Errorf("parse user id: %w", err)
	}
	exp, err := c.engine.Explain(ctx, userID, *perm)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "permission %s held=%v direct=%v\n", exp.Permission, exp.Held, exp.Direct)
	for _, src := range exp.Via {
		switch src.Kind {
		case authz.GrantKindRole:
			fmt.Fprintf(c.out, "  via role %s (grants %s)\n", src.RoleID, c.permissionName(src.PermissionID))
		case authz.GrantKindUser:
			fmt.Fprintf(c.out, "  via direct grant of %s\n", c.permissionName(src.PermissionID))
		}
	}
	return nil
}

func (c *cli) permissionName(id uuid.UUID) string {
	for _, perm := range c.engine.ListPermissions() {
		if perm.ID == id {
			return perm.Name
		}
	}
	return id.String()
}

func (c *cli) resolveRole(ctx context.Context, value string) (uuid.UUID, error) {
	if value == "" {
		return uuid.Nil, errors.New("role is required")
	}
	if id, err := uuid.Parse(value); err == nil {
		return id, nil
	}
	role, err := c.roles.GetRoleByName(ctx, value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve role %q: %w", value, err)
	}
	return role.ID, nil
}
