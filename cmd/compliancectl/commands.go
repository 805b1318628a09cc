package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/spf13/cobra"

	"github.com/and161185/careshield/internal/crypto"
	"github.com/and161185/careshield/internal/crypto/fieldcrypt"
	"github.com/and161185/careshield/internal/identity"
	"github.com/and161185/careshield/internal/migrate"
	grpcserver "github.com/and161185/careshield/internal/server/grpc"
)

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			_, err := fmt.Fprintf(a.out, "compliancectl %s (%s)\n", version, buildDate)
			return err
		},
	}
}

// ---- token ----

func newTokenCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue and inspect bearer tokens",
	}

	var (
		signKey, userID, tenantID, role, sessionID string
		ttl                                        time.Duration
		save                                       bool
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a token for a user of a tenant (requires the server signing key)",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if signKey == "" {
				return fmt.Errorf("missing signing key (--jwt-key or CARESHIELD_JWT_KEY)")
			}
			if sessionID == "" {
				sessionID = uuid.Must(uuid.NewV4()).String()
			}
			tok, exp, err := identity.IssueToken([]byte(signKey), sessionID, userID, tenantID, role, ttl)
			if err != nil {
				return err
			}
			if save {
				if err := saveToken(tok, exp); err != nil {
					return err
				}
				_, err = fmt.Fprintf(a.out, "saved, expires %s\n", exp.UTC().Format(time.RFC3339))
				return err
			}
			_, err = fmt.Fprintln(a.out, tok)
			return err
		},
	}
	f := issue.Flags()
	f.StringVar(&signKey, "jwt-key", os.Getenv("CARESHIELD_JWT_KEY"), "HS256 signing key")
	f.StringVar(&userID, "user", "", "user id (subject)")
	f.StringVar(&tenantID, "tenant", "", "tenant id")
	f.StringVar(&role, "role", "", "role name")
	f.StringVar(&sessionID, "session", "", "session id (random when empty)")
	f.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	f.BoolVar(&save, "save", false, "store the token for later commands")
	_ = issue.MarkFlagRequired("user")
	_ = issue.MarkFlagRequired("tenant")
	_ = issue.MarkFlagRequired("role")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the expiry of the saved token",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			tok, err := loadToken()
			if err != nil {
				return err
			}
			exp, _ := tokenExpiry(tok)
			_, err = fmt.Fprintf(a.out, "expires %s\n", exp.UTC().Format(time.RFC3339))
			return err
		},
	}

	cmd.AddCommand(issue, show)
	return cmd
}

func newKeygenCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a base64 field encryption master key",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			key, err := crypto.RandBytes(fieldcrypt.MasterKeyLen)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.out, base64.StdEncoding.EncodeToString(key))
			return err
		},
	}
}

func newMigrateCommand(a *app) *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("CARESHIELD_DB_DSN"), "PostgreSQL DSN")

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dsn == "" {
				return fmt.Errorf("missing --dsn")
			}
			if err := migrate.Up(cmd.Context(), dsn); err != nil {
				return err
			}
			_, err := fmt.Fprintln(a.out, "ok")
			return err
		},
	}
	ver := &cobra.Command{
		Use:   "version",
		Short: "Print the schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dsn == "" {
				return fmt.Errorf("missing --dsn")
			}
			v, err := migrate.Version(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.out, v)
			return err
		},
	}
	cmd.AddCommand(up, ver)
	return cmd
}

// ---- audit ----

func newAuditCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read, export and clean up audit trails",
	}

	var logs grpcserver.AuditLogsRequest
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "List user-action audit records of a tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, "GetAuditLogs", logs)
		},
	}
	f := logsCmd.Flags()
	f.StringVar(&logs.TargetTenantID, "tenant", "", "tenant id")
	f.StringVar(&logs.UserID, "user", "", "only records of this user")
	f.StringVar(&logs.FacilityID, "facility", "", "only records of this facility")
	f.IntVar(&logs.Limit, "limit", 0, "page size")
	f.IntVar(&logs.Offset, "offset", 0, "page offset")
	logsCmd.MarkFlagsMutuallyExclusive("user", "facility")
	_ = logsCmd.MarkFlagRequired("tenant")

	var (
		search   grpcserver.SearchAuditLogsRequest
		from, to string
	)
	searchCmd := &cobra.Command{
		Use:   "search",
		Short: "Search user-action audit records by action text and time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := search
			var err error
			if req.From, err = parseOptionalTime(from); err != nil {
				return err
			}
			if req.To, err = parseOptionalTime(to); err != nil {
				return err
			}
			return a.call(cmd, "SearchAuditLogs", req)
		},
	}
	f = searchCmd.Flags()
	f.StringVar(&search.TargetTenantID, "tenant", "", "tenant id")
	f.StringVar(&search.Search, "query", "", "action substring")
	f.StringVar(&from, "from", "", "start time (RFC3339 or YYYY-MM-DD)")
	f.StringVar(&to, "to", "", "end time (RFC3339 or YYYY-MM-DD)")
	f.IntVar(&search.Limit, "limit", 0, "page size")
	f.IntVar(&search.Offset, "offset", 0, "page offset")
	_ = searchCmd.MarkFlagRequired("tenant")

	var (
		export     grpcserver.ExportRequest
		start, end string
		out        string
	)
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export row-level audit records of the caller's tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := export
			var err error
			if req.Start, err = parseTime(start); err != nil {
				return err
			}
			if req.End, err = parseTime(end); err != nil {
				return err
			}
			var resp grpcserver.ExportResponse
			if err := a.invoke(cmd, "ExportAuditLogs", req, &resp); err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err := a.out.Write(resp.Data)
				return err
			}
			if err := os.WriteFile(out, resp.Data, 0o600); err != nil {
				return err
			}
			return a.printJSON(map[string]any{
				"rows":       resp.Rows,
				"format":     resp.Format,
				"file":       out,
				"archiveKey": resp.ArchiveKey,
			})
		},
	}
	f = exportCmd.Flags()
	f.StringVar(&start, "start", "", "range start (RFC3339 or YYYY-MM-DD)")
	f.StringVar(&end, "end", "", "range end (RFC3339 or YYYY-MM-DD)")
	f.StringVar(&export.TableName, "table", "", "only changes of this table")
	f.StringVar(&export.Format, "format", "json", "json or csv")
	f.BoolVar(&export.Archive, "archive", false, "also store a compressed copy in the archive bucket")
	f.StringVarP(&out, "out", "o", "", "output file (stdout when empty)")
	_ = exportCmd.MarkFlagRequired("start")
	_ = exportCmd.MarkFlagRequired("end")

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete audit records past the retention period (OWNER only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, "CleanupAuditLogs", nil)
		},
	}

	cmd.AddCommand(logsCmd, searchCmd, exportCmd, cleanupCmd)
	return cmd
}

// ---- password resets ----

func newPasswordCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Password reset audit and temporary passwords",
	}

	var (
		rec    grpcserver.PasswordResetRequest
		failed bool
	)
	recordCmd := &cobra.Command{
		Use:   "record",
		Short: "Record a password reset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := rec
			req.Success = !failed
			return a.call(cmd, "RecordPasswordReset", req)
		},
	}
	f := recordCmd.Flags()
	f.StringVar(&rec.TargetUserID, "user", "", "user whose password was reset")
	f.StringVar(&rec.Method, "method", "SELF_SERVICE", "SELF_SERVICE or ADMINISTRATIVE")
	f.BoolVar(&failed, "failed", false, "the reset failed")
	f.StringVar(&rec.ErrorMessage, "error", "", "failure reason")
	_ = recordCmd.MarkFlagRequired("user")

	var (
		issue grpcserver.TempPasswordRequest
		ttl   time.Duration
	)
	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a one-time temporary password for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := issue
			req.TTLSeconds = int64(ttl / time.Second)
			return a.call(cmd, "IssueTempPassword", req)
		},
	}
	f = issueCmd.Flags()
	f.StringVar(&issue.TargetUserID, "user", "", "user id")
	f.DurationVar(&ttl, "ttl", 0, "validity (server default when zero)")
	_ = issueCmd.MarkFlagRequired("user")

	var consume grpcserver.TempPasswordRequest
	consumeCmd := &cobra.Command{
		Use:   "consume",
		Short: "Redeem a temporary password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, "ConsumeTempPassword", consume)
		},
	}
	f = consumeCmd.Flags()
	f.StringVar(&consume.TargetUserID, "user", "", "user id")
	f.StringVar(&consume.Token, "temp", "", "temporary password")
	_ = consumeCmd.MarkFlagRequired("user")
	_ = consumeCmd.MarkFlagRequired("temp")

	var hist grpcserver.ResetHistoryRequest
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List password resets of a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, "GetPasswordResetHistory", hist)
		},
	}
	f = historyCmd.Flags()
	f.StringVar(&hist.TargetUserID, "user", "", "user id")
	f.IntVar(&hist.Limit, "limit", 0, "max records")
	_ = historyCmd.MarkFlagRequired("user")

	cmd.AddCommand(recordCmd, issueCmd, consumeCmd, historyCmd)
	return cmd
}

// ---- roles ----

func newRolesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Manage tenant roles",
	}

	byName := func(use, short, method string) *cobra.Command {
		return &cobra.Command{
			Use:   use + " NAME",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.call(cmd, method, grpcserver.RoleRequest{Name: args[0]})
			},
		}
	}

	var tenantID string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List system and custom roles of a tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, "ListRoles", grpcserver.RoleRequest{TenantID: tenantID})
		},
	}
	listCmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id (the caller's when empty)")

	create := roleEditCommand(a, "create", "Create a custom role", "CreateRole")
	update := roleEditCommand(a, "update", "Change a custom role", "UpdateRole")

	assignment := func(use, short, method string) *cobra.Command {
		var userID string
		c := &cobra.Command{
			Use:   use + " NAME",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.call(cmd, method, grpcserver.RoleRequest{Name: args[0], UserID: userID})
			},
		}
		c.Flags().StringVar(&userID, "user", "", "user id")
		_ = c.MarkFlagRequired("user")
		return c
	}

	permsCmd := &cobra.Command{
		Use:   "perms",
		Short: "Print the caller's effective permissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, "GetEffectivePermissions", nil)
		},
	}

	cmd.AddCommand(
		listCmd,
		byName("get", "Show a custom role", "GetRole"),
		create,
		update,
		byName("delete", "Deactivate a custom role", "DeleteRole"),
		assignment("assign", "Assign a role to a user", "AssignRole"),
		assignment("remove", "Remove a role from a user", "RemoveRole"),
		permsCmd,
	)
	return cmd
}

// roleEditCommand sends only the attributes whose flags were given.
func roleEditCommand(a *app, use, short, method string) *cobra.Command {
	var (
		display, description string
		perms                []string
	)
	c := &cobra.Command{
		Use:   use + " NAME",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := grpcserver.RoleRequest{Name: args[0]}
			if cmd.Flags().Changed("display") {
				req.DisplayName = &display
			}
			if cmd.Flags().Changed("description") {
				req.Description = &description
			}
			if cmd.Flags().Changed("perm") {
				req.Permissions = perms
			}
			return a.call(cmd, method, req)
		},
	}
	c.Flags().StringVar(&display, "display", "", "display name")
	c.Flags().StringVar(&description, "description", "", "description")
	c.Flags().StringSliceVar(&perms, "perm", nil, "permission (repeatable, resource:action)")
	return c
}

// ---- placements ----

func newPlacementsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "placements",
		Short: "Manage encrypted placement records",
	}

	byID := func(use, short, method string) *cobra.Command {
		return &cobra.Command{
			Use:   use + " ID",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.call(cmd, method, grpcserver.PlacementRef{ID: args[0]})
			},
		}
	}
	fromFile := func(use, short, method string) *cobra.Command {
		var file string
		c := &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				b, err := a.readAll(file)
				if err != nil {
					return err
				}
				var body map[string]any
				if err := json.Unmarshal(b, &body); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
				return a.call(cmd, method, body)
			},
		}
		c.Flags().StringVarP(&file, "file", "f", "-", "JSON record (- for stdin)")
		return c
	}

	var clientID string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List placement records of a client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, "ListPlacements", grpcserver.PlacementRef{ClientID: clientID})
		},
	}
	listCmd.Flags().StringVar(&clientID, "client", "", "client id")
	_ = listCmd.MarkFlagRequired("client")

	cmd.AddCommand(
		byID("get", "Show a decrypted placement record", "GetPlacement"),
		listCmd,
		fromFile("create", "Create a placement record", "CreatePlacement"),
		fromFile("update", "Replace a placement record", "UpdatePlacement"),
		byID("delete", "Delete a placement record", "DeletePlacement"),
	)
	return cmd
}

// ---- utils ----

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad time %q: want RFC3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

func parseOptionalTime(s string) (*time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	t, err := parseTime(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
