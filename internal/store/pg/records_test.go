package pg

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"gatekeep.dev/internal/audit"
	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/provider"
)

var profileColumns = []string{"id", "user_id", "email", "full_name", "avatar_url", "role", "tier", "organization_id", "settings", "created_at", "updated_at"}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestReadProfile(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("select id::text as id, user_id::text as user_id, email")).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(profileColumns).
			AddRow("p-1", "user-1", "ada@example.com", "Ada", nil, "admin", "pro", "org-1", `{"theme":"dark"}`, created, created))

	rec, err := store.ReadRecord(context.Background(), provider.TableProfiles, provider.Eq("user_id", "user-1"))
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	p := provider.ProfileFromRecord(rec)
	if p.Role != auth.RoleAdmin || p.Tier != auth.TierPro || p.OrganizationID != "org-1" {
		t.Fatalf("unexpected profile %+v", p)
	}
	if p.AvatarURL != "" || p.Settings["theme"] != "dark" || !p.CreatedAt.Equal(created) {
		t.Fatalf("unexpected decoding %+v", p)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReadRecordNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select .* from organizations where id = \\$1 limit 1").
		WithArgs("org-404").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "slug", "tier", "settings", "created_at", "updated_at"}))

	_, err := store.ReadRecord(context.Background(), provider.TableOrganizations, provider.Eq("id", "org-404"))
	if !errors.Is(err, provider.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAllowlist(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	cases := []struct {
		name string
		run  func() error
		want error
	}{
		{"unknown table", func() error {
			_, err := store.ReadRecord(ctx, "users; drop table profiles", provider.Eq("id", "1"))
			return err
		}, ErrUnknownTable},
		{"unknown filter column", func() error {
			_, err := store.ReadRecord(ctx, provider.TableProfiles, provider.Eq("password", "x"))
			return err
		}, ErrUnknownColumn},
		{"unknown write column", func() error {
			_, err := store.UpdateRecord(ctx, provider.TableProfiles, provider.Eq("user_id", "u"), provider.Record{"is_superuser": true})
			return err
		}, ErrUnknownColumn},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.run(); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no query expected: %v", err)
	}
}

func TestUpdateProfile(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	update := provider.ProfileUpdateRecord(auth.ProfileUpdate{FullName: "Ada L", Email: "ada@example.com"}, now)

	mock.ExpectQuery(regexp.QuoteMeta("update profiles set avatar_url = $1, email = $2, full_name = $3, updated_at = $4 where user_id = $5 returning")).
		WithArgs(nil, "ada@example.com", "Ada L", now, "user-1").
		WillReturnRows(sqlmock.NewRows(profileColumns).
			AddRow("p-1", "user-1", "ada@example.com", "Ada L", nil, "member", "free", nil, "{}", now, now))

	rec, err := store.UpdateRecord(context.Background(), provider.TableProfiles, provider.Eq("user_id", "user-1"), update)
	if err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}
	if got := provider.ProfileFromRecord(rec); got.FullName != "Ada L" || got.OrganizationID != "" {
		t.Fatalf("unexpected profile %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsertProfileConflict(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("insert into profiles (email, full_name, organization_id, role, tier, user_id) values ($1, $2, $3, $4, $5, $6)")).
		WithArgs("ada@example.com", "Ada", nil, "member", "free", "user-1").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "profiles_user_id_key"})

	_, err := store.InsertRecord(context.Background(), provider.TableProfiles, provider.NewProfileRecord("user-1", "ada@example.com", "Ada", ""))
	if !errors.Is(err, provider.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordActivity(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("insert into activity_logs (action, created_at, metadata, resource_type, user_id) values ($1, $2, $3::jsonb, $4, $5)")).
		WithArgs("auth.sign_in", at, `{"request_id":"req-1","result":"success"}`, "auth", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "action", "resource_type", "resource_id", "metadata", "created_at"}).
			AddRow("a-1", "user-1", "auth.sign_in", "auth", nil, `{"result":"success"}`, at))

	err := store.RecordActivity(context.Background(), audit.Entry{
		Event:     "auth.sign_in",
		UserID:    "user-1",
		RequestID: "req-1",
		Fields:    map[string]any{"result": "success"},
		At:        at,
	})
	if err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}
	if err := store.RecordActivity(context.Background(), audit.Entry{Event: "auth.sign_in"}); err != nil {
		t.Fatalf("anonymous entry should be skipped, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
