package db

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/fstest"

	"github.com/labstack/echo/v4"
)

func TestExtractTenantID(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		header string
		jwt    string
		want   string
	}{
		{"default", "", "", "", "default"},
		{"query", "clinic_xyz", "", "", "clinic_xyz"},
		{"header over query", "query_tenant", "header_tenant", "", "header_tenant"},
		{"jwt first", "query", "header", "jwt", "jwt"},
		{"empty jwt falls through", "", "header_tenant", "", "header_tenant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			target := "/"
			if tt.query != "" {
				target += "?tenant_id=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("X-Tenant-ID", tt.header)
			}
			c := e.NewContext(req, httptest.NewRecorder())
			c.Set("jwt_tenant_id", tt.jwt)
			if got := extractTenantID(c, "default"); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSchemaFor(t *testing.T) {
	for _, id := range []string{"abc", "hospital_1", "A1B2"} {
		s, err := SchemaFor(id)
		if err != nil || s != "tenant_"+id {
			t.Errorf("SchemaFor(%q) = %q, %v", id, s, err)
		}
	}
	for _, id := range []string{"a-b", "a.b", "a b", "'; DROP TABLE", "a/b", ""} {
		if _, err := SchemaFor(id); err == nil {
			t.Errorf("SchemaFor(%q) should fail", id)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if ConnFromContext(ctx) != nil {
		t.Error("expected nil conn")
	}
	if TxFromContext(ctx) != nil {
		t.Error("expected nil tx")
	}
	if TenantFromContext(ctx) != "" {
		t.Error("expected empty tenant")
	}

	ctx = context.WithValue(ctx, DBTxKey, "not-a-tx")
	if TxFromContext(ctx) != nil {
		t.Error("expected nil when context value is wrong type")
	}
	ctx = context.WithValue(ctx, TenantIDKey, "t1")
	if TenantFromContext(ctx) != "t1" {
		t.Error("expected t1")
	}
}

func TestWithTxNoConnection(t *testing.T) {
	_, _, err := WithTx(context.Background())
	if err == nil || err.Error() != "no database connection in context" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"010_later.sql":      {Data: []byte("SELECT 10;")},
		"001_assessment.sql": {Data: []byte("CREATE TABLE assessment (id UUID);")},
		"002_index.sql":      {Data: []byte("SELECT 2;")},
		"README.md":          {Data: []byte("docs")},
		"notes.sql":          {Data: []byte("SELECT 0;")},
		"xyz_bad.sql":        {Data: []byte("SELECT 0;")},
	}
	got, err := NewMigrator(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(got))
	}
	for i, want := range []int{1, 2, 10} {
		if got[i].Version != want {
			t.Errorf("migrations[%d].Version = %d, want %d", i, got[i].Version, want)
		}
	}
	if got[0].SQL != "CREATE TABLE assessment (id UUID);" {
		t.Errorf("unexpected SQL: %s", got[0].SQL)
	}
}

func TestLoadMigrationsDuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.sql":  {Data: []byte("SELECT 1;")},
		"0001_b.sql": {Data: []byte("SELECT 1;")},
	}
	if _, err := NewMigrator(nil, fsys).LoadMigrations(); err == nil {
		t.Error("expected duplicate version error")
	}
}

func TestEnsureTenantSchemaInvalidID(t *testing.T) {
	if _, err := EnsureTenantSchema(context.Background(), nil, "drop;table", fstest.MapFS{}); err == nil {
		t.Error("expected error for invalid tenant ID")
	}
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthHandler(t *testing.T) {
	e := echo.New()
	for _, tt := range []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{errors.New("connection refused"), http.StatusServiceUnavailable},
	} {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health/db", nil), rec)
		if err := HealthHandler(fakePinger{tt.err})(c); err != nil {
			t.Fatal(err)
		}
		if rec.Code != tt.want {
			t.Errorf("status = %d, want %d", rec.Code, tt.want)
		}
	}
}
