package storage_test

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kage/internal/storage"
	"github.com/ashita-ai/kage/internal/storage/storetest"
	"github.com/ashita-ai/kage/internal/testutil"
	"github.com/ashita-ai/kage/migrations"
)

// testDB holds a shared test database for all tests in this package. Nil when
// no container runtime is available.
var testDB *storage.DB

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	tc, err := testutil.StartPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage tests: postgres unavailable, integration tests skipped: %v\n", err)
		os.Exit(m.Run())
	}

	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func requireDB(t *testing.T) *storage.DB {
	t.Helper()
	if testDB == nil {
		t.Skip("postgres not available")
	}
	return testDB
}

func TestConformance(t *testing.T) {
	storetest.Run(t, requireDB(t))
}

func TestRunMigrationsIdempotent(t *testing.T) {
	db := requireDB(t)
	require.NoError(t, db.RunMigrations(context.Background(), migrations.FS))
}

func TestMigrationFiles(t *testing.T) {
	names, err := storage.MigrationFiles(migrations.FS)
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_initial.sql", names[0])
}

func TestRuleChangesNotify(t *testing.T) {
	db := requireDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, db.Listen(ctx, storage.ChannelRules))

	tool := "notify-" + time.Now().Format("150405.000000")
	_, err := db.InsertRule(ctx, storetestDoc(tool))
	require.NoError(t, err)

	for {
		channel, payload, err := db.WaitForNotification(ctx)
		require.NoError(t, err)
		if payload == tool {
			assert.Equal(t, storage.ChannelRules, channel)
			return
		}
	}
}

func TestActivateRuleConcurrent(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	tool := "race-" + time.Now().Format("150405.000000")
	versions := []string{"1.0.0", "1.1.0", "1.2.0", "1.3.0"}
	for _, v := range versions {
		d := storetestDoc(tool)
		d.Version = v
		_, err := db.InsertRule(ctx, d)
		require.NoError(t, err)
	}

	errs := make(chan error, len(versions))
	for _, v := range versions {
		go func() { errs <- db.ActivateRule(ctx, tool, v) }()
	}
	for range versions {
		if err := <-errs; err != nil {
			// The partial unique index may reject a racing activation; what
			// matters is that exactly one version ends up active.
			t.Logf("activate: %v", err)
		}
	}

	list, err := db.ListRules(ctx, tool)
	require.NoError(t, err)
	active := 0
	for _, d := range list {
		if d.Active {
			active++
		}
	}
	assert.Equal(t, 1, active)
}
