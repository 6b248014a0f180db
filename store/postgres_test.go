package store

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"bacteria-ingest/bacteria"
	"bacteria-ingest/ingest"
)

// openIntegration connects to BACTERIA_PG_DSN_INTEGRATION in a throwaway schema.
func openIntegration(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("BACTERIA_PG_DSN_INTEGRATION")
	if dsn == "" {
		t.Skip("BACTERIA_PG_DSN_INTEGRATION not set")
	}
	ctx := context.Background()
	schema := fmt.Sprintf("bacteria_it_%d", time.Now().UnixNano())
	p, err := OpenPostgres(ctx, PostgresOptions{DSN: dsn, Schema: schema})
	require.NoError(t, err)
	require.NoError(t, p.EnsureSchema(ctx))
	t.Cleanup(func() {
		_, _ = p.pool.Exec(context.Background(), fmt.Sprintf(`DROP SCHEMA IF EXISTS "%s" CASCADE`, schema))
		p.Close()
	})
	return p
}

func TestPostgresPolicies(t *testing.T) {
	p := openIntegration(t)
	ctx := context.Background()

	first := rec("X001", "A")
	first.Genus = bacteria.Some("Bacillus")
	first.Habitat = bacteria.Null[string]()
	first.OptimalTemperature = bacteria.Some(37.0)
	require.NoError(t, p.Apply(ctx, []bacteria.Record{first}, bacteria.PolicyUpdate))

	require.NoError(t, p.Apply(ctx, []bacteria.Record{rec("X001", "B")}, bacteria.PolicySkip))
	row, ok, err := p.Get(ctx, "X001")
	require.NoError(t, err)
	require.True(t, ok)
	name, _ := row.Name.Get()
	require.Equal(t, "A", name)
	temp, _ := row.OptimalTemperature.Get()
	require.Equal(t, 37.0, temp)
	require.True(t, row.Habitat.IsSet())
	require.False(t, row.Habitat.Valid())

	require.NoError(t, p.Apply(ctx, []bacteria.Record{rec("X001", "B")}, bacteria.PolicyUpdate))
	row, _, err = p.Get(ctx, "X001")
	require.NoError(t, err)
	name, _ = row.Name.Get()
	genus, _ := row.Genus.Get()
	require.Equal(t, "B", name)
	require.Equal(t, "Bacillus", genus)

	require.NoError(t, p.Apply(ctx, []bacteria.Record{rec("X001", "C")}, bacteria.PolicyForce))
	forced, _, err := p.Get(ctx, "X001")
	require.NoError(t, err)
	require.NotEqual(t, row.ID, forced.ID)
	require.False(t, forced.Genus.Valid())
}

func TestPostgresApplyRollsBack(t *testing.T) {
	p := openIntegration(t)
	ctx := context.Background()

	tooLong := rec("X002", "B")
	tooLong.GramStain = bacteria.Some(strings.Repeat("x", 200))
	err := p.Apply(ctx, []bacteria.Record{rec("X001", "A"), tooLong}, bacteria.PolicyUpdate)
	require.Error(t, err)

	_, ok, err := p.Get(ctx, "X001")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPostgresRunRowAndStats(t *testing.T) {
	p := openIntegration(t)
	ctx := context.Background()

	sum := &ingest.RunSummary{ID: uuid.New(), StartTime: time.Now().UTC(), Delay: 2 * time.Second}
	require.NoError(t, p.StartRun(ctx, sum))
	sum.TotalDiscovered, sum.SuccessfulCount, sum.FailedCount = 5, 4, 1
	require.NoError(t, p.UpdateRun(ctx, sum))
	end := time.Now().UTC()
	msg := "interrupted by user"
	sum.EndTime, sum.ErrorMessage = &end, &msg
	require.NoError(t, p.FinishRun(ctx, sum))

	var total, ok, failed int
	var em *string
	q := fmt.Sprintf(`SELECT total_urls, successful_scrapes, failed_scrapes, error_message FROM "%s".scrape_logs WHERE run_id=$1`, p.schema)
	require.NoError(t, p.pool.QueryRow(ctx, q, sum.ID).Scan(&total, &ok, &failed, &em))
	require.Equal(t, []int{5, 4, 1}, []int{total, ok, failed})
	require.NotNil(t, em)
	require.Equal(t, msg, *em)

	a := rec("A", "a")
	a.IsPathogen = bacteria.Some(true)
	a.GramStain = bacteria.Some("Positive")
	require.NoError(t, p.Apply(ctx, []bacteria.Record{a, rec("B", "b")}, bacteria.PolicyUpdate))
	s, err := p.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Total: 2, Pathogenic: 1, NonPathogenic: 1, GramPositive: 1}, s)
}
