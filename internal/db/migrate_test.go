package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrations_Ordered(t *testing.T) {
	migrations, err := Migrations().FindMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	assert.Equal(t, "001_schema.sql", migrations[0].Id)
	assert.Equal(t, "002_patient_email_unique.sql", migrations[1].Id)
	for _, m := range migrations {
		assert.NotEmpty(t, m.Up, m.Id)
	}
	assert.NotEmpty(t, migrations[1].Down)
}

func TestEmbeddedSchema(t *testing.T) {
	migrations, err := Migrations().FindMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	schema := strings.Join(migrations[0].Up, "\n")
	for _, table := range []string{
		"practitioners", "patients", "weekly_schedule_entries", "schedule_exceptions",
		"appointments", "practitioner_notifications", "outbox_events",
	} {
		assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
	assert.Contains(t, schema, "appointments_confirmation_code_key")
	assert.Contains(t, schema, "EXCLUDE USING gist")
}

func TestPatientEmailUnique(t *testing.T) {
	migrations, err := Migrations().FindMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	up := strings.Join(migrations[1].Up, "\n")
	assert.Contains(t, up, "CREATE UNIQUE INDEX IF NOT EXISTS patients_email_key ON patients (lower(email)) WHERE email IS NOT NULL")
}
