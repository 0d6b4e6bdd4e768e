package main

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appmigrations "github.com/wolfman30/telehealth-scheduling/migrations"
)

type fakeMigrator struct {
	upErr   error
	steps   []int
	forced  int
	version uint
	dirty   bool
	verErr  error
}

func (f *fakeMigrator) Up() error { return f.upErr }

func (f *fakeMigrator) Steps(n int) error {
	f.steps = append(f.steps, n)
	return nil
}

func (f *fakeMigrator) Force(v int) error {
	f.forced = v
	return nil
}

func (f *fakeMigrator) Version() (uint, bool, error) { return f.version, f.dirty, f.verErr }

func TestRunUp(t *testing.T) {
	msg, err := run(&fakeMigrator{upErr: migrate.ErrNoChange}, nil)
	require.NoError(t, err)
	assert.Equal(t, "migrations complete", msg)

	_, err = run(&fakeMigrator{upErr: errors.New("boom")}, []string{"up"})
	assert.ErrorContains(t, err, "boom")
}

func TestRunDown(t *testing.T) {
	m := &fakeMigrator{}
	_, err := run(m, []string{"down"})
	require.NoError(t, err)
	_, err = run(m, []string{"down", "2"})
	require.NoError(t, err)
	assert.Equal(t, []int{-1, -2}, m.steps)

	_, err = run(m, []string{"down", "zero"})
	assert.Error(t, err)
}

func TestRunForceAndVersion(t *testing.T) {
	m := &fakeMigrator{version: 3, dirty: true}
	_, err := run(m, []string{"force", "2"})
	require.NoError(t, err)
	assert.Equal(t, 2, m.forced)

	_, err = run(m, []string{"force"})
	assert.Error(t, err)

	msg, err := run(m, []string{"version"})
	require.NoError(t, err)
	assert.Equal(t, "version 3 (dirty=true)", msg)

	msg, err = run(&fakeMigrator{verErr: migrate.ErrNilVersion}, []string{"version"})
	require.NoError(t, err)
	assert.Equal(t, "no migrations applied", msg)

	_, err = run(m, []string{"sideways"})
	assert.Error(t, err)
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(appmigrations.FS, "*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(appmigrations.FS, "*.down.sql")
	require.NoError(t, err)
	assert.Len(t, ups, 3)
	assert.Equal(t, len(ups), len(downs))
}
