package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockStore wraps a sqlmock driver in a Store. Queries use $N
// placeholders, so the sqlx handle is registered under the pgx bind type.
func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	return New(sqlx.NewDb(mockDB, "pgx")), mock
}

func int64p(v int64) *int64 {
	return &v
}

func TestJSONMapRoundTrip(t *testing.T) {
	m := JSONMap{"force": true, "grace_period": float64(0)}

	val, err := m.Value()
	require.NoError(t, err)

	var out JSONMap
	require.NoError(t, out.Scan(val))
	assert.Equal(t, m, out)
}

func TestJSONMapNilValue(t *testing.T) {
	var m JSONMap
	val, err := m.Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("{}"), val)
}

func TestJSONMapScanNull(t *testing.T) {
	var m JSONMap
	require.NoError(t, m.Scan(nil))
	assert.NotNil(t, m)
	assert.Empty(t, m)
}

func TestOpenRequiresURL(t *testing.T) {
	_, err := Open(context.Background(), "")
	require.Error(t, err)
}
