package appdb

import (
	"context"
	"database/sql"
	"testing"

	"github.com/crocodilestick/calibre-web-automated/pkg/errcodes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

func setupTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	_, err = db.Exec(`CREATE TABLE user (id INTEGER PRIMARY KEY, name TEXT, email TEXT, kindle_mail TEXT, auto_send BOOLEAN)`)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO user (id, name, email, kindle_mail, auto_send) VALUES
		(1, 'alice', 'a@example.com', 'a@kindle.com, b@kindle.com', 1),
		(2, 'bob', 'b@example.com', '', 1),
		(3, 'carol', 'c@example.com', 'c@kindle.com', 0)`)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func TestListAutoSendUsers(t *testing.T) {
	t.Parallel()
	svc := NewService(setupTestDB(t))

	users, err := svc.ListAutoSendUsers(context.Background())
	require.NoError(t, err)

	// bob has no address, carol has auto-send off.
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Name)
}

func TestRetrieveUser(t *testing.T) {
	t.Parallel()
	svc := NewService(setupTestDB(t))

	user, err := svc.RetrieveUser(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Name)
	assert.Equal(t, []string{"a@kindle.com", "b@kindle.com"}, user.DeliveryAddresses())

	_, err = svc.RetrieveUser(context.Background(), 99)
	require.Error(t, err)
	assert.ErrorIs(t, err, errcodes.NotFound("User"))
}

func TestDeliveryAddresses(t *testing.T) {
	t.Parallel()

	assert.Nil(t, (&User{}).DeliveryAddresses())
	assert.Equal(t, []string{"x@kindle.com"}, (&User{KindleMail: " x@kindle.com , "}).DeliveryAddresses())
}
