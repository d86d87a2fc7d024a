package storage

import (
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fystack/logfilter/pkg/common/types"
)

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestGetMapsMissingKey(t *testing.T) {
	db := openTestDB(t)

	err := db.View(func(txn *badger.Txn) error {
		_, err := Get(txn, []byte("missing"))
		return err
	})
	assert.ErrorIs(t, err, types.ErrKeyNotFound)
}

func TestSetAnyGetAnyRoundtrip(t *testing.T) {
	db := openTestDB(t)
	key := []byte("k")
	in := payload{Name: "x", Count: 3}

	for _, codec := range []Codec{JSON, Gob} {
		require.NoError(t, db.Update(func(txn *badger.Txn) error {
			return SetAny(txn, codec, key, &in)
		}))

		var out payload
		err := db.View(func(txn *badger.Txn) error {
			ok, err := GetAny(txn, codec, key, &out)
			require.True(t, ok)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestGetAnyMissingKeyReportsFalse(t *testing.T) {
	db := openTestDB(t)

	var out payload
	err := db.View(func(txn *badger.Txn) error {
		ok, err := GetAny(txn, JSON, []byte("missing"), &out)
		assert.False(t, ok)
		return err
	})
	assert.NoError(t, err)
}

func TestOpenPersists(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		return SetAny(txn, JSON, []byte("k"), &payload{Name: "kept"})
	}))
	require.NoError(t, db.Close())

	db, err = Open(dir)
	require.NoError(t, err)
	defer db.Close()

	var out payload
	require.NoError(t, db.View(func(txn *badger.Txn) error {
		ok, err := GetAny(txn, JSON, []byte("k"), &out)
		require.True(t, ok)
		return err
	}))
	assert.Equal(t, "kept", out.Name)
}
