package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/web3tea/dvm-relay/models"
	"github.com/web3tea/dvm-relay/store"
)

// storeSuite runs the same checks against every backend.
type storeSuite struct {
	suite.Suite
	open func() store.Store
	s    store.Store
}

func (s *storeSuite) SetupTest() {
	s.s = s.open()
}

func (s *storeSuite) TearDownTest() {
	s.Require().NoError(s.s.Close())
}

func (s *storeSuite) TestRoundTripWritesEmptyList() {
	ctx := context.Background()
	state := &models.State{Sinks: []models.SinkDescriptor{
		{SinkID: "111", MessageID: "", LastContent: ""},
		{SinkID: "222", MessageID: "999", LastContent: "root@box:/# ls\n"},
	}}
	s.Require().NoError(s.s.Save(ctx, state))

	loaded, err := s.s.Load(ctx)
	s.Require().NoError(err)
	s.Equal(state, loaded)
	s.Equal([]string{"111", "222"}, loaded.SinkIDs())
}

func (s *storeSuite) TestSaveEmpty() {
	ctx := context.Background()
	s.Require().NoError(s.s.Save(ctx, &models.State{}))

	loaded, err := s.s.Load(ctx)
	s.Require().NoError(err)
	s.Empty(loaded.Sinks)
}

func (s *storeSuite) TestOverwrite() {
	ctx := context.Background()
	s.Require().NoError(s.s.Save(ctx, &models.State{Sinks: []models.SinkDescriptor{{SinkID: "a"}}}))
	s.Require().NoError(s.s.Save(ctx, &models.State{Sinks: []models.SinkDescriptor{{SinkID: "b"}}}))

	loaded, err := s.s.Load(ctx)
	s.Require().NoError(err)
	s.Equal([]string{"b"}, loaded.SinkIDs())
}

func TestFileStoreSuite(t *testing.T) {
	dir := t.TempDir()
	n := 0
	suite.Run(t, &storeSuite{open: func() store.Store {
		n++
		return store.NewFileStore(filepath.Join(dir, "run", string(rune('a'+n)), "config.json"))
	}})
}

func TestPostgresStoreSuite(t *testing.T) {
	dsn := os.Getenv("DVM_RELAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DVM_RELAY_TEST_POSTGRES_DSN not set")
	}
	n := 0
	suite.Run(t, &storeSuite{open: func() store.Store {
		n++
		s, err := store.NewPostgresStore(context.Background(), dsn, "dvm_relay_state_test", "suite-"+string(rune('a'+n)))
		require.NoError(t, err)
		return s
	}})
}

func TestFileStoreMissingIsRecoverable(t *testing.T) {
	s := store.NewFileStore(filepath.Join(t.TempDir(), "config.json"))
	_, err := s.Load(context.Background())
	require.ErrorIs(t, err, store.ErrNotFound)
	require.True(t, store.IsRecoverable(err))
}

func TestFileStoreCorruptIsRecoverable(t *testing.T) {
	cases := map[string]string{
		"not json":  "{channelIds: [",
		"truncated": `{"channelIds":[{"channelId":"1"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

			_, err := store.NewFileStore(path).Load(context.Background())
			require.ErrorIs(t, err, store.ErrCorrupt)
			require.True(t, store.IsRecoverable(err))
		})
	}
}

func TestFileStoreSkipsBadEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"channelIds":[
		{"channelId":"1","messageId":"m1"},
		{"messageId":"orphan"},
		{"channelId":"2"},
		{"channelId":"1","messageId":"m9"}
	]}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	state, err := store.NewFileStore(path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, []models.SinkDescriptor{{SinkID: "1", MessageID: "m1"}, {SinkID: "2"}}, state.Sinks)
}

func TestFileStoreReadsLegacyLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	legacy := `{"channelIds":[{"messageId":"","lastContent":"","channelId":"1234567890"}]}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	state, err := store.NewFileStore(path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, []models.SinkDescriptor{{SinkID: "1234567890"}}, state.Sinks)
}

func TestFileStoreWritesLegacyLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s := store.NewFileStore(path)
	require.NoError(t, s.Save(context.Background(), &models.State{Sinks: []models.SinkDescriptor{{SinkID: "42"}}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.JSONEq(t, `{"channelIds":[{"channelId":"42","messageId":"","lastContent":""}]}`, string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp file left behind")
}
