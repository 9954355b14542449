package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testRecord(name string) *Record {
	tx := common.HexToHash("0xabcdef")
	factory := common.HexToAddress("0x914d7Fec6aaC8cd542e72Bca78B30650d45643d7")
	return &Record{
		ContractName:     name,
		Address:          common.HexToAddress("0x2dd68b007B46fBe91B9A7c3EDa5A7a1063cB5b47"),
		Deployer:         common.HexToAddress("0x627306090abaB3A6e1400e9345bC60c78a8BEf57"),
		TransactionHash:  &tx,
		ABI:              json.RawMessage(`[]`),
		Args:             []string{"1209600"},
		Bytecode:         []byte{0x60, 0x01},
		DeployedBytecode: []byte{0x01},
		Factory:          &factory,
		Salt:             &common.Hash{},
		DeployedAt:       time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFileStore_SaveGet(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(t.TempDir())

	rec := testRecord("SocialRecoveryModule")
	require.NoError(t, s.Save(ctx, "sepolia", 11155111, rec))

	got, err := s.Get(ctx, "sepolia", "SocialRecoveryModule")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	chainID, err := s.ChainID("sepolia")
	require.NoError(t, err)
	assert.Equal(t, uint64(11155111), chainID)

	_, err = os.Stat(filepath.Join(s.Root(), "sepolia", "SocialRecoveryModule.json"))
	assert.NoError(t, err)
}

func TestFileStore_GetMissing(t *testing.T) {
	_, err := NewFileStore(t.TempDir()).Get(context.Background(), "sepolia", "Nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFileStore_ChainMismatch(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(t.TempDir())

	require.NoError(t, s.Save(ctx, "localhost", 31337, testRecord("A")))
	err := s.Save(ctx, "localhost", 1337, testRecord("B"))
	assert.True(t, errors.Is(err, ErrChainMismatch))
}

func TestFileStore_List(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(t.TempDir())

	records, err := s.List(ctx, "sepolia")
	require.NoError(t, err)
	assert.Empty(t, records)

	for _, name := range []string{"FCLP256Verifier", "DaimoP256Verifier", "SafeModuleSetup"} {
		require.NoError(t, s.Save(ctx, "sepolia", 11155111, testRecord(name)))
	}

	records, err = s.List(ctx, "sepolia")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "DaimoP256Verifier", records[0].ContractName)
	assert.Equal(t, "FCLP256Verifier", records[1].ContractName)
	assert.Equal(t, "SafeModuleSetup", records[2].ContractName)
}

func TestFileStore_SaveReplaces(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(t.TempDir())

	rec := testRecord("SafeModuleSetup")
	require.NoError(t, s.Save(ctx, "sepolia", 11155111, rec))
	rec.Args = []string{}
	require.NoError(t, s.Save(ctx, "sepolia", 11155111, rec))

	got, err := s.Get(ctx, "sepolia", "SafeModuleSetup")
	require.NoError(t, err)
	assert.Empty(t, got.Args)
}

// MockQuerier mocks the pool methods used by Postgres.
type MockQuerier struct {
	mock.Mock
}

func (m *MockQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	called := m.Called(ctx, sql, args)
	return pgconn.NewCommandTag("INSERT 0 1"), called.Error(0)
}

func (m *MockQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	called := m.Called(ctx, sql, args)
	return nil, called.Error(0)
}

func (m *MockQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	called := m.Called(ctx, sql, args)
	return called.Get(0).(pgx.Row)
}

type stubRow struct {
	raw []byte
	err error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*[]byte)) = r.raw
	return nil
}

func TestPostgres_Get(t *testing.T) {
	ctx := context.Background()
	rec := testRecord("FCLP256Verifier")
	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	q := new(MockQuerier)
	q.On("QueryRow", ctx, mock.Anything, []any{"sepolia", "FCLP256Verifier"}).Return(stubRow{raw: raw})
	q.On("QueryRow", ctx, mock.Anything, []any{"sepolia", "Missing"}).Return(stubRow{err: pgx.ErrNoRows})

	p := NewPostgres(q)

	got, err := p.Get(ctx, "sepolia", "FCLP256Verifier")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, err = p.Get(ctx, "sepolia", "Missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	q.AssertExpectations(t)
}

func TestPostgres_Save(t *testing.T) {
	ctx := context.Background()
	rec := testRecord("SafeModuleSetup")

	q := new(MockQuerier)
	q.On("Exec", ctx, mock.Anything, mock.MatchedBy(func(args []any) bool {
		return len(args) == 7 &&
			args[0] == "sepolia" &&
			args[1] == int64(11155111) &&
			args[2] == "SafeModuleSetup" &&
			args[3] == rec.Address.Hex() &&
			*(args[4].(*string)) == rec.TransactionHash.Hex()
	})).Return(nil).Once()

	require.NoError(t, NewPostgres(q).Save(ctx, "sepolia", 11155111, rec))
	q.AssertExpectations(t)
}

func TestPostgres_SaveError(t *testing.T) {
	ctx := context.Background()

	q := new(MockQuerier)
	q.On("Exec", ctx, mock.Anything, mock.Anything).Return(errors.New("connection reset"))

	err := NewPostgres(q).Save(ctx, "sepolia", 11155111, testRecord("SafeModuleSetup"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save SafeModuleSetup")
}

func TestMigrateURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"postgres://u:p@localhost:5432/safedeploy", "pgx5://u:p@localhost:5432/safedeploy"},
		{"postgresql://localhost/safedeploy?sslmode=disable", "pgx5://localhost/safedeploy?sslmode=disable"},
		{"pgx5://localhost/safedeploy", "pgx5://localhost/safedeploy"},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, migrateURL(tc.in))
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestPostgres_Integration(t *testing.T) {
	url := os.Getenv("SAFEDEPLOY_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("SAFEDEPLOY_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	require.NoError(t, MigrateUp(url))
	pool, err := OpenPostgres(ctx, url)
	require.NoError(t, err)
	defer pool.Close()

	p := NewPostgres(pool)
	rec := testRecord("SocialRecoveryModule")
	require.NoError(t, p.Save(ctx, "it-network", 1, rec))

	got, err := p.Get(ctx, "it-network", "SocialRecoveryModule")
	require.NoError(t, err)
	assert.Equal(t, rec.Address, got.Address)

	records, err := p.List(ctx, "it-network")
	require.NoError(t, err)
	assert.Len(t, records, 1)

	require.NoError(t, MigrateDown(url))
}
