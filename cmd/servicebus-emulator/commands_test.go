package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/maxpert/servicebus-go/broker"
	"github.com/maxpert/servicebus-go/config"
	"github.com/maxpert/servicebus-go/model"
	"github.com/maxpert/servicebus-go/storage"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func openBroker(t *testing.T, backend, dir string) *broker.Broker {
	t.Helper()
	cfg := config.NewConfigBuilder().WithPersistence(backend, dir).WithPersistenceRequired(true).BuildUnsafe()
	b, err := broker.New(context.Background(), cfg, broker.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return b
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "servicebus-emulator version "+version)
}

func TestGenerateConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emulator.yaml")

	out, err := execute(t, "generate-config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Generated default configuration")

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Broker, cfg.Broker)
}

func TestGenerateConfigRequiresPath(t *testing.T) {
	_, err := execute(t, "generate-config")
	assert.Error(t, err)
}

func TestOfflineCommandsNeedDurableBackend(t *testing.T) {
	_, err := execute(t, "compact", "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persistence backend is required")

	_, err = execute(t, "compact", "--backend", storage.BackendMemory, "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory backend")
}

func TestExportImportAcrossBackends(t *testing.T) {
	ctx := context.Background()
	srcDir := filepath.Join(t.TempDir(), "src")
	dstDir := filepath.Join(t.TempDir(), "dst")
	exportPath := filepath.Join(t.TempDir(), "state.json")

	src := openBroker(t, storage.BackendFile, srcDir)
	_, err := src.CreateQueue(ctx, "orders", model.EntityConfig{})
	require.NoError(t, err)
	for _, body := range []string{"one", "two"} {
		_, err := src.Send(ctx, "orders", &model.Message{Body: []byte(body), Properties: map[string]any{"kind": body}})
		require.NoError(t, err)
	}
	require.NoError(t, src.Close(ctx))

	out, err := execute(t, "export", "--backend", storage.BackendFile, "--data-dir", srcDir, "--log-level", "error", "--out", exportPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 1 entities")

	out, err = execute(t, "import", "--backend", storage.BackendPebble, "--data-dir", dstDir, "--log-level", "error", "--in", exportPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 1 entities")

	dst := openBroker(t, storage.BackendPebble, dstDir)
	t.Cleanup(func() { _ = dst.Close(ctx) })

	msgs, err := dst.Peek(ctx, "orders", 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("one"), msgs[0].Body)
	assert.Equal(t, "two", msgs[1].Properties["kind"])

	seq, err := dst.Send(ctx, "orders", &model.Message{Body: []byte("three")})
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
}

func TestCompactCommand(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b := openBroker(t, storage.BackendBadger, dir)
	_, err := b.CreateQueue(ctx, "orders", model.EntityConfig{})
	require.NoError(t, err)
	require.NoError(t, b.Close(ctx))

	out, err := execute(t, "compact", "--backend", storage.BackendBadger, "--data-dir", dir, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "Compacted badger backend")

	b = openBroker(t, storage.BackendBadger, dir)
	t.Cleanup(func() { _ = b.Close(ctx) })
	_, err = b.GetEntityProperties(ctx, "orders")
	assert.NoError(t, err)
}

func TestImportMissingFile(t *testing.T) {
	_, err := execute(t, "import", "--backend", storage.BackendFile, "--data-dir", t.TempDir(), "--in", filepath.Join(t.TempDir(), "missing.cbor"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read snapshot file")
}
