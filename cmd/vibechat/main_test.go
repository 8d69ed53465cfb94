package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"vibechat/internal/chat"
	"vibechat/internal/store"
)

func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root, err := newRootCmd()
	require.NoError(t, err)
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--data-dir", dir, "--log-level", "error"}, args...))
	err = root.Execute()
	return out.String(), err
}

func seed(t *testing.T, dir string) string {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(filepath.Join(dir, "chat.sqlite"))
	require.NoError(t, err)
	defer st.Close()

	conv, err := st.Create(ctx, "", store.Meta{})
	require.NoError(t, err)
	_, err = st.SaveSnapshot(ctx, conv.ID, []chat.Message{{
		ID:        "m1",
		Role:      chat.RoleUser,
		CreatedAt: 1_700_000_000_000,
		Parts:     []chat.Part{chat.TextPart{Text: "pack the tent"}},
	}}, store.Meta{})
	require.NoError(t, err)
	return conv.ID
}

func TestListAndShow(t *testing.T) {
	dir := t.TempDir()
	id := seed(t, dir)

	out, err := run(t, dir, "list")
	require.NoError(t, err)
	require.Contains(t, out, id)
	require.Contains(t, out, "pack the tent")

	out, err = run(t, dir, "list", "--search", "nothing-here")
	require.NoError(t, err)
	require.Contains(t, out, "no conversations")

	out, err = run(t, dir, "show", id)
	require.NoError(t, err)
	require.Contains(t, out, "## You")
	require.Contains(t, out, "pack the tent")

	_, err = run(t, dir, "show", "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestExportImportRemove(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir)
	exportDir := filepath.Join(dir, "out")

	_, err := run(t, dir, "export")
	require.Error(t, err)

	out, err := run(t, dir, "export", "--all", "--export-dir", exportDir)
	require.NoError(t, err)
	path := strings.TrimSpace(out)
	require.True(t, strings.HasPrefix(path, exportDir), path)

	out, err = run(t, dir, "import", path)
	require.NoError(t, err)
	require.Contains(t, out, "pack the tent")

	require.Len(t, listStored(t, dir), 2)

	_, err = run(t, dir, "rm", "missing")
	require.ErrorContains(t, err, "not found: missing")

	_, err = run(t, dir, "rm", "--all")
	require.NoError(t, err)
	out, err = run(t, dir, "list")
	require.NoError(t, err)
	require.Contains(t, out, "no conversations")
}

func listStored(t *testing.T, dir string) []store.Conversation {
	t.Helper()
	st, err := store.Open(filepath.Join(dir, "chat.sqlite"))
	require.NoError(t, err)
	defer st.Close()
	convs, err := st.List(context.Background())
	require.NoError(t, err)
	return convs
}

func TestRootCommandBindsFlags(t *testing.T) {
	root, err := newRootCmd()
	require.NoError(t, err)
	for _, name := range []string{"data-dir", "db-path", "log-level", "debounce"} {
		require.NotNil(t, root.PersistentFlags().Lookup(name), name)
	}
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	require.Subset(t, names, []string{"list", "show", "export", "import", "rm"})
}
