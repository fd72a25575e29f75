package idmap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string, mode os.FileMode) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), mode))
	return p
}

func TestResolveByName(t *testing.T) {
	dir := t.TempDir()
	r := &Resolver{
		SubUIDFile: writeFile(t, dir, "subuid", "# comment\n\nother:10000:65536\nalice:100000:65536\nalice:200000:10\n", 0644),
		SubGIDFile: writeFile(t, dir, "subgid", "alice:300000:1000 # trailing\n", 0644),
		LookupName: func(uid int) (string, error) { return "alice", nil },
	}

	m, err := r.Resolve(1000, 1001)
	require.NoError(t, err)
	assert.False(t, m.Keep)
	assert.Equal(t, 1000, m.UID)
	assert.Equal(t, 1001, m.GID)
	assert.Equal(t, Range{Start: 100000, Count: 65536}, m.SubUID)
	assert.Equal(t, Range{Start: 300000, Count: 1000}, m.SubGID)
}

func TestResolveByUID(t *testing.T) {
	dir := t.TempDir()
	r := &Resolver{
		SubUIDFile: writeFile(t, dir, "subuid", "1000:100000:65536\n", 0644),
		SubGIDFile: writeFile(t, dir, "subgid", "1000:100000:65536\n", 0644),
		LookupName: func(uid int) (string, error) { return "bob", nil },
	}

	m, err := r.Resolve(1000, 1000)
	require.NoError(t, err)
	assert.Equal(t, Range{Start: 100000, Count: 65536}, m.SubUID)
}

func TestResolveNoRange(t *testing.T) {
	dir := t.TempDir()
	r := &Resolver{
		SubUIDFile: writeFile(t, dir, "subuid", "alice:100000:65536\n", 0644),
		SubGIDFile: writeFile(t, dir, "subgid", "alice:100000:65536\n", 0644),
		LookupName: func(uid int) (string, error) { return "bob", nil },
	}

	_, err := r.Resolve(1001, 1001)
	assert.ErrorIs(t, err, ErrNoRange)
}

func TestResolveNamePrefixDoesNotMatch(t *testing.T) {
	dir := t.TempDir()
	r := &Resolver{
		SubUIDFile: writeFile(t, dir, "subuid", "alice2:100000:65536\n", 0644),
		SubGIDFile: writeFile(t, dir, "subgid", "alice2:100000:65536\n", 0644),
		LookupName: func(uid int) (string, error) { return "alice", nil },
	}

	_, err := r.Resolve(1000, 1000)
	assert.ErrorIs(t, err, ErrNoRange)
}

func TestResolveMalformed(t *testing.T) {
	dir := t.TempDir()
	r := &Resolver{
		SubUIDFile: writeFile(t, dir, "subuid", "alice:abc:65536\n", 0644),
		SubGIDFile: writeFile(t, dir, "subgid", "alice:100000:65536\n", 0644),
		LookupName: func(uid int) (string, error) { return "alice", nil },
	}

	_, err := r.Resolve(1000, 1000)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoRange)
}

func TestResolveRootKeepsMapping(t *testing.T) {
	r := &Resolver{SubUIDFile: "/nonexistent", SubGIDFile: "/nonexistent"}

	m, err := r.Resolve(0, 0)
	require.NoError(t, err)
	assert.True(t, m.Keep)
}

func TestParseProcMap(t *testing.T) {
	entries, err := ParseProcMap(strings.NewReader("         0       1000          1\n         1     100000      65536\n"))
	require.NoError(t, err)
	assert.Equal(t, []Entry{{0, 1000, 1}, {1, 100000, 65536}}, entries)

	_, err = ParseProcMap(strings.NewReader("0 1000\n"))
	assert.Error(t, err)

	_, err = ParseProcMap(strings.NewReader(""))
	assert.Error(t, err)
}

// 复制出来的映射表重新解析后得到相同的三元组，偏移从 0 开始连续
func TestRebaseRoundTrip(t *testing.T) {
	tables := [][]Entry{
		{{0, 0, 4294967295}},
		{{0, 1000, 1}, {1, 100000, 65536}},
		{{0, 1000, 1}, {1, 100000, 65536}, {65537, 300000, 10}},
	}

	for _, self := range tables {
		rebased := Rebase(self)
		parsed, err := ParseProcMap(strings.NewReader(string(Format(rebased))))
		require.NoError(t, err)
		assert.Equal(t, rebased, parsed)

		var offset uint32
		for i, e := range parsed {
			assert.Equal(t, offset, e.NsID)
			assert.Equal(t, self[i].NsID, e.HostID)
			assert.Equal(t, self[i].Length, e.Length)
			offset += e.Length
		}
	}
}

func TestReadProcMapSelf(t *testing.T) {
	entries, err := ReadProcMap("/proc/self/uid_map")
	if err != nil {
		t.Skipf("uid_map not available: %v", err)
	}
	assert.NotEmpty(t, entries)
}

func TestWriterArgs(t *testing.T) {
	args := WriterArgs(4242, 1000, Range{Start: 100000, Count: 65536})
	assert.Equal(t, []string{"4242", "0", "1000", "1", "1", "100000", "65536"}, args)
}

func TestWriteUserGroupMappings(t *testing.T) {
	dir := t.TempDir()
	log := filepath.Join(dir, "calls")
	script := fmt.Sprintf("#!/bin/sh\necho \"$0 $*\" >> %s\n", log)
	w := &Writer{
		NewUIDMap: writeFile(t, dir, "newuidmap", script, 0755),
		NewGIDMap: writeFile(t, dir, "newgidmap", script, 0755),
	}
	m := &Mapping{UID: 1000, GID: 1001, SubUID: Range{100000, 65536}, SubGID: Range{200000, 1000}}

	require.NoError(t, w.WriteUserGroupMappings(m, 77))

	out, err := os.ReadFile(log)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, w.NewUIDMap+" 77 0 1000 1 1 100000 65536", lines[0])
	assert.Equal(t, w.NewGIDMap+" 77 0 1001 1 1 200000 1000", lines[1])
}

func TestWriteUserGroupMappingsFailure(t *testing.T) {
	dir := t.TempDir()
	w := &Writer{
		NewUIDMap: writeFile(t, dir, "newuidmap", "#!/bin/sh\necho 'newuidmap: write to uid_map failed' >&2\nexit 1\n", 0755),
		NewGIDMap: writeFile(t, dir, "newgidmap", "#!/bin/sh\nexit 0\n", 0755),
	}

	err := w.WriteUserGroupMappings(&Mapping{UID: 1000, GID: 1000}, 77)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write to uid_map failed")
}
