package procmaps_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/piotrbartman/sandboxed-api/pkg/procmaps"
)

const mapsFixture = `00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/dbus-daemon
00651000-00652000 r--p 00051000 08:02 173521 /usr/bin/dbus-daemon
00652000-00655000 rw-p 00052000 08:02 173521 /usr/bin/dbus-daemon
00e03000-00e24000 rw-p 00000000 00:00 0 [heap]
7f1c08000000-7f1c08021000 rw-p 00000000 00:00 0
7f1c0c758000-7f1c0c91b000 r-xp 00000000 08:02 135522 /usr/lib/libc-2.31.so (deleted)
7ffc04b10000-7ffc04b31000 rw-p 00000000 00:00 0 [stack]
ffffffffff600000-ffffffffff601000 --xp 00000000 00:00 0 [vsyscall]
`

func TestParse(t *testing.T) {
	tab, err := procmaps.Parse(strings.NewReader(mapsFixture))
	require.NoError(t, err)
	require.Equal(t, 0, tab.Skipped())

	ms := tab.Mappings()
	require.Len(t, ms, 8)

	text := ms[0]
	require.Equal(t, uint64(0x400000), text.Start)
	require.Equal(t, uint64(0x452000), text.End)
	require.True(t, text.Perms.Read())
	require.False(t, text.Perms.Write())
	require.True(t, text.Perms.Exec())
	require.True(t, text.Perms.Private())
	require.Equal(t, uint64(0), text.Offset)
	require.Equal(t, "08:02", text.Dev)
	require.Equal(t, uint64(173521), text.Inode)
	require.Equal(t, "/usr/bin/dbus-daemon", text.Path)
	require.True(t, text.FileBacked())

	require.Equal(t, uint64(0x51000), ms[1].Offset)

	heap := ms[3]
	require.Equal(t, "[heap]", heap.Path)
	require.False(t, heap.FileBacked())

	anon := ms[4]
	require.Equal(t, "", anon.Path)
	require.False(t, anon.FileBacked())

	deleted := ms[5]
	require.Equal(t, "/usr/lib/libc-2.31.so (deleted)", deleted.Path)
	require.True(t, deleted.FileBacked())

	vsyscall := ms[7]
	require.False(t, vsyscall.Perms.Read())
	require.True(t, vsyscall.Perms.Exec())
	require.Equal(t, "[vsyscall]", vsyscall.Path)
}

func TestParseMalformed(t *testing.T) {
	for _, tc := range []struct {
		name string
		line string
	}{
		{"garbage", "garbage"},
		{"bad range separator", "00400000+00452000 r-xp 00000000 08:02 1 /x"},
		{"bad start", "0040z000-00452000 r-xp 00000000 08:02 1 /x"},
		{"bad end", "00400000-0045200z r-xp 00000000 08:02 1 /x"},
		{"inverted range", "00452000-00400000 r-xp 00000000 08:02 1 /x"},
		{"bad perms letter", "00400000-00452000 q-xp 00000000 08:02 1 /x"},
		{"perms too short", "00400000-00452000 r-x 00000000 08:02 1 /x"},
		{"bad offset", "00400000-00452000 r-xp 000z0000 08:02 1 /x"},
		{"bad inode", "00400000-00452000 r-xp 00000000 08:02 abc /x"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tab, err := procmaps.Parse(strings.NewReader(tc.line + "\n"))
			require.NoError(t, err)
			require.Len(t, tab.Mappings(), 0)
			require.Equal(t, 1, tab.Skipped())
		})
	}
}

func TestParseSkipsAndKeepsGoing(t *testing.T) {
	in := `00400000-00452000 r-xp 00000000 08:02 1 /a
not a mapping at all
00500000-00600000 r-xp 00000000 08:02 1 /b
`
	tab, err := procmaps.Parse(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, tab.Mappings(), 2)
	require.Equal(t, 1, tab.Skipped())
}

func TestParseRejectsOverlap(t *testing.T) {
	in := `00400000-00500000 r-xp 00000000 08:02 1 /a
00450000-00600000 r-xp 00000000 08:02 1 /b
00500000-00700000 r-xp 00000000 08:02 1 /c
`
	tab, err := procmaps.Parse(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, tab.Mappings(), 2)
	require.Equal(t, 1, tab.Skipped())
	require.Equal(t, "/a", tab.Mappings()[0].Path)
	require.Equal(t, "/c", tab.Mappings()[1].Path)
}

func TestFind(t *testing.T) {
	tab, err := procmaps.Parse(strings.NewReader(mapsFixture))
	require.NoError(t, err)

	for _, tc := range []struct {
		addr uint64
		path string
		ok   bool
	}{
		{0x400000, "/usr/bin/dbus-daemon", true},
		{0x451fff, "/usr/bin/dbus-daemon", true},
		{0x452000, "", false}, // end is exclusive, next gap
		{0x500000, "", false},
		{0x651000, "/usr/bin/dbus-daemon", true},
		{0x7f1c08000800, "", true}, // anonymous
		{0xffffffffff600fff, "[vsyscall]", true},
		{0xffffffffffffffff, "", false},
		{0, "", false},
	} {
		m, ok := tab.Find(tc.addr)
		require.Equal(t, tc.ok, ok, "addr %#x", tc.addr)
		if ok {
			require.Equal(t, tc.path, m.Path, "addr %#x", tc.addr)
			require.True(t, m.Contains(tc.addr))
		}
	}
}

func TestNew(t *testing.T) {
	tab := procmaps.New([]procmaps.Mapping{
		{Start: 0x3000, End: 0x4000, Path: "/c"},
		{Start: 0x1000, End: 0x2000, Path: "/a"},
		{Start: 0x1800, End: 0x2800, Path: "/b"}, // overlaps /a once sorted
	})
	require.Len(t, tab.Mappings(), 2)
	require.Equal(t, 1, tab.Skipped())
	require.Equal(t, "/a", tab.Mappings()[0].Path)
	require.Equal(t, "/c", tab.Mappings()[1].Path)

	m, ok := tab.Find(0x3abc)
	require.True(t, ok)
	require.Equal(t, "/c", m.Path)
}

func TestExecutableMappings(t *testing.T) {
	tab, err := procmaps.Parse(strings.NewReader(mapsFixture))
	require.NoError(t, err)
	ex := tab.ExecutableMappings()
	require.Len(t, ex, 2)
	require.Equal(t, "/usr/bin/dbus-daemon", ex[0].Path)
	require.Equal(t, "/usr/lib/libc-2.31.so (deleted)", ex[1].Path)
}

func TestPermsString(t *testing.T) {
	require.Equal(t, "rw-s", (procmaps.PermRead | procmaps.PermWrite).String())
	require.Equal(t, "r-xp", (procmaps.PermRead | procmaps.PermExec | procmaps.PermPrivate).String())
	require.Equal(t, "---s", procmaps.Perms(0).String())
}
