package infra

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutostartManager_SystemScript(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{}
	path := filepath.Join(dir, "service.d", "appreaper.sh")
	m := NewAutostartManagerWithPath(ExecModeSystem, path, "/data/adb/appreaper/logs", runner.run)
	ctx := context.Background()

	assert.False(t, m.IsInstalled())
	assert.False(t, m.NeedsUpdate("/data/adb/appreaper/bin/appreaper", nil))

	args := []string{"--preset=wechat", "--target=music=player it's"}
	require.NoError(t, m.Install(ctx, "/data/adb/appreaper/bin/appreaper", args))
	assert.True(t, m.IsInstalled())
	assert.Empty(t, runner.calls, "magisk scripts need no activation")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	script := string(data)
	assert.Contains(t, script, "#!/system/bin/sh")
	assert.Contains(t, script, "sys.boot_completed")
	assert.Contains(t, script, `exec /data/adb/appreaper/bin/appreaper start --preset=wechat '--target=music=player it'\''s'`)
	assert.Contains(t, script, ">> /data/adb/appreaper/logs/autostart.log 2>&1")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	assert.False(t, m.NeedsUpdate("/data/adb/appreaper/bin/appreaper", args))
	assert.True(t, m.NeedsUpdate("/data/adb/appreaper/bin/appreaper", nil))

	require.NoError(t, m.Uninstall(ctx))
	assert.False(t, m.IsInstalled())
	assert.NoError(t, m.Uninstall(ctx), "uninstalling twice is not an error")
}

func TestAutostartManager_UserUnit(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{}
	path := filepath.Join(dir, "systemd", "user", "appreaper.service")
	m := NewAutostartManagerWithPath(ExecModeUser, path, dir, runner.run)
	ctx := context.Background()

	require.NoError(t, m.Install(ctx, "/usr/local/bin/appreaper", []string{"--preset=qq"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ExecStart=/usr/local/bin/appreaper run --preset=qq")
	assert.Contains(t, string(data), "WantedBy=default.target")
	assert.Equal(t, []string{"systemctl --user", "systemctl --user"}, runner.calls)

	require.NoError(t, m.Uninstall(ctx))
	assert.Len(t, runner.calls, 3)
	assert.False(t, m.IsInstalled())
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"--preset=wechat,qq", "--preset=wechat,qq"},
		{"has space", "'has space'"},
		{"it's", `'it'\''s'`},
		{"glob:*", "'glob:*'"},
		{"", "''"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, shellQuote(tt.in), tt.in)
	}
}
