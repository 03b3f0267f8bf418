package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/mass-aquaponics/assetpipe/internal/bundleconfig"
)

func TestNew(t *testing.T) {
	plan := New()

	assert.Equal(t, Version, plan.Version)
	require.Len(t, plan.Apps, 1)
	assert.Equal(t, App{Name: "home", Entries: []string{"imports.js", "basic.js"}}, plan.Apps[0])
	require.NoError(t, plan.Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultPlanFile)
	require.NoError(t, os.WriteFile(path, []byte(`
version: "1"
apps:
  - name: home
    entries: [imports.js, basic.js]
    public_path: /static/home/
  - name: blog
`), 0600))

	plan, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"home", "blog"}, plan.Names())
	assert.Equal(t, "/static/home/", plan.Apps[0].PublicPath)
	assert.Empty(t, plan.Apps[1].Entries)
}

func TestLoad_Missing(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultPlanFile)

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Contains(t, err.Error(), "assetpipe config init")

	plan, err := LoadOrDefault(path)
	require.NoError(t, err)
	assert.Equal(t, New(), plan)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{name: "bad yaml", content: "apps: [", errMsg: "failed to parse plan file"},
		{name: "bad version", content: "version: \"2\"\n", errMsg: `unsupported plan version "2"`},
		{name: "empty name", content: "apps:\n  - entries: [a.js]\n", errMsg: "name cannot be empty"},
		{name: "nested name", content: "apps:\n  - name: a/b\n", errMsg: "single directory name"},
		{name: "duplicate", content: "apps:\n  - name: a\n  - name: a\n", errMsg: "listed more than once"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), DefaultPlanFile)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))

			_, err := LoadOrDefault(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DefaultPlanFile)
	plan := New()
	plan.Apps = append(plan.Apps, App{Name: "blog", PublicPath: "/static/blog/"})

	require.NoError(t, plan.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, plan, loaded)

	plan.Apps = append(plan.Apps, App{Name: "blog"})
	assert.Error(t, plan.Save(path))
}

func TestPlan_Configs(t *testing.T) {
	plan := &Plan{Version: Version, Apps: []App{
		{Name: "home", Entries: []string{"imports.js", "basic.js"}, PublicPath: "/static/home/"},
		{Name: "blog"},
	}}

	configs, err := plan.Configs()
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "home", configs[0].App)
	assert.Equal(t, []string{"imports", "basic"}, configs[0].Entry.Names())
	assert.Equal(t, "/static/home/", configs[0].Output.PublicPath)
	assert.Equal(t, []string{"main"}, configs[1].Entry.Names())

	configs, err = plan.Configs("blog")
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, "blog", configs[0].App)

	_, err = plan.Configs("blog", "shop")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownApp))
	assert.Contains(t, err.Error(), `"shop"`)
}

func TestPlan_Configs_DuplicateBundle(t *testing.T) {
	plan := &Plan{Version: Version, Apps: []App{
		{Name: "home", Entries: []string{"widgets/index.js", "widgets.js"}},
	}}

	_, err := plan.Configs()
	require.Error(t, err)
	assert.True(t, errors.Is(err, bundleconfig.ErrDuplicateBundle))
}

func TestAppFromConfig(t *testing.T) {
	c, err := bundleconfig.Build("shop", "cart/index.js", "checkout.js")
	require.NoError(t, err)
	c.Output.PublicPath = "/static/shop/"

	assert.Equal(t, App{
		Name:       "shop",
		Entries:    []string{"cart/index.js", "checkout.js"},
		PublicPath: "/static/shop/",
	}, AppFromConfig(c))
}

func TestKeychainStore(t *testing.T) {
	keyring.MockInit()
	store := NewKeychainStore()

	creds, err := store.Load("s3.example.com")
	require.NoError(t, err)
	assert.Nil(t, creds)

	require.NoError(t, store.Save("s3.example.com", &PublishCredentials{AccessKey: "key", SecretKey: "secret"}))

	creds, err = store.Load("s3.example.com")
	require.NoError(t, err)
	assert.Equal(t, &PublishCredentials{AccessKey: "key", SecretKey: "secret"}, creds)

	require.NoError(t, store.Delete("s3.example.com"))
	require.NoError(t, store.Delete("s3.example.com"))

	creds, err = store.Load("s3.example.com")
	require.NoError(t, err)
	assert.Nil(t, creds)

	assert.Error(t, store.Save("", &PublishCredentials{}))
}
