package packages

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pluginHeader = `<?php
/*
Plugin Name: My Plugin
Plugin URI: https://example.com/my-plugin
Description: Does plugin things.
Version: 1.4.2
Author: Ada
Requires PHP: 7.4
*/
`

const themeHeader = `/*
Theme Name: My Theme
Theme URI: https://example.com/my-theme
Author: Ada
Description: Does theme things.
Version: 2.0.1
*/
body { margin: 0; }
`

func TestParseArchive_Plugin(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "my-plugin.zip")
	buildZip(t, archive, map[string]string{
		"my-plugin/my-plugin.php":   pluginHeader,
		"my-plugin/inc/helpers.php": "<?php // no header here\n",
	})

	meta, err := ParseArchive(archive, "my-plugin")
	require.NoError(t, err)

	assert.Equal(t, TypePlugin, meta.Type)
	assert.Equal(t, "My Plugin", meta.Name)
	assert.Equal(t, "1.4.2", meta.Version)
	assert.Equal(t, "https://example.com/my-plugin", meta.Homepage)
	assert.Equal(t, "Ada", meta.Author)
	assert.Equal(t, "7.4", meta.RequiresPHP)
	assert.Equal(t, "my-plugin/my-plugin.php", meta.MainFile)
}

func TestParseArchive_Theme(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "my-theme.zip")
	buildZip(t, archive, map[string]string{
		"my-theme/style.css":   themeHeader,
		"my-theme/functions.php": "<?php // themes keep php too, style.css wins\n",
	})

	meta, err := ParseArchive(archive, "my-theme")
	require.NoError(t, err)

	assert.Equal(t, TypeTheme, meta.Type)
	assert.Equal(t, "My Theme", meta.Name)
	assert.Equal(t, "2.0.1", meta.Version)
}

func TestParseArchive_Generic(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "my-tool.zip")
	buildZip(t, archive, map[string]string{
		"my-tool/updatepulse.json": `{"name": "My Tool", "version": "0.3.0", "homepage": "https://example.com"}`,
		"my-tool/bin/run.sh":       "#!/bin/sh\n",
	})

	meta, err := ParseArchive(archive, "my-tool")
	require.NoError(t, err)

	assert.Equal(t, TypeGeneric, meta.Type)
	assert.Equal(t, "My Tool", meta.Name)
	assert.Equal(t, "0.3.0", meta.Version)
}

func TestParseArchive_GenericNameDefaultsToSlug(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "my-tool.zip")
	buildZip(t, archive, map[string]string{
		"my-tool/updatepulse.json": `{"version": "1.0.0"}`,
	})

	meta, err := ParseArchive(archive, "my-tool")
	require.NoError(t, err)
	assert.Equal(t, "my-tool", meta.Name)
}

func TestParseArchive_NothingRecognizable(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "mystery.zip")
	buildZip(t, archive, map[string]string{
		"mystery/data.bin": "binary soup",
	})

	_, err := ParseArchive(archive, "mystery")
	assert.ErrorIs(t, err, ErrStructure)
}

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders([]byte(pluginHeader))
	assert.Equal(t, "My Plugin", headers["Plugin Name"])
	assert.Equal(t, "1.4.2", headers["Version"])

	// First occurrence wins on duplicate keys.
	dup := ParseHeaders([]byte("Version: 1.0\nVersion: 2.0\n"))
	assert.Equal(t, "1.0", dup["Version"])
}
