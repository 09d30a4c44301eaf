package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"pairfinder/testsupport"

	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigInitAndShow(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")

	out, err := runCLI(t, "config", "init", "--path", target)
	require.NoError(t, err)
	require.Contains(t, out, "Wrote sample configuration")

	_, err = runCLI(t, "config", "init", "--path", target)
	require.ErrorContains(t, err, "already exists")

	out, err = runCLI(t, "--config", target, "config", "show")
	require.NoError(t, err)
	require.Contains(t, out, "[matching]")
	require.Contains(t, out, "phash")
}

func TestPairExportAndReport(t *testing.T) {
	hqDir, lqDir, outDir := t.TempDir(), t.TempDir(), t.TempDir()
	testsupport.WriteScene(t, hqDir, "a.png", 1, 800, 600, 1)
	testsupport.WriteScene(t, hqDir, "b.png", 2, 400, 300, 1)
	testsupport.WriteScene(t, lqDir, "a_lq.png", 1, 800, 600, 4)
	dbPath := filepath.Join(t.TempDir(), "pairs.db")

	out, err := runCLI(t, "--database", dbPath, "--config", filepath.Join(t.TempDir(), "none.toml"),
		"pair", "--hq", hqDir, "--lq", lqDir, "--out", outDir, "--workers", "2")
	require.NoError(t, err)
	require.Contains(t, out, "1 pairs, 1 hq orphans, 0 lq orphans")
	require.Contains(t, out, "Exported 1 pairs")

	_, err = os.Stat(filepath.Join(outDir, "lq", "a.png"))
	require.NoError(t, err)

	out, err = runCLI(t, "report", "--manifest", filepath.Join(outDir, "manifest.json"), "--pairs")
	require.NoError(t, err)
	require.Contains(t, out, "paired_exact")
	require.Contains(t, out, "a_lq.png")

	out, err = runCLI(t, "--database", dbPath, "--config", filepath.Join(t.TempDir(), "none.toml"), "history")
	require.NoError(t, err)
	require.Contains(t, out, "1 pairs, 1/0 orphans")
}

func TestScanAndSearchLogSummaries(t *testing.T) {
	photos := t.TempDir()
	testsupport.WriteScene(t, photos, "a.png", 1, 400, 300, 1)
	testsupport.WriteScene(t, photos, "b.png", 2, 400, 300, 1)
	query := testsupport.WriteScene(t, t.TempDir(), "a_lq.png", 1, 400, 300, 2)
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	logPath := filepath.Join(t.TempDir(), "run.log")
	noConfig := filepath.Join(t.TempDir(), "none.toml")

	out, err := runCLI(t, "--database", dbPath, "--config", noConfig, "--logfile", logPath,
		"scan", "--folder", photos, "--workers", "2")
	require.NoError(t, err)
	require.Contains(t, out, "Total images cached: 2")

	out, err = runCLI(t, "--database", dbPath, "--config", noConfig, "--logfile", logPath,
		"search", "--image", query)
	require.NoError(t, err)
	require.Contains(t, out, "a.png")

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "scanned "+photos+": 2 images, 0 cached, 0 failed")
	require.Contains(t, string(data), "searched "+query+": ")
}

func TestPairRequiresDirectories(t *testing.T) {
	_, err := runCLI(t, "pair", "--hq", t.TempDir())
	require.Error(t, err)
}
