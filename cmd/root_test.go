package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{
		"crawl", "check-url", "health", "conflicts", "assertions", "review",
		"discover", "discoveries", "runs", "migrate", "migrate-legacy", "serve",
	}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "coverage-watch", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
}

func TestCrawlCommand_Flags(t *testing.T) {
	for _, name := range []string{"source", "catalog", "list"} {
		assert.NotNil(t, crawlCmd.Flags().Lookup(name), "crawl should have --%s flag", name)
	}
}

func TestCheckURLCommand_Flags(t *testing.T) {
	src := checkURLCmd.Flags().Lookup("source")
	require.NotNil(t, src)
	assert.Equal(t, "adhoc", src.DefValue)

	pt := checkURLCmd.Flags().Lookup("page-type")
	require.NotNil(t, pt)
	assert.Equal(t, "page", pt.DefValue)

	assert.NotNil(t, checkURLCmd.Flags().Lookup("render"))
	assert.NotNil(t, checkURLCmd.Flags().Lookup("fallback"))
	assert.Error(t, checkURLCmd.Args(checkURLCmd, nil))
}

func TestHealthCommand_Flags(t *testing.T) {
	flag := healthCmd.Flags().Lookup("threshold")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
}

func TestReviewCommand_RequiredFlags(t *testing.T) {
	for _, name := range []string{"status", "reviewer"} {
		flag := reviewCmd.Flags().Lookup(name)
		require.NotNil(t, flag, "review should have --%s flag", name)
		assert.Equal(t, []string{"true"}, flag.Annotations["cobra_annotation_bash_completion_one_required_flag"])
	}
	assert.Error(t, reviewCmd.Args(reviewCmd, []string{}))
	assert.NoError(t, reviewCmd.Args(reviewCmd, []string{"abc"}))
}

func TestDiscoveriesCommand_Flags(t *testing.T) {
	status := discoveriesCmd.Flags().Lookup("status")
	require.NotNil(t, status)
	assert.Equal(t, "pending", status.DefValue)

	limit := discoveriesCmd.Flags().Lookup("limit")
	require.NotNil(t, limit)
	assert.Equal(t, "50", limit.DefValue)

	names := make(map[string]bool)
	for _, c := range discoveriesCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["review"])
}

func TestDiscoverCommand_Flags(t *testing.T) {
	assert.NotNil(t, discoverCmd.Flags().Lookup("collector"))
}

func TestRunsCommand_Flags(t *testing.T) {
	flag := runsCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "20", flag.DefValue)
	assert.NotNil(t, runsCmd.Flags().Lookup("json"))
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestMigrateLegacyCommand_Args(t *testing.T) {
	assert.Error(t, migrateLegacyCmd.Args(migrateLegacyCmd, nil))
	assert.NoError(t, migrateLegacyCmd.Args(migrateLegacyCmd, []string{"hashes.json"}))
}
