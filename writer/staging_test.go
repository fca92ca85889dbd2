package writer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlflow/models"
)

func TestBuildCSVRendersHeaderAndRows(t *testing.T) {
	text, err := BuildCSV(models.MergedHeader(), mergedRecords(
		sampleMerged("2024-04-29", 100),
		sampleMerged("2024-04-30", 200),
	))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(text), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "date,volume_usd,open_interest_usd,as_of_utc", lines[0])
	assert.Equal(t, "2024-04-29,100.000000,50.000000,2024-05-01T08:09:10Z", lines[1])
}

func TestWriteStagingCSVCreatesDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "staging", "hyperliquid_perps_daily.csv")
	text, err := WriteStagingCSV(path, models.MergedHeader(), mergedRecords(sampleMerged("2024-04-30", 1000)))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, text, string(data))
	assert.Contains(t, string(data), "2024-04-30,1000.000000")
}
