package executor

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnq-momentum-trader/internal/model"
)

func TestJournalAppendsAcrossReopen(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := "logs/paper_trades.log"
	at := time.Date(2026, 3, 2, 15, 5, 0, 0, time.UTC)

	j, err := OpenJournal(fs, path)
	require.NoError(t, err)
	require.NoError(t, j.Append(model.PaperTrade{ID: "a", Event: model.PaperEventEntry, Time: at, Direction: model.SideBuy, Mode: model.PaperModeLabel}))
	require.NoError(t, j.Append(model.PaperTrade{ID: "a", Event: model.PaperEventExit, Time: at, Direction: model.SideBuy, Exit: 20590, PnL: 45, Reason: "TARGET"}))
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())
	assert.Error(t, j.Append(model.PaperTrade{ID: "late"}))

	j, err = OpenJournal(fs, path)
	require.NoError(t, err)
	require.NoError(t, j.Append(model.PaperTrade{ID: "b", Event: model.PaperEventEntry, Direction: model.SideSell}))
	require.NoError(t, j.Close())

	trades, err := ReadJournal(fs, path)
	require.NoError(t, err)
	require.Len(t, trades, 3)
	assert.Equal(t, "a", trades[0].ID)
	assert.True(t, at.Equal(trades[0].Time))
	assert.Equal(t, model.PaperEventExit, trades[1].Event)
	assert.Equal(t, 45.0, trades[1].PnL)
	assert.Equal(t, model.SideSell, trades[2].Direction)
}

func TestReadJournalRejectsGarbage(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "paper_trades.log", []byte("{\"id\":\"a\"}\nnot json\n"), 0o644))

	_, err := ReadJournal(fs, "paper_trades.log")
	assert.ErrorContains(t, err, "line 2")
}
