package events

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBusPreservesEmissionOrder(t *testing.T) {
	bus := NewBus(16)
	bus.Emit(LevelInfo, "first")
	bus.Emit(LevelWarn, "second")
	bus.EmitStatus("third")
	bus.Close()

	var got []Entry
	for entry := range bus.Events() {
		got = append(got, entry)
	}
	require.Len(t, got, 3)
	require.Equal(t, "first", got[0].Message)
	require.Equal(t, "second", got[1].Message)
	require.Equal(t, KindStatus, got[2].Kind)
}

func TestBusDropsOldestWhenFull(t *testing.T) {
	bus := NewBus(2)
	bus.Emit(LevelInfo, "1")
	bus.Emit(LevelInfo, "2")
	bus.Emit(LevelInfo, "3")
	bus.Close()

	var got []string
	for entry := range bus.Events() {
		got = append(got, entry.Message)
	}
	require.Equal(t, []string{"2", "3"}, got)
}

func TestEmitAfterCloseIsNoop(t *testing.T) {
	bus := NewBus(2)
	bus.Close()
	bus.Emit(LevelInfo, "late")
}

func TestFormatText(t *testing.T) {
	entries := []Entry{
		{Time: time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC), Level: LevelSuccess, Message: "booked"},
		{Time: time.Date(2024, 1, 1, 9, 30, 1, 0, time.UTC), Message: "no level"},
	}
	text := FormatText(entries)
	require.Contains(t, text, "[09:30:00] [SUCCESS] booked")
	require.Contains(t, text, "[INFO] no level")
	require.True(t, strings.HasPrefix(text, "quickdoctor logs export"))
}
