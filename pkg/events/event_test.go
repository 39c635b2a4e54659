package events

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvent_Validate_LogMessageTruncatesOversizedMessage(t *testing.T) {
	ev := NewLogMessage(LogInfo, strings.Repeat("x", logMessageMaxLen+500))
	require.NoError(t, ev.Validate())
	require.True(t, ev.Truncated)
	require.True(t, strings.HasSuffix(ev.Message, "..."))
	require.Equal(t, logMessageMaxLen+len("..."), len(ev.Message))
}

func TestEvent_Validate_LogMessageRejectsInvalidLevel(t *testing.T) {
	ev := Event{Kind: KindLogMessage, Level: "NOISY", Message: "hi"}
	require.Error(t, ev.Validate())
}

func TestEvent_Validate_PhaseUpdateRequiresPhaseIDAndValidStatus(t *testing.T) {
	ev := Event{Kind: KindPhaseUpdate, Status: PhaseActive}
	require.Error(t, ev.Validate())

	ev = Event{Kind: KindPhaseUpdate, PhaseID: "cache", Status: "bogus"}
	require.Error(t, ev.Validate())

	ev = Event{Kind: KindPhaseUpdate, PhaseID: "cache", Status: PhaseActive}
	require.NoError(t, ev.Validate())
}

func TestEvent_Validate_ProgressUpdateComputesPercentageAndRejectsOverrun(t *testing.T) {
	ev := Event{Kind: KindProgressUpdate, ProcessedCount: IntPtr(5), TotalCount: IntPtr(10)}
	require.NoError(t, ev.Validate())
	require.InDelta(t, 50.0, ev.Percentage, 0.001)

	overrun := Event{Kind: KindProgressUpdate, ProcessedCount: IntPtr(11), TotalCount: IntPtr(10)}
	require.Error(t, overrun.Validate())
}

func TestEvent_Validate_TaskStatusRequiresFields(t *testing.T) {
	ev := Event{Kind: KindTaskStatus}
	require.Error(t, ev.Validate())

	ev = Event{Kind: KindTaskStatus, TaskID: "t1", TaskStatus: "running"}
	require.NoError(t, ev.Validate())
}
