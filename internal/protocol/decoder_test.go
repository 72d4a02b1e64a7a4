package protocol

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// chunkReader yields the underlying data in fixed-size chunks so tests can
// prove frames survive arbitrary read boundaries.
type chunkReader struct {
	data []byte
	size int
	pos  int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	end := r.pos + r.size
	if end > len(r.data) {
		end = len(r.data)
	}
	n := copy(p, r.data[r.pos:end])
	r.pos += n
	return n, nil
}

func drain(t *testing.T, d *Decoder) []Event {
	t.Helper()
	var events []Event
	for {
		event, err := d.Next()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, event)
	}
}

func TestDecoderParsesEventSequence(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"type":"session","sessionId":"svc-1"}`,
		`data: {"type":"text","content":"hello"}`,
		`data: {"type":"tool_use","name":"Bash","input":{"command":"ls"},"toolUseId":"tu-1"}`,
		`data: {"type":"tool_result","toolUseId":"tu-1","output":"a.txt"}`,
		`data: {"type":"result","subtype":"success","costUsd":0.01,"durationMs":1200}`,
		`data: {"type":"done","sessionId":"svc-1"}`,
	}, "\n") + "\n"

	events := drain(t, NewDecoder(strings.NewReader(stream), nil))
	require.Len(t, events, 6)

	require.Equal(t, "svc-1", events[0].(*SessionEvent).SessionID)
	require.Equal(t, "hello", events[1].(*TextEvent).Content)

	toolUse := events[2].(*ToolUseEvent)
	require.Equal(t, "Bash", toolUse.Name)
	require.Equal(t, "tu-1", toolUse.ToolUseID)

	require.Equal(t, "tu-1", events[3].(*ToolResultEvent).ToolUseID)

	result := events[4].(*ResultEvent)
	require.Equal(t, "success", result.Subtype)
	require.NotNil(t, result.CostUSD)
	require.InDelta(t, 0.01, *result.CostUSD, 1e-9)

	require.Equal(t, "svc-1", events[5].(*DoneEvent).SessionID)
}

func TestDecoderReassemblesSplitFrames(t *testing.T) {
	stream := `data: {"type":"text","content":"a long chunk of text that will straddle reads"}` + "\n" +
		`data: {"type":"done"}` + "\n"

	for _, size := range []int{1, 2, 3, 7, 16} {
		events := drain(t, NewDecoder(&chunkReader{data: []byte(stream), size: size}, nil))
		require.Len(t, events, 2, "chunk size %d", size)
		require.Equal(t, "a long chunk of text that will straddle reads", events[0].(*TextEvent).Content)
	}
}

func TestDecoderDropsMalformedFrames(t *testing.T) {
	stream := `data: {"type":"text","content":"ok"}` + "\n" +
		`data: {not json at all` + "\n" +
		`data: {"type":"text","content":"still here"}` + "\n"

	events := drain(t, NewDecoder(strings.NewReader(stream), nil))
	require.Len(t, events, 2)
	require.Equal(t, "ok", events[0].(*TextEvent).Content)
	require.Equal(t, "still here", events[1].(*TextEvent).Content)
}

func TestDecoderSkipsNonDataLines(t *testing.T) {
	stream := ": heartbeat\n\nevent: connected\n" +
		`data: {"type":"text","content":"payload"}` + "\n"

	events := drain(t, NewDecoder(strings.NewReader(stream), nil))
	require.Len(t, events, 1)
}

func TestDecoderIgnoresUnknownEventTypes(t *testing.T) {
	stream := `data: {"type":"telemetry","blob":true}` + "\n" +
		`data: {"type":"done"}` + "\n"

	events := drain(t, NewDecoder(strings.NewReader(stream), nil))
	require.Len(t, events, 1)
	require.Equal(t, KindDone, events[0].Kind())
}

func TestDecoderHandlesMissingTrailingNewline(t *testing.T) {
	stream := `data: {"type":"text","content":"tail"}`
	events := drain(t, NewDecoder(strings.NewReader(stream), nil))
	require.Len(t, events, 1)
	require.Equal(t, "tail", events[0].(*TextEvent).Content)
}

func TestDecoderRepairsPlanPayload(t *testing.T) {
	// Trailing comma in steps: strict decode fails, repair pass recovers it.
	stream := `data: {"type":"plan","planId":"p1","goal":"tidy","steps":[{"id":"s1","description":"scan","status":"pending"},]}` + "\n"

	events := drain(t, NewDecoder(strings.NewReader(stream), nil))
	require.Len(t, events, 1)
	plan := events[0].(*PlanEvent)
	require.Equal(t, "p1", plan.PlanID)
	require.Len(t, plan.Steps, 1)
	require.Equal(t, StepPending, plan.Steps[0].Status)
}

func TestDecoderDropsMalformedNonPlanFrames(t *testing.T) {
	// The repair pass is reserved for plan frames. A repairable text frame is
	// still dropped.
	stream := `data: {"type":"text","content":"broken",}` + "\n" +
		`data: {"type":"text","content":"intact"}` + "\n"

	events := drain(t, NewDecoder(strings.NewReader(stream), nil))
	require.Len(t, events, 1)
	require.Equal(t, "intact", events[0].(*TextEvent).Content)
}

func TestQuestionToolParsing(t *testing.T) {
	event := ToolUseEvent{
		Name:      QuestionToolName,
		Input:     []byte(`{"questions":[{"id":"q1","text":"Deploy to prod?","options":["yes","no"]}]}`),
		ToolUseID: "tu-9",
	}
	require.True(t, event.IsQuestion())

	questions, err := event.Questions()
	require.NoError(t, err)
	require.Len(t, questions, 1)
	require.Equal(t, "Deploy to prod?", questions[0].Text)

	other := ToolUseEvent{Name: "Bash"}
	require.False(t, other.IsQuestion())
	_, err = other.Questions()
	require.Error(t, err)
}

func TestResultEventLimitSubtype(t *testing.T) {
	require.True(t, ResultEvent{Subtype: ResultSubtypeLimit}.HitLimit())
	require.False(t, ResultEvent{Subtype: ResultSubtypeSuccess}.HitLimit())
}
