package protocol

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/y1y2u3u4/cloudwork-sub000/internal/logging"
)

// dataPrefix marks the frames that carry a JSON event. Frames arrive as
// newline-delimited lines; a frame may be split across arbitrary read
// boundaries, so decoding goes through a buffered reader.
const dataPrefix = "data:"

// maxFrameSize bounds a single frame. Tool outputs are truncated server-side,
// so anything larger is a protocol violation.
const maxFrameSize = 4 * 1024 * 1024

// Decoder incrementally reads `data: {...}` frames from a stream body and
// yields one typed event per complete frame, in arrival order.
type Decoder struct {
	reader *bufio.Reader
	logger logging.Logger
}

// NewDecoder wraps r for frame-at-a-time decoding.
func NewDecoder(r io.Reader, logger logging.Logger) *Decoder {
	return &Decoder{
		reader: bufio.NewReaderSize(r, 64*1024),
		logger: logging.OrNop(logger),
	}
}

// Next returns the next decoded event. Malformed frames are dropped and
// decoding continues with the following frame. Returns io.EOF when the
// stream ends.
func (d *Decoder) Next() (Event, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			if line == "" {
				return nil, err
			}
			// Final line without trailing newline: decode it, then EOF on
			// the next call.
			if event, ok := d.decodeLine(line); ok {
				return event, nil
			}
			return nil, err
		}

		if event, ok := d.decodeLine(line); ok {
			return event, nil
		}
	}
}

func (d *Decoder) readLine() (string, error) {
	var builder strings.Builder
	for {
		chunk, err := d.reader.ReadString('\n')
		builder.WriteString(chunk)
		if err != nil {
			return builder.String(), err
		}
		if strings.HasSuffix(chunk, "\n") {
			return builder.String(), nil
		}
		if builder.Len() > maxFrameSize {
			return "", io.ErrUnexpectedEOF
		}
	}
}

// decodeLine parses one line into an event. The second return is false for
// lines that carry no event: blanks, comments, unknown frames, malformed JSON.
func (d *Decoder) decodeLine(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, dataPrefix) {
		return nil, false
	}

	payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if payload == "" {
		return nil, false
	}

	event, err := Unmarshal([]byte(payload))
	if err != nil {
		d.logger.Debug("Dropping malformed frame: %v", err)
		return nil, false
	}
	if event == nil {
		return nil, false
	}
	return event, true
}

type envelope struct {
	Type string `json:"type"`
}

// Unmarshal decodes a single JSON event payload into its typed variant.
// Unknown event types yield a nil event and no error.
func Unmarshal(payload []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		// Plan payloads come straight out of a model, so near-JSON (trailing
		// commas and the like) gets a repair pass before the frame is dropped.
		// Repaired frames of any other type are still dropped.
		repaired, repairErr := jsonrepair.JSONRepair(string(payload))
		if repairErr != nil {
			return nil, err
		}
		fixed := []byte(repaired)
		if json.Unmarshal(fixed, &env) != nil || EventKind(env.Type) != KindPlan {
			return nil, err
		}
		payload = fixed
	}

	switch EventKind(env.Type) {
	case KindSession:
		var e SessionEvent
		return &e, json.Unmarshal(payload, &e)
	case KindText:
		var e TextEvent
		return &e, json.Unmarshal(payload, &e)
	case KindToolUse:
		var e ToolUseEvent
		return &e, json.Unmarshal(payload, &e)
	case KindToolResult:
		var e ToolResultEvent
		return &e, json.Unmarshal(payload, &e)
	case KindResult:
		var e ResultEvent
		return &e, json.Unmarshal(payload, &e)
	case KindError:
		var e ErrorEvent
		return &e, json.Unmarshal(payload, &e)
	case KindDone:
		var e DoneEvent
		return &e, json.Unmarshal(payload, &e)
	case KindPermissionRequest:
		var e PermissionRequestEvent
		return &e, json.Unmarshal(payload, &e)
	case KindPlan:
		var e PlanEvent
		return &e, json.Unmarshal(payload, &e)
	case KindDirectAnswer:
		var e DirectAnswerEvent
		return &e, json.Unmarshal(payload, &e)
	default:
		return nil, nil
	}
}
