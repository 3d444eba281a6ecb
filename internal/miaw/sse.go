package miaw

import (
	"bufio"
	"io"
	"strings"
)

// serverEvent is one decoded server-sent event.
type serverEvent struct {
	Name string
	ID   string
	Data string
}

// eventReader incrementally decodes a text/event-stream body. Events that
// span multiple transport chunks are reassembled transparently because the
// underlying bufio.Reader buffers across reads.
type eventReader struct {
	r *bufio.Reader

	name    string
	id      string
	data    []string
	started bool
}

func newEventReader(r io.Reader) *eventReader {
	return &eventReader{r: bufio.NewReader(r)}
}

// Next blocks until a complete event is available or the stream ends.
// It returns io.EOF once the stream is exhausted.
func (er *eventReader) Next() (serverEvent, error) {
	for {
		line, err := er.r.ReadString('\n')
		if err != nil {
			// A final event without a trailing blank line is still delivered.
			if err == io.EOF && er.started {
				evt := er.take()
				return evt, nil
			}
			return serverEvent{}, err
		}

		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if er.started {
				return er.take(), nil
			}
		case strings.HasPrefix(line, ":"):
			// comment line, used by some servers as a keep-alive
		case strings.HasPrefix(line, "event:"):
			er.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			er.started = true
		case strings.HasPrefix(line, "id:"):
			er.id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
			er.started = true
		case strings.HasPrefix(line, "data:"):
			er.data = append(er.data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			er.started = true
		default:
			// Raw JSON lines outside any SSE framing show up on some MIAW
			// deployments; treat them as data.
			er.data = append(er.data, line)
			er.started = true
		}
	}
}

func (er *eventReader) take() serverEvent {
	evt := serverEvent{
		Name: er.name,
		ID:   er.id,
		Data: strings.Join(er.data, "\n"),
	}
	er.name = ""
	er.id = ""
	er.data = nil
	er.started = false
	return evt
}
