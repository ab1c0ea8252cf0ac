package httpparse

// State is the position of a Parser in its state machine.
type State int

const (
	StateStart State = iota
	StateRequestLine
	StateStatusLine
	StateHeaderField
	StateHeadersDone
	StateBodyWithLength
	StateChunkBegin
	StateChunkData
	StateConnectPassthrough
	StateMessageDone
	StateDead
)

var stateNames = [...]string{
	StateStart:              "start",
	StateRequestLine:        "request-line",
	StateStatusLine:         "status-line",
	StateHeaderField:        "header-field",
	StateHeadersDone:        "headers-done",
	StateBodyWithLength:     "body-with-length",
	StateChunkBegin:         "chunk-begin",
	StateChunkData:          "chunk-data",
	StateConnectPassthrough: "connect-passthrough",
	StateMessageDone:        "message-done",
	StateDead:               "dead",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Kind selects which start line a Parser expects.
type Kind int

const (
	// Auto peeks at the first bytes to tell requests from responses.
	Auto Kind = iota
	Request
	Response
)

// stepResult is what a single state step reports back to the Flush loop.
type stepResult int

const (
	stepProgressed stepResult = iota
	stepNeedMore
	stepDone
)
