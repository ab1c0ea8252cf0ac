// Package httpparse implements an incremental, resumable HTTP/1.x message
// parser.
//
// A Parser is fed raw bytes with Flush as they arrive off the wire. It keeps
// its position between calls, so a message split into arbitrary fragments
// produces exactly the same events as the message delivered in one piece.
// Events are delivered to a Handler: LineDone once the request or status line
// is parsed, HeadersDone after the blank line, BodyChunk for every piece of
// body and MessageDone once the framing says the message is complete.
//
// Body framing follows content-length, chunked transfer-encoding, or, for
// CONNECT requests, passthrough: every byte after the headers is body and the
// message never completes on its own.
package httpparse
