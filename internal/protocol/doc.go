// Package protocol defines the wire contract spoken between the shellkeeper
// client and the backend process host over a session's WebSocket.
//
// Every text frame carries one JSON [Envelope]. The envelope's Type selects
// the payload struct; RequestID correlates a request with its
// acknowledgment. Binary frames are reserved for live terminal bytes:
// keystrokes client→server and shell output server→client.
//
// # Message Flow
//
//	C→S  mark-for-suspend        {sessionId, initialOutputSnapshot?}
//	S→C  marked-for-suspend-ack  {sessionId, success, error?}
//	C→S  unmark-for-suspend      {sessionId}
//	S→C  unmarked-for-suspend-ack{sessionId, success, error?}
//	C→S  list-suspended          {}
//	S→C  suspended-list-response {entries}
//	C→S  resume-request          {suspendId, newSessionId}
//	S→C  resumed-notification    {suspendId, newSessionId, success, error?}
//	S→C  output-cached-chunk     {newSessionId, data, isLastChunk}
//	C→S  terminate / remove-entry / rename
//	S→C  operation-result        {suspendId, success, error?}
//	S→C  auto-terminated-notification {suspendId, reason}
//
// Payloads validate themselves with Validate before they are sent and after
// they are decoded; a payload that fails validation is never acted upon.
package protocol
