// Package subprocess implements the SubprocessDriver of §4.4.1: one child
// process per session, driven over stdin/stdout, generalized across
// protocol families via the Converter interface each one implements.
package subprocess

import (
	"github.com/sandboxagent/agentd/internal/driver"
	"github.com/sandboxagent/agentd/internal/schema"
)

// Converter adapts one native subprocess protocol (stream-json, Codex's
// JSON-RPC variant, ...) to the driver.Driver contract. Implementations
// live in sibling packages (streamjson, codexproto) and are protocol
// experts; SubprocessDriver itself only knows the process-lifecycle steps
// of §4.4.1.
type Converter interface {
	// BuildArgv returns the full argv (including the executable path at
	// index 0) for cfg (§4.4.1 step 2 "compose argv").
	BuildArgv(cfg driver.StartConfig) []string

	// Env returns protocol-specific environment variables to add on top of
	// the registry's credential_env and the host environment (§4.4.1 step
	// 3 "configure env").
	Env(cfg driver.StartConfig) map[string]string

	// EncodeMessage renders msg as the bytes to write to stdin for one
	// prompt turn (no trailing newline; the driver appends it).
	EncodeMessage(msg schema.UniversalMessage) ([]byte, error)

	// EncodeQuestionAnswer renders a reply to a pending question.
	EncodeQuestionAnswer(questionID string, answer schema.QuestionAnswer) ([]byte, error)

	// EncodeQuestionReject renders a rejection of a pending question.
	EncodeQuestionReject(questionID string) ([]byte, error)

	// EncodePermissionReply renders a reply to a pending permission request.
	EncodePermissionReply(permissionID string, reply schema.PermissionReply) ([]byte, error)

	// DecodeLine converts one native stdout line into EventData. Every
	// line produces exactly one EventData (§8); a line the converter
	// cannot recognize must come back as UnparsedEventData rather than an
	// error, so one bad line can't crash the session (§9).
	DecodeLine(line []byte) schema.EventData

	// RestartPerMessage reports whether this protocol models a prompt turn
	// as a fresh subprocess invocation rather than a long-lived stdin
	// stream (Amp's continuation-per-prompt model, §4.4.1 "SubprocessDriver
	// (+ streamjson ... generalized to also drive Amp)").
	RestartPerMessage() bool

	// ContinuationArgv extends argv with whatever flag carries the prior
	// native session id forward, for RestartPerMessage converters. Not
	// called while no native session id is known (the first turn).
	ContinuationArgv(argv []string, nativeSessionID string) []string
}
