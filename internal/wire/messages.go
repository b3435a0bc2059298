package wire

import (
	"strings"

	"github.com/vigilinit/vigild/internal/enum"
)

// packs is the control protocol's message catalogue (spec.md §6): which
// positional fields each message type carries, addressed by the same
// enum.MessageType tag that goes on the wire.
var packs = map[enum.MessageType]PackString{
	enum.MsgJobStart:   "s", // job name
	enum.MsgJobStop:    "s", // job name
	enum.MsgJobQuery:   "s", // job name
	enum.MsgJobList:    "",
	enum.MsgWatchJobs:  "",
	enum.MsgJobReload:  "s", // job name; daemon resolves it to a job file path
	enum.MsgJobRemove:  "s", // job name
	enum.MsgJobStatus:  "suuuis", // name, goal, state, process_state, pid, description
	enum.MsgJobUnknown: "s", // job name
	enum.MsgJobListEnd: "",
	enum.MsgJobEmit:    "ss", // event name, env pairs joined by unitSep
}

// unitSep joins the KEY=VALUE environment pairs of a JOB_EMIT message's
// second field, since the pack string has no native repeated-field type.
const unitSep = "\x1f"

// EncodeEnv joins env for the second field of a JOB_EMIT message.
func EncodeEnv(env []string) string { return strings.Join(env, unitSep) }

// DecodeEnv splits a JOB_EMIT message's second field back into KEY=VALUE
// pairs. An empty string decodes to no pairs.
func DecodeEnv(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, unitSep)
}

// PackFor returns the positional-field layout for t.
func PackFor(t enum.MessageType) (PackString, bool) {
	p, ok := packs[t]
	return p, ok
}

// EncodeMessage builds one complete frame body (type tag + packed fields)
// for t.
func EncodeMessage(t enum.MessageType, fields ...interface{}) ([]byte, error) {
	pack, ok := PackFor(t)
	if !ok {
		return nil, ErrUnknownType
	}
	var w Writer
	if err := Push(&w, uint32(t), pack, fields...); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// DecodeMessage decodes one frame body into its message type and fields.
// An unrecognized type tag is reported as ErrUnknownType rather than
// panicking, mirroring enum's "unknown name yields a sentinel, not a
// crash" contract (spec.md §4.2).
func DecodeMessage(body []byte) (enum.MessageType, []interface{}, error) {
	r := NewReader(body)
	tag, err := r.PopType()
	if err != nil {
		return 0, nil, err
	}
	t := enum.MessageType(tag)
	pack, ok := PackFor(t)
	if !ok {
		return t, nil, ErrUnknownType
	}
	fields, err := Pop(r, pack)
	if err != nil {
		return t, nil, err
	}
	return t, fields, nil
}
