// Package session owns the per-session control record.
//
// A session is identified by an instrument id and a session id. Its control
// record lives at a fixed key and holds the merge watermark
// (max_fragment_applied) and the key of the current canonical snapshot.
// Every change to the record is a compare-and-swap against the token the
// caller last read, so the record is the single commit point for merges.
//
// Layout maps ids to object keys:
//
//	<prefix>/instr_<iid>/session_<sid>/control.json
//	<prefix>/instr_<iid>/session_<sid>/canonical/<watermark>-<suffix>.json
//	<prefix>/instr_<iid>/session_<sid>/fragments/<seq:%010d>.json
//	<prefix>/logs/<YYYY-MM-DD>.jsonl
package session
