// Package protocol owns the tag/value message model and the boundary where
// raw MsgType values are decoded into the closed administrative set.
//
// Ownership boundary:
// - message model and typed accessors
// - administrative message constructors
// - frame <-> message conversion (BeginString, schema checks)
package protocol
