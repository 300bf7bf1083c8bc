package types

// Version is the canonical project version.
// The CLI, the HTTP surface and the world wire protocol share this version
// per the lockstep versioning policy.
const Version = "0.3.0"

// ProtocolVersion is the world wire protocol version.
// It is sent in the hello frame and must equal Version.
const ProtocolVersion = Version
