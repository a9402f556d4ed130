/*
Package protocol implements the framing layer of the interactive execution protocol spoken between a front-end (an editor or IDE) and a backend execution session.

Every frame starts with a 4-byte ASCII tag, right-padded with spaces ("run ", "STDO"). The payload that follows is determined entirely by the tag; there is no frame length. The payload primitives are:

  - int32 and int64, big-endian
  - strings: a 1-byte encoding marker ('U' for UTF-8, 'A' for ASCII), an int32 byte count, then the bytes
  - byte blobs: an int32 byte count, then the bytes

Both directions carry the encoding marker on strings. Because frames are not self-delimiting, a peer that disagrees about a payload layout desynchronizes the stream and there is no way to recover other than dropping the connection.

All writes to a connection must go through a Gate, which serializes complete frames so that notifications emitted by a running command never interleave with replies from the receive loop.
*/
package protocol

// Version identifies this wire format. It is reported by the agent's status endpoint; the stream itself has no handshake.
const Version = "1"
