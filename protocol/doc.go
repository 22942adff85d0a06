/*
Package protocol implements the framed message stream spoken between the shelleport client and server.

Every message is a single-line JSON object header followed by a NUL byte. The header always carries the
"magic" field. A message with a payload also carries a "blob" field holding the payload length, and the
payload bytes follow the header's NUL directly, terminated by another NUL:

	{"channel":"stdout","blob":6,"magic":"..."}\x00hello\n\x00

A header holding nothing but the magic field is a keep-alive. Writers emit one whenever nothing else was
sent for a third of the read timeout, and Readers drop them.

The session proceeds as follows:

1. The client sends a start request holding the arguments and environment for the shell.
2. The server spawns the shell and replies with an accepted message, or with an exception if it could not.
3. Both sides exchange channel messages. The client sends stdin, the server sends stdout and stderr. A channel
message without a blob closes that channel.
4. When the shell exits, the server sends a result message with the exit code and closes the stream.

Headers, including their NUL, are limited to MaxMessageSize bytes, and so are blobs.
*/
package protocol
