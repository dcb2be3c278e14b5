/*
Package multipart reads multipart messages, as used in MIME and SOAP with
attachments, from a stream without keeping the whole message in memory.

A Parser returns the message as a sequence of events: the start of the
message, and for each part its start, headers, zero or more chunks of content,
and its end, followed by the end of the message. The boundary is found with a
Boyer-Moore search over a window of the stream.

A Message builds on a Parser, giving access to parts by position or by
identifier (Content-ID). Parts can be requested before the parser has reached
them. Reading a part drives the parser. Part content is kept in memory up to a
threshold, after which it is written to a temporary file. Temporary files are
removed when a part or message is closed.

Parsing stops at the first error. Errors are of type *Error, with a reason that
can be matched with errors.Is.
*/
package multipart
