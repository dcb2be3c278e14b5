/*
Command partpull parses multipart MIME messages as a stream, making parts
available while the message is still being read.

  - Parts addressable by index and by Content-ID, also before they are parsed.
  - Part content kept in memory up to a threshold, then in temporary files.
  - Temporary files cleaned up when parts are closed or garbage collected,
    with an optional journal to remove files left behind by killed processes.
  - Composing multipart/mixed and multipart/related messages.

# Commands

	partpull [-config partpull.conf] [-loglevel level] [-metricsaddr addr] ...
	partpull parse [-boundary boundary | -contenttype content-type] file
	partpull events [-boundary boundary | -contenttype content-type] file
	partpull extract [-boundary boundary | -contenttype content-type] [-decode] file index-or-id dst
	partpull compose [-related] [-header] file ...
	partpull tmp recover
	partpull tmp list
	partpull config describe
	partpull config test
	partpull version
	partpull help [command ...]

# partpull parse

Parse a multipart message and print its parts as JSON.

For each part, its index, identifier, content-type, transfer encoding, headers
and size of the raw content are printed.

If neither -boundary nor -contenttype is specified, the boundary is taken from
the first line in the message starting with "--".

	usage: partpull parse [-boundary boundary | -contenttype content-type] file
	  -boundary string
	    	boundary of the multipart message
	  -contenttype string
	    	content-type header value of the multipart message, with boundary parameter

# partpull events

Print the events read from a multipart message.

Each event is printed on a line. Headers are printed indented below their
event. For content, only its size is printed, unless -content is set.

	usage: partpull events [-boundary boundary | -contenttype content-type] file
	  -boundary string
	    	boundary of the multipart message
	  -content
	    	print content of each content event, quoted
	  -contenttype string
	    	content-type header value of the multipart message, with boundary parameter

# partpull extract

Extract the content of a part to file dst.

The part is selected by its zero-based index if the parameter is a number, and
by its identifier otherwise. The identifier of a part is its Content-ID header
without angle brackets, or its index. A leading "cid:" is ignored.

Without -decode, the raw content is moved to dst, taking over a temporary file
when content did not fit in memory. With -decode, the content transfer encoding
is removed.

	usage: partpull extract [-boundary boundary | -contenttype content-type] [-decode] file index-or-id dst
	  -boundary string
	    	boundary of the multipart message
	  -contenttype string
	    	content-type header value of the multipart message, with boundary parameter
	  -decode
	    	decode content transfer encoding

# partpull compose

Compose a multipart message from files and write it to stdout.

Each file becomes a part with a content-type based on its file name extension.
Text files are included as text, other files are base64-encoded. Each part gets
a Content-ID header.

With -related, a multipart/related message is written, with the first file as
root part. With -header, MIME-Version and Content-Type headers for the message
are written first.

	usage: partpull compose [-related] [-header] file ...
	  -header
	    	write message headers before the multipart body
	  -related
	    	compose multipart/related instead of multipart/mixed

# partpull tmp recover

Remove temporary files left behind by earlier partpull processes.

Temporary files are recorded in the journal configured in the config file while
they exist. Processes that are killed leave their temporary files behind. This
command removes those files and their records.

	usage: partpull tmp recover

# partpull tmp list

List temporary files recorded in the journal by earlier processes.

	usage: partpull tmp list

# partpull config describe

Print an annotated example config file.

All fields are listed with their documentation and example values.

	usage: partpull config describe

# partpull config test

Parse and check the config file.

Errors are printed. If the config file is valid, "config OK" is printed.

	usage: partpull config test

# partpull version

Prints this partpull version.

	usage: partpull version
*/
package main
