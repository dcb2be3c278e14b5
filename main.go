package main

import (
	"bufio"
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/sconf"

	"github.com/mjl-/partpull/config"
	"github.com/mjl-/partpull/metrics"
	"github.com/mjl-/partpull/mlog"
	"github.com/mjl-/partpull/multipart"
	"github.com/mjl-/partpull/partvar"
	"github.com/mjl-/partpull/tmpfile"
)

var (
	configPath  string
	loglevel    string // Empty means the level from the config file, or info.
	metricsAddr string
)

// Set by loadConfig.
var (
	conf    = config.Default()
	journal *tmpfile.Journal
)

// loadConfig reads the config file if it exists. A missing config file is only
// an error if it was explicitly specified. Log levels are set from the config,
// with -loglevel taking precedence. If a journal is configured, it is opened
// and registered with the default registry for temporary files.
func loadConfig(explicit bool) (closeJournal func()) {
	if _, err := os.Stat(configPath); err == nil || explicit {
		c, errs := config.ParseFile(configPath)
		if len(errs) > 0 {
			for _, err := range errs {
				log.Printf("%s", err)
			}
			log.Fatalf("loading config file %s failed", configPath)
		}
		conf = c
	}

	if loglevel != "" {
		level, ok := mlog.Levels[loglevel]
		if !ok {
			log.Fatalf("unknown loglevel %q", loglevel)
		}
		conf.Log[""] = level
	}
	mlog.SetConfig(conf.Log)

	if metricsAddr == "" {
		metricsAddr = conf.MetricsAddress
	}
	if metricsAddr != "" {
		serveMetrics(metricsAddr)
	}

	if conf.Journal == "" {
		return func() {}
	}
	j, err := tmpfile.OpenJournal(context.Background(), mlog.New("tmpfile", nil), conf.Journal)
	xcheckf(err, "open journal")
	journal = j
	tmpfile.Default.SetJournal(j)
	return func() {
		tmpfile.Default.SetJournal(nil)
		journal = nil
		err := j.Close()
		xcheckf(err, "close journal")
	}
}

// serveMetrics serves prometheus metrics at /metrics on addr in the background,
// for as long as the command runs.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		defer func() {
			x := recover()
			if x != nil {
				log.Printf("unhandled panic serving metrics: %v", x)
				metrics.PanicInc("metricsserver")
			}
		}()
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("serving metrics: %v", err)
		}
	}()
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&configPath, "config", cmp.Or(os.Getenv("PARTPULLCONF"), "partpull.conf"), "configuration file, defaults to $PARTPULLCONF with a fallback to partpull.conf, a missing default config file is not an error")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, log level overriding the config file, one of: error, info, debug, trace")
	flag.StringVar(&metricsAddr, "metricsaddr", "", "if non-empty, address to serve prometheus metrics on at /metrics while the command runs")

	var cpuprofile, memprofile, tracefile string
	flag.StringVar(&cpuprofile, "cpuprof", "", "store cpu profile to file")
	flag.StringVar(&memprofile, "memprof", "", "store mem profile to file")
	flag.StringVar(&tracefile, "trace", "", "store execution trace to file")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}

	defer startProfiling(cpuprofile, memprofile, tracefile)()

	explicit := os.Getenv("PARTPULLCONF") != ""
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})

	c, partial := findCommand(args)
	if c == nil {
		if len(partial) > 0 {
			usage(partial, true)
		}
		usage(cmds, false)
	}
	c.flag = flag.NewFlagSet(c.name(), flag.ExitOnError)
	c.flagArgs = args[len(c.words):]
	c.log = mlog.New(strings.Join(c.words, ""), nil)
	if !c.noConfig {
		defer loadConfig(explicit)()
	}
	c.fn(c)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

// messageFlags registers the flags for commands that read a multipart message.
type messageFlags struct {
	boundary    string
	contentType string
}

func (mf *messageFlags) register(c *cmd) {
	c.flag.StringVar(&mf.boundary, "boundary", "", "boundary of the multipart message")
	c.flag.StringVar(&mf.contentType, "contenttype", "", "content-type header value of the multipart message, with boundary parameter")
}

// open opens the message file and determines the boundary. If neither -boundary
// nor -contenttype is set, the boundary is taken from the first line in the file
// starting with "--".
func (mf *messageFlags) open(c *cmd, path string) (*os.File, io.Reader, string) {
	f, err := os.Open(path)
	xcheckf(err, "open message")

	boundary, err := resolveBoundary(mf.boundary, mf.contentType)
	xcheckf(err, "boundary")
	if boundary != "" {
		return f, f, boundary
	}

	br := bufio.NewReader(f)
	boundary, err = sniffBoundary(br)
	xcheckf(err, "finding boundary in message")
	c.log.Debug("boundary from message", slog.String("boundary", boundary))
	return f, br, boundary
}

// resolveBoundary returns the boundary from an explicit boundary or a
// content-type header value. If both are empty, an empty boundary is returned.
func resolveBoundary(boundary, contentType string) (string, error) {
	if boundary != "" && contentType != "" {
		return "", fmt.Errorf("cannot specify both boundary and content-type")
	}
	if boundary != "" || contentType == "" {
		return boundary, nil
	}
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("parsing content-type: %v", err)
	}
	if !strings.HasPrefix(mt, "multipart/") {
		return "", fmt.Errorf("content-type %q is not multipart", mt)
	}
	if params["boundary"] == "" {
		return "", fmt.Errorf("content-type without boundary parameter")
	}
	return params["boundary"], nil
}

// sniffBoundary peeks into br for the first line starting with "--" and returns
// the remainder of that line as boundary. Nothing is consumed from br.
func sniffBoundary(br *bufio.Reader) (string, error) {
	buf, err := br.Peek(br.Size())
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return "", err
	}
	for len(buf) > 0 {
		line := buf
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			line, buf = buf[:i], buf[i+1:]
		} else {
			buf = nil
		}
		if s, ok := strings.CutPrefix(string(line), "--"); ok {
			s = strings.TrimRight(s, " \t\r")
			s = strings.TrimSuffix(s, "--")
			if s != "" {
				return s, nil
			}
		}
	}
	return "", fmt.Errorf("no boundary line found")
}

func (mf *messageFlags) message(c *cmd, path string) (*multipart.Message, func()) {
	f, r, boundary := mf.open(c, path)
	m := multipart.NewMessage(c.log.Logger, r, boundary, conf.Multipart(tmpfile.Default))
	return m, func() {
		m.Close()
		f.Close()
	}
}

func cmdParse(c *cmd) {
	c.params = "[-boundary boundary | -contenttype content-type] file"
	c.help = `Parse a multipart message and print its parts as JSON.

For each part, its index, identifier, content-type, transfer encoding, headers
and size of the raw content are printed.

If neither -boundary nor -contenttype is specified, the boundary is taken from
the first line in the message starting with "--".
`
	var mf messageFlags
	mf.register(c)
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	m, cleanup := mf.message(c, args[0])
	defer cleanup()

	infos, err := describeParts(m)
	xcheckf(err, "parsing message")
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "\t")
	err = enc.Encode(infos)
	xcheckf(err, "write parts")
}

// PartInfo is printed by the parse command.
type PartInfo struct {
	Index            int
	ID               string
	ContentType      string
	TransferEncoding string
	Size             int64 // Of raw content, before decoding.
	Headers          []multipart.HeaderField
}

func describeParts(m *multipart.Message) ([]PartInfo, error) {
	parts, err := m.Parts()
	if err != nil {
		return nil, err
	}
	infos := make([]PartInfo, 0, len(parts))
	for _, p := range parts {
		var pi PartInfo
		if pi.Index, err = p.Index(); err != nil {
			return nil, err
		}
		if pi.ID, err = p.ID(); err != nil {
			return nil, err
		}
		if pi.ContentType, err = p.ContentType(); err != nil {
			return nil, err
		}
		if pi.TransferEncoding, err = p.TransferEncoding(); err != nil {
			return nil, err
		}
		h, err := p.Header()
		if err != nil {
			return nil, err
		}
		pi.Headers = h.All()
		r, err := p.RawReader()
		if err != nil {
			return nil, err
		}
		if pi.Size, err = io.Copy(io.Discard, r); err != nil {
			return nil, err
		}
		infos = append(infos, pi)
	}
	return infos, nil
}

func cmdEvents(c *cmd) {
	c.params = "[-boundary boundary | -contenttype content-type] file"
	c.help = `Print the events read from a multipart message.

Each event is printed on a line. Headers are printed indented below their
event. For content, only its size is printed, unless -content is set.
`
	var mf messageFlags
	var content bool
	mf.register(c)
	c.flag.BoolVar(&content, "content", false, "print content of each content event, quoted")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	f, r, boundary := mf.open(c, args[0])
	defer f.Close()
	p := multipart.NewParser(c.log.Logger, r, boundary, conf.Multipart(tmpfile.Default))
	defer p.Close()

	err := printEvents(os.Stdout, p, content)
	xcheckf(err, "reading events")
}

func printEvents(w io.Writer, p *multipart.Parser, content bool) error {
	for {
		ev, err := p.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		switch ev.Kind {
		case multipart.EventHeaders:
			fmt.Fprintln(w, ev.Kind)
			for _, f := range ev.Header {
				fmt.Fprintf(w, "\t%s: %q\n", f.Name, f.Value)
			}
		case multipart.EventContent:
			if content {
				fmt.Fprintf(w, "%s %q\n", ev.Kind, ev.Data)
			} else {
				fmt.Fprintf(w, "%s %d\n", ev.Kind, len(ev.Data))
			}
		default:
			fmt.Fprintln(w, ev.Kind)
		}
	}
}

func cmdExtract(c *cmd) {
	c.params = "[-boundary boundary | -contenttype content-type] [-decode] file index-or-id dst"
	c.help = `Extract the content of a part to file dst.

The part is selected by its zero-based index if the parameter is a number, and
by its identifier otherwise. The identifier of a part is its Content-ID header
without angle brackets, or its index. A leading "cid:" is ignored.

Without -decode, the raw content is moved to dst, taking over a temporary file
when content did not fit in memory. With -decode, the content transfer encoding
is removed.
`
	var mf messageFlags
	var decode bool
	mf.register(c)
	c.flag.BoolVar(&decode, "decode", false, "decode content transfer encoding")
	args := c.Parse()
	if len(args) != 3 {
		c.Usage()
	}

	m, cleanup := mf.message(c, args[0])
	defer cleanup()

	var p *multipart.Part
	var err error
	if i, perr := strconv.Atoi(args[1]); perr == nil {
		p, err = m.PartIndex(i)
	} else {
		p, err = m.PartID(args[1])
	}
	xcheckf(err, "looking up part")

	if !decode {
		err = p.MoveTo(args[2])
		xcheckf(err, "moving content")
		return
	}

	r, err := p.ReaderOnce()
	xcheckf(err, "reading content")
	f, err := os.OpenFile(args[2], os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
	xcheckf(err, "create destination")
	defer func() {
		if f != nil {
			err := os.Remove(args[2])
			c.log.Check(err, "removing destination file after error")
			err = f.Close()
			c.log.Check(err, "closing destination file after error")
		}
	}()
	_, err = io.Copy(f, r)
	xcheckf(err, "write content")
	err = f.Close()
	f = nil
	xcheckf(err, "close destination")
}

func cmdCompose(c *cmd) {
	c.params = "[-related] [-header] file ..."
	c.help = `Compose a multipart message from files and write it to stdout.

Each file becomes a part with a content-type based on its file name extension.
Text files are included as text, other files are base64-encoded. Each part gets
a Content-ID header.

With -related, a multipart/related message is written, with the first file as
root part. With -header, MIME-Version and Content-Type headers for the message
are written first.
`
	var related, header bool
	c.flag.BoolVar(&related, "related", false, "compose multipart/related instead of multipart/mixed")
	c.flag.BoolVar(&header, "header", false, "write message headers before the multipart body")
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	err := compose(os.Stdout, related, header, args)
	xcheckf(err, "compose")
}

func compose(w io.Writer, related, header bool, files []string) (rerr error) {
	xc := multipart.NewComposer(w, conf.MaxSize)
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if err, ok := x.(error); ok && errors.Is(err, multipart.ErrCompose) {
			rerr = err
			return
		}
		panic(x)
	}()

	var ids []string
	var hdrs []multipart.Header
	for _, file := range files {
		ct := mime.TypeByExtension(filepath.Ext(file))
		if ct == "" {
			ct = "application/octet-stream"
		}
		id := multipart.NewContentID()
		ids = append(ids, id)
		h := multipart.Header{
			{Name: "Content-Type", Value: ct},
			{Name: "Content-ID", Value: "<" + id + ">"},
		}
		hdrs = append(hdrs, h)
	}

	if header {
		params := map[string]string{}
		subtype := "mixed"
		if related {
			subtype = "related"
			params["start"] = "<" + ids[0] + ">"
			mt, _, _ := strings.Cut(hdrs[0].Get("Content-Type"), ";")
			params["type"] = mt
		}
		xc.Header("MIME-Version", "1.0")
		xc.Header("Content-Type", xc.ContentType(subtype, params))
		xc.Line()
	}

	for i, file := range files {
		h := hdrs[i]
		if strings.HasPrefix(h.Get("Content-Type"), "text/") {
			buf, err := os.ReadFile(file)
			xc.Checkf(err, "read file")
			text, ct, cte := multipart.TextPart(strings.ReplaceAll(string(buf), "\r\n", "\n"))
			h[0].Value = ct
			h = append(h, multipart.HeaderField{Name: "Content-Transfer-Encoding", Value: cte})
			xc.Part(h, bytes.NewReader(text))
			continue
		}

		f, err := os.Open(file)
		xc.Checkf(err, "open file")
		h = append(h, multipart.HeaderField{Name: "Content-Transfer-Encoding", Value: "base64"})
		xc.Part(h, f)
		err = f.Close()
		xc.Checkf(err, "close file")
	}
	xc.Close()
	return nil
}

func cmdTmpRecover(c *cmd) {
	c.help = `Remove temporary files left behind by earlier partpull processes.

Temporary files are recorded in the journal configured in the config file while
they exist. Processes that are killed leave their temporary files behind. This
command removes those files and their records.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	j := xjournal()
	n, err := j.Recover(context.Background(), c.log)
	xcheckf(err, "recovering temporary files")
	fmt.Printf("%d temporary files removed\n", n)
}

func cmdTmpList(c *cmd) {
	c.help = `List temporary files recorded in the journal by earlier processes.`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	j := xjournal()
	l, err := j.Pending(context.Background())
	xcheckf(err, "listing journal")
	for _, r := range l {
		if r.Session == j.Session() {
			continue
		}
		fmt.Printf("%s\t%s\t%s\n", r.Created.Format(time.RFC3339), r.Session, r.Path)
	}
}

func xjournal() *tmpfile.Journal {
	if journal == nil {
		log.Fatalf("no journal configured")
	}
	return journal
}

func cmdConfigDescribe(c *cmd) {
	c.help = `Print an annotated example config file.

All fields are listed with their documentation and example values.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	err := sconf.Describe(os.Stdout, config.Static{LogLevel: "info"})
	xcheckf(err, "describing config")
}

func cmdConfigTest(c *cmd) {
	c.help = `Parse and check the config file.

Errors are printed. If the config file is valid, "config OK" is printed.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	_, errs := config.ParseFile(configPath)
	if len(errs) > 1 {
		log.Printf("multiple errors:")
		for _, err := range errs {
			log.Printf("%s", err)
		}
		os.Exit(1)
	} else if len(errs) == 1 {
		log.Fatalf("%s", errs[0])
	}
	fmt.Println("config OK")
}

func cmdVersion(c *cmd) {
	c.help = "Prints this partpull version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(partvar.Version)
	fmt.Printf("%s/%s\n", runtime.GOOS, runtime.GOARCH)
}
