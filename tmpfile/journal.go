package tmpfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mjl-/bstore"

	"github.com/mjl-/partpull/metrics"
	"github.com/mjl-/partpull/mlog"
)

// Record is a temporary file created by a process, stored in the journal
// until the file is closed, renamed or swept.
type Record struct {
	ID      int64
	Path    string    `bstore:"nonzero,unique"`
	Session string    `bstore:"nonzero,index"`
	Created time.Time `bstore:"default now"`
}

// JournalTypes are the types stored in the journal database.
var JournalTypes = []any{Record{}}

// Journal records temporary files in a database, so files left behind by a
// process that was killed can be removed when the next process starts.
//
// Each opened journal has a unique session. Records of other sessions are
// from earlier processes, unless multiple processes share the journal
// concurrently, which is not supported.
type Journal struct {
	db      *bstore.DB
	session string
}

// OpenJournal opens or creates the journal database at path.
func OpenJournal(ctx context.Context, log mlog.Log, path string) (*Journal, error) {
	db, err := bstore.Open(ctx, path, &bstore.Options{Timeout: 5 * time.Second, Perm: 0600, RegisterLogger: log.Logger}, JournalTypes...)
	if err != nil {
		return nil, fmt.Errorf("open temporary file journal: %w", err)
	}
	return &Journal{db: db, session: uuid.NewString()}, nil
}

// Session returns the session of this journal, stored in each new record.
func (j *Journal) Session() string {
	return j.session
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) add(path string) error {
	r := Record{Path: path, Session: j.session}
	return j.db.Insert(context.Background(), &r)
}

func (j *Journal) remove(path string) error {
	_, err := bstore.QueryDB[Record](context.Background(), j.db).FilterNonzero(Record{Path: path}).Delete()
	return err
}

// Pending returns the records that have not been removed, of all sessions.
func (j *Journal) Pending(ctx context.Context) ([]Record, error) {
	return bstore.QueryDB[Record](ctx, j.db).SortAsc("ID").List()
}

// Recover removes the files recorded by other sessions, and their records. It
// returns the number of files removed. Files that no longer exist are not
// counted.
func (j *Journal) Recover(ctx context.Context, log mlog.Log) (int, error) {
	records, err := bstore.QueryDB[Record](ctx, j.db).FilterNotEqual("Session", j.session).List()
	if err != nil {
		return 0, fmt.Errorf("listing temporary files of earlier sessions: %w", err)
	}
	var n int
	for _, r := range records {
		err := os.Remove(r.Path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Errorx("removing leftover temporary file", err, slog.String("path", r.Path))
			continue
		} else if err == nil {
			n++
			metrics.TempFiles.WithLabelValues("recover").Inc()
			log.Info("removed leftover temporary file", slog.String("path", r.Path), slog.Time("created", r.Created))
		}
		if err := j.db.Delete(ctx, &r); err != nil && !errors.Is(err, bstore.ErrAbsent) {
			return n, fmt.Errorf("removing journal record: %w", err)
		}
	}
	return n, nil
}
