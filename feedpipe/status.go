package feedpipe

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/feedpipe/feedpipe/internal/feed"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/load"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/manifest"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/state"
)

// RowsUnknown is reported when the database, manifest or table is missing.
const RowsUnknown int64 = -1

// Status is the progress of one feed, derived from its state files and
// database.
type Status struct {
	Feed      string `json:"feed"`
	Acquired  int    `json:"acquired"`
	Extracted int    `json:"extracted"`
	Loaded    int    `json:"loaded"`
	Rows      int64  `json:"rows"`
}

// StatusHeader names the CSV columns.
var StatusHeader = []string{"feed name", "download count", "unzipped count", "inserted count", "db count"}

// Status reports the progress of one feed. It never creates or modifies
// anything; a row count that cannot be read is RowsUnknown, not an error.
func (s *Service) Status(ctx context.Context, name string) (*Status, error) {
	fc, err := feed.Open(s.cfg.DataDir(), name)
	if err != nil {
		return nil, err
	}
	return s.status(ctx, fc)
}

func (s *Service) status(ctx context.Context, fc *feed.Context) (*Status, error) {
	st := &Status{Feed: fc.Name, Rows: RowsUnknown}
	var err error
	if st.Acquired, err = state.Count(fc.Acquired); err != nil {
		return nil, err
	}
	if st.Extracted, err = state.Count(fc.Extracted); err != nil {
		return nil, err
	}
	if st.Loaded, err = state.Count(fc.Loaded); err != nil {
		return nil, err
	}

	table := s.statusTable(fc)
	if table == "" {
		return st, nil
	}
	rows, err := load.CountFile(ctx, fc.DBPath, table)
	if err != nil {
		s.logger.Debug("feedpipe: status: row count unavailable", "feed", fc.Name, "error", err)
	} else {
		st.Rows = rows
		s.metrics.observeRows(fc.Name, rows)
	}
	return st, nil
}

func (s *Service) statusTable(fc *feed.Context) string {
	m, err := manifest.Load(fc.ManifestPath)
	if err != nil {
		s.logger.Debug("feedpipe: status: manifest unavailable", "feed", fc.Name, "error", err)
		return ""
	}
	if t := m.TableName(); t != "" {
		return t
	}
	if len(m.Columns) > 0 {
		return m.Name
	}
	return ""
}

// StatusAll reports every named feed, all feeds when names is empty. Feeds
// are read concurrently; the result keeps the order of names.
func (s *Service) StatusAll(ctx context.Context, names ...string) ([]*Status, error) {
	if len(names) == 0 {
		var err error
		if names, err = s.List(); err != nil {
			return nil, err
		}
	}
	out := make([]*Status, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, name := range names {
		g.Go(func() error {
			st, err := s.Status(gctx, name)
			if err != nil {
				return err
			}
			out[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteCSV writes one line per status. sep defaults to ','.
func WriteCSV(w io.Writer, statuses []*Status, sep rune, header bool) error {
	cw := csv.NewWriter(w)
	if sep != 0 {
		cw.Comma = sep
	}
	if header {
		if err := cw.Write(StatusHeader); err != nil {
			return fmt.Errorf("feedpipe: write csv: %w", err)
		}
	}
	for _, st := range statuses {
		rec := []string{
			st.Feed,
			strconv.Itoa(st.Acquired),
			strconv.Itoa(st.Extracted),
			strconv.Itoa(st.Loaded),
			strconv.FormatInt(st.Rows, 10),
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("feedpipe: write csv: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes the statuses as an indented JSON array.
func WriteJSON(w io.Writer, statuses []*Status) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(statuses); err != nil {
		return fmt.Errorf("feedpipe: write json: %w", err)
	}
	return nil
}

// IsNotFound reports whether err means the feed does not exist.
func IsNotFound(err error) bool { return errors.Is(err, ErrFeedNotFound) }
