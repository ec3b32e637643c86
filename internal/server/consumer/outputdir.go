package consumer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/caltaylor/dirwatch/internal/server/statestore"
	"github.com/caltaylor/dirwatch/internal/transition"
	"github.com/caltaylor/dirwatch/internal/utils"
	"github.com/dustin/go-humanize"
)

const outputExt = ".json"

// OutputDir mirrors the watched trees as JSON descriptors under a directory:
// <dir>/<client id>/<path>.json holds the latest change for a present path and
// is removed when the path is deleted or renamed away.
type OutputDir struct {
	dir string
}

func NewOutputDir(dir string) (*OutputDir, error) {
	dir, err := utils.ResolvePath(dir)
	if err != nil {
		return nil, err
	}
	if err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create output dir %s: %w", dir, err)
	}
	return &OutputDir{dir: dir}, nil
}

func (o *OutputDir) Name() string {
	return "output-dir"
}

func (o *OutputDir) Dir() string {
	return o.dir
}

func (o *OutputDir) Deliver(ctx context.Context, changes []statestore.Change) error {
	var errs []error
	for _, c := range changes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.apply(&c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *OutputDir) apply(c *statestore.Change) error {
	target, err := o.Target(c.ClientID, c.Path)
	if err != nil {
		return err
	}

	switch c.Kind {
	case transition.Deleted:
		return removeIfExists(target)
	case transition.Renamed:
		from, err := o.Target(c.ClientID, c.FromPath)
		if err != nil {
			return err
		}
		if err := removeIfExists(from); err != nil {
			return err
		}
	}

	data, err := transition.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode change %d: %w", c.ID, err)
	}
	if err := writeAtomic(target, data); err != nil {
		return err
	}
	slog.Debug("output written", "path", target, "size", humanize.Bytes(uint64(len(data))))
	return nil
}

// Target maps a client path to its descriptor file, refusing anything that would escape the output dir
func (o *OutputDir) Target(clientID, p string) (string, error) {
	rel := strings.TrimLeft(path.Clean("/"+filepath.ToSlash(p)), "/")
	if rel == "" {
		return "", fmt.Errorf("empty path %q", p)
	}
	client := sanitizeSegment(clientID)
	out := filepath.Join(o.dir, client, filepath.FromSlash(rel)+outputExt)
	if !utils.IsWithin(o.dir, out) {
		return "", fmt.Errorf("path %q escapes the output dir", p)
	}
	return out, nil
}

func sanitizeSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

func writeAtomic(target string, data []byte) error {
	if err := utils.EnsureParent(target); err != nil {
		return fmt.Errorf("create parent of %s: %w", target, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

func removeIfExists(p string) error {
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
