package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/coursefactory/internal/extract"
	"github.com/lucasnoah/coursefactory/internal/job"
	"github.com/lucasnoah/coursefactory/internal/logging"
	"github.com/lucasnoah/coursefactory/internal/retrieval"
	"github.com/lucasnoah/coursefactory/internal/stage"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <path>...",
	Short: "Index documents for retrieval",
	Long: `Chunk, embed and index text documents so 'factory query' and the
/api/query endpoint can search them. Directories are walked for .txt, .md,
.markdown and .rst files. A document's id is its file name without the
extension; re-ingesting a document replaces all of its chunks.

With --watch the command keeps running and re-indexes files as they change,
removing documents whose files are deleted.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")
		local, _ := cmd.Flags().GetBool("local")

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		files, err := collectDocuments(args)
		if err != nil {
			return err
		}
		ing := &docIngester{svc: a.retrieval, local: local, out: cmd.OutOrStdout()}
		for _, f := range files {
			if err := ing.ingest(cmd.Context(), f); err != nil {
				return err
			}
		}
		if !watch {
			if len(files) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No documents found.")
			}
			return nil
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()
		fmt.Fprintf(cmd.ErrOrStderr(), "watching %s for changes (Ctrl-C to stop)\n", strings.Join(args, ", "))
		return watchDocuments(ctx, args, ing, 300*time.Millisecond, a.logger)
	},
}

func ingestible(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}
	return extract.Supported(base)
}

// collectDocuments expands directories into the ingestible files below
// them. Explicit file arguments are kept whatever their extension.
func collectDocuments(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		if !fi.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != p && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if ingestible(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", p, err)
		}
	}
	sort.Strings(files)
	return files, nil
}

// docIngester indexes files, or removes them from the index when they are
// gone.
type docIngester struct {
	svc interface {
		Ingest(ctx context.Context, doc retrieval.Document) ([]retrieval.Chunk, error)
		IngestLocal(ctx context.Context, doc retrieval.Document) ([]retrieval.Chunk, error)
		Delete(ctx context.Context, docID string) error
	}
	local bool
	out   io.Writer
}

func documentID(path string) string {
	return stage.DocumentID(job.Document{Path: path}, 0)
}

func (d *docIngester) ingest(ctx context.Context, path string) error {
	text, err := extract.File(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	doc := retrieval.Document{ID: documentID(path), Title: filepath.Base(path), Text: text}
	if strings.TrimSpace(doc.Text) == "" {
		fmt.Fprintf(d.out, "skipped %s: empty\n", path)
		return nil
	}
	var chunks []retrieval.Chunk
	if d.local {
		chunks, err = d.svc.IngestLocal(ctx, doc)
	} else {
		chunks, err = d.svc.Ingest(ctx, doc)
	}
	if err != nil {
		return fmt.Errorf("ingest %s: %w", path, err)
	}
	model := ""
	if len(chunks) > 0 {
		model = chunks[0].Model
	}
	fmt.Fprintf(d.out, "indexed %s: %d chunk(s) [%s]\n", doc.ID, len(chunks), model)
	return nil
}

func (d *docIngester) remove(ctx context.Context, path string) error {
	id := documentID(path)
	err := d.svc.Delete(ctx, id)
	if errors.Is(err, retrieval.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	fmt.Fprintf(d.out, "removed %s\n", id)
	return nil
}

// sync brings the index in line with the file at path.
func (d *docIngester) sync(ctx context.Context, path string) error {
	fi, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return d.remove(ctx, path)
	case err != nil:
		return err
	case fi.IsDir():
		return nil
	}
	return d.ingest(ctx, path)
}

// watchDocuments re-syncs changed files under roots until ctx is done.
// Bursts of events for the same file within debounce collapse into one
// sync.
func watchDocuments(ctx context.Context, roots []string, ing *docIngester, debounce time.Duration, logger *slog.Logger) error {
	logger = logging.WithComponent(logger, "ingest-watch")
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer watcher.Close()

	// Plain files are watched through their directory; only the named
	// files are accepted from it.
	files := make(map[string]bool)
	var dirs []string
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return err
		}
		fi, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("stat %s: %w", root, err)
		}
		if fi.IsDir() {
			dirs = append(dirs, abs)
			addDirsRecursive(watcher, abs, logger)
			continue
		}
		files[abs] = true
		if err := watcher.Add(filepath.Dir(abs)); err != nil {
			return fmt.Errorf("watch %s: %w", root, err)
		}
	}
	accept := func(path string) bool {
		return files[path] || (underAny(path, dirs) && ingestible(path))
	}

	var (
		mu      sync.Mutex
		pending = make(map[string]bool)
		timer   *time.Timer
	)
	flush := make(chan struct{}, 1)
	mark := func(path string) {
		mu.Lock()
		defer mu.Unlock()
		pending[path] = true
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			select {
			case flush <- struct{}{}:
			default:
			}
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create == fsnotify.Create {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					addDirsRecursive(watcher, ev.Name, logger)
					continue
				}
			}
			if ev.Op == fsnotify.Chmod || !accept(ev.Name) {
				continue
			}
			logger.Debug("document change", logging.Document(ev.Name), "op", ev.Op.String())
			mark(ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", logging.Error(err))
		case <-flush:
			mu.Lock()
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			pending = make(map[string]bool)
			mu.Unlock()
			sort.Strings(paths)
			for _, p := range paths {
				if err := ing.sync(ctx, p); err != nil {
					logger.Error("sync document", logging.Document(p), logging.Error(err))
				}
			}
		}
	}
}

func underAny(path string, dirs []string) bool {
	for _, dir := range dirs {
		if rel, err := filepath.Rel(dir, path); err == nil && filepath.IsLocal(rel) {
			return true
		}
	}
	return false
}

func addDirsRecursive(w *fsnotify.Watcher, root string, logger *slog.Logger) {
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if err := w.Add(path); err != nil {
				logger.Warn("watch add failed", "dir", path, logging.Error(err))
			}
		}
		return nil
	})
}

func init() {
	ingestCmd.Flags().Bool("watch", false, "Keep running and re-index files as they change")
	ingestCmd.Flags().Bool("local", false, "Use the built-in hashed embedder and skip external calls")
}
