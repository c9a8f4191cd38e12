package library

import (
	"context"
	"fmt"
	"html"
	"log"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"podcastr/internal/metadata"
	"podcastr/internal/models"
)

// Library monitors an audio directory and serves its files as raw episodes.
type Library struct {
	root    string
	allowed map[string]struct{}
	watcher *fsnotify.Watcher
	logger  *log.Logger

	mu    sync.RWMutex
	files []models.AudioFile
	byID  map[string]models.AudioFile

	onChange func()

	refreshMu    sync.Mutex
	refreshTimer *time.Timer
	refreshDelay time.Duration

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewLibrary creates a new Library and starts watching the provided root path.
func NewLibrary(root string, allowed []string, debounce time.Duration, logger *log.Logger) (*Library, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = log.Default()
	}

	lib := &Library{
		root:         root,
		allowed:      make(map[string]struct{}, len(allowed)),
		watcher:      watcher,
		logger:       logger,
		byID:         make(map[string]models.AudioFile),
		refreshDelay: debounce,
		done:         make(chan struct{}),
	}

	for _, ext := range allowed {
		lib.allowed[strings.ToLower(ext)] = struct{}{}
	}

	lib.addWatchRecursive(root)

	if err := lib.refresh(); err != nil {
		watcher.Close()
		return nil, err
	}

	lib.wg.Add(1)
	go lib.run()

	return lib, nil
}

// OnChange registers fn to run after every refresh triggered by the watcher.
func (l *Library) OnChange(fn func()) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// Close stops the watcher and cleans up resources.
func (l *Library) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)

		l.refreshMu.Lock()
		if l.refreshTimer != nil {
			l.refreshTimer.Stop()
			l.refreshTimer = nil
		}
		l.refreshMu.Unlock()

		l.closeErr = l.watcher.Close()
		l.wg.Wait()
	})
	return l.closeErr
}

// Files returns a snapshot of the cached metadata.
func (l *Library) Files() []models.AudioFile {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]models.AudioFile, len(l.files))
	copy(result, l.files)
	return result
}

// File looks up a file by episode id.
func (l *Library) File(id string) (models.AudioFile, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	file, ok := l.byID[id]
	return file, ok
}

// Path returns the absolute path of the file behind an episode id.
func (l *Library) Path(id string) (string, bool) {
	file, ok := l.File(id)
	if !ok {
		return "", false
	}
	return filepath.Join(l.root, filepath.FromSlash(file.RelativePath)), true
}

// List returns raw episodes ordered and limited by params.
func (l *Library) List(ctx context.Context, params models.ListParams) ([]models.RawEpisode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	files := l.Files()
	less := func(i, j int) bool {
		if files[i].ModifiedAt.Equal(files[j].ModifiedAt) {
			return files[i].ID < files[j].ID
		}
		return files[i].ModifiedAt.Before(files[j].ModifiedAt)
	}
	if params.Sort == models.SortTitle {
		less = func(i, j int) bool {
			if files[i].Title == files[j].Title {
				return files[i].ID < files[j].ID
			}
			return files[i].Title < files[j].Title
		}
	}
	sort.SliceStable(files, func(i, j int) bool {
		if params.Descending() {
			return less(j, i)
		}
		return less(i, j)
	})

	if params.Limit > 0 && len(files) > params.Limit {
		files = files[:params.Limit]
	}

	episodes := make([]models.RawEpisode, 0, len(files))
	for _, file := range files {
		episodes = append(episodes, RawEpisode(file))
	}
	return episodes, nil
}

// Get returns the raw episode for id.
func (l *Library) Get(ctx context.Context, id string) (models.RawEpisode, error) {
	if err := ctx.Err(); err != nil {
		return models.RawEpisode{}, err
	}
	file, ok := l.File(id)
	if !ok {
		return models.RawEpisode{}, fmt.Errorf("library episode %s: %w", id, models.ErrNotFound)
	}
	return RawEpisode(file), nil
}

// RawEpisode presents a local audio file the way the episodes API would.
// Media and artwork URLs are site relative (/audio/..., /artwork/...).
func RawEpisode(file models.AudioFile) models.RawEpisode {
	raw := models.RawEpisode{
		ID:          file.ID,
		Title:       file.Title,
		PublishedAt: file.ModifiedAt.UTC().Format(time.RFC3339),
		File: models.RawFile{
			URL: AudioURL(file.RelativePath),
		},
	}

	if file.Artist != nil {
		raw.Members = *file.Artist
	}
	if file.HasArtwork() {
		raw.Thumbnail = "/artwork/" + url.PathEscape(file.ID)
	}

	var parts []string
	if file.Album != nil {
		parts = append(parts, "<p><strong>"+html.EscapeString(*file.Album)+"</strong></p>")
	}
	if file.Comment != nil {
		parts = append(parts, "<p>"+html.EscapeString(*file.Comment)+"</p>")
	}
	raw.Description = strings.Join(parts, "\n")

	if file.DurationSeconds != nil {
		raw.File.Duration = models.FlexNumber(strconv.FormatInt(int64(math.Round(*file.DurationSeconds)), 10))
	}
	return raw
}

// AudioURL is the site path the audio handler serves a relative path under.
func AudioURL(relative string) string {
	segments := strings.Split(relative, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return "/audio/" + strings.Join(segments, "/")
}

func (l *Library) run() {
	defer l.wg.Done()

	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			l.handleEvent(event)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Printf("watcher error: %v", err)
		case <-l.done:
			return
		}
	}
}

func (l *Library) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			l.addWatchRecursive(event.Name)
		}
	}

	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
		if l.isAllowed(event.Name) || event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			l.scheduleRefresh()
		}
	}
}

func (l *Library) refresh() error {
	var files []models.AudioFile

	err := filepath.WalkDir(l.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			l.logger.Printf("walk error for %s: %v", path, err)
			return nil
		}

		if d.IsDir() {
			return nil
		}

		if !l.isAllowed(path) {
			return nil
		}

		file, err := metadata.ReadAudioFile(path, l.root)
		if err != nil {
			l.logger.Printf("metadata error for %s: %v", path, err)
			return nil
		}

		files = append(files, file)
		return nil
	})
	if err != nil {
		return err
	}

	sort.SliceStable(files, func(i, j int) bool {
		return files[i].RelativePath < files[j].RelativePath
	})

	byID := make(map[string]models.AudioFile, len(files))
	unique := files[:0]
	for _, file := range files {
		if _, dup := byID[file.ID]; dup {
			l.logger.Printf("skipping %s: id %q already used", file.RelativePath, file.ID)
			continue
		}
		byID[file.ID] = file
		unique = append(unique, file)
	}

	l.mu.Lock()
	l.files = unique
	l.byID = byID
	l.mu.Unlock()

	l.logger.Printf("library refreshed with %d episodes", len(unique))
	return nil
}

func (l *Library) scheduleRefresh() {
	select {
	case <-l.done:
		return
	default:
	}

	l.refreshMu.Lock()
	defer l.refreshMu.Unlock()

	if l.refreshTimer != nil {
		l.refreshTimer.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(l.refreshDelay, func() {
		if err := l.refresh(); err != nil {
			l.logger.Printf("refresh error: %v", err)
		} else {
			l.mu.RLock()
			fn := l.onChange
			l.mu.RUnlock()
			if fn != nil {
				fn()
			}
		}

		l.refreshMu.Lock()
		if l.refreshTimer == timer {
			l.refreshTimer = nil
		}
		l.refreshMu.Unlock()
	})

	l.refreshTimer = timer
}

func (l *Library) addWatchRecursive(path string) {
	filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			l.logger.Printf("walk error for %s: %v", p, err)
			return nil
		}

		if d.IsDir() {
			if err := l.watcher.Add(p); err != nil {
				l.logger.Printf("watcher add failure for %s: %v", p, err)
			}
		}
		return nil
	})
}

func (l *Library) isAllowed(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := l.allowed[ext]
	return ok
}
