// Package auth holds the secrets that authorize on-demand page revalidation.
package auth

import (
	"bufio"
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const anonymous = "default"

// TokenStore keeps the revalidation tokens from a file on disk and reloads
// them when the file changes.
//
// Each line is either a bare token or "name:token". Blank lines and lines
// starting with '#' are ignored.
type TokenStore struct {
	file   string
	logger *log.Logger

	mu     sync.RWMutex
	tokens map[string]string // token -> name

	watcher  *fsnotify.Watcher
	debounce time.Duration

	timerMu sync.Mutex
	timer   *time.Timer

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewTokenStore loads filePath and starts watching it.
func NewTokenStore(filePath string, debounce time.Duration, logger *log.Logger) (*TokenStore, error) {
	if logger == nil {
		logger = log.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	s := &TokenStore{
		file:     filepath.Clean(filePath),
		logger:   logger,
		tokens:   map[string]string{},
		watcher:  watcher,
		debounce: debounce,
		done:     make(chan struct{}),
	}

	if err := s.reload(); err != nil {
		watcher.Close()
		return nil, err
	}

	// Editors replace files by rename, so the directory is watched too.
	if err := watcher.Add(filepath.Dir(s.file)); err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(s.file); err != nil {
		s.logger.Printf("watch token file: %v", err)
	}

	s.wg.Add(1)
	go s.watch()

	return s, nil
}

// Close stops watching the token file.
func (s *TokenStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		s.timerMu.Lock()
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.timerMu.Unlock()

		s.closeErr = s.watcher.Close()
		s.wg.Wait()
	})
	return s.closeErr
}

// Lookup returns the name the token was registered under.
func (s *TokenStore) Lookup(token string) (string, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		name  string
		found bool
	)
	for candidate, owner := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			name, found = owner, true
		}
	}
	return name, found
}

// Valid reports whether token is authorized.
func (s *TokenStore) Valid(token string) bool {
	_, ok := s.Lookup(token)
	return ok
}

// Names lists the registered token names, sorted.
func (s *TokenStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{}, len(s.tokens))
	names := make([]string, 0, len(s.tokens))
	for _, name := range s.tokens {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *TokenStore) watch() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.file {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				s.schedule()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Printf("token watcher: %v", err)
		}
	}
}

func (s *TokenStore) schedule() {
	select {
	case <-s.done:
		return
	default:
	}

	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		if err := s.reload(); err != nil {
			s.logger.Printf("reload tokens: %v", err)
		}
	})
}

func (s *TokenStore) reload() error {
	data, err := os.ReadFile(s.file)
	if errors.Is(err, os.ErrNotExist) {
		s.replace(map[string]string{})
		s.logger.Printf("token file %s missing; revalidation disabled", s.file)
		return nil
	}
	if err != nil {
		return err
	}

	tokens, err := ParseTokens(data)
	if err != nil {
		return fmt.Errorf("%s: %w", s.file, err)
	}
	s.replace(tokens)
	s.logger.Printf("loaded %d revalidation tokens", len(tokens))
	return nil
}

func (s *TokenStore) replace(tokens map[string]string) {
	s.mu.Lock()
	s.tokens = tokens
	s.mu.Unlock()
}

// ParseTokens reads token file content into a token -> name map.
func ParseTokens(data []byte) (map[string]string, error) {
	tokens := map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		name, token := anonymous, line
		if before, after, ok := strings.Cut(line, ":"); ok {
			name, token = strings.TrimSpace(before), strings.TrimSpace(after)
			if name == "" || token == "" {
				return nil, fmt.Errorf("line %d: expected name:token", lineNo)
			}
		}
		tokens[token] = name
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}
