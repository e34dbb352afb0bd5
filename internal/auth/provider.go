package auth

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Provider supplies the current token and announces rotations.
type Provider interface {
	// Token returns the current token.
	Token() string

	// Rotations delivers each new token. Only the latest undelivered
	// token is kept.
	Rotations() <-chan string
}

// Static is a Provider for a fixed token.
type Static struct {
	token     string
	rotations chan string
}

// NewStatic creates a Provider that never rotates.
func NewStatic(token string) *Static {
	return &Static{token: token, rotations: make(chan string)}
}

func (s *Static) Token() string            { return s.token }
func (s *Static) Rotations() <-chan string { return s.rotations }

// FileProvider reads the token from a file and reloads it whenever the
// file changes.
type FileProvider struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu        sync.RWMutex
	token     string
	timer     *time.Timer
	rotations chan string
}

// NewFileProvider loads the initial token from path.
func NewFileProvider(path string, logger *slog.Logger) (*FileProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	token, err := LoadToken(path)
	if err != nil {
		return nil, err
	}

	return &FileProvider{
		path:      path,
		debounce:  100 * time.Millisecond,
		logger:    logger.With("token_file", path),
		token:     token,
		rotations: make(chan string, 1),
	}, nil
}

// Token returns the current token.
func (p *FileProvider) Token() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token
}

// Rotations delivers reloaded tokens.
func (p *FileProvider) Rotations() <-chan string {
	return p.rotations
}

// Run watches the token file until ctx is done. The parent directory is
// watched so that atomic replace-by-rename is picked up.
func (p *FileProvider) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	name := filepath.Base(p.path)
	for {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			if p.timer != nil {
				p.timer.Stop()
			}
			p.mu.Unlock()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			p.scheduleReload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("token watcher error", "error", err)
		}
	}
}

func (p *FileProvider) scheduleReload() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.debounce, p.reload)
}

func (p *FileProvider) reload() {
	token, err := LoadToken(p.path)
	if err != nil {
		// Writers often truncate before writing; the next event reloads.
		p.logger.Debug("token reload skipped", "error", err)
		return
	}

	p.mu.Lock()
	if token == p.token {
		p.mu.Unlock()
		return
	}
	p.token = token
	p.mu.Unlock()

	p.logger.Info("token rotated")

	// Latest token wins
	select {
	case <-p.rotations:
	default:
	}
	select {
	case p.rotations <- token:
	default:
	}
}
