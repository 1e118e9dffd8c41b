package skills

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Catalog lists the skills a workflow may reference.
type Catalog interface {
	ListAvailable(ctx context.Context) ([]Skill, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

const skillFile = "SKILL.md"

// DirCatalog scans user and project skill directories. Results are cached
// for ttl; an absent directory contributes no skills.
type DirCatalog struct {
	dirs   map[Scope]string
	clock  Clock
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.RWMutex
	cached   []Skill
	cachedAt time.Time
}

// NewDirCatalog creates a catalog over userDir and projectDir. Either may be empty.
func NewDirCatalog(userDir, projectDir string, ttl time.Duration) *DirCatalog {
	return NewDirCatalogWithClock(userDir, projectDir, ttl, realClock{})
}

// NewDirCatalogWithClock creates a DirCatalog with a custom clock (for testing).
func NewDirCatalogWithClock(userDir, projectDir string, ttl time.Duration, clock Clock) *DirCatalog {
	return &DirCatalog{
		dirs:   map[Scope]string{ScopeUser: userDir, ScopeProject: projectDir},
		clock:  clock,
		ttl:    ttl,
		logger: slog.Default(),
	}
}

func (c *DirCatalog) fresh() bool {
	return c.cached != nil && c.clock.Now().Before(c.cachedAt.Add(c.ttl))
}

// ListAvailable returns every discovered skill sorted by scope then name.
func (c *DirCatalog) ListAvailable(ctx context.Context) ([]Skill, error) {
	c.mu.RLock()
	if c.fresh() {
		out := append([]Skill(nil), c.cached...)
		c.mu.RUnlock()
		return out, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fresh() {
		return append([]Skill(nil), c.cached...), nil
	}

	scopes := []Scope{ScopeProject, ScopeUser}
	found := make([][]Skill, len(scopes))
	g, gCtx := errgroup.WithContext(ctx)
	for i, scope := range scopes {
		dir := c.dirs[scope]
		if dir == "" {
			continue
		}
		g.Go(func() error {
			skills, err := c.scan(gCtx, scope, dir)
			if err != nil {
				return fmt.Errorf("scanning %s skills: %w", scope, err)
			}
			found[i] = skills
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	all := []Skill{}
	for _, s := range found {
		all = append(all, s...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Scope != all[j].Scope {
			return all[i].Scope == ScopeProject
		}
		return all[i].Name < all[j].Name
	})

	c.cached = all
	c.cachedAt = c.clock.Now()
	return append([]Skill(nil), all...), nil
}

// Invalidate drops the cached listing.
func (c *DirCatalog) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

func (c *DirCatalog) scan(ctx context.Context, scope Scope, dir string) ([]Skill, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var out []Skill
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), skillFile)
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				c.logger.Warn("skipping unreadable skill", "path", path, "error", err)
			}
			continue
		}
		fm, err := parseFrontMatter(data)
		if err != nil {
			c.logger.Warn("skipping skill with bad frontmatter", "path", path, "error", err)
			continue
		}
		name := fm.Name
		if name == "" {
			name = e.Name()
		}
		out = append(out, Skill{
			Name:        name,
			Scope:       scope,
			Description: fm.Description,
			Path:        path,
		})
	}
	return out, nil
}

// StaticCatalog serves a fixed list.
type StaticCatalog []Skill

func (s StaticCatalog) ListAvailable(context.Context) ([]Skill, error) {
	return append([]Skill(nil), s...), nil
}
