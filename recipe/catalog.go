package recipe

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-curd"
)

//go:embed recipes/*.yaml
var builtin embed.FS

// DefaultRecipeID is the recipe used when callers do not name one.
const DefaultRecipeID = "caciotta"

// Catalog is a read-only set of recipes keyed by id.
type Catalog struct {
	recipes map[string]*Definition
}

// NewCatalog indexes defs by id. Ids match case-insensitively, so ids
// differing only in case are duplicates and are rejected.
func NewCatalog(defs ...*Definition) (*Catalog, error) {
	c := &Catalog{recipes: make(map[string]*Definition, len(defs))}
	for _, def := range defs {
		if def == nil {
			continue
		}
		key := catalogKey(def.ID)
		if _, exists := c.recipes[key]; exists {
			return nil, fmt.Errorf("recipe %s already registered", def.ID)
		}
		c.recipes[key] = def
	}
	return c, nil
}

func catalogKey(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Lookup resolves an enabled recipe.
func (c *Catalog) Lookup(id string) (*Definition, error) {
	id = catalogKey(id)
	if id == "" {
		id = DefaultRecipeID
	}
	def, ok := c.get(id)
	if !ok {
		return nil, curd.NewError(curd.ErrInvalidCheeseType, "", map[string]any{"recipe_id": id})
	}
	if !def.Enabled {
		return nil, curd.NewError(curd.ErrCheeseTypeUnavailable, "", map[string]any{"recipe_id": id})
	}
	return def, nil
}

// Get returns a recipe regardless of its enabled flag. Existing batches
// keep resolving their recipe after it is disabled.
func (c *Catalog) Get(id string) (*Definition, bool) {
	return c.get(catalogKey(id))
}

func (c *Catalog) get(id string) (*Definition, bool) {
	if c == nil {
		return nil, false
	}
	def, ok := c.recipes[id]
	return def, ok
}

// IDs lists recipe ids sorted, as written in their definitions.
func (c *Catalog) IDs() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.recipes))
	for _, def := range c.recipes {
		ids = append(ids, def.ID)
	}
	sort.Strings(ids)
	return ids
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
	defaultErr     error
)

// Builtin returns the catalog compiled into the binary.
func Builtin() (*Catalog, error) {
	defaultOnce.Do(func() {
		defaultCatalog, defaultErr = loadFS(builtin, "recipes")
	})
	return defaultCatalog, defaultErr
}

// Default returns the builtin default recipe.
func Default() (*Definition, error) {
	cat, err := Builtin()
	if err != nil {
		return nil, err
	}
	def, ok := cat.Get(DefaultRecipeID)
	if !ok {
		return nil, fmt.Errorf("builtin recipe %s missing", DefaultRecipeID)
	}
	return def, nil
}

// LoadDir builds a catalog from every *.yaml and *.yml file in dir.
func LoadDir(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read recipes dir: %w", err)
	}
	var defs []*Definition
	for _, entry := range entries {
		if entry.IsDir() || !isRecipeFile(entry.Name()) {
			continue
		}
		def, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return NewCatalog(defs...)
}

func loadFS(fsys embed.FS, dir string) (*Catalog, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var defs []*Definition
	for _, entry := range entries {
		if !isRecipeFile(entry.Name()) {
			continue
		}
		data, err := fsys.ReadFile(dir + "/" + entry.Name())
		if err != nil {
			return nil, err
		}
		def, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("recipe %s: %w", entry.Name(), err)
		}
		defs = append(defs, def)
	}
	return NewCatalog(defs...)
}

func isRecipeFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
