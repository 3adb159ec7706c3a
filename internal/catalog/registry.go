package catalog

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-warehouse-api/internal/models"
	appErrors "github.com/noah-isme/sma-warehouse-api/pkg/errors"
)

// HardMaxLimit is the engine-wide row cap no query definition may exceed.
const HardMaxLimit = 10000

// identifiers leave room for the __next/__prev swap suffixes within the 63 byte limit
var sqlIdentPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,54}$`)

// NewValidator returns a validator with the catalog's custom rules registered.
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("sqlident", func(fl validator.FieldLevel) bool {
		return sqlIdentPattern.MatchString(fl.Field().String())
	})
	return v
}

// ViewRegistry holds the aggregate view definitions and their refresh state.
type ViewRegistry struct {
	mu       sync.RWMutex
	views    map[string]*models.AggregateView
	order    []string
	validate *validator.Validate
}

// NewViewRegistry constructs an empty registry.
func NewViewRegistry(validate *validator.Validate) *ViewRegistry {
	if validate == nil {
		validate = NewValidator()
	}
	return &ViewRegistry{views: make(map[string]*models.AggregateView), validate: validate}
}

// Define registers a view. Duplicate or malformed definitions fail with a configuration error.
func (r *ViewRegistry) Define(view models.AggregateView) error {
	if view.Version == 0 {
		view.Version = 1
	}
	if err := r.validate.Struct(view); err != nil {
		return appErrors.WrapAs(appErrors.ErrConfiguration, err, fmt.Sprintf("invalid view definition %q", view.Name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.views[view.Name]; exists {
		return appErrors.Clone(appErrors.ErrConfiguration, fmt.Sprintf("view %q already defined", view.Name))
	}
	view.LastRefreshedAt = nil
	view.RowCount = 0
	view.IndexColumns = append([]string(nil), view.IndexColumns...)
	r.views[view.Name] = &view
	r.order = append(r.order, view.Name)
	return nil
}

// Get returns a copy of the named view.
func (r *ViewRegistry) Get(name string) (models.AggregateView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	view, ok := r.views[name]
	if !ok {
		return models.AggregateView{}, false
	}
	return *view, true
}

// List returns every view in definition order.
func (r *ViewRegistry) List() []models.AggregateView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]models.AggregateView, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, *r.views[name])
	}
	return result
}

// Names returns every view name in definition order.
func (r *ViewRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// MarkRefreshed records a successful refresh.
func (r *ViewRegistry) MarkRefreshed(name string, at time.Time, rows int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	view, ok := r.views[name]
	if !ok {
		return
	}
	at = at.UTC()
	view.LastRefreshedAt = &at
	view.RowCount = rows
}

// ApplyStates seeds refresh state loaded from storage. States written by an
// older definition version are ignored so a changed view reads as uninitialised
// until it is rebuilt.
func (r *ViewRegistry) ApplyStates(states []models.ViewState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, state := range states {
		view, ok := r.views[state.ViewName]
		if !ok || state.Version != view.Version {
			continue
		}
		at := state.LastRefreshedAt.UTC()
		if view.LastRefreshedAt != nil && view.LastRefreshedAt.After(at) {
			continue
		}
		view.LastRefreshedAt = &at
		view.RowCount = state.RowsWritten
	}
}

// QueryCatalog holds the static query definitions loaded at startup.
type QueryCatalog struct {
	mu       sync.RWMutex
	queries  map[string]models.QueryDefinition
	views    *ViewRegistry
	maxRows  int
	validate *validator.Validate
}

// NewQueryCatalog constructs a catalog bound to the view registry. maxRows is
// the configured result cap and is itself bounded by HardMaxLimit.
func NewQueryCatalog(views *ViewRegistry, maxRows int, validate *validator.Validate) *QueryCatalog {
	if maxRows <= 0 || maxRows > HardMaxLimit {
		maxRows = HardMaxLimit
	}
	if validate == nil {
		validate = NewValidator()
	}
	return &QueryCatalog{queries: make(map[string]models.QueryDefinition), views: views, maxRows: maxRows, validate: validate}
}

// Register adds a query definition after checking its schema, limits and target.
func (c *QueryCatalog) Register(def models.QueryDefinition) error {
	if def.DefaultLimit == 0 {
		def.DefaultLimit = min(100, def.MaxLimit)
	}
	if err := c.validate.Struct(def); err != nil {
		return appErrors.WrapAs(appErrors.ErrConfiguration, err, fmt.Sprintf("invalid query definition %q", def.Name))
	}
	if def.MaxLimit > c.maxRows {
		return appErrors.Clone(appErrors.ErrConfiguration, fmt.Sprintf("query %q max_limit %d exceeds result cap %d", def.Name, def.MaxLimit, c.maxRows))
	}
	if def.Target.Kind == models.TargetView {
		if def.Target.View == "" {
			return appErrors.Clone(appErrors.ErrConfiguration, fmt.Sprintf("query %q targets a view but names none", def.Name))
		}
		if c.views == nil {
			return appErrors.Clone(appErrors.ErrConfiguration, fmt.Sprintf("query %q targets view %q but no views are registered", def.Name, def.Target.View))
		}
		if _, ok := c.views.Get(def.Target.View); !ok {
			return appErrors.Clone(appErrors.ErrConfiguration, fmt.Sprintf("query %q targets unknown view %q", def.Name, def.Target.View))
		}
	}
	if err := checkPlaceholders(def); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.queries[def.Name]; exists {
		return appErrors.Clone(appErrors.ErrConfiguration, fmt.Sprintf("query %q already defined", def.Name))
	}
	c.queries[def.Name] = def
	return nil
}

// Get returns the named query definition.
func (c *QueryCatalog) Get(name string) (models.QueryDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.queries[name]
	return def, ok
}

// List returns all query definitions sorted by name.
func (c *QueryCatalog) List() []models.QueryDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]models.QueryDefinition, 0, len(c.queries))
	for _, def := range c.queries {
		result = append(result, def)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// ByView returns the queries reading the named view.
func (c *QueryCatalog) ByView(view string) []models.QueryDefinition {
	var result []models.QueryDefinition
	for _, def := range c.List() {
		if def.Target.Kind == models.TargetView && def.Target.View == view {
			result = append(result, def)
		}
	}
	return result
}

// MaxRows returns the configured result cap.
func (c *QueryCatalog) MaxRows() int {
	return c.maxRows
}

// checkPlaceholders compiles the statement with every declared parameter bound
// so an undeclared :placeholder fails at startup instead of at request time.
func checkPlaceholders(def models.QueryDefinition) error {
	if strings.Contains(strings.ToUpper(def.Statement), " LIMIT ") {
		return appErrors.Clone(appErrors.ErrConfiguration, fmt.Sprintf("query %q must not embed LIMIT; pagination is applied by the engine", def.Name))
	}
	args := make(map[string]interface{}, len(def.Params))
	for _, p := range def.Params {
		args[p.Name] = nil
	}
	if _, _, err := sqlx.Named(def.Statement, args); err != nil {
		return appErrors.WrapAs(appErrors.ErrConfiguration, err, fmt.Sprintf("query %q references undeclared parameters", def.Name))
	}
	return nil
}
