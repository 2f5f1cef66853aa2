// Package mangle mirrors claim activity into a Mangle deductive database so
// derived views (open, slow and reopened claims) can be queried at runtime.
package mangle

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"claimwatch/internal/config"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

//go:embed claims.mg
var claimsSchema string

// ErrNotReady is returned by queries when the engine is disabled or has no
// schema.
var ErrNotReady = errors.New("engine not ready")

// Fact is one extensional fact.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult binds query variables to values.
type QueryResult map[string]interface{}

// WatchEvent carries facts newly derived for a watched predicate.
type WatchEvent struct {
	Predicate string    `json:"predicate"`
	Facts     []Fact    `json:"facts"`
	Timestamp time.Time `json:"timestamp"`
}

// lowValuePredicates may be sampled when the buffer is under pressure. No
// rule that decides a claim's state depends on them.
var lowValuePredicates = map[string]bool{
	"navigation":          true,
	"tab_change":          true,
	"record_double_click": true,
}

// Engine wraps the Mangle store with a bounded fact buffer.
type Engine struct {
	cfg config.MangleConfig

	mu           sync.RWMutex
	programInfo  *analysis.ProgramInfo
	source       string
	store        factstore.FactStore
	facts        []Fact
	index        map[string][]int
	samplingRate float64

	subMu         sync.RWMutex
	subscriptions map[string][]chan WatchEvent
	seen          map[string]map[string]bool
}

// NewEngine loads cfg.SchemaPath, or the built-in claims schema when it is
// empty.
func NewEngine(cfg config.MangleConfig) (*Engine, error) {
	e := &Engine{
		cfg:           cfg,
		store:         factstore.NewSimpleInMemoryStore(),
		index:         make(map[string][]int),
		samplingRate:  1.0,
		subscriptions: make(map[string][]chan WatchEvent),
		seen:          make(map[string]map[string]bool),
	}
	if !cfg.Enable {
		return e, nil
	}
	if cfg.SchemaPath != "" {
		if err := e.LoadSchema(cfg.SchemaPath); err != nil {
			return nil, err
		}
		return e, nil
	}
	if err := e.LoadSchemaSource(claimsSchema); err != nil {
		return nil, fmt.Errorf("built-in schema: %w", err)
	}
	return e, nil
}

// LoadSchema reads and analyzes a schema file, replacing the current program.
func (e *Engine) LoadSchema(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	return e.LoadSchemaSource(string(data))
}

// LoadSchemaSource analyzes schema source, replacing the current program.
func (e *Engine) LoadSchemaSource(src string) error {
	unit, err := parse.Unit(strings.NewReader(src))
	if err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}
	info, err := analysis.AnalyzeOneUnit(unit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return fmt.Errorf("analyze schema: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.programInfo = info
	e.source = src
	return nil
}

// AddRule adds rules on top of the loaded program. The whole program is
// re-analyzed so the new rules may use any declared predicate.
func (e *Engine) AddRule(src string) error {
	if !e.cfg.Enable {
		return nil
	}
	e.mu.RLock()
	combined := e.source + "\n" + src
	e.mu.RUnlock()
	return e.LoadSchemaSource(combined)
}

// AddFacts buffers facts, adds them to the store and re-evaluates the program.
// When the buffer limit is exceeded the oldest facts are dropped and the store
// is rebuilt from what remains.
func (e *Engine) AddFacts(ctx context.Context, facts []Fact) error {
	if !e.cfg.Enable {
		return nil
	}

	e.mu.Lock()
	e.updateSamplingRate()
	accepted := make([]Fact, 0, len(facts))
	for _, f := range facts {
		if e.shouldAccept(f) {
			accepted = append(accepted, f)
		}
	}

	base := len(e.facts)
	e.facts = append(e.facts, accepted...)
	if limit := e.cfg.FactBufferLimit; limit > 0 && len(e.facts) > limit {
		e.facts = append([]Fact(nil), e.facts[len(e.facts)-limit:]...)
		e.rebuildLocked()
	} else {
		for i, f := range accepted {
			e.index[f.Predicate] = append(e.index[f.Predicate], base+i)
			e.store.Add(factToAtom(f))
		}
	}

	if e.programInfo != nil {
		if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("eval program after fact insertion: %w", err)
		}
	}
	e.mu.Unlock()

	e.notifyWatchers()
	return nil
}

// rebuildLocked replaces the store and index with the buffered facts.
func (e *Engine) rebuildLocked() {
	e.store = factstore.NewSimpleInMemoryStore()
	e.index = make(map[string][]int)
	for i, f := range e.facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], i)
		e.store.Add(factToAtom(f))
	}
}

// updateSamplingRate lowers acceptance of low-value facts as the buffer fills.
func (e *Engine) updateSamplingRate() {
	if e.cfg.FactBufferLimit <= 0 {
		e.samplingRate = 1.0
		return
	}
	fill := float64(len(e.facts)) / float64(e.cfg.FactBufferLimit)
	switch {
	case fill < 0.5:
		e.samplingRate = 1.0
	case fill < 0.7:
		e.samplingRate = 0.8
	case fill < 0.85:
		e.samplingRate = 0.5
	case fill < 0.95:
		e.samplingRate = 0.2
	default:
		e.samplingRate = 0.1
	}
}

func (e *Engine) shouldAccept(f Fact) bool {
	if !lowValuePredicates[f.Predicate] || e.samplingRate >= 1.0 {
		return true
	}
	return rand.Float64() < e.samplingRate
}

// SamplingRate returns the current acceptance rate of low-value facts.
func (e *Engine) SamplingRate() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.samplingRate
}

// Subscribe delivers newly derived facts of predicate to ch. Sends never
// block; a full channel misses the event.
func (e *Engine) Subscribe(predicate string, ch chan WatchEvent) string {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subscriptions[predicate] = append(e.subscriptions[predicate], ch)
	if e.seen[predicate] == nil {
		e.seen[predicate] = make(map[string]bool)
	}
	return fmt.Sprintf("%s:%p", predicate, ch)
}

// Unsubscribe removes ch from predicate.
func (e *Engine) Unsubscribe(predicate string, ch chan WatchEvent) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	chans := e.subscriptions[predicate]
	for i, c := range chans {
		if c == ch {
			e.subscriptions[predicate] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
}

// WatchPredicates lists predicates with at least one subscriber.
func (e *Engine) WatchPredicates() []string {
	e.subMu.RLock()
	defer e.subMu.RUnlock()
	out := make([]string, 0, len(e.subscriptions))
	for p, chans := range e.subscriptions {
		if len(chans) > 0 {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (e *Engine) notifyWatchers() {
	for _, predicate := range e.WatchPredicates() {
		derived := e.derived(predicate)

		e.subMu.Lock()
		seen := e.seen[predicate]
		var fresh []Fact
		for _, f := range derived {
			key := fmt.Sprintf("%q", f.Args)
			if !seen[key] {
				seen[key] = true
				fresh = append(fresh, f)
			}
		}
		chans := append([]chan WatchEvent(nil), e.subscriptions[predicate]...)
		e.subMu.Unlock()

		if len(fresh) == 0 {
			continue
		}
		ev := WatchEvent{Predicate: predicate, Facts: fresh, Timestamp: time.Now()}
		for _, ch := range chans {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// derived returns every fact of predicate currently in the store, across all
// arities it is stored under.
func (e *Engine) derived(predicate string) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Fact
	for _, sym := range e.store.ListPredicates() {
		if sym.Symbol != predicate {
			continue
		}
		query := ast.Atom{Predicate: sym, Args: make([]ast.BaseTerm, sym.Arity)}
		for i := range query.Args {
			query.Args[i] = ast.Variable{Symbol: fmt.Sprintf("V%d", i)}
		}
		_ = e.store.GetFacts(query, func(atom ast.Atom) error {
			out = append(out, atomToFact(atom))
			return nil
		})
	}
	return out
}

// Query answers a single atom such as `open_claim(Id, Ext).` with one binding
// per matching fact. Constants in the atom filter the results.
func (e *Engine) Query(ctx context.Context, src string) ([]QueryResult, error) {
	if !e.Ready() || !e.cfg.Enable {
		return nil, ErrNotReady
	}
	unit, err := parse.Unit(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	if len(unit.Clauses) == 0 {
		return nil, errors.New("no query found")
	}
	q := unit.Clauses[0].Head

	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]QueryResult, 0)
	err = e.store.GetFacts(q, func(atom ast.Atom) error {
		row := make(QueryResult)
		for i, arg := range q.Args {
			if i >= len(atom.Args) {
				break
			}
			switch a := arg.(type) {
			case ast.Variable:
				if a.Symbol != "_" {
					row[a.Symbol] = convertConstant(atom.Args[i])
				}
			case ast.Constant:
				if !a.Equals(atom.Args[i]) {
					return nil
				}
			}
		}
		results = append(results, row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}
	return results, nil
}

// Evaluate re-runs the program and returns every fact of predicate.
func (e *Engine) Evaluate(ctx context.Context, predicate string) ([]Fact, error) {
	if !e.Ready() || !e.cfg.Enable {
		return nil, ErrNotReady
	}
	e.mu.Lock()
	err := engine.EvalProgram(e.programInfo, e.store)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("eval program: %w", err)
	}
	return e.derived(predicate), nil
}

// QueryTemporal returns buffered facts of predicate strictly inside (after, before).
// A zero bound is open.
func (e *Engine) QueryTemporal(predicate string, after, before time.Time) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Fact, 0)
	for _, idx := range e.index[predicate] {
		f := e.facts[idx]
		if (after.IsZero() || f.Timestamp.After(after)) && (before.IsZero() || f.Timestamp.Before(before)) {
			out = append(out, f)
		}
	}
	return out
}

// FactsByPredicate returns buffered facts of predicate in insertion order.
func (e *Engine) FactsByPredicate(predicate string) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Fact, 0, len(e.index[predicate]))
	for _, idx := range e.index[predicate] {
		out = append(out, e.facts[idx])
	}
	return out
}

// Facts returns a copy of the buffer.
func (e *Engine) Facts() []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Fact, len(e.facts))
	copy(out, e.facts)
	return out
}

// Ready reports whether queries can be answered. A disabled engine is ready
// and accepts facts as no-ops.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.programInfo != nil || !e.cfg.Enable
}

func factToAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.Atom{Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)}, Args: args}
}

func atomToFact(atom ast.Atom) Fact {
	args := make([]interface{}, len(atom.Args))
	for i, arg := range atom.Args {
		args[i] = convertConstant(arg)
	}
	return Fact{Predicate: atom.Predicate.Symbol, Args: args, Timestamp: time.Now()}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func convertConstant(t ast.BaseTerm) interface{} {
	c, ok := t.(ast.Constant)
	if !ok {
		if t == nil {
			return nil
		}
		return fmt.Sprintf("%v", t)
	}
	switch c.Type {
	case ast.StringType:
		v, _ := c.StringValue()
		return v
	case ast.NumberType:
		v, _ := c.NumberValue()
		return v
	case ast.Float64Type:
		v, _ := c.Float64Value()
		return v
	}
	return c.String()
}
