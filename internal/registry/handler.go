// Package registry resolves string type codes and action-type codes to
// concrete Handler / Compensator implementations. Go has no safe analogue
// to "construct an object given its fully-qualified class name", so
// declarative wiring is done as compile-time factory registration against
// a manifest of (typeCode, factoryName) pairs: handler packages call
// RegisterFactory from their own init(), and LoadManifest resolves
// manifest entries against that compile-time table rather than
// reflecting over package paths.
package registry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
)

// Handler is one registered job type. InitJob is invoked by the engine
// with the task's parsed JSON payload; a non-nil error marks the task
// FAILED (and triggers compensation replay).
type Handler interface {
	InitJob(ctx context.Context, payload json.RawMessage) error
}

// registeredFactory pairs a handler constructor with the import path of
// the package that registered it, so LoadManifest can additionally gate
// resolution on the configured package allow-list.
type registeredFactory struct {
	pkg  string
	ctor func() Handler
}

// factories is the compile-time allow-list of constructible handlers,
// populated by handler packages' init() functions via RegisterFactory.
// This stands in for the original's package-prefix allow-list: a factory
// name not present here can never be resolved, regardless of what a
// manifest file claims.
var (
	factoriesMu sync.RWMutex
	factories   = map[string]registeredFactory{}
)

// RegisterFactory makes a handler constructor resolvable by factoryName
// from a manifest file. Intended to be called from a handler package's
// init(); the calling package's import path is captured automatically so
// a HandlerRegistry with a non-empty allow-list can reject factories that
// don't belong to it.
func RegisterFactory(factoryName string, ctor func() Handler) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[factoryName] = registeredFactory{pkg: callerPackage(), ctor: ctor}
}

// callerPackage returns the import path of RegisterFactory's caller by
// inspecting the calling function's fully-qualified name, which runtime
// reports as "<import/path>.<funcname>".
func callerPackage() string {
	pc, _, _, ok := runtime.Caller(2)
	if !ok {
		return ""
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return ""
	}
	full := fn.Name()
	slash := strings.LastIndex(full, "/")
	rest := full[slash+1:]
	if dot := strings.Index(rest, "."); dot >= 0 {
		return full[:slash+1+dot]
	}
	return full
}

// HandlerRegistry resolves type codes to Handlers. Resolution order on
// Lookup: in-memory cache, direct registration, manifest-resolved
// factory, simple-name match against already-registered handlers.
type HandlerRegistry struct {
	mu              sync.RWMutex
	handlers        map[string]Handler // typeCode -> handler, populated by Register and manifest resolution
	strict          bool
	allowedPrefixes []string
	logger          *slog.Logger
}

// NewHandlerRegistry builds a registry. allowedPackages is the
// runner.allowed.packages config value: a comma-separated list of package
// prefixes a manifest-resolved factory's package must start with. An
// empty string disables the check (every registered factory is
// resolvable).
func NewHandlerRegistry(strict bool, allowedPackages string, logger *slog.Logger) *HandlerRegistry {
	return &HandlerRegistry{
		handlers:        make(map[string]Handler),
		strict:          strict,
		allowedPrefixes: splitAllowList(allowedPackages),
		logger:          logger.With("component", "handler_registry"),
	}
}

func splitAllowList(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	var prefixes []string
	for _, p := range strings.Split(csv, ",") {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, p)
		}
	}
	return prefixes
}

func (r *HandlerRegistry) packageAllowed(pkg string) bool {
	if len(r.allowedPrefixes) == 0 {
		return true
	}
	for _, prefix := range r.allowedPrefixes {
		if strings.HasPrefix(pkg, prefix) {
			return true
		}
	}
	return false
}

// Register binds typeCode directly to h; process startup wiring in
// cmd/schedulerd calls this for every built-in handler.
// Duplicate registration is a warning (first binding
// wins) unless the registry is strict, in which case it panics.
func (r *HandlerRegistry) Register(typeCode string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerLocked(typeCode, h)
}

func (r *HandlerRegistry) registerLocked(typeCode string, h Handler) {
	if _, exists := r.handlers[typeCode]; exists {
		if r.strict {
			panic(fmt.Sprintf("handler registry: duplicate type code %q (strict mode)", typeCode))
		}
		r.logger.Warn("duplicate handler registration, keeping first binding", "type_code", typeCode)
		return
	}
	r.handlers[typeCode] = h
}

// LoadManifest parses a "key=value" declarative mapping file (one entry
// per line; blank lines and lines starting with '#' are ignored) where
// key is a type code and value is a factory name resolved against the
// compile-time factories table. A missing or empty file is legal and a
// no-op. An entry naming a factory absent from the table, or one whose
// registering package doesn't match the registry's allow-list, is logged
// and skipped.
func (r *HandlerRegistry) LoadManifest(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open manifest %s: %w", path, err)
	}
	defer f.Close()

	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		typeCode, factoryName, found := strings.Cut(line, "=")
		if !found {
			r.logger.Warn("malformed manifest line, skipping", "line", line)
			continue
		}
		typeCode, factoryName = strings.TrimSpace(typeCode), strings.TrimSpace(factoryName)

		rf, ok := factories[factoryName]
		if !ok {
			r.logger.Warn("manifest references unregistered factory, skipping",
				"type_code", typeCode, "factory", factoryName)
			continue
		}
		if !r.packageAllowed(rf.pkg) {
			r.logger.Warn("manifest factory package not in allow-list, skipping",
				"type_code", typeCode, "factory", factoryName, "package", rf.pkg)
			continue
		}
		r.registerLocked(typeCode, rf.ctor())
	}
	return scanner.Err()
}

// Lookup resolves typeCode to a Handler. The cache and direct-registration
// steps collapse into the same map in this implementation (a successful
// manifest resolution is written into the same map Register uses, so it
// is "cached" from then on); the fourth step — simple-name match — falls
// back to a case-insensitive match of the whole registered type code,
// since Go handlers have no class name distinct from their registration
// key.
func (r *HandlerRegistry) Lookup(typeCode string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.handlers[typeCode]; ok {
		return h, true
	}
	for registered, h := range r.handlers {
		if strings.EqualFold(registered, typeCode) {
			return h, true
		}
	}
	return nil, false
}
