// Package schema tracks the row-format version recorded for each cache-key namespace and
// resets a namespace's storage when the declared version changes.
package schema

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethpandaops/chaincache/pkg/cachekey"
	"github.com/ethpandaops/chaincache/pkg/lock"
	"github.com/ethpandaops/chaincache/pkg/observability"
	"github.com/ethpandaops/chaincache/pkg/storage"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownNamespace is returned for namespaces without a declared version
	ErrUnknownNamespace = errors.New("unknown namespace")
	// ErrInvalidVersion is returned when a declared version is empty
	ErrInvalidVersion = errors.New("invalid schema version")
)

// Status is the state of a namespace's stored version relative to the declared one
type Status int

const (
	// Missing means no version was ever recorded
	Missing Status = iota
	// Current means the recorded version matches the declared one
	Current
	// Stale means the recorded version differs; stored coverage must be ignored
	Stale
)

func (s Status) String() string {
	switch s {
	case Missing:
		return "missing"
	case Current:
		return "current"
	case Stale:
		return "stale"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Version is the recorded version of one namespace
type Version struct {
	Namespace string    `json:"namespace"`
	Version   string    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ResetFunc drops all stored data of a namespace
type ResetFunc func(ctx context.Context, namespace string) error

// Guard compares recorded namespace versions against the declared ones
type Guard struct {
	log      logrus.FieldLogger
	backend  storage.Backend
	locker   lock.Locker
	declared map[string]string
	now      func() time.Time

	mu      sync.RWMutex
	current map[string]struct{}
}

// New creates a guard. declared overrides the default version of each namespace.
func New(log logrus.FieldLogger, backend storage.Backend, locker lock.Locker, declared map[string]string) (*Guard, error) {
	versions := cachekey.DefaultVersions()

	for ns, v := range declared {
		if _, ok := versions[ns]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownNamespace, ns)
		}

		if v == "" {
			return nil, fmt.Errorf("%w: empty version for %q", ErrInvalidVersion, ns)
		}

		versions[ns] = v
	}

	return &Guard{
		log:      log.WithField("component", "schema"),
		backend:  backend,
		locker:   locker,
		declared: versions,
		now:      func() time.Time { return time.Now().UTC() },
		current:  make(map[string]struct{}),
	}, nil
}

// Declared returns the declared version of namespace
func (g *Guard) Declared(namespace string) (string, error) {
	v, ok := g.declared[namespace]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownNamespace, namespace)
	}

	return v, nil
}

func (g *Guard) isCurrent(namespace string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	_, ok := g.current[namespace]

	return ok
}

func (g *Guard) markCurrent(namespace string) {
	g.mu.Lock()
	g.current[namespace] = struct{}{}
	g.mu.Unlock()
}

// Check reports whether the recorded version of namespace matches the declared one
func (g *Guard) Check(ctx context.Context, namespace string) (Status, error) {
	declared, err := g.Declared(namespace)
	if err != nil {
		return Missing, err
	}

	if g.isCurrent(namespace) {
		return Current, nil
	}

	var status Status

	err = g.backend.View(ctx, func(tx storage.Tx) error {
		var err error
		status, _, err = g.statusTx(tx, namespace, declared)

		return err
	})
	if err != nil {
		return Missing, err
	}

	if status == Current {
		g.markCurrent(namespace)
	}

	return status, nil
}

// IsStale reports whether namespace holds rows of a version other than the declared one
func (g *Guard) IsStale(ctx context.Context, namespace string) (bool, error) {
	status, err := g.Check(ctx, namespace)
	if err != nil {
		return false, err
	}

	return status == Stale, nil
}

func (g *Guard) statusTx(tx storage.Tx, namespace, declared string) (Status, string, error) {
	rows, err := tx.Select(storage.TableSchemaVersions, storage.ForKey(namespace))
	if err != nil {
		return Missing, "", fmt.Errorf("select schema version of %s: %w", namespace, err)
	}

	if len(rows) == 0 {
		return Missing, "", nil
	}

	recorded := rows[0].Version
	if recorded == declared {
		return Current, recorded, nil
	}

	return Stale, recorded, nil
}

// Adopt records the declared version of namespace. A stale namespace is reset first. The
// check is repeated under the namespace lock, so concurrent callers reset at most once.
func (g *Guard) Adopt(ctx context.Context, namespace string, reset ResetFunc) error {
	declared, err := g.Declared(namespace)
	if err != nil {
		return err
	}

	if g.isCurrent(namespace) {
		return nil
	}

	u, err := g.locker.Lock(ctx, "schema:"+namespace)
	if err != nil {
		return fmt.Errorf("lock schema %s: %w", namespace, err)
	}

	defer func() {
		if err := u.Unlock(context.Background()); err != nil {
			g.log.WithError(err).WithField("namespace", namespace).Warn("Failed to release schema lock")
		}
	}()

	var (
		status   Status
		recorded string
	)

	err = g.backend.View(ctx, func(tx storage.Tx) error {
		var err error
		status, recorded, err = g.statusTx(tx, namespace, declared)

		return err
	})
	if err != nil {
		return err
	}

	if status == Current {
		g.markCurrent(namespace)
		return nil
	}

	log := g.log.WithFields(logrus.Fields{
		"namespace": namespace,
		"declared":  declared,
		"recorded":  recorded,
	})

	if status == Stale {
		log.Warn("Schema version changed, resetting namespace")

		if err := reset(ctx, namespace); err != nil {
			observability.RecordError("schema", "reset_failed")
			return fmt.Errorf("reset namespace %s: %w", namespace, err)
		}
	}

	row := storage.Row{Key: namespace, Version: declared, UpdatedAt: g.now()}

	err = g.backend.Update(ctx, func(tx storage.Tx) error {
		if _, err := tx.Delete(storage.TableSchemaVersions, storage.ForKey(namespace)); err != nil {
			return err
		}

		return tx.Insert(storage.TableSchemaVersions, row)
	})
	if err != nil {
		return fmt.Errorf("record schema version of %s: %w", namespace, err)
	}

	g.markCurrent(namespace)
	observability.RecordSchemaAdoption(namespace, status.String())
	log.Info("Adopted schema version")

	return nil
}

// Versions lists the recorded version of every namespace that has one
func (g *Guard) Versions(ctx context.Context) ([]Version, error) {
	var out []Version

	err := g.backend.View(ctx, func(tx storage.Tx) error {
		rows, err := tx.Select(storage.TableSchemaVersions, storage.Predicate{})
		if err != nil {
			return err
		}

		out = make([]Version, 0, len(rows))
		for _, row := range rows {
			out = append(out, Version{Namespace: row.Key, Version: row.Version, UpdatedAt: row.UpdatedAt})
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Namespace < out[j].Namespace })

	return out, nil
}
