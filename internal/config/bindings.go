// Package config loads the repository binding file: the YAML document
// mapping repository patterns to the hosts that deploy them. The file is
// watched for changes and reloaded in place; a malformed edit keeps the
// previous snapshot serving.
package config

import (
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// reloadInterval is how often the watcher polls the binding file's mtime.
const reloadInterval = 2 * time.Second

// Binding maps a repository pattern to its deployment targets.
type Binding struct {
	// Name is an optional human label used in logs.
	Name string `yaml:"name"`

	// Repository is an exact repository full name ("org/repo") or a glob
	// pattern ("org/*").
	Repository string `yaml:"repository"`

	// Hosts are the agent hostnames that deploy this repository. Each
	// matched push produces one job per host.
	Hosts []string `yaml:"hosts"`

	// DeployOnPush gates webhook-triggered deployments. A binding with
	// this unset can still be deployed through the jobs API.
	DeployOnPush bool `yaml:"deploy_on_push"`

	// Branches limits which branches trigger deployments. Empty means all
	// branches.
	Branches []string `yaml:"branches"`
}

// bindingFile is the on-disk document shape.
type bindingFile struct {
	Bindings []Binding `yaml:"bindings"`
}

// MatchesRepo reports whether the binding covers the given repository
// full name, by exact comparison or glob pattern.
func (b *Binding) MatchesRepo(fullName string) bool {
	if b.Repository == fullName {
		return true
	}
	ok, err := path.Match(b.Repository, fullName)
	return err == nil && ok
}

// MatchesBranch reports whether the binding covers the given branch.
// An empty branch list matches every branch.
func (b *Binding) MatchesBranch(branch string) bool {
	if len(b.Branches) == 0 {
		return true
	}
	for _, pattern := range b.Branches {
		if pattern == branch {
			return true
		}
		if ok, err := path.Match(pattern, branch); err == nil && ok {
			return true
		}
	}
	return false
}

// Loader serves binding snapshots and hot-reloads the file on change.
type Loader struct {
	filePath string
	logger   *zap.Logger

	mu       sync.RWMutex
	bindings []Binding
	modTime  time.Time

	stop chan struct{}
	done chan struct{}
}

// NewLoader reads the binding file and returns a Loader serving it.
// A missing or malformed file is a startup error.
func NewLoader(filePath string, logger *zap.Logger) (*Loader, error) {
	l := &Loader{
		filePath: filePath,
		logger:   logger.Named("config"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	bindings, modTime, err := l.read()
	if err != nil {
		return nil, err
	}
	l.bindings = bindings
	l.modTime = modTime

	l.logger.Info("bindings loaded",
		zap.String("path", filePath),
		zap.Int("bindings", len(bindings)),
	)
	return l, nil
}

// Bindings returns the current snapshot. The returned slice must not be
// mutated; reloads replace it wholesale.
func (l *Loader) Bindings() []Binding {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bindings
}

// Watch polls the file's mtime and reloads on change until Stop is
// called. Run it in its own goroutine.
func (l *Loader) Watch() {
	defer close(l.done)
	ticker := time.NewTicker(reloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.maybeReload()
		}
	}
}

// Stop terminates the watcher and waits for it to exit.
func (l *Loader) Stop() {
	close(l.stop)
	<-l.done
}

func (l *Loader) maybeReload() {
	info, err := os.Stat(l.filePath)
	if err != nil {
		// Transient: the file may be mid-replace by an atomic rename.
		return
	}

	l.mu.RLock()
	unchanged := info.ModTime().Equal(l.modTime)
	l.mu.RUnlock()
	if unchanged {
		return
	}

	bindings, modTime, err := l.read()
	if err != nil {
		// Keep serving the previous snapshot. The mtime is not advanced,
		// so the reload is retried until the file parses again.
		l.logger.Error("binding reload failed, keeping previous snapshot", zap.Error(err))
		return
	}

	l.mu.Lock()
	l.bindings = bindings
	l.modTime = modTime
	l.mu.Unlock()

	l.logger.Info("bindings reloaded", zap.Int("bindings", len(bindings)))
}

func (l *Loader) read() ([]Binding, time.Time, error) {
	info, err := os.Stat(l.filePath)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("config: stat bindings file: %w", err)
	}

	raw, err := os.ReadFile(l.filePath)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("config: reading bindings file: %w", err)
	}

	var doc bindingFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, time.Time{}, fmt.Errorf("config: parsing bindings file: %w", err)
	}

	for i := range doc.Bindings {
		b := &doc.Bindings[i]
		if b.Repository == "" {
			return nil, time.Time{}, fmt.Errorf("config: binding %d: repository is required", i)
		}
		if len(b.Hosts) == 0 {
			return nil, time.Time{}, fmt.Errorf("config: binding %q: at least one host is required", b.Repository)
		}
	}

	return doc.Bindings, info.ModTime(), nil
}
